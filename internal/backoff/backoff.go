package backoff

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Config contains the staged retry schedule used between failed opens
type Config struct {
	ShortDelay time.Duration // Delay after a failure below Threshold (default: 2 seconds)
	LongDelay  time.Duration // Cooldown once Threshold consecutive failures are reached (default: 10 seconds)
	Threshold  int           // Consecutive failures that switch to LongDelay (default: 2)
}

// DefaultConfig returns the schedule used for local capture devices
func DefaultConfig() Config {
	return Config{
		ShortDelay: 2 * time.Second,
		LongDelay:  10 * time.Second,
		Threshold:  2,
	}
}

// NetworkConfig returns the schedule used for network streams, which pay a
// higher reconnection cost and wait longer between short retries
func NetworkConfig() Config {
	cfg := DefaultConfig()
	cfg.ShortDelay = 5 * time.Second
	return cfg
}

// Normalized fills zero fields with defaults
func (c Config) Normalized() Config {
	def := DefaultConfig()
	if c.ShortDelay <= 0 {
		c.ShortDelay = def.ShortDelay
	}
	if c.LongDelay <= 0 {
		c.LongDelay = def.LongDelay
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	return c
}

// Cooldown reports whether the failure count has reached the long cooldown stage
func (c Config) Cooldown(failures int) bool {
	c = c.Normalized()
	return failures >= c.Threshold
}

// Delay returns the wait that follows the given number of consecutive failures
//
// Schedule with default config:
//   - Failure 1: 2s
//   - Failure 2+: 10s
//
// There is no retry limit. The schedule never escalates past LongDelay.
func (c Config) Delay(failures int) time.Duration {
	c = c.Normalized()
	if failures >= c.Threshold {
		return c.LongDelay
	}
	return c.ShortDelay
}

// State tracks consecutive failures of the current connect cycle
type State struct {
	Failures int
	Attempts *uint64 // Atomic counter for total open attempts
}

// NewState returns a State with its counter allocated
func NewState() *State {
	return &State{Attempts: new(uint64)}
}

// Reset clears the consecutive failure counter after a successful connection
func Reset(state *State) {
	state.Failures = 0
	slog.Debug("backoff: state reset")
}

// SleepFunc waits for d or until ctx is done. It returns false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// Sleep is the real-time SleepFunc
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ConnectFunc attempts to establish a connection
type ConnectFunc func(ctx context.Context) error

// FailureFunc observes a failed attempt before the backoff wait starts
type FailureFunc func(err error, failures int, delay time.Duration)

// Run calls connectFn until it succeeds or ctx is cancelled, waiting
// cfg.Delay(failures) between attempts. It never gives up on its own.
//
// Returns nil once connected, or ctx.Err() when cancelled.
func Run(
	ctx context.Context,
	connectFn ConnectFunc,
	cfg Config,
	state *State,
	sleep SleepFunc,
	onFailure FailureFunc,
) error {
	if sleep == nil {
		sleep = Sleep
	}
	if state.Attempts == nil {
		state.Attempts = new(uint64)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		atomic.AddUint64(state.Attempts, 1)
		err := connectFn(ctx)
		if err == nil {
			Reset(state)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state.Failures++
		delay := cfg.Delay(state.Failures)

		slog.Debug("backoff: connection attempt failed",
			"error", err,
			"failures", state.Failures,
			"delay", delay,
			"cooldown", cfg.Cooldown(state.Failures),
		)

		if onFailure != nil {
			onFailure(err, state.Failures, delay)
		}

		if !sleep(ctx, delay) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return context.Canceled
		}
	}
}
