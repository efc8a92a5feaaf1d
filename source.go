package slotcapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/backoff"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/errclass"
	"github.com/google/uuid"
)

var (
	// ErrTransient marks a read that produced no frame but did not break the
	// connection ("try again", live-edge EOF). The worker retries silently.
	ErrTransient = errors.New("slot-capture: transient read failure")
	// ErrStopped is returned when an operation needs a running source
	ErrStopped = errors.New("slot-capture: source stopped")
	// ErrAlreadyStarted is returned by Start on a running source
	ErrAlreadyStarted = errors.New("slot-capture: source already started")
	// ErrNoVideoStream is returned when a network input has no video stream
	ErrNoVideoStream = errors.New("slot-capture: no video stream found")
	// ErrDeviceUnavailable is returned when a local device index does not
	// resolve to a usable device
	ErrDeviceUnavailable = errors.New("slot-capture: device not available")
)

const (
	// transientPause is the wait after a transient read before trying again
	transientPause = 10 * time.Millisecond
	// lostPause is the wait after a connection loss before reconnecting
	lostPause = 100 * time.Millisecond
	// stopWait bounds how long Stop waits for the worker to exit
	stopWait = 100 * time.Millisecond
)

// CaptureSource is a connect/read/retry state machine over one video input.
//
// Frames are delivered in capture order: pushed to the attached FrameBuffer,
// then written to the attached recorder when it is recording, then announced
// as EventFrame to subscribers.
type CaptureSource interface {
	// Start launches the capture worker. It returns immediately; connection
	// progress is reported through events.
	Start(ctx context.Context) error
	// Stop requests the worker to exit and waits briefly for it
	Stop() error
	// State returns the current connection state
	State() CaptureState
	// IsConnected reports whether the source is in StateConnected
	IsConnected() bool
	// Subscribe registers an event listener
	Subscribe(l Listener) (unsubscribe func())
	// Attach sets the frame destinations (either may be nil)
	Attach(buffer *FrameBuffer, recorder FrameWriter)
	// Stats returns a snapshot of capture counters
	Stats() SourceStats
	// Descriptor returns the input this source reads
	Descriptor() SourceDescriptor
}

// FrameWriter is the recorder side of frame delivery
type FrameWriter interface {
	IsRecording() bool
	WriteFrame(frame Frame)
}

// rawFrame is a decoded frame in canonical layout as produced by a backend
type rawFrame struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

// backend is one connectable input. Open and Close are called once per
// connect cycle. Read returns ErrTransient when no frame is available yet and
// any other error when the connection is unusable.
type backend interface {
	Name() string
	Open(ctx context.Context) error
	Read() (rawFrame, error)
	Close() error
}

// sourceConfig is the per-variant policy of the shared worker
type sourceConfig struct {
	slotID     int
	descriptor SourceDescriptor
	schedule   backoff.Config
	// frameYield is slept after every delivered frame (0 disables)
	frameYield time.Duration
	// reportEveryFailure emits EventError on each failed open instead of
	// only once the long cooldown is reached
	reportEveryFailure bool
	// validate runs before each open; a failure skips straight to the
	// long cooldown and is always reported
	validate func() error
	// describe turns an open failure into the user-facing message
	describe func(err error) string
	sleep    backoff.SleepFunc
}

// source implements CaptureSource over a backend. DeviceSource and
// NetworkSource embed it.
type source struct {
	cfg     sourceConfig
	backend backend
	dispatcher

	mu       sync.Mutex
	buffer   *FrameBuffer
	recorder FrameWriter
	cancel   context.CancelFunc
	done     chan struct{}

	// stateMu orders state transitions and their events against Stop
	stateMu  sync.Mutex
	state    atomic.Int32
	stopping atomic.Bool

	seq        uint64
	bytesRead  uint64
	attempts   uint64
	reconnects uint32
	lastFrame  atomic.Int64
	backendID  atomic.Value
	resolution atomic.Value
	errorCount [errclass.Unknown + 1]uint64
}

func newSource(cfg sourceConfig, b backend) *source {
	if cfg.sleep == nil {
		cfg.sleep = backoff.Sleep
	}
	if cfg.describe == nil {
		cfg.describe = func(err error) string { return err.Error() }
	}
	s := &source{cfg: cfg, backend: b}
	s.state.Store(int32(StateDisconnected))
	s.backendID.Store("")
	s.resolution.Store("")
	return s
}

// Start launches the worker goroutine. A worker left over from a previous
// Stop is waited for first.
func (s *source) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	prev := s.done
	s.mu.Unlock()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.stateMu.Lock()
	s.stopping.Store(false)
	s.state.Store(int32(StateDisconnected))
	s.stateMu.Unlock()

	go s.run(runCtx, s.done)

	slog.Info("slot-capture: source started",
		"slot", s.cfg.slotID,
		"source", s.cfg.descriptor.String(),
	)
	return nil
}

// Stop cancels the worker and waits at most stopWait for it to exit. A
// worker blocked in a read finishes on its own once the read returns.
func (s *source) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	s.stateMu.Lock()
	s.stopping.Store(true)
	s.stateMu.Unlock()
	cancel()
	s.setState(StateStopped)

	timer := time.NewTimer(stopWait)
	defer timer.Stop()
	select {
	case <-done:
		slog.Info("slot-capture: source stopped", "slot", s.cfg.slotID)
	case <-timer.C:
		slog.Warn("slot-capture: worker still busy, finishing asynchronously",
			"slot", s.cfg.slotID,
			"source", s.cfg.descriptor.String(),
		)
	}
	return nil
}

// State returns the current connection state
func (s *source) State() CaptureState {
	return CaptureState(s.state.Load())
}

// IsConnected reports whether frames are currently being read
func (s *source) IsConnected() bool {
	return s.State() == StateConnected
}

// Attach sets the frame destinations used by subsequent deliveries
func (s *source) Attach(buffer *FrameBuffer, recorder FrameWriter) {
	s.mu.Lock()
	s.buffer = buffer
	s.recorder = recorder
	s.mu.Unlock()
}

// Descriptor returns the configured input
func (s *source) Descriptor() SourceDescriptor {
	return s.cfg.descriptor
}

// Stats returns a snapshot of the capture counters
func (s *source) Stats() SourceStats {
	var latency int64
	if last := s.lastFrame.Load(); last > 0 {
		latency = time.Since(time.Unix(0, last)).Milliseconds()
	}
	return SourceStats{
		State:         s.State(),
		FrameCount:    atomic.LoadUint64(&s.seq),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		OpenAttempts:  atomic.LoadUint64(&s.attempts),
		Reconnects:    atomic.LoadUint32(&s.reconnects),
		LatencyMS:     latency,
		Backend:       s.backendID.Load().(string),
		Resolution:    s.resolution.Load().(string),
		ErrorsNetwork: atomic.LoadUint64(&s.errorCount[errclass.Network]),
		ErrorsCodec:   atomic.LoadUint64(&s.errorCount[errclass.Codec]),
		ErrorsAuth:    atomic.LoadUint64(&s.errorCount[errclass.Auth]),
		ErrorsDevice:  atomic.LoadUint64(&s.errorCount[errclass.Device]),
		ErrorsUnknown: atomic.LoadUint64(&s.errorCount[errclass.Unknown]) +
			atomic.LoadUint64(&s.errorCount[errclass.Storage]),
	}
}

// run is the worker: connect with backoff, read until the connection breaks,
// pause, reconnect. It exits only when ctx is cancelled.
func (s *source) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.backend.Close()
		s.setState(StateStopped)
	}()

	state := &backoff.State{Attempts: &s.attempts}

	for {
		err := backoff.Run(ctx, func(ctx context.Context) error {
			return s.connect(ctx, state)
		}, s.cfg.schedule, state, s.cfg.sleep, s.onOpenFailure)
		if err != nil || ctx.Err() != nil {
			return
		}

		s.backendID.Store(s.backend.Name())
		if !s.setState(StateConnected) {
			return
		}
		s.emit(Event{Type: EventConnected, SlotID: s.cfg.slotID})
		slog.Info("slot-capture: source connected",
			"slot", s.cfg.slotID,
			"source", s.cfg.descriptor.String(),
			"backend", s.backend.Name(),
		)

		readErr := s.readLoop(ctx)
		if ctx.Err() != nil {
			return
		}

		atomic.AddUint32(&s.reconnects, 1)
		category := s.count(readErr)
		slog.Warn("slot-capture: connection lost",
			"slot", s.cfg.slotID,
			"source", s.cfg.descriptor.String(),
			"error", readErr,
			"category", category.String(),
			"frames", atomic.LoadUint64(&s.seq),
		)
		s.setState(StateDisconnected)
		s.emit(Event{
			Type:     EventConnectionLost,
			SlotID:   s.cfg.slotID,
			Message:  readErr.Error(),
			Category: category.String(),
		})
		s.backend.Close()

		if !s.cfg.sleep(ctx, lostPause) {
			return
		}
	}
}

// connect is one open attempt
func (s *source) connect(ctx context.Context, state *backoff.State) error {
	s.setState(StateConnecting)

	if s.cfg.validate != nil {
		if err := s.cfg.validate(); err != nil {
			// Unavailable inputs go straight to the long cooldown
			if th := s.cfg.schedule.Threshold; state.Failures < th-1 {
				state.Failures = th - 1
			}
			return err
		}
	}

	if err := s.backend.Open(ctx); err != nil {
		s.backend.Close()
		return err
	}
	return nil
}

func (s *source) onOpenFailure(err error, failures int, delay time.Duration) {
	category := s.count(err)
	s.setState(StateRetrying)

	slog.Warn("slot-capture: open failed, retrying",
		"slot", s.cfg.slotID,
		"source", s.cfg.descriptor.String(),
		"error", err,
		"category", category.String(),
		"failures", failures,
		"delay", delay,
	)

	report := s.cfg.reportEveryFailure ||
		errors.Is(err, ErrDeviceUnavailable) ||
		s.cfg.schedule.Cooldown(failures)
	if report {
		s.emit(Event{
			Type:     EventError,
			SlotID:   s.cfg.slotID,
			Message:  s.cfg.describe(err),
			Category: category.String(),
		})
	}
}

func (s *source) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		raw, err := s.backend.Read()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, ErrTransient) {
				if !s.cfg.sleep(ctx, transientPause) {
					return nil
				}
				continue
			}
			return err
		}

		s.deliver(raw)

		if s.cfg.frameYield > 0 && !s.cfg.sleep(ctx, s.cfg.frameYield) {
			return nil
		}
	}
}

// deliver hands a frame to buffer, recorder and subscribers, in that order
func (s *source) deliver(raw rawFrame) {
	now := time.Now()
	frame := Frame{
		Seq:       atomic.AddUint64(&s.seq, 1),
		Timestamp: now,
		Width:     raw.Width,
		Height:    raw.Height,
		Format:    raw.Format,
		Data:      raw.Data,
		SourceID:  s.cfg.slotID,
		TraceID:   uuid.New().String(),
	}
	atomic.AddUint64(&s.bytesRead, uint64(len(raw.Data)))
	s.lastFrame.Store(now.UnixNano())
	if res := fmt.Sprintf("%dx%d", raw.Width, raw.Height); res != s.resolution.Load().(string) {
		s.resolution.Store(res)
	}

	s.mu.Lock()
	buffer, recorder := s.buffer, s.recorder
	s.mu.Unlock()

	if buffer != nil {
		buffer.Push(frame)
	}
	if recorder != nil && recorder.IsRecording() {
		recorder.WriteFrame(frame)
	}
	s.emit(Event{Type: EventFrame, SlotID: s.cfg.slotID, Frame: &frame})

	slog.Debug("slot-capture: frame delivered",
		"slot", s.cfg.slotID,
		"seq", frame.Seq,
		"trace_id", frame.TraceID,
	)
}

// setState stores a new state and announces it. Once Stop was requested only
// the transition to StateStopped is accepted; it reports false for a
// rejected transition.
func (s *source) setState(next CaptureState) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()

	if s.stopping.Load() && next != StateStopped {
		return false
	}
	prev := CaptureState(s.state.Swap(int32(next)))
	if prev != next {
		s.emit(Event{Type: EventStateChanged, SlotID: s.cfg.slotID, State: next})
	}
	return true
}

func (s *source) count(err error) errclass.Category {
	category := errclass.Classify(err)
	if errors.Is(err, ErrDeviceUnavailable) {
		category = errclass.Device
	}
	atomic.AddUint64(&s.errorCount[category], 1)
	return category
}
