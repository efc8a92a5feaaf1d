package slotcapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/backoff"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/gstream"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/netstream"
)

// Network backend names accepted in NetworkConfig.Backends
const (
	BackendFFmpeg    = "ffmpeg"
	BackendGStreamer = "gstreamer"
)

// DefaultNetworkBackends is the order backends are tried in
var DefaultNetworkBackends = []string{BackendFFmpeg, BackendGStreamer}

// NetworkConfig contains configuration for a network stream source
type NetworkConfig struct {
	SlotID int
	URL    string

	// Backends lists the decoders to try, in order (default: ffmpeg, gstreamer)
	Backends []string

	// SocketTimeout bounds a stalled read (default: 5s)
	SocketTimeout time.Duration

	// Retry schedule (defaults: 5s, then 10s after 2 consecutive failures)
	RetryDelay    time.Duration
	Cooldown      time.Duration
	CooldownAfter int
}

// NetworkSource captures from an RTSP (or any FFmpeg/GStreamer readable) URL
type NetworkSource struct {
	*source
}

// NewNetworkSource creates a network stream source with fail-fast validation.
// Nothing is opened until Start.
func NewNetworkSource(cfg NetworkConfig) (*NetworkSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("slot-capture: stream URL is required")
	}
	names := cfg.Backends
	if len(names) == 0 {
		names = DefaultNetworkBackends
	}
	if cfg.SocketTimeout <= 0 {
		cfg.SocketTimeout = 5 * time.Second
	}

	chain := &chainBackend{}
	for _, name := range names {
		switch strings.ToLower(name) {
		case BackendFFmpeg:
			opts := netstream.DefaultOptions(cfg.URL)
			opts.SocketTimeout = cfg.SocketTimeout
			chain.backends = append(chain.backends, &ffmpegBackend{opts: opts})
		case BackendGStreamer:
			gcfg := gstream.DefaultConfig(cfg.URL)
			gcfg.TCPTimeout = cfg.SocketTimeout
			chain.backends = append(chain.backends, &gstreamerBackend{cfg: gcfg})
		default:
			return nil, fmt.Errorf("slot-capture: unknown network backend %q", name)
		}
	}

	return newNetworkSource(cfg, chain, backoff.Sleep), nil
}

func newNetworkSource(cfg NetworkConfig, b backend, sleep backoff.SleepFunc) *NetworkSource {
	schedule := backoff.NetworkConfig()
	if cfg.RetryDelay > 0 {
		schedule.ShortDelay = cfg.RetryDelay
	}
	if cfg.Cooldown > 0 {
		schedule.LongDelay = cfg.Cooldown
	}
	if cfg.CooldownAfter > 0 {
		schedule.Threshold = cfg.CooldownAfter
	}

	sc := sourceConfig{
		slotID:             cfg.SlotID,
		descriptor:         SourceDescriptor{Kind: SourceNetwork, URL: cfg.URL},
		schedule:           schedule,
		reportEveryFailure: true,
		describe:           describeNetworkError,
		sleep:              sleep,
	}
	return &NetworkSource{source: newSource(sc, b)}
}

// URL returns the stream address this source opens
func (n *NetworkSource) URL() string {
	return n.cfg.descriptor.URL
}

func describeNetworkError(err error) string {
	if errors.Is(err, ErrNoVideoStream) {
		return "No video stream found"
	}
	return "Failed to open stream: " + err.Error()
}

// chainBackend opens the first backend in its list that succeeds and reads
// from it until Close
type chainBackend struct {
	backends []backend
	active   backend
}

func (c *chainBackend) Name() string {
	if c.active != nil {
		return c.active.Name()
	}
	return "network"
}

func (c *chainBackend) Open(ctx context.Context) error {
	var errs []error
	for _, b := range c.backends {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := b.Open(ctx)
		if err == nil {
			c.active = b
			return nil
		}
		b.Close()
		slog.Debug("slot-capture: network backend failed", "backend", b.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", b.Name(), err))
	}
	if len(errs) == 0 {
		return errors.New("slot-capture: no network backend configured")
	}
	return errors.Join(errs...)
}

func (c *chainBackend) Read() (rawFrame, error) {
	if c.active == nil {
		return rawFrame{}, ErrStopped
	}
	return c.active.Read()
}

func (c *chainBackend) Close() error {
	if c.active == nil {
		return nil
	}
	err := c.active.Close()
	c.active = nil
	return err
}

// ffmpegBackend adapts internal/netstream to the worker
type ffmpegBackend struct {
	opts   netstream.Options
	stream *netstream.Stream
}

func (b *ffmpegBackend) Name() string { return BackendFFmpeg }

func (b *ffmpegBackend) Open(ctx context.Context) error {
	s, err := netstream.Open(b.opts)
	if err != nil {
		if errors.Is(err, netstream.ErrNoVideoStream) {
			return ErrNoVideoStream
		}
		return err
	}
	b.stream = s
	return nil
}

func (b *ffmpegBackend) Read() (rawFrame, error) {
	if b.stream == nil {
		return rawFrame{}, ErrStopped
	}
	f, err := b.stream.Read()
	if err != nil {
		if errors.Is(err, netstream.ErrTransient) {
			return rawFrame{}, ErrTransient
		}
		return rawFrame{}, err
	}
	return rawFrame{Width: f.Width, Height: f.Height, Format: PixelRGB, Data: f.Data}, nil
}

func (b *ffmpegBackend) Close() error {
	if b.stream == nil {
		return nil
	}
	err := b.stream.Close()
	b.stream = nil
	return err
}

// gstreamerBackend adapts internal/gstream to the worker
type gstreamerBackend struct {
	cfg      gstream.Config
	pipeline *gstream.Pipeline
}

func (b *gstreamerBackend) Name() string { return BackendGStreamer }

func (b *gstreamerBackend) Open(ctx context.Context) error {
	p, err := gstream.Open(b.cfg)
	if err != nil {
		return err
	}
	b.pipeline = p
	return nil
}

func (b *gstreamerBackend) Read() (rawFrame, error) {
	if b.pipeline == nil {
		return rawFrame{}, ErrStopped
	}
	f, err := b.pipeline.Read()
	if err != nil {
		if errors.Is(err, gstream.ErrTransient) {
			return rawFrame{}, ErrTransient
		}
		return rawFrame{}, err
	}
	return rawFrame{Width: f.Width, Height: f.Height, Format: PixelRGB, Data: f.Data}, nil
}

func (b *gstreamerBackend) Close() error {
	if b.pipeline == nil {
		return nil
	}
	err := b.pipeline.Close()
	b.pipeline = nil
	return err
}
