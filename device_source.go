package slotcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/backoff"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/device"
)

// DeviceValidator answers whether a local device index currently resolves to
// a usable device. The device catalog implements it.
type DeviceValidator interface {
	Check(index int) bool
}

// DeviceConfig contains configuration for a local capture device source
type DeviceConfig struct {
	SlotID int
	Index  int

	// Capture properties applied at open time (defaults: 1280x720, 30 fps)
	Width  int
	Height int
	FPS    float64

	// Catalog validates the index before every open (optional)
	Catalog DeviceValidator

	// Retry schedule (defaults: 2s, then 10s after 2 consecutive failures)
	RetryDelay    time.Duration
	Cooldown      time.Duration
	CooldownAfter int
}

// DeviceSource captures from a local camera by numeric index
type DeviceSource struct {
	*source
}

// NewDeviceSource creates a local-device source. The device is not touched
// until Start.
func NewDeviceSource(cfg DeviceConfig) (*DeviceSource, error) {
	if cfg.Index < 0 {
		return nil, fmt.Errorf("slot-capture: device index must be >= 0, got %d", cfg.Index)
	}

	dc := device.DefaultConfig(cfg.Index)
	if cfg.Width > 0 && cfg.Height > 0 {
		dc.Width, dc.Height = cfg.Width, cfg.Height
	}
	if cfg.FPS > 0 {
		dc.FPS = cfg.FPS
	}

	return newDeviceSource(cfg, &deviceBackend{cfg: dc}, backoff.Sleep), nil
}

func newDeviceSource(cfg DeviceConfig, b backend, sleep backoff.SleepFunc) *DeviceSource {
	index := cfg.Index
	sc := sourceConfig{
		slotID:     cfg.SlotID,
		descriptor: SourceDescriptor{Kind: SourceDevice, Index: index},
		schedule: backoff.Config{
			ShortDelay: cfg.RetryDelay,
			LongDelay:  cfg.Cooldown,
			Threshold:  cfg.CooldownAfter,
		}.Normalized(),
		frameYield: time.Millisecond,
		describe: func(error) string {
			return fmt.Sprintf("Device %d not available", index)
		},
		sleep: sleep,
	}
	if cfg.Catalog != nil {
		catalog := cfg.Catalog
		sc.validate = func() error {
			if !catalog.Check(index) {
				return fmt.Errorf("%w: index %d", ErrDeviceUnavailable, index)
			}
			return nil
		}
	}
	return &DeviceSource{source: newSource(sc, b)}
}

// Index returns the device index this source opens
func (d *DeviceSource) Index() int {
	return d.cfg.descriptor.Index
}

// deviceBackend adapts internal/device to the worker
type deviceBackend struct {
	cfg device.Config
	cap *device.Capture
}

func (b *deviceBackend) Name() string {
	if b.cap != nil {
		return "opencv/" + b.cap.Backend()
	}
	return "opencv"
}

func (b *deviceBackend) Open(ctx context.Context) error {
	c, err := device.Open(b.cfg)
	if err != nil {
		return fmt.Errorf("slot-capture: failed to open device %d: %w", b.cfg.Index, err)
	}
	b.cap = c
	return nil
}

func (b *deviceBackend) Read() (rawFrame, error) {
	if b.cap == nil {
		return rawFrame{}, device.ErrNotOpened
	}
	f, err := b.cap.Read()
	if err != nil {
		if errors.Is(err, device.ErrEmptyFrame) {
			return rawFrame{}, fmt.Errorf("slot-capture: device disconnected: %w", err)
		}
		return rawFrame{}, err
	}
	format, err := PixelFormatForChannels(f.Channels)
	if err != nil {
		return rawFrame{}, err
	}
	return rawFrame{Width: f.Width, Height: f.Height, Format: format, Data: f.Data}, nil
}

func (b *deviceBackend) Close() error {
	if b.cap == nil {
		return nil
	}
	err := b.cap.Close()
	b.cap = nil
	return err
}
