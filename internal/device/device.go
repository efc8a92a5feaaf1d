package device

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"gocv.io/x/gocv"
)

var (
	// ErrReadFailed is returned when the capture backend reports a failed grab
	ErrReadFailed = errors.New("device: read failed")
	// ErrEmptyFrame is returned when the backend returns an empty image,
	// which is what an unplugged camera looks like
	ErrEmptyFrame = errors.New("device: empty frame")
	// ErrNotOpened is returned when no backend could open the device
	ErrNotOpened = errors.New("device: not opened")
)

// Frame is a minimal frame struct for internal use (avoids import cycle)
// Data is tightly packed RGB, RGBA or gray depending on Channels.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// Backend is one OpenCV capture API to try when opening a device
type Backend struct {
	Name string
	API  gocv.VideoCaptureAPI
}

// BackendsFor returns the prioritized backend list for an operating system.
// The native API comes first, the OpenCV default last.
func BackendsFor(goos string) []Backend {
	switch goos {
	case "darwin":
		return []Backend{
			{Name: "avfoundation", API: gocv.VideoCaptureAVFoundation},
			{Name: "any", API: gocv.VideoCaptureAny},
		}
	case "windows":
		return []Backend{
			{Name: "dshow", API: gocv.VideoCaptureDshow},
			{Name: "msmf", API: gocv.VideoCaptureMSMF},
			{Name: "any", API: gocv.VideoCaptureAny},
		}
	default:
		return []Backend{
			{Name: "v4l2", API: gocv.VideoCaptureV4L2},
			{Name: "any", API: gocv.VideoCaptureAny},
		}
	}
}

// Config contains the capture settings applied at open time
type Config struct {
	Index      int
	Width      int
	Height     int
	FPS        float64
	BufferSize int
	Backends   []Backend
}

// DefaultConfig returns the low-latency 720p30 settings for a device index
func DefaultConfig(index int) Config {
	return Config{
		Index:      index,
		Width:      1280,
		Height:     720,
		FPS:        30,
		BufferSize: 1,
		Backends:   BackendsFor(runtime.GOOS),
	}
}

// Capture is an open local capture device
//
// Read reuses the raw and converted Mats across frames and copies the
// converted pixels out, so the returned Frame is owned by the caller.
// Capture is not safe for concurrent use.
type Capture struct {
	cfg       Config
	vc        *gocv.VideoCapture
	backend   string
	raw       gocv.Mat
	converted gocv.Mat
}

// Open tries each configured backend in order until one opens the device
func Open(cfg Config) (*Capture, error) {
	if cfg.Index < 0 {
		return nil, fmt.Errorf("device %d: %w", cfg.Index, ErrNotOpened)
	}
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = BackendsFor(runtime.GOOS)
	}

	var lastErr error
	for _, b := range backends {
		vc, err := gocv.VideoCaptureDeviceWithAPI(cfg.Index, b.API)
		if err != nil {
			lastErr = err
			slog.Debug("device: backend failed", "index", cfg.Index, "backend", b.Name, "error", err)
			continue
		}
		if !vc.IsOpened() {
			vc.Close()
			lastErr = fmt.Errorf("backend %s did not open", b.Name)
			continue
		}

		applyProperties(vc, cfg)

		slog.Info("device: opened capture device",
			"index", cfg.Index,
			"backend", b.Name,
			"width", cfg.Width,
			"height", cfg.Height,
			"fps", cfg.FPS,
		)

		return &Capture{
			cfg:       cfg,
			vc:        vc,
			backend:   b.Name,
			raw:       gocv.NewMat(),
			converted: gocv.NewMat(),
		}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no backend configured")
	}
	return nil, fmt.Errorf("device %d: %w: %v", cfg.Index, ErrNotOpened, lastErr)
}

// applyProperties sets resolution, rate and a one-frame internal buffer
func applyProperties(vc *gocv.VideoCapture, cfg Config) {
	if cfg.Width > 0 && cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}
	if cfg.BufferSize > 0 {
		vc.Set(gocv.VideoCaptureBufferSize, float64(cfg.BufferSize))
	}
}

// Backend returns the name of the backend that opened the device
func (c *Capture) Backend() string {
	return c.backend
}

// Read grabs one frame and converts it to the canonical channel order
//
// Conversion:
//   - 8UC3 (BGR) → RGB
//   - 8UC4 (BGRA) → RGBA
//   - 8UC1 (gray) → copied as is
func (c *Capture) Read() (Frame, error) {
	if c.vc == nil {
		return Frame{}, ErrNotOpened
	}
	if ok := c.vc.Read(&c.raw); !ok {
		return Frame{}, ErrReadFailed
	}
	if c.raw.Empty() {
		return Frame{}, ErrEmptyFrame
	}

	w, h := c.raw.Cols(), c.raw.Rows()

	switch c.raw.Type() {
	case gocv.MatTypeCV8UC1:
		return Frame{Width: w, Height: h, Channels: 1, Data: c.raw.ToBytes()}, nil
	case gocv.MatTypeCV8UC3:
		gocv.CvtColor(c.raw, &c.converted, gocv.ColorBGRToRGB)
		return Frame{Width: w, Height: h, Channels: 3, Data: c.converted.ToBytes()}, nil
	case gocv.MatTypeCV8UC4:
		gocv.CvtColor(c.raw, &c.converted, gocv.ColorBGRAToRGBA)
		return Frame{Width: w, Height: h, Channels: 4, Data: c.converted.ToBytes()}, nil
	default:
		return Frame{}, fmt.Errorf("device: unsupported mat type %v", c.raw.Type())
	}
}

// Close releases the device and the scratch buffers
func (c *Capture) Close() error {
	var err error
	if c.vc != nil {
		err = c.vc.Close()
		c.vc = nil
	}
	c.raw.Close()
	c.converted.Close()
	return err
}

// Probe opens and immediately releases a device to test whether it is usable.
// It returns the backend name that succeeded.
func Probe(index int, backends []Backend) (string, bool) {
	cfg := Config{Index: index, Backends: backends}
	c, err := Open(cfg)
	if err != nil {
		return "", false
	}
	name := c.Backend()
	c.Close()
	return name, true
}
