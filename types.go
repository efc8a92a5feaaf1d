package slotcapture

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PixelFormat is the canonical in-memory pixel layout of a Frame
type PixelFormat int

const (
	// PixelGray is one byte per pixel
	PixelGray PixelFormat = iota + 1
	// PixelRGB is three interleaved bytes per pixel (R, G, B)
	PixelRGB
	// PixelRGBA is four interleaved bytes per pixel (R, G, B, A)
	PixelRGBA
)

// BytesPerPixel returns the stride of a single pixel
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelGray:
		return 1
	case PixelRGB:
		return 3
	case PixelRGBA:
		return 4
	default:
		return 0
	}
}

// String returns a human-readable representation of the pixel format
func (p PixelFormat) String() string {
	switch p {
	case PixelGray:
		return "gray"
	case PixelRGB:
		return "rgb"
	case PixelRGBA:
		return "rgba"
	default:
		return "unknown"
	}
}

// PixelFormatForChannels maps an interleaved channel count to a PixelFormat
func PixelFormatForChannels(channels int) (PixelFormat, error) {
	switch channels {
	case 1:
		return PixelGray, nil
	case 3:
		return PixelRGB, nil
	case 4:
		return PixelRGBA, nil
	default:
		return 0, fmt.Errorf("slot-capture: unsupported channel count %d", channels)
	}
}

// Frame represents a single decoded video frame with metadata
type Frame struct {
	// Seq is the monotonic sequence number within the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Format is the pixel layout of Data
	Format PixelFormat
	// Data contains tightly packed, row-major pixel data
	Data []byte
	// SourceID identifies the slot that produced the frame
	SourceID int
	// TraceID is a unique identifier for distributed tracing
	TraceID string
}

// Valid reports whether the frame has a geometry and a payload that matches it
func (f Frame) Valid() bool {
	bpp := f.Format.BytesPerPixel()
	return f.Width > 0 && f.Height > 0 && bpp > 0 && len(f.Data) == f.Width*f.Height*bpp
}

// Clone returns a deep copy of the frame so it can cross a goroutine boundary
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// SameGeometry reports whether two frames share width, height and layout
func (f Frame) SameGeometry(o Frame) bool {
	return f.Width == o.Width && f.Height == o.Height && f.Format == o.Format
}

// SourceKind selects the capture variant for a slot
type SourceKind int

const (
	// SourceNone means the slot is unconfigured ("No Signal")
	SourceNone SourceKind = iota
	// SourceAuto uses the local device whose index equals the slot index
	SourceAuto
	// SourceDevice is an explicit local capture device index
	SourceDevice
	// SourceNetwork is a network stream URL (RTSP)
	SourceNetwork
)

// String returns the configuration name of the source kind
func (k SourceKind) String() string {
	switch k {
	case SourceNone:
		return "none"
	case SourceAuto:
		return "auto"
	case SourceDevice:
		return "wired"
	case SourceNetwork:
		return "rtsp"
	default:
		return "unknown"
	}
}

// ParseSourceKind converts a configuration string into a SourceKind
func ParseSourceKind(s string) (SourceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return SourceNone, nil
	case "auto":
		return SourceAuto, nil
	case "wired", "device", "local":
		return SourceDevice, nil
	case "rtsp", "network", "stream":
		return SourceNetwork, nil
	default:
		return SourceNone, fmt.Errorf("slot-capture: unknown source type %q", s)
	}
}

// SourceDescriptor determines which CaptureSource implementation a slot uses
type SourceDescriptor struct {
	Kind  SourceKind
	Index int
	URL   string
}

// ParseSource builds a descriptor from the textual kind and source fields of a
// slot configuration. slotIndex is used to resolve SourceAuto.
func ParseSource(kind, source string, slotIndex int) (SourceDescriptor, error) {
	k, err := ParseSourceKind(kind)
	if err != nil {
		return SourceDescriptor{}, err
	}

	switch k {
	case SourceNone:
		return SourceDescriptor{Kind: SourceNone}, nil
	case SourceAuto:
		return SourceDescriptor{Kind: SourceAuto, Index: slotIndex}, nil
	case SourceDevice:
		idx, err := strconv.Atoi(strings.TrimSpace(source))
		if err != nil {
			return SourceDescriptor{}, fmt.Errorf("slot-capture: invalid device index %q: %w", source, err)
		}
		return SourceDescriptor{Kind: SourceDevice, Index: idx}, nil
	default:
		if strings.TrimSpace(source) == "" {
			return SourceDescriptor{}, fmt.Errorf("slot-capture: stream URL is required")
		}
		return SourceDescriptor{Kind: SourceNetwork, URL: strings.TrimSpace(source)}, nil
	}
}

// IsLocal reports whether the descriptor resolves to a local capture device
func (d SourceDescriptor) IsLocal() bool {
	return d.Kind == SourceAuto || d.Kind == SourceDevice
}

// String returns a compact representation used in logs
func (d SourceDescriptor) String() string {
	switch d.Kind {
	case SourceAuto, SourceDevice:
		return fmt.Sprintf("%s:%d", d.Kind, d.Index)
	case SourceNetwork:
		return fmt.Sprintf("%s:%s", d.Kind, d.URL)
	default:
		return d.Kind.String()
	}
}

// CaptureState is the connection state of a CaptureSource
type CaptureState int32

const (
	StateDisconnected CaptureState = iota
	StateConnecting
	StateConnected
	StateRetrying
	StateStopped
)

// String returns a human-readable representation of the state
func (s CaptureState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ChunkInfo describes one chunk file of a recording session
type ChunkInfo struct {
	// Number is 1-based and monotonic within a session
	Number int
	// StartedAt is the time the chunk's writer was opened
	StartedAt time.Time
	// Path is the output file path
	Path string
	// Width and Height are the frame dimensions at open time
	Width  int
	Height int
	// Codec is the fourcc that actually opened the writer
	Codec string
	// SessionID identifies the recording session (start..stop interval)
	SessionID string
}

// SourceStats contains current capture statistics
type SourceStats struct {
	// State is the current connection state
	State CaptureState
	// FrameCount is the total number of frames delivered
	FrameCount uint64
	// BytesRead is the total payload bytes delivered
	BytesRead uint64
	// OpenAttempts counts connection attempts since Start
	OpenAttempts uint64
	// Reconnects counts connection losses after a successful connect
	Reconnects uint32
	// LatencyMS is the time since the last frame in milliseconds
	LatencyMS int64
	// Backend names the backend currently (or last) connected
	Backend string
	// Resolution is the last frame resolution (e.g., "1280x720")
	Resolution string

	// Error telemetry by category
	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsDevice  uint64
	ErrorsUnknown uint64
}

// RecorderStats contains chunk recorder statistics
type RecorderStats struct {
	Recording     bool
	SessionID     string
	CurrentChunk  int
	ChunksWritten uint64
	FramesWritten uint64
	WriteErrors   uint64
}
