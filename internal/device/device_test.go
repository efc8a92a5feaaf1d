package device

import (
	"errors"
	"testing"

	"gocv.io/x/gocv"
)

func TestBackendsFor(t *testing.T) {
	tests := []struct {
		goos  string
		first string
	}{
		{"darwin", "avfoundation"},
		{"windows", "dshow"},
		{"linux", "v4l2"},
		{"freebsd", "v4l2"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got := BackendsFor(tt.goos)
			if len(got) < 2 {
				t.Fatalf("BackendsFor(%q) returned %d backends, want at least 2", tt.goos, len(got))
			}
			if got[0].Name != tt.first {
				t.Errorf("first backend = %q, want %q", got[0].Name, tt.first)
			}
			last := got[len(got)-1]
			if last.API != gocv.VideoCaptureAny {
				t.Errorf("last backend = %q, want the OpenCV default", last.Name)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig(2)
	if cfg.Index != 2 || cfg.Width != 1280 || cfg.Height != 720 || cfg.FPS != 30 || cfg.BufferSize != 1 {
		t.Errorf("DefaultConfig(2) = %+v", cfg)
	}
}

func TestOpen_NegativeIndex(t *testing.T) {
	_, err := Open(Config{Index: -1})
	if !errors.Is(err, ErrNotOpened) {
		t.Errorf("Open(-1) error = %v, want ErrNotOpened", err)
	}
}
