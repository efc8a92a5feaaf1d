// Package chunkfile writes chunk video files through OpenCV's VideoWriter.
package chunkfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

const (
	// FallbackFourCC is tried once when the preferred codec cannot open a writer
	FallbackFourCC = "mp4v"
	// Extension is the container extension of every chunk
	Extension = "mp4"
	// timeLayout is the chunk start timestamp layout (yyyyMMdd_HHmmss)
	timeLayout = "20060102_150405"
)

// ErrNotEnoughSpace is returned by CheckFreeSpace when the volume is too full
var ErrNotEnoughSpace = errors.New("chunkfile: not enough free space")

// Image is a minimal frame struct for internal use (avoids import cycle)
// Data is tightly packed RGB, RGBA or gray depending on Channels.
type Image struct {
	Width    int
	Height   int
	Channels int
	Data     []byte
}

// FourCC maps a configured codec name to the fourcc handed to the writer
//
// Mapping:
//   - h264, avc1 → avc1
//   - xvid → XVID
//   - anything else → mp4v
func FourCC(codec string) string {
	switch strings.ToLower(strings.TrimSpace(codec)) {
	case "h264", "avc1":
		return "avc1"
	case "xvid":
		return "XVID"
	default:
		return FallbackFourCC
	}
}

// SlotDir returns the per-slot output directory
func SlotDir(outputDir string, slotID int) string {
	return filepath.Join(outputDir, fmt.Sprintf("slot_%d", slotID))
}

// Path returns {outputDir}/slot_{slotID}/{number:03}_{yyyyMMdd_HHmmss}.mp4
func Path(outputDir string, slotID, number int, start time.Time) string {
	name := fmt.Sprintf("%03d_%s.%s", number, start.Format(timeLayout), Extension)
	return filepath.Join(SlotDir(outputDir, slotID), name)
}

// EnsureDir creates dir (and parents) if it does not exist
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("chunkfile: failed to create output directory %s: %w", dir, err)
	}
	return nil
}

// CheckFreeSpace fails with ErrNotEnoughSpace when dir's volume has fewer than
// minBytes available. minBytes == 0 disables the check. Platforms without
// volume statistics always pass.
func CheckFreeSpace(dir string, minBytes uint64) error {
	if minBytes == 0 {
		return nil
	}
	free, err := FreeBytes(dir)
	if err != nil {
		if errors.Is(err, errUnsupported) {
			return nil
		}
		return err
	}
	if free < minBytes {
		return fmt.Errorf("%w: %d bytes available in %s, need %d", ErrNotEnoughSpace, free, dir, minBytes)
	}
	return nil
}

// Writer encodes BGR frames into one chunk file
type Writer struct {
	path   string
	fourcc string
	width  int
	height int
	vw     *gocv.VideoWriter
	bgr    gocv.Mat
}

// Open creates a writer for a chunk, trying the preferred codec then the
// fallback once. It returns the fourcc that actually opened.
func Open(path, codec string, fps float64, width, height int) (*Writer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("chunkfile: invalid frame size %dx%d", width, height)
	}
	if fps <= 0 {
		fps = 30
	}

	preferred := FourCC(codec)
	candidates := []string{preferred}
	if preferred != FallbackFourCC {
		candidates = append(candidates, FallbackFourCC)
	}

	var lastErr error
	for i, fourcc := range candidates {
		vw, err := gocv.VideoWriterFile(path, fourcc, fps, width, height, true)
		if err == nil && vw.IsOpened() {
			if i > 0 {
				slog.Warn("chunkfile: preferred codec unavailable, using fallback",
					"codec", preferred,
					"fallback", fourcc,
					"path", path,
				)
			}
			return &Writer{
				path:   path,
				fourcc: fourcc,
				width:  width,
				height: height,
				vw:     vw,
				bgr:    gocv.NewMat(),
			}, nil
		}
		if vw != nil {
			vw.Close()
		}
		if err == nil {
			err = fmt.Errorf("videowriter did not open with codec %s", fourcc)
		}
		lastErr = err
		slog.Debug("chunkfile: writer open failed", "codec", fourcc, "path", path, "error", err)
	}
	return nil, fmt.Errorf("chunkfile: failed to open video writer %s: %w", path, lastErr)
}

// Path returns the output file path
func (w *Writer) Path() string { return w.path }

// FourCC returns the codec the writer was opened with
func (w *Writer) FourCC() string { return w.fourcc }

// Write converts img to BGR and appends it to the chunk
func (w *Writer) Write(img Image) error {
	if img.Width != w.width || img.Height != w.height {
		return fmt.Errorf("chunkfile: frame size %dx%d does not match writer %dx%d",
			img.Width, img.Height, w.width, w.height)
	}

	var (
		matType gocv.MatType
		code    gocv.ColorConversionCode
	)
	switch img.Channels {
	case 1:
		matType, code = gocv.MatTypeCV8UC1, gocv.ColorGrayToBGR
	case 3:
		matType, code = gocv.MatTypeCV8UC3, gocv.ColorRGBToBGR
	case 4:
		matType, code = gocv.MatTypeCV8UC4, gocv.ColorRGBAToBGR
	default:
		return fmt.Errorf("chunkfile: unsupported channel count %d", img.Channels)
	}

	src, err := gocv.NewMatFromBytes(img.Height, img.Width, matType, img.Data)
	if err != nil {
		return fmt.Errorf("chunkfile: wrap frame: %w", err)
	}
	defer src.Close()

	gocv.CvtColor(src, &w.bgr, code)
	if err := w.vw.Write(w.bgr); err != nil {
		return fmt.Errorf("chunkfile: write frame: %w", err)
	}
	return nil
}

// Close finalizes the file
func (w *Writer) Close() error {
	if w.vw == nil {
		return nil
	}
	err := w.vw.Close()
	w.vw = nil
	w.bgr.Close()
	return err
}
