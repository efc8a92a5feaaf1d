package server

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/disintegration/imaging"
)

const (
	previewBoundary = "frame"
	previewQuality  = 80
)

// frameImage wraps frame pixels in an image.Image. Gray and RGBA share the
// frame memory; RGB is expanded to NRGBA.
func frameImage(f slotcapture.Frame) (image.Image, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("server: invalid frame %dx%d %s", f.Width, f.Height, f.Format)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case slotcapture.PixelGray:
		return &image.Gray{Pix: f.Data, Stride: f.Width, Rect: rect}, nil
	case slotcapture.PixelRGBA:
		return &image.NRGBA{Pix: f.Data, Stride: f.Width * 4, Rect: rect}, nil
	default:
		img := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(f.Data); i, j = i+3, j+4 {
			img.Pix[j] = f.Data[i]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	}
}

// encodePreview writes f as a JPEG, scaled down to width when it is smaller
// than the frame
func encodePreview(w io.Writer, f slotcapture.Frame, width int) error {
	img, err := frameImage(f)
	if err != nil {
		return err
	}
	if width > 0 && width < f.Width {
		img = imaging.Resize(img, width, 0, imaging.Linear)
	}
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(previewQuality))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	f, ok := v.LatestFrame()
	if !ok {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	var buf bytes.Buffer
	if err := encodePreview(&buf, f, s.cfg.PreviewWidth); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Write(buf.Bytes())
}

// handlePreview streams multipart/x-mixed-replace JPEGs of the frames the
// slot displays, at most PreviewFPS per second and never the same frame twice
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(previewBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+previewBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.PreviewFPS))
	defer ticker.Stop()

	var lastSeq uint64
	var buf bytes.Buffer
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		f, ok := v.LatestFrame()
		if !ok || f.Seq == lastSeq {
			continue
		}
		buf.Reset()
		if err := encodePreview(&buf, f, s.cfg.PreviewWidth); err != nil {
			slog.Debug("server: preview encode failed", "slot", v.ID(), "error", err)
			continue
		}
		lastSeq = f.Seq

		rc.SetWriteDeadline(time.Now().Add(writeWait))
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":   {"image/jpeg"},
			"Content-Length": {strconv.Itoa(buf.Len())},
		})
		if err != nil {
			return
		}
		if _, err := part.Write(buf.Bytes()); err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
