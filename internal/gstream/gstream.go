// Package gstream is the GStreamer network-stream backend.
//
// Pipeline structure:
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → capsfilter(RGB) → appsink
//
// rtspsrc is forced to TCP and the appsink keeps only the latest frame, so a
// slow consumer sees fresh frames instead of a growing backlog.
package gstream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/errclass"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// rtspsrc "protocols" flag value for TCP only
const protocolsTCP = 4

var (
	// ErrTransient is returned when no frame arrived within the read window
	ErrTransient = errors.New("gstream: no frame yet")
	// ErrEndOfStream is returned when the pipeline posted EOS
	ErrEndOfStream = errors.New("gstream: end of stream")
	// ErrStalled is returned when no frame arrived for longer than TCPTimeout
	// while the bus stayed quiet
	ErrStalled = errors.New("gstream: stream stalled past read timeout")
)

var initOnce sync.Once

// Frame is a minimal frame struct for internal use (avoids import cycle)
// Data is tightly packed RGB24.
type Frame struct {
	Width  int
	Height int
	Data   []byte
}

// Config contains configuration for GStreamer pipeline creation
type Config struct {
	URL string
	// Latency is the rtspsrc jitter buffer size
	Latency time.Duration
	// TCPTimeout bounds how long rtspsrc waits on a stalled TCP connection
	// and how long Read tolerates a pipeline that delivers nothing
	TCPTimeout time.Duration
	// OpenTimeout bounds how long Open waits for the pipeline to play
	OpenTimeout time.Duration
	// ReadTimeout is how long Read waits for a frame before reporting ErrTransient
	ReadTimeout time.Duration
}

// DefaultConfig returns the TCP low-latency pipeline settings
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		Latency:     200 * time.Millisecond,
		TCPTimeout:  5 * time.Second,
		OpenTimeout: 5 * time.Second,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// Pipeline is a playing GStreamer pipeline delivering RGB frames.
// Read and Close must be called from a single goroutine.
type Pipeline struct {
	cfg      Config
	pipeline *gst.Pipeline
	bus      *gst.Bus
	frames   chan Frame
	dropped  uint64
	closed   atomic.Bool
	stall    stallWatch
}

// stallWatch turns a run of empty reads into a hard failure once no frame
// has arrived for longer than limit
type stallWatch struct {
	limit time.Duration
	last  time.Time
}

func (w *stallWatch) frame(now time.Time) {
	w.last = now
}

// empty records a read that timed out. It returns ErrStalled once the gap
// since the last frame (or since the watch was armed) exceeds limit.
func (w *stallWatch) empty(now time.Time) error {
	if w.limit <= 0 {
		return ErrTransient
	}
	if gap := now.Sub(w.last); gap > w.limit {
		return fmt.Errorf("%w: no frame for %v", ErrStalled, gap.Round(time.Millisecond))
	}
	return ErrTransient
}

// Open builds the pipeline, starts it and waits until it reaches PLAYING.
// A pipeline error during that window is returned, classified.
func Open(cfg Config) (*Pipeline, error) {
	if cfg.URL == "" {
		return nil, errors.New("gstream: URL is empty")
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}
	if cfg.TCPTimeout <= 0 {
		cfg.TCPTimeout = 5 * time.Second
	}

	initOnce.Do(func() { gst.Init(nil) })

	p := &Pipeline{cfg: cfg, frames: make(chan Frame, 1)}
	if err := p.build(); err != nil {
		return nil, err
	}

	if err := p.pipeline.SetState(gst.StatePlaying); err != nil {
		p.Close()
		return nil, fmt.Errorf("gstream: failed to start pipeline: %w", err)
	}

	if err := p.waitPlaying(); err != nil {
		p.Close()
		return nil, err
	}

	p.stall = stallWatch{limit: cfg.TCPTimeout, last: time.Now()}
	slog.Info("gstream: pipeline playing", "url", cfg.URL)
	return p, nil
}

func (p *Pipeline) build() error {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return fmt.Errorf("gstream: failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return fmt.Errorf("gstream: failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", p.cfg.URL)
	rtspsrc.SetProperty("protocols", protocolsTCP)
	rtspsrc.SetProperty("latency", uint(p.cfg.Latency.Milliseconds()))
	rtspsrc.SetProperty("tcp-timeout", uint64(p.cfg.TCPTimeout.Microseconds()))

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return fmt.Errorf("gstream: failed to create rtph264depay: %w", err)
	}
	depay.SetProperty("request-keyframe", true)

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return fmt.Errorf("gstream: failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return fmt.Errorf("gstream: failed to create videoconvert: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return fmt.Errorf("gstream: failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString("video/x-raw,format=RGB"))

	appsink, err := app.NewAppSink()
	if err != nil {
		return fmt.Errorf("gstream: failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)

	if err := pipeline.AddMany(rtspsrc, depay, decoder, converter, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("gstream: failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(depay, decoder, converter, capsfilter, appsink.Element); err != nil {
		return fmt.Errorf("gstream: failed to link elements: %w", err)
	}

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		linkDynamicPad(srcPad, depay)
	})

	appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			p.onNewSample(sink)
			return gst.FlowOK
		},
	})

	p.pipeline = pipeline
	p.bus = pipeline.GetPipelineBus()
	return nil
}

func (p *Pipeline) waitPlaying() error {
	deadline := time.Now().Add(p.cfg.OpenTimeout)
	for time.Now().Before(deadline) {
		msg := p.bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}
		if err := p.checkMessage(msg); err != nil {
			return err
		}
		if msg.Type() == gst.MessageStateChanged && msg.Source() == p.pipeline.GetName() {
			if _, state := msg.ParseStateChanged(); state == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("gstream: pipeline did not reach PLAYING within %s", p.cfg.OpenTimeout)
}

// checkMessage converts terminal bus messages into errors
func (p *Pipeline) checkMessage(msg *gst.Message) error {
	switch msg.Type() {
	case gst.MessageEOS:
		return ErrEndOfStream
	case gst.MessageError:
		gerr := msg.ParseError()
		category := errclass.ClassifyMessage(gerr.Error() + " " + gerr.DebugString())
		slog.Error("gstream: pipeline error",
			"error", gerr.Error(),
			"debug", gerr.DebugString(),
			"category", category.String(),
			"url", p.cfg.URL,
		)
		return fmt.Errorf("gstream: pipeline error [%s]: %s", category, gerr.Error())
	}
	return nil
}

// Read waits up to the configured read timeout for the next frame.
// Pipeline errors, EOS and a stall longer than TCPTimeout are hard failures;
// a shorter wait returns ErrTransient.
func (p *Pipeline) Read() (Frame, error) {
	for {
		msg := p.bus.TimedPop(0)
		if msg == nil {
			break
		}
		if err := p.checkMessage(msg); err != nil {
			return Frame{}, err
		}
	}

	timer := time.NewTimer(p.cfg.ReadTimeout)
	defer timer.Stop()
	select {
	case f := <-p.frames:
		p.stall.frame(time.Now())
		return f, nil
	case <-timer.C:
		return Frame{}, p.stall.empty(time.Now())
	}
}

// Dropped returns the number of frames replaced before Read consumed them
func (p *Pipeline) Dropped() uint64 {
	return atomic.LoadUint64(&p.dropped)
}

// Close sets the pipeline to NULL, releasing the connection
func (p *Pipeline) Close() error {
	if p.pipeline == nil || !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := p.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstream: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// onNewSample copies the mapped buffer (GStreamer reuses it) and hands it to
// Read, replacing a frame that was not consumed yet.
func (p *Pipeline) onNewSample(sink *app.Sink) {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstream: failed to pull sample, skipping frame")
		return
	}

	width, height, ok := sampleSize(sample)
	if !ok {
		slog.Warn("gstream: sample without geometry, skipping frame")
		return
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstream: failed to get buffer from sample, skipping frame")
		return
	}
	mapInfo := buffer.Map(gst.MapRead)
	data := packRows(mapInfo.Bytes(), width, height, 3)
	buffer.Unmap()
	if data == nil {
		slog.Warn("gstream: buffer does not match caps geometry", "width", width, "height", height)
		return
	}

	frame := Frame{Width: width, Height: height, Data: data}
	select {
	case p.frames <- frame:
	default:
		select {
		case <-p.frames:
			atomic.AddUint64(&p.dropped, 1)
		default:
		}
		select {
		case p.frames <- frame:
		default:
			atomic.AddUint64(&p.dropped, 1)
		}
	}
}

func sampleSize(sample *gst.Sample) (int, int, bool) {
	caps := sample.GetCaps()
	if caps == nil || caps.GetSize() == 0 {
		return 0, 0, false
	}
	st := caps.GetStructureAt(0)
	w, err := st.GetValue("width")
	if err != nil {
		return 0, 0, false
	}
	h, err := st.GetValue("height")
	if err != nil {
		return 0, 0, false
	}
	width, ok1 := w.(int)
	height, ok2 := h.(int)
	return width, height, ok1 && ok2 && width > 0 && height > 0
}

// packRows copies src into a tightly packed buffer, dropping the row padding
// GStreamer adds when width*bpp is not a multiple of 4. Returns nil if src is
// too short for the geometry.
func packRows(src []byte, width, height, bpp int) []byte {
	if width <= 0 || height <= 0 || len(src) == 0 {
		return nil
	}
	row := width * bpp
	stride := len(src) / height
	if stride < row {
		return nil
	}
	out := make([]byte, row*height)
	if stride == row {
		copy(out, src)
		return out
	}
	for y := 0; y < height; y++ {
		copy(out[y*row:(y+1)*row], src[y*stride:y*stride+row])
	}
	return out
}

func linkDynamicPad(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstream: failed to get sink pad from rtph264depay")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstream: failed to link pads",
			"src_pad", srcPad.GetName(),
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("gstream: pads linked", "src_pad", srcPad.GetName())
}
