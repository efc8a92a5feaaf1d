package slotcapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// Slot status texts shown over the video area
const (
	StatusNoSignal   = "No Signal"
	StatusConnecting = "Connecting..."
)

// Recorder modes
const (
	RecorderTimer = "timer"
	RecorderDual  = "dual"
)

// Display receives what a slot would paint: frames pulled at the display
// rate and status text changes
type Display interface {
	ShowFrame(frame Frame)
	ShowStatus(text string)
}

// SlotConfig contains configuration for one grid position
type SlotConfig struct {
	ID         int
	Descriptor SourceDescriptor

	// Buffer capacity and maintenance floor (defaults: 30, 10)
	BufferSize     int
	MinMaintenance int
	// DisplayFPS is the rate the display consumer pulls frames at (default: 30)
	DisplayFPS int

	// Recording starts a session on every connect
	Recording    bool
	OutputDir    string
	ChunkSeconds int
	// RecorderMode selects ChunkRecorder ("timer") or DualRecorder ("dual")
	RecorderMode string
	Recorder     RecorderConfig

	// Catalog validates local device indices (optional). When it also has
	// Hold(index, held), the index is held while the slot is connected.
	Catalog DeviceValidator
	// MaxDevices bounds accepted local indices (default: 10)
	MaxDevices int
	// NetworkBackends overrides the decoder order for stream URLs
	NetworkBackends []string

	Display Display

	// newSource replaces source construction in tests
	newSource func(SourceDescriptor) (CaptureSource, error)
}

func (c SlotConfig) withDefaults() SlotConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 30
		if c.MinMaintenance == 0 {
			c.MinMaintenance = 10
		}
	}
	if c.DisplayFPS <= 0 {
		c.DisplayFPS = 30
	}
	if c.ChunkSeconds <= 0 {
		c.ChunkSeconds = 300
	}
	if c.OutputDir == "" {
		c.OutputDir = "recordings"
	}
	if c.RecorderMode == "" {
		c.RecorderMode = RecorderDual
	}
	if c.MaxDevices <= 0 {
		c.MaxDevices = 10
	}
	c.Recorder.SlotID = c.ID
	return c
}

type deviceHolder interface {
	Hold(index int, held bool)
}

// SlotStats is a snapshot of one slot
type SlotStats struct {
	ID        int    `json:"id"`
	Source    string `json:"source"`
	Status    string `json:"status"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`

	BufferSize     int  `json:"buffer_size"`
	BufferCapacity int  `json:"buffer_capacity"`
	BufferHealthy  bool `json:"buffer_healthy"`

	CaptureFPS      float64 `json:"capture_fps"`
	CaptureStable   bool    `json:"capture_stable"`
	DisplayFPS      float64 `json:"display_fps"`
	FramesDisplayed uint64  `json:"frames_displayed"`

	Capture  SourceStats   `json:"capture"`
	Recorder RecorderStats `json:"recorder"`
}

// Slot owns the source, buffer and recorder of one grid position and the
// display consumer that drains the buffer.
//
// Slot events are the source events plus buffer health and the recorder's
// chunk and error events, all tagged with the slot ID.
type Slot struct {
	cfg SlotConfig
	dispatcher

	buffer   *FrameBuffer
	recorder Recorder

	mu      sync.Mutex
	running bool
	source  CaptureSource
	unsub   func()
	cancel  context.CancelFunc
	drained chan struct{}

	// eventMu orders source event handling against teardown. Lock order is
	// mu before eventMu; the capture worker only takes eventMu.
	eventMu  sync.Mutex
	gen      uint64
	heldDesc SourceDescriptor
	held     bool

	status    atomic.Value
	latest    atomic.Pointer[Frame]
	displayed atomic.Uint64

	captureRate *rateMeter
	measuredFPS atomic.Uint64 // float64 bits, refreshed once per second
}

// NewSlot creates an idle slot showing "No Signal"
func NewSlot(cfg SlotConfig) (*Slot, error) {
	cfg = cfg.withDefaults()

	s := &Slot{
		cfg:         cfg,
		buffer:      NewFrameBuffer(cfg.BufferSize, cfg.MinMaintenance),
		captureRate: newRateMeter(2 * time.Second),
	}
	switch cfg.RecorderMode {
	case RecorderTimer:
		s.recorder = NewChunkRecorder(cfg.Recorder)
	case RecorderDual:
		s.recorder = NewDualRecorder(cfg.Recorder)
	default:
		return nil, fmt.Errorf("slot-capture: unknown recorder mode %q", cfg.RecorderMode)
	}

	s.status.Store(StatusNoSignal)
	s.buffer.OnHealthChanged(func(healthy bool) {
		s.emit(Event{Type: EventBufferHealth, SlotID: cfg.ID, Healthy: healthy})
	})
	s.recorder.Subscribe(s.emit)
	return s, nil
}

// ID returns the slot position
func (s *Slot) ID() int {
	return s.cfg.ID
}

// Descriptor returns the configured input
func (s *Slot) Descriptor() SourceDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Descriptor
}

// Buffer returns the slot's frame buffer
func (s *Slot) Buffer() *FrameBuffer {
	return s.buffer
}

// Recorder returns the slot's recorder
func (s *Slot) Recorder() Recorder {
	return s.recorder
}

// Status returns the text currently shown over the video area ("" while
// frames are flowing)
func (s *Slot) Status() string {
	return s.status.Load().(string)
}

// IsRunning reports whether a source is attached
func (s *Slot) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start builds the source for the configured descriptor and launches it
// together with the display consumer. An unconfigured slot stays at
// "No Signal". An out-of-range device index is reported immediately and
// leaves the slot idle. Start on a running slot is a no-op.
func (s *Slot) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	desc := s.cfg.Descriptor
	if desc.Kind == SourceNone {
		s.setStatus(StatusNoSignal)
		return nil
	}
	if desc.IsLocal() && (desc.Index < 0 || desc.Index >= s.cfg.MaxDevices) {
		s.setStatus(StatusNoSignal)
		msg := fmt.Sprintf("Device %d not available", desc.Index)
		s.emit(Event{Type: EventError, SlotID: s.cfg.ID, Message: msg, Category: "device"})
		slog.Warn("slot-capture: device index out of range",
			"slot", s.cfg.ID,
			"index", desc.Index,
			"max_devices", s.cfg.MaxDevices,
		)
		return fmt.Errorf("%w: index %d out of range [0, %d)", ErrDeviceUnavailable, desc.Index, s.cfg.MaxDevices)
	}

	src, err := s.buildSource(desc)
	if err != nil {
		s.setStatus(StatusNoSignal)
		s.emit(Event{Type: EventError, SlotID: s.cfg.ID, Message: err.Error(), Category: "unknown"})
		return err
	}

	s.eventMu.Lock()
	s.gen++
	gen := s.gen
	s.eventMu.Unlock()

	s.buffer.Reset()
	s.captureRate.reset()
	s.measuredFPS.Store(0)
	s.latest.Store(nil)

	src.Attach(s.buffer, s.recorder)
	s.unsub = src.Subscribe(func(e Event) { s.onSourceEvent(gen, desc, e) })
	s.source = src
	s.setStatus(StatusConnecting)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.drained = make(chan struct{})
	go s.displayLoop(runCtx, s.drained)

	if err := src.Start(runCtx); err != nil {
		s.teardownLocked()
		s.setStatus(StatusNoSignal)
		return err
	}
	s.running = true

	slog.Info("slot-capture: slot started",
		"slot", s.cfg.ID,
		"source", desc.String(),
		"buffer_size", s.cfg.BufferSize,
		"display_fps", s.cfg.DisplayFPS,
	)
	return nil
}

// Stop halts capture and recording, drops buffered frames and returns the
// slot to "No Signal"
func (s *Slot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.teardownLocked()
	s.setStatus(StatusNoSignal)
	slog.Info("slot-capture: slot stopped", "slot", s.cfg.ID)
}

// SetSource stops the slot, switches its input and starts it again unless
// the new descriptor is SourceNone
func (s *Slot) SetSource(ctx context.Context, desc SourceDescriptor) error {
	s.Stop()
	s.mu.Lock()
	s.cfg.Descriptor = desc
	s.mu.Unlock()
	return s.Start(ctx)
}

// Reconfigure changes the buffer capacity and maintenance floor at runtime
func (s *Slot) Reconfigure(bufferSize, minMaintenance int) error {
	if bufferSize < 1 {
		return fmt.Errorf("slot-capture: buffer size must be >= 1, got %d", bufferSize)
	}
	if minMaintenance < 0 || minMaintenance > bufferSize {
		return fmt.Errorf("slot-capture: maintenance floor must be in [0, %d], got %d", bufferSize, minMaintenance)
	}
	s.buffer.SetMaxSize(bufferSize)
	s.buffer.SetMinMaintenance(minMaintenance)

	s.mu.Lock()
	s.cfg.BufferSize, s.cfg.MinMaintenance = bufferSize, minMaintenance
	s.mu.Unlock()
	return nil
}

// LatestFrame returns a copy of the frame most recently pulled by the
// display consumer
func (s *Slot) LatestFrame() (Frame, bool) {
	f := s.latest.Load()
	if f == nil {
		return Frame{}, false
	}
	return f.Clone(), true
}

// Stats returns a snapshot of the slot
func (s *Slot) Stats() SlotStats {
	s.mu.Lock()
	src, desc := s.source, s.cfg.Descriptor
	s.mu.Unlock()

	now := time.Now()
	capture := s.captureRate.stats(now)
	st := SlotStats{
		ID:              s.cfg.ID,
		Source:          desc.String(),
		Status:          s.Status(),
		State:           StateStopped.String(),
		BufferSize:      s.buffer.Size(),
		BufferCapacity:  s.buffer.MaxSize(),
		BufferHealthy:   s.buffer.IsHealthy(),
		CaptureFPS:      capture.FPSMean,
		CaptureStable:   capture.Stable,
		DisplayFPS:      math.Float64frombits(s.measuredFPS.Load()),
		FramesDisplayed: s.displayed.Load(),
		Recorder:        s.recorder.Stats(),
	}
	if src != nil {
		st.Capture = src.Stats()
		st.State = st.Capture.State.String()
		st.Connected = src.IsConnected()
	}
	return st
}

func (s *Slot) buildSource(desc SourceDescriptor) (CaptureSource, error) {
	if s.cfg.newSource != nil {
		return s.cfg.newSource(desc)
	}
	switch desc.Kind {
	case SourceAuto, SourceDevice:
		return NewDeviceSource(DeviceConfig{
			SlotID:  s.cfg.ID,
			Index:   desc.Index,
			FPS:     s.cfg.Recorder.FPS,
			Catalog: s.cfg.Catalog,
		})
	case SourceNetwork:
		return NewNetworkSource(NetworkConfig{
			SlotID:   s.cfg.ID,
			URL:      desc.URL,
			Backends: s.cfg.NetworkBackends,
		})
	default:
		return nil, fmt.Errorf("slot-capture: cannot build a source for %s", desc)
	}
}

// teardownLocked stops the source, the display consumer and the recorder.
// Callers hold s.mu.
func (s *Slot) teardownLocked() {
	s.eventMu.Lock()
	s.gen++
	s.release()
	s.eventMu.Unlock()

	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.source != nil {
		s.source.Stop()
		s.source = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.buffer.Stop()
	if s.drained != nil {
		<-s.drained
		s.drained = nil
	}
	s.recorder.Stop()
	s.buffer.Clear()
	s.latest.Store(nil)
}

// onSourceEvent runs on the capture worker. Events of a source that has
// been torn down are dropped.
func (s *Slot) onSourceEvent(gen uint64, desc SourceDescriptor, e Event) {
	s.eventMu.Lock()
	if gen != s.gen {
		s.eventMu.Unlock()
		return
	}

	switch e.Type {
	case EventConnected:
		s.setStatus("")
		s.hold(desc)
		if s.cfg.Recording {
			if err := s.recorder.Start(s.cfg.OutputDir, s.cfg.ChunkSeconds); err != nil {
				slog.Warn("slot-capture: recording not started", "slot", s.cfg.ID, "error", err)
			}
		}
	case EventConnectionLost:
		s.recorder.Stop()
		s.buffer.Clear()
		s.latest.Store(nil)
		s.setStatus(StatusNoSignal)
	case EventFrame:
		if e.Frame != nil {
			s.captureRate.tick(e.Frame.Timestamp)
		}
	}
	s.eventMu.Unlock()
	s.emit(e)
}

// displayLoop pulls one frame per display tick while the buffer is healthy
// and refreshes the measured display rate once per second
func (s *Slot) displayLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.DisplayFPS))
	defer ticker.Stop()

	var frames uint64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if elapsed := now.Sub(last); elapsed >= time.Second {
				fps := float64(frames) * float64(time.Second) / float64(elapsed)
				s.measuredFPS.Store(math.Float64bits(fps))
				frames, last = 0, now
			}

			if !s.buffer.IsHealthy() {
				continue
			}
			frame, ok := s.buffer.TryPop()
			if !ok {
				continue
			}
			frames++
			s.displayed.Add(1)
			latest := frame.Clone()
			s.latest.Store(&latest)
			if s.cfg.Display != nil {
				s.cfg.Display.ShowFrame(frame)
			}
		}
	}
}

func (s *Slot) setStatus(text string) {
	if prev := s.status.Swap(text); prev == text {
		return
	}
	if s.cfg.Display != nil {
		s.cfg.Display.ShowStatus(text)
	}
}

// hold marks the connected device index as in use. Callers hold s.eventMu.
func (s *Slot) hold(desc SourceDescriptor) {
	h, ok := s.cfg.Catalog.(deviceHolder)
	if !ok || !desc.IsLocal() {
		return
	}
	if s.held {
		return
	}
	h.Hold(desc.Index, true)
	s.heldDesc, s.held = desc, true
}

// release drops the catalog hold. Callers hold s.eventMu.
func (s *Slot) release() {
	if !s.held {
		return
	}
	if h, ok := s.cfg.Catalog.(deviceHolder); ok {
		h.Hold(s.heldDesc.Index, false)
	}
	s.held = false
}

// Slots is an ordered set of slots, indexed by slot ID
type Slots []*Slot

// StartAll starts every slot and returns the joined start errors
func (ss Slots) StartAll(ctx context.Context) error {
	var errs []error
	for _, s := range ss {
		if err := s.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every slot concurrently
func (ss Slots) StopAll() {
	var wg sync.WaitGroup
	for _, s := range ss {
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

// Subscribe registers l on every slot
func (ss Slots) Subscribe(l Listener) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(ss))
	for _, s := range ss {
		unsubs = append(unsubs, s.Subscribe(l))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
