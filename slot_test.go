package slotcapture

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeDisplay struct {
	mu       sync.Mutex
	frames   int
	statuses []string
}

func (d *fakeDisplay) ShowFrame(Frame) {
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
}

func (d *fakeDisplay) ShowStatus(text string) {
	d.mu.Lock()
	d.statuses = append(d.statuses, text)
	d.mu.Unlock()
}

func (d *fakeDisplay) shown() (int, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames, append([]string(nil), d.statuses...)
}

// scribbleDisplay draws over every frame it is shown
type scribbleDisplay struct {
	mu     sync.Mutex
	frames int
}

func (d *scribbleDisplay) ShowFrame(f Frame) {
	for i := range f.Data {
		f.Data[i] = 0xee
	}
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
}

func (d *scribbleDisplay) ShowStatus(string) {}

func (d *scribbleDisplay) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

type nopChunk struct{}

func (nopChunk) WriteFrame(Frame) error { return nil }
func (nopChunk) Close() error           { return nil }

type chunkOpens struct {
	mu    sync.Mutex
	paths []string
}

func (c *chunkOpens) open(path, codec string, fps float64, w, h int) (ChunkWriter, string, error) {
	c.mu.Lock()
	c.paths = append(c.paths, path)
	c.mu.Unlock()
	return nopChunk{}, codec, nil
}

func (c *chunkOpens) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.paths)
}

type holdingCatalog struct {
	mu   sync.Mutex
	held map[int]bool
}

func (c *holdingCatalog) Check(int) bool { return true }

func (c *holdingCatalog) Hold(index int, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held == nil {
		c.held = make(map[int]bool)
	}
	c.held[index] = held
}

func (c *holdingCatalog) isHeld(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held[index]
}

func frameReads(n int) []fakeRead {
	reads := make([]fakeRead, n)
	for i := range reads {
		reads[i] = fakeRead{frame: rgbFrame(4, 4)}
	}
	return reads
}

// testSlot wires a slot to a scripted device backend
func testSlot(t *testing.T, cfg SlotConfig, fb *fakeBackend) *Slot {
	t.Helper()
	rs := &recordingSleep{}
	cfg.newSource = func(desc SourceDescriptor) (CaptureSource, error) {
		return newDeviceSource(DeviceConfig{SlotID: cfg.ID, Index: desc.Index}, fb, rs.sleep), nil
	}
	s, err := NewSlot(cfg)
	if err != nil {
		t.Fatalf("NewSlot() error = %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestSlot_UnconfiguredShowsNoSignal(t *testing.T) {
	built := false
	s, err := NewSlot(SlotConfig{
		ID:        1,
		newSource: func(SourceDescriptor) (CaptureSource, error) { built = true; return nil, nil },
	})
	if err != nil {
		t.Fatalf("NewSlot() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Status() != StatusNoSignal || s.IsRunning() || built {
		t.Errorf("status=%q running=%v built=%v, want idle slot", s.Status(), s.IsRunning(), built)
	}
}

func TestSlot_OutOfRangeIndex(t *testing.T) {
	tests := []struct {
		name  string
		index int
	}{
		{"negative", -1},
		{"at limit", 10},
		{"above limit", 12},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{}
			s := testSlot(t, SlotConfig{ID: 0, Descriptor: SourceDescriptor{Kind: SourceDevice, Index: tt.index}}, fb)

			var log eventLog
			s.Subscribe(log.listen)

			err := s.Start(context.Background())
			if !errors.Is(err, ErrDeviceUnavailable) {
				t.Fatalf("Start() error = %v, want ErrDeviceUnavailable", err)
			}
			errs := log.ofType(EventError)
			if len(errs) != 1 || !strings.Contains(errs[0].Message, "not available") || errs[0].Category != "device" {
				t.Errorf("errors = %+v", errs)
			}
			if s.IsRunning() || s.Status() != StatusNoSignal || fb.openCount() != 0 {
				t.Errorf("running=%v status=%q opens=%d", s.IsRunning(), s.Status(), fb.openCount())
			}
		})
	}
}

func TestSlot_ConnectRecordsAndDisplays(t *testing.T) {
	fb := &fakeBackend{reads: frameReads(20), readHold: 5 * time.Millisecond}
	opens := &chunkOpens{}
	display := &fakeDisplay{}
	catalog := &holdingCatalog{}
	dir := t.TempDir()

	s := testSlot(t, SlotConfig{
		ID:             2,
		Descriptor:     SourceDescriptor{Kind: SourceDevice, Index: 3},
		BufferSize:     10,
		MinMaintenance: 2,
		DisplayFPS:     200,
		Recording:      true,
		OutputDir:      dir,
		ChunkSeconds:   60,
		RecorderMode:   RecorderTimer,
		Recorder:       RecorderConfig{Factory: opens.open},
		Catalog:        catalog,
		Display:        display,
	}, fb)

	var log eventLog
	s.Subscribe(log.listen)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		n, _ := display.shown()
		return n > 0 && opens.count() > 0
	})

	if s.Status() != "" {
		t.Errorf("Status() = %q while connected, want empty", s.Status())
	}
	if !catalog.isHeld(3) {
		t.Error("device index not held while connected")
	}
	if !s.Recorder().IsRecording() {
		t.Error("recorder not recording after connect")
	}
	if want := filepath.Join(dir, "slot_2"); !strings.HasPrefix(opens.paths[0], want) {
		t.Errorf("chunk path = %q, want under %q", opens.paths[0], want)
	}
	if _, ok := s.LatestFrame(); !ok {
		t.Error("LatestFrame() empty after display pulled frames")
	}
	started := log.ofType(EventChunkStarted)
	if len(started) != 1 || started[0].SlotID != 2 {
		t.Errorf("chunk_started events = %+v", started)
	}
	if len(log.ofType(EventConnected)) != 1 {
		t.Error("connected event not forwarded")
	}

	st := s.Stats()
	if st.ID != 2 || !st.Connected || st.State != "connected" || st.BufferCapacity != 10 || !st.Recorder.Recording {
		t.Errorf("Stats() = %+v", st)
	}

	s.Stop()

	_, statuses := display.shown()
	want := []string{StatusConnecting, "", StatusNoSignal}
	if strings.Join(statuses, "|") != strings.Join(want, "|") {
		t.Errorf("statuses = %q, want %q", statuses, want)
	}
	if s.Recorder().IsRecording() || s.Buffer().Size() != 0 || s.IsRunning() {
		t.Errorf("after Stop: recording=%v size=%d running=%v",
			s.Recorder().IsRecording(), s.Buffer().Size(), s.IsRunning())
	}
	if catalog.isHeld(3) {
		t.Error("device index still held after Stop")
	}
	if _, ok := s.LatestFrame(); ok {
		t.Error("LatestFrame() kept a frame after Stop")
	}
}

func TestSlot_ConnectionLostStopsRecording(t *testing.T) {
	reads := append(frameReads(3), fakeRead{err: errors.New("device: read failed")})
	fb := &fakeBackend{
		openErrs: []error{nil},
		openErr:  errors.New("device: not opened"),
		reads:    reads,
	}
	s := testSlot(t, SlotConfig{
		ID:           0,
		Descriptor:   SourceDescriptor{Kind: SourceAuto, Index: 0},
		Recording:    true,
		OutputDir:    t.TempDir(),
		RecorderMode: RecorderDual,
		Recorder:     RecorderConfig{Factory: (&chunkOpens{}).open},
	}, fb)

	var log eventLog
	s.Subscribe(log.listen)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(log.ofType(EventConnectionLost)) > 0 })
	waitFor(t, time.Second, func() bool { return s.Status() == StatusNoSignal })

	if s.Recorder().IsRecording() {
		t.Error("recorder still recording after connection loss")
	}
	if s.Buffer().Size() != 0 {
		t.Errorf("buffer size = %d after connection loss, want 0", s.Buffer().Size())
	}
	if !s.IsRunning() {
		t.Error("slot stopped itself after connection loss, want retrying")
	}
}

func TestSlot_SetSource(t *testing.T) {
	fb := &fakeBackend{readHold: 5 * time.Millisecond}
	s := testSlot(t, SlotConfig{ID: 1, Descriptor: SourceDescriptor{Kind: SourceDevice, Index: 1}}, fb)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.SetSource(context.Background(), SourceDescriptor{Kind: SourceNone}); err != nil {
		t.Fatalf("SetSource(none) error = %v", err)
	}
	if s.IsRunning() || s.Status() != StatusNoSignal {
		t.Errorf("running=%v status=%q after switching to none", s.IsRunning(), s.Status())
	}

	if err := s.SetSource(context.Background(), SourceDescriptor{Kind: SourceDevice, Index: 4}); err != nil {
		t.Fatalf("SetSource(device) error = %v", err)
	}
	if !s.IsRunning() || s.Descriptor().Index != 4 {
		t.Errorf("running=%v descriptor=%v", s.IsRunning(), s.Descriptor())
	}
}

func TestSlot_Reconfigure(t *testing.T) {
	s, err := NewSlot(SlotConfig{ID: 0})
	if err != nil {
		t.Fatalf("NewSlot() error = %v", err)
	}

	tests := []struct {
		size, floor int
		wantErr     bool
	}{
		{0, 0, true},
		{10, -1, true},
		{10, 11, true},
		{60, 20, false},
	}
	for _, tt := range tests {
		err := s.Reconfigure(tt.size, tt.floor)
		if (err != nil) != tt.wantErr {
			t.Errorf("Reconfigure(%d, %d) error = %v, wantErr %v", tt.size, tt.floor, err, tt.wantErr)
		}
	}
	if s.Buffer().MaxSize() != 60 || s.Buffer().MinMaintenance() != 20 {
		t.Errorf("buffer = %d/%d, want 60/20", s.Buffer().MaxSize(), s.Buffer().MinMaintenance())
	}
}

func TestNewSlot_Defaults(t *testing.T) {
	s, err := NewSlot(SlotConfig{ID: 5})
	if err != nil {
		t.Fatalf("NewSlot() error = %v", err)
	}
	if s.Buffer().MaxSize() != 30 || s.Buffer().MinMaintenance() != 10 {
		t.Errorf("buffer = %d/%d, want 30/10", s.Buffer().MaxSize(), s.Buffer().MinMaintenance())
	}
	if _, ok := s.Recorder().(*DualRecorder); !ok {
		t.Errorf("recorder = %T, want *DualRecorder", s.Recorder())
	}
	if s.Status() != StatusNoSignal {
		t.Errorf("Status() = %q", s.Status())
	}

	if _, err := NewSlot(SlotConfig{RecorderMode: "tape"}); err == nil {
		t.Error("NewSlot() with unknown recorder mode expected error")
	}
}

func TestSlots_StartAllJoinsErrors(t *testing.T) {
	var slots Slots
	for i, idx := range []int{0, 20, 30} {
		s, err := NewSlot(SlotConfig{
			ID:         i,
			Descriptor: SourceDescriptor{Kind: SourceDevice, Index: idx},
			newSource: func(desc SourceDescriptor) (CaptureSource, error) {
				return newDeviceSource(DeviceConfig{Index: desc.Index}, &fakeBackend{readHold: 5 * time.Millisecond}, (&recordingSleep{}).sleep), nil
			},
		})
		if err != nil {
			t.Fatalf("NewSlot() error = %v", err)
		}
		slots = append(slots, s)
	}
	defer slots.StopAll()

	err := slots.StartAll(context.Background())
	if err == nil || !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("StartAll() error = %v", err)
	}
	if !strings.Contains(err.Error(), "slot 1") || !strings.Contains(err.Error(), "slot 2") {
		t.Errorf("StartAll() error = %v, want both failing slots named", err)
	}
	if !slots[0].IsRunning() {
		t.Error("valid slot not started")
	}
}

func TestMeasureRate(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	steady := make([]time.Time, 30)
	for i := range steady {
		steady[i] = base.Add(time.Duration(i) * time.Second / 30)
	}
	bursty := make([]time.Time, 0, 30)
	for i := 0; i < 10; i++ {
		at := base.Add(time.Duration(i) * 100 * time.Millisecond)
		bursty = append(bursty, at, at.Add(time.Millisecond), at.Add(2*time.Millisecond))
	}

	tests := []struct {
		name       string
		times      []time.Time
		wantFPS    float64
		wantStable bool
	}{
		{"empty", nil, 0, false},
		{"single", steady[:1], 1, false},
		{"steady 30fps", steady, 30, true},
		{"bursts", bursty, 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := MeasureRate(tt.times, time.Second)
			if st.FPSMean != tt.wantFPS {
				t.Errorf("FPSMean = %v, want %v", st.FPSMean, tt.wantFPS)
			}
			if st.Stable != tt.wantStable {
				t.Errorf("Stable = %v, want %v (%+v)", st.Stable, tt.wantStable, st)
			}
		})
	}
}

func TestRateMeter_TrimsWindow(t *testing.T) {
	m := newRateMeter(time.Second)
	base := time.Now()
	for i := 0; i < 10; i++ {
		m.tick(base.Add(time.Duration(i) * 100 * time.Millisecond))
	}
	if st := m.stats(base.Add(1450 * time.Millisecond)); st.Frames != 5 {
		t.Errorf("frames in window = %d, want 5", st.Frames)
	}
	m.reset()
	if st := m.stats(base); st.Frames != 0 {
		t.Errorf("frames after reset = %d", st.Frames)
	}
}

func TestSlot_LatestFrameIsACopy(t *testing.T) {
	fb := &fakeBackend{reads: frameReads(10), readHold: 5 * time.Millisecond}
	display := &scribbleDisplay{}
	s := testSlot(t, SlotConfig{
		ID:             0,
		Descriptor:     SourceDescriptor{Kind: SourceDevice, Index: 0},
		BufferSize:     5,
		MinMaintenance: 1,
		DisplayFPS:     200,
		Display:        display,
	}, fb)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return display.count() > 0 })

	f, ok := s.LatestFrame()
	if !ok {
		t.Fatal("LatestFrame() returned no frame")
	}
	for _, v := range f.Data {
		if v != 0 {
			t.Fatalf("latest frame carries the display's drawing: %v", f.Data[:6])
		}
	}

	f.Data[0] = 0x11
	again, _ := s.LatestFrame()
	if again.Data[0] != 0 {
		t.Errorf("LatestFrame() shares memory with a previous caller")
	}
}
