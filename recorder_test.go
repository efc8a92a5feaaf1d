package slotcapture_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
)

// fakeClock fires AfterFunc callbacks when advanced, on the caller's goroutine
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) slotcapture.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// AdvanceTo moves time forward, firing due timers in deadline order
func (c *fakeClock) AdvanceTo(target time.Time) {
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			if target.After(c.now) {
				c.now = target
			}
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

func (c *fakeClock) Advance(d time.Duration) {
	c.AdvanceTo(c.Now().Add(d))
}

// memWriter records the sequence numbers written into one chunk
type memWriter struct {
	mu     sync.Mutex
	path   string
	width  int
	height int
	seqs   []uint64
	closed bool
}

func (w *memWriter) WriteFrame(f slotcapture.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("write after close")
	}
	w.seqs = append(w.seqs, f.Seq)
	return nil
}

func (w *memWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *memWriter) written() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.seqs...)
}

type memFactory struct {
	mu      sync.Mutex
	writers []*memWriter
	fail    int // number of upcoming opens to fail
}

func (m *memFactory) open(path, codec string, fps float64, width, height int) (slotcapture.ChunkWriter, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail > 0 {
		m.fail--
		return nil, "", errors.New("videowriter did not open")
	}
	w := &memWriter{path: path, width: width, height: height}
	m.writers = append(m.writers, w)
	return w, "mp4v", nil
}

func (m *memFactory) all() []*memWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*memWriter(nil), m.writers...)
}

type chunkLog struct {
	mu     sync.Mutex
	events []string
	errors []string
}

func (l *chunkLog) listen(e slotcapture.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch e.Type {
	case slotcapture.EventChunkStarted:
		l.events = append(l.events, fmt.Sprintf("S%d", e.Chunk.Number))
	case slotcapture.EventChunkCompleted:
		l.events = append(l.events, fmt.Sprintf("C%d", e.Chunk.Number))
	case slotcapture.EventError:
		l.errors = append(l.errors, e.Message)
	}
}

func (l *chunkLog) sequence() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.events, ",")
}

func rgb(seq uint64, w, h int) slotcapture.Frame {
	return slotcapture.Frame{
		Seq:    seq,
		Width:  w,
		Height: h,
		Format: slotcapture.PixelRGB,
		Data:   make([]byte, w*h*3),
	}
}

type recorderCase struct {
	name string
	make func(cfg slotcapture.RecorderConfig) slotcapture.Recorder
}

var recorderCases = []recorderCase{
	{
		name: "timer",
		make: func(cfg slotcapture.RecorderConfig) slotcapture.Recorder { return slotcapture.NewChunkRecorder(cfg) },
	},
	{
		name: "dual",
		make: func(cfg slotcapture.RecorderConfig) slotcapture.Recorder { return slotcapture.NewDualRecorder(cfg) },
	},
}

func TestRecorder_TwelveSecondsAtTenFPS(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			clock := newFakeClock()
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{
				SlotID:  3,
				FPS:     10,
				Factory: factory.open,
				Clock:   clock,
			})
			var log chunkLog
			rec.Subscribe(log.listen)

			dir := t.TempDir()
			start := clock.Now()
			if err := rec.Start(dir, 5); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, "slot_3")); err != nil {
				t.Errorf("slot directory not created: %v", err)
			}

			for i := 0; i < 120; i++ {
				clock.AdvanceTo(start.Add(time.Duration(i) * 100 * time.Millisecond))
				rec.WriteFrame(rgb(uint64(i), 4, 2))
			}
			clock.AdvanceTo(start.Add(12 * time.Second))
			rec.Stop()

			if got, want := log.sequence(), "S1,C1,S2,C2,S3,C3"; got != want {
				t.Errorf("chunk events = %s, want %s", got, want)
			}

			writers := factory.all()
			if len(writers) != 3 {
				t.Fatalf("writers = %d, want 3", len(writers))
			}
			ranges := [][2]uint64{{0, 49}, {50, 99}, {100, 119}}
			for i, w := range writers {
				seqs := w.written()
				if len(seqs) == 0 || seqs[0] != ranges[i][0] || seqs[len(seqs)-1] != ranges[i][1] {
					t.Errorf("chunk %d frames %v, want %d..%d", i+1, seqs, ranges[i][0], ranges[i][1])
					continue
				}
				if uint64(len(seqs)) != ranges[i][1]-ranges[i][0]+1 {
					t.Errorf("chunk %d has %d frames, want contiguous range", i+1, len(seqs))
				}
				if !w.closed {
					t.Errorf("chunk %d not closed", i+1)
				}

				base := filepath.Base(w.path)
				if !strings.HasPrefix(base, fmt.Sprintf("%03d_", i+1)) || !strings.HasSuffix(base, ".mp4") {
					t.Errorf("chunk %d path = %s", i+1, w.path)
				}
				if filepath.Dir(w.path) != filepath.Join(dir, "slot_3") {
					t.Errorf("chunk %d dir = %s", i+1, filepath.Dir(w.path))
				}
			}
			if !strings.Contains(writers[1].path, "002_20240101_120005") {
				t.Errorf("chunk 2 path = %s, want start timestamp 12:00:05", writers[1].path)
			}

			if rec.IsRecording() {
				t.Error("IsRecording() = true after Stop")
			}
			stats := rec.Stats()
			if stats.ChunksWritten != 3 || stats.FramesWritten != 120 {
				t.Errorf("stats = %+v", stats)
			}
		})
	}
}

func TestRecorder_GeometryChangeRotates(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: newFakeClock()})
			var log chunkLog
			rec.Subscribe(log.listen)

			if err := rec.Start(t.TempDir(), 300); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			rec.WriteFrame(rgb(1, 4, 2))
			rec.WriteFrame(rgb(2, 4, 2))
			rec.WriteFrame(rgb(3, 8, 4))
			rec.Stop()

			if got, want := log.sequence(), "S1,C1,S2,C2"; got != want {
				t.Errorf("chunk events = %s, want %s", got, want)
			}
			writers := factory.all()
			if len(writers) != 2 || writers[1].width != 8 || writers[1].height != 4 {
				t.Fatalf("writers = %+v", writers)
			}
			if got := writers[1].written(); len(got) != 1 || got[0] != 3 {
				t.Errorf("second chunk frames = %v, want [3]", got)
			}
		})
	}
}

func TestRecorder_PixelFormatChangeRotates(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: newFakeClock()})
			var log chunkLog
			rec.Subscribe(log.listen)

			if err := rec.Start(t.TempDir(), 300); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			rec.WriteFrame(rgb(1, 4, 2))
			rec.WriteFrame(slotcapture.Frame{
				Seq:    2,
				Width:  4,
				Height: 2,
				Format: slotcapture.PixelGray,
				Data:   make([]byte, 8),
			})
			rec.Stop()

			if got, want := log.sequence(), "S1,C1,S2,C2"; got != want {
				t.Errorf("chunk events = %s, want %s", got, want)
			}
			writers := factory.all()
			if len(writers) != 2 {
				t.Fatalf("writers = %d, want 2", len(writers))
			}
			if got := writers[1].written(); len(got) != 1 || got[0] != 2 {
				t.Errorf("second chunk frames = %v, want [2]", got)
			}
		})
	}
}

func TestRecorder_IgnoresFramesWhenIdle(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: newFakeClock()})

			rec.WriteFrame(rgb(1, 4, 2))
			if len(factory.all()) != 0 {
				t.Error("writer opened while not recording")
			}
			if rec.CurrentChunk() != 0 {
				t.Errorf("CurrentChunk() = %d, want 0", rec.CurrentChunk())
			}

			if err := rec.Start(t.TempDir(), 5); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			rec.WriteFrame(slotcapture.Frame{Seq: 2, Width: 4, Height: 2, Format: slotcapture.PixelRGB})
			if len(factory.all()) != 0 {
				t.Error("writer opened for an invalid frame")
			}
			rec.Stop()
		})
	}
}

func TestRecorder_StartIsIdempotent(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: newFakeClock()})
			dir := t.TempDir()

			if err := rec.Start(dir, 5); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			rec.WriteFrame(rgb(1, 4, 2))
			session := rec.Stats().SessionID

			if err := rec.Start(dir, 5); err != nil {
				t.Fatalf("second Start() error = %v", err)
			}
			rec.WriteFrame(rgb(2, 4, 2))

			if rec.Stats().SessionID != session {
				t.Error("second Start() began a new session")
			}
			if len(factory.all()) != 1 || rec.CurrentChunk() != 1 {
				t.Errorf("writers = %d chunk = %d, want 1 and 1", len(factory.all()), rec.CurrentChunk())
			}
			rec.Stop()
			rec.Stop()
		})
	}
}

func TestRecorder_NewSessionRestartsNumbering(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: newFakeClock()})
			var log chunkLog
			rec.Subscribe(log.listen)
			dir := t.TempDir()

			for i := 0; i < 2; i++ {
				if err := rec.Start(dir, 5); err != nil {
					t.Fatalf("Start() error = %v", err)
				}
				rec.WriteFrame(rgb(uint64(i), 4, 2))
				rec.Stop()
			}
			if got, want := log.sequence(), "S1,C1,S1,C1"; got != want {
				t.Errorf("chunk events = %s, want %s", got, want)
			}
		})
	}
}

func TestRecorder_WriterFailureReportsAndRetries(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			clock := newFakeClock()
			factory := &memFactory{fail: 1}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: clock})
			var log chunkLog
			rec.Subscribe(log.listen)

			if err := rec.Start(t.TempDir(), 5); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			rec.WriteFrame(rgb(1, 4, 2))
			rec.WriteFrame(rgb(2, 4, 2))

			log.mu.Lock()
			errs := append([]string(nil), log.errors...)
			log.mu.Unlock()
			if len(errs) != 1 || !strings.HasPrefix(errs[0], "Failed to open video writer: ") {
				t.Fatalf("errors = %v, want one writer failure", errs)
			}
			if !rec.IsRecording() {
				t.Error("recording stopped after a writer failure")
			}

			clock.Advance(5 * time.Second)
			rec.WriteFrame(rgb(3, 4, 2))
			rec.Stop()

			if got, want := log.sequence(), "S2,C2"; got != want {
				t.Errorf("chunk events = %s, want %s (chunk 1 never opened)", got, want)
			}
			writers := factory.all()
			if len(writers) != 1 {
				t.Fatalf("writers = %d, want 1", len(writers))
			}
			if got := writers[0].written(); len(got) != 1 || got[0] != 3 {
				t.Errorf("frames = %v, want [3]", got)
			}
		})
	}
}

func TestRecorder_TimerBeforeFirstFrameKeepsChunkOne(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			clock := newFakeClock()
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: clock})
			var log chunkLog
			rec.Subscribe(log.listen)

			if err := rec.Start(t.TempDir(), 5); err != nil {
				t.Fatalf("Start() error = %v", err)
			}
			clock.Advance(11 * time.Second)
			rec.WriteFrame(rgb(1, 4, 2))
			rec.Stop()

			if got, want := log.sequence(), "S1,C1"; got != want {
				t.Errorf("chunk events = %s, want %s", got, want)
			}
		})
	}
}

func TestRecorder_ConcurrentRotationLosesNothing(t *testing.T) {
	for _, rc := range recorderCases {
		t.Run(rc.name, func(t *testing.T) {
			clock := newFakeClock()
			factory := &memFactory{}
			rec := rc.make(slotcapture.RecorderConfig{Factory: factory.open, Clock: clock})

			if err := rec.Start(t.TempDir(), 1); err != nil {
				t.Fatalf("Start() error = %v", err)
			}

			const total = 3000
			done := make(chan struct{})
			go func() {
				defer close(done)
				for i := 1; i <= total; i++ {
					rec.WriteFrame(rgb(uint64(i), 2, 2))
				}
			}()

			rotations := 0
		loop:
			for {
				select {
				case <-done:
					break loop
				default:
					clock.Advance(time.Second)
					rotations++
					time.Sleep(50 * time.Microsecond)
				}
			}
			rec.Stop()

			seen := make(map[uint64]int)
			var last uint64
			for i, w := range factory.all() {
				for _, seq := range w.written() {
					seen[seq]++
					if seq <= last {
						t.Fatalf("chunk %d: seq %d after %d, ranges overlap", i+1, seq, last)
					}
					last = seq
				}
			}
			for i := uint64(1); i <= total; i++ {
				if seen[i] != 1 {
					t.Fatalf("frame %d written %d times", i, seen[i])
				}
			}
			t.Logf("%d frames over %d chunks (%d timer ticks)", total, len(factory.all()), rotations)
		})
	}
}

func TestDualRecorder_AlternatesWriters(t *testing.T) {
	clock := newFakeClock()
	factory := &memFactory{}
	rec := slotcapture.NewDualRecorder(slotcapture.RecorderConfig{Factory: factory.open, Clock: clock})

	if err := rec.Start(t.TempDir(), 5); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	rec.WriteFrame(rgb(1, 4, 2))

	var got []int
	got = append(got, rec.ActiveIndex())
	for i := 0; i < 3; i++ {
		clock.Advance(5 * time.Second)
		got = append(got, rec.ActiveIndex())
	}
	rec.Stop()

	want := []int{0, 1, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("active indexes = %v, want %v", got, want)
		}
	}
	if rec.CurrentChunk() != 4 {
		t.Errorf("CurrentChunk() = %d, want 4", rec.CurrentChunk())
	}
}

func TestRecorder_InvalidDuration(t *testing.T) {
	rec := slotcapture.NewChunkRecorder(slotcapture.RecorderConfig{})
	if err := rec.Start(t.TempDir(), 0); err == nil {
		t.Error("Start() with zero duration expected error")
	}
	if rec.IsRecording() {
		t.Error("IsRecording() = true after failed Start")
	}
}
