package catalog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeProbe reports the indices in its set as available
type fakeProbe struct {
	mu      sync.Mutex
	present map[int]bool
}

func newFakeProbe(indices ...int) *fakeProbe {
	p := &fakeProbe{present: make(map[int]bool)}
	for _, i := range indices {
		p.present[i] = true
	}
	return p
}

func (p *fakeProbe) set(index int, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.present[index] = present
}

func (p *fakeProbe) probe(index int) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.present[index] {
		return "fake", true
	}
	return "", false
}

func newTestCatalog(p *fakeProbe) *Catalog {
	return New(Config{
		MaxDevices: 4,
		CacheTTL:   time.Hour,
		Probe:      p.probe,
		Namer:      func(i int) string { return fmt.Sprintf("Camera %d", i) },
	})
}

func TestDetect(t *testing.T) {
	c := newTestCatalog(newFakeProbe(2, 0, 7))

	got := c.Detect()
	if len(got) != 2 {
		t.Fatalf("Detect() = %+v, want indices 0 and 2", got)
	}
	if got[0].Index != 0 || got[1].Index != 2 {
		t.Errorf("Detect() order = %d,%d", got[0].Index, got[1].Index)
	}
	if got[1].Name != "Camera 2" || !got[1].Available || got[1].Backend != "fake" {
		t.Errorf("Detect()[1] = %+v", got[1])
	}
}

func TestCheck(t *testing.T) {
	tests := []struct {
		index int
		want  bool
	}{
		{-1, false},
		{0, true},
		{1, false},
		{3, true},
		{4, false}, // out of the scanned range even if the probe would succeed
	}

	c := newTestCatalog(newFakeProbe(0, 3, 4))
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.index), func(t *testing.T) {
			if got := c.Check(tt.index); got != tt.want {
				t.Errorf("Check(%d) = %v, want %v", tt.index, got, tt.want)
			}
		})
	}
}

func TestCheck_UsesCache(t *testing.T) {
	p := newFakeProbe(1)
	c := newTestCatalog(p)

	for i := 0; i < 5; i++ {
		if !c.Check(1) {
			t.Fatal("Check(1) = false")
		}
	}
	if c.Probes() != 1 {
		t.Errorf("probes = %d, want 1", c.Probes())
	}

	// The cached answer holds until the entry expires or is released
	p.set(1, false)
	if !c.Check(1) {
		t.Error("Check(1) = false before the cache entry expired")
	}
	c.Hold(1, false)
	if c.Check(1) {
		t.Error("Check(1) = true after release forced a fresh probe")
	}
}

func TestHold(t *testing.T) {
	p := newFakeProbe()
	c := newTestCatalog(p)

	c.Hold(2, true)
	if !c.Check(2) {
		t.Error("held device reported unavailable")
	}
	if c.Probes() != 0 {
		t.Errorf("held device was probed %d times", c.Probes())
	}
}

func TestPoll_ReportsDiff(t *testing.T) {
	p := newFakeProbe(0, 1)
	c := newTestCatalog(p)

	var mu sync.Mutex
	var added []int
	var removed []int
	var lists [][]DeviceInfo
	c.OnAdded(func(d DeviceInfo) {
		mu.Lock()
		added = append(added, d.Index)
		mu.Unlock()
	})
	c.OnRemoved(func(i int) {
		mu.Lock()
		removed = append(removed, i)
		mu.Unlock()
	})
	c.OnChanged(func(d []DeviceInfo) {
		mu.Lock()
		lists = append(lists, d)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx, time.Hour); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		cancel()
		c.Wait()
	}()

	if err := c.Start(ctx, time.Hour); err != ErrAlreadyRunning {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}
	if !c.IsAvailable(1) || c.Name(1) != "Camera 1" {
		t.Errorf("after Start: IsAvailable(1)=%v Name(1)=%q", c.IsAvailable(1), c.Name(1))
	}

	// Unchanged poll is silent
	c.Poll()

	p.set(1, false)
	p.set(3, true)
	c.Hold(1, false)
	c.Hold(3, false)
	c.Poll()

	mu.Lock()
	defer mu.Unlock()
	if len(added) != 1 || added[0] != 3 {
		t.Errorf("added = %v, want [3]", added)
	}
	if len(removed) != 1 || removed[0] != 1 {
		t.Errorf("removed = %v, want [1]", removed)
	}
	if len(lists) != 2 {
		t.Fatalf("changed notifications = %d, want initial + one change", len(lists))
	}
	if len(lists[0]) != 2 || len(lists[1]) != 2 || lists[1][1].Index != 3 {
		t.Errorf("changed lists = %+v", lists)
	}
	if c.IsAvailable(1) {
		t.Error("IsAvailable(1) = true after removal")
	}
}

func TestStart_PollsOnInterval(t *testing.T) {
	p := newFakeProbe()
	c := New(Config{
		MaxDevices: 2,
		CacheTTL:   time.Millisecond,
		Probe:      p.probe,
		Namer:      func(i int) string { return "cam" },
	})

	found := make(chan int, 1)
	c.OnAdded(func(d DeviceInfo) {
		select {
		case found <- d.Index:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx, 10*time.Millisecond); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	p.set(1, true)
	select {
	case idx := <-found:
		if idx != 1 {
			t.Errorf("added index = %d, want 1", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device added was never reported")
	}

	cancel()
	c.Wait()
}

func TestDiff(t *testing.T) {
	prev := []DeviceInfo{{Index: 0, Name: "a"}, {Index: 1, Name: "b"}}
	cur := []DeviceInfo{{Index: 0, Name: "a"}, {Index: 1, Name: "c"}}

	appeared, gone := diff(prev, cur)
	if len(appeared) != 1 || appeared[0].Name != "c" {
		t.Errorf("appeared = %+v", appeared)
	}
	if len(gone) != 1 || gone[0].Name != "b" {
		t.Errorf("gone = %+v", gone)
	}
}
