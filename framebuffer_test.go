package slotcapture_test

import (
	"sync"
	"testing"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
)

func seqFrame(seq uint64) slotcapture.Frame {
	return slotcapture.Frame{
		Seq:    seq,
		Width:  2,
		Height: 1,
		Format: slotcapture.PixelGray,
		Data:   []byte{byte(seq), byte(seq)},
	}
}

func TestFrameBuffer_EvictsOldest(t *testing.T) {
	tests := []struct {
		capacity int
		floor    int
	}{
		{1, 0},
		{3, 1},
		{5, 5},
		{10, 3},
		{30, 10},
	}

	for _, tt := range tests {
		b := slotcapture.NewFrameBuffer(tt.capacity, tt.floor)
		for i := 1; i <= tt.capacity+1; i++ {
			if !b.Push(seqFrame(uint64(i))) {
				t.Fatalf("C=%d: Push(%d) returned false", tt.capacity, i)
			}
		}

		if b.Size() != tt.capacity {
			t.Errorf("C=%d: Size() = %d, want %d", tt.capacity, b.Size(), tt.capacity)
		}
		for want := uint64(2); want <= uint64(tt.capacity+1); want++ {
			f, ok := b.TryPop()
			if !ok || f.Seq != want {
				t.Errorf("C=%d: TryPop() = (%d, %v), want (%d, true)", tt.capacity, f.Seq, ok, want)
			}
		}
		if !b.IsEmpty() {
			t.Errorf("C=%d: buffer not empty after draining", tt.capacity)
		}
	}
}

func TestFrameBuffer_StrictRuleBeforeStartupThreshold(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 2)

	for i := 1; i < slotcapture.StartupThreshold; i++ {
		b.Push(seqFrame(uint64(i)))
		if b.IsHealthy() {
			t.Fatalf("healthy at size %d before reaching the startup threshold", b.Size())
		}
	}
	for b.Size() > 0 {
		b.TryPop()
		if b.IsHealthy() {
			t.Fatalf("healthy at size %d while draining an unlatched buffer", b.Size())
		}
	}
}

func TestFrameBuffer_LatchIsOneWay(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 3)

	for i := 1; i <= slotcapture.StartupThreshold; i++ {
		b.Push(seqFrame(uint64(i)))
	}
	if !b.IsHealthy() {
		t.Fatal("want healthy once the startup threshold was reached at the maintenance floor")
	}

	// Drain below capacity but not below the floor
	b.TryPop()
	b.TryPop()
	if b.Size() != 3 || !b.IsHealthy() {
		t.Errorf("size %d healthy=%v, want 3 healthy", b.Size(), b.IsHealthy())
	}

	// Below the floor
	b.TryPop()
	if b.IsHealthy() {
		t.Errorf("healthy at size %d below floor 3", b.Size())
	}
	if !b.IsBelowMaintenance() {
		t.Error("IsBelowMaintenance() = false")
	}

	// Refilling to the floor is enough again: the strict rule does not come back
	b.Push(seqFrame(6))
	if b.Size() != 3 || !b.IsHealthy() {
		t.Errorf("size %d healthy=%v after refill, want latched healthy", b.Size(), b.IsHealthy())
	}
}

func TestFrameBuffer_ClearResetsLatch(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 2)

	var mu sync.Mutex
	var health []bool
	var sizes []int
	b.OnHealthChanged(func(h bool) {
		mu.Lock()
		health = append(health, h)
		mu.Unlock()
	})
	b.OnSizeChanged(func(n int) {
		mu.Lock()
		sizes = append(sizes, n)
		mu.Unlock()
	})

	for i := 1; i <= 6; i++ {
		b.Push(seqFrame(uint64(i)))
	}
	b.Clear()

	mu.Lock()
	if len(health) < 2 || health[0] != true || health[len(health)-1] != false {
		t.Errorf("health notifications = %v, want [true ... false]", health)
	}
	if sizes[len(sizes)-1] != 0 {
		t.Errorf("last size notification = %d, want 0", sizes[len(sizes)-1])
	}
	mu.Unlock()

	// After Clear the strict pre-fill rule applies again
	for i := 1; i <= 3; i++ {
		b.Push(seqFrame(uint64(i)))
	}
	if b.IsHealthy() {
		t.Error("healthy at size 3 right after Clear, want strict pre-fill rule")
	}
}

func TestFrameBuffer_ClearAlwaysReportsUnhealthy(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 2)

	var got []bool
	b.OnHealthChanged(func(h bool) { got = append(got, h) })

	b.Clear()
	if len(got) != 1 || got[0] {
		t.Errorf("health notifications on empty Clear = %v, want [false]", got)
	}
}

func TestFrameBuffer_PopTimeout(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 1)

	timeout := 50 * time.Millisecond
	start := time.Now()
	_, ok := b.Pop(timeout)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("Pop() on empty buffer returned a frame")
	}
	if elapsed < timeout {
		t.Errorf("Pop() returned after %v, before the %v timeout", elapsed, timeout)
	}
	if elapsed > timeout+200*time.Millisecond {
		t.Errorf("Pop() returned after %v, much later than %v", elapsed, timeout)
	}
}

func TestFrameBuffer_PopWakesOnPush(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Push(seqFrame(42))
	}()

	f, ok := b.Pop(2 * time.Second)
	if !ok || f.Seq != 42 {
		t.Errorf("Pop() = (%d, %v), want (42, true)", f.Seq, ok)
	}
}

func TestFrameBuffer_StopUnblocksWaiters(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 1)

	const waiters = 4
	results := make(chan bool, waiters)
	var ready sync.WaitGroup
	ready.Add(waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			ready.Done()
			_, ok := b.Pop(10 * time.Second)
			results <- ok
		}()
	}
	ready.Wait()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	b.Stop()
	for i := 0; i < waiters; i++ {
		select {
		case ok := <-results:
			if ok {
				t.Error("Pop() returned a frame after Stop on an empty buffer")
			}
		case <-time.After(time.Second):
			t.Fatal("Pop() still blocked after Stop")
		}
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("waiters released after %v", elapsed)
	}

	if b.Push(seqFrame(1)) {
		t.Error("Push() after Stop returned true")
	}
	if !b.IsStopped() {
		t.Error("IsStopped() = false after Stop")
	}

	b.Reset()
	if b.IsStopped() {
		t.Error("IsStopped() = true after Reset")
	}
	if !b.Push(seqFrame(2)) {
		t.Error("Push() after Reset returned false")
	}
	if f, ok := b.Pop(time.Second); !ok || f.Seq != 2 {
		t.Errorf("Pop() after Reset = (%d, %v)", f.Seq, ok)
	}
}

func TestFrameBuffer_TryPopIgnoresStop(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 1)
	b.Push(seqFrame(1))
	b.Stop()

	if f, ok := b.TryPop(); !ok || f.Seq != 1 {
		t.Errorf("TryPop() after Stop = (%d, %v), want (1, true)", f.Seq, ok)
	}
	if _, ok := b.TryPop(); ok {
		t.Error("TryPop() on empty stopped buffer returned a frame")
	}
}

func TestFrameBuffer_ResetKeepsConfiguration(t *testing.T) {
	b := slotcapture.NewFrameBuffer(8, 3)
	b.Push(seqFrame(1))
	b.Reset()

	if b.Size() != 0 || b.MaxSize() != 8 || b.MinMaintenance() != 3 {
		t.Errorf("after Reset size=%d max=%d min=%d", b.Size(), b.MaxSize(), b.MinMaintenance())
	}
}

func TestFrameBuffer_SetMaxSizeTrimsOldest(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 4)
	for i := 1; i <= 10; i++ {
		b.Push(seqFrame(uint64(i)))
	}

	b.SetMaxSize(3)
	if b.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", b.Size())
	}
	if b.MinMaintenance() != 3 {
		t.Errorf("MinMaintenance() = %d, want clamped to 3", b.MinMaintenance())
	}
	for want := uint64(8); want <= 10; want++ {
		if f, _ := b.TryPop(); f.Seq != want {
			t.Errorf("TryPop() seq = %d, want %d", f.Seq, want)
		}
	}
}

func TestFrameBuffer_SetMinMaintenanceReevaluates(t *testing.T) {
	b := slotcapture.NewFrameBuffer(10, 2)
	var got []bool
	b.OnHealthChanged(func(h bool) { got = append(got, h) })

	for i := 1; i <= 6; i++ {
		b.Push(seqFrame(uint64(i)))
	}
	b.SetMinMaintenance(8)
	if b.IsHealthy() {
		t.Error("healthy at size 6 with floor 8")
	}
	if len(got) != 2 || !got[0] || got[1] {
		t.Errorf("health notifications = %v, want [true false]", got)
	}
}

func TestFrameBuffer_ConcurrentProducerConsumer(t *testing.T) {
	b := slotcapture.NewFrameBuffer(4, 1)
	const total = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= total; i++ {
			b.Push(seqFrame(uint64(i)))
		}
	}()

	var last uint64
	received := 0
	deadline := time.Now().Add(2 * time.Second)
	for last < total && time.Now().Before(deadline) {
		f, ok := b.Pop(10 * time.Millisecond)
		if !ok {
			continue
		}
		if f.Seq <= last {
			t.Fatalf("out of order: got %d after %d", f.Seq, last)
		}
		last = f.Seq
		received++
	}
	wg.Wait()

	if last != total {
		t.Errorf("last seq = %d, want %d", last, total)
	}
	if received == 0 || received > total {
		t.Errorf("received = %d", received)
	}
}

func TestFrameBuffer_CallbacksMayReadBuffer(t *testing.T) {
	b := slotcapture.NewFrameBuffer(8, 2)
	b.OnSizeChanged(func(int) { b.IsHealthy() })
	b.OnHealthChanged(func(bool) { b.Size() })

	const rounds = 20000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			b.Push(seqFrame(uint64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			b.TryPop()
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("producer and consumer blocked while callbacks read the buffer")
	}
}

func TestFrameBuffer_CallbackMayModifyBuffer(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 0)

	var sizes []int
	b.OnSizeChanged(func(n int) { sizes = append(sizes, n) })
	b.OnHealthChanged(func(h bool) {
		if h {
			b.TryPop()
		}
	})

	for i := 1; i <= 5; i++ {
		b.Push(seqFrame(uint64(i)))
	}

	want := []int{1, 2, 3, 4, 5, 4}
	if len(sizes) != len(want) {
		t.Fatalf("size notifications = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("size notifications = %v, want %v", sizes, want)
		}
	}
	if b.Size() != 4 {
		t.Errorf("Size() = %d, want 4", b.Size())
	}
}

func TestFrameBuffer_PushStoresCopy(t *testing.T) {
	b := slotcapture.NewFrameBuffer(5, 0)

	data := []byte{1, 2, 3}
	b.Push(slotcapture.Frame{Seq: 1, Width: 3, Height: 1, Format: slotcapture.PixelGray, Data: data})
	data[0] = 50

	got, ok := b.TryPop()
	if !ok {
		t.Fatal("TryPop() returned no frame")
	}
	if got.Data[0] != 1 {
		t.Errorf("popped data = %v, producer write leaked into the buffer", got.Data)
	}

	got.Data[1] = 99
	if data[1] != 2 {
		t.Errorf("producer data = %v, consumer write leaked back", data)
	}
}
