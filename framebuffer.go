package slotcapture

import (
	"log/slog"
	"sync"
	"time"
)

// StartupThreshold is the buffer depth that arms the lenient health rule.
const StartupThreshold = 5

// FrameBuffer is a bounded FIFO of decoded frames shared by one producer
// (the capture worker) and any number of consumers (display, readers).
//
// Guarantees:
//   - Push never blocks; when full, the oldest frame is evicted first
//   - Pop blocks until a frame arrives, the timeout elapses or Stop is called
//   - Health follows a one-way latch: before the depth has ever reached
//     StartupThreshold, healthy means full; afterwards it means at or above
//     the maintenance floor, until Clear or Reset re-arms the strict rule
//
// Push stores a private copy of the frame and Pop hands that copy over, so a
// consumer may modify what it pops.
//
// All methods are safe for concurrent use. Health and size callbacks run
// without the buffer lock, in the order the changes happened, and may call
// back into the buffer. They can run on a goroutine other than the one that
// caused the change.
type FrameBuffer struct {
	mu             sync.Mutex
	frames         []Frame
	maxSize        int
	minMaintenance int
	latched        bool
	healthy        bool
	stopped        bool

	// wake is closed and replaced whenever waiters must re-check state
	wake chan struct{}

	onHealth func(bool)
	onSize   func(int)
	// pending notifications, delivered in order by whichever goroutine
	// holds the draining flag
	pending  []bufferChange
	draining bool
}

// NewFrameBuffer creates a buffer with the given capacity and maintenance floor.
// Non-positive capacity is clamped to 1; the floor is clamped to [0, maxSize].
func NewFrameBuffer(maxSize, minMaintenance int) *FrameBuffer {
	if maxSize < 1 {
		maxSize = 1
	}
	if minMaintenance < 0 {
		minMaintenance = 0
	}
	if minMaintenance > maxSize {
		minMaintenance = maxSize
	}
	return &FrameBuffer{
		frames:         make([]Frame, 0, maxSize),
		maxSize:        maxSize,
		minMaintenance: minMaintenance,
		wake:           make(chan struct{}),
	}
}

// OnHealthChanged registers the health transition callback (nil clears it)
func (b *FrameBuffer) OnHealthChanged(fn func(healthy bool)) {
	b.mu.Lock()
	b.onHealth = fn
	b.mu.Unlock()
}

// OnSizeChanged registers the size change callback (nil clears it)
func (b *FrameBuffer) OnSizeChanged(fn func(size int)) {
	b.mu.Lock()
	b.onSize = fn
	b.mu.Unlock()
}

// Push appends a copy of frame, evicting the oldest one when the buffer is
// full. Returns false iff the buffer has been stopped.
func (b *FrameBuffer) Push(frame Frame) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}

	if len(b.frames) >= b.maxSize {
		b.dropOldestLocked(len(b.frames) - b.maxSize + 1)
	}
	b.frames = append(b.frames, frame.Clone())
	b.broadcastLocked()

	b.unlockAndNotify(b.evaluateLocked(false))
	return true
}

// Pop waits up to timeout for a frame. It returns false on timeout, or when
// the buffer is stopped while empty. A non-positive timeout does not wait.
func (b *FrameBuffer) Pop(timeout time.Duration) (Frame, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		b.mu.Lock()
		if len(b.frames) > 0 {
			frame := b.takeLocked()
			b.unlockAndNotify(b.evaluateLocked(false))
			return frame, true
		}
		if b.stopped || expired == nil {
			b.mu.Unlock()
			return Frame{}, false
		}
		wake := b.wake
		b.mu.Unlock()

		select {
		case <-wake:
		case <-expired:
			return b.TryPop()
		}
	}
}

// TryPop returns the oldest frame without waiting. It ignores the stop flag.
func (b *FrameBuffer) TryPop() (Frame, bool) {
	b.mu.Lock()
	if len(b.frames) == 0 {
		b.mu.Unlock()
		return Frame{}, false
	}
	frame := b.takeLocked()
	b.unlockAndNotify(b.evaluateLocked(false))
	return frame, true
}

// IsHealthy applies the hysteresis rule to the current depth
func (b *FrameBuffer) IsHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthyLocked()
}

// Size returns the current number of buffered frames
func (b *FrameBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// IsEmpty reports whether no frame is buffered
func (b *FrameBuffer) IsEmpty() bool {
	return b.Size() == 0
}

// IsBelowMaintenance reports whether the depth is under the maintenance floor
func (b *FrameBuffer) IsBelowMaintenance() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) < b.minMaintenance
}

// MaxSize returns the configured capacity
func (b *FrameBuffer) MaxSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSize
}

// MinMaintenance returns the configured maintenance floor
func (b *FrameBuffer) MinMaintenance() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.minMaintenance
}

// IsStopped reports whether Stop has been called since the last Reset
func (b *FrameBuffer) IsStopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// Clear drops every buffered frame and re-arms the strict pre-fill rule.
// It always reports unhealthy and size 0.
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	b.dropOldestLocked(len(b.frames))
	b.latched = false
	b.unlockAndNotify(b.evaluateLocked(true))
}

// Stop releases every pending Pop (each returns no frame) and makes Push
// fail until Reset is called.
func (b *FrameBuffer) Stop() {
	b.mu.Lock()
	b.stopped = true
	b.broadcastLocked()
	b.mu.Unlock()
}

// Reset clears the contents, re-arms blocking consumption and the health
// latch. Capacity and maintenance floor are kept.
func (b *FrameBuffer) Reset() {
	b.mu.Lock()
	b.dropOldestLocked(len(b.frames))
	b.stopped = false
	b.latched = false
	b.unlockAndNotify(b.evaluateLocked(false))
}

// SetMaxSize changes the capacity; excess frames are trimmed oldest first
func (b *FrameBuffer) SetMaxSize(maxSize int) {
	if maxSize < 1 {
		maxSize = 1
	}

	b.mu.Lock()
	b.maxSize = maxSize
	if b.minMaintenance > maxSize {
		b.minMaintenance = maxSize
	}
	if excess := len(b.frames) - maxSize; excess > 0 {
		b.dropOldestLocked(excess)
		slog.Debug("slot-capture: buffer trimmed", "dropped", excess, "max_size", maxSize)
	}
	b.unlockAndNotify(b.evaluateLocked(false))
}

// SetMinMaintenance changes the maintenance floor and re-evaluates health
func (b *FrameBuffer) SetMinMaintenance(minMaintenance int) {
	if minMaintenance < 0 {
		minMaintenance = 0
	}

	b.mu.Lock()
	if minMaintenance > b.maxSize {
		minMaintenance = b.maxSize
	}
	b.minMaintenance = minMaintenance
	b.unlockAndNotify(b.evaluateLocked(false))
}

// bufferChange is a pending notification computed under the buffer lock
type bufferChange struct {
	size          int
	sizeChanged   bool
	healthy       bool
	healthChanged bool
}

func (b *FrameBuffer) healthyLocked() bool {
	n := len(b.frames)
	if b.latched {
		return n >= b.minMaintenance
	}
	return n >= b.maxSize
}

// evaluateLocked trips the latch if the depth reached StartupThreshold and
// computes which callbacks are due. force reports health even if unchanged.
func (b *FrameBuffer) evaluateLocked(force bool) bufferChange {
	if !b.latched && len(b.frames) >= StartupThreshold {
		b.latched = true
	}

	now := b.healthyLocked()
	change := bufferChange{
		size:        len(b.frames),
		sizeChanged: true,
		healthy:     now,
	}
	if now != b.healthy || force {
		b.healthy = now
		change.healthChanged = true
	}
	return change
}

// unlockAndNotify queues change and releases the buffer lock. If no other
// goroutine is delivering notifications, this one drains the queue, running
// callbacks with the lock released.
func (b *FrameBuffer) unlockAndNotify(change bufferChange) {
	if change.healthChanged || change.sizeChanged {
		b.pending = append(b.pending, change)
	}
	if b.draining {
		b.mu.Unlock()
		return
	}

	b.draining = true
	for len(b.pending) > 0 {
		batch := b.pending
		b.pending = nil
		onHealth, onSize := b.onHealth, b.onSize
		b.mu.Unlock()

		for _, c := range batch {
			if c.healthChanged && onHealth != nil {
				onHealth(c.healthy)
			}
			if c.sizeChanged && onSize != nil {
				onSize(c.size)
			}
		}

		b.mu.Lock()
	}
	b.draining = false
	b.mu.Unlock()
}

func (b *FrameBuffer) takeLocked() Frame {
	frame := b.frames[0]
	b.frames[0] = Frame{}
	b.frames = b.frames[1:]
	return frame
}

func (b *FrameBuffer) dropOldestLocked(n int) {
	if n <= 0 {
		return
	}
	if n > len(b.frames) {
		n = len(b.frames)
	}
	for i := 0; i < n; i++ {
		b.frames[i] = Frame{}
	}
	// Compact so the backing array does not grow without bound
	remaining := copy(b.frames, b.frames[n:])
	for i := remaining; i < len(b.frames); i++ {
		b.frames[i] = Frame{}
	}
	b.frames = b.frames[:remaining]
}

func (b *FrameBuffer) broadcastLocked() {
	close(b.wake)
	b.wake = make(chan struct{})
}
