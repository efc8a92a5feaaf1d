package slotcapture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// chunkSlot is one of the two writer positions (A or B) of a DualRecorder.
// A fresh chunkSlot is made for every chunk; the position only names it.
type chunkSlot struct {
	mu     sync.Mutex
	writer ChunkWriter
	info   *ChunkInfo
	shape  Frame
	closed bool
}

// write appends a frame unless the slot was retired. It reports false when
// the caller must retry on the current active slot.
func (s *chunkSlot) write(frame Frame) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	return true, s.writer.WriteFrame(frame)
}

// retire detaches the slot from the feed and closes its writer. Writes that
// already hold the slot lock complete first.
func (s *chunkSlot) retire() (ChunkWriter, *ChunkInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil
	}
	s.closed = true
	return s.writer, s.info
}

func (s *chunkSlot) fits(frame Frame) bool {
	return s.shape.SameGeometry(frame)
}

// DualRecorder rotates chunks without losing frames: the standby writer is
// opened and attached to the live feed before the active one is detached and
// closed.
//
// Rotation protocol (one critical section per rotation):
//  1. open the standby writer
//  2. attach it to the feed (frames now go to it)
//  3. retire the previously active writer, emit chunk completed
//  4. flip the active index, emit chunk started
//
// WriteFrame does not take the rotation lock, so opening and closing files
// never stalls the capture worker. A frame that races with step 3 is retried
// on the newly attached writer, so every frame lands in exactly one chunk.
type DualRecorder struct {
	recorderCore

	rotMu   sync.Mutex
	slots   [2]*chunkSlot
	index   int
	active  atomic.Pointer[chunkSlot]
	pending bool

	// blocked holds off reopen attempts for the last geometry after a
	// failed open until the next timer tick
	blocked bool
	last    Frame
}

// NewDualRecorder creates a double-buffered recorder for one slot
func NewDualRecorder(cfg RecorderConfig) *DualRecorder {
	return &DualRecorder{recorderCore: recorderCore{cfg: cfg.withDefaults()}}
}

// Start begins a recording session (see ChunkRecorder.Start)
func (r *DualRecorder) Start(outputDir string, chunkSeconds int) error {
	r.rotMu.Lock()
	defer r.rotMu.Unlock()

	if r.recording.Load() {
		return nil
	}
	if err := r.begin(outputDir, chunkSeconds); err != nil {
		return err
	}
	r.number = 1
	r.currentChunk.Store(1)
	r.pending = true
	r.arm(r.onTimer)

	slog.Info("slot-capture: recording started",
		"slot", r.cfg.SlotID,
		"mode", "dual",
		"output_dir", outputDir,
		"chunk_seconds", chunkSeconds,
		"session_id", r.session,
	)
	return nil
}

// WriteFrame appends a frame to the active chunk. The first frame opens
// chunk 1; a geometry change rotates before the write.
func (r *DualRecorder) WriteFrame(frame Frame) {
	if !r.recording.Load() || !frame.Valid() {
		return
	}

	for {
		s := r.active.Load()
		if s == nil || !s.fits(frame) {
			if !r.rotateFor(frame) {
				return
			}
			continue
		}

		ok, err := s.write(frame)
		if !ok {
			// Retired between Load and write; the replacement is attached
			continue
		}
		if err != nil {
			atomic.AddUint64(&r.writeErrors, 1)
			slog.Debug("slot-capture: frame write failed", "slot", r.cfg.SlotID, "seq", frame.Seq, "error", err)
			return
		}
		atomic.AddUint64(&r.framesWritten, 1)
		return
	}
}

// Stop cancels the timer, detaches and closes the active writer
func (r *DualRecorder) Stop() {
	r.rotMu.Lock()
	defer r.rotMu.Unlock()

	if !r.recording.Load() {
		return
	}
	r.end()
	r.pending = false
	r.blocked = false

	if old := r.active.Swap(nil); old != nil {
		r.finish(old.retire())
	}
	r.slots = [2]*chunkSlot{}

	slog.Info("slot-capture: recording stopped",
		"slot", r.cfg.SlotID,
		"mode", "dual",
		"chunks", r.number,
		"frames_written", atomic.LoadUint64(&r.framesWritten),
	)
}

// Stats returns a snapshot of the recorder counters
func (r *DualRecorder) Stats() RecorderStats {
	r.rotMu.Lock()
	session := r.session
	r.rotMu.Unlock()
	return r.stats(session)
}

// ActiveIndex returns 0 (A) or 1 (B)
func (r *DualRecorder) ActiveIndex() int {
	r.rotMu.Lock()
	defer r.rotMu.Unlock()
	return r.index
}

// rotateFor opens a chunk that fits frame unless another goroutine already
// did. It reports false when frames cannot be written right now.
func (r *DualRecorder) rotateFor(frame Frame) bool {
	r.rotMu.Lock()
	defer r.rotMu.Unlock()

	if !r.recording.Load() {
		return false
	}
	if s := r.active.Load(); s != nil && s.fits(frame) {
		return true
	}
	if r.blocked && r.last.SameGeometry(frame) {
		return false
	}

	reason := "first frame"
	if r.active.Load() != nil {
		reason = "geometry change"
	}
	return r.rotateLocked(geometryOf(frame), reason)
}

func (r *DualRecorder) onTimer(gen uint64) {
	r.rotMu.Lock()
	defer r.rotMu.Unlock()

	if !r.recording.Load() || gen != r.gen {
		return
	}
	if s := r.active.Load(); s != nil {
		r.rotateLocked(s.shape, "timer")
	} else if r.blocked {
		r.blocked = false
		r.rotateLocked(r.last, "retry")
	}
	r.arm(r.onTimer)
}

// rotateLocked runs the standby-first protocol. If the standby cannot be
// opened the active writer keeps the feed unless its geometry is stale.
func (r *DualRecorder) rotateLocked(shape Frame, reason string) bool {
	if r.pending {
		r.number--
		r.pending = false
	}

	standby := 1 - r.index
	old := r.active.Load()
	if old == nil {
		standby = r.index
	}

	r.last = shape
	w, info := r.openNext(shape.Width, shape.Height)
	if w == nil {
		if old != nil && !old.shape.SameGeometry(shape) {
			r.active.Store(nil)
			r.finish(old.retire())
			old = nil
		}
		if old == nil {
			r.blocked = true
		} else {
			r.currentChunk.Store(int32(old.info.Number))
		}
		return false
	}
	r.blocked = false

	next := &chunkSlot{writer: w, info: info, shape: shape}
	r.slots[standby] = next
	r.active.Store(next)

	if old != nil {
		r.finish(old.retire())
	}
	r.index = standby
	r.announce(info)

	slog.Debug("slot-capture: dual rotation",
		"slot", r.cfg.SlotID,
		"reason", reason,
		"active", fmt.Sprintf("%c", 'A'+rune(standby)),
		"chunk", info.Number,
	)
	return true
}
