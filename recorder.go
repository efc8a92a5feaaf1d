package slotcapture

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/chunkfile"
	"github.com/google/uuid"
)

// ChunkWriter encodes frames into one chunk file
type ChunkWriter interface {
	WriteFrame(frame Frame) error
	Close() error
}

// WriterFactory opens a ChunkWriter and returns the codec that actually
// opened (which may be a fallback of the requested one)
type WriterFactory func(path, codec string, fps float64, width, height int) (ChunkWriter, string, error)

// OpenChunkFile is the default WriterFactory (OpenCV VideoWriter)
func OpenChunkFile(path, codec string, fps float64, width, height int) (ChunkWriter, string, error) {
	w, err := chunkfile.Open(path, codec, fps, width, height)
	if err != nil {
		return nil, "", err
	}
	return chunkFileWriter{w}, w.FourCC(), nil
}

type chunkFileWriter struct {
	w *chunkfile.Writer
}

func (c chunkFileWriter) WriteFrame(f Frame) error {
	return c.w.Write(chunkfile.Image{
		Width:    f.Width,
		Height:   f.Height,
		Channels: f.Format.BytesPerPixel(),
		Data:     f.Data,
	})
}

func (c chunkFileWriter) Close() error {
	return c.w.Close()
}

// RecorderConfig contains configuration shared by both recorder variants
type RecorderConfig struct {
	SlotID int
	// FPS is the nominal rate written into chunk headers (default: 30)
	FPS float64
	// Codec is the preferred codec name (default: "mp4v")
	Codec string
	// MinFreeBytes aborts Start and skips chunk opens when the output volume
	// has less space available (0 disables the check)
	MinFreeBytes uint64

	// Factory opens chunk writers (default: OpenChunkFile)
	Factory WriterFactory
	// Clock drives chunk timestamps and the rotation timer (default: SystemClock)
	Clock Clock
}

func (c RecorderConfig) withDefaults() RecorderConfig {
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Codec == "" {
		c.Codec = chunkfile.FallbackFourCC
	}
	if c.Factory == nil {
		c.Factory = OpenChunkFile
	}
	if c.Clock == nil {
		c.Clock = SystemClock
	}
	return c
}

// recorderCore holds the session bookkeeping both recorders share
type recorderCore struct {
	cfg RecorderConfig
	dispatcher

	recording    atomic.Bool
	currentChunk atomic.Int32

	outputDir string
	duration  time.Duration
	session   string
	number    int
	gen       uint64
	timer     Timer

	chunksWritten uint64
	framesWritten uint64
	writeErrors   uint64
}

// begin prepares a session. Callers hold their recorder's lock.
func (c *recorderCore) begin(outputDir string, chunkSeconds int) error {
	if chunkSeconds <= 0 {
		return fmt.Errorf("slot-capture: chunk duration must be positive, got %d", chunkSeconds)
	}
	dir := chunkfile.SlotDir(outputDir, c.cfg.SlotID)
	if err := chunkfile.EnsureDir(dir); err != nil {
		c.emitError(err.Error())
		return err
	}
	if err := chunkfile.CheckFreeSpace(dir, c.cfg.MinFreeBytes); err != nil {
		c.emitError(err.Error())
		return err
	}

	c.outputDir = outputDir
	c.duration = time.Duration(chunkSeconds) * time.Second
	c.session = uuid.New().String()
	c.number = 0
	c.gen++
	c.recording.Store(true)
	c.currentChunk.Store(0)
	return nil
}

// end finishes a session. Callers hold their recorder's lock.
func (c *recorderCore) end() {
	c.recording.Store(false)
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// arm schedules the next timed rotation for the current session
func (c *recorderCore) arm(fire func(gen uint64)) {
	if c.timer != nil {
		c.timer.Stop()
	}
	gen := c.gen
	c.timer = c.cfg.Clock.AfterFunc(c.duration, func() { fire(gen) })
}

// openNext allocates the next chunk number and opens its writer. On failure
// the error is emitted and nil is returned; the number stays consumed.
func (c *recorderCore) openNext(width, height int) (ChunkWriter, *ChunkInfo) {
	c.number++
	c.currentChunk.Store(int32(c.number))

	start := c.cfg.Clock.Now()
	path := chunkfile.Path(c.outputDir, c.cfg.SlotID, c.number, start)

	if err := chunkfile.CheckFreeSpace(chunkfile.SlotDir(c.outputDir, c.cfg.SlotID), c.cfg.MinFreeBytes); err != nil {
		atomic.AddUint64(&c.writeErrors, 1)
		slog.Error("slot-capture: chunk skipped", "slot", c.cfg.SlotID, "chunk", c.number, "error", err)
		c.emitError(err.Error())
		return nil, nil
	}

	w, codec, err := c.cfg.Factory(path, c.cfg.Codec, c.cfg.FPS, width, height)
	if err != nil {
		atomic.AddUint64(&c.writeErrors, 1)
		slog.Error("slot-capture: failed to open chunk writer",
			"slot", c.cfg.SlotID,
			"chunk", c.number,
			"path", path,
			"error", err,
		)
		c.emitError(fmt.Sprintf("Failed to open video writer: %s", path))
		return nil, nil
	}

	info := &ChunkInfo{
		Number:    c.number,
		StartedAt: start,
		Path:      path,
		Width:     width,
		Height:    height,
		Codec:     codec,
		SessionID: c.session,
	}
	slog.Info("slot-capture: chunk started",
		"slot", c.cfg.SlotID,
		"chunk", info.Number,
		"path", info.Path,
		"size", fmt.Sprintf("%dx%d", width, height),
		"codec", codec,
		"session_id", c.session,
	)
	return w, info
}

// finish closes a writer and reports its chunk as completed
func (c *recorderCore) finish(w ChunkWriter, info *ChunkInfo) {
	if w == nil || info == nil {
		return
	}
	if err := w.Close(); err != nil {
		atomic.AddUint64(&c.writeErrors, 1)
		slog.Warn("slot-capture: chunk close failed", "slot", c.cfg.SlotID, "chunk", info.Number, "error", err)
	}
	atomic.AddUint64(&c.chunksWritten, 1)
	slog.Info("slot-capture: chunk completed", "slot", c.cfg.SlotID, "chunk", info.Number, "path", info.Path)
	c.emit(Event{Type: EventChunkCompleted, SlotID: c.cfg.SlotID, Chunk: info})
}

func (c *recorderCore) announce(info *ChunkInfo) {
	c.emit(Event{Type: EventChunkStarted, SlotID: c.cfg.SlotID, Chunk: info})
}

func (c *recorderCore) emitError(msg string) {
	c.emit(Event{Type: EventError, SlotID: c.cfg.SlotID, Message: msg, Category: "storage"})
}

// IsRecording reports whether a session is active
func (c *recorderCore) IsRecording() bool {
	return c.recording.Load()
}

// CurrentChunk returns the number of the chunk currently being written
// (0 before the first chunk of a session)
func (c *recorderCore) CurrentChunk() int {
	return int(c.currentChunk.Load())
}

func (c *recorderCore) stats(session string) RecorderStats {
	return RecorderStats{
		Recording:     c.IsRecording(),
		SessionID:     session,
		CurrentChunk:  c.CurrentChunk(),
		ChunksWritten: atomic.LoadUint64(&c.chunksWritten),
		FramesWritten: atomic.LoadUint64(&c.framesWritten),
		WriteErrors:   atomic.LoadUint64(&c.writeErrors),
	}
}

// geometryOf returns frame's dimensions and layout without its pixels
func geometryOf(frame Frame) Frame {
	return Frame{Width: frame.Width, Height: frame.Height, Format: frame.Format}
}

// Recorder is the recording side of a slot
type Recorder interface {
	FrameWriter
	Start(outputDir string, chunkSeconds int) error
	Stop()
	CurrentChunk() int
	Subscribe(l Listener) (unsubscribe func())
	Stats() RecorderStats
}

// ChunkRecorder writes frames into fixed-duration chunk files, closing the
// current writer before opening the next one. Writes and rotations share one
// mutex, so a frame never reaches a writer that is being swapped.
//
// The first chunk is allocated by Start and its file is created by the first
// valid frame, since the writer needs the frame geometry.
type ChunkRecorder struct {
	recorderCore

	mu      sync.Mutex
	writer ChunkWriter
	info   *ChunkInfo
	// shape is the geometry of the open chunk (no pixel data)
	shape   Frame
	pending bool
}

// NewChunkRecorder creates a recorder for one slot
func NewChunkRecorder(cfg RecorderConfig) *ChunkRecorder {
	return &ChunkRecorder{recorderCore: recorderCore{cfg: cfg.withDefaults()}}
}

// Start begins a recording session: creates {outputDir}/slot_{id}, allocates
// chunk 1 and arms the rotation timer. It is a no-op while recording.
func (r *ChunkRecorder) Start(outputDir string, chunkSeconds int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording.Load() {
		return nil
	}
	if err := r.begin(outputDir, chunkSeconds); err != nil {
		return err
	}
	r.shape = Frame{}
	r.number = 1
	r.currentChunk.Store(1)
	r.pending = true
	r.arm(r.onTimer)

	slog.Info("slot-capture: recording started",
		"slot", r.cfg.SlotID,
		"output_dir", outputDir,
		"chunk_seconds", chunkSeconds,
		"codec", r.cfg.Codec,
		"session_id", r.session,
	)
	return nil
}

// WriteFrame appends a frame to the current chunk. It is a no-op unless
// recording. The first frame opens chunk 1; a geometry change rotates.
func (r *ChunkRecorder) WriteFrame(frame Frame) {
	if !r.recording.Load() || !frame.Valid() {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording.Load() {
		return
	}

	switch {
	case r.shape.Width == 0:
		r.shape = geometryOf(frame)
		r.rotateLocked("first frame")
	case !r.shape.SameGeometry(frame):
		slog.Info("slot-capture: frame geometry changed",
			"slot", r.cfg.SlotID,
			"from", fmt.Sprintf("%dx%d %s", r.shape.Width, r.shape.Height, r.shape.Format),
			"to", fmt.Sprintf("%dx%d %s", frame.Width, frame.Height, frame.Format),
		)
		r.shape = geometryOf(frame)
		r.rotateLocked("geometry change")
	}

	if r.writer == nil {
		return
	}
	if err := r.writer.WriteFrame(frame); err != nil {
		atomic.AddUint64(&r.writeErrors, 1)
		slog.Debug("slot-capture: frame write failed", "slot", r.cfg.SlotID, "seq", frame.Seq, "error", err)
		return
	}
	atomic.AddUint64(&r.framesWritten, 1)
}

// Stop cancels the rotation timer and closes the open chunk
func (r *ChunkRecorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording.Load() {
		return
	}
	r.end()
	r.closeLocked()
	r.pending = false

	slog.Info("slot-capture: recording stopped",
		"slot", r.cfg.SlotID,
		"chunks", r.number,
		"frames_written", atomic.LoadUint64(&r.framesWritten),
	)
}

// Stats returns a snapshot of the recorder counters
func (r *ChunkRecorder) Stats() RecorderStats {
	r.mu.Lock()
	session := r.session
	r.mu.Unlock()
	return r.stats(session)
}

func (r *ChunkRecorder) onTimer(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording.Load() || gen != r.gen {
		return
	}
	if r.shape.Width > 0 {
		r.rotateLocked("timer")
	}
	r.arm(r.onTimer)
}

// rotateLocked closes the current chunk (completed) and opens the next
// (started). A chunk allocated by Start but never opened is reused.
func (r *ChunkRecorder) rotateLocked(reason string) {
	r.closeLocked()
	if r.pending {
		r.number--
		r.pending = false
	}
	slog.Debug("slot-capture: rotating chunk", "slot", r.cfg.SlotID, "reason", reason)

	w, info := r.openNext(r.shape.Width, r.shape.Height)
	if w == nil {
		return
	}
	r.writer, r.info = w, info
	r.announce(info)
}

func (r *ChunkRecorder) closeLocked() {
	w, info := r.writer, r.info
	r.writer, r.info = nil, nil
	r.finish(w, info)
}
