package chunkwatch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/fsnotify/fsnotify"
)

// Config contains retention settings for a recording tree
type Config struct {
	// Root is the recording output directory (the parent of slot_N)
	Root string
	// MaxBytes bounds the total size of chunk files (0 disables deletion)
	MaxBytes int64
	// Extension selects chunk files (default: ".mp4")
	Extension string
	// Settle delays enforcement after a burst of file events (default: 500ms)
	Settle time.Duration
}

// Stats contains retention counters
type Stats struct {
	Files        int
	Bytes        int64
	Removed      uint64
	BytesRemoved uint64
	Completed    uint64
}

type chunkFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Watcher keeps a recording tree under a size budget by deleting the oldest
// chunk files first. Chunks that a recorder still has open are protected:
// they are registered on chunk started and released on chunk completed.
type Watcher struct {
	cfg Config
	fsw *fsnotify.Watcher

	mu        sync.Mutex
	protected map[string]bool

	removed      atomic.Uint64
	bytesRemoved atomic.Uint64
	completed    atomic.Uint64

	kick chan struct{}
}

// New creates the root directory if needed and starts watching it and every
// slot directory below it
func New(cfg Config) (*Watcher, error) {
	if cfg.Root == "" {
		return nil, errors.New("chunkwatch: root directory is required")
	}
	if cfg.MaxBytes < 0 {
		return nil, fmt.Errorf("chunkwatch: max bytes must be >= 0, got %d", cfg.MaxBytes)
	}
	if cfg.Extension == "" {
		cfg.Extension = ".mp4"
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("chunkwatch: failed to create %s: %w", cfg.Root, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("chunkwatch: failed to create watcher: %w", err)
	}
	w := &Watcher{
		cfg:       cfg,
		fsw:       fsw,
		protected: make(map[string]bool),
		kick:      make(chan struct{}, 1),
	}

	if err := fsw.Add(cfg.Root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("chunkwatch: failed to watch %s: %w", cfg.Root, err)
	}
	entries, err := os.ReadDir(cfg.Root)
	if err != nil {
		fsw.Close()
		return nil, fmt.Errorf("chunkwatch: failed to list %s: %w", cfg.Root, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			w.addDir(filepath.Join(cfg.Root, e.Name()))
		}
	}
	return w, nil
}

// Listener returns a recorder listener that protects open chunks and
// triggers enforcement when a chunk completes
func (w *Watcher) Listener() slotcapture.Listener {
	return func(e slotcapture.Event) {
		if e.Chunk == nil {
			return
		}
		switch e.Type {
		case slotcapture.EventChunkStarted:
			w.Protect(e.Chunk.Path)
		case slotcapture.EventChunkCompleted:
			w.Release(e.Chunk.Path)
			w.completed.Add(1)
			w.trigger()
		}
	}
}

// Protect excludes a path from deletion
func (w *Watcher) Protect(path string) {
	w.mu.Lock()
	w.protected[filepath.Clean(path)] = true
	w.mu.Unlock()
}

// Release makes a path eligible for deletion again
func (w *Watcher) Release(path string) {
	w.mu.Lock()
	delete(w.protected, filepath.Clean(path))
	w.mu.Unlock()
}

// Run handles file system events until ctx is cancelled, then closes the
// underlying watcher
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var settle *time.Timer
	var settleC <-chan time.Time
	schedule := func() {
		if settle == nil {
			settle = time.NewTimer(w.cfg.Settle)
			settleC = settle.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			if settle != nil {
				settle.Stop()
			}
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addDir(ev.Name)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 && strings.EqualFold(filepath.Ext(ev.Name), w.cfg.Extension) {
				schedule()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("chunkwatch: watcher error", "error", err)

		case <-w.kick:
			schedule()

		case <-settleC:
			settle, settleC = nil, nil
			if _, err := w.Enforce(); err != nil {
				slog.Warn("chunkwatch: retention failed", "root", w.cfg.Root, "error", err)
			}
		}
	}
}

// Enforce deletes the oldest unprotected chunk files until the tree fits in
// MaxBytes and returns the deleted paths
func (w *Watcher) Enforce() ([]string, error) {
	if w.cfg.MaxBytes <= 0 {
		return nil, nil
	}
	files, total, err := w.scan()
	if err != nil {
		return nil, err
	}
	if total <= w.cfg.MaxBytes {
		return nil, nil
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})

	var deleted []string
	for _, f := range files {
		if total <= w.cfg.MaxBytes {
			break
		}
		if w.isProtected(f.path) {
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("chunkwatch: failed to delete chunk", "path", f.path, "error", err)
			continue
		}
		total -= f.size
		deleted = append(deleted, f.path)
		w.removed.Add(1)
		w.bytesRemoved.Add(uint64(f.size))
		slog.Info("chunkwatch: deleted oldest chunk", "path", f.path, "size", f.size, "total", total)
	}
	return deleted, nil
}

// Stats returns the current tree size and retention counters
func (w *Watcher) Stats() Stats {
	files, total, _ := w.scan()
	return Stats{
		Files:        len(files),
		Bytes:        total,
		Removed:      w.removed.Load(),
		BytesRemoved: w.bytesRemoved.Load(),
		Completed:    w.completed.Load(),
	}
}

func (w *Watcher) scan() ([]chunkFile, int64, error) {
	var files []chunkFile
	var total int64
	err := filepath.WalkDir(w.cfg.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), w.cfg.Extension) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, chunkFile{path: filepath.Clean(path), size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
		return nil
	})
	return files, total, err
}

func (w *Watcher) isProtected(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.protected[path]
}

func (w *Watcher) addDir(path string) {
	if err := w.fsw.Add(path); err != nil {
		slog.Warn("chunkwatch: failed to watch directory", "path", path, "error", err)
		return
	}
	slog.Debug("chunkwatch: watching directory", "path", path)
}

func (w *Watcher) trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}
