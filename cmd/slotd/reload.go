package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/config"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/logging"
	"github.com/fsnotify/fsnotify"
)

const reloadSettle = 250 * time.Millisecond

// watchConfig sends every valid version of the file written at path. The
// parent directory is watched so editors that replace the file are seen.
func watchConfig(ctx context.Context, path string, out chan *config.Config) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Warn("config hot reload disabled", "error", err)
		return
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(path)); err != nil {
		slog.Warn("config hot reload disabled", "path", path, "error", err)
		return
	}
	target := filepath.Clean(path)

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == target && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle = time.After(reloadSettle)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		case <-settle:
			settle = nil
			next, err := config.Load(path)
			if err != nil {
				slog.Warn("ignoring invalid config update", "path", path, "error", err)
				continue
			}
			// Only the latest pending version matters
			select {
			case <-out:
			default:
			}
			out <- next
		}
	}
}

// applyConfig applies what can change without restarting: buffer sizing and
// the log level. Everything else is logged and needs a restart.
func applyConfig(cur, next *config.Config, slots slotcapture.Slots, logger *logging.Logger) {
	var changes []string

	if next.Buffer.FrameCount != cur.Buffer.FrameCount || next.Buffer.MinMaintenance != cur.Buffer.MinMaintenance {
		for _, s := range slots {
			if err := s.Reconfigure(next.Buffer.FrameCount, next.Buffer.MinMaintenance); err != nil {
				slog.Warn("buffer update rejected", "slot", s.ID(), "error", err)
				return
			}
		}
		changes = append(changes, fmt.Sprintf("buffer: %d/%d → %d/%d",
			cur.Buffer.FrameCount, cur.Buffer.MinMaintenance,
			next.Buffer.FrameCount, next.Buffer.MinMaintenance))
		cur.Buffer.FrameCount = next.Buffer.FrameCount
		cur.Buffer.MinMaintenance = next.Buffer.MinMaintenance
	}

	if next.Log.Level != cur.Log.Level {
		if lvl, err := logging.ParseLevel(next.Log.Level); err == nil {
			logger.SetLevel(lvl)
			changes = append(changes, fmt.Sprintf("log.level: %s → %s", cur.Log.Level, next.Log.Level))
			cur.Log.Level = next.Log.Level
		}
	}

	restart := restartOnly(cur, next)
	for _, field := range restart {
		slog.Warn("config change requires restart (not applied)", "field", field)
	}

	if len(changes) == 0 {
		if len(restart) == 0 {
			slog.Debug("config file touched without changes")
		}
		return
	}
	slog.Info("config update applied", "changes_count", len(changes))
	for _, change := range changes {
		slog.Info("config changed", "change", change)
	}
}

// restartOnly lists the sections that differ and are not hot-reloadable
func restartOnly(cur, next *config.Config) []string {
	var fields []string
	if !reflect.DeepEqual(cur.Slots, next.Slots) || cur.MaxSlots != next.MaxSlots {
		fields = append(fields, "slots")
	}
	if cur.Buffer.DisplayFPS != next.Buffer.DisplayFPS {
		fields = append(fields, "buffer.display_fps")
	}
	sections := []struct {
		name      string
		cur, next any
	}{
		{"recording", cur.Recording, next.Recording},
		{"catalog", cur.Catalog, next.Catalog},
		{"events", cur.Events, next.Events},
		{"server", cur.Server, next.Server},
		{"retention", cur.Retention, next.Retention},
		{"log.format", cur.Log.Format, next.Log.Format},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.cur, s.next) {
			fields = append(fields, s.name)
		}
	}
	return fields
}
