package config

import (
	"fmt"
	"strings"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
)

// Recorder modes
const (
	ModeTimer = "timer"
	ModeDual  = "dual"
)

// Event payload encodings
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// Validate checks if the configuration is valid and fills defaults in place
func Validate(cfg *Config) error {
	if cfg.MaxSlots <= 0 {
		cfg.MaxSlots = 8
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Slots: pad with auto slots, the slot index is the device index
	if len(cfg.Slots) > cfg.MaxSlots {
		return fmt.Errorf("%d slots configured, max_slots is %d", len(cfg.Slots), cfg.MaxSlots)
	}
	cfg.Slots = append(cfg.Slots, defaultSlots(len(cfg.Slots), cfg.MaxSlots)...)
	for i := range cfg.Slots {
		if err := validateSlot(i, &cfg.Slots[i]); err != nil {
			return err
		}
	}

	if err := validateBuffer(&cfg.Buffer); err != nil {
		return err
	}
	if err := validateRecording(&cfg.Recording); err != nil {
		return err
	}

	if cfg.Catalog.MaxDevices <= 0 {
		cfg.Catalog.MaxDevices = 10
	}
	if cfg.Catalog.PollIntervalMS <= 0 {
		cfg.Catalog.PollIntervalMS = 2000
	}

	switch strings.ToLower(cfg.Log.Level) {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "warning", "error":
		cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
		cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	if err := validateEvents(&cfg.Events); err != nil {
		return err
	}

	if cfg.Server.PreviewWidth <= 0 {
		cfg.Server.PreviewWidth = 320
	}
	if cfg.Server.PreviewFPS <= 0 {
		cfg.Server.PreviewFPS = 5
	}

	if cfg.Retention.MaxBytes < 0 {
		return fmt.Errorf("retention.max_bytes must be >= 0")
	}

	return nil
}

func validateSlot(i int, s *SlotConfig) error {
	if s.Type == "" {
		s.Type = "auto"
	}
	if _, err := slotcapture.ParseSource(s.Type, s.Source, i); err != nil {
		return fmt.Errorf("slot %d: %w", i, err)
	}
	for _, b := range s.NetworkBackends {
		switch b {
		case slotcapture.BackendFFmpeg, slotcapture.BackendGStreamer:
		default:
			return fmt.Errorf("slot %d: unknown network backend %q", i, b)
		}
	}
	return nil
}

func validateBuffer(b *BufferConfig) error {
	if b.FrameCount <= 0 {
		b.FrameCount = 30
	}
	if b.MinMaintenance < 0 {
		return fmt.Errorf("buffer.min_maintenance must be >= 0")
	}
	if b.MinMaintenance > b.FrameCount {
		return fmt.Errorf("buffer.min_maintenance (%d) must not exceed buffer.frame_count (%d)",
			b.MinMaintenance, b.FrameCount)
	}
	if b.DisplayFPS <= 0 {
		b.DisplayFPS = 30
	}
	if b.DisplayFPS > 120 {
		return fmt.Errorf("buffer.display_fps must be <= 120, got %d", b.DisplayFPS)
	}
	return nil
}

func validateRecording(r *RecordingConfig) error {
	if r.ChunkDurationS <= 0 {
		r.ChunkDurationS = 300
	}
	if r.OutputDir == "" {
		r.OutputDir = "recordings"
	}
	if r.FPS <= 0 {
		r.FPS = 30
	}
	if r.Codec == "" {
		r.Codec = "mp4v"
	}
	switch r.Mode {
	case "":
		r.Mode = ModeDual
	case ModeTimer, ModeDual:
	default:
		return fmt.Errorf("recording.mode must be %q or %q, got %q", ModeTimer, ModeDual, r.Mode)
	}
	return nil
}

func validateEvents(e *EventsConfig) error {
	if e.ClientID == "" {
		e.ClientID = "slotd"
	}
	if e.TopicPrefix == "" {
		e.TopicPrefix = "slotcapture"
	}
	e.TopicPrefix = strings.TrimSuffix(e.TopicPrefix, "/")
	switch e.Encoding {
	case "":
		e.Encoding = EncodingJSON
	case EncodingJSON, EncodingMsgpack:
	default:
		return fmt.Errorf("events.encoding must be %q or %q, got %q", EncodingJSON, EncodingMsgpack, e.Encoding)
	}
	if e.QoS > 2 {
		return fmt.Errorf("events.qos must be 0, 1 or 2, got %d", e.QoS)
	}
	return nil
}
