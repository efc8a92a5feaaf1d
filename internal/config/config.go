package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete capture daemon configuration
type Config struct {
	MaxSlots         int             `yaml:"max_slots"`          // Number of slots (default: 8)
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Slots            []SlotConfig    `yaml:"slots"`
	Buffer           BufferConfig    `yaml:"buffer"`
	Recording        RecordingConfig `yaml:"recording"`
	Catalog          CatalogConfig   `yaml:"catalog"`
	Log              LogConfig       `yaml:"log"`
	Events           EventsConfig    `yaml:"events"`
	Server           ServerConfig    `yaml:"server"`
	Retention        RetentionConfig `yaml:"retention"`
}

// SlotConfig describes the source of one slot. The slot id is its position
// in the list.
type SlotConfig struct {
	Type            string   `yaml:"type"`   // none, auto, wired, rtsp
	Source          string   `yaml:"source"` // device index for wired, URL for rtsp
	NetworkBackends []string `yaml:"network_backends,omitempty"`
}

// BufferConfig contains frame buffering settings
type BufferConfig struct {
	FrameCount     int `yaml:"frame_count"`     // Maximum frames in buffer
	MinMaintenance int `yaml:"min_maintenance"` // Healthy floor once playback started
	DisplayFPS     int `yaml:"display_fps"`     // Display consumer rate
}

// RecordingConfig contains chunked recording settings
type RecordingConfig struct {
	Enabled        bool   `yaml:"enabled"`
	ChunkDurationS int    `yaml:"chunk_duration_s"`
	OutputDir      string `yaml:"output_dir"`
	FPS            int    `yaml:"fps"`
	Codec          string `yaml:"codec"`
	Mode           string `yaml:"mode"`        // timer, dual
	MinFreeMB      uint64 `yaml:"min_free_mb"` // 0 disables the free space check
}

// CatalogConfig contains local device discovery settings
type CatalogConfig struct {
	MaxDevices     int `yaml:"max_devices"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EventsConfig contains the MQTT event publisher settings
type EventsConfig struct {
	Broker      string `yaml:"broker"` // empty disables publishing
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Encoding    string `yaml:"encoding"` // json, msgpack
	QoS         byte   `yaml:"qos"`
	// Frames also publishes frame_ready events (off by default, one per frame)
	Frames bool `yaml:"frames"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr         string `yaml:"addr"` // empty disables the server
	PreviewWidth int    `yaml:"preview_width"`
	PreviewFPS   int    `yaml:"preview_fps"`
}

// RetentionConfig bounds the size of the recording tree
type RetentionConfig struct {
	MaxBytes int64 `yaml:"max_bytes"` // 0 disables retention
}

// Default returns the built-in configuration: eight auto slots, a 30 frame
// buffer with a floor of 10, five minute chunks.
func Default() *Config {
	cfg := &Config{
		MaxSlots:         8,
		ShutdownTimeoutS: 5,
		Buffer: BufferConfig{
			FrameCount:     30,
			MinMaintenance: 10,
			DisplayFPS:     30,
		},
		Recording: RecordingConfig{
			Enabled:        true,
			ChunkDurationS: 300,
			OutputDir:      "recordings",
			FPS:            30,
			Codec:          "mp4v",
			Mode:           ModeDual,
		},
		Catalog: CatalogConfig{
			MaxDevices:     10,
			PollIntervalMS: 2000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			ClientID:    "slotd",
			TopicPrefix: "slotcapture",
			Encoding:    EncodingJSON,
		},
		Server: ServerConfig{
			Addr:         ":8080",
			PreviewWidth: 320,
			PreviewFPS:   5,
		},
	}
	cfg.Slots = defaultSlots(0, cfg.MaxSlots)
	return cfg
}

// defaultSlots returns auto slots for positions from..to-1
func defaultSlots(from, to int) []SlotConfig {
	var slots []SlotConfig
	for i := from; i < to; i++ {
		slots = append(slots, SlotConfig{Type: "auto"})
	}
	return slots
}

// Load reads and parses a YAML configuration file. Keys missing from the
// file keep their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML onto the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	cfg.Slots = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration as YAML
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// PollInterval returns the catalog poll interval as a duration
func (c CatalogConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget as a duration
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// MinFreeBytes returns the recording free space floor in bytes
func (c RecordingConfig) MinFreeBytes() uint64 {
	return c.MinFreeMB * 1024 * 1024
}
