package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/catalog"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/chunkwatch"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/config"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/emitter"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/logging"
	"github.com/JeonghwanH/multi-camera-monitoring/internal/server"
)

const defaultConfigPath = "config/slotd.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	writeDefault := flag.Bool("write-default", false, "Write the default configuration to -config and exit")
	flag.Parse()

	if *writeDefault {
		if err := config.Save(*configPath, config.Default()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Debug:  *debug,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(logger.Logger)

	slog.Info("starting slot capture daemon",
		"config", *configPath,
		"debug", *debug,
		"slots", len(cfg.Slots),
	)

	if err := run(cfg, *configPath, logger); err != nil {
		slog.Error("daemon stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("daemon stopped")
}

// loadConfig reads path, falling back to the defaults when it does not exist
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg = config.Default()
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return cfg, err
}

func run(cfg *config.Config, configPath string, logger *logging.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	devices := catalog.New(catalog.Config{
		MaxDevices:   cfg.Catalog.MaxDevices,
		PollInterval: cfg.Catalog.PollInterval(),
	})
	devices.OnAdded(func(d catalog.DeviceInfo) {
		slog.Info("device appeared", "index", d.Index, "name", d.Name, "backend", d.Backend)
	})
	devices.OnRemoved(func(index int) {
		slog.Info("device removed", "index", index)
	})
	if err := devices.Start(ctx, cfg.Catalog.PollInterval()); err != nil {
		return fmt.Errorf("failed to start device catalog: %w", err)
	}

	slots, err := buildSlots(cfg, devices)
	if err != nil {
		return err
	}

	var publisher *emitter.MQTTEmitter
	if cfg.Events.Broker != "" {
		publisher = emitter.NewMQTTEmitter(emitter.Config{
			Broker:      cfg.Events.Broker,
			ClientID:    cfg.Events.ClientID,
			TopicPrefix: cfg.Events.TopicPrefix,
			Encoding:    cfg.Events.Encoding,
			QoS:         cfg.Events.QoS,
			Frames:      cfg.Events.Frames,
		})
		if err := publisher.Connect(ctx); err != nil {
			// paho keeps retrying in the background
			slog.Warn("mqtt broker not reachable yet", "error", err)
		}
		go publisher.Run(ctx)
		slots.Subscribe(publisher.Listener())
	}

	var retention *chunkwatch.Watcher
	if cfg.Recording.Enabled && cfg.Retention.MaxBytes > 0 {
		retention, err = chunkwatch.New(chunkwatch.Config{
			Root:     cfg.Recording.OutputDir,
			MaxBytes: cfg.Retention.MaxBytes,
		})
		if err != nil {
			return err
		}
		for _, s := range slots {
			s.Recorder().Subscribe(retention.Listener())
		}
		go retention.Run(ctx)
	}

	var srv *server.Server
	if cfg.Server.Addr != "" {
		views := make([]server.SlotView, len(slots))
		for i, s := range slots {
			views[i] = s
		}
		srv = server.New(server.Config{
			Addr:         cfg.Server.Addr,
			PreviewWidth: cfg.Server.PreviewWidth,
			PreviewFPS:   cfg.Server.PreviewFPS,
		}, views)
		registerMetrics(srv, devices, publisher, retention)
		slots.Subscribe(srv.Hub().Listener())
		if err := srv.Start(); err != nil {
			return err
		}
	}

	if err := slots.StartAll(ctx); err != nil {
		// Unavailable slots stay at "No Signal"; the rest keep running
		slog.Warn("some slots did not start", "error", err)
	}

	reloads := make(chan *config.Config, 1)
	go watchConfig(ctx, configPath, reloads)

	for {
		select {
		case sig := <-sigChan:
			slog.Info("received shutdown signal", "signal", sig)
			return shutdown(cfg.ShutdownTimeout(), cancel, slots, devices, publisher, srv)
		case next := <-reloads:
			applyConfig(cfg, next, slots, logger)
		}
	}
}

func buildSlots(cfg *config.Config, devices *catalog.Catalog) (slotcapture.Slots, error) {
	slots := make(slotcapture.Slots, 0, len(cfg.Slots))
	for id, sc := range cfg.Slots {
		desc, err := slotcapture.ParseSource(sc.Type, sc.Source, id)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", id, err)
		}
		s, err := slotcapture.NewSlot(slotcapture.SlotConfig{
			ID:             id,
			Descriptor:     desc,
			BufferSize:     cfg.Buffer.FrameCount,
			MinMaintenance: cfg.Buffer.MinMaintenance,
			DisplayFPS:     cfg.Buffer.DisplayFPS,
			Recording:      cfg.Recording.Enabled,
			OutputDir:      cfg.Recording.OutputDir,
			ChunkSeconds:   cfg.Recording.ChunkDurationS,
			RecorderMode:   cfg.Recording.Mode,
			Recorder: slotcapture.RecorderConfig{
				FPS:          float64(cfg.Recording.FPS),
				Codec:        cfg.Recording.Codec,
				MinFreeBytes: cfg.Recording.MinFreeBytes(),
			},
			Catalog:         devices,
			MaxDevices:      devices.MaxDevices(),
			NetworkBackends: sc.NetworkBackends,
		})
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", id, err)
		}
		s.Subscribe(logEvent)
		slots = append(slots, s)
	}
	return slots, nil
}

// logEvent mirrors user-facing slot events into the log
func logEvent(e slotcapture.Event) {
	switch e.Type {
	case slotcapture.EventError:
		slog.Warn("slot error", "slot", e.SlotID, "message", e.Message, "category", e.Category)
	case slotcapture.EventBufferHealth:
		slog.Debug("slot buffer health", "slot", e.SlotID, "healthy", e.Healthy)
	}
}

func registerMetrics(srv *server.Server, devices *catalog.Catalog, publisher *emitter.MQTTEmitter, retention *chunkwatch.Watcher) {
	srv.RegisterGauge("devices_available", "Local capture devices currently detected.", func() float64 {
		return float64(len(devices.Devices()))
	})
	srv.RegisterCounter("device_probes_total", "Device open probes run by the catalog.", func() float64 {
		return float64(devices.Probes())
	})
	if publisher != nil {
		srv.RegisterGauge("mqtt_connected", "Whether the MQTT broker is connected.", func() float64 {
			if publisher.Stats().Connected {
				return 1
			}
			return 0
		})
		srv.RegisterCounter("mqtt_dropped_total", "Events dropped on a full publish queue.", func() float64 {
			return float64(publisher.Stats().Dropped)
		})
		srv.RegisterCounter("mqtt_errors_total", "Events that failed to encode or publish.", func() float64 {
			return float64(publisher.Stats().Errors)
		})
	}
	if retention != nil {
		srv.RegisterGauge("recordings_bytes", "Total size of chunk files on disk.", func() float64 {
			return float64(retention.Stats().Bytes)
		})
		srv.RegisterCounter("recordings_removed_total", "Chunk files deleted by retention.", func() float64 {
			return float64(retention.Stats().Removed)
		})
	}
}

func shutdown(timeout time.Duration, cancel context.CancelFunc, slots slotcapture.Slots,
	devices *catalog.Catalog, publisher *emitter.MQTTEmitter, srv *server.Server) error {

	ctx, done := context.WithTimeout(context.Background(), timeout)
	defer done()

	stopped := make(chan struct{})
	go func() {
		slots.StopAll()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		slog.Warn("slots did not stop within the shutdown timeout", "timeout", timeout)
	}

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	cancel()
	devices.Wait()
	if publisher != nil {
		<-publisher.Done()
		publisher.Disconnect()
	}
	return errors.Join(errs...)
}
