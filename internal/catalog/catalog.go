package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JeonghwanH/multi-camera-monitoring/internal/device"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrAlreadyRunning is returned by Start while a poll loop is active
var ErrAlreadyRunning = errors.New("catalog: already running")

// DeviceInfo describes one local capture device
type DeviceInfo struct {
	Index     int
	Name      string
	Available bool
	// Backend is the capture API that opened the device during the probe
	Backend string
}

// ProbeFunc reports whether the device at index can be opened
type ProbeFunc func(index int) (backend string, ok bool)

// Config contains catalog settings
type Config struct {
	// MaxDevices is the number of indices scanned by Detect (default: 10)
	MaxDevices int
	// PollInterval is the default Start interval (default: 2 seconds)
	PollInterval time.Duration
	// CacheTTL bounds how long a probe result answers Check (default: 5 seconds)
	CacheTTL time.Duration

	// Probe opens and releases a device (default: device.Probe with the
	// platform backend list)
	Probe ProbeFunc
	// Namer returns a display name for an index (default: sysfs name on Linux,
	// "Camera N" elsewhere)
	Namer func(index int) string
}

// DefaultConfig returns the catalog defaults
func DefaultConfig() Config {
	return Config{
		MaxDevices:   10,
		PollInterval: 2 * time.Second,
		CacheTTL:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxDevices <= 0 {
		c.MaxDevices = def.MaxDevices
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.Probe == nil {
		backends := device.BackendsFor(runtime.GOOS)
		c.Probe = func(index int) (string, bool) { return device.Probe(index, backends) }
	}
	if c.Namer == nil {
		c.Namer = deviceName
	}
	return c
}

// Catalog enumerates local capture devices and tracks them over time.
//
// Check answers from an expirable LRU of probe results so capture sources can
// validate an index on every connect attempt without reopening the device.
// Indices marked with Hold are reported available without probing, since a
// device that a slot has open may refuse a second open.
type Catalog struct {
	cfg   Config
	cache *expirable.LRU[int, DeviceInfo]

	mu        sync.RWMutex
	known     []DeviceInfo
	held      map[int]bool
	onAdded   func(DeviceInfo)
	onRemoved func(index int)
	onChanged func([]DeviceInfo)

	running atomic.Bool
	done    chan struct{}
	probes  atomic.Uint64
}

// New creates a catalog. Detection does not run until Detect or Start.
func New(cfg Config) *Catalog {
	cfg = cfg.withDefaults()
	return &Catalog{
		cfg:   cfg,
		cache: expirable.NewLRU[int, DeviceInfo](cfg.MaxDevices, nil, cfg.CacheTTL),
		held:  make(map[int]bool),
	}
}

// OnAdded registers the callback for devices that appeared since the last poll
func (c *Catalog) OnAdded(fn func(DeviceInfo)) {
	c.mu.Lock()
	c.onAdded = fn
	c.mu.Unlock()
}

// OnRemoved registers the callback for devices that disappeared
func (c *Catalog) OnRemoved(fn func(index int)) {
	c.mu.Lock()
	c.onRemoved = fn
	c.mu.Unlock()
}

// OnChanged registers the callback that receives the full list whenever it changes
func (c *Catalog) OnChanged(fn func([]DeviceInfo)) {
	c.mu.Lock()
	c.onChanged = fn
	c.mu.Unlock()
}

// MaxDevices returns the number of scanned indices
func (c *Catalog) MaxDevices() int {
	return c.cfg.MaxDevices
}

// Hold marks an index as open by this process (or releases it)
func (c *Catalog) Hold(index int, held bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if held {
		c.held[index] = true
	} else {
		delete(c.held, index)
		c.cache.Remove(index)
	}
}

// Detect probes every index below MaxDevices and returns the available
// devices sorted by index. Results refresh the Check cache.
func (c *Catalog) Detect() []DeviceInfo {
	var devices []DeviceInfo
	for i := 0; i < c.cfg.MaxDevices; i++ {
		info := c.probe(i)
		if info.Available {
			devices = append(devices, info)
		}
	}
	sort.Slice(devices, func(a, b int) bool { return devices[a].Index < devices[b].Index })
	return devices
}

// Check reports whether index is in range and can be opened
func (c *Catalog) Check(index int) bool {
	if index < 0 || index >= c.cfg.MaxDevices {
		return false
	}
	if info, ok := c.cache.Get(index); ok {
		return info.Available
	}
	return c.probe(index).Available
}

// IsAvailable reports whether index was present at the last detection
func (c *Catalog) IsAvailable(index int) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.known {
		if d.Index == index {
			return d.Available
		}
	}
	return false
}

// Name returns the display name recorded at the last detection ("" if unknown)
func (c *Catalog) Name(index int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, d := range c.known {
		if d.Index == index {
			return d.Name
		}
	}
	return ""
}

// Devices returns a copy of the last detected list
func (c *Catalog) Devices() []DeviceInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]DeviceInfo(nil), c.known...)
}

// Probes returns how many times a device was actually opened for probing
func (c *Catalog) Probes() uint64 {
	return c.probes.Load()
}

// Start runs an initial detection, reports it through OnChanged and polls at
// interval (Config.PollInterval when zero) until ctx is cancelled.
func (c *Catalog) Start(ctx context.Context, interval time.Duration) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}

	initial := c.Detect()
	c.mu.Lock()
	c.known = initial
	changed := c.onChanged
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()
	if changed != nil {
		changed(append([]DeviceInfo(nil), initial...))
	}

	slog.Info("catalog: started monitoring",
		"interval", interval,
		"max_devices", c.cfg.MaxDevices,
		"found", len(initial),
	)

	go func() {
		defer close(done)
		defer c.running.Store(false)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Debug("catalog: monitoring stopped")
				return
			case <-ticker.C:
				c.Poll()
			}
		}
	}()
	return nil
}

// Wait blocks until the poll loop started by Start has exited
func (c *Catalog) Wait() {
	c.mu.RLock()
	done := c.done
	c.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Poll runs one detection and reports the difference to the previous one.
// A device counts as the same when both index and name match.
func (c *Catalog) Poll() {
	current := c.Detect()

	c.mu.Lock()
	previous := c.known
	c.known = current
	added, removed, changed := c.onAdded, c.onRemoved, c.onChanged
	c.mu.Unlock()

	appeared, gone := diff(previous, current)
	for _, d := range appeared {
		slog.Info("catalog: device added", "index", d.Index, "name", d.Name)
		if added != nil {
			added(d)
		}
	}
	for _, d := range gone {
		slog.Info("catalog: device removed", "index", d.Index, "name", d.Name)
		if removed != nil {
			removed(d.Index)
		}
	}
	if (len(appeared) > 0 || len(gone) > 0) && changed != nil {
		changed(append([]DeviceInfo(nil), current...))
	}
}

func (c *Catalog) probe(index int) DeviceInfo {
	c.mu.RLock()
	held := c.held[index]
	c.mu.RUnlock()

	info := DeviceInfo{Index: index, Name: c.cfg.Namer(index)}
	if held {
		info.Available = true
		info.Backend = "held"
	} else {
		c.probes.Add(1)
		info.Backend, info.Available = c.cfg.Probe(index)
	}
	c.cache.Add(index, info)
	return info
}

func diff(previous, current []DeviceInfo) (appeared, gone []DeviceInfo) {
	type key struct {
		index int
		name  string
	}
	prev := make(map[key]bool, len(previous))
	for _, d := range previous {
		prev[key{d.Index, d.Name}] = true
	}
	cur := make(map[key]bool, len(current))
	for _, d := range current {
		k := key{d.Index, d.Name}
		cur[k] = true
		if !prev[k] {
			appeared = append(appeared, d)
		}
	}
	for _, d := range previous {
		if !cur[key{d.Index, d.Name}] {
			gone = append(gone, d)
		}
	}
	return appeared, gone
}

// deviceName reads the V4L2 card name on Linux and falls back to "Camera N"
func deviceName(index int) string {
	if runtime.GOOS == "linux" {
		b, err := os.ReadFile(filepath.Join("/sys/class/video4linux", fmt.Sprintf("video%d", index), "name"))
		if err == nil {
			if name := strings.TrimSpace(string(b)); name != "" {
				return name
			}
		}
	}
	return fmt.Sprintf("Camera %d", index)
}
