package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SlotView is the read side of a slot
type SlotView interface {
	ID() int
	Stats() slotcapture.SlotStats
	LatestFrame() (slotcapture.Frame, bool)
}

// Config contains HTTP server settings
type Config struct {
	Addr string
	// PreviewWidth scales preview JPEGs to this width (0 keeps the frame size)
	PreviewWidth int
	// PreviewFPS caps the MJPEG stream rate (default: 5)
	PreviewFPS int
}

// HealthStatus is the readiness document
type HealthStatus struct {
	Status          string `json:"status"` // healthy, degraded, unhealthy
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SlotsConfigured int    `json:"slots_configured"`
	SlotsConnected  int    `json:"slots_connected"`
	EventClients    int    `json:"event_clients"`
}

// Server exposes health, metrics, slot status, live previews and the event
// websocket of a running daemon
type Server struct {
	cfg     Config
	slots   []SlotView
	hub     *Hub
	started time.Time

	registry *prometheus.Registry

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// New creates a server over slots; call Start to listen
func New(cfg Config, slots []SlotView) *Server {
	if cfg.PreviewFPS <= 0 {
		cfg.PreviewFPS = 5
	}
	s := &Server{
		cfg:     cfg,
		slots:   slots,
		hub:     NewHub(),
		started: time.Now(),
	}
	s.registry = s.newRegistry()
	return s
}

// Hub returns the event websocket hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routing table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleLiveness)
	mux.HandleFunc("/readiness", s.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}))
	mux.HandleFunc("GET /slots", s.handleSlots)
	mux.HandleFunc("GET /slots/{id}", s.handleSlot)
	mux.HandleFunc("GET /slots/{id}/snapshot.jpg", s.handleSnapshot)
	mux.HandleFunc("GET /slots/{id}/preview.mjpg", s.handlePreview)
	mux.Handle("GET /events", s.hub)
	return mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	if s.cfg.Addr == "" {
		return errors.New("server: listen address is required")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("server: failed to listen on %s: %w", s.cfg.Addr, err)
	}

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.mu.Lock()
	s.srv, s.ln = srv, ln
	s.mu.Unlock()

	slog.Info("server: listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/metrics", "/slots", "/events"},
	)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once Start succeeded
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown disconnects event clients and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Health aggregates slot connectivity. Slots without a source do not count.
func (s *Server) Health() HealthStatus {
	h := HealthStatus{
		Status:        "healthy",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		EventClients:  s.hub.Clients(),
	}
	for _, v := range s.slots {
		st := v.Stats()
		if st.Source == slotcapture.SourceNone.String() {
			continue
		}
		h.SlotsConfigured++
		if st.Connected {
			h.SlotsConnected++
		}
	}
	switch {
	case h.SlotsConfigured > 0 && h.SlotsConnected == 0:
		h.Status = "unhealthy"
	case h.SlotsConnected < h.SlotsConfigured, h.SlotsConfigured == 0:
		h.Status = "degraded"
	}
	return h
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	h := s.Health()
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	out := make([]slotcapture.SlotStats, 0, len(s.slots))
	for _, v := range s.slots {
		out = append(out, v.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSlot(w http.ResponseWriter, r *http.Request) {
	v, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, v.Stats())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (SlotView, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err == nil {
		for _, v := range s.slots {
			if v.ID() == id {
				return v, true
			}
		}
	}
	http.Error(w, "unknown slot", http.StatusNotFound)
	return nil, false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: failed to write response", "error", err)
	}
}
