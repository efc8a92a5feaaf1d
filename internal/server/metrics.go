package server

import (
	"log/slog"
	"strconv"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const metricNamespace = "slotcapture"

type slotSeries struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	value     func(st slotcapture.SlotStats) float64
}

func newSlotSeries(name, help string, vt prometheus.ValueType, value func(st slotcapture.SlotStats) float64) slotSeries {
	return slotSeries{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(metricNamespace, "slot", name), help, []string{"slot"}, nil),
		valueType: vt,
		value:     value,
	}
}

var (
	perSlot = []slotSeries{
		newSlotSeries("connected", "Whether the slot source is connected.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return boolValue(st.Connected) }),
		newSlotSeries("frames_total", "Frames delivered by the slot source.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Capture.FrameCount) }),
		newSlotSeries("bytes_total", "Payload bytes delivered by the slot source.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Capture.BytesRead) }),
		newSlotSeries("reconnects_total", "Connection losses after a successful connect.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Capture.Reconnects) }),
		newSlotSeries("buffer_frames", "Frames waiting in the slot buffer.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.BufferSize) }),
		newSlotSeries("buffer_healthy", "Whether the slot buffer is healthy.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return boolValue(st.BufferHealthy) }),
		newSlotSeries("capture_fps", "Measured capture rate.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return st.CaptureFPS }),
		newSlotSeries("display_fps", "Measured display rate.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return st.DisplayFPS }),
		newSlotSeries("recording", "Whether a recording session is active.", prometheus.GaugeValue,
			func(st slotcapture.SlotStats) float64 { return boolValue(st.Recorder.Recording) }),
		newSlotSeries("chunks_written_total", "Chunk files completed.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Recorder.ChunksWritten) }),
		newSlotSeries("frames_written_total", "Frames written to chunk files.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Recorder.FramesWritten) }),
		newSlotSeries("write_errors_total", "Chunk open and write failures.", prometheus.CounterValue,
			func(st slotcapture.SlotStats) float64 { return float64(st.Recorder.WriteErrors) }),
	}

	slotErrorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricNamespace, "slot", "errors_total"),
		"Capture errors by category.",
		[]string{"slot", "category"}, nil,
	)
)

// slotCollector reads every slot's stats once per scrape
type slotCollector struct {
	slots []SlotView
}

func (c slotCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, series := range perSlot {
		ch <- series.desc
	}
	ch <- slotErrorsDesc
}

func (c slotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, v := range c.slots {
		st := v.Stats()
		slot := strconv.Itoa(st.ID)
		for _, series := range perSlot {
			ch <- prometheus.MustNewConstMetric(series.desc, series.valueType, series.value(st), slot)
		}
		for _, e := range []struct {
			category string
			n        uint64
		}{
			{"network", st.Capture.ErrorsNetwork},
			{"codec", st.Capture.ErrorsCodec},
			{"auth", st.Capture.ErrorsAuth},
			{"device", st.Capture.ErrorsDevice},
			{"unknown", st.Capture.ErrorsUnknown},
		} {
			ch <- prometheus.MustNewConstMetric(slotErrorsDesc, prometheus.CounterValue, float64(e.n), slot, e.category)
		}
	}
}

// newRegistry builds the registry served at /metrics
func (s *Server) newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		slotCollector{slots: s.slots},
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the server was created.",
		}, func() float64 { return time.Since(s.started).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "event_clients",
			Help:      "Connected event websocket clients.",
		}, func() float64 { return float64(s.hub.Clients()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "event_client_drops_total",
			Help:      "Events skipped on full client buffers.",
		}, func() float64 { return float64(s.hub.Dropped()) }),
	)
	return reg
}

// RegisterGauge adds a process-level series to /metrics
func (s *Server) RegisterGauge(name, help string, value func() float64) {
	s.register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricNamespace,
		Name:      name,
		Help:      help,
	}, value))
}

// RegisterCounter adds a monotonically increasing series to /metrics
func (s *Server) RegisterCounter(name, help string, value func() float64) {
	s.register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: metricNamespace,
		Name:      name,
		Help:      help,
	}, value))
}

func (s *Server) register(c prometheus.Collector) {
	if err := s.registry.Register(c); err != nil {
		slog.Warn("server: metric not registered", "error", err)
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
