package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// ErrNotConnected is returned by publish while the broker is unreachable
var ErrNotConnected = errors.New("emitter: mqtt not connected")

// Config contains MQTT publisher settings
type Config struct {
	Broker      string // host:port or a full URL (tcp://, ssl://, ws://)
	ClientID    string
	TopicPrefix string
	Encoding    string // json, msgpack
	QoS         byte
	// Frames also publishes frame_ready events
	Frames bool
	// QueueSize bounds the events waiting for the broker (default: 256)
	QueueSize int
}

type message struct {
	topic   string
	payload []byte
}

// MQTTEmitter publishes slot events to an MQTT broker.
//
// Listeners run on capture and recorder goroutines, so they only encode and
// enqueue; a single publisher goroutine talks to the broker. When the queue
// is full the event is dropped and counted.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	queue  chan message

	// publish is replaced in tests
	publish func(topic string, qos byte, payload []byte) error

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool

	dropped atomic.Uint64
	done    chan struct{}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
	Dropped   uint64
}

// NewMQTTEmitter creates a publisher; call Connect then Run
func NewMQTTEmitter(cfg Config) *MQTTEmitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "slotcapture"
	}
	e := &MQTTEmitter{
		cfg:       cfg,
		queue:     make(chan message, cfg.QueueSize),
		published: make(map[string]uint64),
		done:      make(chan struct{}),
	}
	e.publish = e.publishMQTT
	return e
}

// Connect establishes the broker connection with automatic reconnection
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		slog.Info("emitter: mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	e.client = mqtt.NewClient(opts)
	slog.Info("emitter: connecting to mqtt broker", "broker", broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Listener returns a listener that forwards the events of one producer.
// It never blocks.
func (e *MQTTEmitter) Listener() slotcapture.Listener {
	return func(ev slotcapture.Event) {
		if ev.Type == slotcapture.EventFrame && !e.cfg.Frames {
			return
		}
		payload, err := Encode(NewPayload(ev), e.cfg.Encoding)
		if err != nil {
			e.countError()
			return
		}
		e.enqueue(message{topic: Topic(e.cfg.TopicPrefix, ev.SlotID, ev.Type), payload: payload})
	}
}

func (e *MQTTEmitter) enqueue(m message) {
	select {
	case e.queue <- m:
	default:
		if n := e.dropped.Add(1); n%100 == 1 {
			slog.Warn("emitter: queue full, dropping events", "topic", m.topic, "dropped_total", n)
		}
	}
}

// Run publishes queued events until ctx is cancelled
func (e *MQTTEmitter) Run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-e.queue:
			if err := e.publish(m.topic, e.cfg.QoS, m.payload); err != nil {
				e.countError()
				slog.Debug("emitter: publish failed", "topic", m.topic, "error", err)
				continue
			}
			e.mu.Lock()
			e.published[m.topic]++
			e.mu.Unlock()
		}
	}
}

func (e *MQTTEmitter) publishMQTT(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		return ErrNotConnected
	}
	token := e.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("emitter: publish timeout")
	}
	return token.Error()
}

// Disconnect closes the broker connection with a 250ms grace period
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		slog.Info("emitter: mqtt disconnected")
	}
	e.setConnected(false)
}

// Done is closed when Run returns
func (e *MQTTEmitter) Done() <-chan struct{} {
	return e.done
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
		Dropped:   e.dropped.Load(),
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
