package slotcapture

import (
	"sync"
	"time"
)

// EventType identifies a status signal emitted by sources, buffers and recorders
type EventType int

const (
	// EventStateChanged reports a CaptureState transition
	EventStateChanged EventType = iota
	// EventConnected reports that the source opened successfully
	EventConnected
	// EventConnectionLost reports a hard read failure after a successful connect
	EventConnectionLost
	// EventError carries a human-readable failure message
	EventError
	// EventFrame carries a frame that was just delivered
	EventFrame
	// EventBufferHealth reports a buffer health transition
	EventBufferHealth
	// EventChunkStarted reports that a chunk writer was opened
	EventChunkStarted
	// EventChunkCompleted reports that a chunk writer was closed
	EventChunkCompleted
)

// String returns the wire name of the event type
func (t EventType) String() string {
	switch t {
	case EventStateChanged:
		return "state_changed"
	case EventConnected:
		return "connected"
	case EventConnectionLost:
		return "connection_lost"
	case EventError:
		return "error"
	case EventFrame:
		return "frame_ready"
	case EventBufferHealth:
		return "buffer_health"
	case EventChunkStarted:
		return "chunk_started"
	case EventChunkCompleted:
		return "chunk_completed"
	default:
		return "unknown"
	}
}

// Event is a single status signal. Only the fields relevant to Type are set.
type Event struct {
	Type   EventType
	SlotID int
	Time   time.Time

	// State is set for EventStateChanged
	State CaptureState
	// Message and Category are set for EventError
	Message  string
	Category string
	// Frame is set for EventFrame. Every listener sees the same frame, so it
	// is read-only; Clone it to keep or modify it.
	Frame *Frame
	// Healthy is set for EventBufferHealth
	Healthy bool
	// Chunk is set for EventChunkStarted and EventChunkCompleted
	Chunk *ChunkInfo
}

// Listener receives events synchronously on the emitting goroutine.
// Listeners must return quickly and must not call Start/Stop on the emitter.
type Listener func(Event)

// dispatcher fans events out to registered listeners in emission order
type dispatcher struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener
	order     []int
}

// Subscribe registers a listener and returns a function that removes it
func (d *dispatcher) Subscribe(l Listener) (unsubscribe func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listeners == nil {
		d.listeners = make(map[int]Listener)
	}
	id := d.nextID
	d.nextID++
	d.listeners[id] = l
	d.order = append(d.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			for i, v := range d.order {
				if v == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (d *dispatcher) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	targets := make([]Listener, 0, len(d.order))
	for _, id := range d.order {
		targets = append(targets, d.listeners[id])
	}
	d.mu.RUnlock()

	for _, l := range targets {
		l(e)
	}
}
