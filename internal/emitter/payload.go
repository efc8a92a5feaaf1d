package emitter

import (
	"encoding/json"
	"fmt"
	"time"

	slotcapture "github.com/JeonghwanH/multi-camera-monitoring"
	"github.com/vmihailenco/msgpack/v5"
)

// Payload is the wire form of one slot event. Pixel data never leaves the
// process; frame events carry metadata only.
type Payload struct {
	Event    string        `json:"event" msgpack:"event"`
	SlotID   int           `json:"slot_id" msgpack:"slot_id"`
	Time     time.Time     `json:"time" msgpack:"time"`
	State    string        `json:"state,omitempty" msgpack:"state,omitempty"`
	Message  string        `json:"message,omitempty" msgpack:"message,omitempty"`
	Category string        `json:"category,omitempty" msgpack:"category,omitempty"`
	Healthy  *bool         `json:"healthy,omitempty" msgpack:"healthy,omitempty"`
	Chunk    *ChunkPayload `json:"chunk,omitempty" msgpack:"chunk,omitempty"`
	Frame    *FramePayload `json:"frame,omitempty" msgpack:"frame,omitempty"`
}

// ChunkPayload describes a chunk file
type ChunkPayload struct {
	Number    int       `json:"number" msgpack:"number"`
	Path      string    `json:"path" msgpack:"path"`
	StartedAt time.Time `json:"started_at" msgpack:"started_at"`
	Width     int       `json:"width" msgpack:"width"`
	Height    int       `json:"height" msgpack:"height"`
	Codec     string    `json:"codec" msgpack:"codec"`
	SessionID string    `json:"session_id" msgpack:"session_id"`
}

// FramePayload describes a frame without its pixels
type FramePayload struct {
	Seq     uint64 `json:"seq" msgpack:"seq"`
	Width   int    `json:"width" msgpack:"width"`
	Height  int    `json:"height" msgpack:"height"`
	Format  string `json:"format" msgpack:"format"`
	TraceID string `json:"trace_id,omitempty" msgpack:"trace_id,omitempty"`
}

// NewPayload converts an event into its wire form
func NewPayload(e slotcapture.Event) Payload {
	p := Payload{
		Event:  e.Type.String(),
		SlotID: e.SlotID,
		Time:   e.Time.UTC(),
	}

	switch e.Type {
	case slotcapture.EventStateChanged:
		p.State = e.State.String()
	case slotcapture.EventError, slotcapture.EventConnectionLost:
		p.Message = e.Message
		p.Category = e.Category
	case slotcapture.EventBufferHealth:
		healthy := e.Healthy
		p.Healthy = &healthy
	case slotcapture.EventChunkStarted, slotcapture.EventChunkCompleted:
		if c := e.Chunk; c != nil {
			p.Chunk = &ChunkPayload{
				Number:    c.Number,
				Path:      c.Path,
				StartedAt: c.StartedAt.UTC(),
				Width:     c.Width,
				Height:    c.Height,
				Codec:     c.Codec,
				SessionID: c.SessionID,
			}
		}
	case slotcapture.EventFrame:
		if f := e.Frame; f != nil {
			p.Frame = &FramePayload{
				Seq:     f.Seq,
				Width:   f.Width,
				Height:  f.Height,
				Format:  f.Format.String(),
				TraceID: f.TraceID,
			}
		}
	}
	return p
}

// Encode marshals a payload as "json" or "msgpack"
func Encode(p Payload, encoding string) ([]byte, error) {
	switch encoding {
	case "", "json":
		return json.Marshal(p)
	case "msgpack":
		return msgpack.Marshal(p)
	default:
		return nil, fmt.Errorf("emitter: unknown encoding %q", encoding)
	}
}

// Decode is the inverse of Encode
func Decode(data []byte, encoding string) (Payload, error) {
	var p Payload
	var err error
	switch encoding {
	case "", "json":
		err = json.Unmarshal(data, &p)
	case "msgpack":
		err = msgpack.Unmarshal(data, &p)
	default:
		err = fmt.Errorf("emitter: unknown encoding %q", encoding)
	}
	return p, err
}

// Topic returns {prefix}/slot/{id}/{event}
func Topic(prefix string, slotID int, t slotcapture.EventType) string {
	return fmt.Sprintf("%s/slot/%d/%s", prefix, slotID, t)
}
