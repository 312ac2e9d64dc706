package sharedws

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// ConnectionMessage is the normalized form of a frame received on the shared socket, as handed to
// message handlers.
type ConnectionMessage struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Raw       Payload         `json:"-"`
}

// NormalizeMessage extracts type, topic, event, payload and timestamp from p. Structured payloads
// without a "payload" field carry the whole document; wrapped payloads carry their content as a
// JSON string. A missing timestamp defaults to now.
func NormalizeMessage(p Payload, now time.Time) ConnectionMessage {
	m := ConnectionMessage{Type: p.Type, Timestamp: p.Timestamp, Raw: p}

	if p.IsStructured() {
		doc := gjson.ParseBytes(p.Data)
		m.Topic = doc.Get("topic").String()
		m.Event = doc.Get("event").String()
		if inner := doc.Get("payload"); inner.Exists() {
			m.Payload = json.RawMessage(inner.Raw)
		} else {
			m.Payload = p.Data
		}
		if ts := doc.Get("timestamp"); ts.Type == gjson.Number {
			m.Timestamp = time.UnixMilli(ts.Int())
		}
		if m.Type == "" {
			m.Type = p.Kind.String()
		}
	} else {
		m.Type = p.Kind.String()
		content, _ := json.Marshal(p.Content)
		m.Payload = content
	}

	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	return m
}
