package sharedws

import (
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// PayloadKind discriminates the variants of an inbound socket payload.
type PayloadKind uint8

const (
	PayloadApplication PayloadKind = iota
	PayloadPing
	PayloadPong
	PayloadRaw
	PayloadUnparseable
)

const (
	pingMarker        = "ping"
	pongMarker        = "pong"
	rawMarker         = "raw"
	unparseableMarker = "unparseable"
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadPing:
		return pingMarker
	case PayloadPong:
		return pongMarker
	case PayloadRaw:
		return rawMarker
	case PayloadUnparseable:
		return unparseableMarker
	default:
		return "application"
	}
}

// Payload is the typed form of one inbound frame.
//
// Structured frames (JSON text starting with '{' or '[') keep their bytes in Data and their "type"
// field in Type; a type of "ping" or "pong" selects the liveness probe variants. Anything else is
// wrapped: plain text and binary frames become PayloadRaw, JSON-looking text that fails to parse
// becomes PayloadUnparseable with the parse error attached.
type Payload struct {
	Kind      PayloadKind
	Type      string
	Data      json.RawMessage
	Content   string
	Binary    bool
	Error     string
	Timestamp time.Time
}

type wrappedPayload struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	Encoding  string `json:"encoding,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// ParsePayload classifies a frame received at now. Control ping and pong frames map to the liveness
// variants like their application counterparts.
func ParsePayload(m Message, now time.Time) Payload {
	data := m.Data()

	switch {
	case m.Type().IsPing():
		return Payload{Kind: PayloadPing, Type: pingMarker, Data: json.RawMessage(`{"type":"ping"}`), Timestamp: now}
	case m.Type().IsPong():
		return Payload{Kind: PayloadPong, Type: pongMarker, Data: json.RawMessage(`{"type":"pong"}`), Timestamp: now}
	}

	if m.Type().IsBinary() {
		return Payload{
			Kind:      PayloadRaw,
			Type:      rawMarker,
			Content:   base64.StdEncoding.EncodeToString(data),
			Binary:    true,
			Timestamp: now,
		}
	}

	return parseText(data, now)
}

func parseText(data []byte, now time.Time) Payload {
	if !looksStructured(data) {
		return Payload{Kind: PayloadRaw, Type: rawMarker, Content: string(data), Timestamp: now}
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Payload{
			Kind:      PayloadUnparseable,
			Type:      unparseableMarker,
			Content:   string(data),
			Error:     err.Error(),
			Timestamp: now,
		}
	}

	p := Payload{Kind: PayloadApplication, Data: raw, Timestamp: now}
	if t := gjson.GetBytes(raw, "type"); t.Type == gjson.String {
		p.Type = t.Str
	}

	switch p.Type {
	case pingMarker:
		p.Kind = PayloadPing
	case pongMarker:
		p.Kind = PayloadPong
	}

	return p
}

func looksStructured(data []byte) bool {
	return len(data) > 0 && (data[0] == '{' || data[0] == '[')
}

// IsStructured reports whether the payload carries parsed JSON.
func (p Payload) IsStructured() bool {
	switch p.Kind {
	case PayloadApplication, PayloadPing, PayloadPong:
		return true
	default:
		return false
	}
}

// Decode unmarshals a structured payload into v.
func (p Payload) Decode(v any) error {
	if !p.IsStructured() {
		return errors.Errorf("cannot decode %s payload", p.Kind)
	}
	return json.Unmarshal(p.Data, v)
}

// MarshalJSON renders structured payloads verbatim and wrapped ones as a tagged envelope.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsStructured() {
		if len(p.Data) == 0 {
			return []byte("null"), nil
		}
		return p.Data, nil
	}

	w := wrappedPayload{
		Type:      p.Kind.String(),
		Content:   p.Content,
		Timestamp: p.Timestamp.UnixMilli(),
		Error:     p.Error,
	}
	if p.Binary {
		w.Encoding = "base64"
	}
	return json.Marshal(w)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (p *Payload) UnmarshalJSON(data []byte) error {
	t := gjson.GetBytes(data, "type")
	if t.Type == gjson.String && (t.Str == rawMarker || t.Str == unparseableMarker) {
		var w wrappedPayload
		if err := json.Unmarshal(data, &w); err != nil {
			return errors.Wrap(err, "cannot decode wrapped payload")
		}
		*p = Payload{
			Kind:      PayloadRaw,
			Type:      w.Type,
			Content:   w.Content,
			Binary:    w.Encoding == "base64",
			Error:     w.Error,
			Timestamp: time.UnixMilli(w.Timestamp),
		}
		if w.Type == unparseableMarker {
			p.Kind = PayloadUnparseable
		}
		return nil
	}

	if !json.Valid(data) {
		return errors.New("invalid structured payload")
	}

	if !looksStructured(data) {
		// bare JSON scalar
		*p = Payload{Kind: PayloadApplication, Data: append(json.RawMessage(nil), data...)}
		return nil
	}

	*p = parseText(data, time.Time{})
	return nil
}

// PingPayload returns the liveness probe frame sent over the socket.
func PingPayload(now time.Time) string {
	return `{"type":"ping","timestamp":` + strconv.FormatInt(now.UnixMilli(), 10) + `}`
}

// PongPayload returns the reply to a liveness probe.
func PongPayload(now time.Time) string {
	return `{"type":"pong","timestamp":` + strconv.FormatInt(now.UnixMilli(), 10) + `}`
}

// encodeOutbound renders data as the text frame sent over the socket. Strings and raw JSON go out
// verbatim, []byte goes out as a binary frame, everything else is JSON-encoded.
func encodeOutbound(data any) (Message, error) {
	switch v := data.(type) {
	case string:
		return NewDataMessage([]byte(v)), nil
	case json.RawMessage:
		return NewDataMessage(v), nil
	case []byte:
		return NewBinaryMessage(v), nil
	case Message:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "cannot encode outbound message")
		}
		return NewDataMessage(b), nil
	}
}

// isPingFrame reports whether an outbound frame is a liveness probe.
func isPingFrame(m Message) bool {
	if m.Type().IsPing() {
		return true
	}
	if !m.Type().IsData() {
		return false
	}
	return parseText(m.Data(), time.Time{}).Kind == PayloadPing
}
