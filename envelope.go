package sharedws

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// EnvelopeType discriminates messages exchanged between the broker and its consumers.
type EnvelopeType string

const (
	// consumer -> broker
	EnvelopePong                EnvelopeType = "pong"
	EnvelopeRequestConsumerList EnvelopeType = "request_consumer_list"
	EnvelopeConnectSocket       EnvelopeType = "connect_socket"
	EnvelopeDisconnectSocket    EnvelopeType = "disconnect_socket"
	EnvelopeSendSocketMessage   EnvelopeType = "send_socket_message"

	// broker -> consumer
	EnvelopePing                   EnvelopeType = "ping"
	EnvelopeClientIDAssigned       EnvelopeType = "client_id_assigned"
	EnvelopeConsumerList           EnvelopeType = "consumer_list"
	EnvelopeConnectionStateChanged EnvelopeType = "connection_state_changed"
	EnvelopeConnectionMessage      EnvelopeType = "connection_message"
)

// Envelope is one message on a consumer port.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type (
	ConnectSocketData struct {
		URL       string   `json:"url"`
		Protocols []string `json:"protocols,omitempty"`
	}

	DisconnectSocketData struct {
		Code   int    `json:"code,omitempty"`
		Reason string `json:"reason,omitempty"`
	}

	// SendSocketMessageData carries the frame to write on the shared socket. A JSON string is sent
	// as its text; any other JSON value is sent as its encoding.
	SendSocketMessageData struct {
		Data json.RawMessage `json:"data"`
	}

	ClientIDAssignedData struct {
		ID string `json:"id"`
	}

	ConsumerListData struct {
		Consumers []ConsumerInfo `json:"consumers"`
	}

	ConnectionMessageData struct {
		Data Payload `json:"data"`
	}
)

// NewEnvelope encodes data as the body of an envelope of type t. A nil data yields an empty body.
func NewEnvelope(t EnvelopeType, data any) (Envelope, error) {
	e := Envelope{Type: t}
	if data == nil {
		return e, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return e, errors.Wrapf(err, "cannot encode %s envelope", t)
	}
	e.Data = b
	return e, nil
}

// Decode unmarshals the envelope body into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Errorf("%s envelope has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "cannot decode %s envelope", e.Type)
	}
	return nil
}

// frame returns the value to hand to SocketConnection.Send.
func (d SendSocketMessageData) frame() any {
	var text string
	if err := json.Unmarshal(d.Data, &text); err == nil {
		return text
	}
	return d.Data
}
