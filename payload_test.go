package sharedws

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	tests := []struct {
		name     string
		msg      Message
		kind     PayloadKind
		typ      string
		content  string
		hasError bool
	}{
		{name: "application object", msg: NewDataMessage([]byte(`{"type":"update","v":1}`)), kind: PayloadApplication, typ: "update"},
		{name: "application array", msg: NewDataMessage([]byte(`[1,2,3]`)), kind: PayloadApplication},
		{name: "object without type", msg: NewDataMessage([]byte(`{"v":1}`)), kind: PayloadApplication},
		{name: "non string type", msg: NewDataMessage([]byte(`{"type":3}`)), kind: PayloadApplication},
		{name: "ping", msg: NewDataMessage([]byte(`{"type":"ping","timestamp":1}`)), kind: PayloadPing, typ: "ping"},
		{name: "pong", msg: NewDataMessage([]byte(`{"type":"pong"}`)), kind: PayloadPong, typ: "pong"},
		{name: "plain text", msg: NewDataMessage([]byte("hello")), kind: PayloadRaw, typ: "raw", content: "hello"},
		{name: "bare number", msg: NewDataMessage([]byte("42")), kind: PayloadRaw, typ: "raw", content: "42"},
		{name: "empty", msg: NewDataMessage(nil), kind: PayloadRaw, typ: "raw"},
		{name: "broken json", msg: NewDataMessage([]byte(`{"type":`)), kind: PayloadUnparseable, typ: "unparseable", content: `{"type":`, hasError: true},
		{name: "binary", msg: NewBinaryMessage([]byte{0xff, 0x00}), kind: PayloadRaw, typ: "raw", content: "/wA="},
		{name: "control ping", msg: NewPingMessage(nil), kind: PayloadPing, typ: "ping"},
		{name: "control pong", msg: NewPongMessage([]byte("x")), kind: PayloadPong, typ: "pong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParsePayload(tt.msg, epoch)

			assert.Equal(t, tt.kind, p.Kind)
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.content, p.Content)
			assert.Equal(t, tt.hasError, p.Error != "")
			assert.Equal(t, epoch, p.Timestamp)
			assert.Equal(t, tt.kind == PayloadApplication || tt.kind == PayloadPing || tt.kind == PayloadPong,
				p.IsStructured())
		})
	}
}

func TestPayload_Decode(t *testing.T) {
	p := ParsePayload(NewDataMessage([]byte(`{"type":"update","price":10.5}`)), epoch)

	var v struct {
		Price float64 `json:"price"`
	}
	require.NoError(t, p.Decode(&v))
	assert.Equal(t, 10.5, v.Price)

	raw := ParsePayload(NewDataMessage([]byte("hello")), epoch)
	assert.Error(t, raw.Decode(&v))
}

func TestPayload_MarshalJSON(t *testing.T) {
	structured := ParsePayload(NewDataMessage([]byte(`{"type":"update","v":1}`)), epoch)
	b, err := json.Marshal(structured)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","v":1}`, string(b))

	raw := ParsePayload(NewDataMessage([]byte("hello")), epoch)
	b, err = json.Marshal(raw)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"raw","content":"hello","timestamp":`+ms(epoch)+`}`, string(b))

	bin := ParsePayload(NewBinaryMessage([]byte("hi")), epoch)
	b, err = json.Marshal(bin)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"raw","content":"aGk=","encoding":"base64","timestamp":`+ms(epoch)+`}`, string(b))

	broken := ParsePayload(NewDataMessage([]byte(`{"a":`)), epoch)
	b, err = json.Marshal(broken)
	require.NoError(t, err)
	assert.Equal(t, "unparseable", gjsonString(b, "type"))
	assert.NotEmpty(t, gjsonString(b, "error"))
}

func TestPayload_UnmarshalJSONRestoresKind(t *testing.T) {
	inputs := []Message{
		NewDataMessage([]byte(`{"type":"pong"}`)),
		NewDataMessage([]byte(`{"type":"update","v":[1,2]}`)),
		NewDataMessage([]byte("hello")),
		NewDataMessage([]byte(`{"a":`)),
		NewBinaryMessage([]byte("hi")),
	}

	for _, m := range inputs {
		in := ParsePayload(m, epoch)
		b, err := json.Marshal(in)
		require.NoError(t, err)

		var out Payload
		require.NoError(t, json.Unmarshal(b, &out))

		assert.Equal(t, in.Kind, out.Kind, string(m.Data()))
		assert.Equal(t, in.Type, out.Type, string(m.Data()))
		assert.Equal(t, in.Content, out.Content, string(m.Data()))
		assert.Equal(t, in.Binary, out.Binary, string(m.Data()))
		if in.IsStructured() {
			assert.JSONEq(t, string(in.Data), string(out.Data))
		} else {
			assert.True(t, in.Timestamp.Equal(out.Timestamp))
		}
	}
}

func TestPayload_UnmarshalJSONScalar(t *testing.T) {
	var p Payload
	require.NoError(t, json.Unmarshal([]byte(`"text"`), &p))

	assert.Equal(t, PayloadApplication, p.Kind)
	assert.Equal(t, `"text"`, string(p.Data))
}

func TestPingPongPayloads(t *testing.T) {
	ping := ParsePayload(NewDataMessage([]byte(PingPayload(epoch))), epoch)
	pong := ParsePayload(NewDataMessage([]byte(PongPayload(epoch))), epoch)

	assert.Equal(t, PayloadPing, ping.Kind)
	assert.Equal(t, PayloadPong, pong.Kind)
	assert.Equal(t, ms(epoch), gjsonRaw(ping.Data, "timestamp"))
	assert.True(t, isPingFrame(NewDataMessage([]byte(PingPayload(epoch)))))
	assert.False(t, isPingFrame(NewBinaryMessage([]byte(PingPayload(epoch)))))
}
