// Package phx encodes and decodes Phoenix channel envelopes:
// {"topic":..,"event":..,"ref":"<decimal>","payload":{..}}
package phx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/juju/errors"
	tele_api "github.com/temoto/sensorlog/tele"
)

const MaxFrameSize = 64 << 10

const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventHeartbeat = "heartbeat"
	EventTime      = "time"
	EventStatus    = "status"

	TopicPhoenix = "phoenix"
)

var ErrPayload = fmt.Errorf("payload is not valid JSON")

type Message struct {
	Topic   string
	Event   string
	Ref     uint64
	HasRef  bool
	Payload json.RawMessage
}

func (m *Message) IsReply() bool { return m.Event == EventReply }

func (m Message) String() string {
	ref := "-"
	if m.HasRef {
		ref = strconv.FormatUint(m.Ref, 10)
	}
	return fmt.Sprintf("topic=%s event=%s ref=%s payload=%s", m.Topic, m.Event, ref, m.Payload)
}

// Encode returns frame no larger than MaxFrameSize.
// Ref is always written as quoted decimal string, server expects that.
func Encode(topic, event string, ref uint64, payload []byte) ([]byte, error) {
	return EncodeLimit(topic, event, ref, payload, MaxFrameSize)
}

func EncodeLimit(topic, event string, ref uint64, payload []byte, limit int) ([]byte, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("{}")
	} else if !json.Valid(payload) {
		return nil, errors.Annotatef(ErrPayload, "event=%s", event)
	}
	var buf bytes.Buffer
	buf.Grow(len(topic) + len(event) + len(payload) + 64)
	buf.WriteString(`{"topic":`)
	writeString(&buf, topic)
	buf.WriteString(`,"event":`)
	writeString(&buf, event)
	buf.WriteString(`,"ref":"`)
	buf.WriteString(strconv.FormatUint(ref, 10))
	buf.WriteString(`","payload":`)
	if err := json.Compact(&buf, payload); err != nil {
		return nil, errors.Annotatef(ErrPayload, "event=%s err=%v", event, err)
	}
	buf.WriteByte('}')
	if limit > 0 && buf.Len() > limit {
		return nil, errors.Annotatef(tele_api.ErrPayloadTooLarge, "event=%s size=%d limit=%d", event, buf.Len(), limit)
	}
	return buf.Bytes(), nil
}

func writeString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)           // string never fails
	buf.Truncate(buf.Len() - 1) // Encoder appends newline
}

type envelope struct {
	Topic   json.RawMessage `json:"topic"`
	Event   json.RawMessage `json:"event"`
	Ref     json.RawMessage `json:"ref"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses one frame. Invalid JSON or non-object frame is ErrMalformed.
// Non-string topic or event decode as empty.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, errors.Annotatef(tele_api.ErrMalformed, "err=%v", err)
	}
	m := Message{Topic: rawString(env.Topic), Event: rawString(env.Event), Payload: env.Payload}
	m.Ref, m.HasRef = parseRef(env.Ref)
	return m, nil
}

func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || raw[0] != '"' || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// parseRef accepts "12", 12 or null.
func parseRef(raw json.RawMessage) (uint64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	}
	ref, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return ref, true
}
