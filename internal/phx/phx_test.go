package phx

import (
	"strings"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele_api "github.com/temoto/sensorlog/tele"
)

func TestEncode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		topic   string
		event   string
		ref     uint64
		payload string
		expect  string
	}{
		{"join", "devices:u1", "phx_join", 1, `{"token":"k"}`,
			`{"topic":"devices:u1","event":"phx_join","ref":"1","payload":{"token":"k"}}`},
		{"empty-payload", "phoenix", "heartbeat", 42, "",
			`{"topic":"phoenix","event":"heartbeat","ref":"42","payload":{}}`},
		{"compact", "devices:u1", "status", 7, "{ \"a\" : [1, 2] }\n",
			`{"topic":"devices:u1","event":"status","ref":"7","payload":{"a":[1,2]}}`},
		{"no-html-escape", "a<b>&c", "10", 3, `{"value":"1.500000"}`,
			`{"topic":"a<b>&c","event":"10","ref":"3","payload":{"value":"1.500000"}}`},
		{"quote", `q"t`, "e", 18446744073709551615, `{}`,
			`{"topic":"q\"t","event":"e","ref":"18446744073709551615","payload":{}}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			b, err := Encode(c.topic, c.event, c.ref, []byte(c.payload))
			require.NoError(t, err)
			assert.Equal(t, c.expect, string(b))
		})
	}
}

func TestEncodeError(t *testing.T) {
	t.Parallel()

	_, err := Encode("t", "e", 1, []byte(`{"broken"`))
	require.Error(t, err)
	assert.Equal(t, ErrPayload, errors.Cause(err))

	big := `{"x":"` + strings.Repeat("a", MaxFrameSize) + `"}`
	_, err = Encode("t", "e", 1, []byte(big))
	require.Error(t, err)
	assert.Equal(t, tele_api.ErrPayloadTooLarge, errors.Cause(err))

	_, err = EncodeLimit("t", "e", 1, []byte(`{"x":1}`), 16)
	assert.Equal(t, tele_api.ErrPayloadTooLarge, errors.Cause(err))
	_, err = EncodeLimit("t", "e", 1, []byte(`{"x":1}`), 0)
	assert.NoError(t, err)
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		topic   string
		event   string
		ref     uint64
		payload string
	}{
		{"devices:u1", "phx_join", 1, `{"sensors":[{"name":"t","unit":"C","type":"temp"}],"token":"x"}`},
		{"phoenix", "heartbeat", 2, `{}`},
		{"devices:u1", "new_value_sensor:10", 99, `{"value":"21.500000"}`},
		{"", "", 0, `[1,"two",null]`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.event, func(t *testing.T) {
			b, err := Encode(c.topic, c.event, c.ref, []byte(c.payload))
			require.NoError(t, err)
			m, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, c.topic, m.Topic)
			assert.Equal(t, c.event, m.Event)
			assert.True(t, m.HasRef)
			assert.Equal(t, c.ref, m.Ref)
			assert.Equal(t, c.payload, string(m.Payload))
		})
	}
}

func TestDecode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		input     string
		expect    Message
		expectErr error
	}{
		{"string-ref", `{"topic":"devices:u1","event":"phx_reply","ref":"5","payload":{"status":"ok"}}`,
			Message{Topic: "devices:u1", Event: "phx_reply", Ref: 5, HasRef: true, Payload: []byte(`{"status":"ok"}`)}, nil},
		{"number-ref", `{"topic":"t","event":"e","ref":17,"payload":{}}`,
			Message{Topic: "t", Event: "e", Ref: 17, HasRef: true, Payload: []byte(`{}`)}, nil},
		{"null-ref", `{"topic":"t","event":"e","ref":null,"payload":{}}`,
			Message{Topic: "t", Event: "e", Payload: []byte(`{}`)}, nil},
		{"missing", `{"payload":{}}`,
			Message{Payload: []byte(`{}`)}, nil},
		{"garbage-ref", `{"topic":"t","event":"e","ref":"abc"}`,
			Message{Topic: "t", Event: "e"}, nil},
		{"negative-ref", `{"topic":"t","event":"e","ref":-1}`,
			Message{Topic: "t", Event: "e"}, nil},
		{"not-json", `not json`, Message{}, tele_api.ErrMalformed},
		{"truncated", `{"topic":"t","event":`, Message{}, tele_api.ErrMalformed},
		{"empty", ``, Message{}, tele_api.ErrMalformed},
		{"wrong-type", `{"topic":5,"event":{"x":1},"ref":"3"}`, Message{Ref: 3, HasRef: true}, nil},
		{"not-object", `[1,2]`, Message{}, tele_api.ErrMalformed},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			m, err := Decode([]byte(c.input))
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expect.Topic, m.Topic)
			assert.Equal(t, c.expect.Event, m.Event)
			assert.Equal(t, c.expect.Ref, m.Ref)
			assert.Equal(t, c.expect.HasRef, m.HasRef)
			assert.Equal(t, string(c.expect.Payload), string(m.Payload))
		})
	}
}

func TestMessageString(t *testing.T) {
	t.Parallel()

	m := Message{Topic: "t", Event: EventReply, Ref: 3, HasRef: true, Payload: []byte(`{}`)}
	assert.True(t, m.IsReply())
	assert.Equal(t, "topic=t event=phx_reply ref=3 payload={}", m.String())
	m.HasRef = false
	m.Event = "x"
	assert.False(t, m.IsReply())
	assert.Equal(t, "topic=t event=x ref=- payload={}", m.String())
}
