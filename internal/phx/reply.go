package phx

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"

	"github.com/juju/errors"
	tele_api "github.com/temoto/sensorlog/tele"
)

const (
	StatusOk    = "ok"
	StatusError = "error"
)

// Reply is phx_reply payload: {"status":"ok","response":{...}}
type Reply struct {
	Status   string
	Response map[string]json.RawMessage
}

func ParseReply(payload []byte) (Reply, error) {
	var raw struct {
		Status   string          `json:"status"`
		Response json.RawMessage `json:"response"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Reply{}, errors.Annotatef(tele_api.ErrMalformed, "reply err=%v", err)
	}
	r := Reply{Status: raw.Status}
	resp := bytes.TrimSpace(raw.Response)
	if len(resp) != 0 && resp[0] == '{' {
		if err := json.Unmarshal(resp, &r.Response); err != nil {
			return Reply{}, errors.Annotatef(tele_api.ErrMalformed, "reply response err=%v", err)
		}
	}
	return r, nil
}

func (r *Reply) Has(key string) bool {
	_, ok := r.Response[key]
	return ok
}

// Int returns integer field, false if absent or not an integer.
func (r *Reply) Int(key string) (int64, bool) {
	raw, ok := r.Response[key]
	if !ok {
		return 0, false
	}
	return parseInt(raw)
}

func (r *Reply) Uint32(key string) (uint32, bool) {
	x, ok := r.Int(key)
	if !ok || x < 0 || x > math.MaxUint32 {
		return 0, false
	}
	return uint32(x), true
}

func (r *Reply) String(key string) (string, bool) {
	raw, ok := r.Response[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// IDs returns array of non-empty ids, elements may be strings or integers.
func (r *Reply) IDs(key string) ([]string, bool) {
	raw, ok := r.Response[key]
	if !ok {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil || items == nil {
		return nil, false
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s == "" {
				return nil, false
			}
			ids = append(ids, s)
			continue
		}
		x, ok := parseInt(item)
		if !ok {
			return nil, false
		}
		ids = append(ids, strconv.FormatInt(x, 10))
	}
	return ids, true
}

func parseInt(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || !(raw[0] == '-' || (raw[0] >= '0' && raw[0] <= '9')) {
		return 0, false
	}
	d := json.NewDecoder(bytes.NewReader(raw))
	d.UseNumber()
	var n json.Number
	if err := d.Decode(&n); err != nil {
		return 0, false
	}
	x, err := n.Int64()
	if err != nil {
		return 0, false
	}
	return x, true
}
