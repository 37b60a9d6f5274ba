package tele

import (
	"encoding/json"
	"strings"

	"github.com/juju/errors"
)

const TopicPrefix = "devices:"

type SensorDescriptor struct {
	Name string `json:"name"`
	Unit string `json:"unit"`
	Type string `json:"type"`
}

// JoinPayload is phx_join payload: device, sensors and credential.
type JoinPayload struct {
	Token      string             `json:"token"`
	DeviceID   uint64             `json:"device_id"`
	DeviceName string             `json:"device_name"`
	GroupName  string             `json:"group_name"`
	Sensors    []SensorDescriptor `json:"sensors"`
}

func (p *JoinPayload) Marshal() ([]byte, error) {
	if p.Sensors == nil {
		p.Sensors = []SensorDescriptor{}
	}
	b, err := json.Marshal(p)
	return b, errors.Annotate(err, "join payload")
}

// UserID is api key prefix before first '_'.
// "u42_secret" -> "u42"
func UserID(apiKey string) string {
	if i := strings.IndexByte(apiKey, '_'); i >= 0 {
		return apiKey[:i]
	}
	return apiKey
}

func ChannelTopic(apiKey string) string { return TopicPrefix + UserID(apiKey) }
