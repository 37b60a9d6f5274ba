// Package frame is console to decode and encode channel frames,
// useful with websocket or mosquitto_sub dumps.
package frame

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/temoto/sensorlog/cmd/sensorlog/subcmd"
	"github.com/temoto/sensorlog/helpers/cli"
	"github.com/temoto/sensorlog/internal/phx"
	"github.com/temoto/sensorlog/internal/state"
	"github.com/temoto/sensorlog/log2"
)

const modName = "frame"

var Mod = subcmd.Mod{Name: modName, Usage: "decode and encode channel frames", Main: Main}

const usage = `syntax:
- {...}                       decode frame
- enc EVENT [REF [PAYLOAD]]   encode frame on current topic
- topic NAME                  set current topic
`

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	topic := config.Tele.Topic
	if topic == "" && config.Tele.APIKey != "" {
		topic = config.Tele.ChannelTopic()
	}
	cli.MainLoop(modName, newExecutor(g.Log, topic), newCompleter())
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "enc", Description: "encode EVENT [REF [PAYLOAD]]"},
		{Text: "topic", Description: "set topic"},
		{Text: phx.EventJoin},
		{Text: phx.EventHeartbeat},
		{Text: phx.EventTime},
		{Text: phx.EventStatus},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}

func newExecutor(log *log2.Log, topic string) func(string) {
	return func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "{") {
			decode(log, line)
			return
		}
		parts := strings.SplitN(line, " ", 4)
		switch parts[0] {
		case "topic":
			if len(parts) < 2 {
				log.Infof("topic=%s", topic)
				return
			}
			topic = parts[1]
			log.Infof("topic=%s", topic)

		case "enc":
			if len(parts) < 2 {
				log.Errorf("frame: enc requires EVENT")
				return
			}
			ref := uint64(1)
			if len(parts) >= 3 {
				var err error
				if ref, err = strconv.ParseUint(parts[2], 10, 64); err != nil {
					log.Errorf("frame: ref=%s err=%v", parts[2], err)
					return
				}
			}
			var payload []byte
			if len(parts) == 4 {
				payload = []byte(parts[3])
			}
			b, err := phx.Encode(topic, parts[1], ref, payload)
			if err != nil {
				log.Errorf("frame: encode err=%v", err)
				return
			}
			log.Infof("%s", b)

		default:
			log.Errorf("frame: unknown command=%s\n%s", parts[0], usage)
		}
	}
}

func decode(log *log2.Log, line string) {
	m, err := phx.Decode([]byte(line))
	if err != nil {
		log.Errorf("frame: decode err=%v", err)
		return
	}
	log.Infof("%s", m.String())
	if !m.IsReply() {
		return
	}
	r, err := phx.ParseReply(m.Payload)
	if err != nil {
		log.Errorf("frame: reply err=%v", err)
		return
	}
	log.Infof("reply status=%s", r.Status)
	keys := make([]string, 0, len(r.Response))
	for k := range r.Response {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Infof("  %s=%s", k, r.Response[k])
	}
}
