package messaging

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"

	nsq "github.com/nsqio/go-nsq"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// nsqMessage is a delivery from nsqd. With an envelope the body is the JSON
// encoding of the published message, bodies that fail to decode are passed
// through as raw data.
type nsqMessage struct {
	topic string
	id    string
	data  []byte
	attrs map[string]string
}

func newNSQMessage(topic string, m *nsq.Message, envelope bool) *nsqMessage {
	out := &nsqMessage{topic: topic, id: hex.EncodeToString(m.ID[:]), data: m.Body}
	if !envelope {
		return out
	}

	var env bps.PubMessage
	if err := json.Unmarshal(m.Body, &env); err != nil {
		slog.Warn("nsq message is not an envelope", "scheme", SchemeNSQ, "topic", topic, "error", err)
		return out
	}
	out.data = env.Data
	out.attrs = env.Attributes
	if env.ID != "" {
		out.id = env.ID
	}
	return out
}

func (m *nsqMessage) Data() []byte { return m.data }

func (m *nsqMessage) Attributes() map[string]string { return m.attrs }

func (m *nsqMessage) ID() string { return m.id }

func (m *nsqMessage) Topic() string { return m.topic }
