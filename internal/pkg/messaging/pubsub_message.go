package messaging

import (
	"cloud.google.com/go/pubsub/v2"
)

type pubSubMessage struct {
	topic string
	msg   *pubsub.Message
}

func newPubSubMessage(topic string, msg *pubsub.Message) *pubSubMessage {
	return &pubSubMessage{
		topic: topic,
		msg:   msg,
	}
}

func (m *pubSubMessage) Data() []byte { return m.msg.Data }

func (m *pubSubMessage) Attributes() map[string]string {
	if _, ok := m.msg.Attributes["bps_id"]; !ok {
		return m.msg.Attributes
	}
	attrs := make(map[string]string, len(m.msg.Attributes))
	for k, v := range m.msg.Attributes {
		if k != "bps_id" {
			attrs[k] = v
		}
	}
	return attrs
}

// ID returns the published message id, or the server assigned one.
func (m *pubSubMessage) ID() string {
	if id, ok := m.msg.Attributes["bps_id"]; ok {
		return id
	}
	return m.msg.ID
}

func (m *pubSubMessage) Topic() string { return m.topic }
