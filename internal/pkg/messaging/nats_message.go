package messaging

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type natsMessage struct {
	subject string
	data    []byte
	header  nats.Header
}

func newNATSMessage(msg *nats.Msg) *natsMessage {
	return &natsMessage{subject: msg.Subject, data: msg.Data, header: msg.Header}
}

func (m *natsMessage) Data() []byte { return m.data }

func (m *natsMessage) Attributes() map[string]string {
	return natsAttributes(m.header)
}

func (m *natsMessage) ID() string    { return m.header.Get(nats.MsgIdHdr) }
func (m *natsMessage) Topic() string { return m.subject }

func natsAttributes(header nats.Header) map[string]string {
	attrs := make(map[string]string, len(header))
	for k, values := range header {
		if k == nats.MsgIdHdr || len(values) == 0 {
			continue
		}
		attrs[k] = values[0]
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// jetStreamMessage is a JetStream delivery. Its topic is the subject with
// the stream prefix removed.
type jetStreamMessage struct {
	natsMessage
	msg jetstream.Msg
}

func newJetStreamMessage(topic string, msg jetstream.Msg) *jetStreamMessage {
	return &jetStreamMessage{
		natsMessage: natsMessage{subject: topic, data: msg.Data(), header: msg.Headers()},
		msg:         msg,
	}
}

func (m *jetStreamMessage) ack(context.Context) error {
	if err := m.msg.Ack(); err != nil && !isNATSAckUnsupported(err) {
		return err
	}
	return nil
}

func (m *jetStreamMessage) nack(context.Context) error {
	if err := m.msg.Nak(); err != nil && !isNATSAckUnsupported(err) {
		return err
	}
	return nil
}

func isNATSAckUnsupported(err error) bool {
	return errors.Is(err, nats.ErrMsgNoReply) || errors.Is(err, nats.ErrMsgNotBound) || errors.Is(err, jetstream.ErrMsgAlreadyAckd)
}
