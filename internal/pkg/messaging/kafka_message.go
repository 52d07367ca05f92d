package messaging

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/samber/lo"
	"github.com/segmentio/kafka-go"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// kafkaCommitter commits consumed offsets, *kafka.Reader in production.
type kafkaCommitter interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// kafkaMessageFrom encodes msg for topic. The id becomes the record key so
// messages sharing an id land on the same partition, attributes become
// headers ordered by key.
func kafkaMessageFrom(topic string, msg *bps.PubMessage) kafka.Message {
	km := kafka.Message{
		Topic: topic,
		Value: msg.Data,
		Time:  time.Now(),
		Headers: lo.Map(slices.Sorted(maps.Keys(msg.Attributes)), func(k string, _ int) kafka.Header {
			return kafka.Header{Key: k, Value: []byte(msg.Attributes[k])}
		}),
	}
	if msg.ID != "" {
		km.Key = []byte(msg.ID)
	}
	return km
}

type kafkaMessage struct {
	commit kafkaCommitter
	record kafka.Message
	attrs  map[string]string
}

func newKafkaMessage(commit kafkaCommitter, record kafka.Message) *kafkaMessage {
	m := &kafkaMessage{commit: commit, record: record}
	if len(record.Headers) > 0 {
		m.attrs = make(map[string]string, len(record.Headers))
		for _, h := range record.Headers {
			// first header wins on repeated keys
			if _, dup := m.attrs[h.Key]; !dup {
				m.attrs[h.Key] = string(h.Value)
			}
		}
	}
	return m
}

func (m *kafkaMessage) Data() []byte { return m.record.Value }

func (m *kafkaMessage) Attributes() map[string]string { return m.attrs }

// ID returns the record key, or topic/partition/offset for keyless records.
func (m *kafkaMessage) ID() string {
	if len(m.record.Key) > 0 {
		return string(m.record.Key)
	}
	return fmt.Sprintf("%s/%d/%d", m.record.Topic, m.record.Partition, m.record.Offset)
}

func (m *kafkaMessage) Topic() string { return m.record.Topic }

func (m *kafkaMessage) ack(ctx context.Context) error {
	if err := m.commit.CommitMessages(ctx, m.record); err != nil {
		return fmt.Errorf("pkgmessage: kafka commit %s: %w", m.ID(), err)
	}
	return nil
}

// nack leaves the offset uncommitted, the group redelivers after a rebalance.
func (m *kafkaMessage) nack(context.Context) error { return nil }
