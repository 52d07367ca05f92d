package bps

import (
	"context"
	"fmt"
)

// BatchTopic is implemented by topics that publish a batch in one round trip.
type BatchTopic interface {
	Topic
	PublishBatch(ctx context.Context, msgs []*PubMessage) error
}

// PublishBatch publishes msgs to topic, in a single call when topic is a
// BatchTopic and one by one otherwise. It stops at the first failure.
func PublishBatch(ctx context.Context, topic Topic, msgs []*PubMessage) error {
	if bt, ok := topic.(BatchTopic); ok {
		return bt.PublishBatch(ctx, msgs)
	}

	for i, msg := range msgs {
		if err := topic.Publish(ctx, msg); err != nil {
			return fmt.Errorf("bps: publish batch message %d: %w", i, err)
		}
	}
	return nil
}
