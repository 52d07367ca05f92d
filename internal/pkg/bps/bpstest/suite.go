// Package bpstest holds the conformance suites every adapter test runs and
// an in-process fake backend.
package bpstest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// DefaultTimeout bounds every wait of the suites.
const DefaultTimeout = 5 * time.Second

const tick = 20 * time.Millisecond

// TopicName returns a topic name unique to this run.
func TopicName(suffix string) string {
	return fmt.Sprintf("bps-unittest-topic-%d-%s", time.Now().UnixNano(), suffix)
}

// PublisherInput configures PublisherSuite.
type PublisherInput struct {
	// New returns a fresh publisher. The suite closes it.
	New func(t *testing.T) bps.Publisher
	// Messages returns what the backend stored for topic so far.
	Messages func(t *testing.T, topic string) []*bps.PubMessage
	// Setup prepares topics before each case, optional.
	Setup func(t *testing.T, topics ...string)
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

// PublisherSuite checks the publisher side of the lifecycle contract.
func PublisherSuite(t *testing.T, in PublisherInput) {
	t.Helper()
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx := context.Background()

	t.Run("Publish", func(t *testing.T) {

		// Arrange
		topicA, topicB := TopicName("a"), TopicName("b")
		if in.Setup != nil {
			in.Setup(t, topicA, topicB)
		}
		pub := in.New(t)
		t.Cleanup(func() { _ = pub.Close() })

		// Act
		require.NoError(t, pub.Topic(topicA).Publish(ctx, &bps.PubMessage{Data: []byte("v1")}))
		require.NoError(t, pub.Topic(topicB).Publish(ctx, &bps.PubMessage{Data: []byte("v2")}))
		require.NoError(t, pub.Topic(topicA).Publish(ctx, &bps.PubMessage{Data: []byte("v3")}))
		require.NoError(t, pub.Topic(topicA).Flush(ctx))
		require.NoError(t, pub.Topic(topicB).Flush(ctx))

		// Assert
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.ElementsMatch(c, []string{"v1", "v3"}, Data(in.Messages(t, topicA)))
			assert.ElementsMatch(c, []string{"v2"}, Data(in.Messages(t, topicB)))
		}, timeout, tick)
	})

	t.Run("TopicHandleIsCached", func(t *testing.T) {

		// Arrange
		pub := in.New(t)
		t.Cleanup(func() { _ = pub.Close() })

		// Act
		first := pub.Topic("same")
		second := pub.Topic("same")

		// Assert
		assert.Same(t, first, second)
	})

	t.Run("CloseFlushes", func(t *testing.T) {

		// Arrange
		topic := TopicName("c")
		if in.Setup != nil {
			in.Setup(t, topic)
		}
		pub := in.New(t)
		require.NoError(t, pub.Topic(topic).Publish(ctx, &bps.PubMessage{Data: []byte("last")}))

		// Act
		err := pub.Close()

		// Assert
		require.NoError(t, err)
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.Equal(c, []string{"last"}, Data(in.Messages(t, topic)))
		}, timeout, tick)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {

		// Arrange
		pub := in.New(t)

		// Act
		first := pub.Close()
		second := pub.Close()

		// Assert
		assert.NoError(t, first)
		assert.Equal(t, first, second)
	})

	t.Run("PublishAfterClose", func(t *testing.T) {

		// Arrange
		pub := in.New(t)
		topic := pub.Topic(TopicName("d"))
		require.NoError(t, pub.Close())

		// Act
		err := topic.Publish(ctx, &bps.PubMessage{Data: []byte("late")})

		// Assert
		assert.ErrorIs(t, err, bps.ErrClosed)
	})
}

// SubscriberInput configures SubscriberSuite.
type SubscriberInput struct {
	// Subject returns a subscriber for which messages are available on topic
	// from the oldest position. The suite closes it.
	Subject func(t *testing.T, topic string, messages []*bps.PubMessage) bps.Subscriber
	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

// SubscriberSuite checks the subscriber side of the lifecycle contract.
func SubscriberSuite(t *testing.T, in SubscriberInput) {
	t.Helper()
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx := context.Background()
	seed := func() []*bps.PubMessage {
		return []*bps.PubMessage{
			{Data: []byte("message-1")},
			{Data: []byte("message-2")},
		}
	}

	t.Run("Subscribe", func(t *testing.T) {

		// Arrange
		topic := TopicName("a")
		sub := in.Subject(t, topic, seed())
		t.Cleanup(func() { _ = sub.Close() })
		rec := &Recorder{}

		// Act
		err := sub.Subscribe(ctx, topic, rec.Handle, bps.StartAt(bps.Oldest))

		// Assert
		require.NoError(t, err)
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.ElementsMatch(c, []string{"message-1", "message-2"}, rec.Data())
		}, timeout, tick)
		for _, msg := range rec.Messages() {
			assert.Equal(t, topic, msg.Topic())
		}
	})

	t.Run("HandlerErrorKeepsSubscription", func(t *testing.T) {

		// Arrange
		topic := TopicName("b")
		sub := in.Subject(t, topic, seed())
		t.Cleanup(func() { _ = sub.Close() })
		rec := &Recorder{Err: errors.New("handler failed")}

		// Act
		err := sub.Subscribe(ctx, topic, rec.Handle, bps.StartAt(bps.Oldest))

		// Assert
		require.NoError(t, err)
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.Subset(c, rec.Data(), []string{"message-1", "message-2"})
		}, timeout, tick)
	})

	t.Run("HandlerPanicIsRecovered", func(t *testing.T) {

		// Arrange
		topic := TopicName("c")
		sub := in.Subject(t, topic, seed())
		t.Cleanup(func() { _ = sub.Close() })
		rec := &Recorder{Panic: true}

		// Act
		err := sub.Subscribe(ctx, topic, rec.Handle, bps.StartAt(bps.Oldest))

		// Assert
		require.NoError(t, err)
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.Subset(c, rec.Data(), []string{"message-1", "message-2"})
		}, timeout, tick)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {

		// Arrange
		topic := TopicName("d")
		sub := in.Subject(t, topic, nil)
		require.NoError(t, sub.Subscribe(ctx, topic, (&Recorder{}).Handle))

		// Act
		first := sub.Close()
		second := sub.Close()

		// Assert
		assert.NoError(t, first)
		assert.Equal(t, first, second)
	})

	t.Run("SubscribeAfterClose", func(t *testing.T) {

		// Arrange
		topic := TopicName("e")
		sub := in.Subject(t, topic, nil)
		require.NoError(t, sub.Close())

		// Act
		err := sub.Subscribe(ctx, topic, (&Recorder{}).Handle)

		// Assert
		assert.ErrorIs(t, err, bps.ErrClosed)
	})
}

// RoundTrip publishes three messages to topic "t" through a publisher
// resolved from rawURL, closes it, then expects a subscriber resolved from
// the same URL to receive all three in any order.
func RoundTrip(t *testing.T, reg *bps.Registry, rawURL string, timeout time.Duration) {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx := context.Background()
	want := []string{"message-1", "message-2", "message-3"}

	pub, err := reg.NewPublisher(ctx, rawURL)
	require.NoError(t, err)
	for _, data := range want {
		require.NoError(t, pub.Topic("t").Publish(ctx, &bps.PubMessage{Data: []byte(data)}))
	}
	require.NoError(t, pub.Close())

	sub, err := reg.NewSubscriber(ctx, rawURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })

	rec := &Recorder{}
	require.NoError(t, sub.Subscribe(ctx, "t", rec.Handle, bps.StartAt(bps.Oldest)))

	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.ElementsMatch(c, want, rec.Data())
	}, timeout, tick)
}

// Recorder is a Handler that records every message it receives.
type Recorder struct {
	// Err is returned after recording each message.
	Err error
	// Panic makes the handler panic after recording each message.
	Panic bool

	mu   sync.Mutex
	msgs []bps.SubMessage
}

// Handle implements bps.Handler.
func (r *Recorder) Handle(_ context.Context, msg bps.SubMessage) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()

	if r.Panic {
		panic("recorder panic")
	}
	return r.Err
}

// Messages returns the recorded messages.
func (r *Recorder) Messages() []bps.SubMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]bps.SubMessage(nil), r.msgs...)
}

// Data returns the payloads of the recorded messages.
func (r *Recorder) Data() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, string(m.Data()))
	}
	return out
}

// Len returns the number of recorded messages.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.msgs)
}

// Data returns the payloads of msgs.
func Data(msgs []*bps.PubMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Data))
	}
	return out
}
