package bpstest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

func TestFake_RoundTrip(t *testing.T) {

	// Arrange
	reg := bps.NewRegistry()
	fake := NewFake()
	fake.Register(reg, "fake")
	t.Cleanup(func() { _ = reg.Close() })

	// Act
	RoundTrip(t, reg, "fake://host1,host2:1234/?retries=4", 0)

	// Assert
	assert.Equal(t, []string{"host1:" + FakeDefaultPort, "host2:1234"}, fake.LastAddrs())
	retries, ok := fake.LastOptions().Int("retries")
	require.True(t, ok)
	assert.EqualValues(t, 4, retries)
}

func TestFake_CloseTearsDownOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("Publisher", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		fake := NewFake()
		fake.Register(reg, "fake")
		pub, err := reg.NewPublisher(ctx, "fake://host")
		require.NoError(t, err)

		// Act
		require.NoError(t, pub.Close())
		require.NoError(t, pub.Close())
		require.NoError(t, reg.Close())

		// Assert
		assert.EqualValues(t, 1, fake.PublisherTeardowns())
	})

	t.Run("Subscriber", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		fake := NewFake()
		fake.Register(reg, "fake")
		sub, err := reg.NewSubscriber(ctx, "fake://host")
		require.NoError(t, err)
		require.NoError(t, sub.Subscribe(ctx, "t", (&Recorder{}).Handle))

		// Act
		require.NoError(t, sub.Close())
		require.NoError(t, sub.Close())

		// Assert
		assert.EqualValues(t, 1, fake.SubscriberTeardowns())
	})
}

func TestFake_Buffering(t *testing.T) {
	ctx := context.Background()

	t.Run("BufferedUntilFlush", func(t *testing.T) {

		// Arrange
		fake := NewFake()
		pub := fake.NewPublisher(nil)
		t.Cleanup(func() { _ = pub.Close() })
		topic := pub.Topic("t")

		// Act
		require.NoError(t, topic.Publish(ctx, &bps.PubMessage{Data: []byte("a")}))
		before := fake.Messages("t")
		require.NoError(t, topic.Flush(ctx))

		// Assert
		assert.Empty(t, before)
		assert.Equal(t, []string{"a"}, Data(fake.Messages("t")))
	})

	t.Run("Unbuffered", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		fake := NewFake()
		fake.Register(reg, "fake")
		t.Cleanup(func() { _ = reg.Close() })
		pub, err := reg.NewPublisher(ctx, "fake://host?buffered=false")
		require.NoError(t, err)

		// Act
		require.NoError(t, pub.Topic("t").Publish(ctx, &bps.PubMessage{Data: []byte("a")}))

		// Assert
		assert.Equal(t, []string{"a"}, Data(fake.Messages("t")))
	})

	t.Run("NewestSkipsRetained", func(t *testing.T) {

		// Arrange
		fake := NewFake()
		fake.Seed("t", &bps.PubMessage{Data: []byte("old")})
		sub := fake.NewSubscriber(nil)
		t.Cleanup(func() { _ = sub.Close() })
		rec := &Recorder{}

		// Act
		require.NoError(t, sub.Subscribe(ctx, "t", rec.Handle, bps.StartAt(bps.Newest)))
		fake.Seed("t", &bps.PubMessage{Data: []byte("new")})

		// Assert
		assert.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.Equal(c, []string{"new"}, rec.Data())
		}, DefaultTimeout, tick)
	})
}

func TestFake_Suites(t *testing.T) {
	fake := NewFake()

	t.Run("Publisher", func(t *testing.T) {
		PublisherSuite(t, PublisherInput{
			New: func(*testing.T) bps.Publisher { return fake.NewPublisher(nil) },
			Messages: func(_ *testing.T, topic string) []*bps.PubMessage {
				return fake.Messages(topic)
			},
		})
	})

	t.Run("Subscriber", func(t *testing.T) {
		SubscriberSuite(t, SubscriberInput{
			Subject: func(_ *testing.T, topic string, messages []*bps.PubMessage) bps.Subscriber {
				fake.Seed(topic, messages...)
				return fake.NewSubscriber(nil)
			},
		})
	})
}
