package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/bps/bpstest"
	"github.com/shandysiswandi/bps/internal/pkg/containertest"
)

func TestRedis_Integration(t *testing.T) {
	ctx := context.Background()
	rawURL := containertest.Redis(t) + "/0?block=0.1&prefix=bps:"

	t.Run("RoundTrip", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		RegisterRedis(reg)
		t.Cleanup(func() { _ = reg.Close() })

		// Act & Assert
		bpstest.RoundTrip(t, reg, rawURL, 0)
	})

	t.Run("Suites", func(t *testing.T) {
		u, raw := parseURL(t, rawURL)
		cfg, err := RedisConfigFromURL(u, raw)
		require.NoError(t, err)

		bpstest.SubscriberSuite(t, bpstest.SubscriberInput{
			Subject: func(t *testing.T, topic string, messages []*bps.PubMessage) bps.Subscriber {
				pub, err := NewRedisPublisher(ctx, cfg)
				require.NoError(t, err)
				require.NoError(t, bps.PublishBatch(ctx, pub.Topic(topic), messages))
				require.NoError(t, pub.Close())

				sub, err := NewRedisSubscriber(ctx, cfg)
				require.NoError(t, err)
				return sub
			},
		})
	})

	t.Run("KeepsIDAndAttributes", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		RegisterRedis(reg)
		t.Cleanup(func() { _ = reg.Close() })
		topic := bpstest.TopicName("attrs")
		pub, err := reg.NewPublisher(ctx, rawURL)
		require.NoError(t, err)
		require.NoError(t, pub.Topic(topic).Publish(ctx, &bps.PubMessage{
			ID:         "m-1",
			Data:       []byte("hello"),
			Attributes: map[string]string{"cid": "c-1"},
		}))
		sub, err := reg.NewSubscriber(ctx, rawURL)
		require.NoError(t, err)
		rec := &bpstest.Recorder{}

		// Act
		require.NoError(t, sub.Subscribe(ctx, topic, rec.Handle, bps.StartAt(bps.Oldest)))

		// Assert
		require.EventuallyWithT(t, func(c *assert.CollectT) {
			assert.Equal(c, 1, rec.Len())
		}, bpstest.DefaultTimeout, 10*time.Millisecond)
		msg := rec.Messages()[0]
		assert.Equal(t, "m-1", msg.ID())
		assert.Equal(t, []byte("hello"), msg.Data())
		assert.Equal(t, map[string]string{"cid": "c-1"}, msg.Attributes())
	})
}

func TestPostgres_Integration(t *testing.T) {

	// Arrange
	ctx := context.Background()
	rawURL := containertest.Postgres(t) + "&prefix=bps_"
	reg := bps.NewRegistry()
	RegisterPostgres(reg)
	t.Cleanup(func() { _ = reg.Close() })
	topic := "orders"

	sub, err := reg.NewSubscriber(ctx, rawURL)
	require.NoError(t, err)
	rec := &bpstest.Recorder{}
	require.NoError(t, sub.Subscribe(ctx, topic, rec.Handle))
	pub, err := reg.NewPublisher(ctx, rawURL)
	require.NoError(t, err)

	// Act
	for _, data := range []string{"message-1", "message-2"} {
		require.NoError(t, pub.Topic(topic).Publish(ctx, &bps.PubMessage{ID: data, Data: []byte(data)}))
	}

	// Assert
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.ElementsMatch(c, []string{"message-1", "message-2"}, rec.Data())
	}, bpstest.DefaultTimeout, 10*time.Millisecond)
	assert.Equal(t, topic, rec.Messages()[0].Topic())
	assert.NoError(t, pub.Close())
	assert.NoError(t, sub.Close())
}
