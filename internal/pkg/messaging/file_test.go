package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/bps/bpstest"
)

func readJSONLines(t *testing.T, data []byte) []*bps.PubMessage {
	t.Helper()

	var out []*bps.PubMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		var msg bps.PubMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &msg))
		out = append(out, &msg)
	}
	return out
}

func topicPath(t *testing.T, cfg FileConfig, topic string) string {
	t.Helper()

	path, err := cfg.path(topic)
	require.NoError(t, err)
	return path
}

func testFileConfig() FileConfig {
	return FileConfig{Dir: "/bps", PollInterval: 10 * time.Millisecond}
}

func TestFile_Suites(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := testFileConfig()

	t.Run("Publisher", func(t *testing.T) {
		bpstest.PublisherSuite(t, bpstest.PublisherInput{
			New: func(t *testing.T) bps.Publisher {
				pub, err := NewFilePublisher(fs, cfg)
				require.NoError(t, err)
				return pub
			},
			Messages: func(t *testing.T, topic string) []*bps.PubMessage {
				data, err := afero.ReadFile(fs, topicPath(t, cfg, topic))
				if err != nil {
					return nil
				}
				return readJSONLines(t, data)
			},
		})
	})

	t.Run("Subscriber", func(t *testing.T) {
		bpstest.SubscriberSuite(t, bpstest.SubscriberInput{
			Subject: func(t *testing.T, topic string, messages []*bps.PubMessage) bps.Subscriber {
				pub, err := NewFilePublisher(fs, cfg)
				require.NoError(t, err)
				for _, msg := range messages {
					require.NoError(t, pub.Topic(topic).Publish(ctx, msg))
				}
				require.NoError(t, pub.Close())

				sub, err := NewFileSubscriber(fs, cfg)
				require.NoError(t, err)
				return sub
			},
		})
	})
}

func TestFile_RoundTrip(t *testing.T) {

	// Arrange
	reg := bps.NewRegistry()
	RegisterFileFs(reg, afero.NewMemMapFs())
	t.Cleanup(func() { _ = reg.Close() })

	// Act & Assert
	bpstest.RoundTrip(t, reg, "file:///var/bps?poll_interval=0.01", 0)
}

func TestFileTopic_Publish(t *testing.T) {
	ctx := context.Background()

	t.Run("BufferedUntilFlush", func(t *testing.T) {

		// Arrange
		fs := afero.NewMemMapFs()
		cfg := testFileConfig()
		pub, err := NewFilePublisher(fs, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pub.Close() })

		// Act
		require.NoError(t, pub.Topic("orders").Publish(ctx, &bps.PubMessage{ID: "m-1", Data: []byte("a")}))
		_, statErr := fs.Stat(topicPath(t, cfg, "orders"))
		require.NoError(t, pub.Topic("orders").Flush(ctx))

		// Assert
		assert.Error(t, statErr)
		data, err := afero.ReadFile(fs, topicPath(t, cfg, "orders"))
		require.NoError(t, err)
		msgs := readJSONLines(t, data)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-1", msgs[0].ID)
		assert.Equal(t, []byte("a"), msgs[0].Data)
	})

	t.Run("SyncWritesImmediately", func(t *testing.T) {

		// Arrange
		fs := afero.NewMemMapFs()
		cfg := testFileConfig()
		cfg.Sync = true
		pub, err := NewFilePublisher(fs, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { _ = pub.Close() })

		// Act
		err = pub.Topic("orders").Publish(ctx, &bps.PubMessage{Data: []byte("a")})

		// Assert
		require.NoError(t, err)
		data, err := afero.ReadFile(fs, topicPath(t, cfg, "orders"))
		require.NoError(t, err)
		assert.Len(t, readJSONLines(t, data), 1)
	})

	t.Run("NilMessage", func(t *testing.T) {

		// Arrange
		pub, err := NewFilePublisher(afero.NewMemMapFs(), testFileConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = pub.Close() })

		// Act
		err = pub.Topic("orders").Publish(ctx, nil)

		// Assert
		assert.ErrorIs(t, err, ErrMessageRequired)
	})
}

func TestFileSubscriber_Newest(t *testing.T) {

	// Arrange
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := testFileConfig()
	cfg.Sync = true
	pub, err := NewFilePublisher(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	require.NoError(t, pub.Topic("t").Publish(ctx, &bps.PubMessage{Data: []byte("old")}))

	sub, err := NewFileSubscriber(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	rec := &bpstest.Recorder{}

	// Act
	require.NoError(t, sub.Subscribe(ctx, "t", rec.Handle, bps.StartAt(bps.Newest)))
	require.NoError(t, pub.Topic("t").Publish(ctx, &bps.PubMessage{Data: []byte("new")}))

	// Assert
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, []string{"new"}, rec.Data())
	}, bpstest.DefaultTimeout, 10*time.Millisecond)
}

func TestFileSubscriber_SkipsBadLines(t *testing.T) {

	// Arrange
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := testFileConfig()
	require.NoError(t, afero.WriteFile(fs, topicPath(t, cfg, "t"), []byte("not json\n{\"data\":\"b2s=\"}\n{\"data\":"), 0o644))
	sub, err := NewFileSubscriber(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	rec := &bpstest.Recorder{}

	// Act
	require.NoError(t, sub.Subscribe(ctx, "t", rec.Handle))

	// Assert
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		assert.Equal(c, []string{"ok"}, rec.Data())
	}, bpstest.DefaultTimeout, 10*time.Millisecond)
}

func TestFile_TopicOutsideDir(t *testing.T) {
	ctx := context.Background()
	escapes := []string{"a/../../../etc/evil", "../evil", "/etc/evil"}

	for _, topic := range escapes {
		t.Run("Publish "+topic, func(t *testing.T) {

			// Arrange
			fs := afero.NewMemMapFs()
			cfg := FileConfig{Dir: "/data/bps", Sync: true, PollInterval: 10 * time.Millisecond}
			pub, err := NewFilePublisher(fs, cfg)
			require.NoError(t, err)

			// Act
			err = pub.Topic(topic).Publish(ctx, &bps.PubMessage{Data: []byte("x")})
			closeErr := pub.Close()

			// Assert
			assert.ErrorIs(t, err, ErrInvalidTopic)
			assert.NoError(t, closeErr)
			_, statErr := fs.Stat("/etc/evil.jsonl")
			assert.Error(t, statErr)
			_, statErr = fs.Stat("/data/evil.jsonl")
			assert.Error(t, statErr)
		})

		t.Run("Subscribe "+topic, func(t *testing.T) {

			// Arrange
			sub, err := NewFileSubscriber(afero.NewMemMapFs(), FileConfig{Dir: "/data/bps", PollInterval: 10 * time.Millisecond})
			require.NoError(t, err)
			t.Cleanup(func() { _ = sub.Close() })

			// Act
			err = sub.Subscribe(ctx, topic, (&bpstest.Recorder{}).Handle)

			// Assert
			assert.ErrorIs(t, err, ErrInvalidTopic)
		})
	}
}

func TestFilePublisher_NestedTopic(t *testing.T) {

	// Arrange
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	cfg := testFileConfig()
	cfg.Sync = true
	pub, err := NewFilePublisher(fs, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })

	// Act
	err = pub.Topic("orders/eu").Publish(ctx, &bps.PubMessage{Data: []byte("x")})

	// Assert
	require.NoError(t, err)
	data, err := afero.ReadFile(fs, "/bps/orders/eu.jsonl")
	require.NoError(t, err)
	assert.Len(t, readJSONLines(t, data), 1)
}
