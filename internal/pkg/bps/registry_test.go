package bps_test

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/bps/bpstest"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

func TestRegistry_NewPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("UnregisteredScheme", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()

		// Act
		_, err := reg.NewPublisher(ctx, "nope://host/")

		// Assert
		require.ErrorIs(t, err, bps.ErrUnregisteredScheme)
		var serr *bps.UnregisteredSchemeError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "nope", serr.Scheme)
		assert.Equal(t, "publisher", serr.Kind)
	})

	t.Run("InvalidURL", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()

		// Act
		_, err := reg.NewPublisher(ctx, "fake://host/%zz")

		// Assert
		assert.Error(t, err)
		assert.NotErrorIs(t, err, bps.ErrUnregisteredScheme)
	})

	t.Run("EscapedHostList", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		var addrs []string
		reg.RegisterPublisher("kafka", func(_ context.Context, u *url.URL, _ coerce.RawOptions) (bps.Publisher, error) {
			addrs = bps.ParseAddrs(u, "9092")
			return bps.NewInMemPublisher(), nil
		})

		// Act
		_, err := reg.NewPublisher(ctx, "kafka://10.0.0.1%3A9093%2C10.0.0.2/")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"10.0.0.1:9093", "10.0.0.2:9092"}, addrs)
	})

	t.Run("OverwriteKeepsLast", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		first := bps.NewInMemPublisher()
		second := bps.NewInMemPublisher()
		reg.RegisterPublisher("mem", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
			return first, nil
		})
		reg.RegisterPublisher("mem", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
			return second, nil
		})

		// Act
		pub, err := reg.NewPublisher(ctx, "mem://")

		// Assert
		require.NoError(t, err)
		require.NoError(t, pub.Topic("t").Publish(ctx, &bps.PubMessage{Data: []byte("x")}))
		assert.Empty(t, first.InMemTopic("t").Messages())
		assert.Len(t, second.InMemTopic("t").Messages(), 1)
	})

	t.Run("FactoryErrorPropagates", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		boom := errors.New("unreachable")
		reg.RegisterPublisher("bad", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
			return nil, boom
		})

		// Act
		_, err := reg.NewPublisher(ctx, "bad://host")

		// Assert
		assert.Same(t, boom, err)
	})

	t.Run("QueryAndProgrammaticOptions", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		var got coerce.RawOptions
		reg.RegisterPublisher("mem", func(_ context.Context, _ *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
			got = raw
			return bps.NewInMemPublisher(), nil
		})

		// Act
		_, err := reg.NewPublisher(ctx, "mem://host/?retries=4&tags=a&tags=b&sasl[user]=bob",
			bps.WithOptions(coerce.RawOptions{"retries": 9, "extra": true}))

		// Assert
		require.NoError(t, err)
		assert.Equal(t, 9, got["retries"])
		assert.Equal(t, []string{"a", "b"}, got["tags"])
		assert.Equal(t, coerce.RawOptions{"user": "bob"}, got["sasl"])
		assert.Equal(t, true, got["extra"])
	})
}

func TestRegistry_NewSubscriber(t *testing.T) {
	ctx := context.Background()

	t.Run("UnregisteredScheme", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		reg.RegisterPublisher("fake", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
			return bps.NewInMemPublisher(), nil
		})

		// Act
		_, err := reg.NewSubscriber(ctx, "fake://host/")

		// Assert
		var serr *bps.UnregisteredSchemeError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, "subscriber", serr.Kind)
	})

	t.Run("OverwriteKeepsLast", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		calls := []string{}
		reg.RegisterSubscriber("mem", func(context.Context, *url.URL, coerce.RawOptions) (bps.Subscriber, error) {
			calls = append(calls, "first")
			return bps.NewInMemSubscriber(nil), nil
		})
		reg.RegisterSubscriber("mem", func(context.Context, *url.URL, coerce.RawOptions) (bps.Subscriber, error) {
			calls = append(calls, "second")
			return bps.NewInMemSubscriber(nil), nil
		})

		// Act
		sub, err := reg.NewSubscriber(ctx, "mem://")

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"second"}, calls)
		assert.NoError(t, sub.Close())
	})
}

func TestRegistry_Schemes(t *testing.T) {

	// Arrange
	reg := bps.NewRegistry()
	fake := bpstest.NewFake()
	fake.Register(reg, "zeta")
	fake.Register(reg, "alpha")
	reg.RegisterPublisher("pubonly", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
		return bps.NewInMemPublisher(), nil
	})

	// Act
	pub, sub := reg.Schemes()

	// Assert
	assert.Equal(t, []string{"alpha", "pubonly", "zeta"}, pub)
	assert.Equal(t, []string{"alpha", "zeta"}, sub)
}

func TestRegistry_Close(t *testing.T) {
	ctx := context.Background()

	t.Run("ClosesOpenInstances", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		fake := bpstest.NewFake()
		fake.Register(reg, "fake")
		_, err := reg.NewPublisher(ctx, "fake://host")
		require.NoError(t, err)
		_, err = reg.NewSubscriber(ctx, "fake://host")
		require.NoError(t, err)

		// Act
		err = reg.Close()

		// Assert
		require.NoError(t, err)
		assert.EqualValues(t, 1, fake.PublisherTeardowns())
		assert.EqualValues(t, 1, fake.SubscriberTeardowns())
	})

	t.Run("ClosedInstancesAreReleased", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		fake := bpstest.NewFake()
		fake.Register(reg, "fake")
		pub, err := reg.NewPublisher(ctx, "fake://host")
		require.NoError(t, err)
		require.NoError(t, pub.Close())

		// Act
		err = reg.Close()

		// Assert
		require.NoError(t, err)
		assert.EqualValues(t, 1, fake.PublisherTeardowns())
	})

	t.Run("ResolveAfterClose", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		bpstest.NewFake().Register(reg, "fake")
		require.NoError(t, reg.Close())

		// Act
		_, pubErr := reg.NewPublisher(ctx, "fake://host")
		_, subErr := reg.NewSubscriber(ctx, "fake://host")

		// Assert
		assert.ErrorIs(t, pubErr, bps.ErrClosed)
		assert.ErrorIs(t, subErr, bps.ErrClosed)
		assert.NoError(t, reg.Close())
	})

	t.Run("JoinsErrors", func(t *testing.T) {

		// Arrange
		reg := bps.NewRegistry()
		reg.RegisterPublisher("bad", func(context.Context, *url.URL, coerce.RawOptions) (bps.Publisher, error) {
			return bps.UnimplementedPublisher{}, nil
		})
		_, err := reg.NewPublisher(ctx, "bad://")
		require.NoError(t, err)

		// Act
		err = reg.Close()

		// Assert
		assert.ErrorIs(t, err, bps.ErrNotImplemented)
	})
}
