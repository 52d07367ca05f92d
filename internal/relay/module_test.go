package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/config"
	"github.com/shandysiswandi/bps/internal/pkg/goroutine"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/messaging"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

type staticID string

func (s staticID) Generate() string { return string(s) }

func newTestDependency(t *testing.T, yaml string) Dependency {
	t.Helper()

	cfg, err := config.NewViperFromBytes("yaml", []byte(yaml))
	require.NoError(t, err)
	v, err := validator.NewV10Validator()
	require.NoError(t, err)

	reg := bps.NewRegistry()
	messaging.RegisterMem(reg)
	t.Cleanup(func() { _ = reg.Close() })

	return Dependency{
		Ctx:        context.Background(),
		Config:     cfg,
		Registry:   reg,
		Instrument: instrument.NewNoop(),
		UUID:       staticID("relay-cid"),
		Goroutine:  goroutine.NewManager(4),
		Validator:  v,
	}
}

func TestRelay_Forwards(t *testing.T) {

	// Arrange
	dep := newTestDependency(t, `
relay:
  routes:
    - name: orders
      source_url: mem://relay-src
      target_url: mem://relay-dst
      topics: [orders, payments]
      flush_interval_seconds: 0.05
`)
	c, err := New(dep)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	pub, err := dep.Registry.NewPublisher(context.Background(), "mem://relay-src")
	require.NoError(t, err)

	// Act
	require.NoError(t, pub.Topic("orders").Publish(context.Background(), &bps.PubMessage{
		ID: "m-1", Data: []byte("a"), Attributes: map[string]string{"cid": "upstream"},
	}))
	require.NoError(t, pub.Topic("payments").Publish(context.Background(), &bps.PubMessage{Data: []byte("b")}))

	// Assert
	dst := messaging.LookupMemHub("relay-dst", 0)
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		orders := dst.Messages("orders")
		if assert.Len(c, orders, 1) {
			assert.Equal(c, "m-1", orders[0].ID)
			assert.Equal(c, "a", string(orders[0].Data))
			assert.Equal(c, "upstream", orders[0].Attributes["cid"])
		}
		payments := dst.Messages("payments")
		if assert.Len(c, payments, 1) {
			assert.Equal(c, "relay-cid", payments[0].Attributes["cid"])
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_New(t *testing.T) {
	t.Run("NoRoutes", func(t *testing.T) {

		// Arrange
		dep := newTestDependency(t, "relay: {}\n")

		// Act
		c, err := New(dep)

		// Assert
		require.NoError(t, err)
		assert.NoError(t, c.Close())
	})

	t.Run("InvalidRoute", func(t *testing.T) {

		// Arrange
		dep := newTestDependency(t, `
relay:
  routes:
    - name: broken
      source_url: not a url
      target_url: mem://x
      topics: []
`)

		// Act
		_, err := New(dep)

		// Assert
		var verr validator.V10ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Values(), "source_url")
		assert.Contains(t, verr.Values(), "topics")
	})

	t.Run("DuplicateRoute", func(t *testing.T) {

		// Arrange
		dep := newTestDependency(t, `
relay:
  routes:
    - {name: a, source_url: "mem://dup-src", target_url: "mem://dup-dst", topics: [t]}
    - {name: a, source_url: "mem://dup-src", target_url: "mem://dup-dst", topics: [t]}
`)

		// Act
		_, err := New(dep)

		// Assert
		assert.ErrorIs(t, err, ErrDuplicateRoute)
	})

	t.Run("UnregisteredScheme", func(t *testing.T) {

		// Arrange
		dep := newTestDependency(t, `
relay:
  routes:
    - {name: a, source_url: "nope://src", target_url: "mem://unreg-dst", topics: [t]}
`)

		// Act
		_, err := New(dep)

		// Assert
		assert.ErrorIs(t, err, bps.ErrUnregisteredScheme)
	})
}
