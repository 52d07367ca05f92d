package bps

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_Close(t *testing.T) {

	t.Run("TeardownRunsOnce", func(t *testing.T) {

		// Arrange
		life := NewLifecycle()
		calls := 0
		teardown := func() error {
			calls++
			return nil
		}

		// Act
		first := life.Close(teardown)
		second := life.Close(teardown)

		// Assert
		assert.NoError(t, first)
		assert.NoError(t, second)
		assert.Equal(t, 1, calls)
		assert.True(t, life.Closed())
		assert.ErrorIs(t, life.Check(), ErrClosed)
	})

	t.Run("RepeatsFirstError", func(t *testing.T) {

		// Arrange
		life := NewLifecycle()
		boom := errors.New("boom")

		// Act
		first := life.Close(func() error { return boom })
		second := life.Close(func() error { return nil })

		// Assert
		assert.Same(t, boom, first)
		assert.Same(t, boom, second)
	})

	t.Run("ConcurrentClose", func(t *testing.T) {

		// Arrange
		life := NewLifecycle()
		var mu sync.Mutex
		calls := 0
		var wg sync.WaitGroup

		// Act
		for range 16 {
			wg.Go(func() {
				_ = life.Close(func() error {
					mu.Lock()
					calls++
					mu.Unlock()
					return nil
				})
			})
		}
		wg.Wait()

		// Assert
		assert.Equal(t, 1, calls)
	})

	t.Run("OpenCheck", func(t *testing.T) {
		life := NewLifecycle()
		assert.False(t, life.Closed())
		assert.NoError(t, life.Check())
	})
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	msg := NewSubMessage("t", &PubMessage{ID: "1", Data: []byte("x")})

	t.Run("ReturnsHandlerError", func(t *testing.T) {

		// Arrange
		boom := errors.New("boom")

		// Act
		err := Dispatch(ctx, "test", func(context.Context, SubMessage) error { return boom }, msg)

		// Assert
		assert.ErrorIs(t, err, boom)
	})

	t.Run("RecoversPanic", func(t *testing.T) {

		// Act
		err := Dispatch(ctx, "test", func(context.Context, SubMessage) error { panic("oops") }, msg)

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panic in test handler: oops")
	})

	t.Run("PassesMessage", func(t *testing.T) {

		// Arrange
		var got SubMessage

		// Act
		err := Dispatch(ctx, "test", func(_ context.Context, m SubMessage) error {
			got = m
			return nil
		}, msg)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "1", got.ID())
		assert.Equal(t, "t", got.Topic())
		assert.Equal(t, []byte("x"), got.Data())
	})
}

func TestWatchLeak(t *testing.T) {

	// Arrange
	type owner struct{ name string }
	o := &owner{name: "x"}
	life := NewLifecycle()

	// Act
	WatchLeak(o, life, "owner")
	WatchLeak[owner](nil, life, "nil owner")

	// Assert
	assert.NoError(t, life.Close(nil))
	assert.Equal(t, "x", o.name)
}
