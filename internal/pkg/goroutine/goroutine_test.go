package goroutine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx := context.Background()

	t.Run("CollectsErrors", func(t *testing.T) {

		// Arrange
		m := NewManager(4)
		boom := errors.New("boom")

		// Act
		m.Go(ctx, func(context.Context) error { return boom })
		m.Go(ctx, func(context.Context) error { return nil })
		err := m.Wait()

		// Assert
		assert.ErrorIs(t, err, boom)
	})

	t.Run("RecoversPanic", func(t *testing.T) {

		// Arrange
		m := NewManager(1)

		// Act
		m.Go(ctx, func(context.Context) error { panic("oops") })
		err := m.Wait()

		// Assert
		require.Error(t, err)
		assert.Contains(t, err.Error(), "oops")
	})

	t.Run("LimitReached", func(t *testing.T) {

		// Arrange
		m := NewManager(1)
		release := make(chan struct{})
		require.NoError(t, m.TryGo(ctx, func(context.Context) error {
			<-release
			return nil
		}))

		// Act
		err := m.TryGo(ctx, func(context.Context) error { return nil })
		close(release)

		// Assert
		assert.ErrorIs(t, err, ErrLimitReached)
		assert.NoError(t, m.Wait())
	})

	t.Run("ClosedAfterWait", func(t *testing.T) {

		// Arrange
		m := NewManager(1)
		require.NoError(t, m.Wait())

		// Act
		err := m.TryGo(ctx, func(context.Context) error { return nil })

		// Assert
		assert.ErrorIs(t, err, ErrManagerClosed)
	})

	t.Run("SkipsCanceledContext", func(t *testing.T) {

		// Arrange
		m := NewManager(1)
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		ran := false

		// Act
		m.Go(canceled, func(context.Context) error {
			ran = true
			return nil
		})

		// Assert
		assert.NoError(t, m.Wait())
		assert.False(t, ran)
	})
}
