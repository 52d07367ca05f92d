package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
)

func TestUsecase_Forward(t *testing.T) {
	t.Run("Success", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := NewRelay(Dependency{Targets: map[string]bps.Publisher{"r": pub}, Instrument: instrument.NewNoop()})
		ctx := instrument.SetCorrelationID(context.Background(), "cid-1")
		msg := bps.NewSubMessage("orders", &bps.PubMessage{ID: "m-1", Data: []byte("a"), Attributes: map[string]string{"k": "v"}})

		// Act
		err := uc.Forward(ctx, ForwardInput{Route: "r", Topic: "orders", Message: msg})

		// Assert
		require.NoError(t, err)
		got := pub.InMemTopic("orders").Messages()
		require.Len(t, got, 1)
		assert.Equal(t, "m-1", got[0].ID)
		assert.Equal(t, "a", string(got[0].Data))
		assert.Equal(t, map[string]string{"k": "v", "cid": "cid-1"}, got[0].Attributes)
		assert.Equal(t, map[string]string{"k": "v"}, msg.Attributes())
	})

	t.Run("KeepsCorrelationAttribute", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := NewRelay(Dependency{Targets: map[string]bps.Publisher{"r": pub}, Instrument: instrument.NewNoop()})
		ctx := instrument.SetCorrelationID(context.Background(), "other")
		msg := bps.NewSubMessage("orders", &bps.PubMessage{Attributes: map[string]string{"cid": "upstream"}})

		// Act
		err := uc.Forward(ctx, ForwardInput{Route: "r", Topic: "orders", Message: msg})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "upstream", pub.InMemTopic("orders").Messages()[0].Attributes["cid"])
	})

	t.Run("UnknownRoute", func(t *testing.T) {

		// Arrange
		uc := NewRelay(Dependency{Instrument: instrument.NewNoop()})

		// Act
		err := uc.Forward(context.Background(), ForwardInput{Route: "x", Topic: "t", Message: bps.RawSubMessage("a")})

		// Assert
		assert.ErrorIs(t, err, ErrUnknownRoute)
	})

	t.Run("ClosedTarget", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		require.NoError(t, pub.Close())
		uc := NewRelay(Dependency{Targets: map[string]bps.Publisher{"r": pub}, Instrument: instrument.NewNoop()})

		// Act
		err := uc.Forward(context.Background(), ForwardInput{Route: "r", Topic: "t", Message: bps.RawSubMessage("a")})

		// Assert
		assert.ErrorIs(t, err, bps.ErrClosed)
	})
}

func TestUsecase_Flush(t *testing.T) {
	t.Run("Success", func(t *testing.T) {

		// Arrange
		uc := NewRelay(Dependency{Targets: map[string]bps.Publisher{"r": bps.NewInMemPublisher()}, Instrument: instrument.NewNoop()})

		// Act
		err := uc.Flush(context.Background(), FlushInput{Route: "r", Topics: []string{"a", "b"}})

		// Assert
		assert.NoError(t, err)
	})

	t.Run("JoinsErrors", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		require.NoError(t, pub.Close())
		uc := NewRelay(Dependency{Targets: map[string]bps.Publisher{"r": pub}, Instrument: instrument.NewNoop()})

		// Act
		err := uc.Flush(context.Background(), FlushInput{Route: "r", Topics: []string{"a", "b"}})

		// Assert
		assert.ErrorIs(t, err, bps.ErrClosed)
	})
}
