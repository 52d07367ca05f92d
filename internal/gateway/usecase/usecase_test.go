package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/goerror"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

type staticID string

func (s staticID) Generate() string { return string(s) }

type staticSchemes struct{ pub, sub []string }

func (s staticSchemes) Schemes() ([]string, []string) { return s.pub, s.sub }

type failingPublisher struct {
	bps.UnimplementedPublisher
	err error
}

func (p failingPublisher) Topic(string) bps.Topic { return failingTopic{err: p.err} }

type failingTopic struct{ err error }

func (t failingTopic) Publish(context.Context, *bps.PubMessage) error { return t.err }
func (t failingTopic) Flush(context.Context) error                    { return t.err }

type fakeDedup struct {
	err  error
	keys []string
}

func (d *fakeDedup) Exec(ctx context.Context, key string, fn func(context.Context) error, _ ...idempotency.Option) error {
	d.keys = append(d.keys, key)
	if d.err != nil {
		return d.err
	}
	return fn(ctx)
}

func newTestUsecase(t *testing.T, pub bps.Publisher) *Usecase {
	t.Helper()

	v, err := validator.NewV10Validator()
	require.NoError(t, err)

	return NewGateway(Dependency{
		Publisher:  pub,
		Schemes:    staticSchemes{pub: []string{"kafka", "mem"}, sub: []string{"mem"}},
		Validator:  v,
		UUID:       staticID("generated-id"),
		Instrument: instrument.NewNoop(),
	})
}

func requireCode(t *testing.T, err error, code goerror.Code) {
	t.Helper()

	var gerr *goerror.Error
	require.ErrorAs(t, err, &gerr)
	assert.Equal(t, code, gerr.Code())
}

func TestUsecase_Publish(t *testing.T) {
	t.Run("Success", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := newTestUsecase(t, pub)
		ctx := instrument.SetCorrelationID(context.Background(), "cid-1")

		// Act
		out, err := uc.Publish(ctx, PublishInput{
			Topic:      " orders ",
			Data:       []byte("payload"),
			Attributes: map[string]string{"k": "v"},
		})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, &PublishOutput{ID: "generated-id", Topic: "orders"}, out)
		got := pub.InMemTopic("orders").Messages()
		require.Len(t, got, 1)
		assert.Equal(t, "payload", string(got[0].Data))
		assert.Equal(t, map[string]string{"k": "v", "cid": "cid-1"}, got[0].Attributes)
	})

	t.Run("KeepsCallerIDAndCorrelation", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := newTestUsecase(t, pub)
		ctx := instrument.SetCorrelationID(context.Background(), "cid-1")
		attrs := map[string]string{"cid": "upstream"}

		// Act
		out, err := uc.Publish(ctx, PublishInput{Topic: "orders", ID: "m-1", Attributes: attrs})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, "m-1", out.ID)
		got := pub.InMemTopic("orders").Messages()
		require.Len(t, got, 1)
		assert.Equal(t, "upstream", got[0].Attributes["cid"])
		assert.Equal(t, map[string]string{"cid": "upstream"}, attrs)
	})

	t.Run("InvalidTopic", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, bps.NewInMemPublisher())

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "-bad topic"})

		// Assert
		requireCode(t, err, goerror.CodeInvalidInput)
		var verr validator.V10ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, verr.Values(), "topic")
	})

	t.Run("TopicLeavingDirectory", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := newTestUsecase(t, pub)

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "a/../../../etc/evil", Data: []byte("x")})

		// Assert
		requireCode(t, err, goerror.CodeInvalidInput)
		assert.Empty(t, pub.InMemTopic("a/../../../etc/evil").Messages())
	})

	t.Run("NotConfigured", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, nil)

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders"})

		// Assert
		requireCode(t, err, goerror.CodeUnavailable)
	})

	t.Run("Closed", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		require.NoError(t, pub.Close())
		uc := newTestUsecase(t, pub)

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders"})

		// Assert
		requireCode(t, err, goerror.CodeUnavailable)
		assert.ErrorIs(t, err, bps.ErrClosed)
	})

	t.Run("Timeout", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, failingPublisher{err: context.DeadlineExceeded})

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders"})

		// Assert
		requireCode(t, err, goerror.CodeTimeout)
	})

	t.Run("BackendError", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, failingPublisher{err: errors.New("broker down")})

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders"})

		// Assert
		requireCode(t, err, goerror.CodeInternal)
	})
}

func TestUsecase_PublishIdempotent(t *testing.T) {
	t.Run("FirstPublish", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := newTestUsecase(t, pub)
		dd := &fakeDedup{}
		uc.dedup = dd

		// Act
		out, err := uc.Publish(context.Background(), PublishInput{Topic: "orders", ID: "m-1"})

		// Assert
		require.NoError(t, err)
		assert.False(t, out.Duplicate)
		assert.Equal(t, []string{"orders/m-1"}, dd.keys)
		assert.Len(t, pub.InMemTopic("orders").Messages(), 1)
	})

	t.Run("Duplicate", func(t *testing.T) {

		// Arrange
		pub := bps.NewInMemPublisher()
		uc := newTestUsecase(t, pub)
		uc.dedup = &fakeDedup{err: idempotency.ErrAlreadyCompleted}

		// Act
		out, err := uc.Publish(context.Background(), PublishInput{Topic: "orders", ID: "m-1"})

		// Assert
		require.NoError(t, err)
		assert.Equal(t, &PublishOutput{ID: "m-1", Topic: "orders", Duplicate: true}, out)
		assert.Empty(t, pub.InMemTopic("orders").Messages())
	})

	t.Run("InProgress", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, bps.NewInMemPublisher())
		uc.dedup = &fakeDedup{err: idempotency.ErrAlreadyInProgress}

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders", ID: "m-1"})

		// Assert
		requireCode(t, err, goerror.CodeConflict)
	})

	t.Run("GeneratedIDSkipsDedup", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, bps.NewInMemPublisher())
		dd := &fakeDedup{}
		uc.dedup = dd

		// Act
		_, err := uc.Publish(context.Background(), PublishInput{Topic: "orders"})

		// Assert
		require.NoError(t, err)
		assert.Empty(t, dd.keys)
	})
}

func TestUsecase_Flush(t *testing.T) {
	t.Run("Success", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, bps.NewInMemPublisher())

		// Act
		err := uc.Flush(context.Background(), FlushInput{Topic: "orders"})

		// Assert
		assert.NoError(t, err)
	})

	t.Run("InvalidTopic", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, bps.NewInMemPublisher())

		// Act
		err := uc.Flush(context.Background(), FlushInput{Topic: ""})

		// Assert
		requireCode(t, err, goerror.CodeInvalidInput)
	})

	t.Run("NotConfigured", func(t *testing.T) {

		// Arrange
		uc := newTestUsecase(t, nil)

		// Act
		err := uc.Flush(context.Background(), FlushInput{Topic: "orders"})

		// Assert
		requireCode(t, err, goerror.CodeUnavailable)
	})
}

func TestUsecase_Schemes(t *testing.T) {

	// Arrange
	uc := newTestUsecase(t, nil)

	// Act
	out := uc.Schemes(context.Background())

	// Assert
	assert.Equal(t, []string{"kafka", "mem"}, out.Publishers)
	assert.Equal(t, []string{"mem"}, out.Subscribers)
}
