package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/goerror"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

type schemeLister interface {
	Schemes() (pub, sub []string)
}

type dedup interface {
	Exec(ctx context.Context, key string, fn func(context.Context) error, opts ...idempotency.Option) error
}

type Usecase struct {
	pub       bps.Publisher
	schemes   schemeLister
	validator validator.Validator
	uuid      uid.StringID
	ins       instrument.Instrumentation
	timeout   time.Duration
	dedup     dedup
	dedupTTL  time.Duration
}

type Dependency struct {
	// Publisher is the backend messages are published to. A nil Publisher
	// makes publish and flush fail as unavailable.
	Publisher  bps.Publisher
	Schemes    schemeLister
	Validator  validator.Validator
	UUID       uid.StringID
	Instrument instrument.Instrumentation

	// Timeout bounds a single publish or flush, zero means no bound.
	Timeout time.Duration

	// Idempotency, when set, publishes a caller supplied message id at most
	// once per topic within IdempotencyTTL.
	Idempotency    dedup
	IdempotencyTTL time.Duration
}

func NewGateway(dep Dependency) *Usecase {
	return &Usecase{
		pub:       dep.Publisher,
		schemes:   dep.Schemes,
		validator: dep.Validator,
		uuid:      dep.UUID,
		ins:       dep.Instrument,
		timeout:   dep.Timeout,
		dedup:     dep.Idempotency,
		dedupTTL:  dep.IdempotencyTTL,
	}
}

func (s *Usecase) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return s.ins.Tracer("gateway.usecase").Start(ctx, name)
}

func (s *Usecase) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// backendError maps a publisher error to a user-facing error.
func backendError(ctx context.Context, op, topic string, err error) error {
	switch {
	case errors.Is(err, bps.ErrClosed):
		return goerror.NewBusinessWrap(err, "publisher is closed", goerror.CodeUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		return goerror.NewBusinessWrap(err, "backend did not respond in time", goerror.CodeTimeout)
	default:
		slog.ErrorContext(ctx, "failed to "+op, "topic", topic, "error", err)
		return goerror.NewServer(err)
	}
}
