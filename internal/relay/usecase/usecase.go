package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
)

// ErrUnknownRoute is returned for a route name without a target.
var ErrUnknownRoute = errors.New("relay: unknown route")

type Usecase struct {
	targets map[string]bps.Publisher
	ins     instrument.Instrumentation
}

type Dependency struct {
	// Targets maps a route name to the publisher messages are forwarded to.
	Targets    map[string]bps.Publisher
	Instrument instrument.Instrumentation
}

func NewRelay(dep Dependency) *Usecase {
	return &Usecase{
		targets: dep.Targets,
		ins:     dep.Instrument,
	}
}

func (s *Usecase) startSpan(ctx context.Context, name, route, topic string) (context.Context, trace.Span) {
	return s.ins.Tracer("relay.usecase").Start(ctx, name, trace.WithAttributes(
		attribute.String("relay.route", route),
		attribute.String("relay.topic", topic),
	))
}

func (s *Usecase) target(route string) (bps.Publisher, error) {
	pub, ok := s.targets[route]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRoute, route)
	}
	return pub, nil
}

type ForwardInput struct {
	Route   string
	Topic   string
	Message bps.SubMessage
}

// Forward republishes a received message on the route target. The correlation
// id of ctx is attached when the message does not carry one.
func (s *Usecase) Forward(ctx context.Context, in ForwardInput) error {
	ctx, span := s.startSpan(ctx, "Forward", in.Route, in.Topic)
	defer span.End()

	pub, err := s.target(in.Route)
	if err != nil {
		return err
	}

	attrs := maps.Clone(in.Message.Attributes())
	if cID := instrument.GetCorrelationID(ctx); cID != "" {
		if attrs == nil {
			attrs = make(map[string]string, 1)
		}
		if _, ok := attrs[instrument.CorrelationIDAttribute]; !ok {
			attrs[instrument.CorrelationIDAttribute] = cID
		}
	}

	msg := &bps.PubMessage{
		ID:         in.Message.ID(),
		Data:       in.Message.Data(),
		Attributes: attrs,
	}
	if err := pub.Topic(in.Topic).Publish(ctx, msg); err != nil {
		slog.ErrorContext(ctx, "failed to forward message", "route", in.Route, "topic", in.Topic, "error", err)
		return err
	}

	return nil
}

type FlushInput struct {
	Route  string
	Topics []string
}

// Flush flushes the given target topics of a route and joins the errors.
func (s *Usecase) Flush(ctx context.Context, in FlushInput) error {
	ctx, span := s.startSpan(ctx, "Flush", in.Route, "")
	defer span.End()

	pub, err := s.target(in.Route)
	if err != nil {
		return err
	}

	var flushErr error
	for _, topic := range in.Topics {
		if err := pub.Topic(topic).Flush(ctx); err != nil {
			slog.WarnContext(ctx, "failed to flush relay target", "route", in.Route, "topic", topic, "error", err)
			flushErr = errors.Join(flushErr, err)
		}
	}
	return flushErr
}
