package messaging

import (
	"context"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
)

const instrumentationName = "github.com/shandysiswandi/bps/internal/pkg/messaging"

type observer struct {
	scheme    string
	tracer    trace.Tracer
	published metric.Int64Counter
	received  metric.Int64Counter
}

func newObserver(ins instrument.Instrumentation, scheme string) *observer {
	meter := ins.Meter(instrumentationName)
	o := &observer{scheme: scheme, tracer: ins.Tracer(instrumentationName)}

	var err error
	o.published, err = meter.Int64Counter("bps.messages.published", metric.WithDescription("Number of messages handed to a publisher"))
	if err != nil {
		slog.Error("failed to create published counter", "scheme", scheme, "error", err)
	}
	o.received, err = meter.Int64Counter("bps.messages.received", metric.WithDescription("Number of messages delivered to a handler"))
	if err != nil {
		slog.Error("failed to create received counter", "scheme", scheme, "error", err)
	}
	return o
}

func (o *observer) attrs(topic string, err error) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemKey.String(o.scheme),
		semconv.MessagingDestinationNameKey.String(topic),
		attribute.Bool("error", err != nil),
	}
}

// inject returns msg with the trace context of ctx added to its attributes.
// msg itself is never modified.
func inject(ctx context.Context, msg *bps.PubMessage) *bps.PubMessage {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if msg == nil || len(carrier) == 0 {
		return msg
	}
	out := msg.Clone()
	if out.Attributes == nil {
		out.Attributes = make(map[string]string, len(carrier))
	}
	maps.Copy(out.Attributes, carrier)
	return out
}

func extract(ctx context.Context, msg bps.SubMessage) context.Context {
	attrs := msg.Attributes()
	if len(attrs) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(attrs))
}

func (o *observer) end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// ObservePublisher wraps pub so every Publish and Flush is traced and counted.
// The trace context is carried in the message attributes.
func ObservePublisher(pub bps.Publisher, ins instrument.Instrumentation, scheme string) bps.Publisher {
	return &observedPublisher{Publisher: pub, obs: newObserver(ins, scheme)}
}

type observedPublisher struct {
	bps.Publisher
	obs *observer
}

func (p *observedPublisher) Topic(name string) bps.Topic {
	return &observedTopic{Topic: p.Publisher.Topic(name), name: name, obs: p.obs}
}

// Unwrap returns the wrapped publisher.
func (p *observedPublisher) Unwrap() bps.Publisher { return p.Publisher }

type observedTopic struct {
	bps.Topic
	name string
	obs  *observer
}

func (t *observedTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	ctx, span := t.obs.tracer.Start(ctx, "publish "+t.name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.obs.attrs(t.name, nil)[:2]...),
	)
	if msg != nil && msg.ID != "" {
		span.SetAttributes(semconv.MessagingMessageIDKey.String(msg.ID))
	}

	err := t.Topic.Publish(ctx, inject(ctx, msg))
	if t.obs.published != nil {
		t.obs.published.Add(ctx, 1, metric.WithAttributes(t.obs.attrs(t.name, err)...))
	}
	t.obs.end(span, err)
	return err
}

func (t *observedTopic) Flush(ctx context.Context) error {
	ctx, span := t.obs.tracer.Start(ctx, "flush "+t.name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.obs.attrs(t.name, nil)[:2]...),
	)
	err := t.Topic.Flush(ctx)
	t.obs.end(span, err)
	return err
}

// PublishBatch keeps the batch path of the wrapped topic.
func (t *observedTopic) PublishBatch(ctx context.Context, msgs []*bps.PubMessage) error {
	ctx, span := t.obs.tracer.Start(ctx, "publish_batch "+t.name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(t.obs.attrs(t.name, nil)[:2]...),
		trace.WithAttributes(semconv.MessagingBatchMessageCount(len(msgs))),
	)
	out := make([]*bps.PubMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = inject(ctx, msg)
	}
	err := bps.PublishBatch(ctx, t.Topic, out)
	if t.obs.published != nil {
		t.obs.published.Add(ctx, int64(len(msgs)), metric.WithAttributes(t.obs.attrs(t.name, err)...))
	}
	t.obs.end(span, err)
	return err
}

// ObserveSubscriber wraps sub so every delivery is traced and counted.
func ObserveSubscriber(sub bps.Subscriber, ins instrument.Instrumentation, scheme string) bps.Subscriber {
	return &observedSubscriber{Subscriber: sub, obs: newObserver(ins, scheme)}
}

type observedSubscriber struct {
	bps.Subscriber
	obs *observer
}

// Unwrap returns the wrapped subscriber.
func (s *observedSubscriber) Unwrap() bps.Subscriber { return s.Subscriber }

func (s *observedSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if h == nil {
		return s.Subscriber.Subscribe(ctx, topic, h, opts...)
	}
	return s.Subscriber.Subscribe(ctx, topic, func(ctx context.Context, msg bps.SubMessage) error {
		ctx, span := s.obs.tracer.Start(extract(ctx, msg), "receive "+topic,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(s.obs.attrs(topic, nil)[:2]...),
		)
		if id := msg.ID(); id != "" {
			span.SetAttributes(semconv.MessagingMessageIDKey.String(id))
		}

		err := h(ctx, msg)
		if s.obs.received != nil {
			s.obs.received.Add(ctx, 1, metric.WithAttributes(s.obs.attrs(topic, err)...))
		}
		s.obs.end(span, err)
		return err
	}, opts...)
}
