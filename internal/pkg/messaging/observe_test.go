package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/bps/bpstest"
)

type recordingInstrument struct {
	spans  *tracetest.SpanRecorder
	reader *sdkmetric.ManualReader
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
}

func newRecordingInstrument(t *testing.T) *recordingInstrument {
	t.Helper()

	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	ri := &recordingInstrument{spans: tracetest.NewSpanRecorder(), reader: sdkmetric.NewManualReader()}
	ri.tp = sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(ri.spans))
	ri.mp = sdkmetric.NewMeterProvider(sdkmetric.WithReader(ri.reader))
	return ri
}

func (ri *recordingInstrument) Tracer(name string) trace.Tracer { return ri.tp.Tracer(name) }
func (ri *recordingInstrument) Meter(name string) metric.Meter  { return ri.mp.Meter(name) }
func (ri *recordingInstrument) Shutdown(ctx context.Context) error {
	return errors.Join(ri.tp.Shutdown(ctx), ri.mp.Shutdown(ctx))
}

func (ri *recordingInstrument) counter(t *testing.T, name string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, ri.reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestObservePublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("InjectsTraceContext", func(t *testing.T) {

		// Arrange
		ins := newRecordingInstrument(t)
		inner := bps.NewInMemPublisher()
		pub := ObservePublisher(inner, ins, SchemeMem)
		t.Cleanup(func() { _ = pub.Close() })
		msg := &bps.PubMessage{ID: "m-1", Data: []byte("a"), Attributes: map[string]string{"k": "v"}}

		// Act
		err := pub.Topic("orders").Publish(ctx, msg)

		// Assert
		require.NoError(t, err)
		got := inner.InMemTopic("orders").Messages()
		require.Len(t, got, 1)
		assert.Equal(t, "v", got[0].Attributes["k"])
		assert.NotEmpty(t, got[0].Attributes["traceparent"])
		assert.Equal(t, map[string]string{"k": "v"}, msg.Attributes)

		spans := ins.spans.Ended()
		require.Len(t, spans, 1)
		assert.Equal(t, "publish orders", spans[0].Name())
		assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())
		assert.EqualValues(t, 1, ins.counter(t, "bps.messages.published"))
	})

	t.Run("BatchCountsEveryMessage", func(t *testing.T) {

		// Arrange
		ins := newRecordingInstrument(t)
		inner := bps.NewInMemPublisher()
		pub := ObservePublisher(inner, ins, SchemeMem)
		t.Cleanup(func() { _ = pub.Close() })
		msgs := []*bps.PubMessage{{Data: []byte("a")}, {Data: []byte("b")}}

		// Act
		err := bps.PublishBatch(ctx, pub.Topic("orders"), msgs)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, bpstest.Data(inner.InMemTopic("orders").Messages()))
		assert.EqualValues(t, 2, ins.counter(t, "bps.messages.published"))
	})

	t.Run("Unwrap", func(t *testing.T) {

		// Arrange
		inner := bps.NewInMemPublisher()

		// Act
		pub := ObservePublisher(inner, newRecordingInstrument(t), SchemeMem)

		// Assert
		unwrapper, ok := pub.(interface{ Unwrap() bps.Publisher })
		require.True(t, ok)
		assert.Same(t, inner, unwrapper.Unwrap())
	})
}

func TestObserveSubscriber(t *testing.T) {

	// Arrange
	ctx := context.Background()
	ins := newRecordingInstrument(t)
	inner := bps.NewInMemPublisher()
	pub := ObservePublisher(inner, ins, SchemeMem)
	t.Cleanup(func() { _ = pub.Close() })
	require.NoError(t, pub.Topic("orders").Publish(ctx, &bps.PubMessage{Data: []byte("a")}))
	published := inner.InMemTopic("orders").Messages()[0]

	sub := ObserveSubscriber(bps.NewInMemSubscriber(map[string][]bps.SubMessage{
		"orders": {bps.NewSubMessage("orders", published)},
	}), ins, SchemeMem)
	t.Cleanup(func() { _ = sub.Close() })

	traceIDs := make(chan trace.TraceID, 1)
	h := func(ctx context.Context, _ bps.SubMessage) error {
		traceIDs <- trace.SpanContextFromContext(ctx).TraceID()
		return nil
	}

	// Act
	require.NoError(t, sub.Subscribe(ctx, "orders", h))

	// Assert
	var got trace.TraceID
	select {
	case got = <-traceIDs:
	case <-time.After(bpstest.DefaultTimeout):
		t.Fatal("message was not delivered")
	}
	assert.Equal(t, ins.spans.Ended()[0].SpanContext().TraceID(), got)
	assert.EventuallyWithT(t, func(c *assert.CollectT) {
		var names []string
		for _, s := range ins.spans.Ended() {
			names = append(names, s.Name())
		}
		assert.Contains(c, names, "receive orders")
	}, bpstest.DefaultTimeout, 10*time.Millisecond)
}
