package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/goroutine"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/relay/entity"
	"github.com/shandysiswandi/bps/internal/relay/usecase"
)

// Source is a route together with the subscriber resolved for its source url.
type Source struct {
	Route      entity.Route
	Subscriber bps.Subscriber
}

// RegisterMQConsumer subscribes every topic of every source and starts the
// periodic flush of routes with a flush interval on routine.
func RegisterMQConsumer(
	ctx context.Context,
	routine *goroutine.Manager,
	sources []Source,
	uuid uid.StringID,
	uc uc,
	ins instrument.Instrumentation,
) error {
	for _, src := range sources {
		for _, topic := range src.Route.Topics {
			h := &MQHandler{route: src.Route.Name, topic: topic, uc: uc, uuid: uuid, ins: ins}
			if err := src.Subscriber.Subscribe(ctx, topic, h.Forward, src.Route.SubOptions()...); err != nil {
				return fmt.Errorf("relay: route %q: subscribe %q: %w", src.Route.Name, topic, err)
			}
			slog.InfoContext(ctx, "relay subscribed", "route", src.Route.Name, "topic", topic,
				"source", src.Route.SourceScheme(), "target", src.Route.TargetScheme())
		}

		if interval := src.Route.FlushInterval(); interval > 0 {
			route := src.Route
			routine.Go(ctx, func(ctx context.Context) error {
				return flushLoop(ctx, uc, route, interval)
			})
		}
	}
	return nil
}

func flushLoop(ctx context.Context, uc uc, route entity.Route, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// errors are logged by the usecase, the next tick retries
			_ = uc.Flush(ctx, usecase.FlushInput{Route: route.Name, Topics: route.Topics})
		}
	}
}

type MQHandler struct {
	route string
	topic string
	uc    uc
	uuid  uid.StringID
	ins   instrument.Instrumentation
}

func (h *MQHandler) ensureCorrelationID(ctx context.Context, attrs map[string]string) context.Context {
	if cID := attrs[instrument.CorrelationIDAttribute]; cID != "" {
		return instrument.SetCorrelationID(ctx, cID)
	}
	return instrument.SetCorrelationID(ctx, h.uuid.Generate())
}

// Forward hands a received message to the usecase. A failed forward is
// returned so backends with acknowledgement redeliver the message.
func (h *MQHandler) Forward(ctx context.Context, msg bps.SubMessage) error {
	ctx = h.ensureCorrelationID(ctx, msg.Attributes())

	ctx, span := h.ins.Tracer("relay.inbound.mq").Start(ctx, "Forward")
	defer span.End()

	slog.DebugContext(ctx, "relay: message received", "route", h.route, "topic", h.topic, "id", msg.ID(), "bytes", len(msg.Data()))

	return h.uc.Forward(ctx, usecase.ForwardInput{Route: h.route, Topic: h.topic, Message: msg})
}
