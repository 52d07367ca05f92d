package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shandysiswandi/bps/internal/gateway/inbound"
	"github.com/shandysiswandi/bps/internal/gateway/usecase"
	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/config"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/messaging"
	"github.com/shandysiswandi/bps/internal/pkg/router"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

type Dependency struct {
	Ctx        context.Context
	Config     config.Config
	Instrument instrument.Instrumentation
	Registry   *bps.Registry
	UUID       uid.StringID
	Validator  validator.Validator
	Router     *router.Router

	// Idempotency is optional, see usecase.Dependency.
	Idempotency idempotency.Idempotency
}

// New registers the HTTP gateway. The publisher of gateway.publisher_url is
// resolved through the registry, which owns and closes it. Without a url the
// publish endpoints answer 503.
func New(dep Dependency) error {
	var pub bps.Publisher
	if rawURL := dep.Config.GetString("gateway.publisher_url"); rawURL != "" {
		u, err := bps.ParseURL(rawURL)
		if err != nil {
			return fmt.Errorf("gateway: parse publisher url: %w", err)
		}

		p, err := dep.Registry.NewPublisher(dep.Ctx, rawURL,
			bps.WithOptions(dep.Config.GetStringMap("gateway.publisher_options")))
		if err != nil {
			return fmt.Errorf("gateway: resolve publisher: %w", err)
		}
		pub = messaging.ObservePublisher(p, dep.Instrument, u.Scheme)
		slog.InfoContext(dep.Ctx, "gateway publisher ready", "scheme", u.Scheme, "host", u.Host)
	}

	ucDep := usecase.Dependency{
		Publisher:  pub,
		Schemes:    dep.Registry,
		Validator:  dep.Validator,
		UUID:       dep.UUID,
		Instrument: dep.Instrument,
		Timeout:    dep.Config.GetSecond("gateway.publish_timeout_seconds"),
	}
	if dep.Idempotency != nil {
		ucDep.Idempotency = dep.Idempotency
		ucDep.IdempotencyTTL = dep.Config.GetSecond("gateway.idempotency_ttl_seconds")
	}
	uc := usecase.NewGateway(ucDep)

	inbound.RegisterHTTPEndpoint(dep.Router, uc)

	return nil
}
