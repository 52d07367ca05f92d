package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/config"
	"github.com/shandysiswandi/bps/internal/pkg/goroutine"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/messaging"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
	"github.com/shandysiswandi/bps/internal/relay/entity"
	"github.com/shandysiswandi/bps/internal/relay/inbound"
	"github.com/shandysiswandi/bps/internal/relay/usecase"
)

// ErrDuplicateRoute is returned when two routes share a name.
var ErrDuplicateRoute = errors.New("relay: duplicate route name")

type Dependency struct {
	Ctx        context.Context
	Config     config.Config
	Registry   *bps.Registry
	Instrument instrument.Instrumentation
	UUID       uid.StringID
	Goroutine  *goroutine.Manager
	Validator  validator.Validator
}

// New starts the routes of relay.routes. The returned closer stops every
// subscription before flushing and closing the target publishers.
func New(dep Dependency) (io.Closer, error) {
	var routes []entity.Route
	if err := dep.Config.UnmarshalKey("relay.routes", &routes); err != nil {
		return nil, fmt.Errorf("relay: decode routes: %w", err)
	}

	c := &closer{}
	targets := make(map[string]bps.Publisher, len(routes))
	sources := make([]inbound.Source, 0, len(routes))

	for _, route := range routes {
		if err := dep.Validator.Validate(route); err != nil {
			return nil, errors.Join(fmt.Errorf("relay: route %q: %w", route.Name, err), c.Close())
		}
		if _, ok := targets[route.Name]; ok {
			return nil, errors.Join(fmt.Errorf("%w %q", ErrDuplicateRoute, route.Name), c.Close())
		}

		pub, err := dep.Registry.NewPublisher(dep.Ctx, route.TargetURL, bps.WithOptions(route.TargetOptions))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("relay: route %q: target: %w", route.Name, err), c.Close())
		}
		pub = messaging.ObservePublisher(pub, dep.Instrument, route.TargetScheme())
		c.pubs = append(c.pubs, pub)
		targets[route.Name] = pub

		sub, err := dep.Registry.NewSubscriber(dep.Ctx, route.SourceURL, bps.WithOptions(route.SourceOptions))
		if err != nil {
			return nil, errors.Join(fmt.Errorf("relay: route %q: source: %w", route.Name, err), c.Close())
		}
		sub = messaging.ObserveSubscriber(sub, dep.Instrument, route.SourceScheme())
		c.subs = append(c.subs, sub)

		sources = append(sources, inbound.Source{Route: route, Subscriber: sub})
	}

	uc := usecase.NewRelay(usecase.Dependency{
		Targets:    targets,
		Instrument: dep.Instrument,
	})

	if err := inbound.RegisterMQConsumer(dep.Ctx, dep.Goroutine, sources, dep.UUID, uc, dep.Instrument); err != nil {
		return nil, errors.Join(err, c.Close())
	}

	return c, nil
}

type closer struct {
	subs []bps.Subscriber
	pubs []bps.Publisher
}

// Close stops the sources first so nothing is forwarded to a closed target.
func (c *closer) Close() error {
	var err error
	for _, sub := range slices.Backward(c.subs) {
		err = errors.Join(err, sub.Close())
	}
	for _, pub := range slices.Backward(c.pubs) {
		err = errors.Join(err, pub.Close())
	}
	return err
}
