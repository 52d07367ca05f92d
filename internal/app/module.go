package app

import (
	"log/slog"
	"os"

	"github.com/shandysiswandi/bps/internal/gateway"
	"github.com/shandysiswandi/bps/internal/relay"
)

func (a *App) initModules() {
	if a.config.GetBool("modules.relay.enabled") {
		closer, err := relay.New(relay.Dependency{
			Ctx:        a.ctx,
			Config:     a.config,
			Registry:   a.registry,
			Instrument: a.ins,
			UUID:       a.uuid,
			Goroutine:  a.goroutine,
			Validator:  a.validator,
		})
		if err != nil {
			slog.Error("failed to init module relay", "error", err)
			os.Exit(1)
		}
		a.relay = closer
	}

	if a.config.GetBool("modules.gateway.enabled") {
		if err := gateway.New(gateway.Dependency{
			Ctx:         a.ctx,
			Config:      a.config,
			Instrument:  a.ins,
			Registry:    a.registry,
			UUID:        a.uuid,
			Validator:   a.validator,
			Router:      a.router,
			Idempotency: a.idemp,
		}); err != nil {
			slog.Error("failed to init module gateway", "error", err)
			os.Exit(1)
		}
	}
}
