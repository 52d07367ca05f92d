package app

import (
	"context"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/config"
	"github.com/shandysiswandi/bps/internal/pkg/goroutine"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/router"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

// App wires dependencies and manages service lifecycle.
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	// configuration
	config config.Config
	ins    instrument.Instrumentation

	// libraries
	goroutine *goroutine.Manager
	validator validator.Validator
	uuid      uid.StringID

	// resources
	cacheConn *redis.Client
	idemp     idempotency.Idempotency
	registry  *bps.Registry
	relay     io.Closer

	// server
	router     *router.Router
	httpServer *http.Server

	//
	closers []struct {
		name string
		fn   func(context.Context) error
	}
}

// New initializes the application with default wiring and returns an App instance.
func New() *App {
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		ctx:    ctx,
		cancel: cancel,
	}

	app.initConfig()
	app.initInstrument()
	app.initLibraries()
	app.initCache()
	app.initRegistry()
	app.initHTTPServer()
	app.initModules()
	app.initClosers()

	return app
}
