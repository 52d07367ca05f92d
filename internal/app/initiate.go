package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/config"
	"github.com/shandysiswandi/bps/internal/pkg/goroutine"
	"github.com/shandysiswandi/bps/internal/pkg/idempotency"
	"github.com/shandysiswandi/bps/internal/pkg/instrument"
	"github.com/shandysiswandi/bps/internal/pkg/messaging"
	"github.com/shandysiswandi/bps/internal/pkg/router"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

func (a *App) initConfig() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/config/config.yaml"
		if os.Getenv("LOCAL") == "true" {
			path = "./config/config.yaml"
		}
	}

	cfg, err := config.NewViper(path)
	if err != nil {
		slog.Error("failed to init config", "error", err)
		os.Exit(1)
	}

	//nolint:errcheck,gosec // ignore error
	os.Setenv("TZ", cfg.GetString("app.tz"))

	a.config = cfg
}

func (a *App) initInstrument() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.config.GetString("instrument.log_level"))); err != nil {
		level = slog.LevelInfo
	}

	ins, err := instrument.New(context.Background(), &instrument.Config{
		Enabled:          a.config.GetBool("instrument.enabled"),
		ServiceName:      a.config.GetString("instrument.service_name"),
		ServiceVersion:   a.config.GetString("instrument.service_version"),
		Environment:      a.config.GetString("instrument.env"),
		OTLPEndpoint:     a.config.GetString("instrument.otlp_endpoint"),
		OTLPSecure:       a.config.GetBool("instrument.otlp_secure"),
		TraceSampleRatio: a.config.GetFloat64("instrument.trace_sample_ratio"),
		MetricsInterval:  a.config.GetSecond("instrument.metric_interval_seconds"),
		LogLevel:         level,
		MaskFields:       a.config.GetArray("instrument.log_mask_fields"),
	})
	if err != nil {
		slog.Error("failed to init instrumentation", "error", err)
		os.Exit(1)
	}

	a.ins = ins
}

func (a *App) initLibraries() {
	a.uuid = uid.NewUUID()
	a.goroutine = goroutine.NewManager(a.config.GetInt("app.server.max_goroutine"))

	validator, err := validator.NewV10Validator()
	if err != nil {
		slog.Error("failed to init validation v10 validator", "error", err)
		os.Exit(1)
	}
	a.validator = validator
}

func (a *App) initCache() {
	rawURL := a.config.GetString("redis.url")
	if rawURL == "" {
		return
	}

	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		slog.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		slog.Error("failed to init redis", "error", err)
		os.Exit(1)
	}

	a.cacheConn = rdb
	a.idemp = idempotency.New(a.cacheConn)
}

func (a *App) initRegistry() {
	reg := bps.NewRegistry()

	messaging.RegisterFile(reg)
	messaging.RegisterPubSub(reg)
	messaging.RegisterBlob(reg)
	messaging.RegisterJetStream(reg)
	messaging.RegisterKafka(reg)
	messaging.RegisterMem(reg)
	messaging.RegisterNATS(reg)
	messaging.RegisterNSQ(reg)
	messaging.RegisterPostgres(reg)
	messaging.RegisterRedis(reg)

	pub, sub := reg.Schemes()
	slog.InfoContext(a.ctx, "bps registry ready", "publishers", pub, "subscribers", sub)

	a.registry = reg
}

func (a *App) initHTTPServer() {
	a.router = router.NewRouter(router.Config{
		UUID:       a.uuid,
		Instrument: a.ins,
		MaskFields: a.config.GetArray("app.server.http.log_mask_headers"),
	})

	routerWithCORS := cors.New(cors.Options{
		AllowedOrigins: a.config.GetArray("app.server.cors"),
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{router.HeaderCorrelationID},
		AllowCredentials: true,
	}).Handler(a.router)

	a.httpServer = &http.Server{
		Addr:              a.config.GetString("app.server.http.address"),
		Handler:           routerWithCORS,
		ReadTimeout:       a.config.GetSecond("app.server.http.read_timeout_seconds"),
		ReadHeaderTimeout: a.config.GetSecond("app.server.http.read_header_timeout_seconds"),
		WriteTimeout:      a.config.GetSecond("app.server.http.write_timeout_seconds"),
		IdleTimeout:       a.config.GetSecond("app.server.http.idle_timeout_seconds"),
	}
}

func (a *App) initClosers() {
	a.closers = []struct {
		name string
		fn   func(context.Context) error
	}{
		{
			name: "Relay",
			fn: func(context.Context) error {
				if a.relay != nil {
					return a.relay.Close()
				}

				return nil
			},
		},
		{
			name: "Registry",
			fn: func(context.Context) error {
				return a.registry.Close()
			},
		},
		{
			name: "Redis",
			fn: func(context.Context) error {
				if a.cacheConn != nil {
					return a.cacheConn.Close()
				}

				return nil
			},
		},
		{
			name: "Instrument",
			fn: func(ctx context.Context) error {
				return a.ins.Shutdown(ctx)
			},
		},
		{
			name: "Config",
			fn: func(context.Context) error {
				return a.config.Close()
			},
		},
	}
}
