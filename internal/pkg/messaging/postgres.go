package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

const (
	// SchemePostgres selects the LISTEN/NOTIFY adapters.
	SchemePostgres = "postgres"
	// SchemePostgreSQL is an alias of SchemePostgres.
	SchemePostgreSQL = "postgresql"
)

// PostgresSchema is the option surface of the postgres schemes. These keys
// are removed from the URL before it is handed to pgx.
var PostgresSchema = coerce.Schema{
	"prefix": coerce.String(),
}.Merge(ConsumeSchema)

var postgresCoercer = coerce.MustNew(PostgresSchema)

// PostgresConfig configures the LISTEN/NOTIFY adapters. Every topic is the
// channel Prefix+topic. Payloads are JSON with base64 data, so they must
// stay below the server limit of 8000 bytes.
type PostgresConfig struct {
	// DSN is the pgx connection string.
	DSN string `validate:"required"`
	// Prefix is prepended to topic names.
	Prefix string

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// PostgresConfigFromURL builds a PostgresConfig from a postgres URL. Query
// keys of PostgresSchema are stripped from the DSN, the others are kept
// as connection parameters.
func PostgresConfigFromURL(u *url.URL, raw coerce.RawOptions) PostgresConfig {
	opts := postgresCoercer.Coerce(raw)

	dsn := *u
	query := u.Query()
	for key := range query {
		base, _, _ := strings.Cut(key, "[")
		if _, ok := PostgresSchema[base]; ok {
			query.Del(key)
		}
	}
	dsn.RawQuery = query.Encode()

	return PostgresConfig{
		DSN:     dsn.String(),
		Prefix:  stringOr(opts, "prefix", ""),
		Consume: newConsumeOptions(opts),
	}
}

func (cfg PostgresConfig) pool(ctx context.Context) (*pgxpool.Pool, error) {
	if err := validateConfig(SchemePostgres, cfg); err != nil {
		return nil, err
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: postgres parse config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: postgres connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pkgmessage: postgres ping: %w", err)
	}
	return pool, nil
}

func (cfg PostgresConfig) channel(topic string) string {
	return cfg.Prefix + topic
}

// RegisterPostgres binds the postgres and postgresql schemes on reg.
func RegisterPostgres(reg *bps.Registry) {
	pub := func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewPostgresPublisher(ctx, PostgresConfigFromURL(u, raw))
	}
	sub := func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewPostgresSubscriber(ctx, PostgresConfigFromURL(u, raw))
	}
	for _, scheme := range []string{SchemePostgres, SchemePostgreSQL} {
		reg.RegisterPublisher(scheme, pub)
		reg.RegisterSubscriber(scheme, sub)
	}
}

// PostgresPublisher sends notifications with pg_notify. Nothing is retained:
// only listeners connected at publish time receive a message.
type PostgresPublisher struct {
	cfg    PostgresConfig
	pool   *pgxpool.Pool
	life   *bps.Lifecycle
	topics *topicCache[*PostgresTopic]
}

// NewPostgresPublisher connects a publisher.
func NewPostgresPublisher(ctx context.Context, cfg PostgresConfig) (*PostgresPublisher, error) {
	pool, err := cfg.pool(ctx)
	if err != nil {
		return nil, err
	}

	p := &PostgresPublisher{cfg: cfg, pool: pool, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *PostgresTopic {
		return &PostgresTopic{channel: cfg.channel(name), pub: p}
	})
	bps.WatchLeak(p, p.life, "postgres publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *PostgresPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close closes the pool.
func (p *PostgresPublisher) Close() error {
	return p.life.Close(func() error {
		p.pool.Close()
		return nil
	})
}

// PostgresTopic is a notification channel handle.
type PostgresTopic struct {
	channel string
	pub     *PostgresPublisher
}

// Publish notifies the channel and returns once the statement committed.
func (t *PostgresTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pkgmessage: postgres encode: %w", err)
	}
	if _, err := t.pub.pool.Exec(ctx, "SELECT pg_notify($1, $2)", t.channel, string(payload)); err != nil {
		return fmt.Errorf("pkgmessage: postgres notify: %w", err)
	}
	return nil
}

// Flush is a no-op, Publish is synchronous.
func (t *PostgresTopic) Flush(ctx context.Context) error {
	return ctx.Err()
}

// PostgresSubscriber listens on notification channels, one dedicated
// connection per subscription. The start position is always Newest.
type PostgresSubscriber struct {
	cfg  PostgresConfig
	pool *pgxpool.Pool
	life *bps.Lifecycle
	subs *subscriptions
}

// NewPostgresSubscriber connects a subscriber.
func NewPostgresSubscriber(ctx context.Context, cfg PostgresConfig) (*PostgresSubscriber, error) {
	pool, err := cfg.pool(ctx)
	if err != nil {
		return nil, err
	}

	s := &PostgresSubscriber{cfg: cfg, pool: pool, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "postgres subscriber")
	return s, nil
}

// Subscribe runs LISTEN for topic and returns once the server confirmed it.
func (s *PostgresSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, _ ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	pooled, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pkgmessage: postgres acquire: %w", err)
	}
	conn := pooled.Hijack()

	channel := s.cfg.channel(topic)
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return fmt.Errorf("pkgmessage: postgres listen %s: %w", channel, err)
	}

	subCtx, cancel := s.subs.context(ctx)
	s.subs.Go(func() {
		defer cancel()
		defer func() { _ = conn.Close(context.Background()) }()

		for {
			n, err := conn.WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					slog.ErrorContext(subCtx, "postgres listen stopped", "scheme", SchemePostgres, "topic", topic, "error", err)
				}
				return
			}

			var msg bps.PubMessage
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				slog.WarnContext(subCtx, "postgres payload skipped", "scheme", SchemePostgres, "topic", topic, "error", err)
				continue
			}
			_ = bps.Dispatch(subCtx, SchemePostgres, h, bps.NewSubMessage(topic, &msg))
		}
	})
	return nil
}

// Close stops all listeners and closes the pool.
func (s *PostgresSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		s.pool.Close()
		return nil
	})
}
