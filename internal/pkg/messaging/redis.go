package messaging

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
)

const (
	// SchemeRedis selects the Redis streams adapters.
	SchemeRedis = "redis"
	// SchemeRedisTLS selects the Redis streams adapters over TLS.
	SchemeRedisTLS = "rediss"

	redisDefaultPort  = "6379"
	redisDefaultGroup = "bps"

	redisFieldID    = "id"
	redisFieldData  = "data"
	redisFieldAttrs = "attrs"
)

// RedisSchema is the option surface of the redis schemes.
var RedisSchema = coerce.Schema{
	"client_id": coerce.String(),
	"prefix":    coerce.String(),
	"max_len":   coerce.Int(),
	"block":     coerce.Float(),
	"batch":     coerce.Int(),
	"master":    coerce.String(),
	"ping":      coerce.Bool(),
	"pool_size": coerce.Int(),
}.Merge(ConsumeSchema)

var redisCoercer = coerce.MustNew(RedisSchema)

// RedisConfig configures the Redis streams adapters. Every topic is a
// stream named Prefix+topic.
type RedisConfig struct {
	// Addrs lists server addresses. More than one selects a cluster client,
	// unless MasterName selects sentinel failover.
	Addrs []string `validate:"required,min=1,dive,required"`
	// DB is the database number from the URL path.
	DB int `validate:"gte=0"`
	// Username and Password authenticate the connection.
	Username string
	Password string
	// MasterName is the sentinel master name.
	MasterName string
	// TLS enables TLS, set by the rediss scheme.
	TLS bool
	// PoolSize overrides the connection pool size.
	PoolSize int `validate:"gte=0"`
	// Ping checks connectivity on construction.
	Ping bool

	// ClientID names the consumer within its group.
	ClientID string `validate:"required"`
	// Prefix is prepended to topic names.
	Prefix string
	// MaxLen caps the approximate stream length, zero keeps everything.
	MaxLen int64 `validate:"gte=0"`
	// Block is how long a read waits for new entries.
	Block time.Duration `validate:"gt=0"`
	// Batch is the number of entries fetched per read.
	Batch int64 `validate:"gt=0"`

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// RedisConfigFromURL builds a RedisConfig from a redis or rediss URL.
func RedisConfigFromURL(u *url.URL, raw coerce.RawOptions) (RedisConfig, error) {
	opts := redisCoercer.Coerce(raw)

	cfg := RedisConfig{
		Addrs:      bps.ParseAddrs(u, redisDefaultPort),
		MasterName: stringOr(opts, "master", ""),
		TLS:        u.Scheme == SchemeRedisTLS,
		PoolSize:   intOr(opts, "pool_size", 0),
		Ping:       boolOr(opts, "ping", true),
		ClientID:   stringOr(opts, "client_id", ""),
		Prefix:     stringOr(opts, "prefix", ""),
		MaxLen:     int64(intOr(opts, "max_len", 0)),
		Block:      time.Second,
		Batch:      int64(intOr(opts, "batch", 16)),
		Consume:    newConsumeOptions(opts),
	}
	if d, ok := opts.Seconds("block"); ok && d > 0 {
		cfg.Block = d
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	if db := bps.PathName(u); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return cfg, fmt.Errorf("pkgmessage: redis db %q: %w", db, err)
		}
		cfg.DB = n
	}
	if cfg.ClientID == "" {
		gen, err := uid.NewSnowflake()
		if err != nil {
			return cfg, fmt.Errorf("pkgmessage: generate client id: %w", err)
		}
		cfg.ClientID = "bps-" + gen.GenerateString()
	}
	return cfg, nil
}

func (cfg RedisConfig) client(ctx context.Context) (redis.UniversalClient, error) {
	if err := validateConfig(SchemeRedis, cfg); err != nil {
		return nil, err
	}

	opts := &redis.UniversalOptions{
		Addrs:      cfg.Addrs,
		DB:         cfg.DB,
		Username:   cfg.Username,
		Password:   cfg.Password,
		MasterName: cfg.MasterName,
		PoolSize:   cfg.PoolSize,
		ClientName: cfg.ClientID,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewUniversalClient(opts)

	if cfg.Ping {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("pkgmessage: redis ping: %w", err)
		}
	}
	return client, nil
}

func (cfg RedisConfig) stream(topic string) string {
	return cfg.Prefix + topic
}

// RegisterRedis binds the redis and rediss schemes on reg.
func RegisterRedis(reg *bps.Registry) {
	pub := func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		cfg, err := RedisConfigFromURL(u, raw)
		if err != nil {
			return nil, err
		}
		return NewRedisPublisher(ctx, cfg)
	}
	sub := func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		cfg, err := RedisConfigFromURL(u, raw)
		if err != nil {
			return nil, err
		}
		return NewRedisSubscriber(ctx, cfg)
	}
	for _, scheme := range []string{SchemeRedis, SchemeRedisTLS} {
		reg.RegisterPublisher(scheme, pub)
		reg.RegisterSubscriber(scheme, sub)
	}
}

// RedisPublisher appends messages to Redis streams with XADD.
type RedisPublisher struct {
	cfg    RedisConfig
	client redis.UniversalClient
	life   *bps.Lifecycle
	topics *topicCache[*RedisTopic]
}

// NewRedisPublisher connects a Redis streams publisher.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client, err := cfg.client(ctx)
	if err != nil {
		return nil, err
	}

	p := &RedisPublisher{cfg: cfg, client: client, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *RedisTopic {
		return &RedisTopic{stream: cfg.stream(name), pub: p}
	})
	bps.WatchLeak(p, p.life, "redis publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *RedisPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close closes the client.
func (p *RedisPublisher) Close() error {
	return p.life.Close(p.client.Close)
}

// RedisTopic is a Redis stream handle.
type RedisTopic struct {
	stream string
	pub    *RedisPublisher
}

// Publish appends msg and returns once Redis has stored it.
func (t *RedisTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	args, err := t.args(msg)
	if err != nil {
		return err
	}
	if err := t.pub.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("pkgmessage: redis xadd: %w", err)
	}
	return nil
}

// PublishBatch appends msgs in one pipeline.
func (t *RedisTopic) PublishBatch(ctx context.Context, msgs []*bps.PubMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pub.life.Check(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	_, err := t.pub.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, msg := range msgs {
			args, err := t.args(msg)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, args)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pkgmessage: redis xadd batch: %w", err)
	}
	return nil
}

// Flush is a no-op, Publish is synchronous.
func (t *RedisTopic) Flush(ctx context.Context) error {
	return ctx.Err()
}

func (t *RedisTopic) args(msg *bps.PubMessage) (*redis.XAddArgs, error) {
	values := map[string]any{
		redisFieldData: msg.Data,
	}
	if msg.ID != "" {
		values[redisFieldID] = msg.ID
	}
	if len(msg.Attributes) > 0 {
		attrs, err := json.Marshal(msg.Attributes)
		if err != nil {
			return nil, fmt.Errorf("pkgmessage: redis encode attributes: %w", err)
		}
		values[redisFieldAttrs] = attrs
	}
	return &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: t.pub.cfg.MaxLen,
		Approx: t.pub.cfg.MaxLen > 0,
		Values: values,
	}, nil
}

// RedisSubscriber reads Redis streams through consumer groups. Entries are
// acknowledged with XACK once the handler returns nil.
type RedisSubscriber struct {
	cfg    RedisConfig
	client redis.UniversalClient
	life   *bps.Lifecycle
	subs   *subscriptions
}

// NewRedisSubscriber connects a Redis streams subscriber.
func NewRedisSubscriber(ctx context.Context, cfg RedisConfig) (*RedisSubscriber, error) {
	client, err := cfg.client(ctx)
	if err != nil {
		return nil, err
	}

	s := &RedisSubscriber{cfg: cfg, client: client, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "redis subscriber")
	return s, nil
}

// Subscribe creates the consumer group of topic when missing and starts
// reading. The start position only applies to a newly created group.
func (s *RedisSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	stream := s.cfg.stream(topic)
	group := s.cfg.Consume.group
	if group == "" {
		group = redisDefaultGroup
	}
	start := "$"
	if s.cfg.Consume.subOptions(bps.Newest, opts).Start == bps.Oldest {
		start = "0"
	}
	if err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err(); err != nil && !isRedisBusyGroup(err) {
		return fmt.Errorf("pkgmessage: redis create group %s: %w", group, err)
	}

	subCtx, cancel := s.subs.context(ctx)
	workers := s.cfg.Consume.workers()
	msgCh := make(chan bps.SubMessage, workers)
	s.subs.Go(func() {
		defer cancel()
		defer close(msgCh)
		s.readLoop(subCtx, topic, stream, group, msgCh)
	})
	s.subs.pool(subCtx, workers, SchemeRedis, h, msgCh, func(err error) {
		slog.WarnContext(subCtx, "redis ack failed", "scheme", SchemeRedis, "topic", topic, "error", err)
	})
	return nil
}

func (s *RedisSubscriber) readLoop(ctx context.Context, topic, stream, group string, msgCh chan<- bps.SubMessage) {
	for ctx.Err() == nil {
		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: s.cfg.ClientID,
			Streams:  []string{stream, ">"},
			Count:    s.cfg.Batch,
			Block:    s.cfg.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "redis read failed", "scheme", SchemeRedis, "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		for _, xs := range streams {
			for _, xm := range xs.Messages {
				msg := &redisMessage{topic: topic, stream: stream, group: group, client: s.client, msg: xm}
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// Close stops all readers and closes the client.
func (s *RedisSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		return s.client.Close()
	})
}

func isRedisBusyGroup(err error) bool {
	return strings.HasPrefix(err.Error(), "BUSYGROUP")
}

type redisMessage struct {
	topic  string
	stream string
	group  string
	client redis.UniversalClient
	msg    redis.XMessage
}

func (m *redisMessage) ID() string {
	if id, ok := m.msg.Values[redisFieldID].(string); ok && id != "" {
		return id
	}
	return m.msg.ID
}

func (m *redisMessage) Data() []byte {
	data, _ := m.msg.Values[redisFieldData].(string)
	return []byte(data)
}

func (m *redisMessage) Attributes() map[string]string {
	raw, ok := m.msg.Values[redisFieldAttrs].(string)
	if !ok || raw == "" {
		return nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw), &attrs); err != nil {
		return nil
	}
	return attrs
}

func (m *redisMessage) Topic() string { return m.topic }

func (m *redisMessage) ack(ctx context.Context) error {
	return m.client.XAck(ctx, m.stream, m.group, m.msg.ID).Err()
}

// nack leaves the entry pending in the group.
func (m *redisMessage) nack(context.Context) error { return nil }
