package messaging

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"
	"github.com/sethvargo/go-retry"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

const (
	// SchemeKafka selects the buffered Kafka publisher and the consumer group subscriber.
	SchemeKafka = "kafka"
	// SchemeKafkaSync selects the reliable Kafka publisher.
	SchemeKafkaSync = "kafka+sync"

	kafkaDefaultPort = "9092"
)

// ErrKafkaSASLMechanism is returned for SASL mechanisms other than plain, scram-sha-256 and scram-sha-512.
var ErrKafkaSASLMechanism = errors.New("pkgmessage: unsupported kafka sasl mechanism")

// KafkaSchema is the option surface of the kafka schemes.
var KafkaSchema = coerce.Schema{
	"client_id":     coerce.String(),
	"max_retries":   coerce.Int(),
	"retry_backoff": coerce.Float(),
	"batch_size":    coerce.Int(),
	"batch_bytes":   coerce.Int(),
	"batch_timeout": coerce.Float(),
	"required_acks": coerce.Int(),
	"compression":   coerce.Symbol(),
	"tls":           coerce.Bool(),
	"sasl": coerce.Nested(coerce.Schema{
		"mechanism": coerce.Symbol(),
		"user":      coerce.String(),
		"password":  coerce.String(),
	}),
}.Merge(ConsumeSchema)

var kafkaCoercer = coerce.MustNew(KafkaSchema)

// KafkaSASLConfig configures SASL authentication.
type KafkaSASLConfig struct {
	// Mechanism is one of plain, scram-sha-256 or scram-sha-512. Empty disables SASL.
	Mechanism string `validate:"omitempty,oneof=plain scram-sha-256 scram-sha-512"`
	// User is the SASL user name.
	User string `validate:"required_with=Mechanism"`
	// Password is the SASL password.
	Password string
}

// KafkaConfig configures the Kafka adapters.
type KafkaConfig struct {
	// Brokers lists Kafka broker addresses.
	Brokers []string `validate:"required,min=1,dive,required"`
	// ClientID identifies the client to the brokers.
	ClientID string

	// Sync makes every Publish wait for the broker acknowledgement.
	Sync bool
	// MaxRetries bounds the retries of a single synchronous Publish.
	MaxRetries int `validate:"gte=0"`
	// RetryBackoff is the constant delay between synchronous retries.
	RetryBackoff time.Duration `validate:"gte=0"`

	// BatchSize is the number of buffered messages that triggers a flush.
	BatchSize int `validate:"gte=0"`
	// BatchBytes limits the size of a single request.
	BatchBytes int64 `validate:"gte=0"`
	// BatchTimeout is the interval of the background flush.
	BatchTimeout time.Duration `validate:"gte=0"`
	// RequiredAcks is -1 (all), 0 (none) or 1 (leader).
	RequiredAcks int `validate:"oneof=-1 0 1"`
	// Compression is one of gzip, snappy, lz4 or zstd.
	Compression string `validate:"omitempty,oneof=gzip snappy lz4 zstd"`

	// TLS enables TLS with the system roots.
	TLS bool
	// SASL configures authentication.
	SASL KafkaSASLConfig

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// KafkaConfigFromURL builds a KafkaConfig from a kafka URL and its options.
func KafkaConfigFromURL(u *url.URL, raw coerce.RawOptions) KafkaConfig {
	opts := kafkaCoercer.Coerce(raw)

	cfg := KafkaConfig{
		Brokers:      bps.ParseAddrs(u, kafkaDefaultPort),
		ClientID:     stringOr(opts, "client_id", ""),
		Sync:         u.Scheme == SchemeKafkaSync,
		MaxRetries:   intOr(opts, "max_retries", 3),
		RetryBackoff: 100 * time.Millisecond,
		BatchSize:    intOr(opts, "batch_size", 100),
		BatchBytes:   int64(intOr(opts, "batch_bytes", 1<<20)),
		BatchTimeout: time.Second,
		RequiredAcks: intOr(opts, "required_acks", int(kafka.RequireAll)),
		Compression:  stringOr(opts, "compression", ""),
		TLS:          boolOr(opts, "tls", false),
		Consume:      newConsumeOptions(opts),
	}
	if d, ok := opts.Seconds("retry_backoff"); ok {
		cfg.RetryBackoff = d
	}
	if d, ok := opts.Seconds("batch_timeout"); ok {
		cfg.BatchTimeout = d
	}
	if s, ok := opts.Nested("sasl"); ok {
		cfg.SASL = KafkaSASLConfig{
			Mechanism: stringOr(s, "mechanism", ""),
			User:      stringOr(s, "user", ""),
			Password:  stringOr(s, "password", ""),
		}
	}
	if u.User != nil && cfg.SASL.User == "" {
		cfg.SASL.User = u.User.Username()
		cfg.SASL.Password, _ = u.User.Password()
		if cfg.SASL.Mechanism == "" {
			cfg.SASL.Mechanism = "plain"
		}
	}
	return cfg
}

// RegisterKafka binds the kafka and kafka+sync schemes on reg.
func RegisterKafka(reg *bps.Registry) {
	pub := func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewKafkaPublisher(KafkaConfigFromURL(u, raw))
	}
	sub := func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewKafkaSubscriber(KafkaConfigFromURL(u, raw))
	}
	reg.RegisterPublisher(SchemeKafka, pub)
	reg.RegisterPublisher(SchemeKafkaSync, pub)
	reg.RegisterSubscriber(SchemeKafka, sub)
	reg.RegisterSubscriber(SchemeKafkaSync, sub)
}

func (cfg KafkaConfig) scheme() string {
	if cfg.Sync {
		return SchemeKafkaSync
	}
	return SchemeKafka
}

func (cfg KafkaConfig) mechanism() (sasl.Mechanism, error) {
	switch cfg.SASL.Mechanism {
	case "":
		return nil, nil
	case "plain":
		return plain.Mechanism{Username: cfg.SASL.User, Password: cfg.SASL.Password}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, cfg.SASL.User, cfg.SASL.Password)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, cfg.SASL.User, cfg.SASL.Password)
	default:
		return nil, fmt.Errorf("%w: %s", ErrKafkaSASLMechanism, cfg.SASL.Mechanism)
	}
}

func (cfg KafkaConfig) tlsConfig() *tls.Config {
	if !cfg.TLS {
		return nil
	}
	return &tls.Config{MinVersion: tls.VersionTLS12}
}

func (cfg KafkaConfig) compression() kafka.Compression {
	switch cfg.Compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return 0
	}
}

// KafkaPublisher publishes to Kafka topics. In buffered mode messages are
// queued per topic and written when BatchSize is reached, every BatchTimeout,
// on Flush and on Close. In sync mode every Publish is written with bounded
// retries.
type KafkaPublisher struct {
	cfg    KafkaConfig
	writer *kafka.Writer
	life   *bps.Lifecycle
	topics *topicCache[*KafkaTopic]

	// loopMu orders starting flush loops against Close, stopped is set
	// once no loop may be started.
	loopMu  sync.Mutex
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewKafkaPublisher constructs a Kafka publisher.
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if err := validateConfig(cfg.scheme(), cfg); err != nil {
		return nil, err
	}
	mech, err := cfg.mechanism()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    concurrencyOrDefault(cfg.BatchSize, 1),
		BatchBytes:   cfg.BatchBytes,
		BatchTimeout: time.Millisecond,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.compression(),
		Transport: &kafka.Transport{
			ClientID: cfg.ClientID,
			TLS:      cfg.tlsConfig(),
			SASL:     mech,
		},
	}
	if cfg.Sync {
		writer.MaxAttempts = 1
	}

	p := &KafkaPublisher{
		cfg:    cfg,
		writer: writer,
		life:   bps.NewLifecycle(),
		done:   make(chan struct{}),
	}
	p.topics = newTopicCache(p.newTopic)
	bps.WatchLeak(p, p.life, "kafka publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *KafkaPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close flushes all topics and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.life.Close(func() error {
		p.loopMu.Lock()
		p.stopped = true
		close(p.done)
		p.loopMu.Unlock()
		p.wg.Wait()

		ctx := context.Background()
		err := p.topics.flushAll(ctx)
		return errors.Join(err, p.writer.Close())
	})
}

func (p *KafkaPublisher) newTopic(name string) *KafkaTopic {
	t := &KafkaTopic{name: name, pub: p}
	if p.cfg.Sync || p.cfg.BatchTimeout <= 0 {
		return t
	}

	p.loopMu.Lock()
	defer p.loopMu.Unlock()
	if !p.stopped {
		p.wg.Go(t.flushLoop)
	}
	return t
}

// KafkaTopic is a Kafka topic handle.
type KafkaTopic struct {
	name string
	pub  *KafkaPublisher

	mu      sync.Mutex
	pending []kafka.Message
}

// Publish sends msg, see KafkaPublisher for the delivery modes.
func (t *KafkaTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	km := kafkaMessageFrom(t.name, msg)

	if t.pub.cfg.Sync {
		return t.writeSync(ctx, km)
	}

	t.mu.Lock()
	t.pending = append(t.pending, km)
	full := len(t.pending) >= concurrencyOrDefault(t.pub.cfg.BatchSize, 1)
	t.mu.Unlock()

	if full {
		return t.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered messages.
func (t *KafkaTopic) Flush(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return nil
	}
	if err := t.pub.writer.WriteMessages(ctx, t.pending...); err != nil {
		return fmt.Errorf("pkgmessage: kafka flush %s: %w", t.name, err)
	}
	t.pending = nil
	return nil
}

func (t *KafkaTopic) writeSync(ctx context.Context, km kafka.Message) error {
	backoff := retry.WithMaxRetries(uint64(t.pub.cfg.MaxRetries), retry.NewConstant(t.pub.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := t.pub.writer.WriteMessages(ctx, km); err != nil {
			slog.DebugContext(ctx, "kafka publish attempt failed", "scheme", SchemeKafkaSync, "topic", t.name, "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pkgmessage: kafka publish: %w", err)
	}
	return nil
}

func (t *KafkaTopic) flushLoop() {
	ticker := time.NewTicker(t.pub.cfg.BatchTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-t.pub.done:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := t.Flush(ctx); err != nil {
				slog.WarnContext(ctx, "kafka background flush failed", "scheme", SchemeKafka, "topic", t.name, "error", err)
			}
		}
	}
}

// KafkaSubscriber consumes Kafka topics through consumer group readers.
// Messages are committed once the handler returns nil.
type KafkaSubscriber struct {
	cfg    KafkaConfig
	dialer *kafka.Dialer
	life   *bps.Lifecycle
	subs   *subscriptions

	mu      sync.Mutex
	readers []*kafka.Reader
}

// NewKafkaSubscriber constructs a Kafka subscriber.
func NewKafkaSubscriber(cfg KafkaConfig) (*KafkaSubscriber, error) {
	if err := validateConfig(cfg.scheme(), cfg); err != nil {
		return nil, err
	}
	mech, err := cfg.mechanism()
	if err != nil {
		return nil, err
	}

	s := &KafkaSubscriber{
		cfg: cfg,
		dialer: &kafka.Dialer{
			ClientID:      cfg.ClientID,
			Timeout:       10 * time.Second,
			DualStack:     true,
			TLS:           cfg.tlsConfig(),
			SASLMechanism: mech,
		},
		life: bps.NewLifecycle(),
		subs: newSubscriptions(),
	}
	bps.WatchLeak(s, s.life, "kafka subscriber")
	return s, nil
}

// Subscribe starts a consumer group reader for topic. The group defaults to
// the client id, then to "bps".
func (s *KafkaSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	so := s.cfg.Consume.subOptions(bps.Newest, opts)
	startOffset := kafka.LastOffset
	if so.Start == bps.Oldest {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.cfg.Brokers,
		GroupID:     s.group(),
		Topic:       topic,
		MaxBytes:    10e6,
		Dialer:      s.dialer,
		StartOffset: startOffset,
	})
	if err := s.addReader(reader); err != nil {
		return errors.Join(err, reader.Close())
	}

	subCtx, cancel := s.subs.context(ctx)
	msgCh := make(chan bps.SubMessage)
	s.subs.Go(func() {
		defer cancel()
		defer close(msgCh)
		kafkaFetchLoop(subCtx, reader, topic, msgCh)
	})
	s.subs.pool(subCtx, s.cfg.Consume.workers(), SchemeKafka, h, msgCh, func(err error) {
		slog.WarnContext(subCtx, "kafka commit failed", "scheme", SchemeKafka, "topic", topic, "error", err)
	})
	return nil
}

// Close stops all readers.
func (s *KafkaSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()

		s.mu.Lock()
		readers := s.readers
		s.readers = nil
		s.mu.Unlock()

		var closeErr error
		for _, r := range readers {
			closeErr = errors.Join(closeErr, r.Close())
		}
		return closeErr
	})
}

func (s *KafkaSubscriber) group() string {
	if s.cfg.Consume.group != "" {
		return s.cfg.Consume.group
	}
	if s.cfg.ClientID != "" {
		return s.cfg.ClientID
	}
	return "bps"
}

func (s *KafkaSubscriber) addReader(reader *kafka.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.life.Closed() {
		return bps.ErrClosed
	}
	s.readers = append(s.readers, reader)
	return nil
}

func kafkaFetchLoop(ctx context.Context, reader *kafka.Reader, topic string, msgCh chan<- bps.SubMessage) {
	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.WarnContext(ctx, "kafka fetch failed", "scheme", SchemeKafka, "topic", topic, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		select {
		case msgCh <- newKafkaMessage(reader, m):
		case <-ctx.Done():
			return
		}
	}
}
