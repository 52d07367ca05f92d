package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	nsq "github.com/nsqio/go-nsq"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

const (
	// SchemeNSQ selects the NSQ adapters.
	SchemeNSQ = "nsq"

	nsqDefaultPort    = "4150"
	nsqDefaultChannel = "bps"
)

// NSQSchema is the option surface of the nsq scheme.
var NSQSchema = coerce.Schema{
	"lookupd":      coerce.ListOf(coerce.String()),
	"client_id":    coerce.String(),
	"dial_timeout": coerce.Float(),
	"max_attempts": coerce.Int(),
	"envelope":     coerce.Bool(),
}.Merge(ConsumeSchema)

var nsqCoercer = coerce.MustNew(NSQSchema)

// NSQConfig configures the NSQ adapters.
type NSQConfig struct {
	// Addrs lists nsqd TCP addresses. The publisher uses the first one.
	Addrs []string `validate:"required_without=Lookupd,dive,required"`
	// Lookupd lists nsqlookupd HTTP addresses used by subscribers.
	Lookupd []string `validate:"dive,required"`
	// ClientID identifies the client to nsqd.
	ClientID string
	// DialTimeout bounds connecting to nsqd.
	DialTimeout time.Duration `validate:"gte=0"`
	// MaxAttempts is the number of deliveries before a message is dropped, zero is unlimited.
	MaxAttempts int `validate:"gte=0,lte=65535"`
	// Envelope wraps each body in the JSON encoding of the message so ids
	// and attributes reach subscribers. Both sides must agree.
	Envelope bool

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// NSQConfigFromURL builds an NSQConfig from an nsq URL and its options.
func NSQConfigFromURL(u *url.URL, raw coerce.RawOptions) NSQConfig {
	opts := nsqCoercer.Coerce(raw)

	cfg := NSQConfig{
		Addrs:       bps.ParseAddrs(u, nsqDefaultPort),
		ClientID:    stringOr(opts, "client_id", ""),
		DialTimeout: time.Second,
		MaxAttempts: intOr(opts, "max_attempts", 5),
		Envelope:    boolOr(opts, "envelope", false),
		Consume:     newConsumeOptions(opts),
	}
	cfg.Lookupd, _ = opts.Strings("lookupd")
	if d, ok := opts.Seconds("dial_timeout"); ok {
		cfg.DialTimeout = d
	}
	return cfg
}

// RegisterNSQ binds the nsq scheme on reg.
func RegisterNSQ(reg *bps.Registry) {
	reg.RegisterPublisher(SchemeNSQ, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewNSQPublisher(NSQConfigFromURL(u, raw))
	})
	reg.RegisterSubscriber(SchemeNSQ, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewNSQSubscriber(NSQConfigFromURL(u, raw))
	})
}

func (cfg NSQConfig) nsqConfig() *nsq.Config {
	c := nsq.NewConfig()
	if cfg.ClientID != "" {
		c.ClientID = cfg.ClientID
	}
	if cfg.DialTimeout > 0 {
		c.DialTimeout = cfg.DialTimeout
	}
	c.MaxAttempts = uint16(cfg.MaxAttempts)
	c.MaxInFlight = concurrencyOrDefault(cfg.Consume.maxInFlight, cfg.Consume.workers())
	return c
}

// nsqLogger routes client logs through slog.
func nsqLogger() *slogOutput {
	return &slogOutput{scheme: SchemeNSQ}
}

type slogOutput struct {
	scheme string
}

func (o *slogOutput) Output(_ int, s string) error {
	slog.Warn(s, "scheme", o.scheme)
	return nil
}

// NSQPublisher publishes to nsqd. Every Publish waits for the nsqd response.
type NSQPublisher struct {
	producer *nsq.Producer
	envelope bool
	life     *bps.Lifecycle
	topics   *topicCache[*NSQTopic]
}

// NewNSQPublisher connects a producer to the first nsqd address.
func NewNSQPublisher(cfg NSQConfig) (*NSQPublisher, error) {
	if err := validateConfig(SchemeNSQ, cfg); err != nil {
		return nil, err
	}
	if len(cfg.Addrs) == 0 {
		return nil, ErrAddrsRequired
	}

	producer, err := nsq.NewProducer(cfg.Addrs[0], cfg.nsqConfig())
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: nsq new producer: %w", err)
	}
	producer.SetLogger(nsqLogger(), nsq.LogLevelWarning)
	if err := producer.Ping(); err != nil {
		producer.Stop()
		return nil, fmt.Errorf("pkgmessage: nsq ping: %w", err)
	}

	p := &NSQPublisher{producer: producer, envelope: cfg.Envelope, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *NSQTopic {
		return &NSQTopic{name: name, pub: p}
	})
	bps.WatchLeak(p, p.life, "nsq publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *NSQPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close stops the producer.
func (p *NSQPublisher) Close() error {
	return p.life.Close(func() error {
		p.producer.Stop()
		return nil
	})
}

// NSQTopic is an NSQ topic handle. NSQ has no headers, so message ids and
// attributes are only transported with Envelope.
type NSQTopic struct {
	name string
	pub  *NSQPublisher
}

// Publish sends msg and waits for nsqd.
func (t *NSQTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	body, err := t.pub.body(msg)
	if err != nil {
		return err
	}
	if err := t.pub.producer.Publish(t.name, body); err != nil {
		return fmt.Errorf("pkgmessage: nsq publish: %w", err)
	}
	return nil
}

// PublishBatch sends all msgs in a single MPUB.
func (t *NSQTopic) PublishBatch(ctx context.Context, msgs []*bps.PubMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pub.life.Check(); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	bodies := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			return ErrMessageRequired
		}
		body, err := t.pub.body(m)
		if err != nil {
			return err
		}
		bodies = append(bodies, body)
	}
	if err := t.pub.producer.MultiPublish(t.name, bodies); err != nil {
		return fmt.Errorf("pkgmessage: nsq multi publish: %w", err)
	}
	return nil
}

func (p *NSQPublisher) body(msg *bps.PubMessage) ([]byte, error) {
	if !p.envelope {
		return msg.Data, nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: nsq encode envelope: %w", err)
	}
	return body, nil
}

// Flush is a no-op, Publish is synchronous.
func (t *NSQTopic) Flush(ctx context.Context) error {
	return ctx.Err()
}

// NSQSubscriber consumes NSQ topics on a channel. A handler error requeues
// the message.
type NSQSubscriber struct {
	cfg  NSQConfig
	life *bps.Lifecycle
	subs *subscriptions

	mu        sync.Mutex
	consumers []*nsq.Consumer
}

// NewNSQSubscriber constructs an NSQ subscriber. Consumers connect on Subscribe.
func NewNSQSubscriber(cfg NSQConfig) (*NSQSubscriber, error) {
	if err := validateConfig(SchemeNSQ, cfg); err != nil {
		return nil, err
	}

	s := &NSQSubscriber{cfg: cfg, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "nsq subscriber")
	return s, nil
}

// Subscribe starts a consumer for topic on the configured channel, "bps" by
// default, through lookupd when configured.
func (s *NSQSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, _ ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	channel := s.cfg.Consume.channel
	if channel == "" {
		channel = nsqDefaultChannel
	}
	consumer, err := nsq.NewConsumer(topic, channel, s.cfg.nsqConfig())
	if err != nil {
		return fmt.Errorf("pkgmessage: nsq new consumer: %w", err)
	}
	consumer.SetLogger(nsqLogger(), nsq.LogLevelWarning)

	subCtx, cancel := s.subs.context(ctx)
	consumer.AddConcurrentHandlers(nsq.HandlerFunc(func(m *nsq.Message) error {
		return bps.Dispatch(subCtx, SchemeNSQ, h, newNSQMessage(topic, m, s.cfg.Envelope))
	}), s.cfg.Consume.workers())

	if len(s.cfg.Lookupd) > 0 {
		err = consumer.ConnectToNSQLookupds(s.cfg.Lookupd)
	} else {
		err = consumer.ConnectToNSQDs(s.cfg.Addrs)
	}
	if err != nil {
		cancel()
		consumer.Stop()
		return fmt.Errorf("pkgmessage: nsq connect: %w", err)
	}

	s.mu.Lock()
	s.consumers = append(s.consumers, consumer)
	s.mu.Unlock()

	s.subs.Go(func() {
		<-subCtx.Done()
		cancel()
	})
	return nil
}

// Close stops all consumers and waits for in-flight handlers.
func (s *NSQSubscriber) Close() error {
	return s.life.Close(func() error {
		s.mu.Lock()
		consumers := s.consumers
		s.consumers = nil
		s.mu.Unlock()

		var closeErr error
		for _, c := range consumers {
			c.Stop()
			select {
			case <-c.StopChan:
			case <-time.After(30 * time.Second):
				closeErr = errors.Join(closeErr, errors.New("pkgmessage: nsq consumer stop timed out"))
			}
		}
		s.subs.stop()
		return closeErr
	})
}
