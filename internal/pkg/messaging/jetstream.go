package messaging

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
)

const (
	// SchemeJetStream selects the NATS JetStream adapters.
	SchemeJetStream = "jetstream"

	jetStreamDefaultStream = "bps"
)

// JetStreamSchema is the option surface of the jetstream scheme. client_id
// and domain are reserved keys, they are never passed to the stream.
var JetStreamSchema = NATSSchema.Merge(coerce.Schema{
	"client_id":     coerce.String(),
	"domain":        coerce.String(),
	"create_stream": coerce.Bool(),
	"max_age":       coerce.Float(),
	"ack_wait":      coerce.Float(),
})

var jetStreamCoercer = coerce.MustNew(JetStreamSchema)

// JetStreamConfig configures the JetStream adapters.
type JetStreamConfig struct {
	NATSConfig

	// ClientID names the connection and prefixes durable consumers.
	ClientID string `validate:"required"`
	// Domain selects a JetStream domain, empty for the default.
	Domain string
	// Stream is the stream holding all topics as <stream>.<topic> subjects.
	Stream string `validate:"required,excludesall=.*>"`
	// CreateStream creates or updates the stream on connect.
	CreateStream bool
	// MaxAge limits the message retention, zero retains forever.
	MaxAge time.Duration `validate:"gte=0"`
	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration `validate:"gte=0"`
}

// JetStreamConfigFromURL builds a JetStreamConfig from a jetstream URL. The
// URL path names the stream. A missing client_id is generated as
// bps-<snowflake>.
func JetStreamConfigFromURL(u *url.URL, raw coerce.RawOptions) (JetStreamConfig, error) {
	opts := jetStreamCoercer.Coerce(raw)

	cfg := JetStreamConfig{
		NATSConfig:   natsConfigFrom(u, opts),
		ClientID:     stringOr(opts, "client_id", ""),
		Domain:       stringOr(opts, "domain", ""),
		Stream:       bps.PathName(u),
		CreateStream: boolOr(opts, "create_stream", true),
		AckWait:      30 * time.Second,
	}
	if cfg.Stream == "" {
		cfg.Stream = jetStreamDefaultStream
	}
	if d, ok := opts.Seconds("max_age"); ok {
		cfg.MaxAge = d
	}
	if d, ok := opts.Seconds("ack_wait"); ok {
		cfg.AckWait = d
	}
	if cfg.ClientID == "" {
		gen, err := uid.NewSnowflake()
		if err != nil {
			return cfg, fmt.Errorf("pkgmessage: generate client id: %w", err)
		}
		cfg.ClientID = "bps-" + gen.GenerateString()
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ClientID
	}
	return cfg, nil
}

// RegisterJetStream binds the jetstream scheme on reg.
func RegisterJetStream(reg *bps.Registry) {
	reg.RegisterPublisher(SchemeJetStream, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		cfg, err := JetStreamConfigFromURL(u, raw)
		if err != nil {
			return nil, err
		}
		return NewJetStreamPublisher(ctx, cfg)
	})
	reg.RegisterSubscriber(SchemeJetStream, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		cfg, err := JetStreamConfigFromURL(u, raw)
		if err != nil {
			return nil, err
		}
		return NewJetStreamSubscriber(ctx, cfg)
	})
}

func (cfg JetStreamConfig) subject(topic string) string {
	return cfg.Stream + "." + topic
}

// durable returns a consumer name valid for JetStream.
func (cfg JetStreamConfig) durable(topic string) string {
	name := cfg.ClientID + "-" + topic
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(name)
}

type jetStreamConn struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

func (cfg JetStreamConfig) open(ctx context.Context) (*jetStreamConn, error) {
	if err := validateConfig(SchemeJetStream, cfg); err != nil {
		return nil, err
	}
	conn, err := cfg.connect()
	if err != nil {
		return nil, err
	}

	var js jetstream.JetStream
	if cfg.Domain != "" {
		js, err = jetstream.NewWithDomain(conn, cfg.Domain)
	} else {
		js, err = jetstream.New(conn)
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("pkgmessage: jetstream init: %w", err)
	}

	if cfg.CreateStream {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Stream + ".>"},
			MaxAge:   cfg.MaxAge,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("pkgmessage: jetstream create stream %s: %w", cfg.Stream, err)
		}
	}
	return &jetStreamConn{conn: conn, js: js}, nil
}

// JetStreamPublisher publishes to a JetStream stream and waits for the
// server acknowledgement of every message.
type JetStreamPublisher struct {
	cfg    JetStreamConfig
	jc     *jetStreamConn
	life   *bps.Lifecycle
	topics *topicCache[*JetStreamTopic]
}

// NewJetStreamPublisher connects a JetStream publisher.
func NewJetStreamPublisher(ctx context.Context, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	jc, err := cfg.open(ctx)
	if err != nil {
		return nil, err
	}

	p := &JetStreamPublisher{cfg: cfg, jc: jc, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *JetStreamTopic {
		return &JetStreamTopic{subject: cfg.subject(name), pub: p}
	})
	bps.WatchLeak(p, p.life, "jetstream publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *JetStreamPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close drains the connection.
func (p *JetStreamPublisher) Close() error {
	return p.life.Close(func() error {
		if err := p.jc.conn.Drain(); err != nil {
			p.jc.conn.Close()
			return err
		}
		return nil
	})
}

// JetStreamTopic is a JetStream subject handle.
type JetStreamTopic struct {
	subject string
	pub     *JetStreamPublisher
}

// Publish sends msg and waits for the PubAck. The message id is used for
// server side deduplication.
func (t *JetStreamTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	if _, err := t.pub.jc.js.PublishMsg(ctx, natsMsgFrom(t.subject, msg)); err != nil {
		return fmt.Errorf("pkgmessage: jetstream publish: %w", err)
	}
	return nil
}

// Flush is a no-op, Publish waits for every acknowledgement.
func (t *JetStreamTopic) Flush(ctx context.Context) error {
	return ctx.Err()
}

// JetStreamSubscriber consumes topics through JetStream consumers. The
// subscription option names a durable consumer, without it the consumer is
// named <client_id>-<topic>.
type JetStreamSubscriber struct {
	cfg  JetStreamConfig
	jc   *jetStreamConn
	life *bps.Lifecycle
	subs *subscriptions

	mu       sync.Mutex
	contexts []jetstream.ConsumeContext
}

// NewJetStreamSubscriber connects a JetStream subscriber.
func NewJetStreamSubscriber(ctx context.Context, cfg JetStreamConfig) (*JetStreamSubscriber, error) {
	jc, err := cfg.open(ctx)
	if err != nil {
		return nil, err
	}

	s := &JetStreamSubscriber{cfg: cfg, jc: jc, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "jetstream subscriber")
	return s, nil
}

// Subscribe creates or updates the consumer for topic and starts consuming.
// Messages are acked after the handler returns nil and nacked otherwise.
func (s *JetStreamSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	so := s.cfg.Consume.subOptions(bps.Newest, opts)
	deliverPolicy := jetstream.DeliverNewPolicy
	if so.Start == bps.Oldest {
		deliverPolicy = jetstream.DeliverAllPolicy
	}
	durable := s.cfg.Consume.subscription
	if durable == "" {
		durable = s.cfg.durable(topic)
	}

	cons, err := s.jc.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: s.cfg.subject(topic),
		DeliverPolicy: deliverPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxAckPending: s.cfg.Consume.maxInFlight,
	})
	if err != nil {
		return fmt.Errorf("pkgmessage: jetstream consumer %s: %w", durable, err)
	}

	subCtx, cancel := s.subs.context(ctx)
	workers := s.cfg.Consume.workers()
	msgCh := make(chan bps.SubMessage, workers)

	cc, err := cons.Consume(func(m jetstream.Msg) {
		select {
		case msgCh <- newJetStreamMessage(topic, m):
		case <-subCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("pkgmessage: jetstream consume: %w", err)
	}

	s.mu.Lock()
	s.contexts = append(s.contexts, cc)
	s.mu.Unlock()

	s.subs.pool(subCtx, workers, SchemeJetStream, h, msgCh, nil)
	s.subs.Go(func() {
		<-subCtx.Done()
		cancel()
	})
	return nil
}

// Close stops all consumers and drains the connection.
func (s *JetStreamSubscriber) Close() error {
	return s.life.Close(func() error {
		s.mu.Lock()
		contexts := s.contexts
		s.contexts = nil
		s.mu.Unlock()

		for _, cc := range contexts {
			cc.Stop()
		}
		s.subs.stop()

		if err := s.jc.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.jc.conn.Close()
			return err
		}
		return nil
	})
}
