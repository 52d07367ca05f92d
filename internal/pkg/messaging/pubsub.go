package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"google.golang.org/api/option"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// SchemeGCPPubSub selects the Google Pub/Sub adapters.
const SchemeGCPPubSub = "gcppubsub"

// PubSubSchema is the option surface of the gcppubsub scheme.
var PubSubSchema = coerce.Schema{
	"client_id":        coerce.String(),
	"endpoint":         coerce.String(),
	"credentials_file": coerce.String(),
	"without_auth":     coerce.Bool(),
}.Merge(ConsumeSchema)

var pubSubCoercer = coerce.MustNew(PubSubSchema)

// PubSubConfig configures the Google Pub/Sub adapters.
type PubSubConfig struct {
	// ProjectID is the Google Cloud project ID.
	ProjectID string `validate:"required"`
	// ClientID is the suffix of default subscription names.
	ClientID string

	// Endpoint overrides the service endpoint.
	Endpoint string
	// CredentialsFile points to a service account key.
	CredentialsFile string
	// WithoutAuth disables authentication, for emulators.
	WithoutAuth bool

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// PubSubConfigFromURL builds a PubSubConfig from a gcppubsub URL, the host
// names the project.
func PubSubConfigFromURL(u *url.URL, raw coerce.RawOptions) PubSubConfig {
	opts := pubSubCoercer.Coerce(raw)
	return PubSubConfig{
		ProjectID:       u.Hostname(),
		ClientID:        stringOr(opts, "client_id", "bps"),
		Endpoint:        stringOr(opts, "endpoint", ""),
		CredentialsFile: stringOr(opts, "credentials_file", ""),
		WithoutAuth:     boolOr(opts, "without_auth", false),
		Consume:         newConsumeOptions(opts),
	}
}

func (cfg PubSubConfig) client(ctx context.Context) (*pubsub.Client, error) {
	if err := validateConfig(SchemeGCPPubSub, cfg); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.WithoutAuth {
		opts = append(opts, option.WithoutAuthentication())
	}

	c, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: pubsub new client: %w", err)
	}
	return c, nil
}

// RegisterPubSub binds the gcppubsub scheme on reg.
func RegisterPubSub(reg *bps.Registry) {
	reg.RegisterPublisher(SchemeGCPPubSub, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewPubSubPublisher(ctx, PubSubConfigFromURL(u, raw))
	})
	reg.RegisterSubscriber(SchemeGCPPubSub, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewPubSubSubscriber(ctx, PubSubConfigFromURL(u, raw))
	})
}

// PubSubPublisher publishes to Pub/Sub topics. The client batches messages,
// Flush waits for the results of everything published so far.
type PubSubPublisher struct {
	client *pubsub.Client
	life   *bps.Lifecycle
	topics *topicCache[*PubSubTopic]
}

// NewPubSubPublisher constructs a Pub/Sub publisher.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig) (*PubSubPublisher, error) {
	client, err := cfg.client(ctx)
	if err != nil {
		return nil, err
	}

	p := &PubSubPublisher{client: client, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *PubSubTopic {
		return &PubSubTopic{name: name, pub: p, publisher: client.Publisher(name)}
	})
	bps.WatchLeak(p, p.life, "pubsub publisher")
	return p, nil
}

// Topic returns the handle for a topic name or id.
func (p *PubSubPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close flushes and stops all topic publishers and closes the client.
func (p *PubSubPublisher) Close() error {
	return p.life.Close(func() error {
		err := p.topics.flushAll(context.Background())
		for _, t := range p.topics.all() {
			t.publisher.Stop()
		}
		return errors.Join(err, p.client.Close())
	})
}

// PubSubTopic is a Pub/Sub topic handle.
type PubSubTopic struct {
	name      string
	pub       *PubSubPublisher
	publisher *pubsub.Publisher

	mu      sync.Mutex
	pending []*pubsub.PublishResult
}

// Publish queues msg in the client batcher.
func (t *PubSubTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}

	attrs := msg.Attributes
	if msg.ID != "" {
		attrs = withAttribute(attrs, "bps_id", msg.ID)
	}
	res := t.publisher.Publish(ctx, &pubsub.Message{
		Data:       msg.Data,
		Attributes: attrs,
	})

	t.mu.Lock()
	t.pending = append(t.pending, res)
	t.mu.Unlock()
	return nil
}

// Flush sends buffered messages and waits for their results.
func (t *PubSubTopic) Flush(ctx context.Context) error {
	t.publisher.Flush()

	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	var err error
	for _, res := range pending {
		if _, rerr := res.Get(ctx); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if err != nil {
		return fmt.Errorf("pkgmessage: pubsub publish %s: %w", t.name, err)
	}
	return nil
}

func withAttribute(attrs map[string]string, key, val string) map[string]string {
	out := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		out[k] = v
	}
	out[key] = val
	return out
}

// PubSubSubscriber receives from existing Pub/Sub subscriptions. The
// subscription option names it, by default it is <topic>-<client_id>.
// Start positions are governed by the subscription itself.
type PubSubSubscriber struct {
	cfg    PubSubConfig
	client *pubsub.Client
	life   *bps.Lifecycle
	subs   *subscriptions
}

// NewPubSubSubscriber constructs a Pub/Sub subscriber.
func NewPubSubSubscriber(ctx context.Context, cfg PubSubConfig) (*PubSubSubscriber, error) {
	client, err := cfg.client(ctx)
	if err != nil {
		return nil, err
	}

	s := &PubSubSubscriber{cfg: cfg, client: client, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "pubsub subscriber")
	return s, nil
}

// Subscribe starts receiving from the subscription of topic. Messages are
// acked after the handler returns nil and nacked otherwise.
func (s *PubSubSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, _ ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	name := s.cfg.Consume.subscription
	if name == "" {
		name = topic + "-" + s.cfg.ClientID
	}
	sub := s.client.Subscriber(name)
	if s.cfg.Consume.concurrency > 0 {
		sub.ReceiveSettings.NumGoroutines = s.cfg.Consume.concurrency
	}
	if s.cfg.Consume.maxInFlight > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = s.cfg.Consume.maxInFlight
	}

	subCtx, cancel := s.subs.context(ctx)
	s.subs.Go(func() {
		defer cancel()
		err := sub.Receive(subCtx, func(ctx context.Context, m *pubsub.Message) {
			if herr := bps.Dispatch(ctx, SchemeGCPPubSub, h, newPubSubMessage(topic, m)); herr != nil {
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil && subCtx.Err() == nil {
			slog.ErrorContext(subCtx, "pubsub receive stopped", "scheme", SchemeGCPPubSub, "topic", topic, "subscription", name, "error", err)
		}
	})
	return nil
}

// Close stops all receivers and closes the client.
func (s *PubSubSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		return s.client.Close()
	})
}
