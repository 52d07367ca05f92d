package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/samber/lo"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

const (
	// SchemeNATS selects the core NATS adapters.
	SchemeNATS = "nats"

	natsDefaultPort = "4222"
)

// NATSSchema is the option surface of the nats scheme.
var NATSSchema = coerce.Schema{
	"servers":        coerce.ListOf(coerce.String()),
	"name":           coerce.String(),
	"token":          coerce.String(),
	"flush_timeout":  coerce.Float(),
	"max_reconnects": coerce.Int(),
}.Merge(ConsumeSchema)

var natsCoercer = coerce.MustNew(NATSSchema)

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// Servers lists server URLs, e.g. nats://host:4222.
	Servers []string `validate:"required,min=1,dive,required"`
	// Name is the client connection name.
	Name string

	// User and Password authenticate with user credentials.
	User     string
	Password string
	// Token authenticates with a token.
	Token string

	// FlushTimeout bounds Flush when the context has no deadline.
	FlushTimeout time.Duration `validate:"gt=0"`
	// MaxReconnects is the number of reconnect attempts, -1 retries forever.
	MaxReconnects int `validate:"gte=-1"`

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// NATSConfigFromURL builds a NATSConfig from a nats URL and its options.
// Hosts of the URL and the servers option are combined.
func NATSConfigFromURL(u *url.URL, raw coerce.RawOptions) NATSConfig {
	return natsConfigFrom(u, natsCoercer.Coerce(raw))
}

func natsConfigFrom(u *url.URL, opts coerce.Options) NATSConfig {
	servers := lo.Map(bps.ParseAddrs(u, natsDefaultPort), func(addr string, _ int) string {
		return "nats://" + addr
	})
	if extra, ok := opts.Strings("servers"); ok {
		servers = append(servers, extra...)
	}

	cfg := NATSConfig{
		Servers:       lo.Uniq(servers),
		Name:          stringOr(opts, "name", ""),
		Token:         stringOr(opts, "token", ""),
		FlushTimeout:  5 * time.Second,
		MaxReconnects: intOr(opts, "max_reconnects", nats.DefaultMaxReconnect),
		Consume:       newConsumeOptions(opts),
	}
	if d, ok := opts.Seconds("flush_timeout"); ok && d > 0 {
		cfg.FlushTimeout = d
	}
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}
	return cfg
}

func (cfg NATSConfig) connect() (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "scheme", SchemeNATS, "error", err)
			}
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: nats connect: %w", err)
	}
	return conn, nil
}

// RegisterNATS binds the nats scheme on reg.
func RegisterNATS(reg *bps.Registry) {
	reg.RegisterPublisher(SchemeNATS, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewNATSPublisher(NATSConfigFromURL(u, raw))
	})
	reg.RegisterSubscriber(SchemeNATS, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewNATSSubscriber(NATSConfigFromURL(u, raw))
	})
}

// NATSPublisher publishes to NATS subjects. Messages are buffered by the
// client and written on Flush.
type NATSPublisher struct {
	cfg    NATSConfig
	conn   *nats.Conn
	life   *bps.Lifecycle
	topics *topicCache[*NATSTopic]
}

// NewNATSPublisher connects a NATS publisher.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	if err := validateConfig(SchemeNATS, cfg); err != nil {
		return nil, err
	}
	conn, err := cfg.connect()
	if err != nil {
		return nil, err
	}

	p := &NATSPublisher{cfg: cfg, conn: conn, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *NATSTopic {
		return &NATSTopic{subject: name, pub: p}
	})
	bps.WatchLeak(p, p.life, "nats publisher")
	return p, nil
}

// Topic returns the handle for the subject name.
func (p *NATSPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close flushes and drains the connection.
func (p *NATSPublisher) Close() error {
	return p.life.Close(func() error {
		ferr := p.flush(context.Background())
		derr := p.conn.Drain()
		if derr != nil {
			p.conn.Close()
		}
		return errors.Join(ferr, derr)
	})
}

func (p *NATSPublisher) flush(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.FlushTimeout)
		defer cancel()
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("pkgmessage: nats flush: %w", err)
	}
	return nil
}

// NATSTopic is a NATS subject handle.
type NATSTopic struct {
	subject string
	pub     *NATSPublisher
}

// Publish queues msg in the client buffer.
func (t *NATSTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	if err := t.pub.conn.PublishMsg(natsMsgFrom(t.subject, msg)); err != nil {
		return fmt.Errorf("pkgmessage: nats publish: %w", err)
	}
	return nil
}

// Flush waits until the server has processed all buffered messages.
func (t *NATSTopic) Flush(ctx context.Context) error {
	return t.pub.flush(ctx)
}

func natsMsgFrom(subject string, msg *bps.PubMessage) *nats.Msg {
	nmsg := nats.NewMsg(subject)
	nmsg.Data = msg.Data
	for k, v := range msg.Attributes {
		nmsg.Header.Set(k, v)
	}
	if msg.ID != "" {
		nmsg.Header.Set(nats.MsgIdHdr, msg.ID)
	}
	return nmsg
}

// NATSSubscriber subscribes to NATS subjects, joining the queue group when
// one is configured. Core NATS retains nothing, so the start position is
// always Newest.
type NATSSubscriber struct {
	cfg  NATSConfig
	conn *nats.Conn
	life *bps.Lifecycle
	subs *subscriptions

	mu    sync.Mutex
	nsubs []*nats.Subscription
}

// NewNATSSubscriber connects a NATS subscriber.
func NewNATSSubscriber(cfg NATSConfig) (*NATSSubscriber, error) {
	if err := validateConfig(SchemeNATS, cfg); err != nil {
		return nil, err
	}
	conn, err := cfg.connect()
	if err != nil {
		return nil, err
	}

	s := &NATSSubscriber{cfg: cfg, conn: conn, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "nats subscriber")
	return s, nil
}

// Subscribe subscribes h to the subject topic.
func (s *NATSSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, _ ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	subCtx, cancel := s.subs.context(ctx)
	workers := s.cfg.Consume.workers()
	msgCh := make(chan bps.SubMessage, workers)

	nsub, err := s.conn.QueueSubscribe(topic, s.cfg.Consume.queueGroup, func(m *nats.Msg) {
		select {
		case msgCh <- newNATSMessage(m):
		case <-subCtx.Done():
		}
	})
	if err != nil {
		cancel()
		return fmt.Errorf("pkgmessage: nats subscribe: %w", err)
	}
	if err := s.conn.Flush(); err != nil {
		cancel()
		return errors.Join(fmt.Errorf("pkgmessage: nats flush: %w", err), nsub.Unsubscribe())
	}

	s.mu.Lock()
	s.nsubs = append(s.nsubs, nsub)
	s.mu.Unlock()

	s.subs.pool(subCtx, workers, SchemeNATS, h, msgCh, nil)
	s.subs.Go(func() {
		<-subCtx.Done()
		cancel()
	})
	return nil
}

// Close unsubscribes and drains the connection.
func (s *NATSSubscriber) Close() error {
	return s.life.Close(func() error {
		s.mu.Lock()
		nsubs := s.nsubs
		s.nsubs = nil
		s.mu.Unlock()

		var closeErr error
		for _, nsub := range nsubs {
			if err := nsub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				closeErr = errors.Join(closeErr, err)
			}
		}
		s.subs.stop()
		s.conn.Close()
		return closeErr
	})
}
