package messaging

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// SchemeMem selects the in-process adapters. The URL host names a hub,
// publishers and subscribers of the same hub see each other.
const SchemeMem = "mem"

const (
	memMetaSeq   = "bps_seq"
	memMetaAttrs = "bps_attr_"
)

// MemSchema is the option surface of the mem scheme.
var MemSchema = coerce.Schema{
	"buffer": coerce.Int(),
}.Merge(ConsumeSchema)

var memCoercer = coerce.MustNew(MemSchema)

var (
	memHubsMu sync.Mutex
	memHubs   = map[string]*MemHub{}
)

// MemHub is a persistent in-process broker backed by a watermill GoChannel.
// Every subscriber starting at Oldest receives the whole retained log.
type MemHub struct {
	ch *gochannel.GoChannel

	mu  sync.Mutex
	log map[string][]*bps.PubMessage
	seq int64
}

// NewMemHub returns an empty hub. buffer sizes the per subscriber output channel.
func NewMemHub(buffer int) *MemHub {
	return &MemHub{
		ch: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: int64(buffer),
			Persistent:          true,
		}, watermillLogger{}),
		log: map[string][]*bps.PubMessage{},
	}
}

// LookupMemHub returns the process wide hub for name, creating it on first use.
func LookupMemHub(name string, buffer int) *MemHub {
	memHubsMu.Lock()
	defer memHubsMu.Unlock()

	if hub, ok := memHubs[name]; ok {
		return hub
	}
	hub := NewMemHub(buffer)
	memHubs[name] = hub
	return hub
}

// Messages returns the messages published to topic so far.
func (h *MemHub) Messages(topic string) []*bps.PubMessage {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]*bps.PubMessage, 0, len(h.log[topic]))
	for _, m := range h.log[topic] {
		out = append(out, m.Clone())
	}
	return out
}

func (h *MemHub) publish(topic string, msg *bps.PubMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	uuid := msg.ID
	if uuid == "" {
		uuid = watermill.NewUUID()
	}
	wm := message.NewMessage(uuid, append([]byte(nil), msg.Data...))
	wm.Metadata.Set(memMetaSeq, strconv.FormatInt(h.seq, 10))
	for k, v := range msg.Attributes {
		wm.Metadata.Set(memMetaAttrs+k, v)
	}
	if err := h.ch.Publish(topic, wm); err != nil {
		return err
	}
	h.log[topic] = append(h.log[topic], msg.Clone())
	return nil
}

func (h *MemHub) position() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq
}

// RegisterMem binds the mem scheme on reg.
func RegisterMem(reg *bps.Registry) {
	reg.RegisterPublisher(SchemeMem, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewMemPublisher(memHubFromURL(u, raw)), nil
	})
	reg.RegisterSubscriber(SchemeMem, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		opts := memCoercer.Coerce(raw)
		return NewMemSubscriber(memHubFromURL(u, raw), newConsumeOptions(opts)), nil
	})
}

func memHubFromURL(u *url.URL, raw coerce.RawOptions) *MemHub {
	opts := memCoercer.Coerce(raw)
	name := u.Host
	if name == "" {
		name = "default"
	}
	return LookupMemHub(name, intOr(opts, "buffer", 64))
}

// MemPublisher publishes to a MemHub. Publish is reliable, the message is
// retained by the hub when it returns.
type MemPublisher struct {
	hub    *MemHub
	life   *bps.Lifecycle
	topics *topicCache[*MemTopic]
}

// NewMemPublisher returns a publisher for hub.
func NewMemPublisher(hub *MemHub) *MemPublisher {
	p := &MemPublisher{hub: hub, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *MemTopic {
		return &MemTopic{name: name, pub: p}
	})
	bps.WatchLeak(p, p.life, "mem publisher")
	return p
}

// Topic returns the handle for name.
func (p *MemPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close marks the publisher closed. The hub stays available to others.
func (p *MemPublisher) Close() error {
	return p.life.Close(nil)
}

// MemTopic is a MemHub topic handle.
type MemTopic struct {
	name string
	pub  *MemPublisher
}

// Publish hands msg to the hub.
func (t *MemTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	return t.pub.hub.publish(t.name, msg)
}

// Flush is a no-op.
func (t *MemTopic) Flush(ctx context.Context) error {
	return ctx.Err()
}

// MemSubscriber subscribes to a MemHub. Hub deliveries are acknowledged even
// when the handler fails, so a failing message is not redelivered.
type MemSubscriber struct {
	hub  *MemHub
	co   consumeOptions
	life *bps.Lifecycle
	subs *subscriptions
}

// NewMemSubscriber returns a subscriber for hub.
func NewMemSubscriber(hub *MemHub, co consumeOptions) *MemSubscriber {
	s := &MemSubscriber{hub: hub, co: co, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "mem subscriber")
	return s
}

// Subscribe delivers the messages of topic to h. Oldest replays the hub log,
// Newest skips what was published before the call.
func (s *MemSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	so := s.co.subOptions(bps.Newest, opts)
	var after int64
	if so.Start == bps.Newest {
		after = s.hub.position()
	}

	subCtx, cancel := s.subs.context(ctx)
	messages, err := s.hub.ch.Subscribe(subCtx, topic)
	if err != nil {
		cancel()
		return err
	}

	s.subs.Go(func() {
		defer cancel()
		for wm := range messages {
			seq, _ := strconv.ParseInt(wm.Metadata.Get(memMetaSeq), 10, 64)
			if seq > after {
				_ = bps.Dispatch(subCtx, SchemeMem, h, newMemMessage(topic, wm))
			}
			wm.Ack()
		}
	})
	return nil
}

// Close stops all subscriptions.
func (s *MemSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		return nil
	})
}

type memMessage struct {
	topic string
	msg   *message.Message
}

func newMemMessage(topic string, msg *message.Message) *memMessage {
	return &memMessage{topic: topic, msg: msg}
}

func (m *memMessage) ID() string    { return m.msg.UUID }
func (m *memMessage) Data() []byte  { return m.msg.Payload }
func (m *memMessage) Topic() string { return m.topic }

func (m *memMessage) Attributes() map[string]string {
	var attrs map[string]string
	for k, v := range m.msg.Metadata {
		name, ok := strings.CutPrefix(k, memMetaAttrs)
		if !ok {
			continue
		}
		if attrs == nil {
			attrs = map[string]string{}
		}
		attrs[name] = v
	}
	return attrs
}

// watermillLogger routes watermill logs through slog.
type watermillLogger struct {
	fields watermill.LogFields
}

func (l watermillLogger) args(fields watermill.LogFields) []any {
	args := make([]any, 0, 2*(len(l.fields)+len(fields))+2)
	args = append(args, "scheme", SchemeMem)
	for k, v := range l.fields.Add(fields) {
		args = append(args, k, v)
	}
	return args
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	slog.Error(msg, append(l.args(fields), "error", err)...)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	slog.Debug(msg, l.args(fields)...)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	slog.Debug(msg, l.args(fields)...)
}

func (l watermillLogger) Trace(string, watermill.LogFields) {}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: l.fields.Add(fields)}
}
