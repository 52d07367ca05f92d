package bpstest

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/atomic"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// FakeDefaultPort is the port ParseAddrs adds to fake hosts without one.
const FakeDefaultPort = "7000"

// FakeSchema is the option surface of the fake backend.
var FakeSchema = coerce.Schema{
	"retries":  coerce.Int(),
	"buffered": coerce.Bool(),
	"start_at": coerce.Symbol(),
	"labels":   coerce.ListOf(coerce.String()),
}

var fakeCoercer = coerce.MustNew(FakeSchema)

// Fake is an in-process broker that counts teardowns. Publishers buffer per
// topic until Flush or Close, subscribers receive the retained log according
// to their start position followed by live messages.
type Fake struct {
	pubTeardowns atomic.Int64
	subTeardowns atomic.Int64

	mu          sync.Mutex
	log         map[string][]*bps.PubMessage
	subs        map[string]map[*fakeSubscription]struct{}
	lastAddrs   []string
	lastOptions coerce.Options
}

// NewFake returns an empty broker.
func NewFake() *Fake {
	return &Fake{
		log:  map[string][]*bps.PubMessage{},
		subs: map[string]map[*fakeSubscription]struct{}{},
	}
}

// Register binds scheme to the fake on reg.
func (f *Fake) Register(reg *bps.Registry, scheme string) {
	reg.RegisterPublisher(scheme, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return f.NewPublisher(f.remember(u, raw)), nil
	})
	reg.RegisterSubscriber(scheme, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return f.NewSubscriber(f.remember(u, raw)), nil
	})
}

func (f *Fake) remember(u *url.URL, raw coerce.RawOptions) coerce.Options {
	opts := fakeCoercer.Coerce(raw)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastAddrs = bps.ParseAddrs(u, FakeDefaultPort)
	f.lastOptions = opts
	return opts
}

// LastAddrs returns the addresses parsed from the last resolved URL.
func (f *Fake) LastAddrs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.lastAddrs...)
}

// LastOptions returns the coerced options of the last resolved URL.
func (f *Fake) LastOptions() coerce.Options {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.lastOptions
}

// PublisherTeardowns returns how many publishers were torn down.
func (f *Fake) PublisherTeardowns() int64 { return f.pubTeardowns.Load() }

// SubscriberTeardowns returns how many subscribers were torn down.
func (f *Fake) SubscriberTeardowns() int64 { return f.subTeardowns.Load() }

// Messages returns the messages committed to topic.
func (f *Fake) Messages(topic string) []*bps.PubMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*bps.PubMessage(nil), f.log[topic]...)
}

// Seed commits msgs to topic as if they had been published.
func (f *Fake) Seed(topic string, msgs ...*bps.PubMessage) {
	f.commit(topic, msgs)
}

func (f *Fake) commit(topic string, msgs []*bps.PubMessage) {
	if len(msgs) == 0 {
		return
	}

	f.mu.Lock()
	f.log[topic] = append(f.log[topic], msgs...)
	subs := make([]*fakeSubscription, 0, len(f.subs[topic]))
	for s := range f.subs[topic] {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		s.enqueue(msgs)
	}
}

func (f *Fake) attach(s *fakeSubscription, start bps.SubStart) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subs[s.topic] == nil {
		f.subs[s.topic] = map[*fakeSubscription]struct{}{}
	}
	f.subs[s.topic][s] = struct{}{}
	if start == bps.Oldest {
		s.enqueue(f.log[s.topic])
	}
}

func (f *Fake) detach(s *fakeSubscription) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.subs[s.topic], s)
}

// FakePublisher is the publisher of a Fake.
type FakePublisher struct {
	fake *Fake
	life *bps.Lifecycle
	opts coerce.Options

	mu     sync.Mutex
	topics map[string]*FakeTopic
}

// NewPublisher returns a publisher of f. With the buffered option set to
// false messages are committed on Publish.
func (f *Fake) NewPublisher(opts coerce.Options) *FakePublisher {
	p := &FakePublisher{
		fake:   f,
		life:   bps.NewLifecycle(),
		opts:   opts,
		topics: map[string]*FakeTopic{},
	}
	bps.WatchLeak(p, p.life, "fake publisher")
	return p
}

// Topic implements bps.Publisher.
func (p *FakePublisher) Topic(name string) bps.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.topics[name]
	if !ok {
		buffered, set := p.opts.Bool("buffered")
		t = &FakeTopic{pub: p, name: name, buffered: buffered || !set}
		p.topics[name] = t
	}
	return t
}

// Close flushes every topic, then counts a teardown.
func (p *FakePublisher) Close() error {
	return p.life.Close(func() error {
		p.mu.Lock()
		topics := make([]*FakeTopic, 0, len(p.topics))
		for _, t := range p.topics {
			topics = append(topics, t)
		}
		p.mu.Unlock()

		for _, t := range topics {
			t.flush()
		}
		p.fake.pubTeardowns.Inc()
		return nil
	})
}

// FakeTopic is a topic of a FakePublisher.
type FakeTopic struct {
	pub      *FakePublisher
	name     string
	buffered bool

	mu      sync.Mutex
	pending []*bps.PubMessage
}

// Publish implements bps.Topic.
func (t *FakeTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pub.life.Check(); err != nil {
		return err
	}

	if !t.buffered {
		t.pub.fake.commit(t.name, []*bps.PubMessage{msg.Clone()})
		return nil
	}

	t.mu.Lock()
	t.pending = append(t.pending, msg.Clone())
	t.mu.Unlock()
	return nil
}

// Flush implements bps.Topic.
func (t *FakeTopic) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.pub.life.Check(); err != nil {
		return err
	}
	t.flush()
	return nil
}

// Pending returns the number of buffered messages.
func (t *FakeTopic) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.pending)
}

func (t *FakeTopic) flush() {
	t.mu.Lock()
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	t.pub.fake.commit(t.name, pending)
}

// FakeSubscriber is the subscriber of a Fake.
type FakeSubscriber struct {
	fake   *Fake
	life   *bps.Lifecycle
	opts   coerce.Options
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	subs []*fakeSubscription
}

// NewSubscriber returns a subscriber of f. It starts at the oldest retained
// message unless start_at says otherwise.
func (f *Fake) NewSubscriber(opts coerce.Options) *FakeSubscriber {
	ctx, cancel := context.WithCancel(context.Background())
	s := &FakeSubscriber{
		fake:   f,
		life:   bps.NewLifecycle(),
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
	bps.WatchLeak(s, s.life, "fake subscriber")
	return s
}

// Subscribe implements bps.Subscriber.
func (s *FakeSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return bps.ErrTopicRequired
	}
	if h == nil {
		return bps.ErrHandlerRequired
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	start := bps.Oldest
	if v, ok := s.opts.Symbol("start_at"); ok {
		start = bps.ParseSubStart(v)
	}
	so := (&bps.SubOptions{Start: start}).Apply(opts)

	sub := &fakeSubscription{topic: topic, notify: make(chan struct{}, 1)}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.fake.attach(sub, so.Start)
	s.wg.Go(func() { sub.run(s.ctx, h) })
	return nil
}

// Close stops all subscriptions, then counts a teardown.
func (s *FakeSubscriber) Close() error {
	return s.life.Close(func() error {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		subs := s.subs
		s.subs = nil
		s.mu.Unlock()

		for _, sub := range subs {
			s.fake.detach(sub)
		}
		s.fake.subTeardowns.Inc()
		return nil
	})
}

type fakeSubscription struct {
	topic  string
	notify chan struct{}

	mu    sync.Mutex
	queue []*bps.PubMessage
}

func (s *fakeSubscription) enqueue(msgs []*bps.PubMessage) {
	if len(msgs) == 0 {
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *fakeSubscription) drain() []*bps.PubMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.queue
	s.queue = nil
	return out
}

func (s *fakeSubscription) run(ctx context.Context, h bps.Handler) {
	for {
		for _, msg := range s.drain() {
			if ctx.Err() != nil {
				return
			}
			_ = bps.Dispatch(ctx, "fake", h, bps.NewSubMessage(s.topic, msg))
		}

		select {
		case <-ctx.Done():
			return
		case <-s.notify:
		}
	}
}
