package bps

import (
	"context"
	"sync"
)

// InMemPublisher is a recording publisher for tests.
type InMemPublisher struct {
	life *Lifecycle

	mu     sync.RWMutex
	topics map[string]*InMemPubTopic
}

// NewInMemPublisher returns an empty publisher.
func NewInMemPublisher() *InMemPublisher {
	return &InMemPublisher{
		life:   NewLifecycle(),
		topics: make(map[string]*InMemPubTopic),
	}
}

// Topic implements Publisher, creating the topic on first use.
func (p *InMemPublisher) Topic(name string) Topic {
	return p.topic(name)
}

// InMemTopic returns the concrete topic handle for name.
func (p *InMemPublisher) InMemTopic(name string) *InMemPubTopic {
	return p.topic(name)
}

func (p *InMemPublisher) topic(name string) *InMemPubTopic {
	p.mu.RLock()
	topic, ok := p.topics[name]
	p.mu.RUnlock()
	if ok {
		return topic
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if topic, ok = p.topics[name]; !ok {
		topic = &InMemPubTopic{life: p.life, name: name}
		p.topics[name] = topic
	}
	return topic
}

// Close implements Publisher.
func (p *InMemPublisher) Close() error {
	return p.life.Close(nil)
}

// InMemPubTopic is the in-memory Topic of an InMemPublisher.
type InMemPubTopic struct {
	life *Lifecycle
	name string

	mu       sync.RWMutex
	messages []*PubMessage
}

// Publish implements Topic. The message is copied.
func (t *InMemPubTopic) Publish(ctx context.Context, msg *PubMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.life.Check(); err != nil {
		return err
	}

	t.mu.Lock()
	t.messages = append(t.messages, msg.Clone())
	t.mu.Unlock()
	return nil
}

// Flush implements Topic, publishing is synchronous.
func (t *InMemPubTopic) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.life.Check()
}

// Messages returns a snapshot of the published messages.
func (t *InMemPubTopic) Messages() []*PubMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return append([]*PubMessage(nil), t.messages...)
}

// InMemSubscriber delivers seeded messages, mainly for tests.
type InMemSubscriber struct {
	life   *Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	msgs map[string][]SubMessage
}

// NewInMemSubscriber returns a subscriber seeded with messages by topic.
func NewInMemSubscriber(messagesByTopic map[string][]SubMessage) *InMemSubscriber {
	byTopic := make(map[string][]SubMessage, len(messagesByTopic))
	for topic, msgs := range messagesByTopic {
		byTopic[topic] = append([]SubMessage(nil), msgs...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &InMemSubscriber{
		life:   NewLifecycle(),
		ctx:    ctx,
		cancel: cancel,
		msgs:   byTopic,
	}
}

// Subscribe implements Subscriber. Seeded messages of topic are handed to h
// in order on a separate goroutine, each message is delivered once.
func (s *InMemSubscriber) Subscribe(ctx context.Context, topic string, h Handler, _ ...SubOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return ErrTopicRequired
	}
	if h == nil {
		return ErrHandlerRequired
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	s.wg.Go(func() {
		for {
			if s.ctx.Err() != nil {
				return
			}
			msg, ok := s.shift(topic)
			if !ok {
				return
			}
			_ = Dispatch(s.ctx, "inmem", h, msg)
		}
	})
	return nil
}

func (s *InMemSubscriber) shift(topic string) (SubMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.msgs[topic]
	if len(msgs) == 0 {
		return nil, false
	}
	s.msgs[topic] = msgs[1:]
	if raw, ok := msgs[0].(RawSubMessage); ok {
		return NewSubMessage(topic, &PubMessage{Data: raw}), true
	}
	return msgs[0], true
}

// Close stops delivery and forgets pending messages.
func (s *InMemSubscriber) Close() error {
	return s.life.Close(func() error {
		s.cancel()
		s.wg.Wait()

		s.mu.Lock()
		s.msgs = nil
		s.mu.Unlock()
		return nil
	})
}
