package bps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"sync"

	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// PublisherFactory constructs a publisher from a parsed URL and the raw
// options taken from its query, merged with programmatic options.
type PublisherFactory func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (Publisher, error)

// SubscriberFactory constructs a subscriber from a parsed URL and raw options.
type SubscriberFactory func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (Subscriber, error)

// ResolveOption configures a single NewPublisher or NewSubscriber call.
type ResolveOption func(*resolveOptions)

type resolveOptions struct {
	raw coerce.RawOptions
}

// WithOptions passes programmatic options to the factory. They are merged
// over the URL query, a key given here wins over the same query key.
func WithOptions(raw coerce.RawOptions) ResolveOption {
	return func(o *resolveOptions) {
		if o.raw == nil {
			o.raw = make(coerce.RawOptions, len(raw))
		}
		maps.Copy(o.raw, raw)
	}
}

// Registry maps URL schemes to publisher and subscriber factories and keeps
// track of the instances it resolved until they are closed.
//
// A Registry is created by the hosting application, populated at startup and
// closed on shutdown. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	pubs   map[string]PublisherFactory
	subs   map[string]SubscriberFactory
	open   map[uint64]io.Closer
	nextID uint64
	closed bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		pubs: map[string]PublisherFactory{},
		subs: map[string]SubscriberFactory{},
		open: map[uint64]io.Closer{},
	}
}

// RegisterPublisher binds scheme to factory, replacing any earlier binding.
func (r *Registry) RegisterPublisher(scheme string, factory PublisherFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pubs[scheme] = factory
}

// RegisterSubscriber binds scheme to factory, replacing any earlier binding.
func (r *Registry) RegisterSubscriber(scheme string, factory SubscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.subs[scheme] = factory
}

// Schemes returns the registered publisher and subscriber schemes, sorted.
func (r *Registry) Schemes() (pub, sub []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.pubs)), slices.Sorted(maps.Keys(r.subs))
}

// NewPublisher resolves rawURL into a Publisher.
//
// It fails with an *UnregisteredSchemeError for an unknown scheme. Factory
// errors are returned unchanged.
func (r *Registry) NewPublisher(ctx context.Context, rawURL string, opts ...ResolveOption) (Publisher, error) {
	u, raw, err := parseResolve(rawURL, opts)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.pubs[u.Scheme]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, &UnregisteredSchemeError{Kind: "publisher", Scheme: u.Scheme}
	}

	pub, err := factory(ctx, u, raw)
	if err != nil {
		return nil, err
	}

	id, err := r.track(pub)
	if err != nil {
		return nil, errors.Join(err, pub.Close())
	}
	slog.DebugContext(ctx, "bps publisher resolved", "scheme", u.Scheme, "host", u.Host)
	return &trackedPublisher{Publisher: pub, release: func() { r.release(id) }}, nil
}

// NewSubscriber resolves rawURL into a Subscriber, see NewPublisher.
func (r *Registry) NewSubscriber(ctx context.Context, rawURL string, opts ...ResolveOption) (Subscriber, error) {
	u, raw, err := parseResolve(rawURL, opts)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	factory, ok := r.subs[u.Scheme]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, &UnregisteredSchemeError{Kind: "subscriber", Scheme: u.Scheme}
	}

	sub, err := factory(ctx, u, raw)
	if err != nil {
		return nil, err
	}

	id, err := r.track(sub)
	if err != nil {
		return nil, errors.Join(err, sub.Close())
	}
	slog.DebugContext(ctx, "bps subscriber resolved", "scheme", u.Scheme, "host", u.Host)
	return &trackedSubscriber{Subscriber: sub, release: func() { r.release(id) }}, nil
}

// Close closes every resolved instance that is still open. Resolving after
// Close fails with ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ids := slices.Sorted(maps.Keys(r.open))
	closers := make([]io.Closer, 0, len(ids))
	for _, id := range ids {
		closers = append(closers, r.open[id])
	}
	r.open = map[uint64]io.Closer{}
	r.mu.Unlock()

	var closeErr error
	for _, c := range closers {
		closeErr = errors.Join(closeErr, c.Close())
	}
	return closeErr
}

func (r *Registry) track(c io.Closer) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}
	r.nextID++
	r.open[r.nextID] = c
	return r.nextID, nil
}

func (r *Registry) release(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.open, id)
}

func parseResolve(rawURL string, opts []ResolveOption) (*url.URL, coerce.RawOptions, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("bps: parse url: %w", err)
	}

	var ro resolveOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&ro)
		}
	}

	raw := ParseQuery(u.Query())
	maps.Copy(raw, ro.raw)
	return u, raw, nil
}

type trackedPublisher struct {
	Publisher
	release func()
}

func (p *trackedPublisher) Close() error {
	err := p.Publisher.Close()
	p.release()
	return err
}

// Unwrap returns the adapter publisher.
func (p *trackedPublisher) Unwrap() Publisher { return p.Publisher }

type trackedSubscriber struct {
	Subscriber
	release func()
}

func (s *trackedSubscriber) Close() error {
	err := s.Subscriber.Close()
	s.release()
	return err
}

// Unwrap returns the adapter subscriber.
func (s *trackedSubscriber) Unwrap() Subscriber { return s.Subscriber }
