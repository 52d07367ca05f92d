package bps

import "context"

// UnimplementedPublisher can be embedded by adapters that implement only
// part of Publisher.
type UnimplementedPublisher struct{}

// Topic returns an UnimplementedTopic.
func (UnimplementedPublisher) Topic(string) Topic { return UnimplementedTopic{} }

// Close returns ErrNotImplemented.
func (UnimplementedPublisher) Close() error { return ErrNotImplemented }

// UnimplementedTopic can be embedded by adapters that implement only part of
// Topic.
type UnimplementedTopic struct{}

// Publish returns ErrNotImplemented.
func (UnimplementedTopic) Publish(context.Context, *PubMessage) error { return ErrNotImplemented }

// Flush returns ErrNotImplemented.
func (UnimplementedTopic) Flush(context.Context) error { return ErrNotImplemented }

// UnimplementedSubscriber can be embedded by adapters that implement only
// part of Subscriber.
type UnimplementedSubscriber struct{}

// Subscribe returns ErrNotImplemented.
func (UnimplementedSubscriber) Subscribe(context.Context, string, Handler, ...SubOption) error {
	return ErrNotImplemented
}

// Close returns ErrNotImplemented.
func (UnimplementedSubscriber) Close() error { return ErrNotImplemented }
