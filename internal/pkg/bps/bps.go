package bps

import (
	"context"
	"maps"
	"strings"
)

// Publisher defines the publisher side of a backend connection.
//
// Topic handles are created lazily and cached, the same name always returns
// the same handle. The connection is owned by the Publisher, topics never
// close it.
type Publisher interface {
	// Topic returns the handle for name.
	Topic(name string) Topic
	// Close flushes all topics of a buffering publisher and releases the
	// connection. Only the first call tears down, later calls return the
	// result of the first.
	Close() error
}

// Topic is a publisher handle to a single topic.
type Topic interface {
	// Publish sends msg. Reliable adapters return once the backend has
	// acknowledged the message, buffering adapters return once msg is queued.
	Publish(ctx context.Context, msg *PubMessage) error
	// Flush returns once every message previously published to this topic has
	// been handed to the backend.
	Flush(ctx context.Context) error
}

// Subscriber defines the subscriber side of a backend connection.
type Subscriber interface {
	// Subscribe registers h for messages of topic. It returns once the
	// subscription is set up; messages are delivered asynchronously on
	// backend goroutines until Close is called.
	Subscribe(ctx context.Context, topic string, h Handler, opts ...SubOption) error
	// Close stops all subscriptions and releases the connection. Only the
	// first call tears down.
	Close() error
}

// Handler processes a single received message. A returned error is logged
// and, where the backend supports it, the message is not acknowledged.
type Handler func(ctx context.Context, msg SubMessage) error

// PubMessage represents a single message for publishing.
type PubMessage struct {
	// ID is an optional message identifier. Adapters use it as the message
	// key or id where the backend has one and ignore it otherwise.
	ID string `json:"id,omitempty"`

	// Data is the message payload.
	Data []byte `json:"data,omitempty"`

	// Attributes contains optional key-value labels, ignored by backends
	// without headers.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Clone returns a deep copy of m.
func (m *PubMessage) Clone() *PubMessage {
	if m == nil {
		return nil
	}
	out := &PubMessage{ID: m.ID}
	if m.Data != nil {
		out.Data = append([]byte(nil), m.Data...)
	}
	if m.Attributes != nil {
		out.Attributes = maps.Clone(m.Attributes)
	}
	return out
}

// SubMessage is a received message.
type SubMessage interface {
	// ID returns the message identifier, empty when the backend has none.
	ID() string
	// Data returns the raw message payload.
	Data() []byte
	// Attributes returns the message labels, nil when the backend has none.
	Attributes() map[string]string
	// Topic returns the topic the message was received from.
	Topic() string
}

// NewSubMessage builds a SubMessage for topic from a published message.
func NewSubMessage(topic string, msg *PubMessage) SubMessage {
	if msg == nil {
		msg = &PubMessage{}
	}
	return &subMessage{topic: topic, msg: *msg}
}

type subMessage struct {
	topic string
	msg   PubMessage
}

func (m *subMessage) ID() string                    { return m.msg.ID }
func (m *subMessage) Data() []byte                  { return m.msg.Data }
func (m *subMessage) Attributes() map[string]string { return m.msg.Attributes }
func (m *subMessage) Topic() string                 { return m.topic }

// RawSubMessage is a payload that behaves as a SubMessage.
type RawSubMessage []byte

// ID implements SubMessage.
func (RawSubMessage) ID() string { return "" }

// Data implements SubMessage.
func (m RawSubMessage) Data() []byte { return m }

// Attributes implements SubMessage.
func (RawSubMessage) Attributes() map[string]string { return nil }

// Topic implements SubMessage.
func (RawSubMessage) Topic() string { return "" }

// SubStart defines the position to start consuming from.
type SubStart int

const (
	// Newest starts with messages published after subscribing.
	Newest SubStart = iota
	// Oldest starts with the oldest message the backend retains.
	Oldest
)

// String returns "newest" or "oldest".
func (s SubStart) String() string {
	if s == Oldest {
		return "oldest"
	}
	return "newest"
}

// ParseSubStart parses the start_at option. It accepts "oldest", "first" and
// "earliest" for Oldest and treats everything else as Newest.
func ParseSubStart(s string) SubStart {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oldest", "first", "earliest":
		return Oldest
	default:
		return Newest
	}
}

// SubOptions holds subscription options.
type SubOptions struct {
	// Start defines the starting position. Not every backend supports it.
	Start SubStart
}

// Apply applies options to o in order. A nil o is allocated.
//
// Adapters call it with their own defaults:
//
//	opts := (&bps.SubOptions{Start: bps.Oldest}).Apply(options)
func (o *SubOptions) Apply(options []SubOption) *SubOptions {
	if o == nil {
		o = new(SubOptions)
	}
	for _, opt := range options {
		if opt == nil {
			continue
		}
		opt(o)
	}
	return o
}

// SubOption configures a single subscription.
type SubOption func(*SubOptions)

// StartAt sets the subscription start position.
func StartAt(start SubStart) SubOption {
	return func(o *SubOptions) { o.Start = start }
}
