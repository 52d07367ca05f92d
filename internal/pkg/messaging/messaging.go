package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/validator"
)

// ErrUnsupported is returned when a feature is not supported by the selected backend.
var ErrUnsupported = errors.New("pkgmessage: unsupported operation")

// ErrAddrsRequired is returned when a URL carries no usable host.
var ErrAddrsRequired = errors.New("pkgmessage: at least one address is required")

// ErrInvalidTopic is returned for topic names a backend cannot map safely,
// such as file topics leaving their directory.
var ErrInvalidTopic = errors.New("pkgmessage: invalid topic")

// ErrMessageRequired is returned when a nil message is published.
var ErrMessageRequired = errors.New("pkgmessage: message is required")

var configValidator = sync.OnceValues(validator.NewV10Validator)

// validateConfig validates an adapter config with the shared v10 validator.
func validateConfig(scheme string, cfg any) error {
	v, err := configValidator()
	if err != nil {
		return fmt.Errorf("pkgmessage: init validator: %w", err)
	}
	if err := v.Validate(cfg); err != nil {
		return fmt.Errorf("pkgmessage: invalid %s config: %w", scheme, err)
	}
	return nil
}

func validateSubscribe(ctx context.Context, topic string, h bps.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if topic == "" {
		return bps.ErrTopicRequired
	}
	if h == nil {
		return bps.ErrHandlerRequired
	}
	return nil
}

func validatePublish(ctx context.Context, life *bps.Lifecycle, msg *bps.PubMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return ErrMessageRequired
	}
	return life.Check()
}

// topicCache lazily creates and caches topic handles by name.
type topicCache[T bps.Topic] struct {
	mu     sync.Mutex
	topics map[string]T
	create func(name string) T
}

func newTopicCache[T bps.Topic](create func(name string) T) *topicCache[T] {
	return &topicCache[T]{topics: map[string]T{}, create: create}
}

func (c *topicCache[T]) get(name string) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.topics[name]; ok {
		return t
	}
	t := c.create(name)
	c.topics[name] = t
	return t
}

func (c *topicCache[T]) all() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]T, 0, len(c.topics))
	for _, t := range c.topics {
		out = append(out, t)
	}
	return out
}

// flushAll flushes every cached topic and joins the errors.
func (c *topicCache[T]) flushAll(ctx context.Context) error {
	var err error
	for _, t := range c.all() {
		err = errors.Join(err, t.Flush(ctx))
	}
	return err
}
