package messaging

import (
	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// ConsumeSchema is the option surface shared by subscriber adapters.
// Each adapter merges it into its own schema and ignores the keys it has no
// use for.
var ConsumeSchema = coerce.Schema{
	"concurrency":   coerce.Int(),
	"group":         coerce.String(),
	"channel":       coerce.String(),
	"queue_group":   coerce.String(),
	"subscription":  coerce.String(),
	"max_in_flight": coerce.Int(),
	"start_at":      coerce.Symbol(),
}

type consumeOptions struct {
	// concurrency specifies the number of concurrent message handlers
	// processing messages in parallel.
	concurrency int

	// group identifies the consumer group name.
	// Used by Kafka and Redis streams.
	group string

	// channel specifies the channel name.
	// Used by NSQ consumers.
	channel string

	// queueGroup specifies the queue group name.
	// Used by NATS queue subscriptions.
	queueGroup string

	// subscription specifies the subscription name.
	// Used by Google Pub/Sub and JetStream durable consumers.
	subscription string

	// maxInFlight limits the maximum number of outstanding (unacknowledged)
	// messages that can be in flight at any given time.
	maxInFlight int

	// start is the start position from the start_at option, nil when unset.
	start *bps.SubStart
}

func newConsumeOptions(opts coerce.Options) consumeOptions {
	var co consumeOptions
	if n, ok := opts.Int("concurrency"); ok {
		co.concurrency = int(n)
	}
	if n, ok := opts.Int("max_in_flight"); ok {
		co.maxInFlight = int(n)
	}
	co.group, _ = opts.String("group")
	co.channel, _ = opts.String("channel")
	co.queueGroup, _ = opts.String("queue_group")
	co.subscription, _ = opts.String("subscription")
	if s, ok := opts.Symbol("start_at"); ok {
		start := bps.ParseSubStart(s)
		co.start = &start
	}
	return co
}

// subOptions resolves the options of a single Subscribe call. The backend
// default is overridden by the start_at URL option, which is overridden by
// explicit SubOptions.
func (co consumeOptions) subOptions(def bps.SubStart, opts []bps.SubOption) *bps.SubOptions {
	base := &bps.SubOptions{Start: def}
	if co.start != nil {
		base.Start = *co.start
	}
	return base.Apply(opts)
}

func (co consumeOptions) workers() int {
	return concurrencyOrDefault(co.concurrency, 1)
}

func concurrencyOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

func stringOr(opts coerce.Options, key, def string) string {
	if s, ok := opts.String(key); ok && s != "" {
		return s
	}
	if s, ok := opts.Symbol(key); ok && s != "" {
		return s
	}
	return def
}

func intOr(opts coerce.Options, key string, def int) int {
	if n, ok := opts.Int(key); ok {
		return int(n)
	}
	return def
}

func boolOr(opts coerce.Options, key string, def bool) bool {
	if b, ok := opts.Bool(key); ok {
		return b
	}
	return def
}
