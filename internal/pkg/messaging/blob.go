package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
	"github.com/shandysiswandi/bps/internal/pkg/storage"
	"github.com/shandysiswandi/bps/internal/pkg/uid"
)

// Object store schemes. Every Flush writes one JSON lines object per topic
// named <prefix>/<topic>/<id>.jsonl, subscribers poll for new objects in key
// order.
const (
	// SchemeS3 addresses s3://<bucket>/<prefix>.
	SchemeS3 = "s3"
	// SchemeMinIO addresses minio://[key:secret@]<endpoint>/<bucket>/<prefix>.
	SchemeMinIO = "minio"
	// SchemeGCS addresses gs://<bucket>/<prefix>.
	SchemeGCS = "gs"
)

// ErrBucketRequired is returned when an object store URL names no bucket.
var ErrBucketRequired = errors.New("pkgmessage: bucket is required")

// BlobSchema is the option surface of the object store schemes.
var BlobSchema = coerce.Schema{
	"region":           coerce.String(),
	"endpoint":         coerce.String(),
	"access_key":       coerce.String(),
	"secret_key":       coerce.String(),
	"session_token":    coerce.String(),
	"path_style":       coerce.Bool(),
	"ssl":              coerce.Bool(),
	"credentials_file": coerce.String(),
	"without_auth":     coerce.Bool(),
	"poll_interval":    coerce.Float(),
	"batch":            coerce.Int(),
}.Merge(ConsumeSchema)

var blobCoercer = coerce.MustNew(BlobSchema)

// BlobConfig configures the object store adapters.
type BlobConfig struct {
	// Bucket holds the topic objects.
	Bucket string `validate:"required"`
	// Prefix is prepended to every object key.
	Prefix string
	// PollInterval is how often subscribers list for new objects.
	PollInterval time.Duration `validate:"gt=0"`
	// Batch caps the number of keys listed per poll.
	Batch int `validate:"gte=0"`

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// dir returns the key prefix of topic. Topics with "." or ".." elements
// would alias other prefixes and are rejected with ErrInvalidTopic.
func (cfg BlobConfig) dir(topic string) (string, error) {
	if !fs.ValidPath(topic) {
		return "", fmt.Errorf("%w %q", ErrInvalidTopic, topic)
	}
	return path.Join(cfg.Prefix, topic) + "/", nil
}

func newBlobConfig(bucket, prefix string, opts coerce.Options) BlobConfig {
	cfg := BlobConfig{
		Bucket:       bucket,
		Prefix:       strings.Trim(prefix, "/"),
		PollInterval: time.Second,
		Batch:        intOr(opts, "batch", 100),
		Consume:      newConsumeOptions(opts),
	}
	if d, ok := opts.Seconds("poll_interval"); ok && d > 0 {
		cfg.PollInterval = d
	}
	return cfg
}

// BlobConfigFromURL splits u into the bucket and prefix. For minio URLs the
// host is the endpoint and the first path segment is the bucket.
func BlobConfigFromURL(u *url.URL, raw coerce.RawOptions) BlobConfig {
	opts := blobCoercer.Coerce(raw)
	if u.Scheme == SchemeMinIO {
		bucket, prefix, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		return newBlobConfig(bucket, prefix, opts)
	}
	return newBlobConfig(u.Host, u.Path, opts)
}

// BlobStorageFromURL builds the storage client addressed by u.
func BlobStorageFromURL(ctx context.Context, u *url.URL, raw coerce.RawOptions) (storage.Storage, error) {
	opts := blobCoercer.Coerce(raw)

	accessKey := stringOr(opts, "access_key", u.User.Username())
	secret, _ := u.User.Password()
	secretKey := stringOr(opts, "secret_key", secret)
	sessionToken, _ := opts.String("session_token")

	switch u.Scheme {
	case SchemeS3:
		endpoint, _ := opts.String("endpoint")
		region, _ := opts.String("region")
		return storage.NewS3(ctx, storage.S3Options{
			Region:       region,
			Endpoint:     endpoint,
			AccessKey:    accessKey,
			SecretKey:    secretKey,
			SessionToken: sessionToken,
			UsePathStyle: boolOr(opts, "path_style", endpoint != ""),
		})
	case SchemeMinIO:
		if u.Host == "" {
			return nil, ErrAddrsRequired
		}
		region, _ := opts.String("region")
		return storage.NewMinIO(storage.MinIOOptions{
			Endpoint:     u.Host,
			AccessKey:    accessKey,
			SecretKey:    secretKey,
			SessionToken: sessionToken,
			Region:       region,
			UseSSL:       boolOr(opts, "ssl", false),
		})
	case SchemeGCS:
		endpoint, _ := opts.String("endpoint")
		credentialsFile, _ := opts.String("credentials_file")
		return storage.NewGCS(ctx, storage.GCSOptions{
			Endpoint:        endpoint,
			CredentialsFile: credentialsFile,
			WithoutAuth:     boolOr(opts, "without_auth", false),
		})
	default:
		return nil, fmt.Errorf("%w: object store scheme %q", ErrUnsupported, u.Scheme)
	}
}

// RegisterBlob binds the s3, minio and gs schemes on reg.
func RegisterBlob(reg *bps.Registry) {
	for _, scheme := range []string{SchemeS3, SchemeMinIO, SchemeGCS} {
		reg.RegisterPublisher(scheme, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
			store, err := BlobStorageFromURL(ctx, u, raw)
			if err != nil {
				return nil, err
			}
			return newOwnedBlobPublisher(scheme, store, BlobConfigFromURL(u, raw))
		})
		reg.RegisterSubscriber(scheme, func(ctx context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
			store, err := BlobStorageFromURL(ctx, u, raw)
			if err != nil {
				return nil, err
			}
			return newOwnedBlobSubscriber(scheme, store, BlobConfigFromURL(u, raw))
		})
	}
}

// RegisterBlobStorage binds scheme on reg to a caller provided store. The
// store is shared and is not closed with the publishers and subscribers.
func RegisterBlobStorage(reg *bps.Registry, scheme string, store storage.Storage) {
	reg.RegisterPublisher(scheme, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewBlobPublisher(scheme, store, BlobConfigFromURL(u, raw))
	})
	reg.RegisterSubscriber(scheme, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewBlobSubscriber(scheme, store, BlobConfigFromURL(u, raw))
	})
}

func validateBlobConfig(scheme string, cfg BlobConfig) error {
	if cfg.Bucket == "" {
		return ErrBucketRequired
	}
	return validateConfig(scheme, cfg)
}

// BlobPublisher buffers messages per topic and writes them as one object on
// Flush.
type BlobPublisher struct {
	scheme string
	store  storage.Storage
	owned  bool
	cfg    BlobConfig
	ids    *uid.Snowflake
	life   *bps.Lifecycle
	topics *topicCache[*BlobTopic]
}

// NewBlobPublisher returns a publisher writing to store.
func NewBlobPublisher(scheme string, store storage.Storage, cfg BlobConfig) (*BlobPublisher, error) {
	if err := validateBlobConfig(scheme, cfg); err != nil {
		return nil, err
	}
	ids, err := uid.NewSnowflake()
	if err != nil {
		return nil, fmt.Errorf("pkgmessage: %s id generator: %w", scheme, err)
	}

	p := &BlobPublisher{scheme: scheme, store: store, cfg: cfg, ids: ids, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *BlobTopic {
		dir, err := cfg.dir(name)
		return &BlobTopic{dir: dir, err: err, pub: p}
	})
	bps.WatchLeak(p, p.life, scheme+" publisher")
	return p, nil
}

func newOwnedBlobPublisher(scheme string, store storage.Storage, cfg BlobConfig) (*BlobPublisher, error) {
	p, err := NewBlobPublisher(scheme, store, cfg)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	p.owned = true
	return p, nil
}

// Topic returns the handle for name.
func (p *BlobPublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close flushes all topics and closes an owned store.
func (p *BlobPublisher) Close() error {
	return p.life.Close(func() error {
		err := p.topics.flushAll(context.Background())
		if p.owned {
			err = errors.Join(err, p.store.Close())
		}
		return err
	})
}

// key returns an object key that sorts after the keys written before it.
func (p *BlobPublisher) key(dir string) string {
	return fmt.Sprintf("%s%019d.jsonl", dir, p.ids.Generate())
}

// BlobTopic is an object store topic handle.
type BlobTopic struct {
	dir string
	err error
	pub *BlobPublisher

	mu      sync.Mutex
	pending bytes.Buffer
}

// Publish buffers msg until the next Flush.
func (t *BlobTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	if t.err != nil {
		return t.err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pkgmessage: %s encode: %w", t.pub.scheme, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending.Write(line)
	t.pending.WriteByte('\n')
	return nil
}

// Flush writes the buffered messages as one object.
func (t *BlobTopic) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending.Len() == 0 {
		return nil
	}

	key := t.pub.key(t.dir)
	err := t.pub.store.Put(ctx, t.pub.cfg.Bucket, key, t.pending.Bytes(), storage.PutOptions{
		ContentType: "application/x-ndjson",
	})
	if err != nil {
		return fmt.Errorf("pkgmessage: %s put %s: %w", t.pub.scheme, key, err)
	}
	t.pending.Reset()
	return nil
}

// BlobSubscriber polls a store for new topic objects. It starts at the first
// object by default.
type BlobSubscriber struct {
	scheme string
	store  storage.Storage
	owned  bool
	cfg    BlobConfig
	life   *bps.Lifecycle
	subs   *subscriptions
}

// NewBlobSubscriber returns a subscriber reading from store.
func NewBlobSubscriber(scheme string, store storage.Storage, cfg BlobConfig) (*BlobSubscriber, error) {
	if err := validateBlobConfig(scheme, cfg); err != nil {
		return nil, err
	}

	s := &BlobSubscriber{scheme: scheme, store: store, cfg: cfg, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, scheme+" subscriber")
	return s, nil
}

func newOwnedBlobSubscriber(scheme string, store storage.Storage, cfg BlobConfig) (*BlobSubscriber, error) {
	s, err := NewBlobSubscriber(scheme, store, cfg)
	if err != nil {
		return nil, errors.Join(err, store.Close())
	}
	s.owned = true
	return s, nil
}

// Subscribe delivers the messages of every object written below the topic
// prefix. Newest skips the objects that exist when Subscribe is called.
func (s *BlobSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	dir, err := s.cfg.dir(topic)
	if err != nil {
		return err
	}
	poller := &blobPoller{sub: s, dir: dir, topic: topic}
	if s.cfg.Consume.subOptions(bps.Oldest, opts).Start == bps.Newest {
		if err := poller.skipExisting(ctx); err != nil {
			return fmt.Errorf("pkgmessage: %s list %s: %w", s.scheme, poller.dir, err)
		}
	}

	subCtx, cancel := s.subs.context(ctx)
	s.subs.Go(func() {
		defer cancel()

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := poller.poll(subCtx, h); err != nil && subCtx.Err() == nil {
				slog.WarnContext(subCtx, "object poll failed", "scheme", s.scheme, "topic", topic, "error", err)
			}
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

// Close stops all pollers and closes an owned store.
func (s *BlobSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		if s.owned {
			return s.store.Close()
		}
		return nil
	})
}

type blobPoller struct {
	sub   *BlobSubscriber
	dir   string
	topic string
	after string
}

func (p *blobPoller) skipExisting(ctx context.Context) error {
	for {
		keys, err := p.sub.store.List(ctx, p.sub.cfg.Bucket, p.dir, p.after, p.sub.cfg.Batch)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		p.after = keys[len(keys)-1]
	}
}

// poll delivers the objects listed after the last delivered key.
func (p *blobPoller) poll(ctx context.Context, h bps.Handler) error {
	for ctx.Err() == nil {
		keys, err := p.sub.store.List(ctx, p.sub.cfg.Bucket, p.dir, p.after, p.sub.cfg.Batch)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			return nil
		}
		for _, key := range keys {
			if err := p.deliver(ctx, key, h); err != nil {
				return err
			}
			p.after = key
		}
	}
	return nil
}

func (p *blobPoller) deliver(ctx context.Context, key string, h bps.Handler) error {
	data, err := p.sub.store.Get(ctx, p.sub.cfg.Bucket, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() && ctx.Err() == nil {
		var msg bps.PubMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			slog.WarnContext(ctx, "object line skipped", "scheme", p.sub.scheme, "topic", p.topic, "key", key, "error", err)
			continue
		}
		_ = bps.Dispatch(ctx, p.sub.scheme, h, bps.NewSubMessage(p.topic, &msg))
	}
	return sc.Err()
}
