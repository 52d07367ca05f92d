package messaging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
	"github.com/shandysiswandi/bps/internal/pkg/coerce"
)

// SchemeFile selects the JSON lines file adapters. The URL path is the
// directory holding one <topic>.jsonl file per topic.
const SchemeFile = "file"

// FileSchema is the option surface of the file scheme.
var FileSchema = coerce.Schema{
	"sync":          coerce.Bool(),
	"poll_interval": coerce.Float(),
}.Merge(ConsumeSchema)

var fileCoercer = coerce.MustNew(FileSchema)

// FileConfig configures the file adapters.
type FileConfig struct {
	// Dir is the directory holding the topic files.
	Dir string `validate:"required"`
	// Sync makes every Publish append and fsync immediately.
	Sync bool
	// PollInterval is how often subscribers check for appended lines.
	PollInterval time.Duration `validate:"gt=0"`

	// Consume holds the subscriber options.
	Consume consumeOptions `validate:"-"`
}

// FileConfigFromURL builds a FileConfig from a file URL and its options.
func FileConfigFromURL(u *url.URL, raw coerce.RawOptions) FileConfig {
	opts := fileCoercer.Coerce(raw)

	dir := u.Opaque
	if dir == "" {
		dir = u.Host + u.Path
	}
	cfg := FileConfig{
		Dir:          filepath.Clean(dir),
		Sync:         boolOr(opts, "sync", false),
		PollInterval: 100 * time.Millisecond,
		Consume:      newConsumeOptions(opts),
	}
	if d, ok := opts.Seconds("poll_interval"); ok && d > 0 {
		cfg.PollInterval = d
	}
	return cfg
}

// path returns the file of topic. Topics that would resolve outside Dir are
// rejected with ErrInvalidTopic.
func (cfg FileConfig) path(topic string) (string, error) {
	name := topic + ".jsonl"
	if !filepath.IsLocal(name) {
		return "", fmt.Errorf("%w %q", ErrInvalidTopic, topic)
	}
	return filepath.Join(cfg.Dir, name), nil
}

// RegisterFile binds the file scheme on reg using the OS file system.
func RegisterFile(reg *bps.Registry) {
	RegisterFileFs(reg, afero.NewOsFs())
}

// RegisterFileFs binds the file scheme on reg using fs.
func RegisterFileFs(reg *bps.Registry, fs afero.Fs) {
	reg.RegisterPublisher(SchemeFile, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Publisher, error) {
		return NewFilePublisher(fs, FileConfigFromURL(u, raw))
	})
	reg.RegisterSubscriber(SchemeFile, func(_ context.Context, u *url.URL, raw coerce.RawOptions) (bps.Subscriber, error) {
		return NewFileSubscriber(fs, FileConfigFromURL(u, raw))
	})
}

// FilePublisher appends messages as JSON lines. Unless Sync is set, lines
// are buffered per topic until Flush or Close.
type FilePublisher struct {
	fs     afero.Fs
	cfg    FileConfig
	life   *bps.Lifecycle
	topics *topicCache[*FileTopic]
}

// NewFilePublisher creates cfg.Dir on fs and returns a publisher.
func NewFilePublisher(fs afero.Fs, cfg FileConfig) (*FilePublisher, error) {
	if err := validateConfig(SchemeFile, cfg); err != nil {
		return nil, err
	}
	if err := fs.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("pkgmessage: file mkdir: %w", err)
	}

	p := &FilePublisher{fs: fs, cfg: cfg, life: bps.NewLifecycle()}
	p.topics = newTopicCache(func(name string) *FileTopic {
		path, err := cfg.path(name)
		return &FileTopic{path: path, err: err, pub: p}
	})
	bps.WatchLeak(p, p.life, "file publisher")
	return p, nil
}

// Topic returns the handle for name.
func (p *FilePublisher) Topic(name string) bps.Topic {
	return p.topics.get(name)
}

// Close flushes all topics.
func (p *FilePublisher) Close() error {
	return p.life.Close(func() error {
		return p.topics.flushAll(context.Background())
	})
}

// FileTopic is a topic file handle.
type FileTopic struct {
	path string
	err  error
	pub  *FilePublisher

	mu      sync.Mutex
	pending bytes.Buffer
}

// Publish encodes msg as one line.
func (t *FileTopic) Publish(ctx context.Context, msg *bps.PubMessage) error {
	if err := validatePublish(ctx, t.pub.life, msg); err != nil {
		return err
	}
	if t.err != nil {
		return t.err
	}
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("pkgmessage: file encode: %w", err)
	}

	t.mu.Lock()
	t.pending.Write(line)
	t.pending.WriteByte('\n')
	t.mu.Unlock()

	if t.pub.cfg.Sync {
		return t.Flush(ctx)
	}
	return nil
}

// Flush appends the buffered lines to the topic file.
func (t *FileTopic) Flush(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pending.Len() == 0 {
		return nil
	}

	if err := t.pub.fs.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("pkgmessage: file mkdir: %w", err)
	}
	f, err := t.pub.fs.OpenFile(t.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("pkgmessage: file open: %w", err)
	}
	_, werr := f.Write(t.pending.Bytes())
	if werr == nil && t.pub.cfg.Sync {
		werr = f.Sync()
	}
	if err := errors.Join(werr, f.Close()); err != nil {
		return fmt.Errorf("pkgmessage: file append %s: %w", t.path, err)
	}
	t.pending.Reset()
	return nil
}

// FileSubscriber tails topic files. It starts at the beginning of the file
// by default.
type FileSubscriber struct {
	fs   afero.Fs
	cfg  FileConfig
	life *bps.Lifecycle
	subs *subscriptions
}

// NewFileSubscriber returns a subscriber reading from cfg.Dir on fs.
func NewFileSubscriber(fs afero.Fs, cfg FileConfig) (*FileSubscriber, error) {
	if err := validateConfig(SchemeFile, cfg); err != nil {
		return nil, err
	}

	s := &FileSubscriber{fs: fs, cfg: cfg, life: bps.NewLifecycle(), subs: newSubscriptions()}
	bps.WatchLeak(s, s.life, "file subscriber")
	return s, nil
}

// Subscribe tails the file of topic and delivers every complete line.
func (s *FileSubscriber) Subscribe(ctx context.Context, topic string, h bps.Handler, opts ...bps.SubOption) error {
	if err := validateSubscribe(ctx, topic, h); err != nil {
		return err
	}
	if err := s.life.Check(); err != nil {
		return err
	}

	path, err := s.cfg.path(topic)
	if err != nil {
		return err
	}
	tail := &fileTail{fs: s.fs, path: path, topic: topic}
	if s.cfg.Consume.subOptions(bps.Oldest, opts).Start == bps.Newest {
		if fi, err := s.fs.Stat(tail.path); err == nil {
			tail.offset = fi.Size()
		}
	}

	subCtx, cancel := s.subs.context(ctx)
	s.subs.Go(func() {
		defer cancel()

		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := tail.poll(subCtx, h); err != nil && subCtx.Err() == nil {
				slog.WarnContext(subCtx, "file tail failed", "scheme", SchemeFile, "topic", topic, "error", err)
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

// Close stops all tails.
func (s *FileSubscriber) Close() error {
	return s.life.Close(func() error {
		s.subs.stop()
		return nil
	})
}

type fileTail struct {
	fs     afero.Fs
	path   string
	topic  string
	offset int64
}

// poll delivers the complete lines appended since the last call.
func (t *fileTail) poll(ctx context.Context, h bps.Handler) error {
	f, err := t.fs.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}

	r := bufio.NewReader(f)
	for ctx.Err() == nil {
		line, err := r.ReadBytes('\n')
		if err != nil {
			// A partial line is read again on the next poll.
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		t.offset += int64(len(line))

		var msg bps.PubMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.WarnContext(ctx, "file line skipped", "scheme", SchemeFile, "topic", t.topic, "error", err)
			continue
		}
		_ = bps.Dispatch(ctx, SchemeFile, h, bps.NewSubMessage(t.topic, &msg))
	}
	return nil
}
