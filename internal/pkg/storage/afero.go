package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// AferoAdapter implements Storage on an afero file system. Buckets are top
// level directories, keys are slash separated paths below them.
type AferoAdapter struct {
	fs afero.Fs
}

// NewAfero returns an adapter storing objects on fs.
func NewAfero(fs afero.Fs) *AferoAdapter {
	return &AferoAdapter{fs: fs}
}

func (a *AferoAdapter) path(bucket, key string) (string, error) {
	if !fs.ValidPath(bucket) || strings.Contains(bucket, "/") || (key != "" && !fs.ValidPath(key)) {
		return "", fmt.Errorf("%w: %s/%s", ErrInvalidKey, bucket, key)
	}
	return path.Join("/", bucket, key), nil
}

// Put writes data to bucket/key, creating parent directories.
func (a *AferoAdapter) Put(ctx context.Context, bucket, key string, data []byte, _ PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := a.path(bucket, key)
	if err != nil {
		return err
	}
	if err := a.fs.MkdirAll(path.Dir(p), 0o755); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := afero.WriteFile(a.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return a.fs.Rename(tmp, p)
}

// Get reads bucket/key.
func (a *AferoAdapter) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := a.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(a.fs, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// List walks the bucket and returns matching keys in lexical order.
func (a *AferoAdapter) List(ctx context.Context, bucket, prefix, after string, limit int) ([]string, error) {
	root, err := a.path(bucket, "")
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0)
	err = afero.Walk(a.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() || strings.HasSuffix(p, ".tmp") {
			return nil
		}
		key := strings.TrimPrefix(p, root+"/")
		if strings.HasPrefix(key, prefix) && key > after {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Close is a no-op.
func (a *AferoAdapter) Close() error {
	return nil
}
