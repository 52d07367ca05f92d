package bps

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"go.uber.org/atomic"

	"github.com/shandysiswandi/bps/internal/pkg/stacktrace"
)

// Lifecycle guarantees a single teardown for a Publisher or Subscriber.
//
// Adapters keep a *Lifecycle obtained from NewLifecycle, check it before
// every publish or subscribe and route Close through it. It must not hold a
// reference back to its owner, so WatchLeak can observe it after the owner is
// gone.
type Lifecycle struct {
	once   sync.Once
	closed atomic.Bool
	err    error
}

// NewLifecycle returns an open Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Close runs teardown on the first call and returns its result on every
// call. Concurrent callers block until the first teardown has finished.
func (l *Lifecycle) Close(teardown func() error) error {
	l.once.Do(func() {
		l.closed.Store(true)
		if teardown != nil {
			l.err = teardown()
		}
	})
	return l.err
}

// Closed reports whether Close was called.
func (l *Lifecycle) Closed() bool {
	return l.closed.Load()
}

// Check returns ErrClosed once Close was called.
func (l *Lifecycle) Check() error {
	if l.closed.Load() {
		return ErrClosed
	}
	return nil
}

// WatchLeak logs a warning when owner becomes unreachable while life is still
// open. It never closes anything: Close must be called explicitly.
func WatchLeak[T any](owner *T, life *Lifecycle, what string) {
	if owner == nil || life == nil {
		return
	}
	runtime.AddCleanup(owner, func(l *Lifecycle) {
		if !l.Closed() {
			slog.Warn("bps: resource garbage collected without Close", "resource", what)
		}
	}, life)
}

// Dispatch calls h with msg, logging a returned error and converting a panic
// into an error.
func Dispatch(ctx context.Context, scheme string, h Handler, msg SubMessage) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			stack := debug.Stack()
			paths := stacktrace.InternalPaths(stack)
			if len(paths) == 0 {
				slog.ErrorContext(ctx, "panic in bps handler", "scheme", scheme, "topic", msg.Topic(), "panic", rvr, "stack", string(stack))
			} else {
				slog.ErrorContext(ctx, "panic in bps handler", "scheme", scheme, "topic", msg.Topic(), "panic", rvr, "stack", paths)
			}
			err = fmt.Errorf("bps: panic in %s handler: %v", scheme, rvr)
		}
	}()

	if err = h(ctx, msg); err != nil {
		slog.WarnContext(ctx, "bps handler failed", "scheme", scheme, "topic", msg.Topic(), "error", err)
	}
	return err
}
