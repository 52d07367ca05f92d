// Package goroutine runs background tasks with a concurrency limit.
package goroutine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/shandysiswandi/bps/internal/pkg/stacktrace"
)

// DefaultMaxGoroutine is multiplied by the CPU count when NewManager receives
// a non-positive limit.
const DefaultMaxGoroutine int = 100

// ErrManagerClosed is returned by TryGo after Wait was called.
var ErrManagerClosed = errors.New("goroutine: manager is closed")

// ErrLimitReached is returned by TryGo when every slot is taken.
var ErrLimitReached = errors.New("goroutine: limit reached")

// Manager runs functions in goroutines with a configurable concurrency limit.
//
// It collects errors returned by tasks and a recovered panic is reported as
// an error. Wait stops accepting tasks and blocks until running ones finish.
type Manager struct {
	sema chan struct{}
	wg   sync.WaitGroup

	mu     sync.Mutex
	closed bool
	errs   []error
}

// NewManager creates a new Manager with the provided maximum concurrency.
func NewManager(maxGoroutine int) *Manager {
	if maxGoroutine < 1 {
		maxGoroutine = runtime.NumCPU() * DefaultMaxGoroutine
	}
	return &Manager{sema: make(chan struct{}, maxGoroutine)}
}

// Go schedules f and logs a warning when it cannot be started.
func (g *Manager) Go(ctx context.Context, f func(ctx context.Context) error) {
	if err := g.TryGo(ctx, f); err != nil {
		slog.WarnContext(ctx, "goroutine not started", "error", err)
	}
}

// TryGo schedules f if the manager is open and a slot is free.
func (g *Manager) TryGo(ctx context.Context, f func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return ErrManagerClosed
	}

	select {
	case g.sema <- struct{}{}:
	default:
		return ErrLimitReached
	}

	g.wg.Go(func() {
		defer func() { <-g.sema }()
		if err := g.run(ctx, f); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	})
	return nil
}

func (g *Manager) run(ctx context.Context, f func(ctx context.Context) error) (err error) {
	defer func() {
		rvr := recover()
		if rvr == nil {
			return
		}
		stack := debug.Stack()
		if paths := stacktrace.InternalPaths(stack); len(paths) > 0 {
			slog.ErrorContext(ctx, "panic occurred in goroutine", "because", rvr, "stack", paths)
		} else {
			slog.ErrorContext(ctx, "panic occurred in goroutine", "because", rvr, "stack", string(stack))
		}
		err = fmt.Errorf("goroutine: panic: %v", rvr)
	}()

	if err := ctx.Err(); err != nil {
		slog.WarnContext(ctx, "goroutine canceled", "because", err)
		return nil
	}
	return f(ctx)
}

// Wait closes the manager, blocks until all scheduled goroutines finish and
// returns the collected errors.
func (g *Manager) Wait() error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.wg.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
