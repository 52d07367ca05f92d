package messaging

import (
	"context"
	"sync"

	"github.com/shandysiswandi/bps/internal/pkg/bps"
)

// acker is implemented by received messages whose backend expects an
// explicit acknowledgement.
type acker interface {
	ack(ctx context.Context) error
	nack(ctx context.Context) error
}

// deliver dispatches msg to h and acknowledges it according to the result.
func deliver(ctx context.Context, scheme string, h bps.Handler, msg bps.SubMessage) error {
	herr := bps.Dispatch(ctx, scheme, h, msg)

	a, ok := msg.(acker)
	if !ok {
		return nil
	}
	if herr == nil {
		return a.ack(ctx)
	}
	return a.nack(ctx)
}

// subscriptions tracks the goroutines started by a subscriber. Subscribe
// calls return immediately, stop cancels and waits for all of them.
type subscriptions struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSubscriptions() *subscriptions {
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriptions{ctx: ctx, cancel: cancel}
}

// context derives a delivery context from the Subscribe context. It keeps the
// values of parent but is only canceled by stop.
func (s *subscriptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	unregister := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		unregister()
		cancel()
	}
}

// Go runs fn on a tracked goroutine.
func (s *subscriptions) Go(fn func()) {
	s.wg.Go(fn)
}

// pool starts n workers draining ch with deliver. Workers exit when ch is
// closed or ctx is done.
func (s *subscriptions) pool(ctx context.Context, n int, scheme string, h bps.Handler, ch <-chan bps.SubMessage, onErr func(error)) {
	for range n {
		s.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := deliver(ctx, scheme, h, msg); err != nil && onErr != nil {
						onErr(err)
					}
				}
			}
		})
	}
}

func (s *subscriptions) stop() {
	s.cancel()
	s.wg.Wait()
}
