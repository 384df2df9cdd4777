// Package inflight de-duplicates concurrent work for the same key, inside
// one process (Group) and across processes (RedisLocker).
package inflight

import (
	"context"
	"sync"
)

// Group runs one computation per key for all concurrent callers.
//
// Unlike x/sync/singleflight the computation is reference counted: a
// caller that gives up only detaches itself, and the computation's context
// is cancelled once no caller is waiting any more.
type Group[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

type call[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
	cancel  context.CancelFunc
}

// Do executes fn for key unless an identical call is already running, in
// which case it waits for that call's result. shared reports whether the
// result was produced for another caller. fn's context carries the values
// of the first caller's ctx but not its cancellation.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (v T, err error, shared bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[string]*call[T])
	}

	c, shared := g.calls[key]
	if !shared {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call[T]{done: make(chan struct{}), cancel: cancel}
		g.calls[key] = c

		go func() {
			val, err := fn(callCtx)

			g.mu.Lock()
			c.val, c.err = val, err
			if g.calls[key] == c {
				delete(g.calls, key)
			}
			g.mu.Unlock()

			cancel()
			close(c.done)
		}()
	}
	c.waiters++
	g.mu.Unlock()

	select {
	case <-c.done:
		return c.val, c.err, shared
	case <-ctx.Done():
		g.mu.Lock()
		c.waiters--
		if c.waiters == 0 {
			c.cancel()
			// Later callers start fresh instead of joining a cancelled run
			if g.calls[key] == c {
				delete(g.calls, key)
			}
		}
		g.mu.Unlock()

		var zero T
		return zero, ctx.Err(), shared
	}
}

// InFlight is the number of keys currently being computed
func (g *Group[T]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}
