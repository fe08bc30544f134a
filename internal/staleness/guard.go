// Package staleness makes asynchronous recomputation last-request-wins.
//
// Every request for a key takes a ticket carrying a generation number. Only
// the holder of the newest ticket for its key may publish; older results are
// dropped with ErrStaleResult. Starting a new generation cancels the context
// handed to the previous one so its fetch can stop early.
package staleness

import (
	"context"
	"errors"
	"sync"
)

// ErrStaleResult reports that a newer request for the same key superseded
// this one. It is a dropped computation, not a user-facing failure.
var ErrStaleResult = errors.New("staleness: result superseded by a newer request")

// Ticket identifies one generation of work for a key.
type Ticket[K comparable] struct {
	Key        K
	Generation uint64
}

// Guard tracks the latest generation per key. It is safe for concurrent use.
type Guard[K comparable] struct {
	mu     sync.Mutex
	seq    uint64
	latest map[K]uint64
	cancel map[K]context.CancelFunc
}

// NewGuard creates an empty guard.
func NewGuard[K comparable]() *Guard[K] {
	return &Guard[K]{
		latest: make(map[K]uint64),
		cancel: make(map[K]context.CancelFunc),
	}
}

// Begin starts a new generation for key. The returned context is cancelled
// as soon as a newer generation for the same key begins, or when the parent
// is cancelled.
func (g *Guard[K]) Begin(parent context.Context, key K) (context.Context, Ticket[K]) {
	ctx, cancel := context.WithCancel(parent)

	g.mu.Lock()
	g.seq++
	gen := g.seq
	if prev, ok := g.cancel[key]; ok {
		prev()
	}
	g.latest[key] = gen
	g.cancel[key] = cancel
	g.mu.Unlock()

	return ctx, Ticket[K]{Key: key, Generation: gen}
}

// Current reports whether t is still the newest ticket for its key.
func (g *Guard[K]) Current(t Ticket[K]) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latest[t.Key] == t.Generation
}

// Commit runs apply if t is still current and retires the ticket along with
// its key. apply runs under the guard's lock, so no newer generation can
// begin in between.
// A superseded ticket returns ErrStaleResult without calling apply.
func (g *Guard[K]) Commit(t Ticket[K], apply func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.latest[t.Key] != t.Generation {
		return ErrStaleResult
	}
	if apply != nil {
		apply()
	}
	if cancel, ok := g.cancel[t.Key]; ok {
		cancel()
	}
	delete(g.cancel, t.Key)
	delete(g.latest, t.Key)
	return nil
}

// Forget drops key, cancelling any generation still in flight. Pending
// tickets for it become stale.
func (g *Guard[K]) Forget(key K) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cancel, ok := g.cancel[key]; ok {
		cancel()
	}
	delete(g.cancel, key)
	delete(g.latest, key)
}

// Pending returns the number of keys with a generation in flight.
func (g *Guard[K]) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancel)
}

// Do runs fetch under a new generation for key and hands its result to
// publish only if no newer generation began meanwhile. A superseded run
// returns ErrStaleResult; fetch errors are returned as-is and never published.
func Do[K comparable, T any](ctx context.Context, g *Guard[K], key K, fetch func(context.Context) (T, error), publish func(T)) (T, error) {
	var zero T

	runCtx, t := g.Begin(ctx, key)
	v, err := fetch(runCtx)
	if err != nil {
		if g.Commit(t, nil) != nil {
			return zero, ErrStaleResult
		}
		return zero, err
	}

	if err := g.Commit(t, func() {
		if publish != nil {
			publish(v)
		}
	}); err != nil {
		return zero, err
	}
	return v, nil
}
