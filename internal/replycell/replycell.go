// Package replycell provides a single-assignment rendezvous point used
// to hand a reply back from the state manager actor (internal/statemanager)
// to whichever goroutine enqueued the request that produced it. It plays
// the same role as the Arc<OnceLock<T>> the original daemon attaches to
// each pending request (original_source/ktraced/src/app_state.rs),
// rendered as a buffered channel instead of a lock-protected option cell.
package replycell

import "context"

// Cell is a write-once, read-once handoff point for a single reply of
// type T: exactly one Wait receives the value, and a further Wait
// blocks until its context is done. The zero value is not usable;
// construct one with New.
type Cell[T any] struct {
	ch chan T
}

// New returns a Cell ready to receive exactly one Fulfill call.
func New[T any]() *Cell[T] {
	return &Cell[T]{ch: make(chan T, 1)}
}

// Fulfill delivers v to the cell. It must be called at most once; the
// state manager actor is the only writer for any given Cell, so this is
// never contended. A second call made before Wait has taken the first
// value blocks forever against the channel's capacity of one, which
// surfaces a programming error (double reply) as a hang during testing
// rather than silently dropping the first value.
func (c *Cell[T]) Fulfill(v T) {
	c.ch <- v
}

// Wait blocks until Fulfill is called or ctx is done, whichever comes
// first. A context cancellation (e.g. the requesting connection closed)
// leaves the cell unread; nothing drains it afterward, which is fine
// since the Cell is then unreachable and collected.
func (c *Cell[T]) Wait(ctx context.Context) (T, error) {
	select {
	case v := <-c.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
