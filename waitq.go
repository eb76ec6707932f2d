package vmm

import (
	"context"
	"sync"
	"time"
)

// waitq is a condition variable with a bounded wait. It is guarded by the
// mutex passed to wait; broadcast must be called with that mutex held.
// Waiters always re-check their predicate: a wake may be a timeout.
type waitq struct {
	ch chan struct{}
}

// wait releases mu, blocks until broadcast or until d elapses, and
// reacquires mu.
func (q *waitq) wait(mu sync.Locker, d time.Duration) {
	q.waitContext(context.Background(), mu, d)
}

// waitContext is wait that also returns early when ctx is done.
func (q *waitq) waitContext(ctx context.Context, mu sync.Locker, d time.Duration) {
	if q.ch == nil {
		q.ch = make(chan struct{})
	}
	ch := q.ch
	mu.Unlock()
	t := time.NewTimer(d)
	select {
	case <-ch:
	case <-t.C:
	case <-ctx.Done():
	}
	t.Stop()
	mu.Lock()
}

func (q *waitq) broadcast() {
	if q.ch != nil {
		close(q.ch)
		q.ch = nil
	}
}
