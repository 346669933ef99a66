package responder

import (
	"container/heap"
	"context"
	"time"

	"github.com/songzhibin97/steward/internal/types"
)

// selectReply carries the outcome of one instance-selection request.
type selectReply struct {
	instance types.ServiceInstance
	err      error
}

// waiter is one pending request parked until capacity frees up.
type waiter struct {
	ctx      context.Context
	priority int
	seq      uint64
	enqueued time.Time
	reply    chan selectReply
	index    int
}

// Comparator orders pending requests; it returns true when a should be
// served before b.
type Comparator func(a, b *waiter) bool

// defaultComparator serves higher priority first and breaks ties FIFO by
// arrival sequence.
func defaultComparator(a, b *waiter) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// waitQueue is the pending-request queue feeding instance selection.
type waitQueue struct {
	items []*waiter
	less  Comparator
	seq   uint64
}

func newWaitQueue(less Comparator) *waitQueue {
	if less == nil {
		less = defaultComparator
	}
	return &waitQueue{less: less}
}

func (q *waitQueue) Len() int           { return len(q.items) }
func (q *waitQueue) Less(i, j int) bool { return q.less(q.items[i], q.items[j]) }
func (q *waitQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *waitQueue) Push(x any) {
	w := x.(*waiter)
	w.index = len(q.items)
	q.items = append(q.items, w)
}

func (q *waitQueue) Pop() any {
	old := q.items
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return w
}

// enqueue parks a waiter, assigning its arrival sequence. It fails when the
// queue already holds maxLen waiters.
func (q *waitQueue) enqueue(w *waiter, maxLen int) error {
	if maxLen > 0 && len(q.items) >= maxLen {
		return types.ErrQueueFull
	}
	q.seq++
	w.seq = q.seq
	heap.Push(q, w)
	return nil
}

// dequeue pops the next live waiter, skipping ones whose context is already
// done.
func (q *waitQueue) dequeue() (*waiter, bool) {
	for len(q.items) > 0 {
		w := heap.Pop(q).(*waiter)
		if w.ctx != nil && w.ctx.Err() != nil {
			continue
		}
		return w, true
	}
	return nil, false
}

// failAll resolves every pending waiter with the given error.
func (q *waitQueue) failAll(err error) {
	for _, w := range q.items {
		w.reply <- selectReply{err: err}
	}
	q.items = q.items[:0]
}
