package notify

import "github.com/herdctl/herdctl/internal/events"

// queue is an optionally bounded FIFO for one priority lane. bound == 0
// means unbounded; the urgent lane must never drop.
type queue struct {
	items   []*events.Event
	bound   int
	dropped int64
	signal  chan struct{}
}

func newQueue(bound int) *queue {
	return &queue{bound: bound, signal: make(chan struct{}, 1)}
}

// push enqueues or, when the lane is full, counts a drop. Caller holds the
// router lock.
func (q *queue) push(e *events.Event) bool {
	if q.bound > 0 && len(q.items) >= q.bound {
		q.dropped++
		return false
	}
	q.items = append(q.items, e)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop dequeues the oldest event, or nil when empty. Caller holds the
// router lock.
func (q *queue) pop() *events.Event {
	if len(q.items) == 0 {
		return nil
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e
}

// takeDropped returns and resets the drop counter. Caller holds the router
// lock.
func (q *queue) takeDropped() int64 {
	n := q.dropped
	q.dropped = 0
	return n
}
