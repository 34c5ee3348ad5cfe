package gotcbot

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrEventTooOld = errors.New("event too old")

// eventQueue is a per-channel priority queue of ChatEvent, ordered by
// event timestamp (then by arrival, for equal timestamps)
type eventQueue struct {
	queue  *eventHeap
	size   int
	maxAge time.Duration
	seq    uint64
	now    func() time.Time
	logger *slog.Logger
	mu     sync.Mutex
}

func newEventQueue(size int, maxAge time.Duration, logger *slog.Logger) *eventQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &eventQueue{
		queue:  &eventHeap{},
		size:   size,
		maxAge: maxAge,
		now:    time.Now,
		logger: logger,
	}
	heap.Init(q.queue)
	return q
}

func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

func (q *eventQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = &eventHeap{}
	heap.Init(q.queue)
}

// Push adds e to the queue. Events older than maxAge are rejected with
// ErrEventTooOld. When the queue is full, the oldest queued event is
// discarded and returned.
func (q *eventQueue) Push(ctx context.Context, e ChatEvent) (*ChatEvent, error) {
	logger := getLogger(ctx, q.logger)

	if age := q.age(e); q.maxAge > 0 && age > q.maxAge {
		logger.WarnContext(
			ctx,
			"discarding old event",
			"max_age", q.maxAge,
			"event_age", age,
		)
		return nil, fmt.Errorf("%w: (age: %s)", ErrEventTooOld, age)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var dropped *ChatEvent
	if q.size > 0 && q.queue.Len() >= q.size {
		oldest := heap.Pop(q.queue).(*queuedEvent)
		dropped = &oldest.event
		logger.WarnContext(
			ctx,
			"queue full, removed oldest event",
			"dropped_event_id", oldest.event.ID,
			"max_size", q.size,
		)
	}

	q.seq++
	heap.Push(q.queue, &queuedEvent{event: e, seq: q.seq})
	logger.DebugContext(ctx, "queued event", "queue_size", q.queue.Len())
	return dropped, nil
}

// Pop returns the next event, skipping any that expired while queued.
// The bool is false when the queue is empty.
func (q *eventQueue) Pop(ctx context.Context) (ChatEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 {
		item := heap.Pop(q.queue).(*queuedEvent)
		if age := q.age(item.event); q.maxAge > 0 && age > q.maxAge {
			getLogger(ctx, q.logger).WarnContext(
				ctx,
				"discarded expired event",
				"event_id", item.event.ID,
				"max_age", q.maxAge,
				"event_age", age,
			)
			continue
		}
		return item.event, true
	}
	return ChatEvent{}, false
}

func (q *eventQueue) age(e ChatEvent) time.Duration {
	if e.Timestamp.IsZero() {
		return 0
	}
	return q.now().Sub(e.Timestamp)
}

type queuedEvent struct {
	event ChatEvent
	seq   uint64
	index int
}

type eventHeap []*queuedEvent

func (h eventHeap) Len() int {
	return len(h)
}

func (h eventHeap) Less(i, j int) bool {
	left := h[i]
	right := h[j]
	if !left.event.Timestamp.Equal(right.event.Timestamp) {
		return left.event.Timestamp.Before(right.event.Timestamp)
	}
	return left.seq < right.seq
}

func (h eventHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *eventHeap) Push(x any) {
	n := len(*h)
	item := x.(*queuedEvent)
	item.index = n
	*h = append(*h, item)
}

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
