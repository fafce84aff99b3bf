package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue for embedded pipelines and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []*memItem
	inflight map[string]*Message
	seq      int64
	clock    func() time.Time
}

type memItem struct {
	msg       *Message
	visibleAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]*Message),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) error {
	return q.EnqueueAt(ctx, body, time.Time{})
}

func (q *MemoryQueue) EnqueueAt(_ context.Context, body []byte, visibleAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.items = append(q.items, &memItem{
		msg:       &Message{ID: fmt.Sprintf("m-%d", q.seq), Body: append([]byte(nil), body...)},
		visibleAt: visibleAt,
	})
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, wait time.Duration) (*Message, error) {
	deadline := q.clock().Add(wait)
	for {
		if msg := q.tryReceive(); msg != nil {
			return msg, nil
		}
		if !q.clock().Before(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) tryReceive() *Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	for i, item := range q.items {
		if item.visibleAt.After(now) {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.inflight[item.msg.ID] = item.msg
		return item.msg
	}
	return nil
}

func (q *MemoryQueue) Ack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, msg.ID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[msg.ID]; !ok {
		return nil
	}
	delete(q.inflight, msg.ID)
	msg.Attempt++
	q.items = append(q.items, &memItem{msg: msg})
	return nil
}

// Len reports ready plus in-flight message counts, for tests and draining.
func (q *MemoryQueue) Len() (ready, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), len(q.inflight)
}
