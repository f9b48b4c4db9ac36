package bus

import (
	"context"
	"strconv"
	"sync"
)

// MemoryBus is an in-process Bus for tests. It preserves per-subject
// publish order, supports competing consumers in a group, and requeues
// messages whose handler returned an error, mimicking redelivery.
type MemoryBus struct {
	mu     sync.Mutex
	seq    int
	queues map[string]*memQueue // keyed by subject + "\x00" + group
	groups map[string][]string  // groups seen per subject
	closed bool
}

type memQueue struct {
	mu       sync.Mutex
	items    []Msg
	nonEmpty chan struct{}
}

func newMemQueue() *memQueue {
	return &memQueue{nonEmpty: make(chan struct{}, 1)}
}

func (q *memQueue) push(m Msg) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.nonEmpty <- struct{}{}:
	default:
	}
}

func (q *memQueue) pop() (Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Msg{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		select {
		case q.nonEmpty <- struct{}{}:
		default:
		}
	}
	return m, true
}

// NewMemoryBus constructs an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		queues: make(map[string]*memQueue),
		groups: make(map[string][]string),
	}
}

var _ Bus = (*MemoryBus)(nil)

func (b *MemoryBus) queue(subject, group string) *memQueue {
	key := subject + "\x00" + group
	q, ok := b.queues[key]
	if !ok {
		q = newMemQueue()
		b.queues[key] = q
		b.groups[subject] = append(b.groups[subject], group)
	}
	return q
}

// RegisterGroup pre-creates a durable group so messages published before
// any consumer attaches are retained for it.
func (b *MemoryBus) RegisterGroup(subject, group string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue(subject, group)
}

// Publish fans the payload out to every registered group on the subject.
func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrConsumerClosed
	}
	b.seq++
	m := Msg{ID: strconv.Itoa(b.seq), Subject: subject, Data: append([]byte(nil), data...)}
	for _, group := range b.groups[subject] {
		b.queues[subject+"\x00"+group].push(m)
	}
	return nil
}

// Consume processes the group's queue until ctx is cancelled. A handler
// error requeues the message at the back of the queue (at-least-once with
// reordering, like post-timeout redelivery on the real transport).
func (b *MemoryBus) Consume(ctx context.Context, subject, group, _ string, h Handler) error {
	b.mu.Lock()
	q := b.queue(subject, group)
	b.mu.Unlock()

	for {
		m, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.nonEmpty:
				continue
			}
		}
		if err := h(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.push(m)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Pending returns the number of undelivered messages for a group, for test
// assertions.
func (b *MemoryBus) Pending(subject, group string) int {
	b.mu.Lock()
	q := b.queue(subject, group)
	b.mu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
