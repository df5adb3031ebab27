package utterance

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity bounds how many decoded utterances may wait for the worker.
const DefaultCapacity = 4

var ErrClosed = errors.New("utterance queue closed")

// Format values for Utterance.Format.
const FormatPCM16 = "pcm16"

// Utterance is one unit of user speech handed to the worker.
type Utterance struct {
	Audio []byte
	// Format is FormatPCM16 for decoded server-side audio, otherwise the
	// container mime type the client streamed (e.g. audio/webm).
	Format       string
	SampleRate   int
	StartEpochMs int64
	EndEpochMs   int64
	SpeechMs     int64
}

// Queue is a bounded FIFO that evicts the oldest item instead of blocking
// the producer.
type Queue struct {
	capacity int

	mu     sync.Mutex
	items  []Utterance
	notify chan struct{}
	closed bool
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		items:    make([]Utterance, 0, capacity),
		notify:   make(chan struct{}, 1),
	}
}

// Push appends u. When the queue is full the oldest item is removed and
// returned with evicted=true.
func (q *Queue) Push(u Utterance) (dropped Utterance, evicted bool, err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Utterance{}, false, ErrClosed
	}
	if len(q.items) >= q.capacity {
		dropped = q.items[0]
		q.items[0] = Utterance{}
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, u)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, evicted, nil
}

// Pop blocks until an item is available, ctx is done, or the queue is closed
// and empty.
func (q *Queue) Pop(ctx context.Context) (Utterance, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = Utterance{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return u, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Utterance{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Utterance{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Drain discards every queued item and returns how many were removed.
func (q *Queue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = make([]Utterance, 0, q.capacity)
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Cap() int { return q.capacity }

// Close wakes any blocked Pop. Queued items are kept until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
