package cognition

import "sync"

// AttentionQueue is a bounded urgency-ordered queue of pending
// perceptions. External callers push concurrently and return
// immediately; the owning agent pops at its next tick. On overflow the
// lowest-urgency pending event is dropped, never a newer higher-urgency
// arrival. Equal urgencies pop in arrival order.
type AttentionQueue struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	nextSeq  uint64
}

// NewAttentionQueue creates a queue holding at most capacity events.
func NewAttentionQueue(capacity int) *AttentionQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &AttentionQueue{
		events:   make([]Event, 0, capacity),
		capacity: capacity,
	}
}

// Push enqueues an event. When the queue is full the lowest-urgency
// event (which may be the incoming one) is dropped; Push reports whether
// the incoming event was retained.
func (q *AttentionQueue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	ev.seq = q.nextSeq
	q.nextSeq++

	if len(q.events) < q.capacity {
		q.events = append(q.events, ev)
		return true
	}

	low := 0
	for i := 1; i < len(q.events); i++ {
		if q.events[i].Urgency < q.events[low].Urgency {
			low = i
		}
	}
	if ev.Urgency <= q.events[low].Urgency {
		return false
	}
	q.events[low] = ev
	return true
}

// Pop removes and returns the highest-urgency pending event.
func (q *AttentionQueue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	best := 0
	for i := 1; i < len(q.events); i++ {
		e, b := q.events[i], q.events[best]
		if e.Urgency > b.Urgency || (e.Urgency == b.Urgency && e.seq < b.seq) {
			best = i
		}
	}
	ev := q.events[best]
	q.events[best] = q.events[len(q.events)-1]
	q.events = q.events[:len(q.events)-1]
	return ev, true
}

// Len returns the number of pending events.
func (q *AttentionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Drain discards every pending event; used when the owning agent is
// destroyed.
func (q *AttentionQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events)
	q.events = q.events[:0]
	return n
}

// Urgencies returns the pending urgency scores, unordered.
func (q *AttentionQueue) Urgencies() []float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]float64, len(q.events))
	for i, ev := range q.events {
		out[i] = ev.Urgency
	}
	return out
}
