package stream

import (
	"sync"

	"github.com/finsight/marketstream/pkg/protocol"
)

// queuedMessage pairs an envelope with its drop class.
type queuedMessage struct {
	env       protocol.Envelope
	droppable bool // price ticks may be shed under backpressure
}

// OutboundQueue is the bounded per-connection send queue. Trade confirmations
// go on a separate critical lane that is drained first and never shed; when
// the normal lane is full the oldest droppable message is discarded instead
// of blocking the router.
type OutboundQueue struct {
	mu       sync.Mutex
	critical []queuedMessage
	normal   []queuedMessage
	capacity int
	dropped  uint64
	closed   bool

	// signal carries at most one pending wakeup for the drainer.
	signal chan struct{}
}

// NewOutboundQueue creates a queue bounding each lane at capacity messages.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &OutboundQueue{
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// Push enqueues an envelope. Droppable messages shed the oldest droppable
// entry when the normal lane is full; non-droppable overflow returns
// ErrQueueSaturated and critical overflow additionally means the connection
// must be force-closed by the caller rather than losing the message.
func (q *OutboundQueue) Push(env protocol.Envelope, critical, droppable bool) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrConnectionClosed
	}

	var err error
	switch {
	case critical:
		if len(q.critical) >= q.capacity {
			err = ErrQueueSaturated
		} else {
			q.critical = append(q.critical, queuedMessage{env: env})
		}
	default:
		if len(q.normal) >= q.capacity {
			if !q.shedOldestLocked() {
				q.dropped++
				err = ErrQueueSaturated
			}
		}
		if err == nil {
			q.normal = append(q.normal, queuedMessage{env: env, droppable: droppable})
		}
	}
	q.mu.Unlock()

	if err == nil {
		q.wake()
	}
	return err
}

// shedOldestLocked removes the oldest droppable message, preserving relative
// order of everything else. Returns false if nothing can be shed.
func (q *OutboundQueue) shedOldestLocked() bool {
	for i, m := range q.normal {
		if m.droppable {
			q.normal = append(q.normal[:i], q.normal[i+1:]...)
			q.dropped++
			return true
		}
	}
	return false
}

// TryPop returns the next message without blocking. Critical messages drain
// before normal ones.
func (q *OutboundQueue) TryPop() (protocol.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked()
}

func (q *OutboundQueue) takeLocked() (protocol.Envelope, bool) {
	if len(q.critical) > 0 {
		env := q.critical[0].env
		q.critical = q.critical[1:]
		return env, true
	}
	if len(q.normal) > 0 {
		env := q.normal[0].env
		q.normal = q.normal[1:]
		return env, true
	}
	return protocol.Envelope{}, false
}

// Signal exposes the wakeup channel for drainers that need to multiplex the
// queue with other channels. A receive means "the queue may have messages";
// drain with TryPop until empty.
func (q *OutboundQueue) Signal() <-chan struct{} {
	return q.signal
}

// Depth returns the number of queued messages across both lanes.
func (q *OutboundQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.critical) + len(q.normal)
}

// Dropped returns how many messages have been shed.
func (q *OutboundQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close marks the queue closed and wakes any blocked drainer. Pending
// messages remain poppable via TryPop so a graceful close can drain them.
func (q *OutboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *OutboundQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
