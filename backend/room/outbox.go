package room

import (
	"context"
	"sync"

	"Coderoom/backend/types"
)

// Outbox is the bounded queue of frames waiting to be written to one session.
//
// Above capacity, presence frames are dropped oldest first. Every other frame
// is kept, since losing an op would break convergence, up to maxBacklog
// frames, after which Push fails with ErrSlowConsumer.
type Outbox struct {
	mu         sync.Mutex
	queue      []types.ServerMessage
	capacity   int
	maxBacklog int
	notify     chan struct{}
	closed     bool
	dropped    uint64
}

// NewOutbox returns an empty outbox.
func NewOutbox(capacity, maxBacklog int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	if maxBacklog < capacity {
		maxBacklog = capacity
	}
	return &Outbox{
		queue:      make([]types.ServerMessage, 0, capacity),
		capacity:   capacity,
		maxBacklog: maxBacklog,
		notify:     make(chan struct{}, 1),
	}
}

// Push enqueues msg without blocking.
func (o *Outbox) Push(msg types.ServerMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrOutboxClosed
	}

	if len(o.queue) >= o.capacity {
		if !o.dropOldestPresence() {
			if msg.Droppable() {
				o.dropped++
				return nil
			}
			if len(o.queue) >= o.maxBacklog {
				return ErrSlowConsumer
			}
		}
	}

	o.queue = append(o.queue, msg)
	select {
	case o.notify <- struct{}{}:
	default:
	}
	return nil
}

// dropOldestPresence must be called with o.mu held.
func (o *Outbox) dropOldestPresence() bool {
	for i, queued := range o.queue {
		if queued.Droppable() {
			o.queue = append(o.queue[:i], o.queue[i+1:]...)
			o.dropped++
			return true
		}
	}
	return false
}

// Next blocks until a frame is available and returns it. Frames queued before
// Close are still returned, then ErrOutboxClosed.
func (o *Outbox) Next(ctx context.Context) (types.ServerMessage, error) {
	for {
		o.mu.Lock()
		if len(o.queue) > 0 {
			msg := o.queue[0]
			o.queue[0] = types.ServerMessage{}
			o.queue = o.queue[1:]
			o.mu.Unlock()
			return msg, nil
		}
		closed := o.closed
		o.mu.Unlock()

		if closed {
			return types.ServerMessage{}, ErrOutboxClosed
		}

		select {
		case <-o.notify:
		case <-ctx.Done():
			return types.ServerMessage{}, ctx.Err()
		}
	}
}

// Close stops accepting frames. It is idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.notify)
}

// Len returns the number of queued frames.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return len(o.queue)
}

// Dropped returns the number of presence frames dropped so far.
func (o *Outbox) Dropped() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.dropped
}
