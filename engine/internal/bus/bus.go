// Package bus implements MessageBus: a bounded, single-consumer channel of
// models.Message used for every DeviceFront<->DeviceSupervisor and every
// DeviceSupervisor<->Transport link. Producers block on a full queue;
// the one exception is Exit, which always lands even on a full queue, so a
// shutdown request is never starved by backed-up traffic.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"saxsctl/engine/models"
)

// Bus is a bounded multi-producer/single-consumer channel of Messages, with
// an out-of-band slot reserved for urgent exit delivery.
type Bus struct {
	name      string
	ch        chan models.Message
	urgent    chan models.Message
	nextID    uint64
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Bus identified by name (used to stamp Message.Sender and in
// logs), with the given bounded capacity.
func New(name string, capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	return &Bus{
		name:   name,
		ch:     make(chan models.Message, capacity),
		urgent: make(chan models.Message, 1),
		closed: make(chan struct{}),
	}
}

// NextID returns the next monotonically increasing id for a Message
// produced by this bus's owner.
func (b *Bus) NextID() uint64 { return atomic.AddUint64(&b.nextID, 1) }

// Stamp fills in Id, Sender and Timestamp on msg and returns it.
func (b *Bus) Stamp(msg models.Message) models.Message {
	msg.Id = b.NextID()
	msg.Sender = b.name
	msg.Timestamp = time.Now()
	return msg
}

// Send enqueues msg, blocking if the queue is full until ctx is cancelled or
// the consumer makes room. Exit messages are routed to a dedicated
// unbounded-enough (capacity 1, drained first) slot so they always land.
func (b *Bus) Send(ctx context.Context, msg models.Message) error {
	if msg.Kind == models.KindExit {
		select {
		case b.urgent <- msg:
			return nil
		default:
			// urgent slot already holds a pending exit; that is sufficient,
			// a second exit request is redundant.
			return nil
		}
	}
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closed:
		return context.Canceled
	}
}

// TrySend enqueues msg without blocking; it reports false if the queue was
// full (and msg was not an exit, which is always accepted).
func (b *Bus) TrySend(msg models.Message) bool {
	if msg.Kind == models.KindExit {
		select {
		case b.urgent <- msg:
		default:
		}
		return true
	}
	select {
	case b.ch <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks up to timeout for the next Message, preferring any pending
// urgent exit over ordinary traffic. A zero timeout blocks indefinitely.
func (b *Bus) Receive(ctx context.Context, timeout time.Duration) (models.Message, bool) {
	select {
	case m := <-b.urgent:
		return m, true
	default:
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		timeoutCh = timer.C
		defer timer.Stop()
	}

	select {
	case m := <-b.urgent:
		return m, true
	case m := <-b.ch:
		return m, true
	case <-timeoutCh:
		return models.Message{}, false
	case <-ctx.Done():
		return models.Message{}, false
	}
}

// Close marks the bus closed; blocked Send calls return context.Canceled.
// Safe to call more than once.
func (b *Bus) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

// Len reports the number of ordinary messages currently queued (for
// telemetry snapshots); it does not include a pending urgent exit.
func (b *Bus) Len() int { return len(b.ch) }
