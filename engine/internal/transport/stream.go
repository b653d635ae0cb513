// Package transport implements the two Transport variants: StreamTransport
// (asynchronous, framed TCP) and RegisterTransport (synchronous Modbus-style
// register access). Both present Messages to their owning DeviceSupervisor
// over a shared bus.Bus.
package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/models"
)

// SendRequest is one outbound write queued on a StreamTransport.
type SendRequest struct {
	Bytes           []byte
	ExpectedReplies int
	Timeout         time.Duration
	Asynchronous    bool
}

type pendingEntry struct {
	req             SendRequest
	sentAt          time.Time
	repliesReceived int
}

// StreamTransport owns a non-blocking socket, a send queue, a stack of
// messages awaiting reply and a partial-frame buffer. It runs its own
// cooperative loop and reports everything to Out (the owning Supervisor's
// inbound bus) as Messages: incoming, send-complete, communication-error,
// timeout.
type StreamTransport struct {
	conn   net.Conn
	framer Framer
	out    *bus.Bus

	pollTimeout time.Duration

	mu          sync.Mutex
	sendQueue   []SendRequest
	pending     []*pendingEntry
	clearToSend bool
	partial     []byte

	kill     chan struct{}
	exited   chan struct{}
	killOnce sync.Once
}

// NewStreamTransport wraps conn, driving framer over incoming bytes and
// reporting events onto out. pollTimeout bounds each read-readiness poll.
func NewStreamTransport(conn net.Conn, framer Framer, out *bus.Bus, pollTimeout time.Duration) *StreamTransport {
	if pollTimeout <= 0 {
		pollTimeout = 50 * time.Millisecond
	}
	return &StreamTransport{
		conn:        conn,
		framer:      framer,
		out:         out,
		pollTimeout: pollTimeout,
		clearToSend: true,
		kill:        make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// Enqueue queues req for transmission; the main loop sends it as soon as
// clear_to_send allows.
func (t *StreamTransport) Enqueue(req SendRequest) {
	t.mu.Lock()
	t.sendQueue = append(t.sendQueue, req)
	t.mu.Unlock()
}

// Kill requests the transport terminate: the send queue is flushed, the
// socket closed, and Run returns once the loop notices.
func (t *StreamTransport) Kill() {
	t.killOnce.Do(func() { close(t.kill) })
}

// Exited reports whether Run has returned.
func (t *StreamTransport) Exited() <-chan struct{} { return t.exited }

// Run drives the transport loop until Kill is called or ctx is cancelled.
// It never returns an error directly; faults are reported as
// communication-error Messages on Out, matching the Supervisor's
// message-dispatch contract.
func (t *StreamTransport) Run(ctx context.Context) {
	defer close(t.exited)
	defer t.conn.Close()
	for {
		select {
		case <-t.kill:
			t.mu.Lock()
			t.sendQueue = nil
			t.mu.Unlock()
			return
		case <-ctx.Done():
			return
		default:
		}

		if t.stepSend() {
			continue
		}

		data, err := t.pollRead()
		if err != nil {
			t.emitCommunicationError(err)
			return
		}
		if len(data) > 0 {
			t.mu.Lock()
			t.partial = append(t.partial, data...)
			t.mu.Unlock()
			if fatal := t.processFrames(); fatal {
				return
			}
		}

		if fatal := t.checkPendingTimeout(); fatal {
			return
		}
	}
}

// stepSend performs step 1 of the main loop: write one queued message if
// clear_to_send allows. Returns true if it made progress (so the caller can
// loop immediately rather than poll the socket).
func (t *StreamTransport) stepSend() bool {
	t.mu.Lock()
	if !t.clearToSend || len(t.sendQueue) == 0 {
		t.mu.Unlock()
		return false
	}
	req := t.sendQueue[0]
	t.sendQueue = t.sendQueue[1:]
	t.mu.Unlock()

	if _, err := t.conn.Write(req.Bytes); err != nil {
		t.emitCommunicationError(err)
		return true
	}

	t.mu.Lock()
	if req.ExpectedReplies > 0 {
		t.pending = append(t.pending, &pendingEntry{req: req, sentAt: time.Now()})
	}
	if !req.Asynchronous {
		t.clearToSend = false
	}
	t.mu.Unlock()

	t.out.TrySend(t.out.Stamp(models.Message{Kind: models.KindSendComplete}))
	return true
}

// pollRead attempts one bounded read from the socket, returning io.EOF-like
// errors (including proactively-closed peers) as plain errors.
func (t *StreamTransport) pollRead() ([]byte, error) {
	_ = t.conn.SetReadDeadline(time.Now().Add(t.pollTimeout))
	buf := make([]byte, 4096)
	n, err := t.conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// processFrames runs the framer over the partial buffer and dispatches
// every complete frame. It returns true if a fatal (unsolicited frame)
// communication error was raised.
func (t *StreamTransport) processFrames() bool {
	t.mu.Lock()
	frames, residual := t.framer.Frame(t.partial)
	t.partial = residual
	t.mu.Unlock()

	for _, frame := range frames {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			t.emitCommunicationError(errUnsolicitedFrame)
			return true
		}
		top := t.pending[0]
		top.repliesReceived++
		referredID := uint64(0)
		replyCount := top.repliesReceived
		originalSent := top.req.Bytes
		originalAsync := top.req.Asynchronous
		done := top.repliesReceived >= top.req.ExpectedReplies
		if done {
			t.pending = t.pending[1:]
		}
		if len(t.pending) == 0 || t.pending[0].req.Asynchronous {
			t.clearToSend = true
		}
		t.mu.Unlock()

		t.out.TrySend(t.out.Stamp(models.Message{
			Kind:          models.KindIncoming,
			Raw:           frame,
			ReferredID:    referredID,
			ReplyCount:    replyCount,
			OriginalSent:  originalSent,
			OriginalAsync: originalAsync,
		}))
	}
	return false
}

// checkPendingTimeout implements step 4: a pending reply overdue raises a
// fatal timeout.
func (t *StreamTransport) checkPendingTimeout() bool {
	t.mu.Lock()
	overdue := false
	if len(t.pending) > 0 {
		top := t.pending[0]
		overdue = top.req.Timeout > 0 && time.Since(top.sentAt) > top.req.Timeout
	}
	t.mu.Unlock()
	if !overdue {
		return false
	}
	t.out.TrySend(t.out.Stamp(models.Message{Kind: models.KindTimeout}))
	t.emitCommunicationError(errPendingTimeout)
	return true
}

func (t *StreamTransport) emitCommunicationError(err error) {
	t.out.TrySend(t.out.Stamp(models.Message{
		Kind:       models.KindCommunicationError,
		ErrKind:    "CommunicationError",
		ErrMessage: err.Error(),
	}))
}

var (
	errUnsolicitedFrame = transportErr("unsolicited frame received with no pending request")
	errPendingTimeout   = transportErr("pending reply exceeded its timeout")
)

type transportErr string

func (e transportErr) Error() string { return string(e) }
