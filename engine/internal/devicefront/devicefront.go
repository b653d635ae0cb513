// Package devicefront implements DeviceFront: the process-local handle the
// rest of the program uses to talk to a DeviceSupervisor. It marshals
// set/query/execute/exit requests onto the supervisor's inbound bus and
// demarshals update/error/ready/telemetry/log/exited events arriving on the
// supervisor's front bus, keeping a shadow copy of the state-variable table
// so synchronous reads never round-trip to the Supervisor (spec.md §4.4,
// SPEC_FULL.md §3 "frontend.py keeps a local shadow copy").
package devicefront

import (
	"context"
	"fmt"
	"sync"
	"time"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/models"
)

// Listener receives demarshalled events from a DeviceFront as they arrive.
// Every method is optional; a DeviceFront built with a zero-valued Listener
// still maintains its shadow state table and Exited gate. Handlers are
// called from the front's own pump goroutine and must not block.
type Listener struct {
	OnUpdate    func(name string, value models.Value, forced bool)
	OnError     func(kind, message, variable string)
	OnReady     func()
	OnTelemetry func()
	OnLog       func(line string)
}

// DeviceFront is the client-side handle for one device. It is safe for
// concurrent use by multiple goroutines.
type DeviceFront struct {
	name     string
	inbound  *bus.Bus // supervisor's inbound queue: Set/Query/Execute/Exit land here
	front    *bus.Bus // supervisor's front bus: Update/Error/Ready/Telemetry/Log/Exited arrive here
	listener Listener

	mu         sync.RWMutex
	shadow     map[string]models.StateVariable
	ready      bool
	exited     bool
	normalExit bool
	lastErr    string

	done chan struct{}
}

// New constructs a DeviceFront for a device named name, talking to a
// Supervisor over inbound (requests) and front (events). Run must be called
// to begin pumping front-bus events into the shadow table and Listener.
func New(name string, inbound, front *bus.Bus, listener Listener) *DeviceFront {
	return &DeviceFront{
		name:     name,
		inbound:  inbound,
		front:    front,
		listener: listener,
		shadow:   make(map[string]models.StateVariable),
		done:     make(chan struct{}),
	}
}

// Run pumps the front bus until ctx is cancelled or an `exited` Message is
// delivered, whichever comes first. It is meant to run in its own
// goroutine for the DeviceFront's whole lifetime.
func (f *DeviceFront) Run(ctx context.Context) {
	defer close(f.done)
	for {
		msg, ok := f.front.Receive(ctx, 200*time.Millisecond)
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}
		if f.handle(msg) {
			return
		}
	}
}

// handle applies one front-bus Message to the shadow table/Listener and
// reports whether the pump loop should stop (an `exited` was delivered).
func (f *DeviceFront) handle(msg models.Message) bool {
	switch msg.Kind {
	case models.KindUpdate:
		f.mu.Lock()
		f.shadow[msg.Variable] = models.StateVariable{Name: msg.Variable, Value: msg.Value, LastUpdated: msg.Timestamp}
		f.mu.Unlock()
		if f.listener.OnUpdate != nil {
			f.listener.OnUpdate(msg.Variable, msg.Value, msg.Force)
		}
	case models.KindError:
		f.mu.Lock()
		f.lastErr = msg.ErrMessage
		f.mu.Unlock()
		if f.listener.OnError != nil {
			f.listener.OnError(msg.ErrKind, msg.ErrMessage, msg.Variable)
		}
	case models.KindReady:
		f.mu.Lock()
		f.ready = true
		f.mu.Unlock()
		if f.listener.OnReady != nil {
			f.listener.OnReady()
		}
	case models.KindTelemetry:
		if f.listener.OnTelemetry != nil {
			f.listener.OnTelemetry()
		}
	case models.KindLog:
		if f.listener.OnLog != nil {
			f.listener.OnLog(msg.LogLine)
		}
	case models.KindExited:
		f.mu.Lock()
		f.exited = true
		f.normalExit = msg.NormalTermination
		f.mu.Unlock()
		return true
	}
	return false
}

// Exited reports whether the Supervisor has reached its terminal state, and
// whether that termination was normal (a clean `exit` request) as opposed
// to abnormal (a fatal CommunicationError/WatchdogTimeout).
func (f *DeviceFront) Exited() (exited bool, normal bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.exited, f.normalExit
}

// Ready reports whether the Supervisor has fired its one-time ready event
// (every name in all_variables has been seen at least once).
func (f *DeviceFront) Ready() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ready
}

// Value returns the shadow copy of name's last-known value without
// round-tripping to the Supervisor, and whether it has ever been seen.
func (f *DeviceFront) Value(name string) (models.Value, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sv, ok := f.shadow[name]
	return sv.Value, ok
}

// Snapshot returns a defensive copy of the entire shadow state table.
func (f *DeviceFront) Snapshot() map[string]models.StateVariable {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]models.StateVariable, len(f.shadow))
	for k, v := range f.shadow {
		out[k] = v
	}
	return out
}

// errExited is returned by every marshalling method once the Supervisor has
// reached Exited: sending into a dead supervisor's inbound bus would block
// forever or silently vanish, so DeviceFront refuses up front instead
// (SPEC_FULL.md §3, "raises if the backend Supervisor process has already
// died").
func (f *DeviceFront) errExited() error {
	return fmt.Errorf("devicefront %s: supervisor has exited", f.name)
}

// Set marshals a set(name, value) request.
func (f *DeviceFront) Set(ctx context.Context, name string, value models.Value) error {
	f.mu.RLock()
	exited := f.exited
	f.mu.RUnlock()
	if exited {
		return f.errExited()
	}
	return f.inbound.Send(ctx, f.inbound.Stamp(models.Message{Kind: models.KindSet, Variable: name, Value: value}))
}

// Query marshals a query(name, signal_needed) request.
func (f *DeviceFront) Query(ctx context.Context, name string, signalNeeded bool) error {
	f.mu.RLock()
	exited := f.exited
	f.mu.RUnlock()
	if exited {
		return f.errExited()
	}
	return f.inbound.Send(ctx, f.inbound.Stamp(models.Message{Kind: models.KindQuery, Variable: name, SignalNeeded: signalNeeded}))
}

// Refresh is Query with signal_needed always set: the canonical way a
// client demands at least one fresh `update` for name even if the device
// value is unchanged (SPEC_FULL.md §3, device.py's refreshvariable).
func (f *DeviceFront) Refresh(ctx context.Context, name string) error {
	return f.Query(ctx, name, true)
}

// Execute marshals an execute(name, args) request.
func (f *DeviceFront) Execute(ctx context.Context, name string, args ...models.Value) error {
	f.mu.RLock()
	exited := f.exited
	f.mu.RUnlock()
	if exited {
		return f.errExited()
	}
	return f.inbound.Send(ctx, f.inbound.Stamp(models.Message{Kind: models.KindExecute, Variable: name, Args: args}))
}

// RequestTelemetry marshals an on-demand telemetry pull, used by a
// front-end "panic button" diagnostic dump in addition to the Supervisor's
// own periodic push (SPEC_FULL.md §3).
func (f *DeviceFront) RequestTelemetry(ctx context.Context) error {
	f.mu.RLock()
	exited := f.exited
	f.mu.RUnlock()
	if exited {
		return f.errExited()
	}
	return f.inbound.Send(ctx, f.inbound.Stamp(models.Message{Kind: models.KindTelemetryRequest}))
}

// Disconnect marshals a clean `exit` request and waits (up to ctx's
// deadline, if any) for the Supervisor's terminal `exited` event to be
// observed by the pump loop.
func (f *DeviceFront) Disconnect(ctx context.Context) error {
	if err := f.inbound.Send(ctx, f.inbound.Stamp(models.Message{Kind: models.KindExit})); err != nil {
		return err
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastError returns the most recent error message reported by the
// Supervisor, or "" if none has been seen.
func (f *DeviceFront) LastError() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastErr
}
