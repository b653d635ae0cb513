// Package protocol declares the ProtocolAdapter trait every hardware family
// implements, and the Host surface a DeviceSupervisor exposes to its
// adapter. Concrete families live in protocol/{circulator,detector,
// vacuumgauge,xraysource,motorcontroller,dataacq}.
package protocol

import (
	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/internal/watchdog"
	"saxsctl/engine/models"
)

// Host is the subset of DeviceSupervisor an Adapter is allowed to touch: it
// may update the state table, queue outbound bytes, reach the register
// transport when present, pat/disable the watchdog, and report errors/log
// lines. It never reaches the MessageBus directly.
type Host interface {
	// Update applies the Supervisor's single update() path (spec.md §4.4):
	// always pats the watchdog and stamps the timestamp; emits an `update`
	// Message to the front-end iff the value differs, force is set, or a
	// RefreshCounter entry is owed.
	Update(name string, value models.Value, force bool)

	// Send queues a wire write through the owning StreamTransport. It is a
	// no-op (and a programmer error) for a register-based device.
	Send(req transport.SendRequest)

	// Register returns the RegisterTransport for register-based devices,
	// or nil for stream-based ones.
	Register() *transport.RegisterTransport

	// Watchdog returns the Supervisor's watchdog so an adapter may
	// Disable/Enable it around operations with their own completion signal
	// (Detector exposures).
	Watchdog() *watchdog.Watchdog

	// ReportError surfaces a fault to the front-end. A non-fatal kind leaves
	// the Supervisor running; a fatal kind (errorkit.Kind.Fatal, e.g.
	// CommunicationError) also ends its poll loop.
	ReportError(kind errorkit.Kind, variable, format string, args ...any)

	// Log appends one formatted line to the device's log file/channel.
	Log(line string)
}

// Adapter is the six-method ProtocolAdapter trait (spec.md §4.5).
type Adapter interface {
	// Frame discovers complete wire frames inside buf, returning them in
	// order plus the residual (incomplete trailing bytes).
	Frame(buf []byte) (frames [][]byte, residual []byte)

	// Query dispatches a read request for name. It returns false if the
	// query could not actually be dispatched (so the Supervisor's
	// OutstandingQuery entry is removed, allowing an immediate retry).
	Query(host Host, name string) bool

	// Set validates and dispatches a write for name, or returns
	// errorkit.ReadOnlyVariable / errorkit.InvalidValue.
	Set(host Host, name string, value models.Value) error

	// Execute dispatches a named command with positional arguments.
	Execute(host Host, name string, args []models.Value) error

	// ProcessIncoming decodes one frame, correlated against the
	// SendRequest that elicited it (nil for unsolicited/async replies),
	// applying Host.Update calls and/or error reports.
	ProcessIncoming(host Host, frame []byte, original *transport.SendRequest)

	// InitializeAfterConnect runs once, immediately after the transport
	// reports it is connected, before polling begins.
	InitializeAfterConnect(host Host) error
}
