// Package supervisor implements DeviceSupervisor: the per-device state
// machine that owns a device's state-variable table, drives its
// ProtocolAdapter, and mediates between a Transport and a DeviceFront.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/telemetry/tracing"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/internal/watchdog"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/models"
)

var tracer tracing.Tracer = tracing.NewTracer(false)

// SetTracer installs t as the tracer each Supervisor.Run lifecycle is
// wrapped in. Passing nil is a no-op.
func SetTracer(t tracing.Tracer) {
	if t != nil {
		tracer = t
	}
}

// State is one phase of the DeviceSupervisor lifecycle (spec.md §4.4).
type State int

const (
	Disconnected State = iota
	Connecting
	Initializing
	Polling
	Disconnecting
	Exited
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Initializing:
		return "Initializing"
	case Polling:
		return "Polling"
	case Disconnecting:
		return "Disconnecting"
	case Exited:
		return "Exited"
	default:
		return "Unknown"
	}
}

// Connector opens the device's transport on demand; the concrete
// implementation (stream socket dial, register dial) is supplied by the
// daemon wiring layer so Supervisor stays transport-agnostic beyond the
// Host surface it exposes to its Adapter.
type Connector interface {
	Connect(ctx context.Context) error
	// StreamTransport returns the stream transport if this device is
	// stream-based, or nil.
	StreamTransport() *transport.StreamTransport
	// RegisterTransport returns the register transport if this device is
	// register-based, or nil.
	RegisterTransport() *transport.RegisterTransport
	Close()
}

// Supervisor is the per-device state machine described in spec.md §4.4.
type Supervisor struct {
	spec      models.DeviceSpec
	adapter   protocol.Adapter
	connector Connector
	watchdog  *watchdog.Watchdog

	inbound *bus.Bus // receives from Transport and DeviceFront
	front   *bus.Bus // delivers update/error/ready/telemetry/log/exited to DeviceFront

	mu            sync.Mutex
	state         State
	stateTable    map[string]models.StateVariable
	outstanding   map[string]models.OutstandingQuery
	refresh       models.RefreshCounter
	ready         bool
	busy          chan struct{}
	queryallCount uint64
	lastQueryall  time.Time
	lastLog       time.Time
	lastTelemetry time.Time
	config        map[string]string
	fatalFault    bool

	logFile     *os.File
	logFileOpen bool
}

// New constructs a Supervisor for spec, driven by adapter over whatever
// transport connector provides. inboundCapacity bounds the per-direction
// queue depth (spec.md §4.1).
func New(spec models.DeviceSpec, adapter protocol.Adapter, connector Connector, inboundCapacity int) *Supervisor {
	return &Supervisor{
		spec:        spec,
		adapter:     adapter,
		connector:   connector,
		watchdog:    watchdog.New(spec.WatchdogTimeout),
		inbound:     bus.New(spec.Name+":supervisor", inboundCapacity),
		front:       bus.New(spec.Name+":front", inboundCapacity),
		stateTable:  make(map[string]models.StateVariable),
		outstanding: make(map[string]models.OutstandingQuery),
		refresh:     make(models.RefreshCounter),
		busy:        make(chan struct{}, max1(spec.MaxBusyLevel)),
	}
}

func max1(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

// Inbound returns the bus a Transport or DeviceFront sends requests on.
func (s *Supervisor) Inbound() *bus.Bus { return s.inbound }

// Front returns the bus a DeviceFront receives update/error/ready/telemetry
// events from.
func (s *Supervisor) Front() *bus.Bus { return s.front }

// State reports the current lifecycle state (for telemetry/tests).
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a defensive copy of the current state table.
func (s *Supervisor) Snapshot() map[string]models.StateVariable {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.StateVariable, len(s.stateTable))
	for k, v := range s.stateTable {
		out[k] = v
	}
	return out
}

// Run drives the Supervisor until it reaches Exited. A terminal Exited is
// always reached; the final outbound Message is `exited`.
func (s *Supervisor) Run(ctx context.Context) {
	ctx, span := tracer.StartSpan(ctx, "supervisor.run")
	span.SetAttribute("device", s.spec.Name)
	defer span.End()

	s.setState(Connecting)
	normal := s.connectAndInitialize(ctx)
	if normal {
		s.setState(Polling)
		normal = s.pollLoop(ctx)
	}
	s.setState(Disconnecting)
	if s.connector != nil {
		s.connector.Close()
	}
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
	s.setState(Exited)
	s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindExited, NormalTermination: normal}))
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) connectAndInitialize(ctx context.Context) bool {
	if s.connector != nil {
		if err := s.connector.Connect(ctx); err != nil {
			s.reportError(errorkit.CommunicationError, "", "connect: %v", err)
			return false
		}
	}
	s.setState(Initializing)
	if err := s.adapter.InitializeAfterConnect(s); err != nil {
		s.reportError(errorkit.CommunicationError, "", "initialize: %v", err)
		return false
	}
	return true
}

// pollLoop is the main iteration described in spec.md §4.4, steps 1-4.
func (s *Supervisor) pollLoop(ctx context.Context) bool {
	inqueueTimeout := s.spec.PollInterval / 2
	if inqueueTimeout <= 0 {
		inqueueTimeout = 50 * time.Millisecond
	}
	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		msg, ok := s.inbound.Receive(ctx, inqueueTimeout)
		if ok {
			if exit, fatal := s.dispatch(msg); exit {
				return !fatal
			}
		}

		if fatal := s.housekeeping(); fatal {
			return false
		}

		// a fatal kind surfaced through the Host.ReportError path (for
		// instance the detector's read-only "access denied" reply) tears the
		// loop down exactly like a transport-reported fault.
		s.mu.Lock()
		fatal := s.fatalFault
		s.mu.Unlock()
		if fatal {
			return false
		}
	}
}

// dispatch implements step 2 of the main loop: routing by Message kind.
// It returns (exit, fatal): exit==true means the loop should stop; fatal
// distinguishes a clean `exit` request from an abnormal termination.
func (s *Supervisor) dispatch(msg models.Message) (exit bool, fatal bool) {
	switch msg.Kind {
	case models.KindConfig:
		s.mu.Lock()
		s.config = msg.Config
		s.mu.Unlock()
	case models.KindExit:
		return true, false
	case models.KindQuery:
		if msg.SignalNeeded {
			s.mu.Lock()
			s.refresh[msg.Variable]++
			s.mu.Unlock()
		}
		s.queryone(msg.Variable)
	case models.KindSet:
		if err := s.adapter.Set(s, msg.Variable, msg.Value); err != nil {
			s.reportAdapterError(err, msg.Variable)
		}
	case models.KindExecute:
		if err := s.adapter.Execute(s, msg.Variable, msg.Args); err != nil {
			s.reportAdapterError(err, msg.Variable)
		}
	case models.KindIncoming:
		var original *transport.SendRequest
		if msg.OriginalSent != nil {
			original = &transport.SendRequest{Bytes: msg.OriginalSent, Asynchronous: msg.OriginalAsync}
		}
		s.adapter.ProcessIncoming(s, msg.Raw, original)
	case models.KindCommunicationError, models.KindTimeout:
		s.reportError(errorkit.CommunicationError, "", "%s", msg.ErrMessage)
		return true, true
	case models.KindLog:
		s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindLog, LogLine: msg.LogLine}))
	case models.KindTelemetryRequest:
		// on-demand pull, in addition to the periodic push.
		s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindTelemetry}))
	case models.KindSendComplete:
		// last-send timestamp tracking; no state-table effect.
	}
	return false, false
}

// housekeeping implements step 3: ready-gate check, watchdog check,
// queryall scheduling, logging and telemetry. It returns true if a fatal
// watchdog timeout was raised.
func (s *Supervisor) housekeeping() bool {
	s.maybeFireReady()

	if err := s.watchdog.Check(); err != nil {
		s.reportError(errorkit.WatchdogTimeout, "", "%v", err)
		return true
	}

	s.queryall()

	s.maybeLog()
	s.maybeTelemetry()
	return false
}

func (s *Supervisor) maybeFireReady() {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return
	}
	for _, name := range s.spec.AllVariables {
		if _, ok := s.stateTable[name]; !ok {
			s.mu.Unlock()
			return
		}
	}
	s.ready = true
	s.mu.Unlock()
	s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindReady, Ready: true}))
}

// queryall computes the refresh list per spec.md §4.4 and issues queryone
// for each name, once per queryall_interval.
func (s *Supervisor) queryall() {
	interval := s.spec.PollInterval
	if interval <= 0 {
		return
	}
	s.mu.Lock()
	elapsed := s.lastQueryall.IsZero() || time.Since(s.lastQueryall) >= interval
	if !elapsed {
		s.mu.Unlock()
		return
	}
	s.lastQueryall = time.Now()
	s.queryallCount++
	count := s.queryallCount
	s.mu.Unlock()

	var names []string
	useUrgent := s.spec.UrgencyModulo == 0 || (count%uint64(maxInt(s.spec.UrgencyModulo, 1)) != 0)
	if useUrgent && len(s.spec.UrgentVariables) > 0 {
		names = append(names, s.spec.UrgentVariables...)
	} else {
		names = append(names, s.spec.MinimumQueryVariables...)
	}
	names = removeConstants(names, s.spec.ConstantVariables)

	s.mu.Lock()
	for _, name := range s.spec.AllVariables {
		if _, ok := s.stateTable[name]; !ok {
			names = append(names, name)
		}
	}
	s.mu.Unlock()

	for _, name := range dedupe(names) {
		s.queryone(name)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func removeConstants(names, constants []string) []string {
	skip := make(map[string]bool, len(constants))
	for _, c := range constants {
		skip[c] = true
	}
	out := names[:0:0]
	for _, n := range names {
		if !skip[n] {
			out = append(out, n)
		}
	}
	return out
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// queryone implements spec.md §4.4's named algorithm: skip if a fresh
// OutstandingQuery already exists, otherwise (re)create the entry and call
// Adapter.Query; on a false return (not actually dispatched), drop the
// entry so a retry may be attempted on the next pass.
func (s *Supervisor) queryone(name string) {
	s.mu.Lock()
	if oq, ok := s.outstanding[name]; ok && time.Since(oq.Dispatched) < s.spec.QueryTimeout {
		s.mu.Unlock()
		return
	}
	s.outstanding[name] = models.OutstandingQuery{Variable: name, Dispatched: time.Now()}
	s.mu.Unlock()

	dispatched := s.adapter.Query(s, name)
	if !dispatched {
		s.mu.Lock()
		delete(s.outstanding, name)
		s.mu.Unlock()
	}
}

func (s *Supervisor) maybeLog() {
	if s.spec.LogFormat == "" {
		return
	}
	s.mu.Lock()
	due := s.lastLog.IsZero() || time.Since(s.lastLog) >= s.spec.PollInterval
	if due {
		s.lastLog = time.Now()
	}
	snapshot := make(map[string]models.StateVariable, len(s.stateTable))
	for k, v := range s.stateTable {
		snapshot[k] = v
	}
	s.mu.Unlock()
	if !due {
		return
	}
	line := formatLogLine(s.spec.LogFormat, snapshot)
	s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindLog, LogLine: line}))
	s.appendLogFile(line)
}

// appendLogFile writes one stamped line to <logdir>/<name>.log when the
// device spec names a log directory. The file is opened lazily once; a
// failed open is remembered so the poll loop does not retry every cycle.
func (s *Supervisor) appendLogFile(line string) {
	dir := s.spec.ConnectionParams["logdir"]
	if dir == "" {
		return
	}
	if !s.logFileOpen {
		s.logFileOpen = true
		f, err := os.OpenFile(filepath.Join(dir, s.spec.Name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.Log(fmt.Sprintf("cannot open device log file: %v", err))
			return
		}
		s.logFile = f
	}
	if s.logFile == nil {
		return
	}
	now := float64(time.Now().UnixMilli()) / 1000.0
	fmt.Fprintf(s.logFile, "%.3f\t%s\n", now, line)
}

func formatLogLine(format string, vars map[string]models.StateVariable) string {
	out := format
	for name, sv := range vars {
		out = replaceAll(out, "{"+name+"}", sv.Value.String())
	}
	return out
}

func replaceAll(s, old, new string) string {
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return s
		}
		s = s[:idx] + new + s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	if len(sub) == 0 || len(sub) > len(s) {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func (s *Supervisor) maybeTelemetry() {
	if s.spec.TelemetryInterval <= 0 {
		return
	}
	s.mu.Lock()
	due := s.lastTelemetry.IsZero() || time.Since(s.lastTelemetry) >= s.spec.TelemetryInterval
	if due {
		s.lastTelemetry = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}
	s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindTelemetry}))
}

func (s *Supervisor) reportError(kind errorkit.Kind, variable, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.front.TrySend(s.front.Stamp(models.Message{
		Kind:       models.KindError,
		Variable:   variable,
		ErrKind:    kind.String(),
		ErrMessage: msg,
	}))
	s.mu.Lock()
	if kind == errorkit.InvalidMessage {
		s.outstanding = make(map[string]models.OutstandingQuery)
	}
	if kind.Fatal() {
		s.fatalFault = true
	}
	s.mu.Unlock()
}

func (s *Supervisor) reportAdapterError(err error, variable string) {
	if ek, ok := errorkit.As(err); ok {
		s.reportError(ek.Kind, variable, "%s", ek.Message)
		return
	}
	s.reportError(errorkit.DeviceError, variable, "%v", err)
}

// --- protocol.Host implementation -----------------------------------------

// Update implements spec.md §4.4's update(): stamps the timestamp and pats
// the watchdog unconditionally; emits `update` to the front-end iff the
// value differs, force is set, or a RefreshCounter entry is owed.
func (s *Supervisor) Update(name string, value models.Value, force bool) {
	s.watchdog.Pat()

	s.mu.Lock()
	prev, existed := s.stateTable[name]
	s.stateTable[name] = models.StateVariable{Name: name, Value: value, LastUpdated: time.Now()}
	delete(s.outstanding, name)

	changed := !existed || !prev.Value.Equal(value)
	owed := s.refresh[name] > 0
	if owed {
		s.refresh[name]--
	}
	s.mu.Unlock()

	if changed || force || owed {
		s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindUpdate, Variable: name, Value: value, Force: force}))
	}
}

func (s *Supervisor) Send(req transport.SendRequest) {
	if s.connector == nil {
		return
	}
	if st := s.connector.StreamTransport(); st != nil {
		st.Enqueue(req)
	}
}

func (s *Supervisor) Register() *transport.RegisterTransport {
	if s.connector == nil {
		return nil
	}
	return s.connector.RegisterTransport()
}

func (s *Supervisor) Watchdog() *watchdog.Watchdog { return s.watchdog }

func (s *Supervisor) ReportError(kind errorkit.Kind, variable, format string, args ...any) {
	s.reportError(kind, variable, format, args...)
}

func (s *Supervisor) Log(line string) {
	s.front.TrySend(s.front.Stamp(models.Message{Kind: models.KindLog, LogLine: line}))
}

// AcquireBusy attempts to take one slot of the BusySemaphore, returning
// false immediately if none is available (non-blocking acquisition is the
// canonical pattern for move/trim/exposure arbitration, spec.md §4.4).
func (s *Supervisor) AcquireBusy() bool {
	select {
	case s.busy <- struct{}{}:
		return true
	default:
		return false
	}
}

// ReleaseBusy releases one BusySemaphore slot; it is a no-op if none is
// held, so error paths may call it unconditionally.
func (s *Supervisor) ReleaseBusy() {
	select {
	case <-s.busy:
	default:
	}
}

// BusyLevel reports the current BusySemaphore occupancy.
func (s *Supervisor) BusyLevel() int { return len(s.busy) }
