// Package engine is the public facade over the device-supervision and
// data-reduction core. It composes a registry of per-device Supervisors,
// Transports and DeviceFronts, plus the stateless ReductionPipeline
// functions, into one Instrument a daemon or front-end process can drive.
package engine

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"saxsctl/engine/internal/bus"
	"saxsctl/engine/internal/devicefront"
	"saxsctl/engine/internal/motor"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/protocol/circulator"
	"saxsctl/engine/internal/protocol/dataacq"
	"saxsctl/engine/internal/protocol/detector"
	"saxsctl/engine/internal/protocol/motorcontroller"
	"saxsctl/engine/internal/protocol/vacuumgauge"
	"saxsctl/engine/internal/protocol/xraysource"
	"saxsctl/engine/internal/runtime"
	"saxsctl/engine/internal/supervisor"
	"saxsctl/engine/internal/telemetry/logging"
	"saxsctl/engine/internal/telemetry/metrics"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

// Listener is the set of callbacks a DeviceFront demarshals incoming
// Messages into. Aliased here so callers outside the engine tree never
// need to import engine/internal/devicefront directly.
type Listener = devicefront.Listener

// DeviceFront is a connected device's client handle, returned by
// Instrument.Front.
type DeviceFront = devicefront.DeviceFront

// MetricsProvider is the telemetry backend an Instrument records against.
// Aliased so callers can hold one without importing the internal metrics
// package.
type MetricsProvider = metrics.Provider

// NewMetricsProvider builds a MetricsProvider for the named backend: "prom"
// (Prometheus registry), "otel" (OpenTelemetry meter provider), "noop", or
// anything else, which also falls back to "prom" (cmd/saxsctld's default).
func NewMetricsProvider(backend string) MetricsProvider {
	switch backend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "saxsctld"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// MetricsHTTPHandler returns the provider's HTTP /metrics handler, if it
// exposes one (the Prometheus backend does; OTel and noop do not, since
// OTel ships its own export pipeline and noop has nothing to serve).
func MetricsHTTPHandler(provider MetricsProvider) (http.Handler, bool) {
	h, ok := provider.(interface{ MetricsHandler() http.Handler })
	if !ok {
		return nil, false
	}
	return h.MetricsHandler(), true
}

// DeviceSpecs is a decoded DeviceSpec manifest directory, keyed by name.
type DeviceSpecs = runtime.SpecSet

// LoadDeviceSpecs reads every DeviceSpec YAML manifest in dir (SPEC_FULL.md
// §0's devices.d convention).
func LoadDeviceSpecs(dir string) (DeviceSpecs, error) {
	return runtime.LoadSpecDir(dir)
}

// WatchDeviceSpecs watches a manifest directory and invokes onChange with
// each genuinely changed SpecSet (checksum-gated, so editor rewrites of
// identical content are ignored). A DeviceSpec is immutable for the
// lifetime of its Supervisor, so applying a change means tearing the old
// device down and adding a new one; this function only detects and decodes.
// The returned stop function ends watching; onError receives non-fatal
// decode failures (half-written files).
func WatchDeviceSpecs(ctx context.Context, dir string, onChange func(DeviceSpecs), onError func(error)) (func(), error) {
	h, err := runtime.NewHotReloadSystem(dir)
	if err != nil {
		return nil, err
	}
	changes, errs := h.WatchSpecs(ctx)
	go func() {
		for changes != nil || errs != nil {
			select {
			case change, ok := <-changes:
				if !ok {
					changes = nil
					continue
				}
				if onChange != nil {
					onChange(change.Specs)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if onError != nil {
					onError(err)
				}
			}
		}
	}()
	return func() { _ = h.StopWatching() }, nil
}

// TransportKind selects which §4.3 Transport variant a device uses.
type TransportKind int

const (
	// TransportStream selects the asynchronous, framed StreamTransport.
	TransportStream TransportKind = iota
	// TransportRegister selects the synchronous RegisterTransport.
	TransportRegister
)

// family maps a DeviceSpec.Family name to how its Adapter is built and
// which Transport variant it requires.
var family = map[string]func(spec models.DeviceSpec) (protocol.Adapter, TransportKind){
	"circulator": func(models.DeviceSpec) (protocol.Adapter, TransportKind) {
		return circulator.New(), TransportStream
	},
	"detector": func(models.DeviceSpec) (protocol.Adapter, TransportKind) {
		return detector.New(), TransportStream
	},
	"vacuumgauge": func(models.DeviceSpec) (protocol.Adapter, TransportKind) {
		return vacuumgauge.New(), TransportStream
	},
	"dataacq": func(models.DeviceSpec) (protocol.Adapter, TransportKind) {
		return dataacq.New(), TransportStream
	},
	"xraysource": func(spec models.DeviceSpec) (protocol.Adapter, TransportKind) {
		var fixing time.Duration // zero: xraysource.New applies its 3 s default
		if v, ok := spec.ConnectionParams["interlock_fixing_time"]; ok {
			if d, err := time.ParseDuration(v); err == nil {
				fixing = d
			}
		}
		return xraysource.New(fixing), TransportRegister
	},
	"motorcontroller": func(spec models.DeviceSpec) (protocol.Adapter, TransportKind) {
		addr := byte(1)
		if v, ok := spec.ConnectionParams["module_address"]; ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 256 {
				addr = byte(n)
			}
		}
		// one full step of a 200-step motor on a 1 mm/turn spindle.
		constants := motor.Constants{ClockFrequency: 16e6, FullStepSize: 1.0 / 200, TopRMSCurrent: 2.8}
		if v, ok := spec.ConnectionParams["full_step_size"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				constants.FullStepSize = f
			}
		}
		if v, ok := spec.ConnectionParams["top_rms_current"]; ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				constants.TopRMSCurrent = f
			}
		}
		posFile := spec.Name + ".motorpos"
		if v, ok := spec.ConnectionParams["position_file"]; ok {
			posFile = v
		}
		inner := motorcontroller.New(addr)
		return motor.NewCoordinatorAdapter(inner, constants, posFile), TransportStream
	},
}

// RegisterFamily adds or overrides the Adapter/TransportKind builder for a
// DeviceSpec.Family name, letting callers wire device families this core
// does not ship (or substitute test doubles).
func RegisterFamily(name string, build func(spec models.DeviceSpec) (protocol.Adapter, TransportKind)) {
	family[name] = build
}

// connector implements supervisor.Connector by dialing a TCP socket for
// stream devices, or lazily dialing on first register access for
// register-based devices (spec.md §4.3).
type connector struct {
	kind        TransportKind
	address     string
	dialTimeout time.Duration
	pollTimeout time.Duration
	framer      transport.Framer
	out         *bus.Bus

	mu        sync.Mutex
	stream    *transport.StreamTransport
	register  *transport.RegisterTransport
	runCancel context.CancelFunc
}

func (c *connector) Connect(ctx context.Context) error {
	switch c.kind {
	case TransportRegister:
		c.mu.Lock()
		c.register = transport.NewRegisterTransport(func() (net.Conn, error) {
			return net.DialTimeout("tcp", c.address, c.dialTimeout)
		}, 3, c.dialTimeout)
		c.mu.Unlock()
		return nil
	default:
		conn, err := net.DialTimeout("tcp", c.address, c.dialTimeout)
		if err != nil {
			return fmt.Errorf("dial %s: %w", c.address, err)
		}
		runCtx, cancel := context.WithCancel(ctx)
		st := transport.NewStreamTransport(conn, c.framer, c.out, c.pollTimeout)
		c.mu.Lock()
		c.stream = st
		c.runCancel = cancel
		c.mu.Unlock()
		go st.Run(runCtx)
		return nil
	}
}

func (c *connector) StreamTransport() *transport.StreamTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *connector) RegisterTransport() *transport.RegisterTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register
}

func (c *connector) Close() {
	c.mu.Lock()
	st, reg, cancel := c.stream, c.register, c.runCancel
	c.mu.Unlock()
	if st != nil {
		st.Kill()
		<-st.Exited()
	}
	if cancel != nil {
		cancel()
	}
	if reg != nil {
		_ = reg.Close()
	}
}

// device bundles the goroutines and handles backing one DeviceSpec.
type device struct {
	spec       models.DeviceSpec
	supervisor *supervisor.Supervisor
	front      *devicefront.DeviceFront
	cancel     context.CancelFunc
	doneSup    chan struct{}
	doneFront  chan struct{}
}

// Instrument is the public facade composing every configured device plus
// the telemetry provider. It owns no reduction state: ReductionPipeline
// jobs (engine/internal/reduction) are started directly by callers, since
// they are one-shot and stateless beyond their own Job/Result.
type Instrument struct {
	cfg     Config
	logger  logging.Logger
	metrics metrics.Provider

	updateCounter metrics.Counter
	errorCounter  metrics.Counter
	readyCounter  metrics.Counter

	mu      sync.Mutex
	devices map[string]*device
}

// New constructs an Instrument from cfg. provider may be nil, in which
// case metrics are a no-op backend.
func New(cfg Config, provider metrics.Provider) *Instrument {
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	return &Instrument{
		cfg:     cfg,
		logger:  logging.New(nil),
		metrics: provider,
		updateCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "saxsctl", Subsystem: "device", Name: "variable_updates_total",
			Help: "state-variable update events delivered to device fronts", Labels: []string{"device"},
		}}),
		errorCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "saxsctl", Subsystem: "device", Name: "errors_total",
			Help: "error events reported by device supervisors", Labels: []string{"device", "kind"},
		}}),
		readyCounter: provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{
			Namespace: "saxsctl", Subsystem: "device", Name: "ready_total",
			Help: "ready-gate events (one per supervisor lifetime)", Labels: []string{"device"},
		}}),
		devices: make(map[string]*device),
	}
}

// instrumentListener chains metric recording in front of the caller's own
// Listener callbacks.
func (in *Instrument) instrumentListener(deviceName string, user devicefront.Listener) devicefront.Listener {
	out := user
	out.OnUpdate = func(name string, value models.Value, forced bool) {
		in.updateCounter.Inc(1, deviceName)
		if user.OnUpdate != nil {
			user.OnUpdate(name, value, forced)
		}
	}
	out.OnError = func(kind, message, variable string) {
		in.errorCounter.Inc(1, deviceName, kind)
		if user.OnError != nil {
			user.OnError(kind, message, variable)
		}
	}
	out.OnReady = func() {
		in.readyCounter.Inc(1, deviceName)
		if user.OnReady != nil {
			user.OnReady()
		}
	}
	return out
}

// AddDevice registers spec, building its Adapter from the family registry
// keyed by spec.Family, and starts its Supervisor/Transport/DeviceFront
// goroutines under ctx. listener receives the device's demarshalled events.
func (in *Instrument) AddDevice(ctx context.Context, spec models.DeviceSpec, address string, listener devicefront.Listener) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	build, ok := family[spec.Family]
	if !ok {
		return fmt.Errorf("engine: unknown device family %q for device %q", spec.Family, spec.Name)
	}
	adapter, kind := build(spec)
	listener = in.instrumentListener(spec.Name, listener)

	capacity := in.cfg.InboundQueueCapacity
	if capacity <= 0 {
		capacity = 64
	}

	conn := &connector{
		kind:        kind,
		address:     address,
		dialTimeout: 5 * time.Second,
		pollTimeout: 50 * time.Millisecond,
		framer:      transport.FramerFunc(adapter.Frame),
	}

	sup := supervisor.New(spec, adapter, conn, capacity)
	conn.out = sup.Inbound()

	front := devicefront.New(spec.Name, sup.Inbound(), sup.Front(), listener)

	devCtx, cancel := context.WithCancel(ctx)
	d := &device{
		spec:       spec,
		supervisor: sup,
		front:      front,
		cancel:     cancel,
		doneSup:    make(chan struct{}),
		doneFront:  make(chan struct{}),
	}

	in.mu.Lock()
	if _, exists := in.devices[spec.Name]; exists {
		in.mu.Unlock()
		cancel()
		return fmt.Errorf("engine: device %q already registered", spec.Name)
	}
	in.devices[spec.Name] = d
	in.mu.Unlock()

	go func() {
		defer close(d.doneSup)
		sup.Run(devCtx)
	}()
	go func() {
		defer close(d.doneFront)
		front.Run(devCtx)
	}()

	in.logger.InfoCtx(ctx, "device supervisor started", "device", spec.Name, "family", spec.Family, "address", address)
	return nil
}

// Front returns the DeviceFront handle for a registered device.
func (in *Instrument) Front(name string) (*devicefront.DeviceFront, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	d, ok := in.devices[name]
	if !ok {
		return nil, false
	}
	return d.front, true
}

// DeviceNames lists every registered device.
func (in *Instrument) DeviceNames() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.devices))
	for name := range in.devices {
		out = append(out, name)
	}
	return out
}

// Snapshot is a unified telemetry view across every registered device,
// matching spec.md §4's periodic Telemetry introspection.
type Snapshot struct {
	Devices map[string]DeviceSnapshot
}

// DeviceSnapshot is one device's introspection row.
type DeviceSnapshot struct {
	State      string
	Ready      bool
	Exited     bool
	NormalExit bool
	LastError  string
	BusyLevel  int
	StateTable map[string]models.StateVariable
}

// Telemetry builds a Snapshot across every registered device.
func (in *Instrument) Telemetry() Snapshot {
	in.mu.Lock()
	names := make([]string, 0, len(in.devices))
	devs := make([]*device, 0, len(in.devices))
	for name, d := range in.devices {
		names = append(names, name)
		devs = append(devs, d)
	}
	in.mu.Unlock()

	out := Snapshot{Devices: make(map[string]DeviceSnapshot, len(names))}
	for i, name := range names {
		d := devs[i]
		exited, normal := d.front.Exited()
		out.Devices[name] = DeviceSnapshot{
			State:      d.supervisor.State().String(),
			Ready:      d.front.Ready(),
			Exited:     exited,
			NormalExit: normal,
			LastError:  d.front.LastError(),
			BusyLevel:  d.supervisor.BusyLevel(),
			StateTable: d.front.Snapshot(),
		}
	}
	return out
}

// Shutdown disconnects every device cleanly and waits (up to ctx's
// deadline) for each Supervisor and DeviceFront goroutine to finish.
func (in *Instrument) Shutdown(ctx context.Context) error {
	in.mu.Lock()
	devs := make([]*device, 0, len(in.devices))
	for _, d := range in.devices {
		devs = append(devs, d)
	}
	in.mu.Unlock()

	var firstErr error
	for _, d := range devs {
		if err := d.front.Disconnect(ctx); err != nil {
			in.logger.WarnCtx(ctx, "device disconnect incomplete", "device", d.spec.Name, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		d.cancel()
		select {
		case <-d.doneSup:
		case <-ctx.Done():
		}
		select {
		case <-d.doneFront:
		case <-ctx.Done():
		}
	}
	return firstErr
}
