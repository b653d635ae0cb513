// Package metrics is the telemetry provider abstraction the Instrument
// records against: counters, gauges, histograms and timers behind one
// Provider interface, with Prometheus (prometheus.go), OpenTelemetry
// (otel_provider.go) and no-op backends. Headless and test builds use the
// no-op provider; the daemon selects a backend by flag.
package metrics

import "context"

// Provider constructs the four instrument types and reports its own health
// (registration failures and similar degradations).
type Provider interface {
	NewCounter(opts CounterOpts) Counter
	NewGauge(opts GaugeOpts) Gauge
	NewHistogram(opts HistogramOpts) Histogram
	// NewTimer returns a constructor that snapshots the start time lazily,
	// so a single histogram backs many short-lived timers.
	NewTimer(h HistogramOpts) func() Timer
	Health(ctx context.Context) error
}

// Counter is a monotonically increasing value.
type Counter interface {
	Inc(delta float64, labels ...string)
}

// Gauge is a value that can move in both directions.
type Gauge interface {
	Set(v float64, labels ...string)
	Add(delta float64, labels ...string)
}

// Histogram records observations into buckets and tracks count + sum.
type Histogram interface {
	Observe(v float64, labels ...string)
}

// Timer records the latency elapsed since its construction.
type Timer interface {
	ObserveDuration(labels ...string)
}

// CommonOpts is embedded in every metric option struct. Labels' key order
// defines the variadic value order at record time.
type CommonOpts struct {
	Namespace string
	Subsystem string
	Name      string
	Help      string
	Labels    []string
}

// CounterOpts configures a Counter.
type CounterOpts struct{ CommonOpts }

// GaugeOpts configures a Gauge.
type GaugeOpts struct{ CommonOpts }

// HistogramOpts configures a Histogram or Timer.
type HistogramOpts struct {
	CommonOpts
	Buckets []float64
}

type noopProvider struct{}

type noopCounter struct{}

type noopGauge struct{}

type noopHistogram struct{}

type noopTimer struct{}

// NewNoopProvider returns a provider that records nothing.
func NewNoopProvider() Provider { return &noopProvider{} }

func (p *noopProvider) NewCounter(CounterOpts) Counter       { return noopCounter{} }
func (p *noopProvider) NewGauge(GaugeOpts) Gauge             { return noopGauge{} }
func (p *noopProvider) NewHistogram(HistogramOpts) Histogram { return noopHistogram{} }
func (p *noopProvider) NewTimer(HistogramOpts) func() Timer {
	return func() Timer { return noopTimer{} }
}
func (p *noopProvider) Health(context.Context) error { return nil }

func (noopCounter) Inc(float64, ...string)       {}
func (noopGauge) Set(float64, ...string)         {}
func (noopGauge) Add(float64, ...string)         {}
func (noopHistogram) Observe(float64, ...string) {}
func (noopTimer) ObserveDuration(...string)      {}
