// Package watchdog implements the per-device deadline timer a
// DeviceSupervisor uses to detect dead hardware (spec.md §4.2).
package watchdog

import (
	"sync"
	"time"

	"saxsctl/engine/internal/errorkit"
)

// Watchdog tracks the time of the last successful pat and fails a check once
// that timestamp is older than timeout, provided the watchdog is enabled.
type Watchdog struct {
	mu      sync.Mutex
	timeout time.Duration
	last    time.Time
	active  bool
	nowFunc func() time.Time
}

// New creates a Watchdog with the given timeout, enabled, timestamped now.
func New(timeout time.Duration) *Watchdog {
	return &Watchdog{timeout: timeout, last: time.Now(), active: true, nowFunc: time.Now}
}

// now returns the injected clock if set (tests), else time.Now.
func (w *Watchdog) now() time.Time {
	if w.nowFunc != nil {
		return w.nowFunc()
	}
	return time.Now()
}

// Enable gates checking back on.
func (w *Watchdog) Enable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = true
}

// Disable gates checking off; Check always succeeds while disabled. Used by
// the Detector adapter to suppress timeouts for the duration of an exposure.
func (w *Watchdog) Disable() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = false
}

// Pat resets the deadline to now. Called on every successful variable
// update.
func (w *Watchdog) Pat() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = w.now()
}

// Check returns a WatchdogTimeout error if the watchdog is active and more
// than timeout has elapsed since the last Pat.
func (w *Watchdog) Check() error {
	w.mu.Lock()
	active := w.active
	elapsed := w.now().Sub(w.last)
	timeout := w.timeout
	w.mu.Unlock()
	if active && elapsed > timeout {
		return errorkit.New(errorkit.WatchdogTimeout, "no response in %s (timeout %s)", elapsed, timeout)
	}
	return nil
}

// Elapsed reports how long it has been since the last Pat.
func (w *Watchdog) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.last)
}

// Active reports whether checking is currently enabled.
func (w *Watchdog) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
