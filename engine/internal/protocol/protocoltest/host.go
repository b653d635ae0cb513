// Package protocoltest provides a recording protocol.Host implementation
// shared by the per-family adapter test suites.
package protocoltest

import (
	"fmt"
	"sync"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/internal/watchdog"
	"saxsctl/engine/models"
)

// Host records every Update, Send, error report and log line an adapter
// makes, and offers the busy-semaphore capability a Supervisor would.
type Host struct {
	mu sync.Mutex

	WD        *watchdog.Watchdog
	RegIO     *transport.RegisterTransport
	Vars      map[string]models.Value
	Forced    map[string]bool
	Sent      []transport.SendRequest
	Errors    []string
	ErrKinds  []errorkit.Kind
	Logs      []string
	busyLevel int
	busyMax   int
}

// NewHost builds a Host with one busy slot and a generous watchdog.
func NewHost() *Host {
	return &Host{
		WD:      watchdog.New(time.Minute),
		Vars:    make(map[string]models.Value),
		Forced:  make(map[string]bool),
		busyMax: 1,
	}
}

func (h *Host) Update(name string, value models.Value, force bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Vars[name] = value
	if force {
		h.Forced[name] = true
	}
}

func (h *Host) Send(req transport.SendRequest) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Sent = append(h.Sent, req)
}

func (h *Host) Register() *transport.RegisterTransport { return h.RegIO }

func (h *Host) Watchdog() *watchdog.Watchdog { return h.WD }

func (h *Host) ReportError(kind errorkit.Kind, variable, format string, args ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ErrKinds = append(h.ErrKinds, kind)
	h.Errors = append(h.Errors, fmt.Sprintf(format, args...))
}

func (h *Host) Log(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Logs = append(h.Logs, line)
}

func (h *Host) AcquireBusy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busyLevel >= h.busyMax {
		return false
	}
	h.busyLevel++
	return true
}

func (h *Host) ReleaseBusy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.busyLevel > 0 {
		h.busyLevel--
	}
}

func (h *Host) BusyLevel() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busyLevel
}

// Value returns the last value recorded for name.
func (h *Host) Value(name string) (models.Value, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.Vars[name]
	return v, ok
}

// SentWire returns the raw bytes of every Send call, in order.
func (h *Host) SentWire() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.Sent))
	for i, req := range h.Sent {
		out[i] = string(req.Bytes)
	}
	return out
}
