// Package dataacq implements the ProtocolAdapter for a DATAQ DI-149
// acquisition module. The device speaks an ASCII command channel while
// idle; once scanning starts the same socket carries a binary stream of
// 22-byte scan points, so the framer switches modes with the scan state.
package dataacq

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

const scanFrameLen = 22

// rateRanges maps the selectable rate-counter full-scale (Hz) to its
// configuration code on scan-list channel 9.
var rateRanges = map[int]int{
	10000: 1, 5000: 2, 2000: 3, 1000: 4, 500: 5, 200: 6,
	100: 7, 50: 8, 20: 9, 10: 10, 5: 11,
}

const (
	defaultRateRange   = 10000
	samplesPerMinute   = 50
	analogChannelCount = 8
)

var (
	reInfo  = regexp.MustCompile(`^info (\d+) ([\w\d]+)$`)
	reSlist = regexp.MustCompile(`^slist (\d+) (x[0-9a-f]{4,5})$`)
	reSrate = regexp.MustCompile(`^srate (\d+)$`)
)

// busySemaphore is the optional Host capability gating scan reentrancy;
// *supervisor.Supervisor provides it.
type busySemaphore interface {
	AcquireBusy() bool
	ReleaseBusy()
}

// Adapter implements protocol.Adapter for the DI-149 family. scanning is
// atomic because Frame runs on the transport goroutine while the command
// path runs on the supervisor's.
type Adapter struct {
	scanning  atomic.Bool
	rateRange int
}

func New() *Adapter { return &Adapter{rateRange: defaultRateRange} }

// Frame selects the framing mode by scan state: line-oriented while idle,
// fixed 22-byte scan points while scanning. A leading byte whose LSB is set
// (instead of the expected sync 0) is treated as a resynchronization
// signal: bytes are discarded until a sync byte aligns, rather than raising
// a fatal frame error, since a dropped byte on this link is recoverable.
func (a *Adapter) Frame(buf []byte) ([][]byte, []byte) {
	if !a.scanning.Load() {
		return lineFrame(buf)
	}
	return scanFrame(buf)
}

func lineFrame(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		idx := bytes.IndexByte(buf, '\r')
		if idx < 0 {
			break
		}
		frame := make([]byte, idx+1)
		copy(frame, buf[:idx+1])
		frames = append(frames, frame)
		buf = buf[idx+1:]
	}
	residual := make([]byte, len(buf))
	copy(residual, buf)
	return frames, residual
}

func scanFrame(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		// the "stop" echo interleaves with the binary stream when a scan is
		// being terminated.
		if bytes.HasPrefix(buf, []byte("stop\r")) {
			frames = append(frames, []byte("stop\r"))
			buf = buf[5:]
			continue
		}
		if len(buf) < scanFrameLen {
			break
		}
		if buf[0]&1 != 0 {
			buf = buf[1:] // resync
			continue
		}
		frame := make([]byte, scanFrameLen)
		copy(frame, buf[:scanFrameLen])
		frames = append(frames, frame)
		buf = buf[scanFrameLen:]
	}
	residual := make([]byte, len(buf))
	copy(residual, buf)
	return frames, residual
}

func (a *Adapter) Query(host protocol.Host, name string) bool {
	if n, ok := infoIndex(name); ok {
		a.send(host, fmt.Sprintf("info %d\r", n))
		return true
	}
	switch {
	case name == "comm_mode" || name == "scan_rate_raw" || name == "rate" ||
		name == "rate_raw" || name == "counter" || name == "analog_values":
		// refreshed by the initialization echoes and the scan stream; there
		// is no dedicated poll command.
		return true
	case len(name) > 6 && name[:6] == "slist_":
		return true
	default:
		host.ReportError(errorkit.UnknownVariable, name, "data acquisition has no query for %q", name)
		return false
	}
}

func infoIndex(name string) (int, bool) {
	const prefix = "info_"
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	n, err := strconv.Atoi(name[len(prefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Set always refuses: every DI-149 parameter is fixed by the scan-list
// initialization sequence.
func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	return errorkit.New(errorkit.ReadOnlyVariable, "data acquisition variables are read-only").WithVariable(name)
}

func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	switch name {
	case "start":
		sem, _ := host.(busySemaphore)
		if sem == nil || !sem.AcquireBusy() {
			return errorkit.New(errorkit.DeviceError, "cannot start scan: already scanning")
		}
		a.send(host, "start\r")
		return nil
	case "stop":
		a.send(host, "stop\r")
		return nil
	default:
		return errorkit.New(errorkit.UnknownCommand, "data acquisition has no command %q", name)
	}
}

// InitializeAfterConnect configures the scan list: ASCII mode, the eight
// analog inputs plus digital, rate and counter channels, the sample rate,
// and finally binary mode for the scan stream.
func (a *Adapter) InitializeAfterConnect(host protocol.Host) error {
	a.send(host, "stop\r")
	a.send(host, "asc\r")
	for i := 0; i < 9; i++ {
		a.send(host, fmt.Sprintf("slist %d x%04x\r", i, i))
	}
	a.send(host, fmt.Sprintf("slist 9 x0%x095\r", rateRanges[a.rateRange]))
	a.send(host, "slist 10 x000a\r")
	srate := 75000 / samplesPerMinute
	a.send(host, fmt.Sprintf("srate %d\r", srate))
	a.send(host, "bin\r")
	return nil
}

func (a *Adapter) send(host protocol.Host, wire string) {
	host.Send(transport.SendRequest{Bytes: []byte(wire), ExpectedReplies: 1, Timeout: 2 * time.Second})
}

func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
	if a.scanning.Load() && len(frame) == scanFrameLen {
		a.decodeScanPoint(host, frame)
		return
	}
	line := string(bytes.TrimRight(frame, "\r\n"))
	switch {
	case line == "start":
		a.scanning.Store(true)
		host.Update("_status", models.StringValue("scanning"), true)
	case line == "stop":
		a.scanning.Store(false)
		host.Update("_status", models.StringValue("idle"), true)
		if sem, ok := host.(busySemaphore); ok {
			sem.ReleaseBusy()
		}
	case line == "asc":
		host.Update("comm_mode", models.StringValue("asc"), false)
	case line == "bin":
		host.Update("comm_mode", models.StringValue("bin"), false)
	default:
		if m := reInfo.FindStringSubmatch(line); m != nil {
			host.Update("info_"+m[1], models.StringValue(m[2]), false)
			return
		}
		if m := reSlist.FindStringSubmatch(line); m != nil {
			host.Update("slist_"+m[1], models.StringValue(m[2]), false)
			return
		}
		if m := reSrate.FindStringSubmatch(line); m != nil {
			v, _ := strconv.ParseInt(m[1], 10, 64)
			host.Update("scan_rate_raw", models.IntValue(v), false)
			return
		}
		host.Log(fmt.Sprintf("dataacq: unrecognized reply %q", line))
	}
}

// unpackNumber decodes one 12-bit two's-complement sample spread across two
// stream bytes (5 low bits in the first byte, 7 high bits in the second,
// sync/digital bits interleaved).
func unpackNumber(b0, b1 byte) int {
	value := ((int(b1^128) >> 1) << 5) + (int(b0) >> 3)
	if value&(1<<11) != 0 {
		value -= 1 << 12
	}
	return value
}

func unpackRate(b0, b1 byte) int {
	return ((int(b1) >> 1) << 7) + (int(b0) >> 1)
}

// decodeScanPoint unpacks one 22-byte scan frame: eight analog samples, the
// digital inputs, the rate counter and the event counter.
func (a *Adapter) decodeScanPoint(host protocol.Host, frame []byte) {
	analog := make([]float64, analogChannelCount)
	for i := 0; i < analogChannelCount; i++ {
		analog[i] = float64(unpackNumber(frame[2*i], frame[2*i+1]))
	}
	host.Update("analog_values", models.VectorValue(analog), false)

	host.Update("digital_in_1", models.BoolValue(frame[16]&128 != 0), false)
	host.Update("digital_in_2", models.BoolValue(frame[17]&2 != 0), false)
	host.Update("digital_in_3", models.BoolValue(frame[17]&4 != 0), false)
	host.Update("digital_in_4", models.BoolValue(frame[17]&8 != 0), false)

	rateRaw := unpackRate(frame[18], frame[19])
	host.Update("rate_raw", models.IntValue(int64(rateRaw)), false)
	host.Update("rate", models.FloatValue(float64(a.rateRange)*float64(rateRaw)/16384.0), false)
	host.Update("counter", models.IntValue(int64(unpackRate(frame[20], frame[21]))), false)
}
