// Package vacuumgauge implements the ProtocolAdapter for a TPG201-style
// vacuum gauge: strict request/response, sentinel "\r", fixed-width ASCII
// frames terminated by a checksum byte.
package vacuumgauge

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

const sentinel = '\r'

// checksum implements the fixed "sum(bytes[:-1]) % 64 + 64" scheme.
func checksum(body []byte) byte {
	var sum int
	for _, b := range body {
		sum += int(b)
	}
	return byte(sum%64 + 64)
}

// Adapter implements protocol.Adapter for the TPG201 family.
type Adapter struct{ pending string }

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Frame(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		idx := bytes.IndexByte(buf, sentinel)
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

func (a *Adapter) Query(host protocol.Host, name string) bool {
	var cmd byte
	switch name {
	case "pressure":
		cmd = 'M'
	case "version":
		cmd = 'T'
	case "units":
		cmd = 'U'
	default:
		host.ReportError(errorkit.UnknownVariable, name, "vacuum gauge has no query for %q", name)
		return false
	}
	a.pending = name
	req := a.encode(cmd)
	host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
	return true
}

// encode builds the fixed-width request "001<cmd><checksum>\r"; 001 is the
// gauge's bus address.
func (a *Adapter) encode(cmd byte) []byte {
	body := []byte{'0', '0', '1', cmd}
	return append(body, checksum(body), sentinel)
}

func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	return errorkit.New(errorkit.ReadOnlyVariable, "vacuum gauge exposes no settable variables").WithVariable(name)
}

func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	return errorkit.New(errorkit.UnknownCommand, "vacuum gauge has no command %q", name)
}

func (a *Adapter) InitializeAfterConnect(host protocol.Host) error { return nil }

func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
	if len(frame) < 2 || frame[len(frame)-1] != sentinel {
		host.ReportError(errorkit.InvalidMessage, "", "vacuum gauge frame missing terminator: %q", frame)
		return
	}
	msg := frame[:len(frame)-1] // strip \r
	if len(msg) < 11 {
		host.ReportError(errorkit.InvalidMessage, "", "vacuum gauge frame too short: %q", frame)
		return
	}
	body, got := msg[:len(msg)-1], msg[len(msg)-1]
	want := checksum(body)
	if got != want {
		host.ReportError(errorkit.InvalidMessage, "", "vacuum gauge checksum mismatch: got %d want %d", got, want)
		return
	}
	if len(body) < 4 {
		host.ReportError(errorkit.InvalidMessage, "", "vacuum gauge frame body too short: %q", body)
		return
	}
	if !bytes.HasPrefix(body, []byte("001")) {
		host.ReportError(errorkit.InvalidMessage, "", "vacuum gauge frame from wrong address: %q", body)
		return
	}
	switch body[3] {
	case 'M':
		a.decodePressure(host, body)
	case 'T':
		host.Update("version", models.StringValue(string(body[4:])), false)
	case 'U':
		host.Update("units", models.StringValue(string(body[4:])), false)
	default:
		host.Log(fmt.Sprintf("vacuum gauge: unrecognized variable selector %q", body[3]))
	}
}

func (a *Adapter) decodePressure(host protocol.Host, body []byte) {
	if len(body) < 10 {
		host.ReportError(errorkit.InvalidMessage, "pressure", "vacuum gauge pressure frame too short: %q", body)
		return
	}
	mantissa, err1 := strconv.ParseFloat(string(body[4:8]), 64)
	exponent, err2 := strconv.ParseFloat(string(body[8:10]), 64)
	if err1 != nil || err2 != nil {
		host.ReportError(errorkit.InvalidMessage, "pressure", "vacuum gauge pressure payload malformed: %q", body)
		return
	}
	pressure := mantissa * pow10(-23+exponent)
	host.Update("pressure", models.FloatValue(pressure), false)

	var status string
	switch {
	case pressure > 1.0:
		status = "No vacuum"
	case pressure > 0.1:
		status = "Medium vacuum"
	default:
		status = "Vacuum OK"
	}
	host.Update("_status", models.StringValue(status), false)
}

func pow10(e float64) float64 {
	result := 1.0
	if e >= 0 {
		for i := 0.0; i < e; i++ {
			result *= 10
		}
		return result
	}
	for i := 0.0; i > e; i-- {
		result /= 10
	}
	return result
}
