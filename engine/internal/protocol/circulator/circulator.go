// Package circulator implements the ProtocolAdapter for a Haake Phoenix
// temperature circulator. The protocol is line-oriented: requests end with
// "\r", well-formed replies with the sentinel "$\r". The hardware cannot
// pipeline, so a private send queue holds every request until the reply to
// the previous one has arrived.
package circulator

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

const replyTimeout = 5 * time.Second

// queryCommands maps each queryable variable to the wire request that
// elicits it. Reading the fault bit-field refreshes every flag variable at
// once, so all of them share the "R BS\r" request.
var queryCommands = map[string]string{
	"firmwareversion":          "R V1\r",
	"faultstatus":              "R BS\r",
	"external_pt100_error":     "R BS\r",
	"internal_pt100_error":     "R BS\r",
	"liquid_level_low_error":   "R BS\r",
	"cooling_error":            "R BS\r",
	"external_alarm_error":     "R BS\r",
	"pump_overload_error":      "R BS\r",
	"liquid_level_alarm_error": "R BS\r",
	"overtemperature_error":    "R BS\r",
	"main_relay_missing_error": "R BS\r",
	"fuzzycontrol":             "R FB\r",
	"fuzzystatus":              "R FE\r",
	"temperature_internal":     "R T1\r",
	"temperature_external":     "R T3\r",
	"setpoint":                 "R SW\r",
	"highlimit":                "R HL\r",
	"lowlimit":                 "R LL\r",
	"control_on":               "IN MODE 5\r",
	"control_external":         "IN MODE 2\r",
	"diffcontrol_on":           "R FR\r",
	"autostart":                "R ZA\r",
	"fuzzyid":                  "R ZI\r",
	"beep":                     "R ZB\r",
	"time":                     "R XT\r",
	"date":                     "R XD\r",
	"watchdog_on":              "R WD\r",
	"watchdog_setpoint":        "R WS\r",
	"cooling_on":               "R CC\r",
	"pump_power":               "R PF\r",
}

// Adapter implements protocol.Adapter for the Haake Phoenix family.
type Adapter struct {
	lastSent  []byte   // the request whose reply is still outstanding
	sendQueue [][]byte // requests waiting for the line to clear
	stash     []byte   // reply bytes received without their "$\r" terminator yet
}

func New() *Adapter { return &Adapter{} }

// Frame splits on "\r". Error replies (F001, F123) carry no "$" before the
// terminator, so framing on the bare carriage return is the only split that
// sees every reply; ProcessIncoming stashes and reassembles frames whose
// "$\r" sentinel arrives in a later chunk.
func (a *Adapter) Frame(buf []byte) ([][]byte, []byte) {
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

func (a *Adapter) Query(host protocol.Host, name string) bool {
	wire, ok := queryCommands[name]
	if !ok {
		host.ReportError(errorkit.UnknownVariable, name, "circulator has no query for %q", name)
		return false
	}
	a.send(host, wire)
	return true
}

func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	switch name {
	case "setpoint":
		a.send(host, fmt.Sprintf("W SW %.2f\r", value.Float))
	case "highlimit":
		a.send(host, fmt.Sprintf("W HL %.2f\r", value.Float))
	case "lowlimit":
		a.send(host, fmt.Sprintf("W LL %.2f\r", value.Float))
	case "control_external":
		a.send(host, fmt.Sprintf("OUT MODE 2 %d\r", boolInt(value.Bool)))
	case "diffcontrol_on":
		a.send(host, fmt.Sprintf("W FR %d\r", boolInt(value.Bool)))
	case "autostart":
		a.send(host, fmt.Sprintf("W ZA %d\r", boolInt(value.Bool)))
	case "fuzzyid":
		a.send(host, fmt.Sprintf("W ZI %d\r", boolInt(value.Bool)))
	case "beep":
		a.send(host, fmt.Sprintf("W ZB %d\r", boolInt(value.Bool)))
	case "date":
		a.send(host, fmt.Sprintf("W XD %02d.%02d.%02d\r", value.Time.Day(), int(value.Time.Month()), value.Time.Year()%100))
	case "time":
		a.send(host, fmt.Sprintf("W XT %02d:%02d:%02d\r", value.Time.Hour(), value.Time.Minute(), value.Time.Second()))
	case "watchdog_on":
		a.send(host, fmt.Sprintf("W WD %d\r", boolInt(value.Bool)))
	case "watchdog_setpoint":
		a.send(host, fmt.Sprintf("W WS %6.2f\r", value.Float))
	case "cooling_on":
		a.send(host, fmt.Sprintf("W CC %d\r", boolInt(value.Bool)))
	case "pump_power":
		if value.Float < 5 || value.Float > 100 {
			return errorkit.New(errorkit.InvalidValue, "pump power must lie in [5, 100], got %g", value.Float).WithVariable(name)
		}
		a.send(host, fmt.Sprintf("W PF %5.2f\r", value.Float))
	default:
		if _, known := queryCommands[name]; known {
			return errorkit.New(errorkit.ReadOnlyVariable, "variable %q is read-only", name).WithVariable(name)
		}
		return errorkit.New(errorkit.UnknownVariable, "circulator has no variable %q", name).WithVariable(name)
	}
	// the write itself only echoes "$\r"; re-query so the table converges.
	a.Query(host, name)
	return nil
}

func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	switch name {
	case "start":
		a.send(host, "W TS 1\r")
	case "stop":
		a.send(host, "W TS 0\r")
	case "alarm":
		a.send(host, "W AL\r")
	case "alarm_confirm":
		a.send(host, "W EG\r")
	default:
		return errorkit.New(errorkit.UnknownCommand, "circulator has no command %q", name)
	}
	return nil
}

func (a *Adapter) InitializeAfterConnect(host protocol.Host) error {
	a.send(host, "R V1\r")
	return nil
}

// send dispatches wire immediately if the line is clear, otherwise queues it
// until the outstanding reply arrives.
func (a *Adapter) send(host protocol.Host, wire string) {
	raw := []byte(wire)
	if a.lastSent != nil {
		a.sendQueue = append(a.sendQueue, raw)
		return
	}
	a.lastSent = raw
	host.Send(transport.SendRequest{Bytes: raw, ExpectedReplies: 1, Timeout: replyTimeout})
}

// pumpQueue dispatches the next queued request once the current reply has
// been fully consumed. Not called while a partial reply is stashed.
func (a *Adapter) pumpQueue(host protocol.Host) {
	if len(a.sendQueue) == 0 {
		a.lastSent = nil
		return
	}
	next := a.sendQueue[0]
	a.sendQueue = a.sendQueue[1:]
	a.lastSent = next
	host.Send(transport.SendRequest{Bytes: next, ExpectedReplies: 1, Timeout: replyTimeout})
}

func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
	// a stashed piece ends in the premature "\r" the framer split on; drop it
	// so the reassembled reply reads as one line.
	msg := append(append([]byte(nil), bytes.TrimSuffix(a.stash, []byte("\r"))...), frame...)
	a.stash = nil

	if a.lastSent == nil {
		host.Log(fmt.Sprintf("circulator: reply with no request outstanding: %q", msg))
		return
	}

	switch {
	case bytes.Equal(msg, []byte("F001\r")):
		host.Log(fmt.Sprintf("circulator: unknown command reported for %q", bytes.TrimSuffix(a.lastSent, []byte("\r"))))
		a.pumpQueue(host)
		return
	case bytes.Equal(msg, []byte("F123\r")):
		host.Log("circulator: error 123 reported")
		a.pumpQueue(host)
		return
	case bytes.Equal(msg, []byte("FE00\r")):
		// firmware bug: the fuzzystatus reply sometimes loses its "$".
		host.Log("circulator: applying FE00 sentinel workaround")
		msg = []byte("FE00$\r")
	}

	if !bytes.HasSuffix(msg, []byte("$\r")) {
		// the sentinel has not arrived yet; wait for the rest of the reply.
		a.stash = msg
		return
	}

	a.decode(host, msg[:len(msg)-2])
	a.pumpQueue(host)
}

// decode interprets one complete reply body (both "$\r" bytes stripped),
// dispatching on the echo of the last request where the reply itself carries
// no prefix, and on the fixed two-letter prefix otherwise.
func (a *Adapter) decode(host protocol.Host, body []byte) {
	if len(body) == 0 {
		// bare "$": confirmation of the last command.
		return
	}
	if bytes.Equal(a.lastSent, []byte("R V1\r")) {
		host.Update("firmwareversion", models.StringValue(string(body)), false)
		return
	}
	if bytes.Equal(a.lastSent, []byte("IN MODE 5\r")) {
		a.updateBoolDigit(host, "control_on", body)
		return
	}
	if bytes.Equal(a.lastSent, []byte("IN MODE 2\r")) {
		a.updateBoolDigit(host, "control_external", body)
		return
	}
	if len(body) < 2 {
		host.ReportError(errorkit.InvalidMessage, "", "circulator reply too short: %q", body)
		return
	}

	prefix, rest := string(body[:2]), string(body[2:])
	switch prefix {
	case "BS":
		a.decodeFaultField(host, rest)
	case "FB":
		host.Update("fuzzycontrol", models.StringValue(rest), false)
	case "FE":
		a.updateInt(host, "fuzzystatus", rest)
	case "T1":
		a.updateFloat(host, "temperature_internal", rest)
	case "T3":
		a.updateFloat(host, "temperature_external", rest)
	case "SW":
		a.updateFloat(host, "setpoint", rest)
	case "HL":
		a.updateFloat(host, "highlimit", rest)
	case "LL":
		a.updateFloat(host, "lowlimit", rest)
	case "FR":
		a.updateBoolDigit(host, "diffcontrol_on", body[2:])
	case "ZA":
		a.updateBoolDigit(host, "autostart", body[2:])
	case "ZI":
		a.updateBoolDigit(host, "fuzzyid", body[2:])
	case "ZB":
		a.updateBoolDigit(host, "beep", body[2:])
	case "XT":
		a.decodeClockTime(host, rest)
	case "XD":
		a.decodeClockDate(host, rest)
	case "WD":
		a.updateBoolDigit(host, "watchdog_on", body[2:])
	case "WS":
		a.updateFloat(host, "watchdog_setpoint", rest)
	case "CC":
		a.updateBoolDigit(host, "cooling_on", body[2:])
	case "PF":
		power, err := strconv.ParseFloat(rest, 64)
		if err != nil {
			host.ReportError(errorkit.InvalidMessage, "pump_power", "circulator: bad PF payload %q: %v", rest, err)
			return
		}
		host.Update("pump_power", models.FloatValue(power), false)
		if power > 0 {
			host.Update("_status", models.StringValue("running"), false)
		} else {
			host.Update("_status", models.StringValue("stopped"), false)
		}
	default:
		host.Log(fmt.Sprintf("circulator: unrecognized reply %q", body))
	}
}

// decodeFaultField decodes the "BS####..." bit-field into its flag variables
// plus the integer faultstatus. Bit 3 is reserved; bits 10 and 11 mirror the
// control mode also reachable via IN MODE 2/5.
func (a *Adapter) decodeFaultField(host protocol.Host, rest string) {
	flags, err := strconv.ParseInt(strings.TrimSpace(rest), 2, 64)
	if err != nil {
		host.ReportError(errorkit.InvalidMessage, "faultstatus", "circulator: bad BS bit-field %q: %v", rest, err)
		return
	}
	host.Update("external_pt100_error", models.BoolValue(flags&0x1 != 0), false)
	host.Update("internal_pt100_error", models.BoolValue(flags&0x2 != 0), false)
	host.Update("liquid_level_low_error", models.BoolValue(flags&0x4 != 0), false)
	host.Update("cooling_error", models.BoolValue(flags&0x10 != 0), false)
	host.Update("external_alarm_error", models.BoolValue(flags&0x20 != 0), false)
	host.Update("pump_overload_error", models.BoolValue(flags&0x40 != 0), false)
	host.Update("liquid_level_alarm_error", models.BoolValue(flags&0x80 != 0), false)
	host.Update("overtemperature_error", models.BoolValue(flags&0x100 != 0), false)
	host.Update("main_relay_missing_error", models.BoolValue(flags&0x200 != 0), false)
	host.Update("control_external", models.BoolValue(flags&0x400 != 0), false)
	host.Update("control_on", models.BoolValue(flags&0x800 != 0), false)
	host.Update("faultstatus", models.IntValue(flags), false)
}

func (a *Adapter) decodeClockTime(host protocol.Host, rest string) {
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		host.ReportError(errorkit.InvalidMessage, "time", "circulator: bad XT payload %q", rest)
		return
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	s, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || h > 23 || m > 59 || s > 59 {
		// the unit's real-time clock glitches occasionally; fall back to zero.
		h, m, s = 0, 0, 0
	}
	host.Update("time", models.TimeValue(time.Date(0, 1, 1, h, m, s, 0, time.UTC)), false)
}

func (a *Adapter) decodeClockDate(host protocol.Host, rest string) {
	parts := strings.Split(rest, ".")
	if len(parts) != 3 {
		host.ReportError(errorkit.InvalidMessage, "date", "circulator: bad XD payload %q", rest)
		return
	}
	d, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	y, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 || d > 31 {
		host.Update("date", models.DateValue(time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)), false)
		return
	}
	host.Update("date", models.DateValue(time.Date(2000+y, time.Month(m), d, 0, 0, 0, 0, time.UTC)), false)
}

func (a *Adapter) updateFloat(host protocol.Host, name, rest string) {
	v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
	if err != nil {
		host.ReportError(errorkit.InvalidMessage, name, "circulator: bad numeric payload %q: %v", rest, err)
		return
	}
	host.Update(name, models.FloatValue(v), false)
}

func (a *Adapter) updateInt(host protocol.Host, name, rest string) {
	v, err := strconv.ParseInt(strings.TrimSpace(rest), 10, 64)
	if err != nil {
		host.ReportError(errorkit.InvalidMessage, name, "circulator: bad integer payload %q: %v", rest, err)
		return
	}
	host.Update(name, models.IntValue(v), false)
}

func (a *Adapter) updateBoolDigit(host protocol.Host, name string, payload []byte) {
	if len(payload) == 0 || (payload[0] != '0' && payload[0] != '1') {
		host.ReportError(errorkit.InvalidMessage, name, "circulator: bad boolean payload %q", payload)
		return
	}
	host.Update(name, models.BoolValue(payload[0] == '1'), false)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
