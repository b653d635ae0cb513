// Package detector implements the ProtocolAdapter for a Pilatus-family 2-D
// detector. Replies are "<idnum> <status> <payload>\x18"; the idnum selects
// a set of regular expressions whose named capture groups are type-coerced
// into state variables. Exposures have their own completion signal, so the
// watchdog is suppressed while one runs; trimming leaves it active.
package detector

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

const sentinel = 0x18

const (
	statusIdle          = "idle"
	statusTrimming      = "trimming"
	statusExposing      = "exposing"
	statusExposingMulti = "exposing multi"
)

const (
	reFloat = `[+-]?(\d+)*\.?\d+([eE][+-]?\d+)?`
	reInt   = `[+-]?\d+`
	reDate  = `\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d+`
)

var intVariables = map[string]bool{
	"wpix": true, "hpix": true, "sel_bank": true, "sel_module": true,
	"sel_chip": true, "diskfree": true, "nimages": true, "masterPID": true,
	"controllingPID": true, "pid": true, "cutoff": true, "threshold": true,
}

var floatVariables = map[string]bool{
	"tau": true, "exptime": true, "expperiod": true, "vcmp": true,
	"timeleft": true, "temperature0": true, "temperature1": true,
	"temperature2": true, "humidity0": true, "humidity1": true,
	"humidity2": true,
}

var dateVariables = map[string]bool{"starttime": true}

type replyPattern struct {
	idnum int
	re    *regexp.Regexp
}

var replyPatterns = []replyPattern{
	{15, regexp.MustCompile(`^Rate correction is on; tau = (?P<tau>` + reFloat + `) s, cutoff = (?P<cutoff>` + reInt + `) counts`)},
	{15, regexp.MustCompile(`^Rate correction is off, cutoff = (?P<cutoff>` + reInt + `) counts`)},
	{15, regexp.MustCompile(`^Set up rate correction: tau = (?P<tau>` + reFloat + `) s`)},
	{15, regexp.MustCompile(`^Exposure time set to: (?P<exptime>` + reFloat + `) sec`)},
	{15, regexp.MustCompile(`^Exposure period set to: (?P<expperiod>` + reFloat + `) sec`)},
	{15, regexp.MustCompile(`^Illegal exposure period`)},
	{15, regexp.MustCompile(`^Starting (?P<exptime>` + reFloat + `) second background: (?P<starttime>` + reDate + `)`)},
	{15, regexp.MustCompile(`^Settings: (?P<gain>\w+) gain; threshold: (?P<threshold>` + reInt + `) eV; vcmp: (?P<vcmp>` + reFloat + `) V\n\s*Trim file:\s*\n\s*(?P<trimfile>.*)`)},
	{15, regexp.MustCompile(`^Threshold has not been set`)},
	{15, regexp.MustCompile(`^Requested threshold \(` + reFloat + ` eV\) is out of range`)},
	{15, regexp.MustCompile(`^N images set to: (?P<nimages>` + reInt + `)`)},
	{15, regexp.MustCompile(`^ImgMode is (?P<imgmode>.*)`)},
	{15, regexp.MustCompile(`^$`)},
	{7, regexp.MustCompile(`^(?P<filename>.*)$`)},
	{24, regexp.MustCompile(`^Code release:\s*(?P<version>.*)`)},
	{18, regexp.MustCompile(`^=== Telemetry at ` + reDate + ` ===\s*\nImage format: (?P<wpix>` + reInt + `)\(w\) x (?P<hpix>` + reInt + `)\(h\) pixels\s*\nSelected bank: (?P<sel_bank>` + reInt + `)\s*\nSelected module: (?P<sel_module>` + reInt + `)\s*\nSelected chip: (?P<sel_chip>` + reInt + `)\s*\nChannel ` + reInt + `: Temperature = (?P<temperature0>` + reFloat + `)C, Rel\. Humidity = (?P<humidity0>` + reFloat + `)%\s*\nChannel ` + reInt + `: Temperature = (?P<temperature1>` + reFloat + `)C, Rel\. Humidity = (?P<humidity1>` + reFloat + `)%\s*\nChannel ` + reInt + `: Temperature = (?P<temperature2>` + reFloat + `)C, Rel\. Humidity = (?P<humidity2>` + reFloat + `)%\s*`)},
	{18, regexp.MustCompile(`^=== Telemetry at ` + reDate + ` ===\s*\nImage format: (?P<wpix>` + reInt + `)\(w\) x (?P<hpix>` + reInt + `)\(h\) pixels\s*\nSelected bank: (?P<sel_bank>` + reInt + `)\s*\nSelected module: (?P<sel_module>` + reInt + `)\s*\nSelected chip: (?P<sel_chip>` + reInt + `)(?s:.*)`)},
	{5, regexp.MustCompile(`^(?P<diskfree>` + reInt + `)$`)},
	{2, regexp.MustCompile(`(?s)^\s*Camera definition:\n\s+(?P<cameradef>.*?)\n\s*Camera name: (?P<cameraname>.*?), S/N (?P<cameraSN>` + reInt + `-` + reInt + `)\n\s*Camera state: (?P<_status>.*?)\n\s*Target file: (?P<targetfile>.*?)\n\s*Time left: (?P<timeleft>` + reFloat + `)\n\s*Last image: (?P<lastimage>.*?)\n\s*Master PID is: (?P<masterPID>` + reInt + `)\n\s*Controlling PID is: (?P<controllingPID>` + reInt + `)\n\s*Exposure time: (?P<exptime>` + reFloat + `)\n\s*Last completed image:\s*\n\s*(?P<lastcompletedimage>.*?)\n\s*Shutter is: (?P<shutterstate>.*?)\n*$`)},
	{10, regexp.MustCompile(`^(?P<imgpath>.*)$`)},
	{-1, regexp.MustCompile(`^(?P<filename>/.*)$`)},
	{13, regexp.MustCompile(`^kill$`)},
	{16, regexp.MustCompile(`^PID = (?P<pid>` + reInt + `)$`)},
}

var patternsByIdnum = func() map[int][]*regexp.Regexp {
	m := make(map[int][]*regexp.Regexp)
	for _, p := range replyPatterns {
		m[p.idnum] = append(m[p.idnum], p.re)
	}
	return m
}()

// Adapter implements protocol.Adapter for the Pilatus family. Like the
// circulator it serializes requests through a private send queue; it also
// tracks its own _status and nimages so exposure commands can pick the
// single- vs multi-frame transition without a round trip.
type Adapter struct {
	lastSent  []byte
	sendQueue [][]byte

	status         string
	expectedStatus string
	nimages        int64
}

func New() *Adapter { return &Adapter{status: statusIdle, nimages: 1} }

// Frame splits on the 0x18 sentinel; frames include the sentinel so
// ProcessIncoming can verify termination.
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
	switch {
	case name == "gain" || name == "threshold" || name == "vcmp":
		a.send(host, "SetThreshold\n")
	case name == "trimfile" || name == "wpix" || name == "hpix" ||
		name == "sel_bank" || name == "sel_module" || name == "sel_chip":
		a.send(host, "Telemetry\n")
	case strings.HasPrefix(name, "humidity") || strings.HasPrefix(name, "temperature"):
		a.send(host, "THread\n")
	case name == "nimages":
		a.send(host, "NImages\n")
	case name == "cameradef" || name == "cameraname" || name == "cameraSN" ||
		name == "_status" || name == "targetfile" || name == "timeleft" ||
		name == "lastimage" || name == "masterPID" || name == "controllingPID" ||
		name == "exptime" || name == "lastcompletedimage" || name == "shutterstate":
		a.send(host, "camsetup\n")
	case name == "imgpath":
		a.send(host, "imgpath\n")
	case name == "imgmode":
		a.send(host, "imgmode\n")
	case name == "pid":
		a.send(host, "ShowPID\n")
	case name == "expperiod":
		a.send(host, "expperiod\n")
	case name == "tau" || name == "cutoff":
		a.send(host, "tau\n")
	case name == "diskfree":
		a.send(host, "df\n")
	case name == "version":
		a.send(host, "version\n")
	default:
		host.ReportError(errorkit.UnknownVariable, name, "detector has no query for %q", name)
		return false
	}
	return true
}

func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	switch name {
	case "exptime":
		a.send(host, fmt.Sprintf("exptime %f\n", value.Float))
	case "expperiod":
		a.send(host, fmt.Sprintf("expperiod %f\n", value.Float))
	case "nimages":
		a.send(host, fmt.Sprintf("nimages %d\n", value.Int))
	case "tau":
		a.send(host, fmt.Sprintf("tau %f\n", value.Float))
	case "imgpath":
		a.send(host, fmt.Sprintf("imgpath %s\n", value.Str))
	default:
		return errorkit.New(errorkit.ReadOnlyVariable, "detector variable %q is not settable", name).WithVariable(name)
	}
	return nil
}

func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	switch name {
	case "setthreshold":
		if len(args) < 2 || args[0].Kind != models.ValueFloat || args[1].Kind != models.ValueString {
			return errorkit.New(errorkit.InvalidValue, "setthreshold requires (float threshold_eV, string gain)")
		}
		if a.status != statusIdle {
			return errorkit.New(errorkit.DeviceError, "cannot trim when not idle (status %q)", a.status)
		}
		gain := strings.ToLower(args[1].Str)
		if gain != "lowg" && gain != "midg" && gain != "highg" {
			return errorkit.New(errorkit.InvalidValue, "unknown gain setting %q", args[1].Str)
		}
		a.send(host, fmt.Sprintf("SetThreshold %f %s\n", args[0].Float, gain))
		a.setStatus(host, statusTrimming, false)
	case "expose":
		if len(args) < 1 || args[0].Kind != models.ValueString {
			return errorkit.New(errorkit.InvalidValue, "expose requires (string filename)")
		}
		if a.status != statusIdle {
			return errorkit.New(errorkit.DeviceError, "cannot start exposure when not idle (status %q)", a.status)
		}
		a.send(host, "Exposure "+args[0].Str+"\n")
		if a.nimages == 1 {
			a.expectedStatus = statusExposing
		} else {
			a.expectedStatus = statusExposingMulti
		}
		a.setStatus(host, a.expectedStatus, false)
		host.Watchdog().Disable()
	case "kill":
		if a.status != statusExposing && a.status != statusExposingMulti {
			return errorkit.New(errorkit.DeviceError, "no running exposure to kill")
		}
		a.send(host, "K\nresetcam\n")
		host.Watchdog().Enable()
		a.setStatus(host, statusIdle, true)
	case "resetcam":
		a.send(host, "resetcam\n")
	default:
		return errorkit.New(errorkit.UnknownCommand, "detector has no command %q", name)
	}
	return nil
}

func (a *Adapter) InitializeAfterConnect(host protocol.Host) error {
	a.send(host, "camsetup\n")
	return nil
}

func (a *Adapter) setStatus(host protocol.Host, status string, force bool) {
	a.status = status
	host.Update("_status", models.StringValue(status), force)
}

func (a *Adapter) send(host protocol.Host, wire string) {
	raw := []byte(wire)
	if a.lastSent != nil {
		a.sendQueue = append(a.sendQueue, raw)
		return
	}
	a.lastSent = raw
	host.Send(transport.SendRequest{Bytes: raw, ExpectedReplies: 1, Timeout: 15 * time.Second})
}

func (a *Adapter) pumpQueue(host protocol.Host) {
	if len(a.sendQueue) == 0 {
		a.lastSent = nil
		return
	}
	next := a.sendQueue[0]
	a.sendQueue = a.sendQueue[1:]
	a.lastSent = next
	host.Send(transport.SendRequest{Bytes: next, ExpectedReplies: 1, Timeout: 15 * time.Second})
}

func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
	defer a.pumpQueue(host)
	body := bytes.TrimSuffix(frame, []byte{sentinel})
	// a chunk may carry several sentinel-terminated messages at once.
	for _, part := range bytes.Split(body, []byte{sentinel}) {
		part = bytes.TrimSpace(part)
		if len(part) == 0 {
			continue
		}
		a.processOne(host, part)
	}
}

func (a *Adapter) processOne(host protocol.Host, msg []byte) {
	idnum, status, payload := splitReply(msg)

	if payload == "access denied" {
		host.ReportError(errorkit.CommunicationError, "", "detector connection is read-only")
		return
	}
	if status != "OK" {
		host.ReportError(errorkit.DeviceError, "", "detector reply %d status %q: %s", idnum, status, payload)
	}

	switch {
	case payload == "/tmp/setthreshold.cmd":
		// end of trim; refresh gain/threshold/vcmp/trimfile.
		a.setStatus(host, statusIdle, false)
		a.send(host, "SetThreshold\n")
		return
	case idnum == 7 && status == "OK":
		// exposure finished; the watchdog may bite again.
		host.Watchdog().Enable()
		a.setStatus(host, statusIdle, false)
	case idnum == 15 && strings.HasPrefix(payload, "Starting"):
		a.setStatus(host, a.expectedStatus, false)
	}

	patterns, ok := patternsByIdnum[idnum]
	if !ok {
		host.ReportError(errorkit.InvalidMessage, "", "detector: unknown reply id %d in %q", idnum, msg)
		return
	}
	for _, re := range patterns {
		m := re.FindStringSubmatch(payload)
		if m == nil {
			continue
		}
		for gi, group := range re.SubexpNames() {
			if group == "" || gi >= len(m) {
				continue
			}
			a.updateTyped(host, group, m[gi])
		}
		return
	}
	host.ReportError(errorkit.InvalidMessage, "", "detector: cannot decode reply %d %q", idnum, payload)
}

// splitReply parses "<idnum> <status> <payload>". Replies that do not lead
// with an id number (the bare trim-completion path) fall back to id -1 with
// status OK, matching the firmware's known quirk.
func splitReply(msg []byte) (int, string, string) {
	parts := strings.SplitN(string(msg), " ", 3)
	idnum, err := strconv.Atoi(parts[0])
	if err != nil {
		return -1, "OK", strings.TrimSpace(string(msg))
	}
	status := ""
	payload := ""
	if len(parts) > 1 {
		status = parts[1]
	}
	if len(parts) > 2 {
		payload = strings.TrimSpace(parts[2])
	}
	return idnum, status, payload
}

func (a *Adapter) updateTyped(host protocol.Host, name, raw string) {
	switch {
	case intVariables[name]:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			host.ReportError(errorkit.InvalidMessage, name, "detector: bad integer %q for %s", raw, name)
			return
		}
		if name == "nimages" {
			a.nimages = v
		}
		host.Update(name, models.IntValue(v), false)
	case floatVariables[name]:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			host.ReportError(errorkit.InvalidMessage, name, "detector: bad float %q for %s", raw, name)
			return
		}
		host.Update(name, models.FloatValue(v), false)
	case dateVariables[name]:
		t, err := time.Parse("2006-01-02T15:04:05.999999999", raw)
		if err != nil {
			host.ReportError(errorkit.InvalidMessage, name, "detector: bad date %q for %s", raw, name)
			return
		}
		host.Update(name, models.DateValue(t), false)
	default:
		if name == "_status" {
			a.status = raw
		}
		host.Update(name, models.StringValue(raw), false)
	}
}
