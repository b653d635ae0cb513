// Package motorcontroller implements the ProtocolAdapter for a Trinamic
// TMCM-family multi-axis motor controller: fixed 9-byte binary frames
// (TMCL), read via engine/internal/protocol/motorcontroller.Framer.
package motorcontroller

import (
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

// axisParam is one get-/set-axis-parameter number, along with how to
// interpret its raw int32 value once decoded.
type axisParam struct {
	number int32
	isBool bool
}

var variableParams = map[string]axisParam{
	"actualposition":        {1, false},
	"targetposition":        {0, false},
	"actualspeed":           {3, false},
	"maxcurrent":            {6, false},
	"standbycurrent":        {7, false},
	"targetpositionreached": {8, true},
	"rightswitchstatus":     {10, true},
	"leftswitchstatus":      {11, true},
	"rightswitchenable":     {12, true},
	"leftswitchenable":      {13, true},
	"microstepresolution":   {140, false},
	"rampdivisor":           {153, false},
	"pulsedivisor":          {154, false},
}

var paramByNumber = func() map[int32]string {
	m := make(map[int32]string, len(variableParams))
	for name, p := range variableParams {
		m[p.number] = name
	}
	return m
}()

// tmclErrorTable maps a non-OK status byte to a human-readable reason.
var tmclErrorTable = map[byte]string{
	1: "wrong checksum",
	2: "invalid command",
	3: "wrong type",
	4: "invalid value",
	5: "eeprom locked",
	6: "command not available",
}

const statusOK = 100

// Adapter implements protocol.Adapter for the TMCM family. addr is the
// module address every frame carries.
type Adapter struct {
	addr byte
}

func New(addr byte) *Adapter { return &Adapter{addr: addr} }

func (a *Adapter) Frame(buf []byte) ([][]byte, []byte) { return Framer(buf) }

func (a *Adapter) Query(host protocol.Host, name string) bool {
	axis, variable := splitAxisVariable(name)
	p, ok := variableParams[variable]
	if !ok {
		host.ReportError(errorkit.UnknownVariable, name, "motor controller has no parameter %q", variable)
		return false
	}
	req := Encode(Frame{Addr: a.addr, Field2: cmdGAP, Field3: byte(p.number), Motor: axis})
	host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
	return true
}

func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	axis, variable := splitAxisVariable(name)
	p, ok := variableParams[variable]
	if !ok {
		return errorkit.New(errorkit.UnknownVariable, "motor controller has no parameter %q", variable).WithVariable(name)
	}
	var raw int32
	switch value.Kind {
	case models.ValueInt:
		raw = int32(value.Int)
	case models.ValueBool:
		if value.Bool {
			raw = 1
		}
	default:
		return errorkit.New(errorkit.InvalidValue, "parameter %q requires an int or bool value", variable).WithVariable(name)
	}
	req := Encode(Frame{Addr: a.addr, Field2: cmdSAP, Field3: byte(p.number), Motor: axis, Value: raw})
	host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
	return nil
}

// Execute dispatches moveto/moverel/stop. args[0] is always the axis index.
func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	if len(args) < 1 || args[0].Kind != models.ValueInt {
		return errorkit.New(errorkit.InvalidValue, "motor command %q requires an axis index", name)
	}
	axis := byte(args[0].Int)
	switch name {
	case "moveto":
		if len(args) < 2 || args[1].Kind != models.ValueInt {
			return errorkit.New(errorkit.InvalidValue, "moveto requires (axis, target_raw)")
		}
		req := Encode(Frame{Addr: a.addr, Field2: cmdMVP, Field3: moveAbsolute, Motor: axis, Value: int32(args[1].Int)})
		host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
		return nil
	case "moverel":
		if len(args) < 2 || args[1].Kind != models.ValueInt {
			return errorkit.New(errorkit.InvalidValue, "moverel requires (axis, delta_raw)")
		}
		req := Encode(Frame{Addr: a.addr, Field2: cmdMVP, Field3: moveRelative, Motor: axis, Value: int32(args[1].Int)})
		host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
		return nil
	case "stop":
		req := Encode(Frame{Addr: a.addr, Field2: cmdMST, Motor: axis})
		host.Send(transport.SendRequest{Bytes: req, ExpectedReplies: 1, Timeout: 2 * time.Second})
		return nil
	default:
		return errorkit.New(errorkit.UnknownCommand, "motor controller has no command %q", name)
	}
}

func (a *Adapter) InitializeAfterConnect(host protocol.Host) error { return nil }

// ProcessIncoming decodes one reply frame. The axis-parameter number a GAP
// reply carries is not itself present on the wire reply (only addr, status,
// motor, value, checksum); it is recovered by re-decoding the original
// request frame, which carried it in the Field3 position (spec.md §4.5).
func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
	reply, err := Decode(frame)
	if err != nil {
		host.ReportError(errorkit.InvalidMessage, "", "motor controller: %v", err)
		return
	}
	status := reply.Field3
	if status != statusOK {
		reason := tmclErrorTable[status]
		if reason == "" {
			reason = "unknown error"
		}
		host.ReportError(errorkit.DeviceError, "", "motor controller status %d: %s", status, reason)
		return
	}
	if original == nil || len(original.Bytes) != FrameLen {
		return
	}
	req, err := Decode(original.Bytes)
	if err != nil {
		return
	}
	switch req.Field2 {
	case cmdGAP:
		name, ok := paramByNumber[int32(req.Field3)]
		if !ok {
			return
		}
		variable := axisVariableName(req.Motor, name)
		if variableParams[name].isBool {
			host.Update(variable, models.BoolValue(reply.Value != 0), false)
		} else {
			host.Update(variable, models.IntValue(int64(reply.Value)), false)
		}
	case cmdMVP, cmdMST, cmdSAP:
		// acknowledgement only; MotorCoordinator polls GAP to observe state.
	}
}

func axisVariableName(axis byte, variable string) string {
	return variable + "#" + string(rune('0'+axis))
}

// splitAxisVariable recovers (axis, variable) from a "variable#axis" name,
// the convention MotorCoordinator uses to scope a parameter to one axis.
func splitAxisVariable(name string) (byte, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '#' {
			axis := byte(0)
			if i+1 < len(name) {
				axis = name[i+1] - '0'
			}
			return axis, name[:i]
		}
	}
	return 0, name
}
