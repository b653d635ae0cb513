// Package xraysource implements the ProtocolAdapter for a GeniX-family
// X-ray generator: a register-based device whose variables live in holding
// registers (high tension, tube current, tube time) and a block of status
// coils, with pulsed trigger coils for the power-state actions and a
// debounced interlock line.
package xraysource

import (
	"time"

	"saxsctl/engine/internal/errorkit"
	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

// Holding registers.
const (
	regHT          = 50 // high tension, in units of 0.01 kV
	regCurrent     = 51 // tube current, in units of 0.01 mA
	regTubeTimeMin = 55 // running minutes within the hour
	regTubeTimeHr  = 56 // whole hours
)

// Coils. statusBase..statusBase+35 are read back as the status block; the
// action coils below are written (power off and warm-up start, 244 and 245,
// lie inside that range). Trigger actions (power off, warm-up start/stop, fault reset,
// full power) are pulsed: written true then immediately false.
const (
	statusBase       = 210
	statusCount      = 36
	coilShutterOpen  = 247
	coilShutterClose = 248
	coilResetFaults  = 249
	coilStandby      = 250
	coilXrays        = 251
	coilPowerOff     = 244
	coilStartWarmup  = 245
	coilStopWarmup   = 246
	coilFullPower    = 252
)

// Status bit offsets within the coil block.
const (
	bitRemoteMode = iota
	bitXraysOn
	bitGoingToStandby
	bitRampingUp
	bitConditionsAuto
	bitPoweringDown
	bitWarmingUp
	bitTubePower
	_
	bitFaults
	bitXrayLightFault
	bitShutterLightFault
	bitSensor2Fault
	bitTubePositionFault
	bitVacuumFault
	bitWaterflowFault
	bitSafetyShutterFault
	bitTemperatureFault
	bitSensor1Fault
	bitRelayInterlockFault
	bitDoorFault
	bitFilamentFault
	bitTubeWarmupNeeded
	_
	_ // 1 Hz heartbeat pulse
	bitInterlock
	bitShutterClosed
	bitShutterOpen
	_
	bitOverridden
)

// statusVariables is every variable refreshed by one read of the status coil
// block; querying any of them triggers the same block read.
var statusVariables = map[string]bool{
	"remote_mode": true, "xrays": true, "goingtostandby": true,
	"rampingup": true, "conditions_auto": true, "poweringdown": true,
	"warmingup": true, "tube_power": true, "faults": true,
	"xray_light_fault": true, "shutter_light_fault": true,
	"sensor2_fault": true, "tube_position_fault": true, "vacuum_fault": true,
	"waterflow_fault": true, "safety_shutter_fault": true,
	"temperature_fault": true, "sensor1_fault": true,
	"relay_interlock_fault": true, "door_fault": true, "filament_fault": true,
	"tube_warmup_needed": true, "interlock": true, "interlock_lowlevel": true,
	"shutter": true, "overridden": true, "_status": true,
}

// Adapter implements protocol.Adapter for the GeniX family.
type Adapter struct {
	interlockFixingTime time.Duration
	interlockSince      time.Time
	interlockCandidate  bool

	ht, current  float64
	htKnown      bool
	currentKnown bool
}

// New constructs an Adapter. interlockFixingTime is the stable-true filter
// width applied before interlock=true is published: the raw line oscillates
// at 1 Hz while the safety circuit is open, so anything comfortably above
// one second distinguishes a genuinely closed circuit.
func New(interlockFixingTime time.Duration) *Adapter {
	if interlockFixingTime <= 0 {
		interlockFixingTime = 3 * time.Second
	}
	return &Adapter{interlockFixingTime: interlockFixingTime}
}

// Frame is unused: register-based devices bypass framing entirely.
func (a *Adapter) Frame(buf []byte) ([][]byte, []byte) { return nil, buf }

func (a *Adapter) Query(host protocol.Host, name string) bool {
	reg := host.Register()
	if reg == nil {
		host.ReportError(errorkit.DeviceError, name, "xraysource register transport unavailable")
		return false
	}
	switch {
	case name == "ht":
		v, err := reg.ReadRegister(regHT)
		if err != nil {
			host.ReportError(errorkit.CommunicationError, name, "%v", err)
			return false
		}
		a.ht, a.htKnown = float64(v)/100.0, true
		host.Update("ht", models.FloatValue(a.ht), false)
	case name == "current":
		v, err := reg.ReadRegister(regCurrent)
		if err != nil {
			host.ReportError(errorkit.CommunicationError, name, "%v", err)
			return false
		}
		a.current, a.currentKnown = float64(v)/100.0, true
		host.Update("current", models.FloatValue(a.current), false)
	case name == "power":
		if !a.htKnown || !a.currentKnown {
			return false
		}
		host.Update("power", models.FloatValue(a.ht*a.current), false)
	case name == "tubetime":
		minutes, err1 := reg.ReadRegister(regTubeTimeMin)
		hours, err2 := reg.ReadRegister(regTubeTimeHr)
		if err1 != nil || err2 != nil {
			host.ReportError(errorkit.CommunicationError, name, "tube time read failed")
			return false
		}
		host.Update("tubetime", models.FloatValue(float64(minutes)/60.0+float64(hours)), false)
	case statusVariables[name]:
		return a.pollStatus(host)
	default:
		host.ReportError(errorkit.UnknownVariable, name, "xraysource has no query for %q", name)
		return false
	}
	return true
}

func (a *Adapter) pollStatus(host protocol.Host) bool {
	reg := host.Register()
	bits, err := reg.ReadCoils(statusBase, statusCount)
	if err != nil {
		host.ReportError(errorkit.CommunicationError, "_status", "%v", err)
		return false
	}
	if len(bits) < 30 {
		host.ReportError(errorkit.InvalidMessage, "_status", "xraysource status block truncated: %d coils", len(bits))
		return false
	}

	flag := func(name string, bit int) { host.Update(name, models.BoolValue(bits[bit]), false) }
	flag("remote_mode", bitRemoteMode)
	flag("xrays", bitXraysOn)
	flag("goingtostandby", bitGoingToStandby)
	flag("rampingup", bitRampingUp)
	flag("conditions_auto", bitConditionsAuto)
	flag("poweringdown", bitPoweringDown)
	flag("warmingup", bitWarmingUp)
	flag("faults", bitFaults)
	flag("xray_light_fault", bitXrayLightFault)
	flag("shutter_light_fault", bitShutterLightFault)
	flag("sensor2_fault", bitSensor2Fault)
	flag("tube_position_fault", bitTubePositionFault)
	flag("vacuum_fault", bitVacuumFault)
	flag("waterflow_fault", bitWaterflowFault)
	flag("safety_shutter_fault", bitSafetyShutterFault)
	flag("temperature_fault", bitTemperatureFault)
	flag("sensor1_fault", bitSensor1Fault)
	flag("relay_interlock_fault", bitRelayInterlockFault)
	flag("door_fault", bitDoorFault)
	flag("filament_fault", bitFilamentFault)
	flag("tube_warmup_needed", bitTubeWarmupNeeded)
	flag("overridden", bitOverridden)
	if bits[bitTubePower] {
		host.Update("tube_power", models.IntValue(50), false)
	} else {
		host.Update("tube_power", models.IntValue(30), false)
	}

	a.updateInterlock(host, bits[bitInterlock])

	switch {
	case bits[bitShutterClosed] && !bits[bitShutterOpen]:
		host.Update("shutter", models.BoolValue(false), false)
	case bits[bitShutterOpen] && !bits[bitShutterClosed]:
		host.Update("shutter", models.BoolValue(true), false)
		// both or neither set: the shutter is mid-travel, keep the last value.
	}

	host.Update("_status", models.StringValue(a.compositeStatus(bits)), false)
	return true
}

// compositeStatus derives the generator's one-line status from the status
// bits plus the last-known output power.
func (a *Adapter) compositeStatus(bits []bool) string {
	switch {
	case !bits[bitXraysOn]:
		return "X-rays off"
	case bits[bitGoingToStandby]:
		return "Going to stand-by"
	case bits[bitRampingUp]:
		return "Ramping up"
	case bits[bitPoweringDown]:
		return "Powering down"
	case bits[bitWarmingUp]:
		return "Warming up"
	}
	if a.htKnown && a.currentKnown {
		power := a.ht * a.current
		switch {
		case a.ht == 0 && a.current == 0:
			return "Power off"
		case power == 9:
			return "Low power"
		case power == 30:
			return "Full power"
		}
	}
	return "X-rays on"
}

// updateInterlock publishes the raw line as interlock_lowlevel and applies
// the stable-true filter before publishing interlock itself: the line must
// hold true for interlockFixingTime before the safety circuit is considered
// genuinely closed.
func (a *Adapter) updateInterlock(host protocol.Host, raw bool) {
	host.Update("interlock_lowlevel", models.BoolValue(raw), false)
	now := time.Now()
	if !raw {
		a.interlockCandidate = false
		host.Update("interlock", models.BoolValue(false), false)
		return
	}
	if !a.interlockCandidate {
		a.interlockCandidate = true
		a.interlockSince = now
		return
	}
	if now.Sub(a.interlockSince) >= a.interlockFixingTime {
		host.Update("interlock", models.BoolValue(true), false)
	}
}

func (a *Adapter) Set(host protocol.Host, name string, value models.Value) error {
	return errorkit.New(errorkit.ReadOnlyVariable, "xraysource variables are read-only; use execute()").WithVariable(name)
}

func (a *Adapter) Execute(host protocol.Host, name string, args []models.Value) error {
	reg := host.Register()
	if reg == nil {
		return errorkit.New(errorkit.DeviceError, "xraysource register transport unavailable")
	}
	refresh := func() { a.pollStatus(host) }
	switch name {
	case "shutter":
		if len(args) < 1 || args[0].Kind != models.ValueBool {
			return errorkit.New(errorkit.InvalidValue, "shutter requires one bool argument")
		}
		coil := uint16(coilShutterOpen)
		if !args[0].Bool {
			coil = coilShutterClose
		}
		if err := reg.PulseCoil(coil); err != nil {
			return errorkit.Wrap(errorkit.CommunicationError, err, "pulsing shutter coil %d", coil)
		}
		refresh()
	case "poweroff":
		if err := writeThenPulse(reg, coilStandby, false, coilPowerOff); err != nil {
			return err
		}
		refresh()
	case "xrays":
		if len(args) < 1 || args[0].Kind != models.ValueBool {
			return errorkit.New(errorkit.InvalidValue, "xrays requires one bool argument")
		}
		if err := reg.WriteCoil(coilXrays, args[0].Bool); err != nil {
			return errorkit.Wrap(errorkit.CommunicationError, err, "writing xrays coil")
		}
		refresh()
	case "reset_faults":
		if err := reg.PulseCoil(coilResetFaults); err != nil {
			return errorkit.Wrap(errorkit.CommunicationError, err, "pulsing fault-reset coil")
		}
		refresh()
	case "start_warmup":
		if err := writeThenPulse(reg, coilStandby, false, coilStartWarmup); err != nil {
			return err
		}
		refresh()
	case "stop_warmup":
		if err := writeThenPulse(reg, coilStandby, false, coilStopWarmup); err != nil {
			return err
		}
		refresh()
	case "standby":
		if err := reg.WriteCoil(coilStandby, true); err != nil {
			return errorkit.Wrap(errorkit.CommunicationError, err, "writing standby coil")
		}
		refresh()
	case "full_power":
		if err := writeThenPulse(reg, coilStandby, false, coilFullPower); err != nil {
			return err
		}
		refresh()
	default:
		return errorkit.New(errorkit.UnknownCommand, "xraysource has no command %q", name)
	}
	return nil
}

func writeThenPulse(reg *transport.RegisterTransport, setCoil uint16, setValue bool, pulseCoil uint16) error {
	if err := reg.WriteCoil(setCoil, setValue); err != nil {
		return errorkit.Wrap(errorkit.CommunicationError, err, "writing coil %d", setCoil)
	}
	if err := reg.PulseCoil(pulseCoil); err != nil {
		return errorkit.Wrap(errorkit.CommunicationError, err, "pulsing coil %d", pulseCoil)
	}
	return nil
}

// ProcessIncoming is unused: RegisterTransport calls are synchronous and
// resolved inline in Query/Execute.
func (a *Adapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
}

func (a *Adapter) InitializeAfterConnect(host protocol.Host) error { return nil }
