// Package models holds the shared value types passed between the device
// supervision and data-reduction subsystems: messages, state variables,
// device specifications and the reduction data model (header, exposure,
// curve).
package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageKind enumerates every kind of Message exchanged on a bus. The set is
// closed: DeviceFront, DeviceSupervisor, Transport and ProtocolAdapter code
// must never invent new kinds at runtime.
type MessageKind int

const (
	KindConfig MessageKind = iota
	KindExit
	KindQuery
	KindSet
	KindExecute
	KindTelemetryRequest
	KindIncoming
	KindSendComplete
	KindCommunicationError
	KindTimeout
	KindLog
	KindUpdate
	KindError
	KindExited
	KindReady
	KindTelemetry
)

func (k MessageKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindExit:
		return "exit"
	case KindQuery:
		return "query"
	case KindSet:
		return "set"
	case KindExecute:
		return "execute"
	case KindTelemetryRequest:
		return "telemetry-request"
	case KindIncoming:
		return "incoming"
	case KindSendComplete:
		return "send-complete"
	case KindCommunicationError:
		return "communication-error"
	case KindTimeout:
		return "timeout"
	case KindLog:
		return "log"
	case KindUpdate:
		return "update"
	case KindError:
		return "error"
	case KindExited:
		return "exited"
	case KindReady:
		return "ready"
	case KindTelemetry:
		return "telemetry"
	default:
		return "unknown"
	}
}

// ValueKind is the closed set of categories a StateVariable value may hold.
type ValueKind int

const (
	ValueBool ValueKind = iota
	ValueInt
	ValueFloat
	ValueString
	ValueDate
	ValueTime
	ValueDuration
	ValueFloatVector
)

// Value is a sum type over the value categories named in the data model.
// Exactly one field is meaningful, selected by Kind.
type Value struct {
	Kind     ValueKind
	Bool     bool
	Int      int64
	Float    float64
	Str      string
	Time     time.Time
	Duration time.Duration
	Vector   []float64
}

func BoolValue(b bool) Value      { return Value{Kind: ValueBool, Bool: b} }
func IntValue(i int64) Value      { return Value{Kind: ValueInt, Int: i} }
func FloatValue(f float64) Value  { return Value{Kind: ValueFloat, Float: f} }
func StringValue(s string) Value  { return Value{Kind: ValueString, Str: s} }
func DateValue(t time.Time) Value { return Value{Kind: ValueDate, Time: t} }
func TimeValue(t time.Time) Value { return Value{Kind: ValueTime, Time: t} }
func DurationValue(d time.Duration) Value {
	return Value{Kind: ValueDuration, Duration: d}
}
func VectorValue(v []float64) Value {
	cp := make([]float64, len(v))
	copy(cp, v)
	return Value{Kind: ValueFloatVector, Vector: cp}
}

// Equal reports whether two values carry the same kind and payload. Vectors
// compare element-wise; this backs the Supervisor's "value differs" test in
// update().
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueBool:
		return v.Bool == o.Bool
	case ValueInt:
		return v.Int == o.Int
	case ValueFloat:
		return v.Float == o.Float
	case ValueString:
		return v.Str == o.Str
	case ValueDate, ValueTime:
		return v.Time.Equal(o.Time)
	case ValueDuration:
		return v.Duration == o.Duration
	case ValueFloatVector:
		if len(v.Vector) != len(o.Vector) {
			return false
		}
		for i := range v.Vector {
			if v.Vector[i] != o.Vector[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.Kind {
	case ValueBool:
		return fmt.Sprintf("%v", v.Bool)
	case ValueInt:
		return fmt.Sprintf("%d", v.Int)
	case ValueFloat:
		return fmt.Sprintf("%g", v.Float)
	case ValueString:
		return v.Str
	case ValueDate, ValueTime:
		return v.Time.Format(time.RFC3339)
	case ValueDuration:
		return v.Duration.String()
	case ValueFloatVector:
		return fmt.Sprintf("%v", v.Vector)
	default:
		return ""
	}
}

// Message is the unit of communication between a DeviceFront, a
// DeviceSupervisor and a Transport. Every producer stamps a monotonically
// increasing Id scoped to its own Sender tag.
type Message struct {
	Kind      MessageKind
	Id        uint64
	Sender    string
	Timestamp time.Time

	// kind-specific payload; only the fields relevant to Kind are populated.
	Variable          string
	Value             Value
	Args              []Value
	SignalNeeded      bool
	ExpectedReplies   int
	SendTimeout       time.Duration
	Asynchronous      bool
	Raw               []byte
	OriginalSent      []byte
	OriginalAsync     bool
	ReferredID        uint64
	ReplyCount        int
	ErrKind           string
	ErrMessage        string
	ErrStack          string
	Force             bool
	LogLine           string
	Config            map[string]string
	Ready             bool
	NormalTermination bool
}

// StateVariable is one named, typed, timestamped entry in a Supervisor's
// state table.
type StateVariable struct {
	Name        string
	Value       Value
	LastUpdated time.Time
}

// DeviceSpec is the immutable description of one device instance, loaded
// from a DeviceSpec manifest (YAML) and handed unchanged to one Supervisor
// for its whole lifetime.
type DeviceSpec struct {
	Name                  string            `yaml:"name"`
	Family                string            `yaml:"family"`
	AllVariables          []string          `yaml:"all_variables"`
	MinimumQueryVariables []string          `yaml:"minimum_query_variables"`
	ConstantVariables     []string          `yaml:"constant_variables"`
	UrgentVariables       []string          `yaml:"urgent_variables"`
	UrgencyModulo         int               `yaml:"urgency_modulo"`
	PollInterval          time.Duration     `yaml:"poll_interval"`
	QueryTimeout          time.Duration     `yaml:"query_timeout"`
	WatchdogTimeout       time.Duration     `yaml:"watchdog_timeout"`
	TelemetryInterval     time.Duration     `yaml:"telemetry_interval"`
	MaxBusyLevel          int               `yaml:"max_busy_level"`
	LogFormat             string            `yaml:"log_format"`
	ConnectionParams      map[string]string `yaml:"connection_params"`
}

// Validate checks the invariants a DeviceSpec must hold before a Supervisor
// may be constructed from it.
func (d DeviceSpec) Validate() error {
	if d.Name == "" {
		return errors.New("device spec: name is required")
	}
	if len(d.AllVariables) == 0 {
		return errors.New("device spec: all_variables must be non-empty")
	}
	if d.MaxBusyLevel <= 0 {
		return errors.New("device spec: max_busy_level must be positive")
	}
	if d.QueryTimeout <= 0 {
		return errors.New("device spec: query_timeout must be positive")
	}
	return nil
}

// OutstandingQuery records that a query for Variable was dispatched at
// Dispatched and has not yet been answered.
type OutstandingQuery struct {
	Variable   string
	Dispatched time.Time
}

// RefreshCounter tracks, per variable, how many client refresh requests with
// signal_needed=true are still owed an update notification.
type RefreshCounter map[string]int

// MotorAxis is one axis of a motor controller, expressed in both raw
// (controller) units and physical units derived via MotorCoordinator.
type MotorAxis struct {
	Index                 int
	MicrostepResolution   int
	PulseDivisor          int
	RampDivisor           int
	MaxCurrent            int
	StandbyCurrent        int
	SoftLeft              float64
	SoftRight             float64
	ActualPositionRaw     int64
	TargetPositionRaw     int64
	ActualSpeedRaw        int64
	LeftSwitchStatus      bool
	LeftSwitchEnable      bool
	RightSwitchStatus     bool
	RightSwitchEnable     bool
	DriverError           int
	TargetPositionReached bool
}

// Header carries the immutable metadata snapshot attached to one Exposure or
// Curve. Fields with an associated uncertainty are stored as (value, err)
// pairs.
type Header struct {
	Title    string
	Category SampleCategory
	FSN      int64

	Distance      float64
	DistanceErr   float64
	Wavelength    float64
	WavelengthErr float64
	PixelSize     float64
	PixelSizeErr  float64
	BeamRow       float64
	BeamRowErr    float64
	BeamCol       float64
	BeamColErr    float64

	ExposureTime    float64
	ExposureCount   int
	AbsIntFactor    float64
	AbsIntFactorErr float64

	StartDate time.Time
	EndDate   time.Time
}

// SampleCategory is the closed set of header categories.
type SampleCategory int

const (
	CategoryPrimary SampleCategory = iota
	CategorySubtracted
	CategoryMerged
)

func (c SampleCategory) String() string {
	switch c {
	case CategorySubtracted:
		return "subtracted"
	case CategoryMerged:
		return "merged"
	default:
		return "primary"
	}
}

// Exposure is one raw (or derived) 2-D scattering pattern.
type Exposure struct {
	Header      Header
	Intensity   [][]float64
	Uncertainty [][]float64
	Mask        [][]int // 1 valid, 0 masked
}

// Shape returns the (rows, cols) of the exposure's matrices.
func (e *Exposure) Shape() (int, int) {
	if len(e.Intensity) == 0 {
		return 0, 0
	}
	return len(e.Intensity), len(e.Intensity[0])
}

// CurveColumn names the six channels of a Curve in column order.
type CurveColumn int

const (
	ColQ CurveColumn = iota
	ColIntensity
	ColIntensityErr
	ColQErr
	ColBinArea
	ColPixelRadius
)

// Curve is an immutable azimuthally-averaged scattering pattern: a
// column-major matrix of six channels sharing one length.
type Curve struct {
	Q            []float64
	Intensity    []float64
	IntensityErr []float64
	QErr         []float64
	BinArea      []float64
	PixelRadius  []float64
}

// Len returns the number of q-points in the curve.
func (c Curve) Len() int { return len(c.Q) }

// OutlierMethod is the closed set of outlier-scoring strategies.
type OutlierMethod int

const (
	OutlierZScore OutlierMethod = iota
	OutlierModifiedZScore
	OutlierIQR
)

// OutlierTest is the result of scoring one (sample, distance) dataset for
// outliers.
type OutlierTest struct {
	Correlation [][]float64
	Score       []float64
	Method      OutlierMethod
	Threshold   float64
	IsOutlier   []bool
	FSN         []int64
}

// JobStatus is the lifecycle of a Pipeline Job.
type JobStatus int

const (
	JobPending JobStatus = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

// JobProgress is one message on a Pipeline Job's progress channel.
type JobProgress struct {
	Kind    string // "progress", "message", "warning", "error"
	Percent float64
	Text    string
	Err     error
}
