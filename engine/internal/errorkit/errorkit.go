// Package errorkit implements the closed error taxonomy shared by every
// device-supervision and reduction component. An errorkit.Error never
// unwinds past a DeviceSupervisor boundary: the Supervisor loop classifies
// every error it sees as fatal or non-fatal and reports it as an `error`
// Message, never as a panic.
package errorkit

import "fmt"

// Kind is the closed set of error categories. Treatment (fatal vs
// non-fatal) is determined solely by Kind; see Fatal().
type Kind int

const (
	DeviceError Kind = iota
	CommunicationError
	WatchdogTimeout
	InvalidValue
	ReadOnlyVariable
	UnknownVariable
	UnknownCommand
	InvalidMessage
	ConversionUnavailable
	BackgroundProcessError
	UserStopException
)

func (k Kind) String() string {
	switch k {
	case DeviceError:
		return "DeviceError"
	case CommunicationError:
		return "CommunicationError"
	case WatchdogTimeout:
		return "WatchdogTimeout"
	case InvalidValue:
		return "InvalidValue"
	case ReadOnlyVariable:
		return "ReadOnlyVariable"
	case UnknownVariable:
		return "UnknownVariable"
	case UnknownCommand:
		return "UnknownCommand"
	case InvalidMessage:
		return "InvalidMessage"
	case ConversionUnavailable:
		return "ConversionUnavailable"
	case BackgroundProcessError:
		return "BackgroundProcessError"
	case UserStopException:
		return "UserStopException"
	default:
		return "UnknownKind"
	}
}

// Fatal reports whether an error of this Kind must terminate its
// DeviceSupervisor abnormally (spec.md §4.8/§7). CommunicationError and
// WatchdogTimeout are the only fatal device-layer kinds;
// BackgroundProcessError and UserStopException are reduction-pipeline kinds
// handled entirely through a Job's result channel and are never seen by a
// Supervisor.
func (k Kind) Fatal() bool {
	return k == CommunicationError || k == WatchdogTimeout
}

// Error is the concrete error value carried in `error` Messages and pipeline
// Results.
type Error struct {
	Kind     Kind
	Message  string
	Variable string
	Stack    string
	cause    error
}

func (e *Error) Error() string {
	if e.Variable != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Variable, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an Error of the given Kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given Kind wrapping cause, preserving it
// for errors.Unwrap/errors.Is chains.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// WithVariable attaches the variable name the error concerns (Set/Query
// failures) and returns the same Error for chaining.
func (e *Error) WithVariable(name string) *Error {
	e.Variable = name
	return e
}

// WithStack attaches a free-form stack trace captured at the raise site.
func (e *Error) WithStack(stack string) *Error {
	e.Stack = stack
	return e
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
