// Package errcode gives protocol and supervisory errors a stable,
// bus-facing identity independent of the Go error message that carries them.
package errcode

// Code is a stable error identifier. It is a string newtype, comparable,
// allocation-free, and implements error so it can be returned or wrapped
// directly.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical codes for the servo control core.
const (
	OK Code = "ok"

	// ProtocolError: a decoded frame failed a codec invariant (bad length,
	// bad tag, a field out of its encoded range).
	ProtocolError Code = "protocol_error"

	// TransportError: the USB link itself faulted (stall, no-device,
	// cancelled transfer, context deadline on a write).
	TransportError Code = "transport_error"

	// NotHomed: a position-mode demand was rejected because the joint has
	// never completed homing.
	NotHomed Code = "not_homed"

	// NotAbsolute: an operation that requires PR_Absolute position
	// reference was attempted while the servo is still PR_Relative.
	NotAbsolute Code = "not_absolute"

	// HomingTimeout: the homing coordinator exceeded its time budget
	// without reaching an index transition.
	HomingTimeout Code = "homing_timeout"

	// HomingTooManyCycles: the homing coordinator exceeded its retry
	// budget without converging on a stable offset.
	HomingTooManyCycles Code = "homing_too_many_cycles"

	// ConfigError: the persisted config document failed to load, save, or
	// validate.
	ConfigError Code = "config_error"

	// LostContact: a device stopped reporting within its monitor-tick
	// timeout and was marked unreachable.
	LostContact Code = "lost_contact"

	Error Code = "error" // generic fallback
)

// E wraps a Code with an operation name, a human message, and an optional
// cause, the way a supervisory loop reports a fault up the stack without
// losing the stable Code a caller might switch on.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg
	}
	return e.Op + ": " + string(e.C)
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Of extracts a Code from an error, defaulting to Error when the error
// carries none.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Error
}
