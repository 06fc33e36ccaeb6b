package loop

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrRegistration  = errors.New("registration error")
	ErrInvalidState  = errors.New("invalid state")
	ErrConsistency   = errors.New("consistency error")
)

// Error carries one of the kinds above, the name of the loop, sequence or
// state it concerns, and an optional cause.
type Error struct {
	Kind    error
	Subject string
	Msg     string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Subject != "" {
		msg += fmt.Sprintf(" (%s)", e.Subject)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports the kind, so errors.Is(err, ErrRegistration) holds for a
// registration error that also wraps an I/O cause.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

// Configf builds an ErrConfiguration error.
func Configf(subject, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// Registrationf builds an ErrRegistration error wrapping cause (may be nil).
func Registrationf(subject string, cause error, format string, args ...any) error {
	return &Error{Kind: ErrRegistration, Subject: subject, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// InvalidStatef builds an ErrInvalidState error.
func InvalidStatef(subject, format string, args ...any) error {
	return &Error{Kind: ErrInvalidState, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}

// Consistencyf builds an ErrConsistency error.
func Consistencyf(subject, format string, args ...any) error {
	return &Error{Kind: ErrConsistency, Subject: subject, Msg: fmt.Sprintf(format, args...)}
}
