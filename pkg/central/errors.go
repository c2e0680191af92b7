package central

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failure of a session command.
type ErrorKind string

const (
	// SystemNotReady means the radio is not powered on.
	SystemNotReady ErrorKind = "system_not_ready"
	// InvalidInstruction means the command would duplicate a pending
	// operation of the same kind for the same target.
	InvalidInstruction ErrorKind = "invalid_instruction"
	// UnknownDevice means the referenced identifier is not tracked and
	// cannot be resolved.
	UnknownDevice ErrorKind = "unknown_device"
	// UnknownPath means no resolved path matches the lookup.
	UnknownPath ErrorKind = "unknown_path"
	// RadioFailure wraps an underlying failure reported by the radio
	// driver.
	RadioFailure ErrorKind = "radio_error"
)

// CommandError represents any command-level failure of the session core.
type CommandError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare CommandError values by Kind.
func (e *CommandError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*CommandError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for command failures.
var (
	ErrSystemNotReady     = &CommandError{Kind: SystemNotReady}
	ErrInvalidInstruction = &CommandError{Kind: InvalidInstruction}
	ErrUnknownDevice      = &CommandError{Kind: UnknownDevice}
	ErrUnknownPath        = &CommandError{Kind: UnknownPath}
	ErrRadio              = &CommandError{Kind: RadioFailure}
)

// ErrUnknown stands in for radio failures reported without a concrete
// cause; a missing underlying error is never surfaced as nil.
var ErrUnknown = errors.New("unknown error")

// IsKind reports whether err is a CommandError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var cerr *CommandError
	if errors.As(err, &cerr) {
		return cerr.Kind == kind
	}
	return false
}

// wrapRadioError wraps an underlying driver failure, normalizing a nil
// cause to ErrUnknown.
func wrapRadioError(err error) error {
	if err == nil {
		err = ErrUnknown
	}
	return fmt.Errorf("%w: %w", ErrRadio, err)
}
