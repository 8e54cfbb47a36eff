// Package ncperr defines the fatal error taxonomy of the patch engine.
//
// Every stage of the engine returns a plain error; the ones that need to be
// told apart by the CLI (link failures vs. malformed input vs. an overflowed
// overlay, ...) are wrapped in *Error so the top-level driver can attach a
// stage-specific context string without a global "current context" variable.
package ncperr

import "fmt"

// Kind identifies why a stage of the engine gave up.
type Kind int

const (
	Config Kind = iota
	IOFind
	IORead
	IOWrite
	MalformedInput
	LinkFailure
	PatchConflict
	UnsupportedInterwork
	Overflow
	NotImplemented
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case IOFind:
		return "IoError::Find"
	case IORead:
		return "IoError::Read"
	case IOWrite:
		return "IoError::Write"
	case MalformedInput:
		return "MalformedInput"
	case LinkFailure:
		return "LinkFailure"
	case PatchConflict:
		return "PatchConflict"
	case UnsupportedInterwork:
		return "UnsupportedInterwork"
	case Overflow:
		return "Overflow"
	case NotImplemented:
		return "NotImplemented"
	default:
		return "Error"
	}
}

// Error is a fatal engine error tagged with a Kind, for callers that want to
// branch on why the engine stopped rather than just report the message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Contextual wraps err with a human-readable stage description, the
// replacement for the original C++ implementation's global
// "current error context" string (see spec design notes on that pattern).
// The top-level driver is the only caller that should print it.
type Contextual struct {
	Context string
	Cause   error
}

func WithContext(context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Contextual{Context: context, Cause: cause}
}

func (c *Contextual) Error() string {
	return fmt.Sprintf("%s\n%v", c.Context, c.Cause)
}

func (c *Contextual) Unwrap() error {
	return c.Cause
}
