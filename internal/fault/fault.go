// Package fault defines the single typed error used across pipeline stages.
// Every stage either returns its artifact or a *fault.Error; the orchestrator
// never swallows one.
package fault

import (
	"errors"
	"fmt"
)

// Error carries the stage that failed, a stable machine code, and a message.
type Error struct {
	Stage   string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Stage, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a stage error.
func New(stage, code, message string) *Error {
	return &Error{Stage: stage, Code: code, Message: message}
}

// Newf builds a stage error with a formatted message.
func Newf(stage, code, format string, args ...any) *Error {
	return &Error{Stage: stage, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a stage error.
func Wrap(stage, code, message string, err error) *Error {
	return &Error{Stage: stage, Code: code, Message: message, Err: err}
}

// As extracts a *Error from err, if present.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
