// Package fault defines the error taxonomy shared by the harbor runtime.
//
// Startup-class errors (configuration, connection, compilation) abort the
// process before any listener opens. Request-class errors (operation,
// timeout, panic) are confined to a single instance and reported through the
// request's own result channel.
package fault

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Class identifies where in the lifecycle an error was raised.
type Class string

const (
	ClassConfiguration Class = "configuration"
	ClassConnection    Class = "connection"
	ClassCompilation   Class = "compilation"
	ClassOperation     Class = "operation"
	ClassTimeout       Class = "timeout"
	ClassPanic         Class = "panic"
)

// Code is the guest-visible category of an operation error.
type Code string

const (
	CodeNotFound         Code = "not_found"
	CodeInvalidArgument  Code = "invalid_argument"
	CodePermissionDenied Code = "permission_denied"
	CodeConflict         Code = "conflict"
	CodeUnavailable      Code = "unavailable"
	CodeUnsupported      Code = "unsupported"
	CodeTimeout          Code = "timeout"
	CodeInternal         Code = "internal"
)

// Error is the structured error carried across the runtime.
type Error struct {
	Class     Class
	Code      Code
	Component string
	Op        string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	b.WriteString(" error")

	if e.Component != "" {
		b.WriteString(" in ")
		b.WriteString(e.Component)
	}
	if e.Op != "" {
		b.WriteString(" (")
		b.WriteString(e.Op)
		b.WriteString(")")
	}
	if e.Code != "" && e.Class == ClassOperation {
		b.WriteString(" [")
		b.WriteString(string(e.Code))
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by class and, when set on the target, by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Class != e.Class {
		return false
	}
	return t.Code == "" || t.Code == e.Code
}

// Configuration reports malformed or missing settings.
func Configuration(component, format string, args ...any) *Error {
	return &Error{Class: ClassConfiguration, Component: component, Message: fmt.Sprintf(format, args...)}
}

// Connection reports a backend that could not be reached or authenticated.
func Connection(component string, cause error) *Error {
	return &Error{Class: ClassConnection, Component: component, Message: "connect failed", Cause: cause}
}

// Compilation reports an invalid guest module.
func Compilation(format string, args ...any) *Error {
	return &Error{Class: ClassCompilation, Component: "module", Message: fmt.Sprintf(format, args...)}
}

// Operation reports a failed interface call. It is surfaced to the guest.
func Operation(code Code, format string, args ...any) *Error {
	return &Error{Class: ClassOperation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound is shorthand for Operation(CodeNotFound, ...).
func NotFound(format string, args ...any) *Error {
	return Operation(CodeNotFound, format, args...)
}

// InvalidArgument is shorthand for Operation(CodeInvalidArgument, ...).
func InvalidArgument(format string, args ...any) *Error {
	return Operation(CodeInvalidArgument, format, args...)
}

// Timeout reports an instance that exceeded its deadline.
func Timeout(format string, args ...any) *Error {
	return &Error{Class: ClassTimeout, Code: CodeTimeout, Message: fmt.Sprintf(format, args...)}
}

// Panic reports an unexpected fault recovered while serving an instance.
func Panic(value any) *Error {
	return &Error{Class: ClassPanic, Code: CodeInternal, Message: fmt.Sprintf("recovered: %v", value)}
}

// With returns a copy of e annotated with the component and operation.
func (e *Error) With(component, op string) *Error {
	c := *e
	if c.Component == "" {
		c.Component = component
	}
	if c.Op == "" {
		c.Op = op
	}
	return &c
}

// Wrap attaches a cause to a copy of e.
func (e *Error) Wrap(cause error) *Error {
	c := *e
	c.Cause = cause
	return &c
}

// ClassOf returns the class of the first *Error in err's chain, or "" if none.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ""
}

// CodeOf returns the guest-visible code for err. Errors that carry no code
// map to CodeInternal.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) && fe.Code != "" {
		return fe.Code
	}
	return CodeInternal
}

// IsStartup reports whether err must abort process startup.
func IsStartup(err error) bool {
	switch ClassOf(err) {
	case ClassConfiguration, ClassConnection, ClassCompilation:
		return true
	}
	return false
}

// AsOperation converts any error returned by a backend into an operation
// error. Errors that are already operation errors pass through unchanged.
func AsOperation(err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) && fe.Class == ClassOperation {
		return fe
	}
	code := CodeInternal
	if errors.Is(err, context.DeadlineExceeded) {
		code = CodeTimeout
	}
	return &Error{Class: ClassOperation, Code: code, Message: err.Error()}
}
