package errclass

import (
	"errors"
	"fmt"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorCode returns the stable code.
func (e *Error) ErrorCode() string { return e.Code }

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new Error with the same Code that carries cause.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Err: cause}
}

// Stable error classes.
var (
	ErrAPI               = &Error{Code: "E_API"}
	ErrVMBootTimeout     = &Error{Code: "E_VM_BOOT_TIMEOUT"}
	ErrVMFailed          = &Error{Code: "E_VM_FAILED"}
	ErrConnectionTimeout = &Error{Code: "E_CONNECTION_TIMEOUT"}
	ErrLoginFailed       = &Error{Code: "E_LOGIN_FAILED"}
	ErrCommandTimeout    = &Error{Code: "E_COMMAND_TIMEOUT"}
	ErrCommandFailed     = &Error{Code: "E_COMMAND_FAILED"}
	ErrAIUnavailable     = &Error{Code: "E_AI_UNAVAILABLE"}
	ErrNoSnapshot        = &Error{Code: "E_NO_SNAPSHOT"}
	ErrPlanUnusable      = &Error{Code: "E_PLAN_UNUSABLE"}
	ErrConfigInvalid     = &Error{Code: "E_CONFIG_INVALID"}
	ErrAgentNotFound     = &Error{Code: "E_AGENT_NOT_FOUND"}
	ErrReportWrite       = &Error{Code: "E_REPORT_WRITE"}
	ErrAuditChainBroken  = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrNameInvalid       = &Error{Code: "E_NAME_INVALID"}
	ErrCanceled          = &Error{Code: "E_CANCELED"}
	ErrInternal          = &Error{Code: "E_INTERNAL"}
)

type coder interface {
	ErrorCode() string
}

// CodeOf returns the stable code carried by err, or "E_INTERNAL" when err is
// not classified. A nil error has no code.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var c coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return ErrInternal.Code
}
