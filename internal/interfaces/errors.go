package interfaces

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error represents a structured vhostfs error with context and errno mapping
type Error struct {
	Op    string        // Operation that failed (e.g., "read_chain", "mount")
	Queue int           // Queue index (-1 if not applicable)
	Code  ErrorCode     // High-level error category
	Errno syscall.Errno // Kernel errno (0 if not applicable)
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}

	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("vhostfs: %s (%s)", msg, strings.Join(parts, " "))
	}

	return fmt.Sprintf("vhostfs: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support by error code
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode represents high-level error categories
type ErrorCode string

const (
	// Guest-controlled input failed validation. These never indicate a
	// host-side defect and may be survivable depending on policy.
	ErrCodeChainTooShort ErrorCode = "descriptor chain shorter than request header"
	ErrCodeChainTooLarge ErrorCode = "descriptor chain exceeds buffer capacity"
	ErrCodeBadDescriptor ErrorCode = "malformed descriptor chain"

	// Configuration errors reported at startup.
	ErrCodeTooManyQueues ErrorCode = "unsupported queue count"
	ErrCodeSocketPath    ErrorCode = "unusable socket path"
	ErrCodeInvalidConfig ErrorCode = "invalid configuration"

	// Session-fatal failures.
	ErrCodeTransport        ErrorCode = "transport failure"
	ErrCodeMemoryTable      ErrorCode = "guest memory translation failure"
	ErrCodeHandler          ErrorCode = "protocol engine failure"
	ErrCodeResponseTooLarge ErrorCode = "response exceeds guest-writable space"
)

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: -1,
		Code:  code,
		Msg:   msg,
	}
}

// NewQueueError creates a new queue-scoped error
func NewQueueError(op string, queue int, code ErrorCode, msg string) *Error {
	return &Error{
		Op:    op,
		Queue: queue,
		Code:  code,
		Msg:   msg,
	}
}

// WrapError wraps an existing error with vhostfs context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if ve, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			Queue: ve.Queue,
			Code:  ve.Code,
			Errno: ve.Errno,
			Msg:   ve.Msg,
			Inner: ve.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  ErrCodeTransport,
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Queue: -1,
		Code:  ErrCodeTransport,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Code == code
	}
	return false
}

// IsValidation reports whether the error was caused by guest-controlled
// input rather than a host-side failure.
func IsValidation(err error) bool {
	var ve *Error
	if !errors.As(err, &ve) {
		return false
	}
	switch ve.Code {
	case ErrCodeChainTooShort, ErrCodeChainTooLarge, ErrCodeBadDescriptor:
		return true
	}
	return false
}
