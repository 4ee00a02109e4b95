package vhostfs

import "github.com/virtbridge/vhostfs/internal/interfaces"

// Error is the structured error type every failure surfaces as.
type Error = interfaces.Error

// ErrorCode categorizes failures.
type ErrorCode = interfaces.ErrorCode

// Guest-controlled input failed validation. Survivable under the default
// lenient policy.
const (
	ErrCodeChainTooShort = interfaces.ErrCodeChainTooShort
	ErrCodeChainTooLarge = interfaces.ErrCodeChainTooLarge
	ErrCodeBadDescriptor = interfaces.ErrCodeBadDescriptor
)

// Configuration errors reported before a session starts.
const (
	ErrCodeTooManyQueues = interfaces.ErrCodeTooManyQueues
	ErrCodeSocketPath    = interfaces.ErrCodeSocketPath
	ErrCodeInvalidConfig = interfaces.ErrCodeInvalidConfig
)

// Session-fatal failures.
const (
	ErrCodeTransport        = interfaces.ErrCodeTransport
	ErrCodeMemoryTable      = interfaces.ErrCodeMemoryTable
	ErrCodeHandler          = interfaces.ErrCodeHandler
	ErrCodeResponseTooLarge = interfaces.ErrCodeResponseTooLarge
)

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return interfaces.IsCode(err, code)
}

// IsValidation reports whether err was caused by guest-controlled input
// rather than a host-side failure.
func IsValidation(err error) bool {
	return interfaces.IsValidation(err)
}
