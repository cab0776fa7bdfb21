package transport

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of transport error for programmatic
// handling.
type ErrorCode int

const (
	// Setup faults (fatal for the current session attempt)
	ErrCodeAdapterUnavailable ErrorCode = iota + 100
	ErrCodePermissionDenied
	ErrCodeAdvertiseFailed
	ErrCodeConnectFailed
	ErrCodeIdentMismatch

	// Operational faults
	ErrCodeSendFailed
	ErrCodeNotConnected
	ErrCodeFraming
	ErrCodeScanFailed
)

// Error provides structured error information for transport failures.
type Error struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Start", "Send")
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// NewSetupError creates an error for advertise/GATT setup failures.
func NewSetupError(code ErrorCode, op string, cause error) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: "transport setup failed",
		Cause:   cause,
	}
}

// NewSendError creates an error for a chunk write failure mid-message.
func NewSendError(op string, cause error) *Error {
	return &Error{
		Code:    ErrCodeSendFailed,
		Op:      op,
		Message: "send failed",
		Cause:   cause,
	}
}

// NewNotConnectedError creates an error for operations requiring a live peer.
func NewNotConnectedError(op string) *Error {
	return &Error{
		Code:    ErrCodeNotConnected,
		Op:      op,
		Message: "no peer connected",
	}
}

// NewFramingError creates an error for chunking protocol violations.
func NewFramingError(op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    ErrCodeFraming,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsSetupError reports whether err is a fatal setup fault that requires
// the session to be reset and restarted with fresh identity.
func IsSetupError(err error) bool {
	var te *Error
	if !errors.As(err, &te) {
		return false
	}
	switch te.Code {
	case ErrCodeAdapterUnavailable, ErrCodePermissionDenied, ErrCodeAdvertiseFailed, ErrCodeConnectFailed, ErrCodeIdentMismatch:
		return true
	}
	return false
}

// GetErrorCode extracts the ErrorCode from an error if it's a transport
// Error. Returns 0 otherwise.
func GetErrorCode(err error) ErrorCode {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}
