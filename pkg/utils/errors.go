package utils

import (
	"errors"
	"fmt"
	"time"
)

// Error categories
const (
	CategoryUnknown    = "unknown"
	CategoryValidation = "validation"
	CategoryCrypto     = "cryptography"
	CategoryConsensus  = "consensus"
	CategoryNetwork    = "network"
	CategoryTimeout    = "timeout"
	CategoryInternal   = "internal"
)

// Base error codes
const (
	CodeUnknown          = "UNKNOWN"
	CodeInvalidInput     = "INVALID_INPUT"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeUnknownSender    = "UNKNOWN_SENDER"
	CodeNotPrimary       = "NOT_PRIMARY"
	CodeStaleView        = "STALE_VIEW"
	CodeOutOfWindow      = "OUT_OF_WINDOW"
	CodeEquivocation     = "EQUIVOCATION"
	CodeQuorumNotMet     = "QUORUM_NOT_MET"
	CodeDivergence       = "DIVERGENCE"
	CodeConfigInvalid    = "CONFIG_INVALID"
	CodeTimeout          = "TIMEOUT"
	CodeUnavailable      = "UNAVAILABLE"
	CodeShutdown         = "SHUTDOWN"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorCode represents a machine-readable error identifier
type ErrorCode string

// ErrorCategory groups related errors
type ErrorCategory string

// Error provides structured error information
type Error struct {
	Code       ErrorCode
	Category   ErrorCategory
	Message    string
	Details    map[string]interface{}
	Underlying error
	Retryable  bool
	Fatal      bool
	Timestamp  time.Time
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is implements error comparison by code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a detail field to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsRetryable returns whether the error should be retried
func (e *Error) IsRetryable() bool {
	return e.Retryable
}

// IsFatal returns whether the node must halt on this error
func (e *Error) IsFatal() bool {
	return e.Fatal
}

// NewError creates a new structured error
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  getCategory(code),
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorf creates a new structured error with formatting
func NewErrorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError wraps an existing error with structured information
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	// Preserve retryable/fatal flags when wrapping a structured error.
	if e, ok := err.(*Error); ok {
		return &Error{
			Code:       code,
			Category:   getCategory(code),
			Message:    message,
			Underlying: e,
			Retryable:  e.Retryable,
			Fatal:      e.Fatal,
			Timestamp:  time.Now(),
		}
	}

	return &Error{
		Code:       code,
		Category:   getCategory(code),
		Message:    message,
		Underlying: err,
		Timestamp:  time.Now(),
	}
}

// WrapErrorf wraps an existing error with formatted message
func WrapErrorf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return WrapError(err, code, fmt.Sprintf(format, args...))
}

// Predefined error constructors

func NewValidationError(message string) *Error {
	return NewError(CodeInvalidInput, message)
}

func NewTimeoutError(message string) *Error {
	err := NewError(CodeTimeout, message)
	err.Retryable = true
	return err
}

func NewNotPrimaryError(message string) *Error {
	err := NewError(CodeNotPrimary, message)
	err.Retryable = true
	return err
}

func NewDivergenceError(message string) *Error {
	err := NewError(CodeDivergence, message)
	err.Fatal = true
	return err
}

func NewConfigError(message string) *Error {
	err := NewError(CodeConfigInvalid, message)
	err.Fatal = true
	return err
}

func NewInternalError(message string) *Error {
	return NewError(CodeInternal, message)
}

// Error checking helpers

// IsRetryable returns whether an error should be retried
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	return false
}

// IsFatal returns whether an error requires halting the node
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.IsFatal()
	}
	return false
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// GetErrorCategory extracts the error category from an error
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryUnknown
}

func getCategory(code ErrorCode) ErrorCategory {
	switch code {
	case CodeInvalidInput, CodeConfigInvalid:
		return CategoryValidation
	case CodeInvalidSignature, CodeInvalidMessage, CodeUnknownSender:
		return CategoryCrypto
	case CodeNotPrimary, CodeStaleView, CodeOutOfWindow, CodeEquivocation,
		CodeQuorumNotMet, CodeDivergence:
		return CategoryConsensus
	case CodeTimeout:
		return CategoryTimeout
	case CodeUnavailable, CodeShutdown:
		return CategoryNetwork
	case CodeInternal:
		return CategoryInternal
	default:
		return CategoryUnknown
	}
}

// Sentinel errors for errors.Is checks
var (
	ErrTimeout          = NewTimeoutError("operation timed out")
	ErrInvalidSignature = NewError(CodeInvalidSignature, "invalid signature")
	ErrInvalidMessage   = NewError(CodeInvalidMessage, "invalid message")
	ErrUnknownSender    = NewError(CodeUnknownSender, "unknown sender")
	ErrNotPrimary       = NewNotPrimaryError("not primary")
	ErrStaleView        = NewError(CodeStaleView, "stale view")
	ErrOutOfWindow      = NewError(CodeOutOfWindow, "sequence outside watermark window")
	ErrEquivocation     = NewError(CodeEquivocation, "conflicting message from sender")
	ErrQuorumNotMet     = NewError(CodeQuorumNotMet, "quorum not met")
	ErrDivergence       = NewDivergenceError("state diverged from stable checkpoint")
	ErrConfigInvalid    = NewConfigError("invalid configuration")
	ErrShutdown         = NewError(CodeShutdown, "node shutting down")
)

// Wrap annotates err with msg
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf annotates err with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
