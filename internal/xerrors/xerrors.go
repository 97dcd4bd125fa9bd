// Package xerrors defines the runtime's closed error-code taxonomy.
// Every failure the orchestrator surfaces to a caller or to diagnostics
// is an *Error value, never a bare string or an opaque wrapped error.
package xerrors

import (
	"fmt"
	"time"
)

// Recoverability indicates whether the orchestrator may attempt
// rehydration after an error drives the state machine into ERROR.
type Recoverability string

const (
	Recoverable    Recoverability = "recoverable"
	NonRecoverable Recoverability = "non-recoverable"
)

// Code is a stable, closed string identifier for an error condition.
// Callers may switch on Code; new codes are additive, never renamed.
type Code string

const (
	CodeInvalidConfig                   Code = "ERROR_INVALID_CONFIG"
	CodeInvalidState                    Code = "ERROR_INVALID_STATE"
	CodeInvalidInputEmptyMessages       Code = "ERROR_INVALID_INPUT_EMPTY_MESSAGES"
	CodeInvalidInputMaxTokens           Code = "ERROR_INVALID_INPUT_MAX_TOKENS"
	CodeTemplateFormatUnsupported       Code = "ERROR_TEMPLATE_FORMAT_UNSUPPORTED"
	CodePromptBudgetOverflow            Code = "ERROR_PROMPT_BUDGET_OVERFLOW"
	CodeNativeUnavailable               Code = "ERROR_NATIVE_UNAVAILABLE"
	CodeNativeDownloadStuck             Code = "ERROR_NATIVE_DOWNLOAD_STUCK"
	CodeIncompatibleModel               Code = "ERROR_WEBLLM_INCOMPATIBLE_MODEL"
	CodeDeviceLost                      Code = "ERROR_WEBGPU_DEVICE_LOST"
	CodeWorkerCrash                     Code = "ERROR_WORKER_CRASH"
	CodeTimeout                         Code = "ERROR_TIMEOUT"
	CodeAborted                         Code = "ERROR_ABORTED"
	CodeQuotaPreflightFail              Code = "ERROR_QUOTA_PREFLIGHT_FAIL"
	CodeQuotaExceeded                   Code = "ERROR_QUOTA_EXCEEDED"
	CodeCacheDesyncRepaired             Code = "ERROR_CACHE_DESYNC_REPAIRED"
	CodeCacheCorrupt                    Code = "ERROR_CACHE_CORRUPT"
	CodeNetwork                         Code = "ERROR_NETWORK"
	CodeGenerationStalled               Code = "ERROR_GENERATION_STALLED"
	CodeHealthcheckTimeoutDuringGen     Code = "ERROR_HEALTHCHECK_TIMEOUT_DURING_GENERATION"
	CodePublicBaseURLRequired           Code = "ERROR_PUBLIC_BASE_URL_REQUIRED"
	CodePromptTooLargeAfterRetries      Code = "ERROR_PROMPT_TOO_LARGE_AFTER_RETRIES"
	CodeUnknown                         Code = "ERROR_UNKNOWN"
)

// Error is the runtime's single error value type. It implements the
// standard error interface and supports errors.Unwrap/errors.Is via
// Cause.
type Error struct {
	Code           Code
	Message        string
	Recoverability Recoverability
	Cause          error
	Details        map[string]any
	UserAction     string
	DevAction      string
	AtState        string
	AtProvider     string
	TimestampMs    int64
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CanRehydrate reports whether the orchestrator should offer
// rehydration for this error.
func (e *Error) CanRehydrate() bool { return e.Recoverability == Recoverable }

// Option configures an *Error at construction.
type Option func(*Error)

func WithCause(err error) Option { return func(e *Error) { e.Cause = err } }

func WithDetails(d map[string]any) Option { return func(e *Error) { e.Details = d } }

func WithUserAction(s string) Option { return func(e *Error) { e.UserAction = s } }

func WithDevAction(s string) Option { return func(e *Error) { e.DevAction = s } }

func WithAtState(s string) Option { return func(e *Error) { e.AtState = s } }

func WithAtProvider(s string) Option { return func(e *Error) { e.AtProvider = s } }

// New constructs an Error with the given code, recoverability, and
// message, applying any options.
func New(code Code, recoverability Recoverability, message string, opts ...Option) *Error {
	e := &Error{
		Code:           code,
		Message:        message,
		Recoverability: recoverability,
		TimestampMs:    time.Now().UnixMilli(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewRecoverable is a convenience constructor for a recoverable error.
func NewRecoverable(code Code, message string, opts ...Option) *Error {
	return New(code, Recoverable, message, opts...)
}

// NewNonRecoverable is a convenience constructor for a non-recoverable error.
func NewNonRecoverable(code Code, message string, opts ...Option) *Error {
	return New(code, NonRecoverable, message, opts...)
}

// As reports whether err is (or wraps) an *Error and, if so, returns it.
func As(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
