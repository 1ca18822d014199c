package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Engine error codes
const (
	// ErrValidation 会话创建输入非法（缺少角色映射、模板未知等）
	ErrValidation ErrorCode = "VALIDATION"
	// ErrFlowExecution 在非 running 状态推进会话，或快照中找不到当前步骤
	ErrFlowExecution ErrorCode = "FLOW_EXECUTION"
	// ErrGeneration 生成协作方失败或超时，对当前推进是致命错误
	ErrGeneration ErrorCode = "GENERATION"
	// ErrRetrieval 知识检索重试耗尽（非致命，适配器内部吸收）
	ErrRetrieval ErrorCode = "RETRIEVAL"
	// ErrConcurrencyConflict 同一会话存在并发推进
	ErrConcurrencyConflict ErrorCode = "CONCURRENCY_CONFLICT"
	// ErrNotFound 角色目录或持久层找不到目标记录
	ErrNotFound ErrorCode = "NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given engine error code.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
