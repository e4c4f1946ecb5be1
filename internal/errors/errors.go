package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级与审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 编排核心的错误分类。
	CodePlanningFailure     Code = "PLANNING_FAILURE"
	CodeExecutionStall      Code = "EXECUTION_STALL"
	CodeIterationLimit      Code = "ITERATION_LIMIT"
	CodeToolDispatchFailure Code = "TOOL_DISPATCH_FAILURE"
	CodeHumanTimeout        Code = "HUMAN_TIMEOUT"
	CodeProtocolFailure     Code = "PROTOCOL_FAILURE"
	CodeCancelled           Code = "CANCELLED"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Severity: SeverityWarning, Retryable: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
		CodeQueueFailure:          {Message: "queue failure", Severity: SeverityCritical, Retryable: true},
		CodeTimeout:               {Message: "operation timed out", Severity: SeverityWarning, Retryable: true},

		// 规划失败在编排器内部已经按预算重试过，任务层不再重投。
		CodePlanningFailure:     {Message: "planning failed", Severity: SeverityWarning},
		CodeExecutionStall:      {Message: "execution stalled", Severity: SeverityWarning},
		CodeIterationLimit:      {Message: "iteration limit reached", Severity: SeverityWarning},
		CodeToolDispatchFailure: {Message: "tool dispatch failed", Severity: SeverityInfo},
		CodeHumanTimeout:        {Message: "human escalation timed out", Severity: SeverityWarning},
		// 通道本身不重连，重连策略由调用方决定。
		CodeProtocolFailure: {Message: "remote protocol failure", Severity: SeverityCritical, Retryable: true},
		CodeCancelled:       {Message: "cancelled by user", Severity: SeverityInfo},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// LogValue 让 slog 以分组形式输出错误码、严重程度与附加信息。
func (e *Error) LogValue() slog.Value {
	if e == nil {
		return slog.StringValue("")
	}
	attrs := []slog.Attr{
		slog.String("code", string(e.code)),
		slog.String("message", e.message),
		slog.String("severity", string(e.Severity())),
	}
	if e.cause != nil {
		attrs = append(attrs, slog.String("cause", e.cause.Error()))
	}
	for k, v := range e.metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	return slog.GroupValue(attrs...)
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	if IsCancellation(err) {
		return CodeCancelled
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否包含指定错误码。
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// IsCancellation 判断错误是否来自用户取消，取消不视为失败。
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return true
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target.code == CodeCancelled
	}
	return false
}
