package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorCode 错误码类型
type ErrorCode int

// 错误码定义（按模块分组）
const (
	// 通用错误 (1000-1999)
	ErrUnknown      ErrorCode = 1000
	ErrInvalidParam ErrorCode = 1001
	ErrCanceled     ErrorCode = 1006

	// 传感器业务错误 (2000-2999)
	ErrLibraryFull   ErrorCode = 2000
	ErrUserNotFound  ErrorCode = 2001
	ErrOutOfPosition ErrorCode = 2002
	ErrSensorFailed  ErrorCode = 2003

	// 协议与串口错误 (3000-3999)
	ErrSerialPortOpen  ErrorCode = 3000
	ErrSerialPortWrite ErrorCode = 3001
	ErrSerialPortRead  ErrorCode = 3002
	ErrProtocolTimeout ErrorCode = 3003
	ErrGPIO            ErrorCode = 3004
	ErrProtocolFraming ErrorCode = 3007

	// 设备编排错误 (3500-3999)
	ErrDeviceLocked    ErrorCode = 3500
	ErrInvalidCommand  ErrorCode = 3501
	ErrHandNotDetected ErrorCode = 3502
	ErrMotorFault      ErrorCode = 3503

	// 通信错误 (4000-4999)
	ErrNetwork         ErrorCode = 4000
	ErrBackendRejected ErrorCode = 4001

	// 配置错误 (6000-6999)
	ErrConfigLoad    ErrorCode = 6000
	ErrConfigMissing ErrorCode = 6003
)

// 错误码消息映射
var errorMessages = map[ErrorCode]string{
	ErrUnknown:      "unknown error",
	ErrInvalidParam: "invalid parameter",
	ErrCanceled:     "operation canceled",

	ErrLibraryFull:   "fingerprint library is full",
	ErrUserNotFound:  "fingerprint not found in database",
	ErrOutOfPosition: "finger not centered properly",
	ErrSensorFailed:  "sensor reported failure",

	ErrSerialPortOpen:  "serial port open failed",
	ErrSerialPortWrite: "serial port write failed",
	ErrSerialPortRead:  "serial port read failed",
	ErrProtocolTimeout: "sensor response timeout",
	ErrGPIO:            "gpio operation failed",
	ErrProtocolFraming: "invalid sensor response frame",

	ErrDeviceLocked:    "device is locked",
	ErrInvalidCommand:  "invalid command",
	ErrHandNotDetected: "hand not detected",
	ErrMotorFault:      "motor error",

	ErrNetwork:         "network error",
	ErrBackendRejected: "backend rejected request",

	ErrConfigLoad:    "config load failed",
	ErrConfigMissing: "config value missing",
}

// AppError 应用错误结构
type AppError struct {
	Code    ErrorCode    `json:"code"`            // 错误码
	Message string       `json:"message"`         // 错误消息
	Details string       `json:"details"`         // 详细信息
	Cause   error        `json:"-"`               // 原始错误
	Stack   []StackFrame `json:"stack,omitempty"` // 调用栈
}

// StackFrame 调用栈帧
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%d] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithCause 添加原因错误
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	if cause != nil && e.Details == "" {
		e.Details = cause.Error()
	}
	return e
}

// New 创建新的应用错误
func New(code ErrorCode, details ...string) *AppError {
	message, ok := errorMessages[code]
	if !ok {
		message = errorMessages[ErrUnknown]
	}

	err := &AppError{
		Code:    code,
		Message: message,
	}

	if len(details) > 0 {
		err.Details = strings.Join(details, "; ")
	}

	err.captureStack(2)

	return err
}

// Newf 创建格式化的应用错误
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return New(code, details)
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, details ...string) *AppError {
	if err == nil {
		return nil
	}

	// 如果已经是AppError，保留原始错误码
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		if len(details) > 0 {
			appErr.Details = strings.Join(details, "; ") + "; " + appErr.Details
		}
		return appErr
	}

	appErr = New(code, details...)
	appErr.Cause = err
	if appErr.Details == "" {
		appErr.Details = err.Error()
	}

	return appErr
}

// Wrapf 包装格式化错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	details := fmt.Sprintf(format, args...)
	return Wrap(err, code, details)
}

// Is 判断错误链中是否包含指定错误码
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}

// GetCode 获取错误码
func GetCode(err error) ErrorCode {
	if err == nil {
		return 0
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}

	return ErrUnknown
}

// captureStack 捕获调用栈
func (e *AppError) captureStack(skip int) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	if n > 0 {
		frames := runtime.CallersFrames(pcs[:n])
		for {
			frame, more := frames.Next()

			// 跳过runtime和本包的调用
			if strings.Contains(frame.Function, "runtime.") ||
				strings.Contains(frame.Function, "github.com/wfunc/pill-dispenser/internal/errors") {
				if !more {
					break
				}
				continue
			}

			e.Stack = append(e.Stack, StackFrame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})

			if !more {
				break
			}

			// 只保留前10个栈帧
			if len(e.Stack) >= 10 {
				break
			}
		}
	}
}

// GetStack 获取格式化的调用栈
func (e *AppError) GetStack() string {
	if len(e.Stack) == 0 {
		return ""
	}

	var builder strings.Builder
	for i, frame := range e.Stack {
		builder.WriteString(fmt.Sprintf("%d. %s\n   %s:%d\n",
			i+1, frame.Function, frame.File, frame.Line))
	}

	return builder.String()
}

// HTTPStatus 返回对应的HTTP状态码
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ErrInvalidParam, ErrInvalidCommand:
		return 400
	case ErrUserNotFound:
		return 404
	case ErrDeviceLocked:
		return 409
	case ErrProtocolTimeout:
		return 504
	default:
		return 500
	}
}

// IsRetryable 判断错误是否可重试（由调用方决定是否重试）
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrProtocolTimeout,
		ErrOutOfPosition,
		ErrNetwork:
		return true
	default:
		return false
	}
}

// IsCritical 判断是否为严重错误（进程应在主循环开始前退出）
func IsCritical(err error) bool {
	if err == nil {
		return false
	}

	switch GetCode(err) {
	case ErrSerialPortOpen,
		ErrGPIO,
		ErrConfigLoad,
		ErrConfigMissing:
		return true
	default:
		return false
	}
}
