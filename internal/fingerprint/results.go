package fingerprint

import (
	"fmt"

	"github.com/wfunc/pill-dispenser/internal/errors"
)

// EnrollKind 录入结果类型
type EnrollKind int

const (
	EnrollSuccess EnrollKind = iota
	EnrollLibraryFull
	EnrollCountFailed
	EnrollPhaseOneTimeout
	EnrollPhaseOneFailed
	EnrollPhaseTwoTimeout
	EnrollPhaseTwoFailed
)

// EnrollResult 指纹录入结果
type EnrollResult struct {
	Kind   EnrollKind
	UserID int   // 仅 EnrollSuccess 时有效
	Cause  error // 收发失败的原始错误
}

// OK 是否录入成功
func (r EnrollResult) OK() bool { return r.Kind == EnrollSuccess }

// Message 返回可读描述
func (r EnrollResult) Message() string {
	switch r.Kind {
	case EnrollSuccess:
		return fmt.Sprintf("Fingerprint registered successfully (ID: %d)", r.UserID)
	case EnrollLibraryFull:
		return "Fingerprint library is full"
	case EnrollCountFailed:
		if reason := interrupted(r.Cause); reason != "" {
			return "Failed to read fingerprint count (" + reason + ")"
		}
		return "Failed to read fingerprint count"
	case EnrollPhaseOneTimeout:
		return "Timeout waiting for first scan"
	case EnrollPhaseOneFailed:
		if reason := interrupted(r.Cause); reason != "" {
			return "First scan interrupted (" + reason + ")"
		}
		return "First scan failed - ensure finger is centered on sensor"
	case EnrollPhaseTwoTimeout:
		return "Timeout waiting for second scan"
	case EnrollPhaseTwoFailed:
		if reason := interrupted(r.Cause); reason != "" {
			return "Second scan interrupted (" + reason + ")"
		}
		return "Second scan failed"
	default:
		return "Registration failed"
	}
}

// Err 转换为应用错误，成功时返回nil
func (r EnrollResult) Err() error {
	switch r.Kind {
	case EnrollSuccess:
		return nil
	case EnrollLibraryFull:
		return errors.New(errors.ErrLibraryFull)
	case EnrollPhaseOneTimeout, EnrollPhaseTwoTimeout:
		return errors.New(errors.ErrProtocolTimeout, r.Message())
	default:
		if r.Cause != nil {
			return errors.Wrap(r.Cause, errors.ErrSensorFailed)
		}
		return errors.New(errors.ErrSensorFailed, r.Message())
	}
}

// VerifyKind 比对结果类型
type VerifyKind int

const (
	VerifySuccess VerifyKind = iota
	VerifyNoFinger
	VerifyNotFound
	VerifyOutOfPosition
	VerifyNoMatch
	VerifyFailed
)

// VerifyResult 指纹比对结果
type VerifyResult struct {
	Kind   VerifyKind
	UserID int  // 仅 VerifySuccess 时有效
	Status byte  // 传感器原始状态字节
	Framed bool  // 响应帧是否通过校验
	Cause  error // 收发失败的原始错误
}

// OK 是否比对成功
func (r VerifyResult) OK() bool { return r.Kind == VerifySuccess }

// Message 返回可读描述
func (r VerifyResult) Message() string {
	switch r.Kind {
	case VerifySuccess:
		return "Fingerprint verified"
	case VerifyNoFinger:
		return "Timeout - no finger detected"
	case VerifyNotFound:
		return "Fingerprint not found in database"
	case VerifyOutOfPosition:
		return "Finger not centered properly - please try again"
	case VerifyNoMatch:
		return "No fingerprint detected"
	default:
		if !r.Framed {
			if reason := interrupted(r.Cause); reason != "" {
				return "Verification interrupted (" + reason + ")"
			}
			return "Verification failed (invalid response frame)"
		}
		return fmt.Sprintf("Verification failed (error code: 0x%02X)", r.Status)
	}
}

// Err 转换为应用错误，成功时返回nil
func (r VerifyResult) Err() error {
	switch r.Kind {
	case VerifySuccess:
		return nil
	case VerifyNoFinger:
		return errors.New(errors.ErrProtocolTimeout, r.Message())
	case VerifyNotFound:
		return errors.New(errors.ErrUserNotFound)
	case VerifyOutOfPosition:
		return errors.New(errors.ErrOutOfPosition)
	default:
		if r.Cause != nil {
			return errors.Wrap(r.Cause, errors.ErrSensorFailed)
		}
		return errors.New(errors.ErrSensorFailed, r.Message())
	}
}

// interrupted 取消或串口故障导致的失败原因，超时和帧错误返回空串
func interrupted(cause error) string {
	switch {
	case cause == nil, errors.Is(cause, errors.ErrProtocolFraming), errors.Is(cause, errors.ErrProtocolTimeout):
		return ""
	case errors.Is(cause, errors.ErrCanceled):
		return "canceled"
	default:
		return "sensor communication error"
	}
}
