package device

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/fingerprint"
)

// 后端命令
const (
	CmdUnlock              = "unlock"
	CmdLock                = "lock"
	CmdDispense            = "dispense"
	CmdRegisterFingerprint = "register_fingerprint"
	CmdCheckHand           = "check_hand"
)

// CommandNames 支持的命令
var CommandNames = []string{CmdUnlock, CmdLock, CmdDispense, CmdRegisterFingerprint, CmdCheckHand}

// 状态上报类型
const (
	StatusUnlocked              = "unlocked"
	StatusUnlockFailed          = "unlock_failed"
	StatusLocked                = "locked"
	StatusPillTaken             = "pill_taken"
	StatusFingerprintRegistered = "fingerprint_registered"
	StatusRegistrationFailed    = "registration_failed"
	StatusHandCheck             = "hand_check"
	StatusError                 = "error"
)

// 提示音
const (
	CueSuccess = "success"
	CueWarning = "warning"
)

// State 设备锁状态
type State int

const (
	Locked State = iota
	Unlocked
)

func (s State) String() string {
	if s == Unlocked {
		return "unlocked"
	}
	return "locked"
}

// Command 后端下发的命令
type Command struct {
	Kind   string                 `json:"command"`
	Params map[string]interface{} `json:"params"`
}

// Report 命令执行后的状态上报
type Report struct {
	StatusType string                 `json:"status_type"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data"`
}

// Sensor 指纹传感器
type Sensor interface {
	Verify(ctx context.Context) fingerprint.VerifyResult
	Enroll(ctx context.Context) fingerprint.EnrollResult
}

// Motor 步进电机驱动
type Motor interface {
	Step(forward bool) error
	Release() error
}

// HandDetector 红外手部检测
type HandDetector interface {
	HandDetected() bool
	WaitForHand(ctx context.Context, timeout time.Duration) bool
}

// Alerter 提示音
type Alerter interface {
	Play(ctx context.Context, cue string)
}

// Reporter 状态上报
type Reporter interface {
	SendStatus(ctx context.Context, r Report) error
}

// Options 出药机构参数
type Options struct {
	Segments           int
	StepsPerRevolution int
	StepDelay          time.Duration
	HandTimeout        time.Duration
}

// DefaultOptions 默认参数：15格药盘、200步/圈
func DefaultOptions() Options {
	return Options{
		Segments:           15,
		StepsPerRevolution: 200,
		StepDelay:          10 * time.Millisecond,
		HandTimeout:        30 * time.Second,
	}
}

// Rotation 从当前格转到目标格需要前进的格数
func Rotation(current, target, segments int) int {
	return ((target-current)%segments + segments) % segments
}

// StepsFor 格数换算为步数
func StepsFor(rotation, segments, stepsPerRevolution int) int {
	degrees := float64(rotation) * (360.0 / float64(segments))
	return int(math.Round(degrees / 360.0 * float64(stepsPerRevolution)))
}

// intParam 读取整数参数，兼容JSON解码后的float64
func intParam(params map[string]interface{}, key string) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, errors.Newf(errors.ErrInvalidCommand, "dispense requires %s", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, errors.Newf(errors.ErrInvalidCommand, "%s must be an integer, got %v", key, n)
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, errors.Newf(errors.ErrInvalidCommand, "%s must be an integer, got %s", key, n)
		}
		return int(i), nil
	default:
		return 0, errors.Newf(errors.ErrInvalidCommand, "%s must be an integer, got %T", key, v)
	}
}
