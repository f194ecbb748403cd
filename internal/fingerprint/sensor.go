package fingerprint

import (
	"context"
	stderrors "errors"
	"io"
	"sync"
	"time"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// Port 传感器串口，需支持清空输入缓冲
type Port interface {
	io.Reader
	io.Writer
	Flush() error
}

// ResetLine 传感器复位引脚
type ResetLine interface {
	SetHigh(high bool) error
}

// Timeouts 各命令的等待时长
type Timeouts struct {
	Threshold time.Duration
	Count     time.Duration
	Enroll    time.Duration // 每个录入阶段
	Match     time.Duration
	Clear     time.Duration
}

// DefaultTimeouts 默认等待时长
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Threshold: time.Second,
		Count:     100 * time.Millisecond,
		Enroll:    6 * time.Second,
		Match:     5 * time.Second,
		Clear:     5 * time.Second,
	}
}

const (
	defaultResetPulse = 250 * time.Millisecond
	defaultIdleSleep  = 5 * time.Millisecond
)

// Sensor 指纹传感器命令解释器，同一时刻只允许一次收发
type Sensor struct {
	mu         sync.Mutex
	port       Port
	reset      ResetLine
	resetPulse time.Duration
	timeouts   Timeouts
	idleSleep  time.Duration
	log        *zap.Logger
}

// Option 传感器选项
type Option func(*Sensor)

// WithTimeouts 设置命令等待时长，零值字段保留默认
func WithTimeouts(t Timeouts) Option {
	return func(s *Sensor) {
		if t.Threshold > 0 {
			s.timeouts.Threshold = t.Threshold
		}
		if t.Count > 0 {
			s.timeouts.Count = t.Count
		}
		if t.Enroll > 0 {
			s.timeouts.Enroll = t.Enroll
		}
		if t.Match > 0 {
			s.timeouts.Match = t.Match
		}
		if t.Clear > 0 {
			s.timeouts.Clear = t.Clear
		}
	}
}

// WithResetLine 设置复位引脚及脉冲宽度
func WithResetLine(line ResetLine, pulse time.Duration) Option {
	return func(s *Sensor) {
		s.reset = line
		if pulse > 0 {
			s.resetPulse = pulse
		}
	}
}

// WithLogger 设置日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Sensor) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSensor 创建传感器
func NewSensor(port Port, opts ...Option) *Sensor {
	s := &Sensor{
		port:       port,
		resetPulse: defaultResetPulse,
		timeouts:   DefaultTimeouts(),
		idleSleep:  defaultIdleSleep,
		log:        logger.GetModuleLogger("sensor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Timeouts 当前生效的等待时长
func (s *Sensor) Timeouts() Timeouts {
	return s.timeouts
}

// Reset 拉低复位引脚后再拉高，未配置引脚时直接返回
func (s *Sensor) Reset(ctx context.Context) error {
	if s.reset == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reset.SetHigh(false); err != nil {
		return errors.Wrap(err, errors.ErrSensorFailed, "reset low")
	}
	if err := sleepCtx(ctx, s.resetPulse); err != nil {
		return errors.Wrap(err, errors.ErrCanceled)
	}
	if err := s.reset.SetHigh(true); err != nil {
		return errors.Wrap(err, errors.ErrSensorFailed, "reset high")
	}
	if err := sleepCtx(ctx, s.resetPulse); err != nil {
		return errors.Wrap(err, errors.ErrCanceled)
	}
	return nil
}

// Start 复位传感器并设置比对等级，返回传感器实际采用的等级
func (s *Sensor) Start(ctx context.Context, level int) (int, error) {
	if err := s.Reset(ctx); err != nil {
		return 0, err
	}
	return s.SetMatchThreshold(ctx, level)
}

// SetMatchThreshold 设置比对等级（0-9，越大越严格）
func (s *Sensor) SetMatchThreshold(ctx context.Context, level int) (int, error) {
	if level < 0 || level > 9 {
		return 0, errors.Newf(errors.ErrInvalidParam, "match threshold %d out of range 0..9", level)
	}
	resp, err := s.exchange(ctx, [5]byte{CmdCompareLv, 0, byte(level), 0, 0}, s.timeouts.Threshold)
	if err != nil {
		return 0, err
	}
	if resp.Outcome() != OutcomeSuccess {
		return 0, errors.Newf(errors.ErrSensorFailed, "set threshold: status 0x%02X", resp.Status())
	}
	return int(resp.Payload[2]), nil
}

// UserCount 查询已登记指纹数量
func (s *Sensor) UserCount(ctx context.Context) (int, error) {
	resp, err := s.exchange(ctx, [5]byte{CmdUserCount, 0, 0, 0, 0}, s.timeouts.Count)
	if err != nil {
		return 0, err
	}
	if resp.Outcome() != OutcomeSuccess {
		return 0, errors.Newf(errors.ErrSensorFailed, "user count: status 0x%02X", resp.Status())
	}
	return resp.Value16(), nil
}

// Enroll 两阶段录入新指纹，用户ID为当前数量+1
func (s *Sensor) Enroll(ctx context.Context) EnrollResult {
	count, err := s.UserCount(ctx)
	if err != nil {
		s.log.Warn("enroll aborted: user count failed", zap.Error(err))
		return EnrollResult{Kind: EnrollCountFailed, Cause: err}
	}
	if count >= MaxUsers {
		return EnrollResult{Kind: EnrollLibraryFull}
	}

	id := count + 1
	hi, lo := splitUint16(id)

	if kind, err := s.enrollPhase(ctx, CmdAddStep1, hi, lo, EnrollPhaseOneTimeout, EnrollPhaseOneFailed); kind != EnrollSuccess {
		return EnrollResult{Kind: kind, Cause: err}
	}
	if kind, err := s.enrollPhase(ctx, CmdAddStep3, hi, lo, EnrollPhaseTwoTimeout, EnrollPhaseTwoFailed); kind != EnrollSuccess {
		return EnrollResult{Kind: kind, Cause: err}
	}

	s.log.Info("fingerprint enrolled", zap.Int("user_id", id))
	return EnrollResult{Kind: EnrollSuccess, UserID: id}
}

// enrollPhase 执行一个录入阶段，返回的错误仅在非超时的收发失败时非空
func (s *Sensor) enrollPhase(ctx context.Context, opcode, hi, lo byte, onTimeout, onFail EnrollKind) (EnrollKind, error) {
	resp, err := s.exchange(ctx, [5]byte{opcode, hi, lo, defaultPrivilege, 0}, s.timeouts.Enroll)
	switch {
	case errors.Is(err, errors.ErrProtocolTimeout):
		return onTimeout, nil
	case err != nil:
		s.log.Warn("enroll phase aborted", zap.Uint8("opcode", opcode), zap.Error(err))
		return onFail, err
	}
	switch resp.Outcome() {
	case OutcomeSuccess:
		return EnrollSuccess, nil
	case OutcomeLibraryFull:
		return EnrollLibraryFull, nil
	default:
		return onFail, nil
	}
}

// Verify 1:N 比对，先区分传感器特定状态码，再按用户ID范围判断
func (s *Sensor) Verify(ctx context.Context) VerifyResult {
	resp, err := s.exchange(ctx, [5]byte{CmdMatch, 0, 0, 0, 0}, s.timeouts.Match)
	if err != nil {
		if errors.Is(err, errors.ErrProtocolTimeout) {
			return VerifyResult{Kind: VerifyNoFinger}
		}
		return VerifyResult{Kind: VerifyFailed, Cause: err}
	}

	status := resp.Status()
	r := VerifyResult{Status: status, Framed: true}
	switch {
	case status == AckNoUser:
		r.Kind = VerifyNotFound
	case status == AckGoOut:
		r.Kind = VerifyOutOfPosition
	case status == 0x00:
		r.Kind = VerifyNoMatch
	case status >= 0x01 && status <= 0xFE:
		r.Kind = VerifySuccess
		r.UserID = int(status)
	default:
		r.Kind = VerifyFailed
	}
	return r
}

// ClearAllUsers 删除全部指纹
func (s *Sensor) ClearAllUsers(ctx context.Context) error {
	resp, err := s.exchange(ctx, [5]byte{CmdDeleteAll, 0, 0, 0, 0}, s.timeouts.Clear)
	if err != nil {
		return err
	}
	if resp.Outcome() != OutcomeSuccess {
		return errors.Newf(errors.ErrSensorFailed, "clear users: status 0x%02X", resp.Status())
	}
	return nil
}

// exchange 清空输入缓冲、发送命令并在截止时间内读取一帧
func (s *Sensor) exchange(ctx context.Context, cmd [5]byte, budget time.Duration) (resp Response, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := Encode(cmd[0], cmd[1], cmd[2], cmd[3], cmd[4])
	rx := make([]byte, 0, FrameLen)
	start := time.Now()
	defer func() {
		logger.LogSensorExchange(cmd[0], tx[:], rx, time.Since(start), err)
	}()

	if err = s.port.Flush(); err != nil {
		return resp, errors.Wrap(err, errors.ErrSerialPortRead, "flush input")
	}
	if _, err = s.port.Write(tx[:]); err != nil {
		return resp, errors.Wrap(err, errors.ErrSerialPortWrite)
	}

	deadline := start.Add(budget)
	chunk := make([]byte, FrameLen)
	for len(rx) < FrameLen {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resp, errors.Wrap(ctxErr, errors.ErrCanceled)
		}
		if !time.Now().Before(deadline) {
			break
		}

		n, readErr := s.port.Read(chunk[:FrameLen-len(rx)])
		rx = append(rx, chunk[:n]...)
		if readErr != nil && !stderrors.Is(readErr, io.EOF) {
			return resp, errors.Wrap(readErr, errors.ErrSerialPortRead)
		}
		if n == 0 {
			// 无数据时短暂休眠，不超过截止时间
			wait := s.idleSleep
			if remain := time.Until(deadline); remain < wait {
				wait = remain
			}
			if wait > 0 {
				if sleepErr := sleepCtx(ctx, wait); sleepErr != nil {
					return resp, errors.Wrap(sleepErr, errors.ErrCanceled)
				}
			}
		}
	}

	resp, err = Decode(rx, cmd[0])
	if err != nil {
		if stderrors.Is(err, ErrIncompleteFrame) {
			return resp, errors.Newf(errors.ErrProtocolTimeout, "opcode 0x%02X: got %d of %d bytes in %s", cmd[0], len(rx), FrameLen, budget).WithCause(err)
		}
		return resp, errors.Wrap(err, errors.ErrProtocolFraming)
	}
	return resp, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
