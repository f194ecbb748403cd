package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Orchestrator 设备状态机，负责开锁、上锁、出药和录入指纹
type Orchestrator struct {
	exec sync.Mutex // 同一时刻只执行一条命令

	mu        sync.RWMutex
	state     State
	positions map[int]int

	sensor   Sensor
	motors   map[int]Motor
	hand     HandDetector
	alert    Alerter
	reporter Reporter
	opts     Options
	now      func() time.Time
	log      *zap.Logger
}

// New 创建编排器，初始状态为上锁，各电机位于第0格
func New(sensor Sensor, motors map[int]Motor, hand HandDetector, alert Alerter, reporter Reporter, opts Options) *Orchestrator {
	def := DefaultOptions()
	if opts.Segments <= 0 {
		opts.Segments = def.Segments
	}
	if opts.StepsPerRevolution <= 0 {
		opts.StepsPerRevolution = def.StepsPerRevolution
	}
	if opts.HandTimeout <= 0 {
		opts.HandTimeout = def.HandTimeout
	}

	positions := make(map[int]int, len(motors))
	for id := range motors {
		positions[id] = 0
	}

	return &Orchestrator{
		state:     Locked,
		positions: positions,
		sensor:    sensor,
		motors:    motors,
		hand:      hand,
		alert:     alert,
		reporter:  reporter,
		opts:      opts,
		now:       time.Now,
		log:       logger.GetModuleLogger("device"),
	}
}

// State 当前锁状态
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Locked 是否上锁
func (o *Orchestrator) Locked() bool {
	return o.State() == Locked
}

// Positions 各电机当前对准出药口的格号
func (o *Orchestrator) Positions() map[int]int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[int]int, len(o.positions))
	for id, seg := range o.positions {
		out[id] = seg
	}
	return out
}

// ReleaseAll 释放所有电机线圈
func (o *Orchestrator) ReleaseAll() error {
	ids := make([]int, 0, len(o.motors))
	for id := range o.motors {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var err error
	for _, id := range ids {
		err = multierr.Append(err, o.motors[id].Release())
	}
	return err
}

// Execute 执行一条命令，恰好产生一次状态上报和一次提示音
func (o *Orchestrator) Execute(ctx context.Context, cmd Command) Report {
	o.exec.Lock()
	defer o.exec.Unlock()

	o.log.Info("executing command", zap.String("command", cmd.Kind), zap.Any("params", cmd.Params))

	var (
		report Report
		ok     bool
	)
	switch cmd.Kind {
	case CmdUnlock:
		report, ok = o.unlock(ctx)
	case CmdLock:
		report, ok = o.lock()
	case CmdDispense:
		report, ok = o.dispense(ctx, cmd.Params)
	case CmdRegisterFingerprint:
		report, ok = o.register(ctx)
	case CmdCheckHand:
		report, ok = o.checkHand()
	default:
		report, ok = newReport(StatusError, map[string]interface{}{
			"message": fmt.Sprintf("unknown command: %s", cmd.Kind),
		}), false
	}
	report.Timestamp = o.now()

	if o.alert != nil {
		if ok {
			o.alert.Play(ctx, CueSuccess)
		} else {
			o.alert.Play(ctx, CueWarning)
		}
	}

	if o.reporter != nil {
		if err := o.reporter.SendStatus(ctx, report); err != nil {
			o.log.Warn("status report dropped",
				zap.String("status_type", report.StatusType),
				zap.Error(err))
		}
	}
	return report
}

func (o *Orchestrator) unlock(ctx context.Context) (Report, bool) {
	r := o.sensor.Verify(ctx)
	if !r.OK() {
		o.log.Info("unlock failed", zap.String("reason", r.Message()))
		return newReport(StatusUnlockFailed, map[string]interface{}{
			"message":   r.Message(),
			"retryable": errors.IsRetryable(r.Err()),
		}), false
	}

	o.setState(Unlocked)
	o.log.Info("device unlocked", zap.Int("user_id", r.UserID))
	return newReport(StatusUnlocked, map[string]interface{}{
		"user_id": r.UserID,
		"message": r.Message(),
	}), true
}

func (o *Orchestrator) lock() (Report, bool) {
	o.setState(Locked)
	return newReport(StatusLocked, map[string]interface{}{"message": "Device locked"}), true
}

func (o *Orchestrator) dispense(ctx context.Context, params map[string]interface{}) (Report, bool) {
	if o.Locked() {
		return errorReport(errors.New(errors.ErrDeviceLocked).Message), false
	}

	motorID, err := intParam(params, "motor_id")
	if err != nil {
		return o.rejected(err), false
	}
	segment, err := intParam(params, "segment")
	if err != nil {
		return o.rejected(err), false
	}

	motor, err := o.motor(motorID)
	if err != nil {
		return o.rejected(err), false
	}
	if segment < 0 || segment >= o.opts.Segments {
		return o.rejected(errors.Newf(errors.ErrInvalidCommand, "Invalid segment: %d. Must be 0-%d", segment, o.opts.Segments-1)), false
	}

	current := o.Positions()[motorID]
	rotation := Rotation(current, segment, o.opts.Segments)
	steps := StepsFor(rotation, o.opts.Segments, o.opts.StepsPerRevolution)

	if steps > 0 {
		if err := o.rotate(ctx, motor, steps, true); err != nil {
			o.log.Error("motor rotation failed",
				zap.Int("motor_id", motorID),
				zap.Int("segment", segment),
				zap.Error(err))
			return errorReport(fmt.Sprintf("Motor error: %v", err)), false
		}
	}
	o.setPosition(motorID, segment)

	o.log.Info("pill dispensed",
		zap.Int("motor_id", motorID),
		zap.Int("from", current),
		zap.Int("segment", segment),
		zap.Int("steps", steps))

	taken := o.hand.WaitForHand(ctx, o.opts.HandTimeout)
	if !taken {
		o.log.Info("no hand detected", zap.Duration("timeout", o.opts.HandTimeout))
	}
	return newReport(StatusPillTaken, map[string]interface{}{
		"motor_id": motorID,
		"segment":  segment,
		"steps":    steps,
		"taken":    taken,
	}), taken
}

// Rotate 手动转动药盘若干格，成功后按转动方向更新当前格号；不受锁状态限制
func (o *Orchestrator) Rotate(ctx context.Context, motorID, segments int, forward bool) (int, error) {
	o.exec.Lock()
	defer o.exec.Unlock()

	motor, err := o.motor(motorID)
	if err != nil {
		return 0, err
	}
	if segments < 0 {
		return 0, errors.Newf(errors.ErrInvalidParam, "segments must be non-negative, got %d", segments)
	}

	current := o.Positions()[motorID]
	steps := StepsFor(segments, o.opts.Segments, o.opts.StepsPerRevolution)
	if steps > 0 {
		if err := o.rotate(ctx, motor, steps, forward); err != nil {
			o.log.Error("manual rotation failed", zap.Int("motor_id", motorID), zap.Error(err))
			return current, err
		}
	}

	delta := segments
	if !forward {
		delta = -segments
	}
	next := ((current+delta)%o.opts.Segments + o.opts.Segments) % o.opts.Segments
	o.setPosition(motorID, next)

	o.log.Info("carousel rotated",
		zap.Int("motor_id", motorID),
		zap.Int("segments", segments),
		zap.Bool("forward", forward),
		zap.Int("from", current),
		zap.Int("to", next),
		zap.Int("steps", steps))
	return next, nil
}

func (o *Orchestrator) motor(id int) (Motor, error) {
	m, ok := o.motors[id]
	if !ok {
		return nil, errors.Newf(errors.ErrInvalidCommand, "Invalid motor ID: %d", id)
	}
	return m, nil
}

// rotate 逐步转动，结束后释放线圈
func (o *Orchestrator) rotate(ctx context.Context, motor Motor, steps int, forward bool) error {
	var stepErr error
	for i := 0; i < steps; i++ {
		if err := motor.Step(forward); err != nil {
			stepErr = err
			break
		}
		if o.opts.StepDelay > 0 {
			if err := sleepCtx(ctx, o.opts.StepDelay); err != nil {
				stepErr = errors.Wrapf(err, errors.ErrCanceled, "rotation interrupted after %d steps", i+1)
				break
			}
		}
	}

	if err := motor.Release(); err != nil {
		o.log.Warn("motor release failed", zap.Error(err))
	}
	return stepErr
}

func (o *Orchestrator) register(ctx context.Context) (Report, bool) {
	r := o.sensor.Enroll(ctx)
	if !r.OK() {
		return newReport(StatusRegistrationFailed, map[string]interface{}{
			"message":   r.Message(),
			"retryable": errors.IsRetryable(r.Err()),
		}), false
	}
	return newReport(StatusFingerprintRegistered, map[string]interface{}{
		"user_id": r.UserID,
		"message": r.Message(),
	}), true
}

func (o *Orchestrator) checkHand() (Report, bool) {
	detected := o.hand.HandDetected()
	return newReport(StatusHandCheck, map[string]interface{}{"detected": detected}), true
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *Orchestrator) setPosition(motorID, segment int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.positions[motorID] = segment
}

func newReport(statusType string, data map[string]interface{}) Report {
	return Report{StatusType: statusType, Data: data}
}

// rejected 参数校验失败的上报，消息取错误详情
func (o *Orchestrator) rejected(err error) Report {
	o.log.Info("command rejected", zap.Error(err))
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Details != "" {
		return errorReport(appErr.Details)
	}
	return errorReport(err.Error())
}

func errorReport(message string) Report {
	return newReport(StatusError, map[string]interface{}{"message": message})
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
