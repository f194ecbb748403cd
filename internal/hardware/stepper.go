package hardware

import (
	"sync"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"periph.io/x/conn/v3/gpio"
)

// 双相励磁整步时序
var fullStepSequence = [4][4]gpio.Level{
	{gpio.High, gpio.High, gpio.Low, gpio.Low},
	{gpio.Low, gpio.High, gpio.High, gpio.Low},
	{gpio.Low, gpio.Low, gpio.High, gpio.High},
	{gpio.High, gpio.Low, gpio.Low, gpio.High},
}

// StepperMotor 四线步进电机
type StepperMotor struct {
	mu    sync.Mutex
	id    int
	coils [4]OutputPin
	phase int
	steps int
}

// NewStepperMotor 创建步进电机
func NewStepperMotor(id int, coils [4]OutputPin) *StepperMotor {
	return &StepperMotor{id: id, coils: coils}
}

// ID 电机编号
func (m *StepperMotor) ID() int { return m.id }

// Step 单步转动
func (m *StepperMotor) Step(forward bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.phase + 1
	if !forward {
		next = m.phase + 3
	}
	next %= len(fullStepSequence)

	if err := m.apply(fullStepSequence[next]); err != nil {
		return errors.Wrapf(err, errors.ErrMotorFault, "motor %d step", m.id)
	}
	m.phase = next
	m.steps++
	return nil
}

// Release 断开所有线圈，避免持续保持电流
func (m *StepperMotor) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.apply([4]gpio.Level{gpio.Low, gpio.Low, gpio.Low, gpio.Low}); err != nil {
		return errors.Wrapf(err, errors.ErrMotorFault, "motor %d release", m.id)
	}
	return nil
}

// Steps 累计步数
func (m *StepperMotor) Steps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps
}

func (m *StepperMotor) apply(levels [4]gpio.Level) error {
	for i, pin := range m.coils {
		if err := pin.Out(levels[i]); err != nil {
			return err
		}
	}
	return nil
}
