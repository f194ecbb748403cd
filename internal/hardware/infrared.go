package hardware

import (
	"context"
	"time"

	"periph.io/x/conn/v3/gpio"
)

const defaultInfraredPoll = 100 * time.Millisecond

// InfraredSensor 红外避障传感器，检测到物体时输出低电平
type InfraredSensor struct {
	pin  InputPin
	poll time.Duration
}

// NewInfraredSensor 创建红外传感器
func NewInfraredSensor(pin InputPin, poll time.Duration) *InfraredSensor {
	if poll <= 0 {
		poll = defaultInfraredPoll
	}
	return &InfraredSensor{pin: pin, poll: poll}
}

// HandDetected 当前是否检测到手
func (s *InfraredSensor) HandDetected() bool {
	return s.pin.Read() == gpio.Low
}

// WaitForHand 在超时内等待手出现
func (s *InfraredSensor) WaitForHand(ctx context.Context, timeout time.Duration) bool {
	return s.waitFor(ctx, timeout, true)
}

// WaitForHandRemoval 在超时内等待手离开
func (s *InfraredSensor) WaitForHandRemoval(ctx context.Context, timeout time.Duration) bool {
	return s.waitFor(ctx, timeout, false)
}

func (s *InfraredSensor) waitFor(ctx context.Context, timeout time.Duration, present bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		if s.HandDetected() == present {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
