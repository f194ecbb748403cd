package hardware

import (
	"context"
	"sort"
	"sync"

	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/fingerprint"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
)

// Player 提示音播放
type Player interface {
	Play(ctx context.Context, cue string)
}

type halter interface {
	Halt() error
}

// Devices 持有全部硬件句柄，Close 在任何退出路径上释放
type Devices struct {
	mu     sync.Mutex
	closed bool
	log    *zap.Logger

	Port      SerialPort
	Reset     *OutputLine
	Infrared  *InfraredSensor
	Motors    map[int]*StepperMotor
	Audio     Player
	Simulator *fingerprint.SimulatedPort // 仅调试模式

	pins []halter
}

// Open 按配置打开硬件，调试模式下使用模拟设备
func Open(cfg *config.Config) (d *Devices, err error) {
	d = &Devices{
		log:    logger.GetModuleLogger("device"),
		Motors: make(map[int]*StepperMotor),
	}
	defer func() {
		if err != nil {
			d.Close()
			d = nil
		}
	}()

	if cfg.Hardware.MockMode {
		d.openSimulated(cfg)
		d.log.Info("hardware opened in mock mode", zap.Int("mock_user", cfg.Hardware.MockUser))
		return d, nil
	}

	if d.Port, err = OpenSensorPort(&cfg.Sensor); err != nil {
		return d, err
	}

	if cfg.Sensor.ResetPin != "" {
		pin, err := openOutput(cfg.Sensor.ResetPin, gpio.High)
		if err != nil {
			return d, err
		}
		d.pins = append(d.pins, pin)
		d.Reset = NewOutputLine(pin)
	}

	irPin, err := openInput(cfg.Infrared.Pin)
	if err != nil {
		return d, err
	}
	d.pins = append(d.pins, irPin)
	d.Infrared = NewInfraredSensor(irPin, cfg.Infrared.PollInterval)

	for _, mc := range cfg.Motor.Motors {
		if len(mc.Pins) != 4 {
			return d, errors.Newf(errors.ErrConfigMissing, "motor %d needs 4 coil pins, got %d", mc.ID, len(mc.Pins))
		}
		var coils [4]OutputPin
		for i, name := range mc.Pins {
			pin, err := openOutput(name, gpio.Low)
			if err != nil {
				return d, err
			}
			d.pins = append(d.pins, pin)
			coils[i] = pin
		}
		d.Motors[mc.ID] = NewStepperMotor(mc.ID, coils)
	}

	d.Audio = NewAudioPlayer(&cfg.Audio)

	d.log.Info("hardware opened",
		zap.Ints("motors", d.MotorIDs()),
		zap.String("infrared_pin", cfg.Infrared.Pin))
	return d, nil
}

func (d *Devices) openSimulated(cfg *config.Config) {
	d.Simulator = fingerprint.NewSimulatedPort(0, cfg.Hardware.MockUser)
	d.Port = d.Simulator

	resetPin := NewSimulatedPin("reset", gpio.High)
	d.Reset = NewOutputLine(resetPin)

	// 模拟手一直在出药口
	irPin := NewSimulatedPin("infrared", gpio.Low)
	d.Infrared = NewInfraredSensor(irPin, cfg.Infrared.PollInterval)
	d.pins = append(d.pins, resetPin, irPin)

	for _, mc := range cfg.Motor.Motors {
		var coils [4]OutputPin
		for i := range coils {
			pin := NewSimulatedPin("coil", gpio.Low)
			d.pins = append(d.pins, pin)
			coils[i] = pin
		}
		d.Motors[mc.ID] = NewStepperMotor(mc.ID, coils)
	}

	d.Audio = NewSilentPlayer()
}

// MotorIDs 已配置的电机编号
func (d *Devices) MotorIDs() []int {
	ids := make([]int, 0, len(d.Motors))
	for id := range d.Motors {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ReleaseMotors 释放所有电机线圈
func (d *Devices) ReleaseMotors() error {
	var err error
	for _, id := range d.MotorIDs() {
		err = multierr.Append(err, d.Motors[id].Release())
	}
	return err
}

// Close 释放电机、关闭串口并停止引脚，可重复调用
func (d *Devices) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	err := d.ReleaseMotors()
	if d.Port != nil {
		err = multierr.Append(err, d.Port.Close())
	}
	for _, p := range d.pins {
		err = multierr.Append(err, p.Halt())
	}

	if err != nil {
		d.log.Warn("hardware cleanup finished with errors", zap.Error(err))
	} else {
		d.log.Info("hardware released")
	}
	return err
}
