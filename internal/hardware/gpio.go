package hardware

import (
	"sync"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// InputPin 数字输入引脚
type InputPin interface {
	Read() gpio.Level
}

// OutputPin 数字输出引脚
type OutputPin interface {
	Out(l gpio.Level) error
}

var (
	hostOnce sync.Once
	hostErr  error
)

// initHost 加载periph驱动，只执行一次
func initHost() error {
	hostOnce.Do(func() {
		_, hostErr = host.Init()
	})
	if hostErr != nil {
		return errors.Wrap(hostErr, errors.ErrGPIO, "host init")
	}
	return nil
}

func lookupPin(name string) (gpio.PinIO, error) {
	if err := initHost(); err != nil {
		return nil, err
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Newf(errors.ErrGPIO, "pin %s not found", name)
	}
	return p, nil
}

// openInput 打开上拉输入引脚
func openInput(name string) (gpio.PinIO, error) {
	p, err := lookupPin(name)
	if err != nil {
		return nil, err
	}
	if err := p.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return nil, errors.Wrapf(err, errors.ErrGPIO, "configure %s as input", name)
	}
	return p, nil
}

// openOutput 打开输出引脚并设置初始电平
func openOutput(name string, initial gpio.Level) (gpio.PinIO, error) {
	p, err := lookupPin(name)
	if err != nil {
		return nil, err
	}
	if err := p.Out(initial); err != nil {
		return nil, errors.Wrapf(err, errors.ErrGPIO, "configure %s as output", name)
	}
	return p, nil
}

// OutputLine 单个输出引脚，用作传感器复位线
type OutputLine struct {
	pin OutputPin
}

// NewOutputLine 创建输出线
func NewOutputLine(pin OutputPin) *OutputLine {
	return &OutputLine{pin: pin}
}

// SetHigh 设置电平
func (l *OutputLine) SetHigh(high bool) error {
	level := gpio.Low
	if high {
		level = gpio.High
	}
	if err := l.pin.Out(level); err != nil {
		return errors.Wrap(err, errors.ErrGPIO)
	}
	return nil
}

// SimulatedPin 模拟引脚，记录所有输出
type SimulatedPin struct {
	mu     sync.Mutex
	name   string
	level  gpio.Level
	writes []gpio.Level
	reads  int
	err    error
}

// NewSimulatedPin 创建模拟引脚
func NewSimulatedPin(name string, level gpio.Level) *SimulatedPin {
	return &SimulatedPin{name: name, level: level}
}

// Name 引脚名
func (p *SimulatedPin) Name() string { return p.name }

// Read 读取电平
func (p *SimulatedPin) Read() gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	return p.level
}

// Out 输出电平
func (p *SimulatedPin) Out(l gpio.Level) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.level = l
	p.writes = append(p.writes, l)
	return nil
}

// Set 从外部改变输入电平
func (p *SimulatedPin) Set(l gpio.Level) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.level = l
}

// FailWith 之后的输出都返回该错误
func (p *SimulatedPin) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Writes 输出历史
func (p *SimulatedPin) Writes() []gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]gpio.Level, len(p.writes))
	copy(out, p.writes)
	return out
}

// Reads 读取次数
func (p *SimulatedPin) Reads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reads
}

// Halt 停止引脚
func (p *SimulatedPin) Halt() error { return nil }
