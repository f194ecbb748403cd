package hardware

import (
	"io"
	"time"

	"github.com/tarm/serial"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// tarm/serial 以 VTIME 实现读超时，单位为0.1秒
const serialReadTimeoutUnit = 100 * time.Millisecond

// SerialPort 传感器串口，Flush 丢弃输入缓冲区中的残留字节
type SerialPort interface {
	io.ReadWriteCloser
	Flush() error
}

// openPort 打开串口，测试时可替换
var openPort = func(c *serial.Config) (SerialPort, error) {
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// OpenSensorPort 按配置打开指纹传感器串口（8N1）
func OpenSensorPort(cfg *config.SensorConfig) (SerialPort, error) {
	name, err := ResolvePort(cfg.Port)
	if err != nil {
		return nil, err
	}

	readTimeout := effectiveReadTimeout(cfg.ReadTimeout)
	baud := cfg.BaudRate
	if baud <= 0 {
		baud = 19200
	}

	port, err := openPort(&serial.Config{
		Name:        name,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrSerialPortOpen, "open %s", name)
	}

	logger.GetModuleLogger("sensor").Info("sensor serial port opened",
		zap.String("port", name),
		zap.Int("baud_rate", baud),
		zap.Duration("read_timeout", readTimeout))
	return port, nil
}

// effectiveReadTimeout 向上取整到0.1秒，与驱动实际生效的值一致
func effectiveReadTimeout(d time.Duration) time.Duration {
	if d <= serialReadTimeoutUnit {
		return serialReadTimeoutUnit
	}
	return (d + serialReadTimeoutUnit - 1) / serialReadTimeoutUnit * serialReadTimeoutUnit
}
