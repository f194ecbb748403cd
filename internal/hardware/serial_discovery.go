package hardware

import (
	"os"
	"sort"
	"strings"

	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/logger"
	bugserial "go.bug.st/serial"
	"go.uber.org/zap"
)

// AutoPort 自动发现串口
const AutoPort = "auto"

// 树莓派上传感器可能出现的设备名，按优先级排列
var portPreference = []string{"/dev/serial0", "/dev/ttyAMA", "/dev/ttyS", "/dev/ttyUSB", "/dev/ttyACM"}

// listPorts 枚举系统串口，测试时可替换
var listPorts = bugserial.GetPortsList

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DiscoverPorts 返回按优先级排序的候选串口
func DiscoverPorts() ([]string, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSerialPortOpen, "list serial ports")
	}

	// /dev/serial0 是符号链接，不一定出现在枚举结果中
	if SerialPortExists(portPreference[0]) {
		ports = append(ports, portPreference[0])
	}

	seen := make(map[string]bool, len(ports))
	var candidates []string
	for _, p := range ports {
		if seen[p] || rank(p) < 0 {
			continue
		}
		seen[p] = true
		candidates = append(candidates, p)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := rank(candidates[i]), rank(candidates[j])
		if ri != rj {
			return ri < rj
		}
		return candidates[i] < candidates[j]
	})
	return candidates, nil
}

// ResolvePort 配置为 auto 时自动选取第一个候选串口
func ResolvePort(configured string) (string, error) {
	if configured != "" && configured != AutoPort {
		return configured, nil
	}

	candidates, err := DiscoverPorts()
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", errors.New(errors.ErrSerialPortOpen, "no serial port found")
	}

	logger.GetModuleLogger("sensor").Info("serial port discovered",
		zap.String("device", candidates[0]),
		zap.Strings("candidates", candidates))
	return candidates[0], nil
}

func rank(path string) int {
	for i, prefix := range portPreference {
		if strings.HasPrefix(path, prefix) {
			return i
		}
	}
	return -1
}
