package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/wfunc/pill-dispenser/internal/agent"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/errors"
	"github.com/wfunc/pill-dispenser/internal/hardware"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// 版本信息
var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// 退出码
const (
	exitOK       = 0
	exitFailure  = 1
	exitUsage    = 2
	exitHardware = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "", "配置文件路径")
		mock        = flag.Bool("mock", false, "使用模拟硬件")
		showVersion = flag.Bool("version", false, "显示版本信息")
	)
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		printVersion()
		return exitOK
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		return exitUsage
	}

	if err := config.Init(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return exitFailure
	}
	cfg := config.Get()
	if *mock {
		cfg.Hardware.MockMode = true
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return exitFailure
	}
	defer logger.Cleanup()

	config.Watch(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
		logger.Info("log level reloaded", zap.String("level", newCfg.Log.Level))
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "run":
		if err := applyRunArgs(cfg, rest); err != nil {
			fmt.Fprintln(os.Stderr, err)
			printUsage()
			return exitUsage
		}
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "配置无效: %v\n", err)
			return exitUsage
		}
		return withDevices(cfg, func(d *hardware.Devices) error {
			return agent.NewRuntime(cfg, d).Run(ctx)
		})
	case "count", "enroll", "verify", "clear", "threshold", "rotate", "hand":
		return withDevices(cfg, func(d *hardware.Devices) error {
			return maintenance(ctx, cfg, d, cmd, rest)
		})
	default:
		fmt.Fprintf(os.Stderr, "未知命令: %s\n", cmd)
		printUsage()
		return exitUsage
	}
}

// applyRunArgs 位置参数覆盖配置：<backend_url> <device_id> [poll_interval_seconds]
func applyRunArgs(cfg *config.Config, args []string) error {
	if len(args) > 3 {
		return fmt.Errorf("too many arguments")
	}
	if len(args) >= 1 {
		cfg.Backend.URL = args[0]
	}
	if len(args) >= 2 {
		cfg.Backend.DeviceID = args[1]
	}
	if len(args) == 3 {
		secs, err := strconv.ParseFloat(args[2], 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("invalid poll interval: %s", args[2])
		}
		cfg.Backend.PollInterval = time.Duration(secs * float64(time.Second))
	}
	if cfg.Backend.URL == "" || cfg.Backend.DeviceID == "" {
		return fmt.Errorf("backend_url and device_id are required")
	}
	return nil
}

// withDevices 打开硬件并保证在任何退出路径上释放
func withDevices(cfg *config.Config, fn func(d *hardware.Devices) error) int {
	d, err := hardware.Open(cfg)
	if err != nil {
		logger.Error("open hardware failed", zap.Error(err), zap.Bool("critical", errors.IsCritical(err)))
		return exitHardware
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn("hardware close failed", zap.Error(err))
		}
	}()

	if err := fn(d); err != nil {
		logger.Error("command failed", zap.Error(err), zap.Bool("retryable", errors.IsRetryable(err)))
		var appErr *errors.AppError
		if stderrors.As(err, &appErr) {
			logger.Debug("error origin", zap.String("stack", appErr.GetStack()))
		}
		return exitFailure
	}
	return exitOK
}

func printVersion() {
	fmt.Printf("药盒设备端\n")
	fmt.Printf("版本: %s\n", Version)
	fmt.Printf("构建时间: %s\n", BuildTime)
	fmt.Printf("Git提交: %s\n", GitCommit)
	fmt.Printf("Go版本: %s\n", runtime.Version())
	fmt.Printf("操作系统: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printUsage() {
	out := flag.CommandLine.Output()
	fmt.Fprintln(out, "药盒设备端")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "用法:")
	fmt.Fprintln(out, "  dispenser [选项] run <backend_url> <device_id> [poll_interval_seconds=5]")
	fmt.Fprintln(out, "  dispenser [选项] count")
	fmt.Fprintln(out, "  dispenser [选项] enroll")
	fmt.Fprintln(out, "  dispenser [选项] verify")
	fmt.Fprintln(out, "  dispenser [选项] clear")
	fmt.Fprintln(out, "  dispenser [选项] threshold <0-9>")
	fmt.Fprintln(out, "  dispenser [选项] rotate <motor_id> <segments> [forward|backward]")
	fmt.Fprintln(out, "  dispenser [选项] hand")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "选项:")
	flag.PrintDefaults()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "环境变量:")
	fmt.Fprintln(out, "  PILL_DISPENSER_BACKEND_URL          后端地址")
	fmt.Fprintln(out, "  PILL_DISPENSER_HARDWARE_MOCK_MODE   使用模拟硬件")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "示例:")
	fmt.Fprintln(out, "  dispenser run http://localhost:3000 rita-01 5")
	fmt.Fprintln(out, "  dispenser -mock -config=config.yaml enroll")
}
