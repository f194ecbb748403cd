package agent

import (
	"context"

	"github.com/wfunc/pill-dispenser/internal/backend"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/device"
	"github.com/wfunc/pill-dispenser/internal/fingerprint"
	"github.com/wfunc/pill-dispenser/internal/hardware"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// Runtime 组装好的设备端运行时
type Runtime struct {
	Devices      *hardware.Devices
	Sensor       *fingerprint.Sensor
	Orchestrator *device.Orchestrator
	Client       *backend.Client
	Loop         *Loop

	cfg *config.Config
	log *zap.Logger
}

// NewSensor 按配置在已打开的串口上创建传感器
func NewSensor(cfg *config.SensorConfig, d *hardware.Devices) *fingerprint.Sensor {
	opts := []fingerprint.Option{
		fingerprint.WithTimeouts(fingerprint.Timeouts{
			Threshold: cfg.ThresholdTimeout,
			Count:     cfg.CountTimeout,
			Enroll:    cfg.EnrollTimeout,
			Match:     cfg.MatchTimeout,
			Clear:     cfg.ClearTimeout,
		}),
	}
	if d.Reset != nil {
		opts = append(opts, fingerprint.WithResetLine(d.Reset, cfg.ResetPulse))
	}
	return fingerprint.NewSensor(d.Port, opts...)
}

// NewOrchestrator 按配置组装编排器，reporter 为 nil 时不上报
func NewOrchestrator(cfg *config.Config, d *hardware.Devices, sensor device.Sensor, reporter device.Reporter) *device.Orchestrator {
	motors := make(map[int]device.Motor, len(d.Motors))
	for id, m := range d.Motors {
		motors[id] = m
	}
	return device.New(sensor, motors, d.Infrared, d.Audio, reporter, device.Options{
		Segments:           cfg.Motor.Segments,
		StepsPerRevolution: cfg.Motor.StepsPerRevolution,
		StepDelay:          cfg.Motor.StepDelay,
		HandTimeout:        cfg.Infrared.HandTimeout,
	})
}

// NewRuntime 组装传感器、编排器、后端客户端和同步循环
func NewRuntime(cfg *config.Config, d *hardware.Devices, opts ...backend.Option) *Runtime {
	sensor := NewSensor(&cfg.Sensor, d)
	client := backend.NewClient(&cfg.Backend, opts...)

	orch := NewOrchestrator(cfg, d, sensor, client)

	return &Runtime{
		Devices:      d,
		Sensor:       sensor,
		Orchestrator: orch,
		Client:       client,
		Loop:         NewLoop(client, orch, sensor, cfg.Backend.PollInterval, cfg.Backend.HeartbeatEvery()),
		cfg:          cfg,
		log:          logger.GetModuleLogger("agent"),
	}
}

// Start 复位传感器并设置比对等级，失败只记录日志
func (r *Runtime) Start(ctx context.Context) {
	level, err := r.Sensor.Start(ctx, r.cfg.Sensor.MatchThreshold)
	if err != nil {
		r.log.Warn("fingerprint sensor init failed", zap.Error(err))
		return
	}
	r.log.Info("fingerprint sensor ready",
		zap.Int("match_threshold", level),
		zap.String("port", r.cfg.Sensor.Port))
}

// Run 初始化传感器后运行同步循环，退出时释放电机
func (r *Runtime) Run(ctx context.Context) error {
	defer func() {
		if err := r.Orchestrator.ReleaseAll(); err != nil {
			r.log.Warn("motor release on shutdown failed", zap.Error(err))
		}
	}()

	r.Start(ctx)
	r.log.Info("device agent running",
		zap.String("backend", r.cfg.Backend.URL),
		zap.String("device_id", r.cfg.Backend.DeviceID),
		zap.Bool("mock_mode", r.cfg.Hardware.MockMode))
	return r.Loop.Run(ctx)
}
