package agent

import (
	"context"
	"time"

	"github.com/wfunc/pill-dispenser/internal/backend"
	"github.com/wfunc/pill-dispenser/internal/device"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// Backend 后端接口
type Backend interface {
	Poll(ctx context.Context) (*device.Command, error)
	SendHeartbeat(ctx context.Context, hb backend.Heartbeat) error
}

// Executor 命令执行者
type Executor interface {
	Execute(ctx context.Context, cmd device.Command) device.Report
	Locked() bool
	Positions() map[int]int
}

// UserCounter 查询已录入指纹数
type UserCounter interface {
	UserCount(ctx context.Context) (int, error)
}

// Stats 运行统计
type Stats struct {
	Cycles         int
	Commands       int
	PollErrors     int
	Heartbeats     int
	HeartbeatFails int
}

// Loop 轮询-执行-心跳循环
type Loop struct {
	backend        Backend
	executor       Executor
	counter        UserCounter
	interval       time.Duration
	heartbeatEvery int

	sinceHeartbeat int
	stats          Stats
	log            *zap.Logger
}

// NewLoop 创建同步循环，heartbeatEvery 为两次心跳之间的轮询周期数
func NewLoop(b Backend, exec Executor, counter UserCounter, interval time.Duration, heartbeatEvery int) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if heartbeatEvery < 1 {
		heartbeatEvery = 1
	}
	return &Loop{
		backend:        b,
		executor:       exec,
		counter:        counter,
		interval:       interval,
		heartbeatEvery: heartbeatEvery,
		log:            logger.GetModuleLogger("agent"),
	}
}

// Run 先发送一次心跳，然后循环直到 ctx 取消
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("sync loop started",
		zap.Duration("interval", l.interval),
		zap.Int("heartbeat_every", l.heartbeatEvery))

	l.heartbeat(ctx)
	for {
		if ctx.Err() != nil {
			break
		}
		l.Cycle(ctx)

		t := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}

	l.log.Info("sync loop stopped",
		zap.Int("cycles", l.stats.Cycles),
		zap.Int("commands", l.stats.Commands))
	return nil
}

// Cycle 执行一个周期：最多拉取一条命令并同步执行，到期发送心跳
func (l *Loop) Cycle(ctx context.Context) {
	cmd, err := l.backend.Poll(ctx)
	if err != nil {
		l.stats.PollErrors++
		l.log.Warn("poll failed", zap.Error(err))
	} else if cmd != nil {
		l.stats.Commands++
		report := l.executor.Execute(ctx, *cmd)
		l.log.Info("command executed",
			zap.String("command", cmd.Kind),
			zap.String("status_type", report.StatusType))
	}

	l.stats.Cycles++
	l.sinceHeartbeat++
	if l.sinceHeartbeat >= l.heartbeatEvery {
		l.heartbeat(ctx)
		l.sinceHeartbeat = 0
	}
}

// Stats 当前统计
func (l *Loop) Stats() Stats {
	return l.stats
}

func (l *Loop) heartbeat(ctx context.Context) {
	count := -1
	if l.counter != nil {
		if n, err := l.counter.UserCount(ctx); err != nil {
			l.log.Debug("fingerprint count unavailable", zap.Error(err))
		} else {
			count = n
		}
	}

	hb := backend.Heartbeat{
		Locked:           l.executor.Locked(),
		FingerprintCount: count,
		Positions:        l.executor.Positions(),
	}
	if err := l.backend.SendHeartbeat(ctx, hb); err != nil {
		l.stats.HeartbeatFails++
		l.log.Debug("heartbeat failed", zap.Error(err))
		return
	}
	l.stats.Heartbeats++
}
