package agent

import (
	"context"
	stderrors "errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/pill-dispenser/internal/backend"
	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/device"
	"github.com/wfunc/pill-dispenser/internal/hardware"
	"github.com/wfunc/pill-dispenser/internal/server"
	"go.uber.org/zap"
)

type fakeBackend struct {
	mu         sync.Mutex
	commands   []*device.Command
	pollErr    error
	hbErr      error
	polls      int
	heartbeats []backend.Heartbeat
}

func (f *fakeBackend) Poll(ctx context.Context) (*device.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	if len(f.commands) == 0 {
		return nil, nil
	}
	cmd := f.commands[0]
	f.commands = f.commands[1:]
	return cmd, nil
}

func (f *fakeBackend) SendHeartbeat(ctx context.Context, hb backend.Heartbeat) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, hb)
	return f.hbErr
}

type fakeExecutor struct {
	executed []string
	locked   bool
}

func (e *fakeExecutor) Execute(ctx context.Context, cmd device.Command) device.Report {
	e.executed = append(e.executed, cmd.Kind)
	return device.Report{StatusType: device.StatusLocked}
}

func (e *fakeExecutor) Locked() bool           { return e.locked }
func (e *fakeExecutor) Positions() map[int]int { return map[int]int{1: 3} }

type fakeCounter struct {
	n   int
	err error
}

func (c *fakeCounter) UserCount(ctx context.Context) (int, error) { return c.n, c.err }

func TestCycleExecutesOneCommand(t *testing.T) {
	fb := &fakeBackend{commands: []*device.Command{{Kind: device.CmdUnlock}, {Kind: device.CmdLock}}}
	exec := &fakeExecutor{}
	loop := NewLoop(fb, exec, &fakeCounter{n: 2}, time.Millisecond, 60)

	loop.Cycle(context.Background())
	assert.Equal(t, []string{device.CmdUnlock}, exec.executed)

	loop.Cycle(context.Background())
	loop.Cycle(context.Background())
	assert.Equal(t, []string{device.CmdUnlock, device.CmdLock}, exec.executed)
	assert.Equal(t, 3, loop.Stats().Cycles)
	assert.Equal(t, 2, loop.Stats().Commands)
}

// 每 ceil(60/P) 个周期发送一次心跳
func TestHeartbeatCadence(t *testing.T) {
	fb := &fakeBackend{}
	exec := &fakeExecutor{locked: true}
	cfg := config.BackendConfig{PollInterval: 5 * time.Second, HeartbeatPeriod: 60 * time.Second}
	loop := NewLoop(fb, exec, &fakeCounter{n: 4}, cfg.PollInterval, cfg.HeartbeatEvery())

	for i := 0; i < 11; i++ {
		loop.Cycle(context.Background())
	}
	assert.Empty(t, fb.heartbeats)

	loop.Cycle(context.Background())
	require.Len(t, fb.heartbeats, 1)
	hb := fb.heartbeats[0]
	assert.True(t, hb.Locked)
	assert.Equal(t, 4, hb.FingerprintCount)
	assert.Equal(t, map[int]int{1: 3}, hb.Positions)

	for i := 0; i < 12; i++ {
		loop.Cycle(context.Background())
	}
	assert.Len(t, fb.heartbeats, 2)
}

// 查询指纹数失败时上报 -1
func TestHeartbeatCountUnavailable(t *testing.T) {
	fb := &fakeBackend{}
	loop := NewLoop(fb, &fakeExecutor{}, &fakeCounter{err: stderrors.New("timeout")}, time.Millisecond, 1)
	loop.Cycle(context.Background())
	require.Len(t, fb.heartbeats, 1)
	assert.Equal(t, -1, fb.heartbeats[0].FingerprintCount)
}

// 网络错误不会终止循环
func TestNetworkFailuresDoNotStopLoop(t *testing.T) {
	fb := &fakeBackend{pollErr: stderrors.New("connection refused"), hbErr: stderrors.New("connection refused")}
	loop := NewLoop(fb, &fakeExecutor{}, nil, 5*time.Millisecond, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	require.NoError(t, loop.Run(ctx))

	stats := loop.Stats()
	assert.Greater(t, stats.Cycles, 2)
	assert.Equal(t, stats.Cycles, stats.PollErrors)
	assert.Greater(t, stats.HeartbeatFails, 1)
	assert.Zero(t, stats.Heartbeats)
}

// 启动时先发送一次心跳
func TestRunSendsInitialHeartbeat(t *testing.T) {
	fb := &fakeBackend{}
	loop := NewLoop(fb, &fakeExecutor{}, &fakeCounter{}, time.Hour, 100)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = loop.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return fb.polls == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after cancel")
	}
	assert.Len(t, fb.heartbeats, 1)
}

// 端到端：后端下发开锁，模拟传感器返回用户7
func TestEndToEndUnlock(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := server.NewStore()
	hub := server.NewHub(zap.NewNop())
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)
	srv := httptest.NewServer(server.NewRouter(store, hub, gin.TestMode).Engine())
	defer srv.Close()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Hardware.MockMode = true
	cfg.Backend.URL = srv.URL
	cfg.Backend.DeviceID = "rita-01"
	cfg.Backend.ProbeAddress = "127.0.0.1:9"
	cfg.Motor.StepDelay = 0
	cfg.Sensor.ResetPulse = time.Millisecond
	cfg.Infrared.PollInterval = time.Millisecond

	devices, err := hardware.Open(cfg)
	require.NoError(t, err)
	defer devices.Close()

	rt := NewRuntime(cfg, devices)
	rt.Start(context.Background())
	assert.Equal(t, 7, devices.Simulator.Level())

	_, err = store.SetPendingCommand("rita-01", device.CmdUnlock, nil)
	require.NoError(t, err)
	rt.Loop.Cycle(context.Background())

	assert.Equal(t, device.Unlocked, rt.Orchestrator.State())
	snap := store.Snapshot("rita-01")
	require.NotNil(t, snap.LastStatus)
	assert.Equal(t, device.StatusUnlocked, snap.LastStatus.StatusType)
	assert.Equal(t, 7.0, snap.LastStatus.Data["user_id"])
	assert.Nil(t, snap.PendingCommand)

	player, ok := devices.Audio.(*hardware.SilentPlayer)
	require.True(t, ok)
	assert.Equal(t, []string{device.CueSuccess}, player.Played())

	_, err = store.SetPendingCommand("rita-01", device.CmdDispense, map[string]interface{}{"motor_id": 1.0, "segment": 5.0})
	require.NoError(t, err)
	rt.Loop.Cycle(context.Background())

	snap = store.Snapshot("rita-01")
	assert.Equal(t, device.StatusPillTaken, snap.LastStatus.StatusType)
	assert.Equal(t, stepsFor(cfg, 5), int(snap.LastStatus.Data["steps"].(float64)))
	assert.Equal(t, true, snap.LastStatus.Data["taken"])
	assert.Equal(t, 5, rt.Orchestrator.Positions()[1])
	assert.Equal(t, stepsFor(cfg, 5), devices.Motors[1].Steps())
}

func stepsFor(cfg *config.Config, rotation int) int {
	return device.StepsFor(rotation, cfg.Motor.Segments, cfg.Motor.StepsPerRevolution)
}
