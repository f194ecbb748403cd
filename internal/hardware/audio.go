package hardware

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"go.uber.org/zap"
)

// 提示音
const (
	CueWarning = "warning"
	CueSuccess = "success"
)

const maxCueDuration = 10 * time.Second

// AudioPlayer 通过外部播放器播放提示音
type AudioPlayer struct {
	enabled bool
	player  string
	files   map[string]string
	run     func(ctx context.Context, name string, args ...string) error
	log     *zap.Logger
}

// NewAudioPlayer 创建播放器
func NewAudioPlayer(cfg *config.AudioConfig) *AudioPlayer {
	return &AudioPlayer{
		enabled: cfg.Enabled,
		player:  cfg.Player,
		files: map[string]string{
			CueWarning: cfg.WarningFile,
			CueSuccess: cfg.SuccessFile,
		},
		run: func(ctx context.Context, name string, args ...string) error {
			return exec.CommandContext(ctx, name, args...).Run()
		},
		log: logger.GetModuleLogger("device"),
	}
}

// Play 播放提示音，文件或播放器缺失时只记录日志；ctx 取消时立即停止播放
func (a *AudioPlayer) Play(ctx context.Context, cue string) {
	if !a.enabled {
		return
	}
	file, ok := a.files[cue]
	if !ok {
		a.log.Warn("unknown audio cue", zap.String("cue", cue))
		return
	}
	if _, err := os.Stat(file); err != nil {
		a.log.Warn("audio file not found", zap.String("cue", cue), zap.String("file", file))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, maxCueDuration)
	defer cancel()
	if err := a.run(ctx, a.player, file); err != nil {
		a.log.Warn("audio playback failed",
			zap.String("cue", cue),
			zap.String("player", a.player),
			zap.Error(err))
	}
}

// SilentPlayer 只记录提示音的播放器，用于调试模式
type SilentPlayer struct {
	log    *zap.Logger
	played []string
}

// NewSilentPlayer 创建静音播放器
func NewSilentPlayer() *SilentPlayer {
	return &SilentPlayer{log: logger.GetModuleLogger("device")}
}

// Play 记录提示音
func (s *SilentPlayer) Play(_ context.Context, cue string) {
	s.played = append(s.played, cue)
	s.log.Debug("audio cue (simulated)", zap.String("cue", cue))
}

// Played 已播放的提示音
func (s *SilentPlayer) Played() []string {
	return s.played
}
