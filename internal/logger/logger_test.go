package logger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/pill-dispenser/internal/config"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"verbose": zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestInitAndSetLevel(t *testing.T) {
	dir := t.TempDir()
	err := Init(&config.LogConfig{
		Level:  "info",
		Format: "json",
		Output: "file",
		File: config.LogFileConfig{
			Path:     dir,
			Filename: "test.log",
			MaxSize:  1,
		},
		Modules: map[string]string{"sensor": "debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, Level())

	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, Level())
	SetLevel("warn")
	assert.Equal(t, zapcore.WarnLevel, Level())

	assert.NotNil(t, GetModuleLogger("sensor"))
	assert.NotNil(t, GetModuleLogger("device"))

	// 辅助函数不应panic
	LogSensorExchange(0x0C, []byte{0xF5, 0x0C}, nil, 5*time.Second, errors.New("timeout"))
	LogSensorExchange(0x09, []byte{0xF5, 0x09}, []byte{0xF5, 0x09}, time.Millisecond, nil)
	LogStatusReport("pi-001", "unlocked", map[string]interface{}{"user_id": 7}, nil)
	LogStatusReport("pi-001", "locked", nil, errors.New("503"))
	Cleanup()
}
