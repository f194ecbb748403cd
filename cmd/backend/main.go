package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wfunc/pill-dispenser/internal/config"
	"github.com/wfunc/pill-dispenser/internal/logger"
	"github.com/wfunc/pill-dispenser/internal/server"
	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径")
		port       = flag.Int("port", 0, "监听端口，覆盖配置")
	)
	flag.Parse()

	if err := config.Init(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.Get()
	if *port > 0 {
		cfg.Server.Port = *port
	}

	if err := logger.Init(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Cleanup()

	config.Watch(func(newCfg *config.Config) {
		logger.SetLevel(newCfg.Log.Level)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx, &cfg.Server); err != nil {
		logger.Error("reference backend stopped with error", zap.Error(err))
		logger.Cleanup()
		os.Exit(1)
	}
	logger.Info("reference backend stopped")
}
