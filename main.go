package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/fxmargin/internal/config"
	"github.com/life2you_mini/fxmargin/internal/logger"
	"github.com/life2you_mini/fxmargin/internal/services"
)

var (
	configFile   = flag.String("config", "config/config.yaml", "配置文件路径")
	writeDefault = flag.String("write-default-config", "", "生成默认配置文件到指定路径后退出")
)

func main() {
	flag.Parse()

	if *writeDefault != "" {
		if err := config.SaveConfigToFile(config.GetDefaultConfig(), *writeDefault); err != nil {
			fmt.Printf("生成默认配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("默认配置已写入 %s\n", *writeDefault)
		return
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	appLogger, err := logger.NewLogger(logger.Options{
		Dir:        cfg.System.LogDir,
		Level:      cfg.System.LogLevel,
		MaxSizeMB:  cfg.System.LogMaxSizeMB,
		MaxBackups: cfg.System.LogMaxBackups,
		MaxAgeDays: cfg.System.LogMaxAgeDays,
		Console:    true,
	})
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log := appLogger.Logger
	defer log.Sync()

	log.Info("加载配置成功",
		zap.String("config_file", *configFile),
		zap.String("storage_backend", cfg.System.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	service, err := services.NewFxMarginService(ctx, cfg, log)
	if err != nil {
		log.Fatal("创建服务失败", zap.Error(err))
	}

	service.Start()
	log.Info("服务已启动")

	// 等待终止信号
	sig := <-signalChan
	log.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := service.Stop(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}

	log.Info("服务已优雅关闭")
}
