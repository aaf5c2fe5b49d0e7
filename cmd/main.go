// 本文件用于程序启动入口
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"knowledge-card/internal/api"
	"knowledge-card/internal/config"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/models"
	"knowledge-card/internal/service"
	"knowledge-card/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("程序退出: %v", err)
	}
}

func run() error {
	configPath := parseFlags()
	log.Printf("程序启动，配置文件: %s", configPath)

	cfg, err := loadAndValidateConfig(configPath)
	if err != nil {
		return err
	}

	if err := logger.InitLogger(cfg); err != nil {
		return err
	}
	defer logger.Close()

	logConfig(cfg)

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg)
	if err != nil {
		logger.Warn("初始化链路追踪失败，继续运行: %v", err)
		shutdownTelemetry = func() {}
	}
	defer shutdownTelemetry()

	cardService, err := service.NewCardService(cfg, configPath)
	if err != nil {
		logger.Error("创建知识卡片服务失败: %v", err)
		return err
	}

	if err := cardService.Start(); err != nil {
		logger.Error("启动知识卡片服务失败: %v", err)
		_ = cardService.Stop()
		return err
	}

	apiServer := api.NewServer(cardService.APIDeps())
	apiServer.Start()

	waitForShutdown(cardService, apiServer)
	return nil
}

func parseFlags() string {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()
	return configPath
}

func loadAndValidateConfig(configPath string) (*models.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logConfig(cfg *models.Config) {
	logger.Info("配置加载成功")
	logger.Info("Bot 接口: %s", cfg.BotBaseURL)
	logger.Info("Bot ID: %s", cfg.BotID)
	logger.Info("取数模式: %s", cfg.BotMode)
	logger.Info("流超时: %s", config.StreamTimeout(cfg))
	logger.Info("最大重试次数: %d", cfg.StreamMaxRetries)
	logger.Info("数据目录: %s", cfg.DataDir)
	logger.Info("对话历史: %s, 最多 %d 条", cfg.HistoryBackend, cfg.HistoryMaxMessages)
	if cfg.OSSEnabled {
		logger.Info("OSS Bucket: %s", cfg.OSSBucket)
		logger.Info("OSS Endpoint: %s", cfg.OSSEndpoint)
	}
	if cfg.InboxDir != "" {
		logger.Info("收件箱目录: %s, 后缀: %s, 工作协程: %d", cfg.InboxDir, cfg.InboxExt, cfg.InboxWorkers)
	}
	logToStd := cfg.LogToStd == nil || *cfg.LogToStd
	logger.Info("日志级别: %s", cfg.LogLevel)
	if cfg.LogFile != "" {
		logger.Info("日志文件: %s", cfg.LogFile)
	}
	logger.Info("日志输出到标准输出: %v", logToStd)
	logger.Info("渲染完整度阈值: %.2f", cfg.RenderMinCompleteness)
}

func waitForShutdown(cardService *service.CardService, apiServer *api.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	<-signalChan
	logger.Info("收到退出信号，正在关闭服务...")

	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Shutdown(ctx); err != nil {
			logger.Warn("关闭 API 服务失败: %v", err)
		}
	}
	if err := cardService.Stop(); err != nil {
		logger.Error("停止知识卡片服务失败: %v", err)
	}
	logger.Info("指标摘要: %s", metrics.Global().SnapshotString())

	logger.Info("程序已退出")
}
