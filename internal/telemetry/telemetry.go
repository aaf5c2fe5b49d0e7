// 本文件用于初始化 OpenTelemetry 链路与指标导出
// 链路和指标写入 telemetry_dir 下的滚动文件，未启用时保持全局 no-op 实现
package telemetry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
)

const (
	serviceName     = "knowledge-card"
	defaultDir      = "logs"
	metricsInterval = 10 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Version 构建时可通过 -ldflags 覆盖
var Version = "dev"

// Init 按配置初始化全局 TracerProvider 与 MeterProvider，返回的函数负责刷新并关闭导出文件
func Init(ctx context.Context, cfg *models.Config) (func(), error) {
	if cfg == nil || !cfg.TelemetryEnabled {
		return func() {}, nil
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("创建 otel resource 失败: %w", err)
	}

	dir := strings.TrimSpace(cfg.TelemetryDir)
	if dir == "" {
		dir = defaultDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建 telemetry 目录失败: %w", err)
	}

	traceFile := rotatingFile(cfg, filepath.Join(dir, "traces.log"))
	traceExporter, err := stdouttrace.New(stdouttrace.WithWriter(traceFile))
	if err != nil {
		return nil, fmt.Errorf("创建链路导出器失败: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricsFile := rotatingFile(cfg, filepath.Join(dir, "metrics.log"))
	metricExporter, err := stdoutmetric.New(stdoutmetric.WithWriter(metricsFile))
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = traceFile.Close()
		return nil, fmt.Errorf("创建指标导出器失败: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(metricsInterval)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	logger.Info("OpenTelemetry 已启用，导出目录: %s", dir)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("关闭 TracerProvider 失败: %v", err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			logger.Error("关闭 MeterProvider 失败: %v", err)
		}
		if err := traceFile.Close(); err != nil {
			logger.Error("关闭链路文件失败: %v", err)
		}
		if err := metricsFile.Close(); err != nil {
			logger.Error("关闭指标文件失败: %v", err)
		}
	}, nil
}

// rotatingFile 沿用日志文件的滚动参数
func rotatingFile(cfg *models.Config, path string) *lumberjack.Logger {
	maxSize := cfg.LogMaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAgeDays,
		Compress:   cfg.LogCompress,
	}
}
