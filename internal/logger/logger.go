// 本文件用于提供分级日志输出与日志文件滚动
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"knowledge-card/internal/models"
)

var (
	mu           sync.RWMutex
	activeLogger *log.Logger
	logLevel     string
	rotator      *lumberjack.Logger
)

// InitLogger 初始化日志系统。
func InitLogger(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("日志配置不能为空")
	}
	output, fileWriter, err := buildLogWriter(config)
	if err != nil {
		return err
	}

	flags := log.LstdFlags
	if config.LogShowCaller {
		flags |= log.Lshortfile
	}

	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
	}
	rotator = fileWriter
	activeLogger = log.New(output, "", flags)
	logLevel = strings.ToLower(strings.TrimSpace(config.LogLevel))
	return nil
}

func buildLogWriter(config *models.Config) (io.Writer, *lumberjack.Logger, error) {
	toStd := config.LogToStd == nil || *config.LogToStd
	logFile := strings.TrimSpace(config.LogFile)
	if logFile == "" {
		return os.Stdout, nil, nil
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("创建日志目录失败: %w", err)
	}

	fileWriter := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    config.LogMaxSizeMB,
		MaxBackups: config.LogMaxBackups,
		MaxAge:     config.LogMaxAgeDays,
		Compress:   config.LogCompress,
	}
	if !toStd {
		return fileWriter, fileWriter, nil
	}
	return io.MultiWriter(os.Stdout, fileWriter), fileWriter, nil
}

// Close 关闭滚动日志文件。
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if rotator == nil {
		return nil
	}
	err := rotator.Close()
	rotator = nil
	activeLogger = nil
	return err
}

// Info 记录信息日志。
func Info(format string, v ...interface{}) {
	logWithLevel("INFO", format, v...)
}

// Error 记录错误日志。
func Error(format string, v ...interface{}) {
	logWithLevel("ERROR", format, v...)
}

// Warn 记录警告日志。
func Warn(format string, v ...interface{}) {
	logWithLevel("WARN", format, v...)
}

// Debug 记录调试日志。
func Debug(format string, v ...interface{}) {
	mu.RLock()
	level := logLevel
	mu.RUnlock()
	if level == "debug" {
		logWithLevel("DEBUG", format, v...)
	}
}

// SetLogLevel 设置日志级别。
func SetLogLevel(level string) {
	mu.Lock()
	logLevel = strings.ToLower(strings.TrimSpace(level))
	mu.Unlock()
}

// SetOutput 把日志重定向到指定 writer，命令行工具用它把日志挪到 stderr。
func SetOutput(w io.Writer) {
	mu.Lock()
	activeLogger = log.New(w, "", log.LstdFlags)
	mu.Unlock()
}

// GetLogger 获取 logger 实例。
func GetLogger() *log.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return activeLogger
}

func logWithLevel(level, format string, v ...interface{}) {
	prefix := "[" + level + "] "
	mu.RLock()
	current := activeLogger
	mu.RUnlock()
	if current != nil {
		_ = current.Output(3, fmt.Sprintf(prefix+format, v...))
		return
	}
	_ = log.Output(3, fmt.Sprintf(prefix+format, v...))
}
