// 本文件用于加载、补全与校验服务配置
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"knowledge-card/internal/models"
)

const (
	defaultAPIBind            = ":8080"
	defaultBotBaseURL         = "https://api.coze.cn"
	defaultBotUserID          = "knowledge-card"
	defaultStreamTimeout      = 3 * time.Minute
	defaultStreamMaxRetries   = 3
	defaultStreamRetryDelay   = 2 * time.Second
	defaultPollInterval       = 2 * time.Second
	defaultPollMaxAttempts    = 90
	defaultHistoryMaxMessages = 10
	defaultDataDir            = "data"
	defaultInboxExt           = ".txt,.sse,.log"
	defaultInboxWorkers       = 2
	defaultMinCompleteness    = 0.3
	defaultLogMaxSizeMB       = 50
	defaultLogMaxBackups      = 5
	defaultLogMaxAgeDays      = 14
)

var envPlaceholderPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// LoadConfig 加载配置文件
func LoadConfig(configFile string) (*models.Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var config models.Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	runtime, err := loadRuntimeConfig(configFile)
	if err != nil {
		return nil, err
	}
	applyRuntimeConfig(&config, runtime)

	resolveSecrets(&config)
	applyDefaults(&config)
	return &config, nil
}

// Defaults 只含缺省值的配置，命令行工具在没有配置文件时使用
func Defaults() *models.Config {
	var config models.Config
	applyDefaults(&config)
	return &config
}

// applyDefaults 补全缺省值
func applyDefaults(config *models.Config) {
	if strings.TrimSpace(config.APIBind) == "" {
		config.APIBind = defaultAPIBind
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogMaxSizeMB <= 0 {
		config.LogMaxSizeMB = defaultLogMaxSizeMB
	}
	if config.LogMaxBackups <= 0 {
		config.LogMaxBackups = defaultLogMaxBackups
	}
	if config.LogMaxAgeDays <= 0 {
		config.LogMaxAgeDays = defaultLogMaxAgeDays
	}
	if config.LogToStd == nil {
		enabled := true
		config.LogToStd = &enabled
	}
	if strings.TrimSpace(config.BotBaseURL) == "" {
		config.BotBaseURL = defaultBotBaseURL
	}
	config.BotBaseURL = strings.TrimRight(strings.TrimSpace(config.BotBaseURL), "/")
	if strings.TrimSpace(config.BotUserID) == "" {
		config.BotUserID = defaultBotUserID
	}
	mode := strings.ToLower(strings.TrimSpace(config.BotMode))
	if mode != models.BotModePoll {
		mode = models.BotModeStream
	}
	config.BotMode = mode
	if config.StreamMaxRetries <= 0 {
		config.StreamMaxRetries = defaultStreamMaxRetries
	}
	if config.PollMaxAttempts <= 0 {
		config.PollMaxAttempts = defaultPollMaxAttempts
	}
	if strings.TrimSpace(config.DataDir) == "" {
		config.DataDir = defaultDataDir
	}
	backend := strings.ToLower(strings.TrimSpace(config.HistoryBackend))
	if backend != models.HistoryBackendRedis {
		backend = models.HistoryBackendSQLite
	}
	config.HistoryBackend = backend
	if config.HistoryMaxMessages <= 0 {
		config.HistoryMaxMessages = defaultHistoryMaxMessages
	}
	if strings.TrimSpace(config.InboxExt) == "" {
		config.InboxExt = defaultInboxExt
	}
	if config.InboxWorkers <= 0 {
		config.InboxWorkers = defaultInboxWorkers
	}
	if strings.TrimSpace(config.TelemetryDir) == "" {
		config.TelemetryDir = config.DataDir + "/telemetry"
	}
	if config.RenderMinCompleteness <= 0 || config.RenderMinCompleteness > 1 {
		config.RenderMinCompleteness = defaultMinCompleteness
	}
}

// resolveSecrets 把 ${ENV} 形式的占位符替换为环境变量
func resolveSecrets(config *models.Config) {
	config.APIAuthToken = resolveEnvPlaceholder(config.APIAuthToken)
	config.BotToken = resolveEnvPlaceholder(config.BotToken)
	config.RedisPassword = resolveEnvPlaceholder(config.RedisPassword)
	config.OSSAK = resolveEnvPlaceholder(config.OSSAK)
	config.OSSSK = resolveEnvPlaceholder(config.OSSSK)
}

func resolveEnvPlaceholder(raw string) string {
	trimmed := strings.TrimSpace(raw)
	match := envPlaceholderPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return trimmed
	}
	if value, ok := os.LookupEnv(match[1]); ok {
		return strings.TrimSpace(value)
	}
	// 未设置时保留占位符，鉴权中间件据此判断未配置
	return trimmed
}

// IsPlaceholder 判断值是否仍是未解析的环境变量占位符
func IsPlaceholder(raw string) bool {
	return envPlaceholderPattern.MatchString(strings.TrimSpace(raw))
}

// ValidateConfig 验证配置
func ValidateConfig(config *models.Config) error {
	if config == nil {
		return fmt.Errorf("配置不能为空")
	}
	if strings.TrimSpace(config.BotID) == "" {
		return fmt.Errorf("Bot ID不能为空")
	}
	if !strings.HasPrefix(config.BotBaseURL, "http://") && !strings.HasPrefix(config.BotBaseURL, "https://") {
		return fmt.Errorf("Bot 接口地址必须以 http:// 或 https:// 开头: %s", config.BotBaseURL)
	}
	token := strings.TrimSpace(config.BotToken)
	if (token == "" || IsPlaceholder(token)) && strings.TrimSpace(config.BotTokenFile) == "" {
		return fmt.Errorf("Bot 访问令牌不能为空: 需配置 bot_token 或 bot_token_file")
	}
	for _, item := range []struct {
		name string
		raw  string
	}{
		{"stream_timeout", config.StreamTimeout},
		{"stream_retry_delay", config.StreamRetryDelay},
		{"poll_interval", config.PollInterval},
	} {
		if strings.TrimSpace(item.raw) == "" {
			continue
		}
		if _, ok := parseDuration(item.raw); !ok {
			return fmt.Errorf("%s 格式无效: %s", item.name, item.raw)
		}
	}
	if config.HistoryBackend == models.HistoryBackendRedis && strings.TrimSpace(config.RedisAddr) == "" {
		return fmt.Errorf("Redis 地址不能为空: history_backend=redis")
	}
	if config.OSSEnabled {
		if config.OSSBucket == "" {
			return fmt.Errorf("OSS Bucket不能为空")
		}
		if config.OSSAK == "" || config.OSSSK == "" {
			return fmt.Errorf("OSS认证信息不能为空")
		}
		if config.OSSEndpoint == "" {
			return fmt.Errorf("OSS Endpoint不能为空")
		}
	}
	return nil
}

// StreamTimeout 返回流空闲超时，支持 "3m" 与纯秒数 "180"
func StreamTimeout(config *models.Config) time.Duration {
	return durationOrDefault(config.StreamTimeout, defaultStreamTimeout)
}

// StreamRetryDelay 返回重试基础间隔
func StreamRetryDelay(config *models.Config) time.Duration {
	return durationOrDefault(config.StreamRetryDelay, defaultStreamRetryDelay)
}

// PollInterval 返回轮询间隔
func PollInterval(config *models.Config) time.Duration {
	return durationOrDefault(config.PollInterval, defaultPollInterval)
}

func durationOrDefault(raw string, fallback time.Duration) time.Duration {
	if d, ok := parseDuration(raw); ok {
		return d
	}
	return fallback
}

func parseDuration(raw string) (time.Duration, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
		return d, true
	}
	if v, err := strconv.Atoi(trimmed); err == nil && v > 0 {
		return time.Duration(v) * time.Second, true
	}
	return 0, false
}
