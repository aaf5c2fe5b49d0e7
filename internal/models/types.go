// 本文件用于定义配置与业务模型
package models

import (
	"strings"
	"time"
)

// Config 配置结构体
type Config struct {
	APIBind        string `yaml:"api_bind"` // API 服务监听地址
	APIAuthToken   string `yaml:"api_auth_token"`
	APICORSOrigins string `yaml:"api_cors_origins"`

	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int    `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAgeDays int    `yaml:"log_max_age_days"`
	LogCompress   bool   `yaml:"log_compress"`
	LogToStd      *bool  `yaml:"log_to_std"`
	LogShowCaller bool   `yaml:"log_show_caller"`

	BotBaseURL   string `yaml:"bot_base_url"`
	BotID        string `yaml:"bot_id"`
	BotUserID    string `yaml:"bot_user_id"`
	BotToken     string `yaml:"bot_token"`
	BotTokenFile string `yaml:"bot_token_file"`
	BotMode      string `yaml:"bot_mode"` // stream 或 poll

	StreamTimeout    string `yaml:"stream_timeout"`
	StreamMaxRetries int    `yaml:"stream_max_retries"`
	StreamRetryDelay string `yaml:"stream_retry_delay"`
	PollInterval     string `yaml:"poll_interval"`
	PollMaxAttempts  int    `yaml:"poll_max_attempts"`

	DataDir            string `yaml:"data_dir"`
	HistoryBackend     string `yaml:"history_backend"` // sqlite 或 redis
	HistoryMaxMessages int    `yaml:"history_max_messages"`
	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisDB            int    `yaml:"redis_db"`

	OSSEnabled    bool   `yaml:"oss_enabled"`
	OSSEndpoint   string `yaml:"oss_endpoint"`
	OSSBucket     string `yaml:"oss_bucket"`
	OSSAK         string `yaml:"oss_ak"`
	OSSSK         string `yaml:"oss_sk"`
	OSSPrefix     string `yaml:"oss_prefix"`
	OSSDisableSSL bool   `yaml:"oss_disable_ssl"`

	InboxDir     string `yaml:"inbox_dir"`
	InboxExt     string `yaml:"inbox_ext"`
	InboxWorkers int    `yaml:"inbox_workers"`

	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
	TelemetryDir     string `yaml:"telemetry_dir"`

	RenderMinCompleteness float64 `yaml:"render_min_completeness"`
}

const (
	BotModeStream = "stream"
	BotModePoll   = "poll"

	HistoryBackendSQLite = "sqlite"
	HistoryBackendRedis  = "redis"
)

// BirthInfo 孩子的出生信息，用于拼装提问
type BirthInfo struct {
	Name       string `json:"name,omitempty" yaml:"name,omitempty"`
	Gender     string `json:"gender,omitempty" yaml:"gender,omitempty"`
	BirthDate  string `json:"birthDate,omitempty" yaml:"birth_date,omitempty"`
	BirthTime  string `json:"birthTime,omitempty" yaml:"birth_time,omitempty"`
	BirthPlace string `json:"birthPlace,omitempty" yaml:"birth_place,omitempty"`
	Calendar   string `json:"calendar,omitempty" yaml:"calendar,omitempty"` // solar 或 lunar
}

// Empty 判断出生信息是否完全为空
func (b *BirthInfo) Empty() bool {
	if b == nil {
		return true
	}
	return strings.TrimSpace(b.Name+b.Gender+b.BirthDate+b.BirthTime+b.BirthPlace) == ""
}

// ChatMessage 对话历史中的一条消息
type ChatMessage struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type,omitempty"`
	Type        string    `json:"type,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// AskRequest 一次向机器人提问的请求载荷
type AskRequest struct {
	Prompt         string        `json:"prompt,omitempty"`
	Birth          *BirthInfo    `json:"birth,omitempty"`
	UserID         string        `json:"userId,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	History        []ChatMessage `json:"history,omitempty"`
}

// Empty 判断请求是否既没有提问文本也没有出生信息
func (r AskRequest) Empty() bool {
	return strings.TrimSpace(r.Prompt) == "" && r.Birth.Empty()
}

// ChatRef 轮询模式下远端返回的会话引用
type ChatRef struct {
	ChatID         string `json:"chat_id"`
	ConversationID string `json:"conversation_id"`
}

// InboxStats 收件箱队列运行时指标
type InboxStats struct {
	QueueLength int `json:"queueLength"`
	Workers     int `json:"workers"`
	InFlight    int `json:"inFlight"`
}
