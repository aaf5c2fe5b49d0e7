// 本文件用于流式问答运行时参数的读取与持久化
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"knowledge-card/internal/models"
)

// runtimeConfig 记录可在运行期调整的流控参数，写在主配置旁的 *.runtime.yaml
type runtimeConfig struct {
	BotMode               *string  `yaml:"bot_mode"`
	StreamTimeout         *string  `yaml:"stream_timeout"`
	StreamMaxRetries      *int     `yaml:"stream_max_retries"`
	StreamRetryDelay      *string  `yaml:"stream_retry_delay"`
	PollInterval          *string  `yaml:"poll_interval"`
	PollMaxAttempts       *int     `yaml:"poll_max_attempts"`
	RenderMinCompleteness *float64 `yaml:"render_min_completeness"`
}

// RuntimeSettings 运行时参数的对外视图
type RuntimeSettings struct {
	BotMode               string  `json:"botMode"`
	StreamTimeout         string  `json:"streamTimeout"`
	StreamMaxRetries      int     `json:"streamMaxRetries"`
	StreamRetryDelay      string  `json:"streamRetryDelay"`
	PollInterval          string  `json:"pollInterval"`
	PollMaxAttempts       int     `json:"pollMaxAttempts"`
	RenderMinCompleteness float64 `json:"renderMinCompleteness"`
}

func runtimeConfigPath(configPath string) string {
	cleaned := strings.TrimSpace(configPath)
	if cleaned == "" {
		return ""
	}
	ext := filepath.Ext(cleaned)
	if ext == "" {
		return cleaned + ".runtime.yaml"
	}
	return strings.TrimSuffix(cleaned, ext) + ".runtime" + ext
}

func loadRuntimeConfig(configPath string) (*runtimeConfig, error) {
	path := runtimeConfigPath(configPath)
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("读取运行时配置文件失败: %s: %w", path, err)
	}
	var cfg runtimeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析运行时配置文件失败: %s: %w", path, err)
	}
	return &cfg, nil
}

func applyRuntimeConfig(cfg *models.Config, runtime *runtimeConfig) {
	if cfg == nil || runtime == nil {
		return
	}
	if runtime.BotMode != nil {
		cfg.BotMode = strings.TrimSpace(*runtime.BotMode)
	}
	if runtime.StreamTimeout != nil {
		cfg.StreamTimeout = strings.TrimSpace(*runtime.StreamTimeout)
	}
	if runtime.StreamMaxRetries != nil {
		cfg.StreamMaxRetries = *runtime.StreamMaxRetries
	}
	if runtime.StreamRetryDelay != nil {
		cfg.StreamRetryDelay = strings.TrimSpace(*runtime.StreamRetryDelay)
	}
	if runtime.PollInterval != nil {
		cfg.PollInterval = strings.TrimSpace(*runtime.PollInterval)
	}
	if runtime.PollMaxAttempts != nil {
		cfg.PollMaxAttempts = *runtime.PollMaxAttempts
	}
	if runtime.RenderMinCompleteness != nil {
		cfg.RenderMinCompleteness = *runtime.RenderMinCompleteness
	}
}

// CurrentRuntimeSettings 从已加载配置中取出运行时参数
func CurrentRuntimeSettings(cfg *models.Config) RuntimeSettings {
	return RuntimeSettings{
		BotMode:               cfg.BotMode,
		StreamTimeout:         StreamTimeout(cfg).String(),
		StreamMaxRetries:      cfg.StreamMaxRetries,
		StreamRetryDelay:      StreamRetryDelay(cfg).String(),
		PollInterval:          PollInterval(cfg).String(),
		PollMaxAttempts:       cfg.PollMaxAttempts,
		RenderMinCompleteness: cfg.RenderMinCompleteness,
	}
}

// ApplyRuntimeSettings 校验并写入运行时参数，返回更新后的配置副本
func ApplyRuntimeSettings(cfg *models.Config, settings RuntimeSettings) (*models.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("配置不能为空")
	}
	mode := strings.ToLower(strings.TrimSpace(settings.BotMode))
	if mode != "" && mode != models.BotModeStream && mode != models.BotModePoll {
		return nil, fmt.Errorf("bot_mode 仅支持 stream 或 poll: %s", settings.BotMode)
	}
	for name, raw := range map[string]string{
		"stream_timeout":     settings.StreamTimeout,
		"stream_retry_delay": settings.StreamRetryDelay,
		"poll_interval":      settings.PollInterval,
	} {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, ok := parseDuration(raw); !ok {
			return nil, fmt.Errorf("%s 格式无效: %s", name, raw)
		}
	}
	if settings.StreamMaxRetries < 0 || settings.PollMaxAttempts < 0 {
		return nil, fmt.Errorf("重试与轮询次数不能为负数")
	}
	if settings.RenderMinCompleteness < 0 || settings.RenderMinCompleteness > 1 {
		return nil, fmt.Errorf("render_min_completeness 必须位于 0 到 1 之间")
	}

	next := *cfg
	applyRuntimeConfig(&next, &runtimeConfig{
		BotMode:               optionalString(mode),
		StreamTimeout:         optionalString(settings.StreamTimeout),
		StreamMaxRetries:      optionalInt(settings.StreamMaxRetries),
		StreamRetryDelay:      optionalString(settings.StreamRetryDelay),
		PollInterval:          optionalString(settings.PollInterval),
		PollMaxAttempts:       optionalInt(settings.PollMaxAttempts),
		RenderMinCompleteness: optionalFloat(settings.RenderMinCompleteness),
	})
	applyDefaults(&next)
	return &next, nil
}

// SaveRuntimeConfig 把运行时参数持久化到主配置旁
func SaveRuntimeConfig(configPath string, cfg *models.Config) error {
	if cfg == nil {
		return nil
	}
	path := runtimeConfigPath(configPath)
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(buildRuntimeConfig(cfg))
	if err != nil {
		return fmt.Errorf("序列化运行时配置失败: %w", err)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("写入运行时配置文件失败: %s: %w", path, err)
	}
	return nil
}

func buildRuntimeConfig(cfg *models.Config) *runtimeConfig {
	settings := CurrentRuntimeSettings(cfg)
	return &runtimeConfig{
		BotMode:               stringPtr(settings.BotMode),
		StreamTimeout:         stringPtr(settings.StreamTimeout),
		StreamMaxRetries:      intPtr(settings.StreamMaxRetries),
		StreamRetryDelay:      stringPtr(settings.StreamRetryDelay),
		PollInterval:          stringPtr(settings.PollInterval),
		PollMaxAttempts:       intPtr(settings.PollMaxAttempts),
		RenderMinCompleteness: floatPtr(settings.RenderMinCompleteness),
	}
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp, err := os.CreateTemp(dir, "kcard-config-*.tmp")
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func optionalString(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return stringPtr(strings.TrimSpace(value))
}

func optionalInt(value int) *int {
	if value <= 0 {
		return nil
	}
	return intPtr(value)
}

func optionalFloat(value float64) *float64 {
	if value <= 0 {
		return nil
	}
	return floatPtr(value)
}

func stringPtr(value string) *string {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func floatPtr(value float64) *float64 {
	return &value
}
