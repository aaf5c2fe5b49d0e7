// 本文件用于提供机器人访问令牌 支持静态令牌 令牌文件与带过期状态的缓存令牌
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"knowledge-card/internal/config"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
)

var (
	ErrNoToken      = errors.New("未配置机器人访问令牌")
	ErrTokenExpired = errors.New("访问令牌已过期")
)

const defaultExpirySkew = 30 * time.Second

// TokenSource 令牌来源
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticSource 配置中直接给出的令牌
type StaticSource struct {
	token string
}

// NewStaticSource 创建静态令牌来源
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: strings.TrimSpace(token)}
}

// Token 返回静态令牌
func (s *StaticSource) Token(ctx context.Context) (string, error) {
	if s.token == "" || config.IsPlaceholder(s.token) {
		return "", ErrNoToken
	}
	return s.token, nil
}

// FileSource 从文件读取令牌，文件修改后重新读取，支持外部轮换
type FileSource struct {
	path string

	mu      sync.Mutex
	token   string
	modTime time.Time
}

// NewFileSource 创建令牌文件来源
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Token 返回文件中的令牌
func (f *FileSource) Token(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, err := os.Stat(f.path)
	if err != nil {
		return "", fmt.Errorf("令牌文件不可用: %w", err)
	}
	if f.token != "" && info.ModTime().Equal(f.modTime) {
		return f.token, nil
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return "", fmt.Errorf("令牌文件读取失败: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	if f.token != "" && token != f.token {
		logger.Info("检测到令牌文件更新: %s", f.path)
	}
	f.token = token
	f.modTime = info.ModTime()
	return token, nil
}

// TokenState 缓存令牌的状态
type TokenState string

const (
	TokenEmpty       TokenState = "empty"
	TokenValid       TokenState = "valid"
	TokenExpired     TokenState = "expired"
	TokenInvalidated TokenState = "invalidated"
)

// cachedToken 缓存令牌的值，变更时整体替换
type cachedToken struct {
	value       string
	expiresAt   time.Time // 零值表示不过期
	invalidated bool
}

func (t cachedToken) state(now time.Time, skew time.Duration) TokenState {
	switch {
	case t.value == "":
		return TokenEmpty
	case t.invalidated:
		return TokenInvalidated
	case !t.expiresAt.IsZero() && !now.Add(skew).Before(t.expiresAt):
		return TokenExpired
	}
	return TokenValid
}

func (t cachedToken) valid(now time.Time, skew time.Duration) bool {
	return t.state(now, skew) == TokenValid
}

func buildInvalidatedToken(t cachedToken) cachedToken {
	next := t
	next.invalidated = true
	return next
}

// FetchFunc 获取新令牌与过期时间，过期时间为零表示长期有效
type FetchFunc func(ctx context.Context) (string, time.Time, error)

// CachedSource 缓存令牌直到过期或被远端判定失效
type CachedSource struct {
	fetch FetchFunc
	skew  time.Duration
	now   func() time.Time

	mu     sync.Mutex
	cached cachedToken
}

// NewCachedSource 创建缓存令牌来源，skew 为提前刷新的余量
func NewCachedSource(fetch FetchFunc, skew time.Duration) *CachedSource {
	if skew < 0 {
		skew = 0
	}
	return &CachedSource{fetch: fetch, skew: skew, now: time.Now}
}

// Token 返回有效令牌，必要时重新获取
func (c *CachedSource) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.cached.valid(now, c.skew) {
		return c.cached.value, nil
	}
	value, expiresAt, err := c.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("获取访问令牌失败: %w", err)
	}
	next := cachedToken{value: strings.TrimSpace(value), expiresAt: expiresAt}
	switch next.state(now, c.skew) {
	case TokenEmpty:
		return "", ErrNoToken
	case TokenExpired:
		return "", ErrTokenExpired
	}
	c.cached = next
	return next.value, nil
}

// Invalidate 远端返回令牌失效后调用，下次 Token 会重新获取
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached.value == "" {
		return
	}
	c.cached = buildInvalidatedToken(c.cached)
	logger.Warn("访问令牌已被标记失效，下次请求将重新获取")
}

// State 当前缓存令牌的状态
func (c *CachedSource) State() TokenState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached.state(c.now(), c.skew)
}

// FromConfig 按配置选择令牌来源。直接配置的令牌优先于令牌文件。
func FromConfig(cfg *models.Config) (TokenSource, error) {
	token := strings.TrimSpace(cfg.BotToken)
	if token != "" && !config.IsPlaceholder(token) {
		return NewStaticSource(token), nil
	}
	path := strings.TrimSpace(cfg.BotTokenFile)
	if path == "" {
		return nil, ErrNoToken
	}
	file := NewFileSource(path)
	return NewCachedSource(func(ctx context.Context) (string, time.Time, error) {
		value, err := file.Token(ctx)
		return value, time.Time{}, err
	}, defaultExpirySkew), nil
}
