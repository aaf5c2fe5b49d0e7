// 本文件用于定义对话历史存储 以及基于 Redis 的实现
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"knowledge-card/internal/models"
)

const (
	historyTTL        = 24 * time.Hour
	historyPrefix     = "history:"
	defaultMaxHistory = 10
	maxWatchRetries   = 3
)

// Store 对话历史存储，SQLite 与 Redis 两种后端实现同一组方法
type Store interface {
	LoadHistory(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error)
	AppendHistory(ctx context.Context, userID string, messages ...models.ChatMessage) error
	ClearHistory(ctx context.Context, userID string) error
}

// RedisStore 以 JSON 数组存放在 history:<user> 下 每次写入刷新过期时间
type RedisStore struct {
	rdb        *redis.Client
	maxHistory int
}

// NewRedisStore 创建 Redis 历史存储
func NewRedisStore(rdb *redis.Client, maxHistory int) *RedisStore {
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	return &RedisStore{rdb: rdb, maxHistory: maxHistory}
}

// NewRedisClient 按配置创建客户端，地址可以是 host:port 或 redis:// URL
func NewRedisClient(cfg *models.Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil, errors.New("redis_addr 不能为空")
	}
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("redis 地址解析失败: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}), nil
}

// LoadHistory 读取最近 limit 条历史
func (s *RedisStore) LoadHistory(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	history, err := s.load(ctx, s.rdb, key(userID))
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	return trimHistory(history, limit), nil
}

// AppendHistory 追加消息并裁剪，读改写放在 WATCH 事务里避免并发覆盖
func (s *RedisStore) AppendHistory(ctx context.Context, userID string, messages ...models.ChatMessage) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("user id is required")
	}
	if len(messages) == 0 {
		return nil
	}
	k := key(userID)
	txf := func(tx *redis.Tx) error {
		history, err := s.load(ctx, tx, k)
		if err != nil {
			return err
		}
		data, err := encodeHistory(appendHistory(history, messages, s.maxHistory, time.Now()))
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, data, historyTTL)
			return nil
		})
		return err
	}
	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("failed to save history: %w", err)
	}
	return fmt.Errorf("failed to save history: %w", redis.TxFailedErr)
}

// ClearHistory 删除用户历史
func (s *RedisStore) ClearHistory(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, key(strings.TrimSpace(userID))).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Ping 健康检查使用
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) load(ctx context.Context, rdb redis.Cmdable, k string) ([]models.ChatMessage, error) {
	data, err := rdb.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	return decodeHistory(data)
}

func key(userID string) string {
	return historyPrefix + userID
}

func appendHistory(history, messages []models.ChatMessage, max int, now time.Time) []models.ChatMessage {
	next := make([]models.ChatMessage, 0, len(history)+len(messages))
	next = append(next, history...)
	for _, msg := range messages {
		if msg.ContentType == "" {
			msg.ContentType = "text"
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		next = append(next, msg)
	}
	return trimHistory(next, max)
}

func trimHistory(history []models.ChatMessage, max int) []models.ChatMessage {
	if max > 0 && len(history) > max {
		return history[len(history)-max:]
	}
	return history
}

func encodeHistory(history []models.ChatMessage) ([]byte, error) {
	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal history: %w", err)
	}
	return data, nil
}

func decodeHistory(data []byte) ([]models.ChatMessage, error) {
	var history []models.ChatMessage
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history: %w", err)
	}
	return history, nil
}
