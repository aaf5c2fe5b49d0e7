package history

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"knowledge-card/internal/models"
)

func TestAppendHistoryTrims(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var history []models.ChatMessage
	for i := 0; i < 4; i++ {
		history = appendHistory(history, []models.ChatMessage{{Role: "user", Content: fmt.Sprintf("q%d", i)}}, 3, now)
	}
	if len(history) != 3 || history[0].Content != "q1" || history[2].Content != "q3" {
		t.Fatalf("应只保留最近 3 条: %+v", history)
	}
	if history[0].ContentType != "text" || !history[0].CreatedAt.Equal(now) {
		t.Fatalf("缺省字段应被补齐: %+v", history[0])
	}
}

func TestHistoryCodec(t *testing.T) {
	data, err := encodeHistory([]models.ChatMessage{{Role: "assistant", Content: "答", Type: "answer"}})
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	got, err := decodeHistory(data)
	if err != nil || len(got) != 1 || got[0].Type != "answer" {
		t.Fatalf("解码结果不符合预期: %+v %v", got, err)
	}
	if _, err := decodeHistory([]byte("not-json")); err == nil {
		t.Fatalf("非法内容应返回错误")
	}
	if key("u1") != "history:u1" {
		t.Fatalf("键名不符合预期: %s", key("u1"))
	}
}

func TestNewRedisClient(t *testing.T) {
	if _, err := NewRedisClient(&models.Config{}); err == nil {
		t.Fatalf("地址为空应返回错误")
	}
	client, err := NewRedisClient(&models.Config{RedisAddr: "redis://:pw@localhost:6380/2"})
	if err != nil {
		t.Fatalf("URL 地址解析失败: %v", err)
	}
	defer client.Close()
	if opts := client.Options(); opts.Addr != "localhost:6380" || opts.DB != 2 || opts.Password != "pw" {
		t.Fatalf("URL 解析结果不符合预期: %+v", opts)
	}
}

// 需要本地 Redis，设置 REDIS_TEST_ADDR 后运行
func TestRedisStoreRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("未设置 REDIS_TEST_ADDR")
	}
	client, err := NewRedisClient(&models.Config{RedisAddr: addr})
	if err != nil {
		t.Fatalf("创建客户端失败: %v", err)
	}
	defer client.Close()
	store := NewRedisStore(client, 2)
	ctx := context.Background()
	user := fmt.Sprintf("test-%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = store.ClearHistory(ctx, user) })

	for _, content := range []string{"a", "b", "c"} {
		if err := store.AppendHistory(ctx, user, models.ChatMessage{Role: "user", Content: content}); err != nil {
			t.Fatalf("追加历史失败: %v", err)
		}
	}
	history, err := store.LoadHistory(ctx, user, 0)
	if err != nil || len(history) != 2 || history[0].Content != "b" {
		t.Fatalf("历史不符合预期: %+v %v", history, err)
	}
	if ttl := client.TTL(ctx, key(user)).Val(); ttl <= 0 || ttl > historyTTL {
		t.Fatalf("过期时间不符合预期: %v", ttl)
	}
}
