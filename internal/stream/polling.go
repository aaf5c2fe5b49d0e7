// 本文件用于把轮询子协议包装成 SSE 字节流 让控制器用同一套读流逻辑处理两种模式
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
)

const (
	ChatStatusCreated        = "created"
	ChatStatusInProgress     = "in_progress"
	ChatStatusCompleted      = "completed"
	ChatStatusFailed         = "failed"
	ChatStatusCanceled       = "canceled"
	ChatStatusRequiresAction = "requires_action"
)

// ChatStatus 轮询得到的对话状态
type ChatStatus struct {
	Status string
	Code   int
	Msg    string
}

// PollingClient 轮询子协议需要的远端能力
type PollingClient interface {
	CreateChat(ctx context.Context, token string, req models.AskRequest) (models.ChatRef, error)
	RetrieveChat(ctx context.Context, token string, ref models.ChatRef) (ChatStatus, error)
	ListMessages(ctx context.Context, token string, ref models.ChatRef) ([]models.ChatMessage, error)
}

// PollingTransport 先创建对话，再按固定间隔轮询状态，完成后把回答写成 SSE 数据行
type PollingTransport struct {
	client      PollingClient
	interval    time.Duration
	maxAttempts int
}

// NewPollingTransport 创建轮询传输层
func NewPollingTransport(client PollingClient, interval time.Duration, maxAttempts int) *PollingTransport {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 90
	}
	return &PollingTransport{client: client, interval: interval, maxAttempts: maxAttempts}
}

// Open 创建对话并返回管道读端，轮询在后台协程中进行
func (p *PollingTransport) Open(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
	ref, err := p.client.CreateChat(ctx, token, req)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go p.pump(ctx, token, ref, pw)
	return pr, nil
}

func (p *PollingTransport) pump(ctx context.Context, token string, ref models.ChatRef, pw *io.PipeWriter) {
	if err := writeData(pw, map[string]string{
		"event":           "conversation.chat.created",
		"conversation_id": ref.ConversationID,
		"chat_id":         ref.ChatID,
	}); err != nil {
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			pw.CloseWithError(ctx.Err())
			return
		case <-ticker.C:
		}

		status, err := p.client.RetrieveChat(ctx, token, ref)
		if err != nil {
			if errors.Is(err, ErrMalformedStatus) {
				logger.Warn("轮询状态解析失败，继续等待: chat=%s attempt=%d err=%v", ref.ChatID, attempt, err)
				continue
			}
			pw.CloseWithError(err)
			return
		}
		logger.Debug("轮询状态: chat=%s attempt=%d status=%s", ref.ChatID, attempt, status.Status)

		switch status.Status {
		case ChatStatusCompleted:
			pw.CloseWithError(p.drain(ctx, token, ref, pw))
			return
		case ChatStatusFailed, ChatStatusCanceled, ChatStatusRequiresAction:
			pw.CloseWithError(&StreamError{
				Kind: KindRemote,
				Op:   "poll",
				Code: status.Code,
				Err:  fmt.Errorf("对话状态 %s: %s", status.Status, status.Msg),
			})
			return
		default:
			if _, err := io.WriteString(pw, ": keep-alive\n\n"); err != nil {
				return
			}
		}
	}
	pw.CloseWithError(&StreamError{
		Kind: KindTimeout,
		Op:   "poll",
		Err:  fmt.Errorf("轮询 %d 次后对话仍未完成", p.maxAttempts),
	})
}

// drain 拉取消息列表，把助手回答写成增量事件并以结束哨兵收尾。返回 nil 时管道正常关闭。
func (p *PollingTransport) drain(ctx context.Context, token string, ref models.ChatRef, pw *io.PipeWriter) error {
	messages, err := p.client.ListMessages(ctx, token, ref)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.Role != "assistant" || (msg.Type != "" && msg.Type != "answer") {
			continue
		}
		if err := writeData(pw, map[string]string{
			"event":           "conversation.message.delta",
			"conversation_id": ref.ConversationID,
			"chat_id":         ref.ChatID,
			"role":            "assistant",
			"type":            "answer",
			"content":         unwrapContent(msg.Content),
		}); err != nil {
			return err
		}
	}
	_, err = io.WriteString(pw, "data: [DONE]\n\n")
	return err
}

func writeData(w io.Writer, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// unwrapContent 回答有时被再包一层 JSON 字符串或对象，做一次二次解析
func unwrapContent(content string) string {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, `"`):
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err == nil {
			return inner
		}
	case strings.HasPrefix(trimmed, "{"):
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return content
		}
		for _, key := range []string{"content", "output", "text", "answer"} {
			if value, ok := obj[key].(string); ok && strings.TrimSpace(value) != "" {
				return value
			}
		}
	}
	return content
}
