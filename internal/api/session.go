// 本文件用于会话结束后的收尾 组装卡片 落库 发布并写入对话历史
package api

import (
	"context"
	"strings"

	"knowledge-card/internal/bot"
	"knowledge-card/internal/card"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/models"
	"knowledge-card/internal/stream"
)

// errorFrame 推送给客户端的错误信息
type errorFrame struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Retrying  bool   `json:"retrying,omitempty"`
}

func buildErrorFrame(err error, retrying bool) errorFrame {
	frame := errorFrame{
		Kind:      string(stream.KindOf(err)),
		Retryable: stream.IsRetryable(err),
		Retrying:  retrying,
	}
	if err != nil {
		frame.Message = err.Error()
	}
	return frame
}

// prepareRequest 补齐用户与历史
func (h *handler) prepareRequest(ctx context.Context, req models.AskRequest) models.AskRequest {
	cfg := h.config()
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = cfg.BotUserID
	}
	if len(req.History) == 0 && h.history != nil && req.UserID != "" {
		past, err := h.history.LoadHistory(ctx, req.UserID, cfg.HistoryMaxMessages)
		if err != nil {
			logger.Warn("读取对话历史失败，按无历史提问: user=%s err=%v", req.UserID, err)
		} else {
			req.History = past
		}
	}
	return req
}

// finalize 会话结束后保存会话，完成或降级时组装卡片
func (h *handler) finalize(ctx context.Context, s stream.Session) (*card.KnowledgeCard, error) {
	if h.store != nil {
		if err := h.store.SaveSession(ctx, s); err != nil {
			logger.Warn("保存会话失败: session=%s err=%v", s.ID, err)
		}
	}
	if s.State != stream.StateCompleted && s.State != stream.StateDegraded {
		return nil, nil
	}

	cfg := h.config()
	kc := card.Assemble(s.ID, extract.Analyze(s.Buffer), cfg.RenderMinCompleteness, h.now())
	metrics.Global().ObserveCard(kc.Completeness, kc.Decision.Render)
	if kc.Decision.Render && h.publisher != nil {
		if page, err := card.RenderHTML(kc); err == nil {
			if link, err := h.publisher.Publish(ctx, kc.ID, page); err != nil {
				logger.Warn("卡片发布失败: card=%s err=%v", kc.ID, err)
			} else {
				kc.URL = link
			}
		}
	}
	if h.store != nil && kc.Decision.Render {
		if err := h.store.SaveCard(ctx, kc); err != nil {
			return &kc, err
		}
	}
	if s.State == stream.StateCompleted {
		h.appendHistory(ctx, s)
	}
	logger.Info("卡片已生成: session=%s card=%s completeness=%.2f render=%v",
		s.ID, kc.ID, kc.Completeness, kc.Decision.Render)
	return &kc, nil
}

func (h *handler) appendHistory(ctx context.Context, s stream.Session) {
	if h.history == nil || s.Request.UserID == "" || strings.TrimSpace(s.Buffer) == "" {
		return
	}
	err := h.history.AppendHistory(ctx, s.Request.UserID,
		models.ChatMessage{Role: "user", Content: bot.BuildPrompt(s.Request), ContentType: "text", Type: "question"},
		models.ChatMessage{Role: "assistant", Content: s.Buffer, ContentType: "text", Type: "answer"},
	)
	if err != nil {
		logger.Warn("写入对话历史失败: user=%s err=%v", s.Request.UserID, err)
	}
}
