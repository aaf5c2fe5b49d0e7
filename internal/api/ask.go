// 本文件用于提问接口 把控制器的状态与增量转成 SSE 推给浏览器
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
	"knowledge-card/internal/stream"
)

// sseWriter 串行写出 SSE 帧，客户端断开后静默丢弃
type sseWriter struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	closed  bool
}

func newSSEWriter(w io.Writer, flusher http.Flusher) *sseWriter {
	return &sseWriter{w: w, flusher: flusher}
}

func (s *sseWriter) send(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warn("SSE 帧序列化失败: event=%s err=%v", event, err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.closed = true
		return
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseWriter) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// ask 发起一次流式提问。
// 可重试的失败在 retries 次数内自动重发，结束时推送 card 或 error，最后推送 done。
func (h *handler) ask(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.newController == nil {
		writeError(w, http.StatusServiceUnavailable, "bot client is not ready")
		return
	}
	var req models.AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Empty() {
		writeError(w, http.StatusBadRequest, "prompt or birth is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	cfg := h.config()
	autoRetries := parseRetries(r.URL.Query().Get("retries"), cfg.StreamMaxRetries)
	ctx := r.Context()
	req = h.prepareRequest(ctx, req)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	out := newSSEWriter(w, flusher)
	defer out.close()
	preview := newPreviewer()
	ctrl := h.newController(cfg, stream.Callbacks{
		OnState: func(prev, next stream.State) {
			out.send("state", map[string]string{"prev": string(prev), "state": string(next)})
		},
		OnMessage: func(ev sse.Event, buffer string) {
			if ev.Delta == "" {
				return
			}
			out.send("message", preview.frame(ev, buffer))
		},
	})

	if err := ctrl.Start(ctx, req); err != nil {
		out.send("error", buildErrorFrame(err, false))
		out.send("done", map[string]string{"state": string(stream.StateIdle)})
		return
	}
	session, err := ctrl.Wait(ctx)
	for attempt := 0; err != nil && ctx.Err() == nil && stream.IsRetryable(err) && attempt < autoRetries; attempt++ {
		out.send("error", buildErrorFrame(err, true))
		if rerr := ctrl.RetryLast(ctx); rerr != nil {
			err = rerr
			break
		}
		session, err = ctrl.Wait(ctx)
	}

	// 客户端断开后仍要落库，使用不随请求取消的上下文
	saveCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		ctrl.Cancel()
		if _, ferr := h.finalize(saveCtx, ctrl.Snapshot()); ferr != nil {
			logger.Warn("保存已取消的会话失败: %v", ferr)
		}
		logger.Info("客户端断开，会话已取消: session=%s", session.ID)
		return
	}

	session = ctrl.Snapshot()
	kc, ferr := h.finalize(saveCtx, session)
	if ferr != nil {
		logger.Warn("保存卡片失败: session=%s err=%v", session.ID, ferr)
	}
	if kc != nil {
		out.send("card", kc)
	}
	if session.State == stream.StateError {
		if err == nil {
			err = session.Err
		}
		out.send("error", buildErrorFrame(err, false))
	}
	out.send("done", map[string]any{
		"sessionId": session.ID,
		"state":     string(session.State),
		"retries":   session.Retries,
	})
}

// parseRetries 自动重试次数不超过配置上限
func parseRetries(raw string, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return max
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0
	}
	if value > max {
		return max
	}
	return value
}
