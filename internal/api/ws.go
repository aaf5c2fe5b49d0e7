// 本文件用于 websocket 提问通道 支持在同一连接上提问 取消 重试与重置
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"knowledge-card/internal/card"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
	"knowledge-card/internal/stream"
)

const wsWriteTimeout = 10 * time.Second

// wsIncoming 客户端指令
type wsIncoming struct {
	Action  string             `json:"action"` // ask cancel retry reset
	Request *models.AskRequest `json:"request,omitempty"`
}

// wsOutgoing 服务端推送
type wsOutgoing struct {
	Type      string              `json:"type"`
	SessionID string              `json:"sessionId,omitempty"`
	Prev      string              `json:"prev,omitempty"`
	State     string              `json:"state,omitempty"`
	Preview   *previewFrame       `json:"preview,omitempty"`
	Card      *card.KnowledgeCard `json:"card,omitempty"`
	Error     *errorFrame         `json:"error,omitempty"`
}

// wsConn 一个连接对应一个控制器
type wsConn struct {
	h       *handler
	conn    *websocket.Conn
	writeMu sync.Mutex
	ctrl    *stream.Controller
	ctx     context.Context
	pending sync.WaitGroup
	preview *previewer
}

func (h *handler) upgrader() *websocket.Upgrader {
	cfg := h.config()
	allowed := parseAllowedOrigins(cfg)
	allowAny := len(allowed) == 0 && !isAPIAuthEnabled(cfg)
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAny {
				return true
			}
			return isOriginAllowed(origin, allowed, r.Host)
		},
	}
}

func (h *handler) askWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.newController == nil {
		writeError(w, http.StatusServiceUnavailable, "bot client is not ready")
		return
	}
	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	c := &wsConn{h: h, conn: conn, ctx: ctx, preview: newPreviewer()}
	c.ctrl = h.newController(h.config(), c.callbacks())
	defer func() {
		cancel()
		c.ctrl.Reset()
		c.pending.Wait()
	}()

	c.send(wsOutgoing{Type: "connected", State: string(stream.StateIdle)})
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket 异常关闭: %v", err)
			}
			return
		}
		var in wsIncoming
		if err := json.Unmarshal(message, &in); err != nil {
			c.sendError(stream.NewError(stream.KindInvalidState, "decode", err))
			continue
		}
		c.handle(in)
	}
}

func (c *wsConn) handle(in wsIncoming) {
	switch in.Action {
	case "ask":
		if in.Request == nil || in.Request.Empty() {
			c.sendError(stream.NewError(stream.KindInvalidState, "ask", stream.ErrEmptyRequest))
			return
		}
		req := c.h.prepareRequest(c.ctx, *in.Request)
		if err := c.ctrl.Start(c.ctx, req); err != nil {
			c.sendError(err)
		}
	case "cancel":
		if c.ctrl.Cancel() {
			c.finalize(c.ctrl.Snapshot())
		}
	case "retry":
		// 重试会先等待退避时间，不能阻塞读循环
		c.pending.Add(1)
		go func() {
			defer c.pending.Done()
			if err := c.ctrl.RetryLast(c.ctx); err != nil {
				c.sendError(err)
			}
		}()
	case "reset":
		c.ctrl.Reset()
	default:
		c.send(wsOutgoing{Type: "error", Error: &errorFrame{Kind: string(stream.KindInvalidState), Message: "unknown action: " + in.Action}})
	}
}

// callbacks 回调内只推送消息，落库放到独立 goroutine
func (c *wsConn) callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnState: func(prev, next stream.State) {
			c.send(wsOutgoing{Type: "state", Prev: string(prev), State: string(next)})
		},
		OnMessage: func(ev sse.Event, buffer string) {
			if ev.Delta == "" {
				return
			}
			frame := c.preview.frame(ev, buffer)
			c.send(wsOutgoing{Type: "delta", Preview: &frame})
		},
		OnComplete: func(s stream.Session) {
			c.finalize(s)
		},
		OnError: func(err error, s stream.Session) {
			frame := buildErrorFrame(err, false)
			c.send(wsOutgoing{Type: "error", SessionID: s.ID, Error: &frame})
			c.finalize(s)
		},
	}
}

func (c *wsConn) finalize(s stream.Session) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		kc, err := c.h.finalize(context.WithoutCancel(c.ctx), s)
		if err != nil {
			logger.Warn("保存卡片失败: session=%s err=%v", s.ID, err)
		}
		if kc != nil {
			c.send(wsOutgoing{Type: "card", SessionID: s.ID, Card: kc})
		}
	}()
}

func (c *wsConn) sendError(err error) {
	frame := buildErrorFrame(err, false)
	c.send(wsOutgoing{Type: "error", Error: &frame})
}

func (c *wsConn) send(msg wsOutgoing) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		logger.Debug("websocket 写出失败: type=%s err=%v", msg.Type, err)
	}
}
