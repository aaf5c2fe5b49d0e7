// 本文件用于封装机器人开放接口 包括流式对话与轮询子协议
package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/stream"
)

const (
	chatPath      = "/v3/chat"
	retrievePath  = "/v3/chat/retrieve"
	messagesPath  = "/v3/chat/message/list"
	maxErrorBytes = 64 * 1024
	maxBodyBytes  = 4 * 1024 * 1024
	// 流式响应的超时交给控制器的空闲看门狗，这里只限制等待响应头
	headerTimeout = 30 * time.Second
	pollTimeout   = 20 * time.Second
)

// Client 机器人接口客户端，同时实现流式传输与轮询能力
type Client struct {
	baseURL    string
	botID      string
	userID     string
	maxHistory int
	http       *http.Client
	tracer     trace.Tracer
	duration   metric.Float64Histogram
}

type chatRequest struct {
	BotID              string        `json:"bot_id"`
	UserID             string        `json:"user_id"`
	Stream             bool          `json:"stream"`
	AutoSaveHistory    bool          `json:"auto_save_history"`
	AdditionalMessages []wireMessage `json:"additional_messages"`
}

type wireMessage struct {
	Role        string `json:"role"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
	Type        string `json:"type,omitempty"`
	CreatedAt   int64  `json:"created_at,omitempty"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type chatData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	LastError      *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"last_error"`
}

// NewClient 按配置创建客户端
func NewClient(cfg *models.Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	c := &Client{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BotBaseURL), "/"),
		botID:      cfg.BotID,
		userID:     cfg.BotUserID,
		maxHistory: cfg.HistoryMaxMessages,
		http:       &http.Client{Transport: transport},
		tracer:     otel.Tracer("knowledge-card/internal/bot"),
	}
	histogram, err := otel.Meter("knowledge-card/internal/bot").Float64Histogram(
		"bot.request.duration",
		metric.WithDescription("Duration of bot API requests"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("机器人请求耗时指标创建失败: %v", err)
	} else {
		c.duration = histogram
	}
	return c
}

// Open 发起流式对话，返回 SSE 响应体
func (c *Client) Open(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
	ctx, span := c.tracer.Start(ctx, "bot.chat.stream")
	defer span.End()
	start := time.Now()

	endpoint := c.endpoint(chatPath, conversationQuery(req.ConversationID))
	httpReq, err := c.newJSONRequest(ctx, http.MethodPost, endpoint, token, c.buildChatRequest(req, true))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq)
	c.observe(ctx, "stream", start, resp)
	if err != nil {
		recordSpanError(span, err)
		return nil, fmt.Errorf("机器人请求失败: %w", err)
	}
	if resp.Body == nil {
		err := stream.NewError(stream.KindTransport, "open", fmt.Errorf("响应体为空"))
		recordSpanError(span, err)
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		err := statusError("open", resp)
		recordSpanError(span, err)
		return nil, err
	}
	// 鉴权等错误以 200 + JSON 信封返回，而不是事件流
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		defer resp.Body.Close()
		env, err := readEnvelope(resp.Body)
		if err != nil {
			return nil, stream.NewError(stream.KindTransport, "open", err)
		}
		if err := envelopeError("open", env); err != nil {
			recordSpanError(span, err)
			return nil, err
		}
		return nil, stream.NewError(stream.KindRemote, "open", fmt.Errorf("期望事件流，实际收到 JSON 响应"))
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp.Body, nil
}

// CreateChat 以非流式方式创建对话，返回轮询所需的引用
func (c *Client) CreateChat(ctx context.Context, token string, req models.AskRequest) (models.ChatRef, error) {
	endpoint := c.endpoint(chatPath, conversationQuery(req.ConversationID))
	var data chatData
	if err := c.call(ctx, "create", http.MethodPost, endpoint, token, c.buildChatRequest(req, false), &data); err != nil {
		return models.ChatRef{}, err
	}
	if data.ID == "" {
		return models.ChatRef{}, stream.NewError(stream.KindRemote, "create", fmt.Errorf("响应缺少 chat_id"))
	}
	return models.ChatRef{ChatID: data.ID, ConversationID: data.ConversationID}, nil
}

// RetrieveChat 查询对话状态。状态体无法解析时返回 ErrMalformedStatus。
func (c *Client) RetrieveChat(ctx context.Context, token string, ref models.ChatRef) (stream.ChatStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	endpoint := c.endpoint(retrievePath, refQuery(ref))
	var raw json.RawMessage
	if err := c.call(ctx, "retrieve", http.MethodGet, endpoint, token, nil, &raw); err != nil {
		return stream.ChatStatus{}, err
	}
	var data chatData
	if err := json.Unmarshal(raw, &data); err != nil || data.Status == "" {
		if err == nil {
			err = fmt.Errorf("缺少 status 字段")
		}
		return stream.ChatStatus{}, fmt.Errorf("%w: %v", stream.ErrMalformedStatus, err)
	}
	status := stream.ChatStatus{Status: data.Status}
	if data.LastError != nil {
		status.Code = data.LastError.Code
		status.Msg = data.LastError.Msg
	}
	return status, nil
}

// ListMessages 拉取对话完成后的消息列表
func (c *Client) ListMessages(ctx context.Context, token string, ref models.ChatRef) ([]models.ChatMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	endpoint := c.endpoint(messagesPath, refQuery(ref))
	var wire []wireMessage
	if err := c.call(ctx, "messages", http.MethodGet, endpoint, token, nil, &wire); err != nil {
		return nil, err
	}
	messages := make([]models.ChatMessage, 0, len(wire))
	for _, msg := range wire {
		item := models.ChatMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			ContentType: msg.ContentType,
			Type:        msg.Type,
		}
		if msg.CreatedAt > 0 {
			item.CreatedAt = time.Unix(msg.CreatedAt, 0)
		}
		messages = append(messages, item)
	}
	return messages, nil
}

// call 发送请求并解开 {code,msg,data} 信封
func (c *Client) call(ctx context.Context, op, method, endpoint, token string, payload any, out any) error {
	ctx, span := c.tracer.Start(ctx, "bot.chat."+op)
	defer span.End()
	start := time.Now()

	httpReq, err := c.newJSONRequest(ctx, method, endpoint, token, payload)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	c.observe(ctx, op, start, resp)
	if err != nil {
		recordSpanError(span, err)
		return fmt.Errorf("机器人请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := statusError(op, resp)
		recordSpanError(span, err)
		return err
	}
	env, err := readEnvelope(resp.Body)
	if err != nil {
		if op == "retrieve" {
			return fmt.Errorf("%w: %v", stream.ErrMalformedStatus, err)
		}
		return stream.NewError(stream.KindTransport, op, err)
	}
	if err := envelopeError(op, env); err != nil {
		recordSpanError(span, err)
		return err
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return stream.NewError(stream.KindTransport, op, fmt.Errorf("响应数据解析失败: %w", err))
	}
	return nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint, token string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("机器人请求构造失败: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("机器人请求创建失败: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

func (c *Client) buildChatRequest(req models.AskRequest, streaming bool) chatRequest {
	userID := firstNonEmpty(req.UserID, c.userID)
	messages := BuildMessages(req, c.maxHistory)
	wire := make([]wireMessage, 0, len(messages))
	for _, msg := range messages {
		wire = append(wire, wireMessage{
			Role:        msg.Role,
			Content:     msg.Content,
			ContentType: msg.ContentType,
			Type:        msg.Type,
		})
	}
	return chatRequest{
		BotID:              c.botID,
		UserID:             userID,
		Stream:             streaming,
		AutoSaveHistory:    true,
		AdditionalMessages: wire,
	}
}

func (c *Client) endpoint(path string, query url.Values) string {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	return endpoint
}

func (c *Client) observe(ctx context.Context, op string, start time.Time, resp *http.Response) {
	if c.duration == nil {
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("bot.op", op),
		attribute.Int("http.status_code", status),
	))
}

func conversationQuery(conversationID string) url.Values {
	if strings.TrimSpace(conversationID) == "" {
		return nil
	}
	return url.Values{"conversation_id": []string{conversationID}}
}

func refQuery(ref models.ChatRef) url.Values {
	return url.Values{
		"chat_id":         []string{ref.ChatID},
		"conversation_id": []string{ref.ConversationID},
	}
}

func readEnvelope(r io.Reader) (envelope, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return envelope{}, fmt.Errorf("响应读取失败: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("响应解析失败: %w", err)
	}
	return env, nil
}

// statusError 非 2xx 响应转为带分类的错误，401/403 或鉴权业务码视为鉴权失败
func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	kind := stream.KindTransport
	code := 0
	var env envelope
	if json.Unmarshal(data, &env) == nil && env.Code != 0 {
		code = env.Code
		if stream.IsAuthCode(code) {
			kind = stream.KindAuth
		}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		kind = stream.KindAuth
	}
	return &stream.StreamError{
		Kind:       kind,
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       code,
		Err:        fmt.Errorf("响应异常: %s", strings.TrimSpace(string(data))),
	}
}

func envelopeError(op string, env envelope) error {
	if env.Code == 0 {
		return nil
	}
	kind := stream.KindRemote
	if stream.IsAuthCode(env.Code) {
		kind = stream.KindAuth
	}
	return &stream.StreamError{Kind: kind, Op: op, Code: env.Code, Err: errors.New(env.Msg)}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
