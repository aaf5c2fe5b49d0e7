// 本文件用于把 SSE 字节流切分为有序的流事件
package sse

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"knowledge-card/internal/logger"
)

// Kind 流事件类型
type Kind string

const (
	KindMessage Kind = "message"
	KindError   Kind = "error"
	KindDone    Kind = "done"
)

// DoneSentinel 流结束哨兵
const DoneSentinel = "[DONE]"

const maxLoggedPayload = 120

// Event 一条解码后的 SSE 消息，产生后不再修改
type Event struct {
	Kind           Kind   `json:"kind"`
	Name           string `json:"name,omitempty"` // 同一帧内 event: 字段
	Raw            string `json:"raw"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ChatID         string `json:"chatId,omitempty"`
	Role           string `json:"role,omitempty"`
	ContentType    string `json:"contentType,omitempty"`
	Type           string `json:"type,omitempty"`
	Status         string `json:"status,omitempty"`
	Delta          string `json:"delta,omitempty"`
	ErrorCode      int    `json:"errorCode,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

type wirePayload struct {
	Event          string          `json:"event"`
	ID             string          `json:"id"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	ChatID         string          `json:"chat_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	ContentType    string          `json:"content_type"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Code           json.RawMessage `json:"code"`
	Msg            string          `json:"msg"`
	LastError      *struct {
		Code json.RawMessage `json:"code"`
		Msg  string          `json:"msg"`
	} `json:"last_error"`
}

// Decoder 增量 SSE 解码器，跨分块缓存未完成的行
type Decoder struct {
	pending   []byte
	eventName string
	done      bool
	skipped   int
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 喂入一个原始分块，返回其中已完整的事件。
// 多字节字符被切开时残余字节留在缓冲区，直到换行出现才解码。
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done || len(chunk) == 0 {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var events []Event
	for !d.done {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(d.pending[:idx], "\r"))
		d.pending = d.pending[idx+1:]
		if ev, ok := d.decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	if d.done {
		d.pending = nil
	} else if len(d.pending) == 0 {
		d.pending = nil
	}
	return events
}

// Flush 在流结束时处理最后一行没有换行的残留内容
func (d *Decoder) Flush() []Event {
	if d.done || len(d.pending) == 0 {
		d.pending = nil
		return nil
	}
	line := string(bytes.TrimRight(d.pending, "\r"))
	d.pending = nil
	if ev, ok := d.decodeLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Done 是否已收到结束哨兵
func (d *Decoder) Done() bool {
	return d.done
}

// Skipped 被宽容跳过的 data 行数
func (d *Decoder) Skipped() int {
	return d.skipped
}

// Pending 尚未成行的缓冲字节数
func (d *Decoder) Pending() int {
	return len(d.pending)
}

func (d *Decoder) decodeLine(line string) (Event, bool) {
	if line == "" {
		d.eventName = ""
		return Event{}, false
	}
	if strings.HasPrefix(line, ":") {
		return Event{}, false
	}
	if value, ok := fieldValue(line, "event"); ok {
		d.eventName = value
		return Event{}, false
	}
	payload, ok := fieldValue(line, "data")
	if !ok {
		return Event{}, false
	}

	name := d.eventName
	if isDoneSentinel(payload) {
		d.done = true
		return Event{Kind: KindDone, Name: name, Raw: payload}, true
	}

	var wire wirePayload
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		d.skipped++
		logger.Warn("SSE 数据解析失败，已跳过: %v payload=%s", err, truncate(payload, maxLoggedPayload))
		return Event{}, false
	}
	return buildEvent(name, payload, wire), true
}

func buildEvent(name, raw string, wire wirePayload) Event {
	if name == "" {
		name = wire.Event
	}
	ev := Event{
		Kind:           KindMessage,
		Name:           name,
		Raw:            raw,
		ConversationID: wire.ConversationID,
		MessageID:      firstNonEmpty(wire.MessageID, wire.ID),
		ChatID:         wire.ChatID,
		Role:           wire.Role,
		ContentType:    wire.ContentType,
		Type:           wire.Type,
		Status:         wire.Status,
	}

	code, msg := lenientCode(wire.Code), wire.Msg
	if wire.LastError != nil && lenientCode(wire.LastError.Code) != 0 {
		code, msg = lenientCode(wire.LastError.Code), wire.LastError.Msg
	}
	lowerName := strings.ToLower(name)
	if strings.Contains(lowerName, "error") || strings.HasSuffix(lowerName, ".failed") || code != 0 {
		ev.Kind = KindError
		ev.ErrorCode = code
		ev.ErrorMessage = firstNonEmpty(msg, wire.Content)
		return ev
	}
	if carriesDelta(lowerName, wire) {
		ev.Delta = wire.Content
	}
	return ev
}

// carriesDelta 判断事件内容是否应追加到会话缓冲。
// completed 事件会重复整段内容，只有增量事件或无名事件才累加。
func carriesDelta(lowerName string, wire wirePayload) bool {
	if wire.Content == "" {
		return false
	}
	if lowerName != "" && !strings.Contains(lowerName, "delta") {
		return false
	}
	if wire.Role != "" && wire.Role != "assistant" {
		return false
	}
	if wire.Type != "" && wire.Type != "answer" {
		return false
	}
	return true
}

func fieldValue(line, field string) (string, bool) {
	if !strings.HasPrefix(line, field+":") {
		return "", false
	}
	value := line[len(field)+1:]
	value = strings.TrimPrefix(value, " ")
	return strings.TrimSpace(value), true
}

func isDoneSentinel(payload string) bool {
	if payload == DoneSentinel {
		return true
	}
	return payload == `"`+DoneSentinel+`"`
}

func lenientCode(raw json.RawMessage) int {
	text := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if text == "" || text == "null" {
		return 0
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0
	}
	return v
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
