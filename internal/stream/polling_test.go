package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
)

type pollStep struct {
	status ChatStatus
	err    error
}

type fakePoller struct {
	mu        sync.Mutex
	createErr error
	steps     []pollStep
	retrieves int
	messages  []models.ChatMessage
}

func (f *fakePoller) CreateChat(ctx context.Context, token string, req models.AskRequest) (models.ChatRef, error) {
	if f.createErr != nil {
		return models.ChatRef{}, f.createErr
	}
	return models.ChatRef{ChatID: "chat-1", ConversationID: "conv-1"}, nil
}

func (f *fakePoller) RetrieveChat(ctx context.Context, token string, ref models.ChatRef) (ChatStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.retrieves
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	f.retrieves++
	return f.steps[idx].status, f.steps[idx].err
}

func (f *fakePoller) ListMessages(ctx context.Context, token string, ref models.ChatRef) ([]models.ChatMessage, error) {
	return f.messages, nil
}

func answerMessages() []models.ChatMessage {
	return []models.ChatMessage{
		{Role: "user", Type: "question", Content: "请分析"},
		{Role: "assistant", Type: "answer", Content: `"## 【命主信息概览】\n"`},
		{Role: "assistant", Type: "function_call", Content: `{"name":"bazi"}`},
		{Role: "assistant", Type: "answer", Content: `{"output":"* **性别**：男"}`},
		{Role: "assistant", Type: "follow_up", Content: "还想了解什么？"},
	}
}

func TestPollingTransportCompleted(t *testing.T) {
	poller := &fakePoller{
		steps: []pollStep{
			{status: ChatStatus{Status: ChatStatusInProgress}},
			{err: fmt.Errorf("%w: unexpected EOF", ErrMalformedStatus)},
			{status: ChatStatus{Status: ChatStatusCompleted}},
		},
		messages: answerMessages(),
	}
	transport := NewPollingTransport(poller, time.Millisecond, 5)
	body, err := transport.Open(context.Background(), "tk", askRequest)
	if err != nil {
		t.Fatalf("Open 失败: %v", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	events := sse.DecodeAll(data)
	if len(events) != 4 {
		t.Fatalf("事件数量期望 4, 实际 %d: %s", len(events), data)
	}
	if events[0].ConversationID != "conv-1" || events[0].ChatID != "chat-1" || events[0].Delta != "" {
		t.Fatalf("第一个事件应携带会话引用: %+v", events[0])
	}
	if got := sse.Accumulate(events); got != "## 【命主信息概览】\n* **性别**：男" {
		t.Fatalf("回答内容不符合预期: %q", got)
	}
	if events[3].Kind != sse.KindDone {
		t.Fatalf("最后应为结束事件: %+v", events[3])
	}
	if poller.retrieves != 3 {
		t.Fatalf("轮询次数期望 3, 实际 %d", poller.retrieves)
	}
}

func TestPollingTransportFailures(t *testing.T) {
	cases := map[string]struct {
		steps []pollStep
		kind  ErrorKind
	}{
		"远端失败": {
			steps: []pollStep{{status: ChatStatus{Status: ChatStatusFailed, Code: 5001, Msg: "bot error"}}},
			kind:  KindRemote,
		},
		"需要操作": {
			steps: []pollStep{{status: ChatStatus{Status: ChatStatusRequiresAction}}},
			kind:  KindRemote,
		},
		"轮询超限": {
			steps: []pollStep{{status: ChatStatus{Status: ChatStatusInProgress}}},
			kind:  KindTimeout,
		},
		"状态接口鉴权失败": {
			steps: []pollStep{{err: &StreamError{Kind: KindAuth, Op: "retrieve", Code: 4100}}},
			kind:  KindAuth,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			transport := NewPollingTransport(&fakePoller{steps: tc.steps}, time.Millisecond, 3)
			body, err := transport.Open(context.Background(), "tk", askRequest)
			if err != nil {
				t.Fatalf("Open 失败: %v", err)
			}
			_, err = io.ReadAll(body)
			if KindOf(err) != tc.kind {
				t.Fatalf("错误类型期望 %s, 实际 %v", tc.kind, err)
			}
		})
	}
}

func TestPollingTransportCreateError(t *testing.T) {
	boom := errors.New("dial failed")
	transport := NewPollingTransport(&fakePoller{createErr: boom}, time.Millisecond, 3)
	if _, err := transport.Open(context.Background(), "tk", askRequest); !errors.Is(err, boom) {
		t.Fatalf("创建失败应直接返回, 实际 %v", err)
	}
}

// 控制器在轮询模式下走同一套状态机
func TestControllerWithPollingTransport(t *testing.T) {
	rec := &recorder{}
	poller := &fakePoller{
		steps:    []pollStep{{status: ChatStatus{Status: ChatStatusCompleted}}},
		messages: answerMessages(),
	}
	c := NewController(NewPollingTransport(poller, time.Millisecond, 3), &fakeTokens{token: "tk"}, Options{Callbacks: rec.callbacks()})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCompleted {
		t.Fatalf("轮询会话应完成: state=%s err=%v", s.State, err)
	}
	if s.Buffer != "## 【命主信息概览】\n* **性别**：男" || s.ConversationID != "conv-1" {
		t.Fatalf("轮询会话快照不符合预期: %+v", s)
	}
	if _, completes, _ := rec.snapshot(); completes != 1 {
		t.Fatalf("complete 应触发一次, 实际 %d", completes)
	}
}

func TestUnwrapContent(t *testing.T) {
	cases := map[string]string{
		`"你好"`:                     "你好",
		`{"content":"甲"}`:          "甲",
		`{"text":"","answer":"乙"}`: "乙",
		`{"other":1}`:              `{"other":1}`,
		"普通文本":                     "普通文本",
		`"未闭合`:                     `"未闭合`,
	}
	for input, want := range cases {
		if got := unwrapContent(input); got != want {
			t.Fatalf("输入 %q 期望 %q, 实际 %q", input, want, got)
		}
	}
}
