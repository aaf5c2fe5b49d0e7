package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
)

type fakeTokens struct {
	token       string
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	return f.token, f.err
}

func (f *fakeTokens) Invalidate() {
	f.invalidated.Add(1)
}

type transportFunc func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error)

func (f transportFunc) Open(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
	return f(ctx, token, req)
}

type recorder struct {
	mu        sync.Mutex
	states    []string
	buffers   []string
	completes []Session
	errs      []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(prev, next State) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, fmt.Sprintf("%s->%s", prev, next))
		},
		OnMessage: func(ev sse.Event, buffer string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.buffers = append(r.buffers, buffer)
		},
		OnComplete: func(s Session) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completes = append(r.completes, s)
		},
		OnError: func(err error, s Session) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
	}
}

func (r *recorder) snapshot() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.states...), len(r.completes), len(r.errs)
}

func deltaLine(content string) string {
	return fmt.Sprintf("event:conversation.message.delta\ndata:{\"conversation_id\":\"conv-1\",\"role\":\"assistant\",\"type\":\"answer\",\"content\":%q}\n\n", content)
}

func staticBody(body string) transportFunc {
	return func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

// blockingBody 返回永远不写入的流，只有关闭时才结束读取
func blockingBody() transportFunc {
	return func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		pr, _ := io.Pipe()
		return pr, nil
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待状态 %s 超时, 当前 %s", want, c.State())
}

var askRequest = models.AskRequest{
	Prompt: "请分析",
	UserID: "u1",
	Birth:  &models.BirthInfo{Name: "小明", Gender: "男", BirthDate: "2020-05-01"},
}

// 三条数据后收到结束哨兵
func TestControllerCompletesOnDone(t *testing.T) {
	rec := &recorder{}
	body := deltaLine("甲") + ": keep-alive\n\n" + deltaLine("乙") + deltaLine("丙") + "data: [DONE]\n\n"
	c := NewController(staticBody(body), &fakeTokens{token: "tk"}, Options{ChunkSize: 7, Callbacks: rec.callbacks()})

	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil {
		t.Fatalf("会话不应失败: %v", err)
	}
	states, completes, errs := rec.snapshot()
	want := []string{"idle->connecting", "connecting->streaming", "streaming->completed"}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("状态序列期望 %v, 实际 %v", want, states)
	}
	if completes != 1 || errs != 0 {
		t.Fatalf("complete 应触发一次且无错误, 实际 complete=%d error=%d", completes, errs)
	}
	if s.State != StateCompleted || s.Buffer != "甲乙丙" || len(s.Events) != 3 {
		t.Fatalf("会话快照不符合预期: %+v", s)
	}
	if s.ConversationID != "conv-1" {
		t.Fatalf("会话 ID 应来自事件: %q", s.ConversationID)
	}
	if !reflect.DeepEqual(rec.buffers, []string{"甲", "甲乙", "甲乙丙"}) {
		t.Fatalf("增量缓冲不符合预期: %v", rec.buffers)
	}
	if s.FinishedAt.IsZero() {
		t.Fatalf("结束时间应被记录")
	}
}

// 流正常结束但没有哨兵，最后一行也没有换行
func TestControllerCompletesOnEOF(t *testing.T) {
	rec := &recorder{}
	body := deltaLine("甲") + `data: {"content":"乙"}`
	c := NewController(staticBody(body), &fakeTokens{token: "tk"}, Options{Callbacks: rec.callbacks()})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCompleted || s.Buffer != "甲乙" {
		t.Fatalf("EOF 应视为完成: state=%s buffer=%q err=%v", s.State, s.Buffer, err)
	}
	if _, completes, _ := rec.snapshot(); completes != 1 {
		t.Fatalf("complete 应触发一次, 实际 %d", completes)
	}
}

// 连接失败后重试同一请求，超过上限后拒绝
func TestControllerRetryUntilExhausted(t *testing.T) {
	rec := &recorder{}
	var mu sync.Mutex
	var calls []models.AskRequest
	transport := transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		mu.Lock()
		calls = append(calls, req)
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	c := NewController(transport, &fakeTokens{token: "tk"}, Options{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
		Callbacks:  rec.callbacks(),
	})

	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if s.State != StateError || KindOf(err) != KindTransport {
		t.Fatalf("连接失败应进入 error: state=%s err=%v", s.State, err)
	}
	for i := 1; i <= 2; i++ {
		if err := c.RetryLast(waitCtx(t)); err != nil {
			t.Fatalf("第 %d 次重试不应被拒绝: %v", i, err)
		}
		s, err = c.Wait(waitCtx(t))
		if s.State != StateError || err == nil || s.Retries != i {
			t.Fatalf("第 %d 次重试结果不符合预期: state=%s retries=%d err=%v", i, s.State, s.Retries, err)
		}
	}
	err = c.RetryLast(waitCtx(t))
	if !errors.Is(err, ErrRetriesExhausted) || KindOf(err) != KindRetriesExhausted {
		t.Fatalf("超过上限应返回重试用尽, 实际 %v", err)
	}
	if c.State() != StateError {
		t.Fatalf("拒绝重试不应改变状态: %s", c.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 3 {
		t.Fatalf("请求次数期望 3, 实际 %d", len(calls))
	}
	for _, req := range calls {
		if !reflect.DeepEqual(req, askRequest) {
			t.Fatalf("重试应使用相同请求: %+v", req)
		}
	}
	if _, completes, errs := rec.snapshot(); completes != 0 || errs != 3 {
		t.Fatalf("每次失败只上报一次, 实际 complete=%d error=%d", completes, errs)
	}
}

func TestControllerCancel(t *testing.T) {
	rec := &recorder{}
	c := NewController(blockingBody(), &fakeTokens{token: "tk"}, Options{Callbacks: rec.callbacks()})
	if c.Cancel() {
		t.Fatalf("空闲时取消应返回 false")
	}
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	waitForState(t, c, StateStreaming)

	if !c.Cancel() {
		t.Fatalf("活跃会话取消应返回 true")
	}
	if c.Cancel() {
		t.Fatalf("重复取消应返回 false")
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCancelled {
		t.Fatalf("取消后应为 cancelled: state=%s err=%v", s.State, err)
	}
	states, completes, errs := rec.snapshot()
	if completes != 0 || errs != 0 {
		t.Fatalf("取消不应触发 complete/error 回调")
	}
	if states[len(states)-1] != "streaming->cancelled" {
		t.Fatalf("最后一次状态变更应为取消: %v", states)
	}
	if err := c.RetryLast(waitCtx(t)); KindOf(err) != KindInvalidState {
		t.Fatalf("cancelled 不允许重试, 实际 %v", err)
	}
}

func TestControllerParentContextCancel(t *testing.T) {
	rec := &recorder{}
	c := NewController(blockingBody(), &fakeTokens{token: "tk"}, Options{Callbacks: rec.callbacks()})
	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx, askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	waitForState(t, c, StateStreaming)
	cancel()

	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCancelled {
		t.Fatalf("调用方取消后应为 cancelled: state=%s err=%v", s.State, err)
	}
	if _, completes, errs := rec.snapshot(); completes != 0 || errs != 0 {
		t.Fatalf("调用方取消不应触发 complete/error 回调")
	}
}

func TestControllerIdleTimeout(t *testing.T) {
	rec := &recorder{}
	c := NewController(blockingBody(), &fakeTokens{token: "tk"}, Options{Timeout: 50 * time.Millisecond, Callbacks: rec.callbacks()})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if s.State != StateError || !IsTimeout(err) || !errors.Is(err, ErrIdleTimeout) {
		t.Fatalf("无数据应超时失败: state=%s err=%v", s.State, err)
	}
	if _, _, errs := rec.snapshot(); errs != 1 {
		t.Fatalf("超时只应上报一次, 实际 %d", errs)
	}
}

func TestControllerDegradesOnAuthFailure(t *testing.T) {
	cases := map[string]struct {
		tokens    *fakeTokens
		transport Transport
		invalid   int32
	}{
		"令牌获取失败": {
			tokens:    &fakeTokens{err: errors.New("token expired")},
			transport: staticBody("data: [DONE]\n\n"),
		},
		"HTTP 401": {
			tokens: &fakeTokens{token: "tk"},
			transport: transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
				return nil, &StreamError{Kind: KindAuth, Op: "open", StatusCode: 401}
			}),
			invalid: 1,
		},
		"流内令牌过期": {
			tokens:    &fakeTokens{token: "tk"},
			transport: staticBody(deltaLine("甲") + "event:error\ndata:{\"code\":4101,\"msg\":\"token expired\"}\n\n"),
			invalid:   1,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			c := NewController(tc.transport, tc.tokens, Options{Callbacks: rec.callbacks()})
			if err := c.Start(context.Background(), askRequest); err != nil {
				t.Fatalf("Start 失败: %v", err)
			}
			s, err := c.Wait(waitCtx(t))
			if err != nil || s.State != StateDegraded {
				t.Fatalf("鉴权失败应降级: state=%s err=%v", s.State, err)
			}
			if !IsAuth(s.Err) {
				t.Fatalf("降级会话应保留鉴权错误: %v", s.Err)
			}
			if !strings.Contains(s.Buffer, "命主信息概览") || !strings.Contains(s.Buffer, "小明") {
				t.Fatalf("兜底回答不符合预期: %q", s.Buffer)
			}
			if _, completes, errs := rec.snapshot(); completes != 1 || errs != 0 {
				t.Fatalf("降级应触发一次 complete, 实际 complete=%d error=%d", completes, errs)
			}
			if got := tc.tokens.invalidated.Load(); got != tc.invalid {
				t.Fatalf("令牌失效次数期望 %d, 实际 %d", tc.invalid, got)
			}
			if err := c.RetryLast(waitCtx(t)); KindOf(err) != KindInvalidState {
				t.Fatalf("degraded 不允许重试, 实际 %v", err)
			}
		})
	}
}

func TestControllerRemoteErrorEvent(t *testing.T) {
	body := deltaLine("甲") + "event:conversation.chat.failed\ndata:{\"last_error\":{\"code\":5000,\"msg\":\"busy\"}}\n\n" + deltaLine("乙")
	c := NewController(staticBody(body), &fakeTokens{token: "tk"}, Options{})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	var se *StreamError
	if !errors.As(err, &se) || se.Kind != KindRemote || se.Code != 5000 {
		t.Fatalf("远端错误事件应得到 remote 错误: %v", err)
	}
	if s.Buffer != "甲" {
		t.Fatalf("错误之后的数据不应进入缓冲: %q", s.Buffer)
	}
}

// 活跃时再次 Start 先取消旧会话
func TestControllerStartReplacesActiveSession(t *testing.T) {
	rec := &recorder{}
	var opens atomic.Int32
	transport := transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		if opens.Add(1) == 1 {
			pr, _ := io.Pipe()
			return pr, nil
		}
		return io.NopCloser(strings.NewReader(deltaLine("新") + "data: [DONE]\n\n")), nil
	})
	c := NewController(transport, &fakeTokens{token: "tk"}, Options{Callbacks: rec.callbacks()})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	waitForState(t, c, StateStreaming)
	first := c.Snapshot().ID

	if err := c.Start(context.Background(), models.AskRequest{Prompt: "第二次"}); err != nil {
		t.Fatalf("第二次 Start 失败: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCompleted || s.Buffer != "新" {
		t.Fatalf("新会话应完成: state=%s buffer=%q err=%v", s.State, s.Buffer, err)
	}
	if s.ID == first || s.Request.Prompt != "第二次" {
		t.Fatalf("应是新的会话: %+v", s)
	}
	states, completes, _ := rec.snapshot()
	want := []string{
		"idle->connecting", "connecting->streaming",
		"streaming->cancelled", "cancelled->connecting",
		"connecting->streaming", "streaming->completed",
	}
	if !reflect.DeepEqual(states, want) {
		t.Fatalf("状态序列期望 %v, 实际 %v", want, states)
	}
	if completes != 1 {
		t.Fatalf("只有新会话触发 complete, 实际 %d", completes)
	}
}

func TestControllerResetAndValidation(t *testing.T) {
	c := NewController(staticBody(deltaLine("甲")+"data: [DONE]\n\n"), &fakeTokens{token: "tk"}, Options{})
	if err := c.Start(context.Background(), models.AskRequest{}); !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("空请求应被拒绝, 实际 %v", err)
	}
	if err := c.RetryLast(context.Background()); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("没有请求时重试应返回 ErrNoRequest, 实际 %v", err)
	}
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if _, err := c.Wait(waitCtx(t)); err != nil {
		t.Fatalf("会话不应失败: %v", err)
	}

	c.Reset()
	s := c.Snapshot()
	if s.State != StateIdle || s.Buffer != "" || s.ID != "" {
		t.Fatalf("Reset 后应回到空闲: %+v", s)
	}
	if err := c.RetryLast(context.Background()); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("Reset 应清空上一次请求, 实际 %v", err)
	}
}

// 完成的会话也允许重发
func TestControllerRetryAfterCompleted(t *testing.T) {
	c := NewController(staticBody(deltaLine("甲")+"data: [DONE]\n\n"), &fakeTokens{token: "tk"}, Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if _, err := c.Wait(waitCtx(t)); err != nil {
		t.Fatalf("会话不应失败: %v", err)
	}
	if err := c.RetryLast(waitCtx(t)); err != nil {
		t.Fatalf("completed 应允许重试: %v", err)
	}
	s, err := c.Wait(waitCtx(t))
	if err != nil || s.State != StateCompleted || s.Buffer != "甲" || s.Retries != 1 {
		t.Fatalf("重试后缓冲应重新累积: state=%s buffer=%q retries=%d err=%v", s.State, s.Buffer, s.Retries, err)
	}
}

// 重试等待期间取消不发起请求
func TestControllerRetryWaitHonoursContext(t *testing.T) {
	var opens atomic.Int32
	transport := transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		opens.Add(1)
		return nil, errors.New("boom")
	})
	c := NewController(transport, &fakeTokens{token: "tk"}, Options{MaxRetries: 3, RetryDelay: time.Hour})
	if err := c.Start(context.Background(), askRequest); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	_, _ = c.Wait(waitCtx(t))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.RetryLast(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("等待期间超时应返回 ctx 错误, 实际 %v", err)
	}
	if opens.Load() != 1 {
		t.Fatalf("等待被取消后不应再次请求")
	}
}
