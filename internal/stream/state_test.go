package stream

import (
	"errors"
	"testing"
	"time"
)

func TestNextTransitions(t *testing.T) {
	cases := []struct {
		from State
		t    Transition
		want State
		ok   bool
	}{
		{StateIdle, TransitionStart, StateConnecting, true},
		{StateConnecting, TransitionOpen, StateStreaming, true},
		{StateStreaming, TransitionDone, StateCompleted, true},
		{StateStreaming, TransitionFail, StateError, true},
		{StateConnecting, TransitionCancel, StateCancelled, true},
		{StateStreaming, TransitionDegrade, StateDegraded, true},
		{StateError, TransitionRetry, StateConnecting, true},
		{StateCompleted, TransitionRetry, StateConnecting, true},
		{StateCancelled, TransitionReset, StateIdle, true},
		{StateIdle, TransitionRetry, StateIdle, false},
		{StateCancelled, TransitionRetry, StateCancelled, false},
		{StateDegraded, TransitionRetry, StateDegraded, false},
		{StateIdle, TransitionCancel, StateIdle, false},
		{StateCompleted, TransitionDone, StateCompleted, false},
		{StateStreaming, TransitionStart, StateStreaming, false},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.t)
		if tc.ok && err != nil {
			t.Fatalf("%s --%s--> 应合法: %v", tc.from, tc.t, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s --%s--> 应返回非法迁移, 实际 %v", tc.from, tc.t, err)
		}
		if got != tc.want {
			t.Fatalf("%s --%s--> 期望 %s, 实际 %s", tc.from, tc.t, tc.want, got)
		}
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range []State{StateConnecting, StateStreaming} {
		if !s.Active() || s.Terminal() {
			t.Fatalf("%s 应为活跃状态", s)
		}
	}
	for _, s := range []State{StateCompleted, StateError, StateCancelled, StateDegraded} {
		if s.Active() || !s.Terminal() {
			t.Fatalf("%s 应为终止状态", s)
		}
	}
	if !StateError.Retryable() || !StateCompleted.Retryable() || StateCancelled.Retryable() || StateIdle.Retryable() {
		t.Fatalf("只有 error 与 completed 可以重试")
	}
}

func TestRetryDelay(t *testing.T) {
	base := 2 * time.Second
	cases := map[int]time.Duration{
		0:  2 * time.Second,
		1:  4 * time.Second,
		3:  16 * time.Second,
		4:  maxRetryDelay,
		10: maxRetryDelay,
	}
	for retries, want := range cases {
		if got := retryDelay(base, retries); got != want {
			t.Fatalf("第 %d 次重试延迟期望 %s, 实际 %s", retries, want, got)
		}
	}
}

func TestStreamErrorClassification(t *testing.T) {
	err := classifyError("open", errors.New("connection refused"))
	if KindOf(err) != KindTransport || !IsRetryable(err) {
		t.Fatalf("普通错误应归为可重试的传输错误: %v", err)
	}
	auth := &StreamError{Kind: KindAuth, Op: "open", StatusCode: 401}
	if !IsAuth(classifyError("open", auth)) || IsRetryable(auth) {
		t.Fatalf("鉴权错误应保持分类且不可重试")
	}
	if got := auth.Error(); got != "open: auth (HTTP 401)" {
		t.Fatalf("错误文本不符合预期: %q", got)
	}
	if !IsAuthCode(4101) || IsAuthCode(5000) {
		t.Fatalf("鉴权业务码判断错误")
	}
}
