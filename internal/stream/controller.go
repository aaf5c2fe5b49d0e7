// 本文件用于驱动一次流式问答的完整生命周期 包括取令牌 建连 读流 取消 重试与超时
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowledge-card/internal/logger"
	"knowledge-card/internal/metrics"
	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
)

const (
	defaultTimeout    = 3 * time.Minute
	defaultRetryDelay = 2 * time.Second
	defaultChunkSize  = 4096
	maxRetryDelay     = 30 * time.Second
)

// Transport 打开一次远端请求，返回原始 SSE 字节流
type Transport interface {
	Open(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error)
}

// TokenSource 鉴权令牌来源
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// tokenInvalidator 支持在远端判定令牌失效后丢弃缓存
type tokenInvalidator interface {
	Invalidate()
}

// Callbacks 会话通知。回调串行执行，回调内不能再调用同一个控制器的方法。
type Callbacks struct {
	OnState    func(prev, next State)
	OnMessage  func(ev sse.Event, buffer string)
	OnComplete func(s Session) // completed 与 degraded 都会触发
	OnError    func(err error, s Session)
}

// Options 控制器参数，零值使用默认值
type Options struct {
	Timeout    time.Duration // 无数据的最长等待
	MaxRetries int
	RetryDelay time.Duration
	ChunkSize  int
	Degraded   DegradedResponder
	Callbacks  Callbacks
	Now        func() time.Time
	NewID      func() string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = defaultRetryDelay
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = defaultChunkSize
	}
	if o.Degraded == nil {
		o.Degraded = CannedResponse
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Controller 一次只持有一个活跃会话的流式控制器
type Controller struct {
	transport Transport
	tokens    TokenSource
	opts      Options
	tracer    trace.Tracer

	mu      sync.Mutex
	session Session
	lastReq *models.AskRequest
	gen     uint64
	run     *runHandle

	// emitMu 串行化状态变更与对应回调，锁顺序 emitMu -> mu
	emitMu sync.Mutex
}

type runHandle struct {
	gen      uint64
	cancel   context.CancelFunc
	watchdog *time.Timer
	timedOut atomic.Bool
	done     chan struct{}
}

// NewController 创建控制器，传输层与令牌来源由调用方注入
func NewController(transport Transport, tokens TokenSource, opts Options) *Controller {
	return &Controller{
		transport: transport,
		tokens:    tokens,
		opts:      opts.withDefaults(),
		tracer:    otel.Tracer("knowledge-card/internal/stream"),
		session:   Session{State: StateIdle},
	}
}

// Start 发起新请求。已有活跃会话时先取消旧会话。
func (c *Controller) Start(ctx context.Context, req models.AskRequest) error {
	if req.Empty() {
		return NewError(KindInvalidState, "start", ErrEmptyRequest)
	}
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	now := c.opts.Now()

	c.mu.Lock()
	var notes []stateNote
	stale := c.run
	if c.session.State.Active() {
		notes = append(notes, c.cancelLocked(now))
	}
	prev := c.session.State
	if _, err := Next(prev, TransitionStart); err != nil {
		c.mu.Unlock()
		return &StreamError{Kind: KindInvalidState, Op: "start", Err: err}
	}
	reqCopy := req
	c.lastReq = &reqCopy
	c.session = buildStartedSession(c.opts.NewID(), req, c.opts.MaxRetries, now)
	notes = append(notes, stateNote{prev: prev, next: StateConnecting})
	c.launchLocked(ctx, req)
	sessionID := c.session.ID
	c.mu.Unlock()

	stale.stop()
	logger.Info("会话开始: session=%s user=%s", sessionID, req.UserID)
	c.notifyStates(notes)
	return nil
}

// Cancel 取消活跃会话，只触发一次状态通知。无活跃会话时返回 false。
func (c *Controller) Cancel() bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if !c.session.State.Active() {
		c.mu.Unlock()
		return false
	}
	h := c.run
	note := c.cancelLocked(c.opts.Now())
	sessionID := c.session.ID
	c.mu.Unlock()

	h.stop()
	logger.Info("会话已取消: session=%s", sessionID)
	c.notifyStates([]stateNote{note})
	return true
}

// RetryLast 按原请求重发上一次失败或完成的会话，受最大重试次数约束
func (c *Controller) RetryLast(ctx context.Context) error {
	c.mu.Lock()
	if c.lastReq == nil {
		c.mu.Unlock()
		return NewError(KindInvalidState, "retry", ErrNoRequest)
	}
	state := c.session.State
	if !state.Retryable() {
		c.mu.Unlock()
		return &StreamError{Kind: KindInvalidState, Op: "retry", Err: fmt.Errorf("%w: %s", ErrInvalidTransition, state)}
	}
	if !hasRetryBudget(c.session) {
		sessionID, retries := c.session.ID, c.session.Retries
		c.mu.Unlock()
		logger.Warn("重试次数已用尽，忽略重试: session=%s retries=%d", sessionID, retries)
		metrics.Global().IncRetriesExhausted()
		return NewError(KindRetriesExhausted, "retry", ErrRetriesExhausted)
	}
	sessionID, retries, gen := c.session.ID, c.session.Retries, c.gen
	c.mu.Unlock()

	delay := retryDelay(c.opts.RetryDelay, retries)
	timer := time.NewTimer(delay)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C:
	}

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.mu.Lock()
	if c.gen != gen || c.session.ID != sessionID || !c.session.State.Retryable() {
		c.mu.Unlock()
		return &StreamError{Kind: KindInvalidState, Op: "retry", Err: fmt.Errorf("%w: 会话在等待期间已变化", ErrInvalidTransition)}
	}
	prev := c.session.State
	c.session = buildRetriedSession(c.session, c.opts.Now())
	req := *c.lastReq
	attempt := c.session.Retries
	c.launchLocked(ctx, req)
	c.mu.Unlock()

	metrics.Global().IncStreamRetry()
	logger.Info("会话重试: session=%s attempt=%d delay=%s", sessionID, attempt, delay)
	c.notifyStates([]stateNote{{prev: prev, next: StateConnecting}})
	return nil
}

// Reset 释放所有资源并回到 idle，清空重试计数与上一次请求
func (c *Controller) Reset() {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	now := c.opts.Now()

	c.mu.Lock()
	prev := c.session.State
	h := c.run
	if prev.Active() {
		c.recordOutcome(StateCancelled, nil, now)
	}
	c.gen++
	c.run = nil
	c.lastReq = nil
	c.session = Session{State: StateIdle}
	c.mu.Unlock()

	h.stop()
	if prev != StateIdle {
		c.notifyStates([]stateNote{{prev: prev, next: StateIdle}})
	}
}

// Wait 等待当前会话结束，返回最终快照。会话以 error 结束时同时返回错误。
func (c *Controller) Wait(ctx context.Context) (Session, error) {
	c.mu.Lock()
	h := c.run
	c.mu.Unlock()
	if h != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		}
	}
	s := c.Snapshot()
	if s.State == StateError {
		return s, s.Err
	}
	return s, nil
}

// Snapshot 返回当前会话的拷贝
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// State 当前状态
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

type stateNote struct {
	prev State
	next State
}

// cancelLocked 调用方持有 mu
func (c *Controller) cancelLocked(now time.Time) stateNote {
	prev := c.session.State
	c.recordOutcome(StateCancelled, nil, now)
	c.session = buildFinishedSession(c.session, StateCancelled, nil, now)
	return stateNote{prev: prev, next: StateCancelled}
}

// launchLocked 调用方持有 mu，创建新的运行句柄并启动读流协程
func (c *Controller) launchLocked(parent context.Context, req models.AskRequest) *runHandle {
	c.gen++
	runCtx, cancel := context.WithCancel(parent)
	h := &runHandle{
		gen:    c.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.watchdog = time.AfterFunc(c.opts.Timeout, func() {
		h.timedOut.Store(true)
		cancel()
	})
	c.run = h
	metrics.Global().StreamStarted()
	go c.loop(runCtx, h, c.session.ID, c.session.Retries, req)
	return h
}

func (h *runHandle) stop() {
	if h == nil {
		return
	}
	h.watchdog.Stop()
	h.cancel()
}

func (h *runHandle) touch(timeout time.Duration) {
	h.watchdog.Reset(timeout)
}

func (c *Controller) loop(ctx context.Context, h *runHandle, sessionID string, attempt int, req models.AskRequest) {
	defer close(h.done)
	defer h.cancel()

	ctx, span := c.tracer.Start(ctx, "stream.session",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.Int("session.attempt", attempt),
		),
	)
	defer span.End()

	if err := c.consume(ctx, h, req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// consume 取令牌、建连并逐块读流，返回导致会话结束的错误
func (c *Controller) consume(ctx context.Context, h *runHandle, req models.AskRequest) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		if c.interrupted(ctx, h, "token") {
			return err
		}
		err = NewError(KindAuth, "token", err)
		c.degrade(h, req, err)
		return err
	}

	body, err := c.transport.Open(ctx, token, req)
	if err != nil {
		if c.interrupted(ctx, h, "open") {
			return err
		}
		err = classifyError("open", err)
		c.failOrDegrade(h, req, err)
		return err
	}
	defer body.Close()
	stopClose := context.AfterFunc(ctx, func() {
		_ = body.Close()
	})
	defer stopClose()

	if !c.advance(h) {
		return nil
	}
	h.touch(c.opts.Timeout)

	decoder := sse.NewDecoder()
	defer func() {
		metrics.Global().AddDecodeSkips(decoder.Skipped())
	}()
	buf := make([]byte, c.opts.ChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			h.touch(c.opts.Timeout)
			if finished, err := c.dispatch(h, req, decoder.Feed(buf[:n])); finished {
				return err
			}
		}
		if readErr == nil {
			continue
		}
		if c.interrupted(ctx, h, "read") {
			return readErr
		}
		if errors.Is(readErr, io.EOF) {
			if finished, err := c.dispatch(h, req, decoder.Flush()); finished {
				return err
			}
			c.complete(h)
			return nil
		}
		err = classifyError("read", readErr)
		c.failOrDegrade(h, req, err)
		return err
	}
}

// dispatch 按顺序处理一批事件，遇到终止事件或会话已被替换时返回 true
func (c *Controller) dispatch(h *runHandle, req models.AskRequest, events []sse.Event) (bool, error) {
	for _, ev := range events {
		switch ev.Kind {
		case sse.KindDone:
			c.complete(h)
			return true, nil
		case sse.KindError:
			err := &StreamError{Kind: KindRemote, Op: "stream", Code: ev.ErrorCode, Err: errors.New(ev.ErrorMessage)}
			if IsAuthCode(ev.ErrorCode) {
				err.Kind = KindAuth
			}
			c.failOrDegrade(h, req, err)
			return true, err
		default:
			if !c.appendEvent(h, ev) {
				return true, nil
			}
		}
	}
	return false, nil
}

func (c *Controller) appendEvent(h *runHandle, ev sse.Event) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if !c.ownsLocked(h) {
		c.mu.Unlock()
		return false
	}
	buffer := c.session.Buffer + ev.Delta
	c.session = buildEventSession(c.session, ev, buffer, c.opts.Now())
	c.mu.Unlock()

	if cb := c.opts.Callbacks.OnMessage; cb != nil {
		cb(ev, buffer)
	}
	return true
}

// interrupted 处理超时与取消，返回 true 表示会话已因此结束
func (c *Controller) interrupted(ctx context.Context, h *runHandle, op string) bool {
	if h.timedOut.Load() {
		c.fail(h, &StreamError{Kind: KindTimeout, Op: op, Err: ErrIdleTimeout})
		return true
	}
	if ctx.Err() != nil {
		if s, ok := c.finish(h, TransitionCancel, nil, "", nil); ok {
			logger.Info("会话随调用方取消: session=%s", s.ID)
		}
		return true
	}
	return false
}

func (c *Controller) failOrDegrade(h *runHandle, req models.AskRequest, err error) {
	if IsAuth(err) {
		if inv, ok := c.tokens.(tokenInvalidator); ok {
			inv.Invalidate()
		}
		c.degrade(h, req, err)
		return
	}
	c.fail(h, err)
}

// advance connecting -> streaming
func (c *Controller) advance(h *runHandle) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	if !c.ownsLocked(h) {
		c.mu.Unlock()
		return false
	}
	prev := c.session.State
	next, err := Next(prev, TransitionOpen)
	if err != nil {
		c.mu.Unlock()
		logger.Warn("忽略非法迁移: %v", err)
		return false
	}
	c.session = buildStreamingSession(c.session, c.opts.Now())
	c.mu.Unlock()

	c.notifyStates([]stateNote{{prev: prev, next: next}})
	return true
}

func (c *Controller) complete(h *runHandle) {
	s, ok := c.finish(h, TransitionDone, nil, "", func(cb Callbacks, s Session) {
		if cb.OnComplete != nil {
			cb.OnComplete(s)
		}
	})
	if ok {
		logger.Info("会话完成: session=%s chars=%d events=%d", s.ID, len([]rune(s.Buffer)), len(s.Events))
	}
}

func (c *Controller) fail(h *runHandle, err error) {
	s, ok := c.finish(h, TransitionFail, err, "", func(cb Callbacks, s Session) {
		if cb.OnError != nil {
			cb.OnError(err, s)
		}
	})
	if ok {
		logger.Warn("会话失败: session=%s kind=%s err=%v", s.ID, KindOf(err), err)
	}
}

func (c *Controller) degrade(h *runHandle, req models.AskRequest, err error) {
	canned := c.opts.Degraded(req, err)
	s, ok := c.finish(h, TransitionDegrade, err, canned, func(cb Callbacks, s Session) {
		if cb.OnComplete != nil {
			cb.OnComplete(s)
		}
	})
	if ok {
		logger.Warn("鉴权失败，使用兜底回答: session=%s err=%v", s.ID, err)
	}
}

// finish 把活跃会话推进到终止状态，依次发出状态通知和 after 回调。
// 会话已结束或已被替换时返回 false，保证每次失败只上报一次。
func (c *Controller) finish(h *runHandle, t Transition, err error, canned string, after func(cb Callbacks, s Session)) (Session, bool) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	now := c.opts.Now()

	c.mu.Lock()
	if !c.ownsLocked(h) {
		c.mu.Unlock()
		return Session{}, false
	}
	prev := c.session.State
	next, terr := Next(prev, t)
	if terr != nil {
		c.mu.Unlock()
		logger.Warn("忽略非法迁移: %v", terr)
		return Session{}, false
	}
	c.recordOutcome(next, err, now)
	if t == TransitionDegrade {
		c.session = buildDegradedSession(c.session, canned, err, now)
	} else {
		c.session = buildFinishedSession(c.session, next, err, now)
	}
	snapshot := c.session.Clone()
	c.mu.Unlock()

	h.watchdog.Stop()
	c.notifyStates([]stateNote{{prev: prev, next: next}})
	if after != nil {
		after(c.opts.Callbacks, snapshot)
	}
	return snapshot, true
}

// ownsLocked 调用方持有 mu，判断句柄是否仍是活跃会话的读流者
func (c *Controller) ownsLocked(h *runHandle) bool {
	return c.run == h && c.gen == h.gen && c.session.State.Active()
}

// recordOutcome 调用方持有 mu
func (c *Controller) recordOutcome(next State, err error, now time.Time) {
	outcome := string(next)
	if next == StateError && IsTimeout(err) {
		outcome = string(KindTimeout)
	}
	metrics.Global().ObserveStreamOutcome(outcome, now.Sub(c.session.StartedAt))
}

// notifyStates 调用方持有 emitMu
func (c *Controller) notifyStates(notes []stateNote) {
	cb := c.opts.Callbacks.OnState
	if cb == nil {
		return
	}
	for _, note := range notes {
		cb(note.prev, note.next)
	}
}

// retryDelay 按重试次数指数增长，封顶 30 秒
func retryDelay(base time.Duration, retries int) time.Duration {
	delay := base
	for i := 0; i < retries; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}
