package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowledge-card/internal/auth"
	"knowledge-card/internal/card"
	"knowledge-card/internal/extract"
	"knowledge-card/internal/models"
	"knowledge-card/internal/store"
	"knowledge-card/internal/stream"
)

type fakeCardStore struct {
	mu       sync.Mutex
	sessions map[string]stream.Session
	cards    map[string]card.KnowledgeCard
	pingErr  error
}

func newFakeCardStore() *fakeCardStore {
	return &fakeCardStore{
		sessions: make(map[string]stream.Session),
		cards:    make(map[string]card.KnowledgeCard),
	}
}

func (f *fakeCardStore) SaveSession(ctx context.Context, s stream.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
	return nil
}

func (f *fakeCardStore) SaveCard(ctx context.Context, kc card.KnowledgeCard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cards[kc.ID] = kc
	return nil
}

func (f *fakeCardStore) GetCard(ctx context.Context, id string) (*card.KnowledgeCard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kc, ok := f.cards[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &kc, nil
}

func (f *fakeCardStore) ListCards(ctx context.Context, q store.ListQuery) ([]store.CardSummary, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []store.CardSummary
	for _, kc := range f.cards {
		items = append(items, store.CardSummary{ID: kc.ID, Name: kc.Basic.Name, Render: kc.Decision.Render})
	}
	return items, len(items), nil
}

func (f *fakeCardStore) Ping(ctx context.Context) error {
	return f.pingErr
}

func (f *fakeCardStore) onlySession() (stream.Session, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		return s, len(f.sessions)
	}
	return stream.Session{}, 0
}

type fakeHistory struct {
	mu   sync.Mutex
	msgs map[string][]models.ChatMessage
}

func (f *fakeHistory) LoadHistory(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ChatMessage(nil), f.msgs[userID]...), nil
}

func (f *fakeHistory) AppendHistory(ctx context.Context, userID string, msgs ...models.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.msgs == nil {
		f.msgs = make(map[string][]models.ChatMessage)
	}
	f.msgs[userID] = append(f.msgs[userID], msgs...)
	return nil
}

func (f *fakeHistory) ClearHistory(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.msgs, userID)
	return nil
}

type transportFunc func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error)

func (f transportFunc) Open(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
	return f(ctx, token, req)
}

func testFactory(transport stream.Transport) ControllerFactory {
	return func(cfg *models.Config, callbacks stream.Callbacks) *stream.Controller {
		return stream.NewController(transport, auth.NewStaticSource("tk"), stream.Options{
			MaxRetries: cfg.StreamMaxRetries,
			RetryDelay: time.Millisecond,
			Callbacks:  callbacks,
		})
	}
}

func deltaFrame(content string) string {
	return fmt.Sprintf("event:conversation.message.delta\ndata:{\"conversation_id\":\"conv-1\",\"role\":\"assistant\",\"type\":\"answer\",\"content\":%q}\n\n", content)
}

const answerText = "## 【命主信息概览】\n* **姓名**：小明\n* **性别**：男\n\n## 【性格分析】\n性格特点：活泼开朗"

func newTestHandler(t *testing.T, transport stream.Transport) (*handler, *fakeCardStore, *fakeHistory) {
	t.Helper()
	cards := newFakeCardStore()
	hist := &fakeHistory{}
	h := newHandler(Deps{
		Config:        &models.Config{BotUserID: "default-user", StreamMaxRetries: 1, HistoryMaxMessages: 10},
		ConfigPath:    filepath.Join(t.TempDir(), "config.yaml"),
		NewController: testFactory(transport),
		Store:         cards,
		History:       hist,
	})
	return h, cards, hist
}

func TestAskStreamsCard(t *testing.T) {
	var body strings.Builder
	for _, part := range strings.SplitAfter(answerText, "\n") {
		body.WriteString(deltaFrame(part))
	}
	body.WriteString("data: [DONE]\n\n")
	transport := transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body.String())), nil
	})
	h, cards, hist := newTestHandler(t, transport)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"prompt":"请分析"}`))
	rec := httptest.NewRecorder()
	h.ask(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type 不符合预期: %s", ct)
	}
	out := rec.Body.String()
	for _, want := range []string{"event: state", "event: message", "event: card", "event: done", `"state":"completed"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("SSE 输出缺少 %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "event: card") > strings.Index(out, "event: done") {
		t.Fatalf("card 应在 done 之前推送:\n%s", out)
	}

	session, count := cards.onlySession()
	if count != 1 || session.State != stream.StateCompleted || session.Buffer != answerText {
		t.Fatalf("会话落库不符合预期: count=%d session=%+v", count, session)
	}
	if session.Request.UserID != "default-user" {
		t.Fatalf("未填写用户时应使用默认用户: %q", session.Request.UserID)
	}
	if len(cards.cards) != 1 {
		t.Fatalf("应保存一张卡片, 实际 %d", len(cards.cards))
	}
	for _, kc := range cards.cards {
		if kc.Basic.Name != "小明" || kc.SessionID != session.ID {
			t.Fatalf("卡片内容不符合预期: %+v", kc)
		}
	}
	msgs, _ := hist.LoadHistory(context.Background(), "default-user", 0)
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Content != answerText {
		t.Fatalf("历史应追加问答两条: %+v", msgs)
	}
}

func TestAskRetriesThenReportsError(t *testing.T) {
	var calls atomic.Int32
	transport := transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	})
	h, cards, hist := newTestHandler(t, transport)

	req := httptest.NewRequest(http.MethodPost, "/api/ask", strings.NewReader(`{"prompt":"请分析","userId":"u1"}`))
	rec := httptest.NewRecorder()
	h.ask(rec, req)

	out := rec.Body.String()
	if calls.Load() != 2 {
		t.Fatalf("应自动重试一次, 实际请求 %d 次", calls.Load())
	}
	if !strings.Contains(out, `"retrying":true`) || !strings.Contains(out, `"kind":"transport"`) {
		t.Fatalf("应推送可重试的错误:\n%s", out)
	}
	if strings.Contains(out, "event: card") || !strings.Contains(out, `"state":"error"`) {
		t.Fatalf("失败的会话不应生成卡片:\n%s", out)
	}
	if session, count := cards.onlySession(); count != 1 || session.State != stream.StateError || session.Retries != 1 {
		t.Fatalf("失败会话应落库: count=%d session=%+v", count, session)
	}
	if msgs, _ := hist.LoadHistory(context.Background(), "u1", 0); len(msgs) != 0 {
		t.Fatalf("失败会话不应写入历史: %+v", msgs)
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	h, _, _ := newTestHandler(t, transportFunc(func(ctx context.Context, token string, req models.AskRequest) (io.ReadCloser, error) {
		t.Fatalf("无效请求不应访问远端")
		return nil, nil
	}))
	cases := []struct {
		method string
		body   string
		want   int
	}{
		{method: http.MethodGet, want: http.StatusMethodNotAllowed},
		{method: http.MethodPost, body: "{", want: http.StatusBadRequest},
		{method: http.MethodPost, body: `{"prompt":"  "}`, want: http.StatusBadRequest},
		{method: http.MethodOptions, want: http.StatusNoContent},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.ask(rec, httptest.NewRequest(tc.method, "/api/ask", strings.NewReader(tc.body)))
		if rec.Code != tc.want {
			t.Fatalf("%s %q 期望 %d, 实际 %d", tc.method, tc.body, tc.want, rec.Code)
		}
	}
}

func TestParseRetries(t *testing.T) {
	cases := map[string]int{"": 3, "1": 1, "9": 3, "-1": 0, "abc": 0}
	for raw, want := range cases {
		if got := parseRetries(raw, 3); got != want {
			t.Fatalf("parseRetries(%q) 期望 %d, 实际 %d", raw, want, got)
		}
	}
}

func TestExtractEndpoint(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/extract", strings.NewReader(answerText))
	req.Header.Set("Content-Type", "text/plain")
	h.extract(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("纯文本提取期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		OK       bool               `json:"ok"`
		Analysis extract.Analysis   `json:"analysis"`
		Card     card.KnowledgeCard `json:"card"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if !resp.OK || resp.Card.Basic.Name != "小明" || len(resp.Analysis.Sections) != 2 || !resp.Card.Decision.Render {
		t.Fatalf("提取结果不符合预期: %+v", resp)
	}

	rec = httptest.NewRecorder()
	payload, _ := json.Marshal(map[string]string{"text": answerText})
	req = httptest.NewRequest(http.MethodPost, "/api/extract", strings.NewReader(string(payload)))
	req.Header.Set("Content-Type", "application/json")
	h.extract(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "小明") {
		t.Fatalf("JSON 提取不符合预期: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.extract(rec, httptest.NewRequest(http.MethodPost, "/api/extract", strings.NewReader("   ")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("空文本期望 400, 实际 %d", rec.Code)
	}
}

func TestCardEndpoints(t *testing.T) {
	h, cards, _ := newTestHandler(t, nil)
	kc := card.Assemble("s1", extract.Analyze(answerText), 0.3, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	if err := cards.SaveCard(context.Background(), kc); err != nil {
		t.Fatalf("保存卡片失败: %v", err)
	}
	routes := h.routes()

	rec := serve(routes, httptest.NewRequest(http.MethodGet, "/api/cards?page=1&pageSize=500", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"pageSize":100`) || !strings.Contains(rec.Body.String(), kc.ID) {
		t.Fatalf("列表接口不符合预期: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(routes, httptest.NewRequest(http.MethodGet, "/api/cards/"+kc.ID, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "小明") {
		t.Fatalf("详情接口不符合预期: %d %s", rec.Code, rec.Body.String())
	}

	rec = serve(routes, httptest.NewRequest(http.MethodGet, "/api/cards/"+kc.ID+"/html", nil))
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") || !strings.Contains(rec.Body.String(), "小明") {
		t.Fatalf("页面接口不符合预期: %d %s", rec.Code, rec.Header().Get("Content-Type"))
	}

	for _, path := range []string{"/api/cards/missing", "/api/cards/" + kc.ID + "/pdf"} {
		if rec := serve(routes, httptest.NewRequest(http.MethodGet, path, nil)); rec.Code != http.StatusNotFound {
			t.Fatalf("%s 期望 404, 实际 %d", path, rec.Code)
		}
	}
}

func TestRuntimeSettings(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	h.runtimeSettings(rec, httptest.NewRequest(http.MethodPut, "/api/runtime", strings.NewReader(`{"botMode":"poll","streamMaxRetries":5,"streamTimeout":"90s"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("更新运行时参数期望 200, 实际 %d: %s", rec.Code, rec.Body.String())
	}
	cfg := h.config()
	if cfg.BotMode != models.BotModePoll || cfg.StreamMaxRetries != 5 || cfg.StreamTimeout != "90s" {
		t.Fatalf("运行时参数未生效: %+v", cfg)
	}
	runtimePath := filepath.Join(filepath.Dir(h.configPath), "config.runtime.yaml")
	if _, err := os.Stat(runtimePath); err != nil {
		t.Fatalf("运行时参数应写入文件: %v", err)
	}

	rec = httptest.NewRecorder()
	h.runtimeSettings(rec, httptest.NewRequest(http.MethodPut, "/api/runtime", strings.NewReader(`{"botMode":"grpc"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("非法模式期望 400, 实际 %d", rec.Code)
	}
	if h.config().BotMode != models.BotModePoll {
		t.Fatalf("校验失败时不应修改配置")
	}

	rec = httptest.NewRecorder()
	h.runtimeSettings(rec, httptest.NewRequest(http.MethodGet, "/api/runtime", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"streamMaxRetries":5`) {
		t.Fatalf("读取运行时参数不符合预期: %s", rec.Body.String())
	}
}

type fixedInbox struct{}

func (fixedInbox) Stats() models.InboxStats {
	return models.InboxStats{QueueLength: 2, Workers: 3}
}

func TestHealth(t *testing.T) {
	h, cards, _ := newTestHandler(t, nil)
	h.inbox = fixedInbox{}

	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"queueLength":2`) || !strings.Contains(rec.Body.String(), `"pid"`) {
		t.Fatalf("健康检查不符合预期: %d %s", rec.Code, rec.Body.String())
	}

	cards.pingErr = errors.New("database is locked")
	rec = httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), `"status":"degraded"`) {
		t.Fatalf("存储不可用时应返回 503: %d %s", rec.Code, rec.Body.String())
	}
}
