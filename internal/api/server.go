// 本文件用于 HTTP API 服务的组装 路由与通用中间件
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"knowledge-card/internal/card"
	"knowledge-card/internal/config"
	"knowledge-card/internal/history"
	"knowledge-card/internal/logger"
	"knowledge-card/internal/models"
	"knowledge-card/internal/store"
	"knowledge-card/internal/stream"
	"knowledge-card/internal/sysinfo"
)

const maxRequestBytes = 1 << 20

// ControllerFactory 按当前配置创建一个新的流式控制器
type ControllerFactory func(cfg *models.Config, callbacks stream.Callbacks) *stream.Controller

// CardStore 卡片与会话持久化
type CardStore interface {
	SaveSession(ctx context.Context, session stream.Session) error
	SaveCard(ctx context.Context, kc card.KnowledgeCard) error
	GetCard(ctx context.Context, id string) (*card.KnowledgeCard, error)
	ListCards(ctx context.Context, query store.ListQuery) ([]store.CardSummary, int, error)
	Ping(ctx context.Context) error
}

// Publisher 卡片页面发布
type Publisher interface {
	Publish(ctx context.Context, cardID, page string) (string, error)
}

// InboxStats 收件箱队列状态
type InboxStats interface {
	Stats() models.InboxStats
}

// Deps 服务依赖，Publisher 与 Inbox 可以为空
type Deps struct {
	Config        *models.Config
	ConfigPath    string
	NewController ControllerFactory
	Store         CardStore
	History       history.Store
	Publisher     Publisher
	Inbox         InboxStats
}

// Server wraps the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    *handler
}

type handler struct {
	mu            sync.RWMutex
	cfg           *models.Config
	configPath    string
	newController ControllerFactory
	store         CardStore
	history       history.Store
	publisher     Publisher
	inbox         InboxStats
	sys           *sysinfo.Collector
	now           func() time.Time
}

// NewServer builds the HTTP server.
func NewServer(deps Deps) *Server {
	h := newHandler(deps)
	cfg := h.config()
	srv := &http.Server{
		Addr:              cfg.APIBind,
		Handler:           h.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		// 流式接口持续写出，不设置 WriteTimeout
	}
	return &Server{httpServer: srv, handler: h}
}

func newHandler(deps Deps) *handler {
	return &handler{
		cfg:           deps.Config,
		configPath:    deps.ConfigPath,
		newController: deps.NewController,
		store:         deps.Store,
		history:       deps.History,
		publisher:     deps.Publisher,
		inbox:         deps.Inbox,
		sys:           sysinfo.NewCollector(0),
		now:           time.Now,
	}
}

func (h *handler) routes() http.Handler {
	cfg := h.config()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ask", h.ask)
	mux.HandleFunc("/api/ask/ws", h.askWebsocket)
	mux.HandleFunc("/api/extract", h.extract)
	mux.HandleFunc("/api/cards", h.cards)
	mux.HandleFunc("/api/cards/", h.cardByID)
	mux.HandleFunc("/api/runtime", h.runtimeSettings)
	mux.HandleFunc("/api/health", h.health)
	mux.HandleFunc("/metrics", h.prometheusMetrics)
	return withCORS(cfg, withAPIAuth(cfg, mux))
}

// Start boots the API server asynchronously.
func (s *Server) Start() {
	go func() {
		logger.Info("API 服务监听 %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API 服务异常退出: %v", err)
		}
	}()
}

// Shutdown gracefully stops the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler 暴露路由，便于测试与嵌入
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (h *handler) config() *models.Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

func (h *handler) setConfig(cfg *models.Config) {
	h.mu.Lock()
	h.cfg = cfg
	h.mu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(out)
}

func parsePositiveInt(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseBoolQuery(r *http.Request, key string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(key)))
	return err == nil && value
}

// isAPIAuthEnabled 令牌为空 占位符或显式关闭时不校验
func isAPIAuthEnabled(cfg *models.Config) bool {
	if cfg == nil {
		return false
	}
	if disabled, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("API_AUTH_DISABLED"))); err == nil && disabled {
		return false
	}
	token := strings.TrimSpace(cfg.APIAuthToken)
	return token != "" && !config.IsPlaceholder(token)
}

func withAPIAuth(cfg *models.Config, next http.Handler) http.Handler {
	if !isAPIAuthEnabled(cfg) {
		return next
	}
	expected := []byte(strings.TrimSpace(cfg.APIAuthToken))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken 浏览器 websocket 无法设置请求头，允许通过 access_token 查询参数携带
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if r.URL.Path == "/api/ask/ws" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}

func withCORS(cfg *models.Config, next http.Handler) http.Handler {
	allowed := parseAllowedOrigins(cfg)
	allowAny := len(allowed) == 0 && !isAPIAuthEnabled(cfg)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !allowAny && !isOriginAllowed(origin, allowed, r.Host) {
				writeError(w, http.StatusForbidden, "origin not allowed")
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseAllowedOrigins(cfg *models.Config) map[string]bool {
	out := make(map[string]bool)
	if cfg == nil {
		return out
	}
	for _, part := range strings.Split(cfg.APICORSOrigins, ",") {
		origin := strings.TrimRight(strings.TrimSpace(part), "/")
		if origin != "" {
			out[origin] = true
		}
	}
	return out
}

// isOriginAllowed 未配置白名单时只放行回环地址与同主机来源
func isOriginAllowed(origin string, allowed map[string]bool, requestHost string) bool {
	if len(allowed) > 0 {
		return allowed[strings.TrimRight(origin, "/")]
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		return false
	}
	host := parsed.Hostname()
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	reqHost := requestHost
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		reqHost = h
	}
	return strings.EqualFold(host, reqHost)
}
