// 本文件用于会话 卡片与对话历史的 SQLite 持久化

// 文件职责：把冻结的会话快照 知识卡片与对话历史落到本地库
// 关键路径：打开数据库后先开启 WAL 再迁移 保证调用方拿到时即可读写
// 边界与容错：查询不到返回 ErrNotFound 其余错误原样包装返回

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"knowledge-card/internal/card"
	"knowledge-card/internal/models"
	"knowledge-card/internal/stream"
)

const (
	defaultDataDir    = "data"
	defaultMaxHistory = 10
	defaultPageSize   = 20
	maxPageSize       = 100
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

type Store struct {
	db         *sql.DB
	dbPath     string
	maxHistory int
}

// Open 统一负责本地库初始化
// 目录创建 打开数据库 设置 WAL 和迁移收敛在一个入口
func Open(dataDir string, maxHistory int) (*Store, error) {
	root := strings.TrimSpace(dataDir)
	if root == "" {
		root = defaultDataDir
	}
	if maxHistory <= 0 {
		maxHistory = defaultMaxHistory
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir failed: %w", err)
	}
	dbPath := filepath.Join(root, "cards.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite failed: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set sqlite wal failed: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, dbPath: dbPath, maxHistory: maxHistory}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DBPath() string {
	if s == nil {
		return ""
	}
	return s.dbPath
}

// Ping 健康检查使用
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	return s.db.PingContext(ctx)
}

// SaveSession 保存会话终态快照，同一会话重复保存时覆盖
func (s *Store) SaveSession(ctx context.Context, session stream.Session) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_sessions (
			id, user_id, conversation_id, state, prompt, buffer, event_count, retries,
			error_kind, error_message, started_at, finished_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			state = excluded.state,
			buffer = excluded.buffer,
			event_count = excluded.event_count,
			retries = excluded.retries,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms
	`,
		session.ID,
		session.Request.UserID,
		session.ConversationID,
		string(session.State),
		session.Request.Prompt,
		session.Buffer,
		len(session.Events),
		session.Retries,
		string(session.ErrorKind()),
		session.ErrorMessage(),
		formatTime(session.StartedAt),
		formatTime(session.FinishedAt),
		session.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("save session failed: %w", err)
	}
	return nil
}

// GetSession 读取会话记录
func (s *Store) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not ready")
	}
	var (
		item       SessionRecord
		startedAt  string
		finishedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, conversation_id, state, prompt, buffer, event_count, retries,
			error_kind, error_message, started_at, finished_at, duration_ms
		FROM stream_sessions
		WHERE id = ?
		LIMIT 1
	`, strings.TrimSpace(id)).Scan(
		&item.ID,
		&item.UserID,
		&item.ConversationID,
		&item.State,
		&item.Prompt,
		&item.Buffer,
		&item.EventCount,
		&item.Retries,
		&item.ErrorKind,
		&item.ErrorMessage,
		&startedAt,
		&finishedAt,
		&item.DurationMS,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	item.StartedAt = parseTime(startedAt)
	item.FinishedAt = parseTime(finishedAt)
	return &item, nil
}

// SaveCard 保存卡片，完整卡片以 JSON 存放 列表需要的字段单独成列
func (s *Store) SaveCard(ctx context.Context, kc card.KnowledgeCard) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	if strings.TrimSpace(kc.ID) == "" {
		return fmt.Errorf("%w: card id is required", ErrInvalidInput)
	}
	payload, err := json.Marshal(kc)
	if err != nil {
		return fmt.Errorf("encode card failed: %w", err)
	}
	createdAt := kc.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_cards (
			id, session_id, name, completeness, render, warn, url, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			completeness = excluded.completeness,
			render = excluded.render,
			warn = excluded.warn,
			url = excluded.url,
			payload = excluded.payload
	`,
		kc.ID,
		kc.SessionID,
		kc.Basic.Name,
		kc.Completeness,
		boolToInt(kc.Decision.Render),
		boolToInt(kc.Decision.Warn),
		kc.URL,
		string(payload),
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("save card failed: %w", err)
	}
	return nil
}

// GetCard 按 id 读取完整卡片
func (s *Store) GetCard(ctx context.Context, id string) (*card.KnowledgeCard, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not ready")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: card id is required", ErrInvalidInput)
	}
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM knowledge_cards WHERE id = ? LIMIT 1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var kc card.KnowledgeCard
	if err := json.Unmarshal([]byte(payload), &kc); err != nil {
		return nil, fmt.Errorf("decode card %s failed: %w", id, err)
	}
	return &kc, nil
}

// SetCardURL 发布成功后回写地址
func (s *Store) SetCardURL(ctx context.Context, id, url string) error {
	kc, err := s.GetCard(ctx, id)
	if err != nil {
		return err
	}
	kc.URL = url
	return s.SaveCard(ctx, *kc)
}

// ListCards 按创建时间倒序分页列出卡片摘要
func (s *Store) ListCards(ctx context.Context, query ListQuery) ([]CardSummary, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("store not ready")
	}
	where, args := buildListWhere(query)
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM knowledge_cards`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count cards failed: %w", err)
	}
	page, pageSize := normalizePage(query.Page, query.PageSize)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, name, completeness, render, warn, url, created_at
		FROM knowledge_cards`+where+`
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, append(args, pageSize, (page-1)*pageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list cards failed: %w", err)
	}
	defer rows.Close()

	items := make([]CardSummary, 0, pageSize)
	for rows.Next() {
		var (
			item      CardSummary
			render    int
			warn      int
			createdAt string
		)
		if err := rows.Scan(&item.ID, &item.SessionID, &item.Name, &item.Completeness, &render, &warn, &item.URL, &createdAt); err != nil {
			return nil, 0, err
		}
		item.Render = render == 1
		item.Warn = warn == 1
		item.CreatedAt = parseTime(createdAt)
		items = append(items, item)
	}
	return items, total, rows.Err()
}

// LoadHistory 读取用户最近的对话历史，按时间正序返回
func (s *Store) LoadHistory(ctx context.Context, userID string, limit int) ([]models.ChatMessage, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("store not ready")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > s.maxHistory {
		limit = s.maxHistory
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, content_type, type, created_at
		FROM chat_history
		WHERE user_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("load history failed: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var (
			msg       models.ChatMessage
			createdAt string
		)
		if err := rows.Scan(&msg.Role, &msg.Content, &msg.ContentType, &msg.Type, &createdAt); err != nil {
			return nil, err
		}
		msg.CreatedAt = parseTime(createdAt)
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// AppendHistory 追加对话并裁剪到上限，写入与裁剪在同一事务内
func (s *Store) AppendHistory(ctx context.Context, userID string, messages ...models.ChatMessage) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollbackTx(tx)

	for _, msg := range messages {
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO chat_history (user_id, role, content, content_type, type, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, userID, msg.Role, msg.Content, firstNonEmpty(msg.ContentType, "text"), msg.Type, formatTime(createdAt)); err != nil {
			return fmt.Errorf("append history failed: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_history
		WHERE user_id = ? AND id NOT IN (
			SELECT id FROM chat_history WHERE user_id = ? ORDER BY id DESC LIMIT ?
		)
	`, userID, userID, s.maxHistory); err != nil {
		return fmt.Errorf("trim history failed: %w", err)
	}
	return tx.Commit()
}

// ClearHistory 清空用户的对话历史
func (s *Store) ClearHistory(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("store not ready")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_history WHERE user_id = ?`, strings.TrimSpace(userID))
	return err
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			conversation_id TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			prompt TEXT NOT NULL DEFAULT '',
			buffer TEXT NOT NULL DEFAULT '',
			event_count INTEGER NOT NULL DEFAULT 0,
			retries INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT '',
			finished_at TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS knowledge_cards (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			completeness REAL NOT NULL DEFAULT 0,
			render INTEGER NOT NULL DEFAULT 0,
			warn INTEGER NOT NULL DEFAULT 0,
			url TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chat_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT 'text',
			type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_created ON knowledge_cards(created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_cards_session ON knowledge_cards(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_history_user ON chat_history(user_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("store migrate failed: %w", err)
		}
	}
	return nil
}

func buildListWhere(query ListQuery) (string, []any) {
	parts := make([]string, 0, 3)
	args := make([]any, 0, 3)
	if name := strings.TrimSpace(query.Name); name != "" {
		parts = append(parts, "name LIKE ?")
		args = append(args, "%"+name+"%")
	}
	if sessionID := strings.TrimSpace(query.SessionID); sessionID != "" {
		parts = append(parts, "session_id = ?")
		args = append(args, sessionID)
	}
	if query.RenderOnly {
		parts = append(parts, "render = 1")
	}
	if len(parts) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func normalizePage(page, pageSize int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return page, pageSize
}

func rollbackTx(tx *sql.Tx) {
	if tx != nil {
		_ = tx.Rollback()
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
