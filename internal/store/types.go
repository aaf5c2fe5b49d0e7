package store

import "time"

// SessionRecord 落库后的会话记录
type SessionRecord struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	State          string    `json:"state"`
	Prompt         string    `json:"prompt,omitempty"`
	Buffer         string    `json:"buffer"`
	EventCount     int       `json:"eventCount"`
	Retries        int       `json:"retries"`
	ErrorKind      string    `json:"errorKind,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt"`
	DurationMS     int64     `json:"durationMs"`
}

// CardSummary 卡片列表项
type CardSummary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"sessionId,omitempty"`
	Name         string    `json:"name,omitempty"`
	Completeness float64   `json:"completeness"`
	Render       bool      `json:"render"`
	Warn         bool      `json:"warn"`
	URL          string    `json:"url,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ListQuery 卡片列表查询条件
type ListQuery struct {
	Name       string
	SessionID  string
	RenderOnly bool
	Page       int
	PageSize   int
}
