package stream

import (
	"time"

	"knowledge-card/internal/models"
	"knowledge-card/internal/sse"
)

// Session 一次提问的会话快照，由控制器独占修改
type Session struct {
	ID             string            `json:"id"`
	Request        models.AskRequest `json:"request"`
	ConversationID string            `json:"conversationId,omitempty"`
	State          State             `json:"state"`
	Buffer         string            `json:"buffer"`
	Events         []sse.Event       `json:"events,omitempty"`
	Retries        int               `json:"retries"`
	MaxRetries     int               `json:"maxRetries"`
	StartedAt      time.Time         `json:"startedAt,omitempty"`
	LastActivity   time.Time         `json:"lastActivity,omitempty"`
	FinishedAt     time.Time         `json:"finishedAt,omitempty"`
	Err            error             `json:"-"`
}

// ErrorKind 最后一次错误的分类
func (s Session) ErrorKind() ErrorKind {
	return KindOf(s.Err)
}

// ErrorMessage 最后一次错误的文本
func (s Session) ErrorMessage() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}

// Duration 会话耗时，未结束时按最后活跃时间计
func (s Session) Duration() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	end := s.FinishedAt
	if end.IsZero() {
		end = s.LastActivity
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Clone 深拷贝事件列表，调用方拿到的快照不随会话变化
func (s Session) Clone() Session {
	next := s
	if s.Events != nil {
		next.Events = append([]sse.Event(nil), s.Events...)
	}
	if s.Request.History != nil {
		next.Request.History = append([]models.ChatMessage(nil), s.Request.History...)
	}
	if s.Request.Birth != nil {
		birth := *s.Request.Birth
		next.Request.Birth = &birth
	}
	return next
}

func hasRetryBudget(s Session) bool {
	return s.Retries < s.MaxRetries
}

func buildStartedSession(id string, req models.AskRequest, maxRetries int, now time.Time) Session {
	return Session{
		ID:             id,
		Request:        req,
		ConversationID: req.ConversationID,
		State:          StateConnecting,
		MaxRetries:     maxRetries,
		StartedAt:      now,
		LastActivity:   now,
	}
}

func buildRetriedSession(s Session, now time.Time) Session {
	next := s
	next.Retries++
	next.State = StateConnecting
	next.Buffer = ""
	next.Events = nil
	next.Err = nil
	next.StartedAt = now
	next.LastActivity = now
	next.FinishedAt = time.Time{}
	return next
}

func buildStreamingSession(s Session, now time.Time) Session {
	next := s
	next.State = StateStreaming
	next.LastActivity = now
	return next
}

func buildEventSession(s Session, ev sse.Event, buffer string, now time.Time) Session {
	next := s
	next.Events = append(next.Events, ev)
	next.Buffer = buffer
	next.LastActivity = now
	if ev.ConversationID != "" {
		next.ConversationID = ev.ConversationID
	}
	return next
}

func buildFinishedSession(s Session, state State, err error, now time.Time) Session {
	next := s
	next.State = state
	next.Err = err
	next.LastActivity = now
	next.FinishedAt = now
	return next
}

func buildDegradedSession(s Session, canned string, err error, now time.Time) Session {
	next := buildFinishedSession(s, StateDegraded, err, now)
	next.Buffer = canned
	return next
}
