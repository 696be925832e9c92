package store

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

// Session statuses.
const (
	SessionActive   = "active"
	SessionArchived = "archived"
)

// Session is one conversation: a solo chat or a team (a team is a
// session whose members share the row).
type Session struct {
	ID               string
	Title            string
	Model            string
	ProjectPath      string
	Status           string
	PromptTokens     int64
	CompletionTokens int64
	CostUSD          float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Message is one persisted conversation turn. Tool calls are stored as
// a JSON blob next to the content.
type Message struct {
	ID         string
	SessionID  string
	Role       string
	Content    string
	ToolCalls  []providers.ToolCall
	ToolCallID string
	TokenCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionStore persists sessions and their message logs.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]*Session, error)
	SetSessionStatus(ctx context.Context, id, status string) error

	// AccumulateUsage adds token and cost counters onto the session row.
	AccumulateUsage(ctx context.Context, id string, promptTokens, completionTokens int64, costUSD float64) error

	AppendMessage(ctx context.Context, m *Message) error

	// Messages returns the full log in insertion order.
	Messages(ctx context.Context, sessionID string) ([]*Message, error)
}
