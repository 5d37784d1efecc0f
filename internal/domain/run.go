package domain

import (
	"context"
	"time"
)

// Run is the stored record of one query through the answer pipeline.
type Run struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id,omitempty"`
	Query     string    `json:"query"`
	Model     string    `json:"model"`
	Generated string    `json:"generated"`
	Answer    string    `json:"answer"`
	Code      string    `json:"code"`
	Error     string    `json:"error,omitempty"`
	ToolCalls int       `json:"tool_calls"`
	TokensIn  int       `json:"tokens_in"`
	TokensOut int       `json:"tokens_out"`
	LatencyMs int64     `json:"latency_ms"`
	CreatedAt time.Time `json:"created_at"`
}

// RunStore persists run history and the security audit trail.
type RunStore interface {
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)
	PurgeBefore(ctx context.Context, t time.Time) (int64, error)
	LogAudit(ctx context.Context, entry AuditEntry) error
	Close() error
}
