package domain

import "context"

type SecurityAction string

const (
	ActionAllow SecurityAction = "allow"
	ActionBlock SecurityAction = "block"
)

// SecurityEngine decides whether a tool may run the given code.
type SecurityEngine interface {
	Check(ctx context.Context, toolName string, code string) (SecurityAction, error)
}

type AuditEntry struct {
	Action   string // tool_exec | code_blocked
	ToolName string
	Command  string
	Result   string // allowed | blocked
	Details  string
}
