package domain

import "time"

type InboundMessage struct {
	Channel   string
	ChatID    string
	SenderID  string
	Content   string
	Model     string // optional: override the default model for this query
	Timestamp time.Time
}

// Failure kinds carried in OutboundMessage.Kind.
const (
	FailureInvalid = "invalid" // empty query or unknown model
	FailureTimeout = "timeout"
	FailureError   = "error"
)

// OutboundMessage carries the result of one query back to its channel.
// Error is set instead of Generated/Code when the query failed.
type OutboundMessage struct {
	Channel   string `json:"channel"`
	ChatID    string `json:"chat_id,omitempty"`
	RunID     string `json:"run_id,omitempty"`
	Query     string `json:"query"`
	Model     string `json:"model,omitempty"`
	Generated string `json:"generated,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"` // failure kind, empty on success
}

// Failed reports whether the query behind this message failed.
func (m OutboundMessage) Failed() bool {
	return m.Error != ""
}
