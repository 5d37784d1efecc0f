package mailbox

import (
	"context"
)

const (
	QueryProtocolName    = "ToolhouseAI-Protocol"
	QueryProtocolVersion = "0.1.0"
)

// QueryRequest asks the agent to generate and run code for a query.
type QueryRequest struct {
	Query string `json:"query" jsonschema:"required"`
}

// QueryResponse carries the extracted code, or the error text when the
// query failed.
type QueryResponse struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// AnswerFunc answers a query with the code to show.
type AnswerFunc func(ctx context.Context, query string) (string, error)

// NewQueryProtocol returns the protocol that serves QueryRequest with answer.
func NewQueryProtocol(answer AnswerFunc) *Protocol {
	p := NewProtocol(QueryProtocolName, QueryProtocolVersion)
	Handle(p, func(ctx context.Context, mc *Context, msg QueryRequest) error {
		mc.Logger.Info("received query", "sender", mc.Sender, "query", msg.Query)
		code, err := answer(ctx, msg.Query)
		if err != nil {
			mc.Logger.Error("query failed", "sender", mc.Sender, "error", err)
			return mc.Reply(ctx, QueryResponse{Error: err.Error()})
		}
		mc.Logger.Info("query answered", "sender", mc.Sender, "result_len", len(code))
		return mc.Reply(ctx, QueryResponse{Result: code})
	})
	return p
}

// LogAddress is the startup hook that announces the agent address.
func LogAddress(ctx context.Context, mc *Context) {
	mc.Logger.Info("agent started", "name", mc.Name(), "address", mc.Address())
}
