package domain

import "context"

// Tool is a locally executable capability (the code interpreter).
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// ToolExecutor supplies tool definitions to the model and runs the tool
// calls the model makes. Run returns the messages to append to the
// conversation: the assistant turn carrying the calls, then one tool message
// per call in call order. It returns nil when resp has no tool calls.
type ToolExecutor interface {
	Name() string
	Definitions(ctx context.Context) ([]ToolDefinition, error)
	Run(ctx context.Context, resp *ChatResponse) ([]Message, error)
}
