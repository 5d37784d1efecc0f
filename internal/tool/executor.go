package tool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"coderun/internal/domain"
)

// LocalExecutor implements domain.ToolExecutor on top of a Registry. Every
// call is checked by the security engine before it runs.
type LocalExecutor struct {
	registry *Registry
	security domain.SecurityEngine
	logger   *slog.Logger
	onExec   func(name string, d time.Duration, err error)
}

type LocalExecutorConfig struct {
	Registry *Registry
	Security domain.SecurityEngine
	Logger   *slog.Logger
	// OnExecute is called after every tool call (metrics, events).
	OnExecute func(name string, d time.Duration, err error)
}

func NewLocalExecutor(cfg LocalExecutorConfig) *LocalExecutor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &LocalExecutor{
		registry: cfg.Registry,
		security: cfg.Security,
		logger:   cfg.Logger,
		onExec:   cfg.OnExecute,
	}
}

func (e *LocalExecutor) Name() string { return "local" }

func (e *LocalExecutor) Definitions(ctx context.Context) ([]domain.ToolDefinition, error) {
	return e.registry.GetDefinitions(), nil
}

// Run executes the tool calls in resp sequentially. Tool failures become
// tool messages so the model can see them; only a cancelled context aborts.
func (e *LocalExecutor) Run(ctx context.Context, resp *domain.ChatResponse) ([]domain.Message, error) {
	if !resp.HasToolCalls() {
		return nil, nil
	}

	msgs := make([]domain.Message, 0, len(resp.ToolCalls)+1)
	msgs = append(msgs, domain.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	for _, tc := range resp.ToolCalls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgs = append(msgs, domain.Message{
			Role:       "tool",
			Content:    e.execute(ctx, tc),
			ToolCallID: tc.ID,
			ToolName:   tc.Name,
		})
	}
	return msgs, nil
}

func (e *LocalExecutor) execute(ctx context.Context, tc domain.ToolCall) string {
	if e.security != nil {
		action, err := e.security.Check(ctx, tc.Name, ArgsString(tc.Arguments, "code"))
		if err != nil {
			e.logger.Error("security check failed", "tool", tc.Name, "error", err)
			return fmt.Sprintf("Error: security check failed: %v", err)
		}
		if action == domain.ActionBlock {
			e.logger.Warn("tool call blocked", "tool", tc.Name, "call_id", tc.ID)
			return "Error: this code was blocked by the security policy and was not executed."
		}
	}

	start := time.Now()
	out, err := e.registry.Execute(ctx, tc.Name, tc.Arguments)
	d := time.Since(start)
	if e.onExec != nil {
		e.onExec(tc.Name, d, err)
	}
	if err != nil {
		e.logger.Warn("tool execution failed", "tool", tc.Name, "error", err, "duration", d)
		return fmt.Sprintf("Error: %v", err)
	}
	e.logger.Info("tool executed", "tool", tc.Name, "duration", d, "output_len", len(out))
	return out
}
