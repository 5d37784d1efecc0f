package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"coderun/internal/bus"
	"coderun/internal/codeblock"
	"coderun/internal/domain"
)

// EmptyQueryWarning is shown to the user instead of running an empty query.
const EmptyQueryWarning = "Please enter a query."

var (
	ErrEmptyQuery   = errors.New("empty query")
	ErrUnknownModel = errors.New("unknown model")
)

const defaultAnswerMaxTokens = 4096

// Query is one user request to the answer pipeline.
type Query struct {
	Text    string
	Model   string // empty selects the default model
	Channel string
	ChatID  string
}

// Result is what the pipeline produced for a query. Generated is the content
// of the first completion, Answer the content of the second, Code the python
// block found in Answer (or Answer itself when it has none).
type Result struct {
	RunID     string
	Query     string
	Model     string
	Generated string
	Answer    string
	Code      string
	ToolCalls int
	Usage     domain.Usage
	LatencyMs int64
}

// Answerer runs the generate, execute, re-summarize sequence.
type Answerer struct {
	provider     domain.Provider
	executor     domain.ToolExecutor
	store        domain.RunStore
	events       *bus.EventBus
	models       []string
	defaultModel string
	maxTokens    int
	limiter      *RateLimiter
	logger       *slog.Logger
}

type AnswererConfig struct {
	Provider     domain.Provider
	Executor     domain.ToolExecutor
	Store        domain.RunStore // optional
	Events       *bus.EventBus   // optional
	Models       []string        // allowed models; empty allows any
	DefaultModel string
	MaxTokens    int
	RateLimiter  *RateLimiter // optional
	Logger       *slog.Logger
}

func NewAnswerer(cfg AnswererConfig) *Answerer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnswerMaxTokens
	}
	if cfg.DefaultModel == "" && len(cfg.Models) > 0 {
		cfg.DefaultModel = cfg.Models[0]
	}
	return &Answerer{
		provider:     cfg.Provider,
		executor:     cfg.Executor,
		store:        cfg.Store,
		events:       cfg.Events,
		models:       cfg.Models,
		defaultModel: cfg.DefaultModel,
		maxTokens:    cfg.MaxTokens,
		limiter:      cfg.RateLimiter,
		logger:       cfg.Logger,
	}
}

// Models returns the selectable models, default first.
func (a *Answerer) Models() []string {
	if a.defaultModel == "" {
		return a.models
	}
	out := []string{a.defaultModel}
	for _, m := range a.models {
		if m != a.defaultModel {
			out = append(out, m)
		}
	}
	return out
}

// DefaultModel returns the model used when a query names none.
func (a *Answerer) DefaultModel() string { return a.defaultModel }

// ResolveModel maps an empty name to the default model and rejects names
// outside the configured list.
func (a *Answerer) ResolveModel(name string) (string, error) {
	if name == "" {
		return a.defaultModel, nil
	}
	if len(a.models) > 0 && !slices.Contains(a.models, name) {
		return "", fmt.Errorf("%w: %s", ErrUnknownModel, name)
	}
	return name, nil
}

// Answer runs q through the pipeline. Every run that gets past input
// validation is persisted, failures included.
func (a *Answerer) Answer(ctx context.Context, q Query) (*Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, ErrEmptyQuery
	}
	model, err := a.ResolveModel(q.Model)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID: uuid.NewString(),
		Query: text,
		Model: model,
	}
	a.emit(bus.EventQueryReceived, map[string]any{
		"run_id":  res.RunID,
		"channel": q.Channel,
		"model":   model,
	})
	a.logger.Info("received query",
		"run_id", res.RunID,
		"channel", q.Channel,
		"model", model,
		"query_len", len(text),
	)

	start := time.Now()
	err = a.run(ctx, limitKey(q), res)
	res.LatencyMs = time.Since(start).Milliseconds()

	a.persist(ctx, q, res, err)

	payload := map[string]any{
		"run_id":     res.RunID,
		"channel":    q.Channel,
		"model":      model,
		"latency_ms": res.LatencyMs,
		"tokens_in":  res.Usage.PromptTokens,
		"tokens_out": res.Usage.CompletionTokens,
	}
	if err != nil {
		payload["error"] = err.Error()
		a.emit(bus.EventQueryFailed, payload)
		a.logger.Error("query failed", "run_id", res.RunID, "error", err, "latency_ms", res.LatencyMs)
		return nil, err
	}
	a.emit(bus.EventQueryCompleted, payload)
	a.logger.Info("query completed",
		"run_id", res.RunID,
		"tool_calls", res.ToolCalls,
		"code_len", len(res.Code),
		"latency_ms", res.LatencyMs,
	)
	return res, nil
}

func (a *Answerer) run(ctx context.Context, sender string, res *Result) error {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, sender); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	tools, err := a.executor.Definitions(ctx)
	if err != nil {
		return fmt.Errorf("get tools: %w", err)
	}

	messages := []domain.Message{{Role: "user", Content: res.Query}}

	first, err := a.chat(ctx, res, messages, tools)
	if err != nil {
		return err
	}
	// Some models put the tool call in the content instead of tool_calls.
	if !first.HasToolCalls() && first.Content != "" {
		if recovered := recoverToolCalls(first.Content, tools); len(recovered) > 0 {
			a.logger.Info("recovered tool calls from content text", "count", len(recovered))
			first.ToolCalls = recovered
		}
	}
	res.Generated = first.Content
	res.ToolCalls = len(first.ToolCalls)

	runStart := time.Now()
	toolMsgs, err := a.executor.Run(ctx, first)
	if err != nil {
		return fmt.Errorf("run tools: %w", err)
	}
	if first.HasToolCalls() {
		d := time.Since(runStart).Milliseconds()
		for _, tc := range first.ToolCalls {
			a.emit(bus.EventToolExecuted, map[string]any{
				"run_id":      res.RunID,
				"tool":        tc.Name,
				"executor":    a.executor.Name(),
				"duration_ms": d,
			})
		}
	}
	messages = append(messages, toolMsgs...)

	final, err := a.chat(ctx, res, messages, tools)
	if err != nil {
		return err
	}
	res.Answer = final.Content
	res.Code = codeblock.Python(res.Answer)
	return nil
}

func (a *Answerer) chat(ctx context.Context, res *Result, messages []domain.Message, tools []domain.ToolDefinition) (*domain.ChatResponse, error) {
	resp, err := a.provider.Chat(ctx, domain.ChatRequest{
		Messages:  messages,
		Tools:     tools,
		Model:     res.Model,
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("LLM error: %w", err)
	}
	res.Usage.Add(resp.Usage)
	return resp, nil
}

func (a *Answerer) persist(ctx context.Context, q Query, res *Result, runErr error) {
	if a.store == nil {
		return
	}
	run := domain.Run{
		ID:        res.RunID,
		Channel:   q.Channel,
		ChatID:    q.ChatID,
		Query:     res.Query,
		Model:     res.Model,
		Generated: res.Generated,
		Answer:    res.Answer,
		Code:      res.Code,
		ToolCalls: res.ToolCalls,
		TokensIn:  res.Usage.PromptTokens,
		TokensOut: res.Usage.CompletionTokens,
		LatencyMs: res.LatencyMs,
		CreatedAt: time.Now(),
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	// The query context may already be cancelled; the record is still wanted.
	if err := a.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		a.logger.Warn("failed to save run", "run_id", res.RunID, "error", err)
	}
}

func (a *Answerer) emit(eventType string, payload map[string]any) {
	if a.events == nil {
		return
	}
	a.events.Emit(bus.Event{Type: eventType, Source: "agent", Payload: payload})
}
