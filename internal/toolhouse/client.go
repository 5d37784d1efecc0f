// Package toolhouse is a client for the Toolhouse tool-execution API. It
// hands tool definitions to the model and runs the calls the model makes on
// Toolhouse's hosted code interpreter.
package toolhouse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"coderun/internal/domain"
	"coderun/internal/httpx"
)

const (
	DefaultBaseURL  = "https://api.toolhouse.ai/v1"
	DefaultProvider = "openai"
	DefaultBundle   = "default"
)

// Client implements domain.ToolExecutor against the Toolhouse API.
type Client struct {
	apiKey   string
	baseURL  string
	provider string
	bundle   string
	client   *http.Client
	logger   *slog.Logger

	mu       sync.RWMutex
	metadata map[string]string
}

type Config struct {
	APIKey   string
	BaseURL  string
	Provider string
	Bundle   string
	Metadata map[string]string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *slog.Logger
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Provider == "" {
		cfg.Provider = DefaultProvider
	}
	if cfg.Bundle == "" {
		cfg.Bundle = DefaultBundle
	}
	if cfg.Client == nil {
		cfg.Client = httpx.SharedClient(cfg.Timeout)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	md := make(map[string]string, len(cfg.Metadata))
	maps.Copy(md, cfg.Metadata)
	return &Client{
		apiKey:   cfg.APIKey,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		provider: cfg.Provider,
		bundle:   cfg.Bundle,
		client:   cfg.Client,
		logger:   cfg.Logger,
		metadata: md,
	}
}

func (c *Client) Name() string { return "toolhouse" }

// SetMetadata attaches a key/value pair sent with every request. Toolhouse
// uses "id" to scope tool state to a user.
func (c *Client) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

func (c *Client) snapshotMetadata() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.metadata)
}

type getToolsRequest struct {
	Provider string            `json:"provider"`
	Metadata map[string]string `json:"metadata"`
	Bundle   string            `json:"bundle"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

// Definitions fetches the tools of the configured bundle.
func (c *Client) Definitions(ctx context.Context) ([]domain.ToolDefinition, error) {
	var tools []wireTool
	err := c.post(ctx, "/get_tools", true, getToolsRequest{
		Provider: c.provider,
		Metadata: c.snapshotMetadata(),
		Bundle:   c.bundle,
	}, &tools)
	if err != nil {
		return nil, fmt.Errorf("toolhouse get_tools: %w", err)
	}

	defs := make([]domain.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		if t.Function.Name == "" {
			continue
		}
		defs = append(defs, domain.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}
	c.logger.Debug("toolhouse tools loaded", "bundle", c.bundle, "count", len(defs))
	return defs, nil
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type runToolsRequest struct {
	Content  wireToolCall      `json:"content"`
	Provider string            `json:"provider"`
	Metadata map[string]string `json:"metadata"`
	Bundle   string            `json:"bundle"`
}

type runToolsResponse struct {
	Content struct {
		Role       string `json:"role"`
		ToolCallID string `json:"tool_call_id"`
		Name       string `json:"name"`
		Content    string `json:"content"`
	} `json:"content"`
}

// Run executes every tool call in resp and returns the assistant turn that
// made the calls followed by one tool message per call.
func (c *Client) Run(ctx context.Context, resp *domain.ChatResponse) ([]domain.Message, error) {
	if !resp.HasToolCalls() {
		return nil, nil
	}

	metadata := c.snapshotMetadata()
	msgs := make([]domain.Message, 0, len(resp.ToolCalls)+1)
	msgs = append(msgs, domain.Message{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	})

	for _, tc := range resp.ToolCalls {
		args, err := json.Marshal(tc.Arguments)
		if err != nil {
			return nil, fmt.Errorf("encode arguments for %s: %w", tc.Name, err)
		}
		call := wireToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = string(args)

		start := time.Now()
		var out runToolsResponse
		err = c.post(ctx, "/run_tools", false, runToolsRequest{
			Content:  call,
			Provider: c.provider,
			Metadata: metadata,
			Bundle:   c.bundle,
		}, &out)
		if err != nil {
			return nil, fmt.Errorf("toolhouse run_tools %s: %w", tc.Name, err)
		}

		c.logger.Info("tool executed",
			"tool", tc.Name,
			"call_id", tc.ID,
			"duration_ms", time.Since(start).Milliseconds(),
			"output_len", len(out.Content.Content),
		)

		callID := out.Content.ToolCallID
		if callID == "" {
			callID = tc.ID
		}
		name := out.Content.Name
		if name == "" {
			name = tc.Name
		}
		msgs = append(msgs, domain.Message{
			Role:       "tool",
			Content:    out.Content.Content,
			ToolCallID: callID,
			ToolName:   name,
		})
	}
	return msgs, nil
}

// post sends body to path. Only idempotent calls may retry: run_tools
// executes code, so a failed attempt is reported instead of repeated.
func (c *Client) post(ctx context.Context, path string, retry bool, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	build := func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}

	var resp *http.Response
	if retry {
		resp, err = httpx.DoWithRetry(ctx, c.client, build, c.logger)
	} else {
		var req *http.Request
		if req, err = build(); err == nil {
			resp, err = c.client.Do(req)
		}
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return httpx.ReadError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
