package provider

import (
	"encoding/json"
	"testing"

	"coderun/internal/domain"
)

func TestToAnthropicTools_KeepsRequiredFields(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"type":"object","properties":{"code":{"type":"string"}},"required":["code"]}`), &decoded); err != nil {
		t.Fatal(err)
	}
	defs := []domain.ToolDefinition{
		{Name: "code_interpreter", Description: "run python", Parameters: decoded},
		{Name: "built", Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
			"required":   []string{"q"},
		}},
		{Name: "bare"},
	}

	tools := toAnthropicTools(defs)
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}

	schema, err := json.Marshal(tools[0].OfTool.InputSchema)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Type     string         `json:"type"`
		Required []string       `json:"required"`
		Props    map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(schema, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != "object" || len(got.Required) != 1 || got.Required[0] != "code" {
		t.Errorf("required lost in %s", schema)
	}
	if _, ok := got.Props["code"]; !ok {
		t.Errorf("properties lost in %s", schema)
	}

	if r := tools[1].OfTool.InputSchema.Required; len(r) != 1 || r[0] != "q" {
		t.Errorf("expected [q], got %v", r)
	}
	if r := tools[2].OfTool.InputSchema.Required; r != nil {
		t.Errorf("expected no required fields, got %v", r)
	}
}

func TestRequiredFields(t *testing.T) {
	if got := requiredFields([]any{"a", 1, "b"}); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("got %v", got)
	}
	if got := requiredFields("code"); got != nil {
		t.Errorf("got %v", got)
	}
}

func TestMapStopReason(t *testing.T) {
	cases := map[string]string{"tool_use": "tool_calls", "max_tokens": "length", "end_turn": "stop"}
	for in, want := range cases {
		if got := mapStopReason(in); got != want {
			t.Errorf("mapStopReason(%q) = %q, want %q", in, got, want)
		}
	}
}
