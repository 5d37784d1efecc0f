package agent

import (
	"testing"

	"coderun/internal/domain"
)

var offeredCode = []domain.ToolDefinition{{
	Name:        "code_interpreter",
	Description: "run python",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"code": map[string]any{"type": "string"}},
		"required":   []string{"code"},
	},
}}

func TestRecoverToolCalls_SingleObject(t *testing.T) {
	input := `{"name": "code_interpreter", "arguments": {"code": "print(1)"}}`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "code_interpreter" {
		t.Fatalf("expected 'code_interpreter', got %q", calls[0].Name)
	}
	if calls[0].Arguments["code"] != "print(1)" {
		t.Fatalf("expected 'print(1)', got %v", calls[0].Arguments["code"])
	}
	if calls[0].ID == "" {
		t.Fatal("recovered call needs an id")
	}
}

func TestRecoverToolCalls_ParametersField(t *testing.T) {
	input := `{"name": "code_interpreter", "parameters": {"code": "x = 1"}}`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 || calls[0].Arguments["code"] != "x = 1" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestRecoverToolCalls_FunctionShapeWithStringArguments(t *testing.T) {
	input := `{"type": "function", "function": {"name": "code_interpreter", "arguments": "{\"code\": \"print(2)\"}"}}`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 || calls[0].Arguments["code"] != "print(2)" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestRecoverToolCalls_Array(t *testing.T) {
	input := `[{"name": "code_interpreter", "arguments": {"code": "a"}}, {"name": "code_interpreter", "arguments": {"code": "b"}}]`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID == calls[1].ID {
		t.Fatalf("ids should differ, both %q", calls[0].ID)
	}
}

func TestRecoverToolCalls_CodeFenceWrapped(t *testing.T) {
	input := "Running it now.\n```json\n{\"name\": \"CodeInterpreter\", \"arguments\": {\"code\": \"print('hi')\"}}\n```"
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call from code fence, got %d", len(calls))
	}
	if calls[0].Name != "code_interpreter" {
		t.Fatalf("expected name folded onto 'code_interpreter', got %q", calls[0].Name)
	}
}

func TestRecoverToolCalls_EmbeddedInProse(t *testing.T) {
	input := `I will call {"name": "code-interpreter", "parameters": {"code": "print(\"}\")"}} to check.`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["code"] != `print("}")` {
		t.Fatalf("brace inside string broke the span: %v", calls[0].Arguments["code"])
	}
}

func TestRecoverToolCalls_UnknownNameWithDeclaredParameter(t *testing.T) {
	input := `{"name": "python", "parameters": {"code": "print(3)"}}`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 || calls[0].Name != "code_interpreter" {
		t.Fatalf("expected call mapped onto the only offered tool, got %+v", calls)
	}
}

func TestRecoverToolCalls_RejectsToolsNotOffered(t *testing.T) {
	cases := []string{
		`{"name": "shell", "parameters": {"command": "rm -rf /"}}`,
		`{"name": "web_search", "arguments": {"query": "weather"}}`,
	}
	for _, input := range cases {
		if calls := recoverToolCalls(input, offeredCode); len(calls) != 0 {
			t.Errorf("%s: expected no calls, got %+v", input, calls)
		}
	}
}

func TestRecoverToolCalls_OnlyMatchingEntriesOfArray(t *testing.T) {
	input := `[{"name": "shell", "arguments": {"command": "ls"}}, {"name": "code_interpreter", "arguments": {"code": "1"}}]`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 || calls[0].Name != "code_interpreter" {
		t.Fatalf("expected only the offered tool, got %+v", calls)
	}
}

func TestRecoverToolCalls_NothingOffered(t *testing.T) {
	input := `{"name": "code_interpreter", "arguments": {"code": "print(1)"}}`
	if calls := recoverToolCalls(input, nil); calls != nil {
		t.Fatalf("expected nil with no tools offered, got %+v", calls)
	}
}

func TestRecoverToolCalls_PlainText(t *testing.T) {
	if calls := recoverToolCalls("The answer is 42.", offeredCode); calls != nil {
		t.Fatalf("expected nil for plain text, got %+v", calls)
	}
	if calls := recoverToolCalls(`{"result": 42}`, offeredCode); calls != nil {
		t.Fatalf("expected nil for JSON without a name, got %+v", calls)
	}
}

func TestRecoverToolCalls_InvalidEscapeInCode(t *testing.T) {
	input := `{"name": "code_interpreter", "parameters": {"code": "print(\"%.2f\" % 3.14159)\nprint('\Y')"}}`
	calls := recoverToolCalls(input, offeredCode)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call after escape repair, got %d", len(calls))
	}
	want := "print(\"%.2f\" % 3.14159)\nprint('Y')"
	if calls[0].Arguments["code"] != want {
		t.Fatalf("got %q, want %q", calls[0].Arguments["code"], want)
	}
}

func TestRepairEscapes(t *testing.T) {
	cases := []struct{ in, want string }{
		{`"a\nb"`, `"a\nb"`},
		{`"a\\Yb"`, `"a\\Yb"`},
		{`"a\Yb"`, `"aYb"`},
		{`"q\"\%"`, `"q\"%"`},
		{`{"k": "é"}`, `{"k": "é"}`},
		{`\Y outside`, `\Y outside`},
	}
	for _, tc := range cases {
		if got := repairEscapes(tc.in); got != tc.want {
			t.Errorf("repairEscapes(%s) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestFirstJSONValue(t *testing.T) {
	cases := []struct{ in, want string }{
		{`say {"a": 1} done`, `{"a": 1}`},
		{`x [1, {"b": "]"}] y`, `[1, {"b": "]"}]`},
		{`{"open": true`, ``},
		{`no json`, ``},
		{`{"a": [1}`, ``},
	}
	for _, tc := range cases {
		if got := firstJSONValue(tc.in); got != tc.want {
			t.Errorf("firstJSONValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFoldName(t *testing.T) {
	if foldName("Code-Interpreter_v2") != "codeinterpreterv2" {
		t.Fatalf("got %q", foldName("Code-Interpreter_v2"))
	}
}
