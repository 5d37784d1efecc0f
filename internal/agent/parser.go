package agent

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"coderun/internal/codeblock"
	"coderun/internal/domain"
)

// writtenCall is a tool call a model wrote as JSON text. Llama models on
// Groq use several shapes:
//
//	{"name": "code_interpreter", "parameters": {"code": "..."}}
//	{"name": "code_interpreter", "arguments": {"code": "..."}}
//	{"type": "function", "function": {"name": "...", "arguments": "{\"code\": ...}"}}
type writtenCall struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
	Arguments  json.RawMessage `json:"arguments"`
	Function   *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

func (w writtenCall) name() string {
	if w.Function != nil && w.Function.Name != "" {
		return w.Function.Name
	}
	return w.Name
}

func (w writtenCall) args() map[string]any {
	raw := w.Parameters
	if len(raw) == 0 {
		raw = w.Arguments
	}
	if w.Function != nil && len(w.Function.Arguments) > 0 {
		raw = w.Function.Arguments
	}
	return decodeArgs(raw)
}

// decodeArgs accepts an object or a JSON string holding an object.
func decodeArgs(raw json.RawMessage) map[string]any {
	args := map[string]any{}
	if len(raw) == 0 {
		return args
	}
	var encoded string
	if json.Unmarshal(raw, &encoded) == nil {
		raw = json.RawMessage(encoded)
	}
	if json.Unmarshal(raw, &args) != nil {
		_ = json.Unmarshal([]byte(repairEscapes(string(raw))), &args)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// recoverToolCalls finds tool calls a model wrote into its content instead of
// the tool_calls field. Only calls that resolve to one of the offered tools
// are returned, so a stray JSON object in a prose answer is not executed.
func recoverToolCalls(content string, offered []domain.ToolDefinition) []domain.ToolCall {
	if len(offered) == 0 {
		return nil
	}
	for _, candidate := range jsonCandidates(content) {
		written := decodeWrittenCalls(candidate)
		if len(written) == 0 {
			continue
		}
		var calls []domain.ToolCall
		for _, w := range written {
			args := w.args()
			name, ok := resolveToolName(w.name(), args, offered)
			if !ok {
				continue
			}
			calls = append(calls, domain.ToolCall{
				ID:        "call_recovered_" + strconv.Itoa(len(calls)),
				Name:      name,
				Arguments: args,
			})
		}
		if len(calls) > 0 {
			return calls
		}
	}
	return nil
}

// jsonCandidates lists the places a written call may sit, most specific
// first: a ```json fence, a bare fence, the whole content, and the first
// balanced JSON value inside surrounding prose.
func jsonCandidates(content string) []string {
	content = strings.TrimSpace(content)
	var out []string
	if block, ok := codeblock.Extract(content, "json"); ok {
		out = append(out, block)
	}
	if block, ok := codeblock.Extract(content, "\n"); ok {
		out = append(out, block)
	}
	out = append(out, content)
	if span := firstJSONValue(content); span != "" && span != content {
		out = append(out, span)
	}
	return out
}

func decodeWrittenCalls(s string) []writtenCall {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, text := range []string{s, repairEscapes(s)} {
		switch text[0] {
		case '{':
			var one writtenCall
			if json.Unmarshal([]byte(text), &one) == nil && one.name() != "" {
				return []writtenCall{one}
			}
		case '[':
			var many []writtenCall
			if json.Unmarshal([]byte(text), &many) == nil && len(many) > 0 {
				return many
			}
		}
	}
	return nil
}

// firstJSONValue returns the first balanced {...} or [...] in s, honouring
// string literals, or "" when there is none.
func firstJSONValue(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			stack = append(stack, '}')
		case c == '[':
			stack = append(stack, ']')
		case c == '}' || c == ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return ""
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// resolveToolName maps a written tool name onto an offered tool. Names match
// exactly, then ignoring case and punctuation ("CodeInterpreter",
// "code-interpreter"). When one tool is offered, an unrecognised name
// ("python", "run_code") still resolves if the arguments carry one of the
// tool's declared parameters.
func resolveToolName(name string, args map[string]any, offered []domain.ToolDefinition) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, def := range offered {
		if def.Name == name {
			return def.Name, true
		}
	}
	folded := foldName(name)
	for _, def := range offered {
		if foldName(def.Name) == folded {
			return def.Name, true
		}
	}
	if len(offered) == 1 && sharesParameter(offered[0], args) {
		return offered[0].Name, true
	}
	return "", false
}

func foldName(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

func sharesParameter(def domain.ToolDefinition, args map[string]any) bool {
	props, _ := def.Parameters["properties"].(map[string]any)
	for key := range args {
		if _, ok := props[key]; ok {
			return true
		}
	}
	return false
}

// repairEscapes drops the backslash of escapes JSON does not define (\% or
// \Y, which models emit inside code strings) and keeps valid ones.
func repairEscapes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inString = !inString
		case inString && c == '\\' && i+1 < len(s):
			if strings.IndexByte(`"\/bfnrtu`, s[i+1]) < 0 {
				continue
			}
			b.WriteByte(c)
			b.WriteByte(s[i+1])
			i++
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}
