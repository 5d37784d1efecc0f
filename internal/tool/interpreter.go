package tool

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CodeInterpreterName is the tool name the model calls.
const CodeInterpreterName = "code_interpreter"

// CodeInterpreterInput is the argument schema of the code_interpreter tool.
type CodeInterpreterInput struct {
	Code    string `json:"code" jsonschema:"required,description=Python 3 source code to execute. Print anything you want to see."`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Optional timeout in seconds,minimum=1,maximum=300"`
}

// CodeInterpreterTool runs Python code through a Runner and returns its output.
type CodeInterpreterTool struct {
	runner Runner
	params map[string]any
}

func NewCodeInterpreterTool(runner Runner) *CodeInterpreterTool {
	return &CodeInterpreterTool{
		runner: runner,
		params: SchemaFor[CodeInterpreterInput](),
	}
}

func (c *CodeInterpreterTool) Name() string { return CodeInterpreterName }

func (c *CodeInterpreterTool) Description() string {
	return "Execute Python 3 code and return what it printed to stdout and stderr. " +
		"Use it to compute results, test code, or check facts. Each call starts a fresh interpreter."
}

func (c *CodeInterpreterTool) Parameters() map[string]any { return c.params }

func (c *CodeInterpreterTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	code := strings.TrimSpace(ArgsString(args, "code"))
	if code == "" {
		return "", fmt.Errorf("missing argument: code")
	}
	var timeout time.Duration
	if secs, ok := ArgsInt(args, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	res, err := c.runner.Run(ctx, code, timeout)
	if err != nil {
		return "", err
	}
	return res.String(), nil
}
