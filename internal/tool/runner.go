package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultRunTimeout     = 30 * time.Second
	defaultMaxOutputBytes = 65536
)

// RunResult is the outcome of running one snippet of code.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// String renders the result the way the model sees it.
func (r *RunResult) String() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteString("\n")
		}
		b.WriteString("[stderr] ")
		b.WriteString(r.Stderr)
	}
	if r.TimedOut {
		fmt.Fprintf(&b, "\n[timed out after %s]", r.Duration.Round(time.Millisecond))
	} else if r.ExitCode != 0 {
		fmt.Fprintf(&b, "\n[exit code %d]", r.ExitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return strings.TrimSpace(b.String())
}

// Runner executes Python source. A non-zero exit is reported in the result;
// the error is reserved for failures to start the interpreter at all.
type Runner interface {
	Name() string
	Run(ctx context.Context, code string, timeout time.Duration) (*RunResult, error)
}

type SubprocessConfig struct {
	Python         string
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// SubprocessRunner runs code with a local Python interpreter in a scratch
// directory that is removed afterwards.
type SubprocessRunner struct {
	python         string
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

func NewSubprocessRunner(cfg SubprocessConfig) *SubprocessRunner {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRunTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SubprocessRunner{
		python:         cfg.Python,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
	}
}

func (s *SubprocessRunner) Name() string { return "subprocess" }

func (s *SubprocessRunner) Run(ctx context.Context, code string, timeout time.Duration) (*RunResult, error) {
	if timeout <= 0 || timeout > s.timeout {
		timeout = s.timeout
	}

	dir, err := os.MkdirTemp("", "coderun-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, "main.py")
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.python, "-I", script)
	cmd.Dir = dir
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	res := &RunResult{
		Stdout:   truncate(stdout.String(), s.maxOutputBytes),
		Stderr:   truncate(stderr.String(), s.maxOutputBytes),
		Duration: time.Since(start),
	}

	s.logger.Debug("subprocess finished", "duration", res.Duration, "error", err)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = -1
			return res, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("start %s: %w", s.python, err)
	}
	return res, nil
}

func truncate(s string, limit int) string {
	if limit > 0 && len(s) > limit {
		return s[:limit] + "\n... (output truncated)"
	}
	return s
}
