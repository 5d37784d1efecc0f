package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DockerSandboxConfig configures the Docker sandbox.
type DockerSandboxConfig struct {
	Image          string // default: "python:3.12-slim"
	Timeout        time.Duration
	MaxMemory      string // e.g. "256m"
	MaxCPU         string // e.g. "0.5"
	MaxOutputBytes int
	Logger         *slog.Logger
}

// DockerSandbox runs Python inside an isolated, network-less container.
type DockerSandbox struct {
	image          string
	timeout        time.Duration
	maxMemory      string
	maxCPU         string
	maxOutputBytes int
	logger         *slog.Logger

	// command is swapped in tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewDockerSandbox creates a new Docker sandbox runner.
func NewDockerSandbox(cfg DockerSandboxConfig) *DockerSandbox {
	if cfg.Image == "" {
		cfg.Image = "python:3.12-slim"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultRunTimeout
	}
	if cfg.MaxMemory == "" {
		cfg.MaxMemory = "256m"
	}
	if cfg.MaxCPU == "" {
		cfg.MaxCPU = "0.5"
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &DockerSandbox{
		image:          cfg.Image,
		timeout:        cfg.Timeout,
		maxMemory:      cfg.MaxMemory,
		maxCPU:         cfg.MaxCPU,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger,
		command:        exec.CommandContext,
	}
}

func (ds *DockerSandbox) Name() string { return "docker" }

// Args returns the docker command line used for every run. The code is fed
// on stdin so nothing touches the host filesystem.
func (ds *DockerSandbox) Args() []string {
	return []string{
		"run", "--rm", "-i",
		"--network", "none",
		"--memory", ds.maxMemory,
		"--cpus", ds.maxCPU,
		"--pids-limit", "100",
		"--read-only",
		"--tmpfs", "/tmp:rw,size=64m",
		"--workdir", "/tmp",
		ds.image,
		"python", "-",
	}
}

// Run executes code inside a Docker container with resource limits.
func (ds *DockerSandbox) Run(ctx context.Context, code string, timeout time.Duration) (*RunResult, error) {
	if err := ds.checkDocker(ctx); err != nil {
		return nil, err
	}
	if timeout <= 0 || timeout > ds.timeout {
		timeout = ds.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ds.logger.Info("sandbox executing", "image", ds.image, "code_len", len(code))

	cmd := ds.command(ctx, "docker", ds.Args()...)
	cmd.Stdin = strings.NewReader(code)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := &RunResult{
		Stdout:   truncate(stdout.String(), ds.maxOutputBytes),
		Stderr:   truncate(stderr.String(), ds.maxOutputBytes),
		Duration: time.Since(start),
	}

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
		return nil, fmt.Errorf("docker run: %w", err)
	}
	return res, nil
}

// checkDocker verifies that Docker is available.
func (ds *DockerSandbox) checkDocker(ctx context.Context) error {
	cmd := ds.command(ctx, "docker", "version", "--format", "{{.Server.Version}}")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("docker not available: %w", err)
	}
	return nil
}
