package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"coderun/internal/agent"
	"coderun/internal/config"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logLevel   string // overridable via --log-level flag
)

func main() {
	logger = newLogger("info", os.Stderr)
	agent.SetVersion(version)

	root := &cobra.Command{
		Use:   "coderun",
		Short: "coderun: generate and run code with an LLM and a code interpreter",
		Long: "coderun sends a request to a language model that can call a code interpreter, " +
			"runs the tool calls, and shows the model's code and the final answer. " +
			"It serves a web UI, a Telegram bot, a terminal chat and a mailbox agent.",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.coderun/config.json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.logLevel (debug, info, warn, error)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(askCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(agentCmd())
	root.AddCommand(runsCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads .env files and the config file. A missing config file
// falls back to the defaults so the tool works from environment variables
// alone. The package logger is rebuilt from the loaded log settings.
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(".env", filepath.Join(config.DefaultConfigDir(), ".env")); err != nil {
		logger.Warn("could not load .env file", "err", err)
	}

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Debug("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
		config.ApplyEnv(cfg)
		cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
		cfg.Memory.DBPath = config.ExpandPath(cfg.Memory.DBPath)
	}

	if logLevel != "" {
		cfg.General.LogLevel = logLevel
	}
	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
	}
	logger = newLogger(cfg.General.LogLevel, out)
	return cfg, nil
}

func newLogger(level string, out io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: parseLevel(level)}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
