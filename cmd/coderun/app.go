package main

import (
	"context"
	"fmt"
	"time"

	"coderun/internal/agent"
	"coderun/internal/bus"
	"coderun/internal/config"
	"coderun/internal/domain"
	"coderun/internal/mailbox"
	"coderun/internal/memory"
	"coderun/internal/metrics"
	"coderun/internal/provider"
	"coderun/internal/security"
	"coderun/internal/tool"
	"coderun/internal/toolhouse"
)

const (
	busBufferSize  = 100
	purgeInterval  = time.Hour
	mailboxChatID  = "agent"
	defaultAskWait = 2 * time.Minute
)

// app holds the components every command that answers queries needs.
type app struct {
	cfg      *config.Config
	bus      *bus.InMemoryBus
	events   *bus.EventBus
	store    *memory.SQLiteStore // nil when run history is disabled
	executor domain.ToolExecutor
	answerer *agent.Answerer
	loop     *agent.Loop
	commands *agent.Commands
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:    cfg,
		bus:    bus.New(busBufferSize, logger),
		events: bus.NewEventBus(logger),
	}
	metrics.Attach(a.events)

	if cfg.Memory.Enabled {
		store, err := memory.NewSQLiteStore(cfg.Memory.DBPath, logger)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("memory store: %w", err)
		}
		a.store = store
	}

	prov, err := provider.NewFactory(cfg, logger).Build()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("provider: %w", err)
	}

	a.executor, err = a.newExecutor()
	if err != nil {
		a.close()
		return nil, err
	}

	var limiter *agent.RateLimiter
	if n := cfg.General.RateLimitPerMin; n > 0 {
		limiter = agent.NewRateLimiter(n, float64(n))
	}

	a.answerer = agent.NewAnswerer(agent.AnswererConfig{
		Provider:     prov,
		Executor:     a.executor,
		Store:        a.runStore(),
		Events:       a.events,
		Models:       cfg.Models.Available,
		DefaultModel: cfg.Models.Default,
		MaxTokens:    cfg.Providers[cfg.General.DefaultProvider].MaxTokens,
		RateLimiter:  limiter,
		Logger:       logger,
	})
	a.loop = agent.NewLoop(agent.LoopConfig{
		Answerer:     a.answerer,
		Bus:          a.bus,
		Logger:       logger,
		Concurrency:  cfg.General.MaxConcurrentQueries,
		QueryTimeout: time.Duration(cfg.General.QueryTimeoutSeconds) * time.Second,
	})
	a.commands = agent.NewCommands(a.answerer)

	logger.Debug("app ready",
		"provider", prov.Name(),
		"executor", a.executor.Name(),
		"history", a.store != nil,
	)
	return a, nil
}

// runStore returns the store as an interface, nil when history is disabled.
func (a *app) runStore() domain.RunStore {
	if a.store == nil {
		return nil
	}
	return a.store
}

// newExecutor builds the tool executor named by tools.executor: the remote
// tool service, or the local interpreter behind the security engine.
func (a *app) newExecutor() (domain.ToolExecutor, error) {
	tc := a.cfg.Tools
	if tc.Executor != "local" {
		if tc.Toolhouse.APIKey == "" {
			logger.Warn("toolhouse API key is not set (TOOLHOUSE_KEY)")
		}
		return toolhouse.New(toolhouse.Config{
			APIKey:   tc.Toolhouse.APIKey,
			BaseURL:  tc.Toolhouse.BaseURL,
			Provider: tc.Toolhouse.Provider,
			Bundle:   tc.Toolhouse.Bundle,
			Metadata: tc.Toolhouse.Metadata,
			Timeout:  time.Duration(tc.Toolhouse.Timeout) * time.Second,
			Logger:   logger,
		}), nil
	}

	ic := tc.Interpreter
	timeout := time.Duration(ic.Timeout) * time.Second
	var runner tool.Runner
	if ic.Runner == "docker" {
		runner = tool.NewDockerSandbox(tool.DockerSandboxConfig{
			Image:          ic.DockerImage,
			Timeout:        timeout,
			MaxMemory:      ic.MaxMemory,
			MaxCPU:         ic.MaxCPU,
			MaxOutputBytes: ic.MaxOutputBytes,
			Logger:         logger,
		})
	} else {
		runner = tool.NewSubprocessRunner(tool.SubprocessConfig{
			Python:         ic.Python,
			Timeout:        timeout,
			MaxOutputBytes: ic.MaxOutputBytes,
			Logger:         logger,
		})
	}

	registry := tool.NewRegistry(logger)
	registry.Register(tool.NewCodeInterpreterTool(runner))

	var audit security.AuditLogger
	if a.store != nil {
		audit = a.store
	}
	engine, err := security.NewEngine(a.cfg.Security, audit, logger)
	if err != nil {
		return nil, fmt.Errorf("security engine: %w", err)
	}
	engine.OnBlock(func(toolName, pattern string) {
		a.events.Emit(bus.Event{
			Type:    bus.EventSecurityBlocked,
			Source:  "security",
			Payload: map[string]any{"tool": toolName, "pattern": pattern},
		})
	})

	return tool.NewLocalExecutor(tool.LocalExecutorConfig{
		Registry: registry,
		Security: engine,
		Logger:   logger,
	}), nil
}

// newMailboxAgent builds the agent that serves QueryRequest over the
// configured relay. The caller closes the relay.
func (a *app) newMailboxAgent() (*mailbox.Agent, mailbox.Relay, error) {
	mc := a.cfg.Mailbox
	relay, err := mailbox.NewRelay(mailbox.RelayConfig{
		Transport: mc.Transport,
		URL:       mc.URL,
		Key:       mc.Key,
		Name:      mc.AgentName,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("mailbox relay: %w", err)
	}

	ag, err := mailbox.New(mailbox.Config{
		Name:     mc.AgentName,
		Seed:     mc.Seed,
		Relay:    relay,
		ReplyTTL: time.Duration(mc.ReplyTTLSeconds) * time.Second,
		Events:   a.events,
		Logger:   logger,
	})
	if err != nil {
		relay.Close()
		return nil, nil, err
	}
	ag.OnStartup(mailbox.LogAddress)
	ag.Include(mailbox.NewQueryProtocol(a.answerCode), mc.PublishManifest)
	return ag, relay, nil
}

// answerCode runs a mailbox query and returns the extracted code.
func (a *app) answerCode(ctx context.Context, query string) (string, error) {
	res, err := a.loop.ProcessDirect(ctx, query, "", "mailbox", mailboxChatID)
	if err != nil {
		return "", err
	}
	return res.Code, nil
}

// purgeLoop deletes history older than memory.retentionDays, once at start
// and then every hour, until ctx is done.
func (a *app) purgeLoop(ctx context.Context) {
	if a.store == nil {
		return
	}
	purge := func() {
		cutoff := time.Now().AddDate(0, 0, -a.cfg.Memory.RetentionDays)
		n, err := a.store.PurgeBefore(ctx, cutoff)
		if err != nil {
			logger.Warn("history purge failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("history purged", "rows", n, "before", cutoff.Format(time.DateOnly))
		}
	}

	purge()
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purge()
		}
	}
}

func (a *app) close() {
	a.bus.Close()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warn("close memory store", "err", err)
		}
	}
}
