package security

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"coderun/internal/config"
	"coderun/internal/domain"
)

// AuditLogger is the interface for writing audit entries.
type AuditLogger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// Engine checks code against blacklist/whitelist patterns before the local
// interpreter runs it.
type Engine struct {
	cfg         config.SecurityConfig
	auditLogger AuditLogger
	logger      *slog.Logger
	onBlock     func(toolName, pattern string)

	blacklistRe []*regexp.Regexp
	whitelistRe []*regexp.Regexp
}

func NewEngine(cfg config.SecurityConfig, auditLogger AuditLogger, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:         cfg,
		auditLogger: auditLogger,
		logger:      logger,
	}

	var err error
	e.blacklistRe, err = compilePatterns(cfg.Blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist pattern: %w", err)
	}

	e.whitelistRe, err = compilePatterns(cfg.Whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist pattern: %w", err)
	}

	return e, nil
}

// OnBlock registers a callback fired whenever code is blocked.
func (e *Engine) OnBlock(fn func(toolName, pattern string)) {
	e.onBlock = fn
}

func (e *Engine) Check(ctx context.Context, toolName string, code string) (domain.SecurityAction, error) {
	code = strings.TrimSpace(code)

	// Blacklist always blocks.
	for _, re := range e.blacklistRe {
		if re.MatchString(code) {
			e.logger.Warn("code BLOCKED by blacklist",
				"tool", toolName,
				"pattern", re.String(),
			)
			e.logAction(ctx, "code_blocked", toolName, code, "blocked", "blacklist match: "+re.String())
			if e.onBlock != nil {
				e.onBlock(toolName, re.String())
			}
			return domain.ActionBlock, nil
		}
	}

	for _, re := range e.whitelistRe {
		if re.MatchString(code) {
			e.logAction(ctx, "tool_exec", toolName, code, "allowed", "whitelist match: "+re.String())
			return domain.ActionAllow, nil
		}
	}

	if e.cfg.DefaultPolicy == "deny" {
		e.logAction(ctx, "code_blocked", toolName, code, "blocked", "default policy: deny")
		if e.onBlock != nil {
			e.onBlock(toolName, "default policy")
		}
		return domain.ActionBlock, nil
	}
	e.logAction(ctx, "tool_exec", toolName, code, "allowed", "default policy: allow")
	return domain.ActionAllow, nil
}

func (e *Engine) logAction(ctx context.Context, action, toolName, code, result, details string) {
	if !e.cfg.AuditLog || e.auditLogger == nil {
		return
	}
	err := e.auditLogger.LogAudit(ctx, domain.AuditEntry{
		Action:   action,
		ToolName: toolName,
		Command:  code,
		Result:   result,
		Details:  details,
	})
	if err != nil {
		e.logger.Error("audit log write failed", "error", err)
	}
}

// Simple strings are converted to case-insensitive substring patterns.
func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		var re *regexp.Regexp
		var err error
		if isRegex(p) {
			re, err = regexp.Compile(p)
		} else {
			re, err = regexp.Compile(`(?i)` + regexp.QuoteMeta(p))
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func isRegex(s string) bool {
	for _, c := range s {
		switch c {
		case '(', ')', '[', ']', '{', '}', '|', '^', '$', '.', '*', '+', '?', '\\':
			return true
		}
	}
	return false
}
