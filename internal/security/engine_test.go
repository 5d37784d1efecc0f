package security

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"coderun/internal/config"
	"coderun/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingAudit keeps audit entries in memory.
type recordingAudit struct {
	entries []domain.AuditEntry
	err     error
}

func (r *recordingAudit) LogAudit(ctx context.Context, entry domain.AuditEntry) error {
	r.entries = append(r.entries, entry)
	return r.err
}

func defaultTestCfg() config.SecurityConfig {
	return config.SecurityConfig{
		DefaultPolicy: "allow",
		Blacklist:     []string{"rm -rf /", `shutil\.rmtree`},
		Whitelist:     []string{`^print\(`},
		AuditLog:      true,
	}
}

func mustEngine(t *testing.T, cfg config.SecurityConfig, audit AuditLogger) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, audit, testLogger())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

// --- Check: Blacklist ---

func TestCheck_BlacklistBlocks(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil)

	action, err := e.Check(context.Background(), "code_interpreter", "import os\nos.system('rm -rf /')")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != domain.ActionBlock {
		t.Fatalf("expected block, got %v", action)
	}
}

func TestCheck_BlacklistRegex(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil)

	action, _ := e.Check(context.Background(), "code_interpreter", "import shutil\nshutil.rmtree('/home')")
	if action != domain.ActionBlock {
		t.Fatalf("expected block for regex match, got %v", action)
	}
}

func TestCheck_BlacklistBeatsWhitelist(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil)

	action, _ := e.Check(context.Background(), "code_interpreter", "print('bye'); import os; os.system('rm -rf /')")
	if action != domain.ActionBlock {
		t.Fatalf("blacklist must win over whitelist, got %v", action)
	}
}

func TestCheck_DefaultBlacklistFromConfig(t *testing.T) {
	cfg := config.Defaults().Security
	e := mustEngine(t, cfg, nil)

	action, _ := e.Check(context.Background(), "code_interpreter", `import shutil; shutil.rmtree("/")`)
	if action != domain.ActionBlock {
		t.Fatalf("expected default blacklist to block rmtree of /, got %v", action)
	}
	action, _ = e.Check(context.Background(), "code_interpreter", "print(sum(range(10)))")
	if action != domain.ActionAllow {
		t.Fatalf("expected harmless code to pass, got %v", action)
	}
}

// --- Check: Whitelist ---

func TestCheck_WhitelistAllowsUnderDeny(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.DefaultPolicy = "deny"
	e := mustEngine(t, cfg, nil)

	action, err := e.Check(context.Background(), "code_interpreter", "print(42)")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if action != domain.ActionAllow {
		t.Fatalf("expected allow, got %v", action)
	}
}

// --- Check: Default policy ---

func TestCheck_DefaultPolicyAllow(t *testing.T) {
	e := mustEngine(t, defaultTestCfg(), nil)

	action, _ := e.Check(context.Background(), "code_interpreter", "x = 1")
	if action != domain.ActionAllow {
		t.Fatalf("expected allow (default policy), got %v", action)
	}
}

func TestCheck_DefaultPolicyDeny(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.DefaultPolicy = "deny"
	e := mustEngine(t, cfg, nil)

	var blocked []string
	e.OnBlock(func(toolName, pattern string) { blocked = append(blocked, pattern) })

	action, _ := e.Check(context.Background(), "code_interpreter", "x = 1")
	if action != domain.ActionBlock {
		t.Fatalf("expected block (deny policy), got %v", action)
	}
	if len(blocked) != 1 || blocked[0] != "default policy" {
		t.Fatalf("expected one block callback, got %v", blocked)
	}
}

// --- Audit ---

func TestCheck_WritesAudit(t *testing.T) {
	audit := &recordingAudit{}
	e := mustEngine(t, defaultTestCfg(), audit)

	e.Check(context.Background(), "code_interpreter", "x = 1")
	e.Check(context.Background(), "code_interpreter", "rm -rf /")

	if len(audit.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(audit.entries))
	}
	if audit.entries[0].Result != "allowed" || audit.entries[1].Result != "blocked" {
		t.Fatalf("unexpected results: %+v", audit.entries)
	}
	if audit.entries[1].Action != "code_blocked" {
		t.Fatalf("expected code_blocked action, got %q", audit.entries[1].Action)
	}
}

func TestCheck_AuditDisabled(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.AuditLog = false
	audit := &recordingAudit{}
	e := mustEngine(t, cfg, audit)

	e.Check(context.Background(), "code_interpreter", "x = 1")
	if len(audit.entries) != 0 {
		t.Fatalf("expected no audit entries, got %d", len(audit.entries))
	}
}

func TestCheck_AuditErrorDoesNotBlock(t *testing.T) {
	audit := &recordingAudit{err: errors.New("disk full")}
	e := mustEngine(t, defaultTestCfg(), audit)

	action, err := e.Check(context.Background(), "code_interpreter", "x = 1")
	if err != nil || action != domain.ActionAllow {
		t.Fatalf("audit failure should not change the decision: %v %v", action, err)
	}
}

// --- Patterns ---

func TestNewEngine_InvalidPattern(t *testing.T) {
	cfg := defaultTestCfg()
	cfg.Blacklist = []string{"(unclosed"}
	if _, err := NewEngine(cfg, nil, testLogger()); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestIsRegex(t *testing.T) {
	if isRegex("rm -rf") {
		t.Fatal("plain string should not be treated as regex")
	}
	if !isRegex(`os\.system`) {
		t.Fatal("escaped pattern should be treated as regex")
	}
}

func TestCompilePatterns_LiteralIsCaseInsensitive(t *testing.T) {
	res, err := compilePatterns([]string{"DROP TABLE"})
	if err != nil {
		t.Fatal(err)
	}
	if !res[0].MatchString("drop table users") {
		t.Fatal("literal pattern should match case-insensitively")
	}
}
