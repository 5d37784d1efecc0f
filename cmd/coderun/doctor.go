package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"coderun/internal/config"
)

// checks tallies doctor results.
type checks struct {
	passed, warned, failed int
}

func (c *checks) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	c.passed++
}

func (c *checks) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	c.failed++
}

func (c *checks) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	c.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your coderun installation",
		Long: `Verifies that the configuration, API keys, run history database,
code interpreter and web port are set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("coderun doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var c checks

			if _, err := os.Stat(cfgPath); err != nil {
				c.warn("Config file", fmt.Sprintf("not found at %s (using defaults and environment)", cfgPath))
			} else {
				c.pass("Config file", cfgPath)
			}

			cfg, err := loadConfig()
			if err != nil {
				c.fail("Config validation", err.Error())
				fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			c.pass("Config validation", "valid")

			if cfg.Memory.Enabled {
				if err := checkDatabase(cfg.Memory.DBPath); err != nil {
					c.fail("Database", err.Error())
				} else {
					c.pass("Database", cfg.Memory.DBPath)
				}
			} else {
				c.warn("Database", "run history disabled")
			}

			enabled := 0
			for name, p := range cfg.Providers {
				if !p.Enabled {
					continue
				}
				enabled++
				if p.APIKey == "" {
					c.fail("Provider: "+name, "enabled but no API key (set GROQ_API_KEY)")
				} else {
					c.pass("Provider: "+name, "configured")
				}
			}
			if enabled == 0 {
				c.fail("Providers", "no providers enabled")
			}

			checkExecutor(&c, cfg)

			if cfg.Channels.Web.Enabled {
				addr := fmt.Sprintf("%s:%d", cfg.Channels.Web.Host, cfg.Channels.Web.Port)
				if err := checkPort(addr); err != nil {
					c.warn("Web port", fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					c.pass("Web port", addr+" available")
				}
			}

			if cfg.Mailbox.Enabled {
				if cfg.Mailbox.Transport == "memory" {
					c.warn("Mailbox", "memory transport only reaches agents in this process")
				} else {
					c.pass("Mailbox", cfg.Mailbox.Transport+" "+cfg.Mailbox.URL)
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					c.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
			if c.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running coderun.\n")
				return fmt.Errorf("%d check(s) failed", c.failed)
			}
			if c.warned > 0 {
				fmt.Printf("\ncoderun should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! coderun is ready to run.\n")
			}
			return nil
		},
	}
}

func checkExecutor(c *checks, cfg *config.Config) {
	tc := cfg.Tools
	if tc.Executor != "local" {
		if tc.Toolhouse.APIKey == "" {
			c.fail("Toolhouse", "no API key (set TOOLHOUSE_KEY)")
		} else {
			c.pass("Toolhouse", tc.Toolhouse.BaseURL)
		}
		return
	}

	bin := tc.Interpreter.Python
	if tc.Interpreter.Runner == "docker" {
		bin = "docker"
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		c.fail("Interpreter", fmt.Sprintf("%s not found in PATH", bin))
		return
	}
	c.pass("Interpreter", tc.Interpreter.Runner+" ("+path+")")
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}
