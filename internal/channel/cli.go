package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"coderun/internal/agent"
	"coderun/internal/domain"
)

const cliChatID = "direct"

// CLI implements domain.Channel for an interactive terminal session.
type CLI struct {
	bus       domain.MessageBus
	logger    *slog.Logger
	commands  *agent.Commands
	in        io.Reader
	out       io.Writer
	spinner   bool
	thinking  bool
	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
	outMu     sync.Mutex
}

type CLIConfig struct {
	Logger   *slog.Logger
	Commands *agent.Commands
	In       io.Reader
	Out      io.Writer
	Spinner  bool
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &CLI{
		logger:   cfg.Logger,
		commands: cfg.Commands,
		in:       cfg.In,
		out:      cfg.Out,
		spinner:  cfg.Spinner,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until input ends, /quit is typed or ctx is
// cancelled.
func (c *CLI) Start(ctx context.Context, bus domain.MessageBus) error {
	c.bus = bus

	bus.OnOutbound("cli", func(msg domain.OutboundMessage) {
		c.stopThinking()
		c.printf("%s\n\n> ", FormatResult(msg))
	})

	c.printf("Generate and Run Code. Type a query and press Enter. /help lists commands, /quit exits.\n> ")

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			c.printf("> ")
			continue
		}
		if line == "/quit" || line == "/exit" || line == "/q" {
			c.logger.Info("user requested quit")
			return nil
		}
		if cmd := agent.ParseCommand(line); cmd != nil && c.commands != nil {
			if res := c.commands.Handle(cmd, c.Name(), cliChatID); res.Handled {
				c.printf("%s\n> ", res.Response)
				continue
			}
		}

		msg := domain.InboundMessage{
			Channel:   c.Name(),
			ChatID:    cliChatID,
			SenderID:  "user",
			Content:   line,
			Timestamp: time.Now(),
		}
		if c.commands != nil {
			msg.Model = c.commands.ModelFor(c.Name(), cliChatID)
		}
		c.startThinking()
		c.bus.Publish(msg)
	}
}

func (c *CLI) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func (c *CLI) startThinking() {
	if !c.spinner {
		return
	}
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if c.thinking {
		return
	}
	c.thinking = true
	c.thinkStop = make(chan struct{})
	c.thinkDone = make(chan struct{})
	stop, done := c.thinkStop, c.thinkDone
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		i := 0
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				c.printf("\r\033[K")
				return
			case <-ticker.C:
				c.printf("\r%s Processing your query...", frames[i%len(frames)])
				i++
			}
		}
	}()
}

func (c *CLI) stopThinking() {
	c.thinkMu.Lock()
	defer c.thinkMu.Unlock()
	if !c.thinking {
		return
	}
	c.thinking = false
	close(c.thinkStop)
	<-c.thinkDone
}

// Stop is a no-op; the REPL exits when Start returns.
func (c *CLI) Stop() error { return nil }
