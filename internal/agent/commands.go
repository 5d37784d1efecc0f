package agent

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
}

// CommandResult holds the response for a handled command.
type CommandResult struct {
	Response string // text response to send back
	Handled  bool   // true if the command was handled (not a query)
}

// ModelCatalog is the part of the Answerer the commands need.
type ModelCatalog interface {
	Models() []string
	DefaultModel() string
	ResolveModel(name string) (string, error)
}

// startTime records when the process started for /uptime.
var startTime = time.Now()

// version is set by the build system. Default fallback.
var version = "0.1.0"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

// Version returns the version string.
func Version() string { return version }

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	// Telegram appends the bot name in groups: /model@coderun_bot
	name, _, _ := strings.Cut(strings.TrimPrefix(parts[0], "/"), "@")
	name = strings.ToLower(name)

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
	}
}

// Commands handles chat commands and remembers the model each chat selected.
type Commands struct {
	catalog  ModelCatalog
	mu       sync.RWMutex
	selected map[string]string // channel:chatID -> model
}

func NewCommands(catalog ModelCatalog) *Commands {
	return &Commands{
		catalog:  catalog,
		selected: make(map[string]string),
	}
}

// ModelFor returns the model selected in a chat, or "" for the default.
func (c *Commands) ModelFor(channel, chatID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selected[channel+":"+chatID]
}

// Handle processes a chat command. Unknown commands return Handled=false so
// the text can be sent as an ordinary query.
func (c *Commands) Handle(cmd *ChatCommand, channel, chatID string) CommandResult {
	switch cmd.Name {
	case "start", "help":
		return CommandResult{Response: helpText(), Handled: true}

	case "model":
		if len(cmd.Args) == 0 {
			current := c.ModelFor(channel, chatID)
			if current == "" {
				current = c.catalog.DefaultModel()
			}
			return CommandResult{Response: fmt.Sprintf("Current model: %s\n\n%s", current, c.modelsText()), Handled: true}
		}
		model, err := c.catalog.ResolveModel(cmd.Args[0])
		if err != nil {
			return CommandResult{Response: fmt.Sprintf("Unknown model %q.\n\n%s", cmd.Args[0], c.modelsText()), Handled: true}
		}
		c.mu.Lock()
		c.selected[channel+":"+chatID] = model
		c.mu.Unlock()
		return CommandResult{Response: fmt.Sprintf("Model set to %s", model), Handled: true}

	case "models":
		return CommandResult{Response: c.modelsText(), Handled: true}

	case "uptime":
		uptime := time.Since(startTime).Round(time.Second)
		return CommandResult{Response: fmt.Sprintf("Uptime: %s", uptime), Handled: true}

	case "version":
		return CommandResult{Response: fmt.Sprintf("coderun v%s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version()), Handled: true}

	default:
		return CommandResult{Handled: false}
	}
}

func helpText() string {
	return `Generate and Run Code

Send a request in plain language. The model writes Python, the code
interpreter runs it, and you get the response and the code back.

/help - Show this help message
/model - Show the current model
/model <name> - Switch model for this chat
/models - List available models
/uptime - Show uptime
/version - Show version info`
}

func (c *Commands) modelsText() string {
	var sb strings.Builder
	sb.WriteString("Available models:\n")
	def := c.catalog.DefaultModel()
	for _, m := range c.catalog.Models() {
		if m == def {
			fmt.Fprintf(&sb, "• %s (default)\n", m)
		} else {
			fmt.Fprintf(&sb, "• %s\n", m)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}
