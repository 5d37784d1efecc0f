package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for coderun.
type Config struct {
	General   GeneralConfig             `json:"general" yaml:"general"`
	Models    ModelsConfig              `json:"models" yaml:"models"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Tools     ToolsConfig               `json:"tools" yaml:"tools"`
	Channels  ChannelsConfig            `json:"channels" yaml:"channels"`
	Mailbox   MailboxConfig             `json:"mailbox" yaml:"mailbox"`
	Memory    MemoryConfig              `json:"memory" yaml:"memory"`
	Security  SecurityConfig            `json:"security" yaml:"security"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel             string   `json:"logLevel" yaml:"logLevel"`
	LogFile              string   `json:"logFile,omitempty" yaml:"logFile,omitempty"`
	DataDir              string   `json:"dataDir" yaml:"dataDir"`
	DefaultProvider      string   `json:"defaultProvider" yaml:"defaultProvider"`
	FailoverChain        []string `json:"failoverChain,omitempty" yaml:"failoverChain,omitempty"`
	MaxConcurrentQueries int      `json:"maxConcurrentQueries" yaml:"maxConcurrentQueries"`
	QueryTimeoutSeconds  int      `json:"queryTimeoutSeconds" yaml:"queryTimeoutSeconds"`
	RateLimitPerMin      int      `json:"rateLimitPerMinute,omitempty" yaml:"rateLimitPerMinute,omitempty"`
}

// ModelsConfig is the model selector shown to users.
type ModelsConfig struct {
	Default   string   `json:"default" yaml:"default"`
	Available []string `json:"available" yaml:"available"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Kind         string `json:"kind,omitempty" yaml:"kind,omitempty"` // "openai" | "anthropic"
	APIBase      string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`
	MaxTokens    int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
}

type ToolsConfig struct {
	Executor    string            `json:"executor" yaml:"executor"` // "toolhouse" | "local"
	Toolhouse   ToolhouseConfig   `json:"toolhouse" yaml:"toolhouse"`
	Interpreter InterpreterConfig `json:"interpreter" yaml:"interpreter"`
}

// ToolhouseConfig configures the remote tool-execution service.
type ToolhouseConfig struct {
	APIKey   string            `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL  string            `json:"baseUrl" yaml:"baseUrl"`
	Provider string            `json:"provider" yaml:"provider"`
	Bundle   string            `json:"bundle" yaml:"bundle"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Timeout  int               `json:"timeout" yaml:"timeout"`
}

// InterpreterConfig configures the local code interpreter.
type InterpreterConfig struct {
	Runner         string `json:"runner" yaml:"runner"` // "subprocess" | "docker"
	Python         string `json:"python" yaml:"python"`
	Timeout        int    `json:"timeout" yaml:"timeout"`
	MaxOutputBytes int    `json:"maxOutputBytes" yaml:"maxOutputBytes"`
	DockerImage    string `json:"dockerImage" yaml:"dockerImage"`
	MaxMemory      string `json:"maxMemory" yaml:"maxMemory"`
	MaxCPU         string `json:"maxCpu" yaml:"maxCpu"`
}

type ChannelsConfig struct {
	Web      WebConfig      `json:"web" yaml:"web"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	CLI      CLIConfig      `json:"cli" yaml:"cli"`
}

type WebConfig struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	Host    string  `json:"host" yaml:"host"`
	Port    int     `json:"port" yaml:"port"`
	Auth    WebAuth `json:"auth" yaml:"auth"`
}

type WebAuth struct {
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Username     string `json:"username" yaml:"username"`
	PasswordHash string `json:"passwordHash" yaml:"passwordHash"`
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled" yaml:"enabled"`
	Token     string         `json:"token" yaml:"token"`
	AllowFrom FlexStringList `json:"allowFrom" yaml:"allowFrom"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type CLIConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// MailboxConfig configures the agent reachable over the mailbox relay.
type MailboxConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Transport       string `json:"transport" yaml:"transport"` // "nats" | "redis" | "memory"
	URL             string `json:"url,omitempty" yaml:"url,omitempty"`
	Key             string `json:"key,omitempty" yaml:"key,omitempty"`
	AgentName       string `json:"agentName" yaml:"agentName"`
	Seed            string `json:"seed,omitempty" yaml:"seed,omitempty"`
	PublishManifest bool   `json:"publishManifest" yaml:"publishManifest"`
	ReplyTTLSeconds int    `json:"replyTtlSeconds" yaml:"replyTtlSeconds"`
}

type MemoryConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	DBPath        string `json:"dbPath" yaml:"dbPath"`
	RetentionDays int    `json:"retentionDays" yaml:"retentionDays"`
}

type SecurityConfig struct {
	DefaultPolicy string   `json:"defaultPolicy" yaml:"defaultPolicy"` // "allow" | "deny"
	Blacklist     []string `json:"blacklist" yaml:"blacklist"`
	Whitelist     []string `json:"whitelist" yaml:"whitelist"`
	AuditLog      bool     `json:"auditLog" yaml:"auditLog"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.coderun).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".coderun"
	}
	return filepath.Join(home, ".coderun")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files into the
// process environment. Missing files are skipped; existing variables win.
func LoadDotEnv(paths ...string) error {
	existing := lo.Filter(paths, func(p string, _ int) bool {
		_, err := os.Stat(ExpandPath(p))
		return err == nil
	})
	if len(existing) == 0 {
		return nil
	}
	expanded := lo.Map(existing, func(p string, _ int) string { return ExpandPath(p) })
	if err := godotenv.Load(expanded...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

// Load reads a JSON or YAML config file, expands environment variables,
// overlays secrets from the environment and validates the result.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	ApplyEnv(cfg)
	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// ApplyEnv fills empty secrets from well-known environment variables.
func ApplyEnv(cfg *Config) {
	setProviderKey(cfg, "groq", "GROQ_KEY", "GROQ_API_KEY")
	setProviderKey(cfg, "openai", "OPENAI_API_KEY")
	setProviderKey(cfg, "claude", "ANTHROPIC_API_KEY")

	if cfg.Tools.Toolhouse.APIKey == "" {
		cfg.Tools.Toolhouse.APIKey = firstEnv("TOOLHOUSE_KEY", "TOOLHOUSE_API_KEY")
	}
	if cfg.Mailbox.Key == "" {
		cfg.Mailbox.Key = firstEnv("TH_AGENT_MAILBOX_KEY")
	}
	if cfg.Channels.Telegram.Token == "" {
		cfg.Channels.Telegram.Token = firstEnv("TELEGRAM_BOT_TOKEN")
	}
}

func setProviderKey(cfg *Config, name string, vars ...string) {
	pc, ok := cfg.Providers[name]
	if !ok || pc.APIKey != "" {
		return
	}
	if v := firstEnv(vars...); v != "" {
		pc.APIKey = v
		cfg.Providers[name] = pc
	}
}

func firstEnv(vars ...string) string {
	for _, v := range vars {
		if val := os.Getenv(v); val != "" {
			return val
		}
	}
	return ""
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentQueries < 1 || cfg.General.MaxConcurrentQueries > 100 {
		errs = append(errs, "general.maxConcurrentQueries must be between 1 and 100")
	}
	if cfg.General.QueryTimeoutSeconds < 1 {
		errs = append(errs, "general.queryTimeoutSeconds must be >= 1")
	}
	if _, ok := cfg.Providers[cfg.General.DefaultProvider]; !ok {
		errs = append(errs, fmt.Sprintf("general.defaultProvider references unknown provider: %s", cfg.General.DefaultProvider))
	}
	for _, provName := range cfg.General.FailoverChain {
		if _, ok := cfg.Providers[provName]; !ok {
			errs = append(errs, fmt.Sprintf("general.failoverChain references unknown provider: %s", provName))
		}
	}

	if len(cfg.Models.Available) == 0 {
		errs = append(errs, "models.available must list at least one model")
	} else if !lo.Contains(cfg.Models.Available, cfg.Models.Default) {
		errs = append(errs, fmt.Sprintf("models.default %q is not in models.available", cfg.Models.Default))
	}

	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		switch pc.Kind {
		case "", "openai":
			if pc.APIBase == "" {
				errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
			}
		case "anthropic":
		default:
			errs = append(errs, fmt.Sprintf("providers.%s: kind must be one of: openai, anthropic", name))
		}
	}

	switch cfg.Tools.Executor {
	case "toolhouse":
		if cfg.Tools.Toolhouse.BaseURL == "" {
			errs = append(errs, "tools.toolhouse.baseUrl is required")
		}
	case "local":
	default:
		errs = append(errs, "tools.executor must be one of: toolhouse, local")
	}
	switch cfg.Tools.Interpreter.Runner {
	case "subprocess", "docker":
	default:
		errs = append(errs, "tools.interpreter.runner must be one of: subprocess, docker")
	}
	if cfg.Tools.Interpreter.Timeout < 1 {
		errs = append(errs, "tools.interpreter.timeout must be >= 1")
	}

	if cfg.Channels.Web.Port < 0 || cfg.Channels.Web.Port > 65535 {
		errs = append(errs, "channels.web.port must be between 0 and 65535")
	}

	switch cfg.Mailbox.Transport {
	case "nats", "redis":
		if cfg.Mailbox.Enabled && cfg.Mailbox.URL == "" {
			errs = append(errs, "mailbox.url is required for transport "+cfg.Mailbox.Transport)
		}
	case "memory":
	default:
		errs = append(errs, "mailbox.transport must be one of: nats, redis, memory")
	}
	if cfg.Mailbox.Enabled && cfg.Mailbox.AgentName == "" {
		errs = append(errs, "mailbox.agentName is required")
	}

	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}
	switch cfg.Security.DefaultPolicy {
	case "allow", "deny":
	default:
		errs = append(errs, "security.defaultPolicy must be one of: allow, deny")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
