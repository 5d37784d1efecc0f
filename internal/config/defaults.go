package config

// GroqModels is the model selector offered by default.
var GroqModels = []string{
	"llama3-8b-8192",
	"llama3-groq-70b-8192-tool-use-preview",
	"mixtral-8x7b-32768",
	"gemma-7b-it",
}

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:             "info",
			DataDir:              "~/.coderun",
			DefaultProvider:      "groq",
			MaxConcurrentQueries: 5,
			QueryTimeoutSeconds:  120,
			RateLimitPerMin:      30,
		},
		Models: ModelsConfig{
			Default:   GroqModels[0],
			Available: append([]string(nil), GroqModels...),
		},
		Providers: map[string]ProviderConfig{
			"groq": {
				Enabled:      true,
				Kind:         "openai",
				APIBase:      "https://api.groq.com/openai/v1",
				DefaultModel: GroqModels[0],
			},
		},
		Tools: ToolsConfig{
			Executor: "toolhouse",
			Toolhouse: ToolhouseConfig{
				BaseURL:  "https://api.toolhouse.ai/v1",
				Provider: "openai",
				Bundle:   "default",
				Metadata: map[string]string{"id": "user_id"},
				Timeout:  60,
			},
			Interpreter: InterpreterConfig{
				Runner:         "subprocess",
				Python:         "python3",
				Timeout:        30,
				MaxOutputBytes: 65536,
				DockerImage:    "python:3.12-slim",
				MaxMemory:      "256m",
				MaxCPU:         "1.0",
			},
		},
		Channels: ChannelsConfig{
			Web: WebConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    8501,
			},
			CLI: CLIConfig{
				Enabled: true,
			},
		},
		Mailbox: MailboxConfig{
			Enabled:         false,
			Transport:       "memory",
			AgentName:       "toolhouseai-test-agent",
			Seed:            "toolhouseai-seed",
			PublishManifest: true,
			ReplyTTLSeconds: 300,
		},
		Memory: MemoryConfig{
			Enabled:       true,
			DBPath:        "~/.coderun/runs.db",
			RetentionDays: 90,
		},
		Security: SecurityConfig{
			DefaultPolicy: "allow",
			Blacklist:     defaultBlacklist(),
			Whitelist:     nil,
			AuditLog:      true,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}

// defaultBlacklist holds patterns for code the local interpreter refuses to run.
func defaultBlacklist() []string {
	return []string{
		`rm\s+-rf\s+/`,
		`shutil\.rmtree\(\s*['"]/['"]`,
		`os\.system\(\s*['"]\s*(sudo|mkfs|dd\s+if=)`,
		`:\(\)\{\s*:\|:&\s*\};:`,
		`/dev/sd[a-z]`,
	}
}
