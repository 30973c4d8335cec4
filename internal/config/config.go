package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Engine kinds selectable through engine.kind.
const (
	EngineLLM  = "llm"
	EngineEcho = "echo"
)

// Config describes the top-level application configuration loaded from YAML and ENV.
type Config struct {
	Version   string                    `mapstructure:"version"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Models    map[string]ModelConfig    `mapstructure:"models"`
	Agent     AgentConfig               `mapstructure:"agent"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Tools     ToolsConfig               `mapstructure:"tools"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Server    ServerConfig              `mapstructure:"server"`
	Session   SessionConfig             `mapstructure:"session"`
	Workspace WorkspaceConfig           `mapstructure:"workspace"`
	Callback  CallbackConfig            `mapstructure:"callback"`
	Engine    EngineConfig              `mapstructure:"engine"`
}

// ProviderConfig represents LLM provider configuration such as OpenAI, Ollama, or custom gateways.
type ProviderConfig struct {
	Type    string        `mapstructure:"type"`     // openai, openrouter, ollama, vllm, lmstudio, custom
	BaseURL string        `mapstructure:"base_url"` // API base URL
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RequiresKey reports whether requests to this provider need an API key.
func (p ProviderConfig) RequiresKey() bool {
	switch strings.ToLower(p.Type) {
	case "ollama", "vllm", "lmstudio":
		return false
	default:
		return true
	}
}

// ModelConfig binds a logical model name to a provider entry and model parameters.
type ModelConfig struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Default     bool    `mapstructure:"default"`
}

// AgentConfig describes the model loop and the defaults every session starts from.
type AgentConfig struct {
	Instructions     string   `mapstructure:"instructions"`
	ApprovalPolicy   string   `mapstructure:"approval_policy"`
	MaxSteps         int      `mapstructure:"max_steps"`
	MaxTokens        int      `mapstructure:"max_tokens"`
	Temperature      float64  `mapstructure:"temperature"`
	MaxOutputBytes   int      `mapstructure:"max_output_bytes"`
	MaxHistory       int      `mapstructure:"max_history"`
	FallbackModels   []string `mapstructure:"fallback_models"`
	DescribeLayout   bool     `mapstructure:"describe_layout"`
	LayoutMaxDepth   int      `mapstructure:"layout_max_depth"`
	LayoutMaxEntries int      `mapstructure:"layout_max_entries"`
	RelevantFiles    int      `mapstructure:"relevant_files"` // 0 disables file suggestions
}

// SandboxConfig controls command and filesystem restrictions.
type SandboxConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	AllowNetwork    bool     `mapstructure:"allow_network"`
	AllowWrite      bool     `mapstructure:"allow_write"`
	AllowedCommands []string `mapstructure:"allowed_commands"`
	DeniedCommands  []string `mapstructure:"denied_commands"`
	TimeoutSeconds  int      `mapstructure:"timeout_seconds"`
}

// ToolsConfig configures tool behaviour.
type ToolsConfig struct {
	AllowExec          bool `mapstructure:"allow_exec"`
	AllowGit           bool `mapstructure:"allow_git"`
	AllowFileRead      bool `mapstructure:"allow_file_read"`
	ExecTimeoutSeconds int  `mapstructure:"exec_timeout_seconds"`
	MaxReadBytes       int  `mapstructure:"max_read_bytes"`
}

// LoggingConfig controls logger behaviour.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console or json
}

// ServerConfig describes daemon settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	MetricsEnabled    bool          `mapstructure:"metrics_enabled"`
	ConnectEnabled    bool          `mapstructure:"connect_enabled"`
	StreamPath        string        `mapstructure:"stream_path"`
	Framing           string        `mapstructure:"framing"` // delimited or length-prefixed
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// SessionConfig bounds session lifetime and confirmation waits.
type SessionConfig struct {
	TTL            time.Duration `mapstructure:"ttl"`
	ConfirmTimeout time.Duration `mapstructure:"confirm_timeout"`
	CleanupWait    time.Duration `mapstructure:"cleanup_wait"`
}

// WorkspaceConfig describes the repository the agent works in and how results are published.
type WorkspaceConfig struct {
	RepoURL      string `mapstructure:"repo_url"`
	Token        string `mapstructure:"token"`
	Dir          string `mapstructure:"dir"`
	BaseBranch   string `mapstructure:"base_branch"`
	BranchPrefix string `mapstructure:"branch_prefix"`
	Publish      bool   `mapstructure:"publish"`
	APIURL       string `mapstructure:"api_url"`
	AuthorName   string `mapstructure:"author_name"`
	AuthorEmail  string `mapstructure:"author_email"`
}

// CallbackConfig configures the best-effort result sink.
type CallbackConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	QueueSize int           `mapstructure:"queue_size"`
}

// EngineConfig selects the engine implementation behind every session.
type EngineConfig struct {
	Kind string `mapstructure:"kind"` // llm or echo
}

// Load reads configuration from the provided path or defaults to configs/config.yaml.
// Environment variables override file values (prefix: AGENTSTREAM_, dots replaced with underscores).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("configs")
	} else {
		v.SetConfigFile(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && path == "" {
			v.SetConfigName("config.example")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults populates defaults for optional fields. Keys that must be settable from the
// environment alone need a default here, otherwise AutomaticEnv never consults them.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("sandbox.enabled", true)
	v.SetDefault("sandbox.allow_network", false)
	v.SetDefault("sandbox.allow_write", true)
	v.SetDefault("sandbox.timeout_seconds", 120)

	v.SetDefault("tools.allow_exec", true)
	v.SetDefault("tools.allow_git", true)
	v.SetDefault("tools.allow_file_read", true)
	v.SetDefault("tools.exec_timeout_seconds", 120)
	v.SetDefault("tools.max_read_bytes", 65536)

	v.SetDefault("agent.instructions", "")
	v.SetDefault("agent.approval_policy", "suggest")
	v.SetDefault("agent.max_steps", 16)
	v.SetDefault("agent.max_tokens", 2048)
	v.SetDefault("agent.temperature", 0.2)
	v.SetDefault("agent.max_output_bytes", 16384)
	v.SetDefault("agent.max_history", 64)
	v.SetDefault("agent.fallback_models", []string{})
	v.SetDefault("agent.describe_layout", true)
	v.SetDefault("agent.layout_max_depth", 2)
	v.SetDefault("agent.layout_max_entries", 150)
	v.SetDefault("agent.relevant_files", 5)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_enabled", true)
	v.SetDefault("server.connect_enabled", true)
	v.SetDefault("server.stream_path", "/agent/stream")
	v.SetDefault("server.framing", "delimited")
	v.SetDefault("server.heartbeat_interval", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.confirm_timeout", 5*time.Minute)
	v.SetDefault("session.cleanup_wait", 5*time.Second)

	v.SetDefault("workspace.repo_url", "")
	v.SetDefault("workspace.token", "")
	v.SetDefault("workspace.dir", "")
	v.SetDefault("workspace.base_branch", "")
	v.SetDefault("workspace.branch_prefix", "agentstream/")
	v.SetDefault("workspace.publish", true)
	v.SetDefault("workspace.api_url", "https://api.github.com")
	v.SetDefault("workspace.author_name", "agentstream")
	v.SetDefault("workspace.author_email", "agentstream@localhost")

	v.SetDefault("callback.url", "")
	v.SetDefault("callback.timeout", 5*time.Second)
	v.SetDefault("callback.queue_size", 256)

	v.SetDefault("engine.kind", EngineLLM)
}

// Validate performs sanity checks on configuration values. A daemon must not start without
// a repository, instructions and, for the llm engine, a usable default model.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Workspace.RepoURL) == "" {
		return errors.New("workspace.repo_url is required")
	}
	if strings.TrimSpace(c.Agent.Instructions) == "" {
		return errors.New("agent.instructions is required")
	}

	switch c.Engine.Kind {
	case EngineLLM:
		if err := c.validateModels(); err != nil {
			return err
		}
	case EngineEcho:
	default:
		return fmt.Errorf("engine.kind must be one of %s or %s, got %q", EngineLLM, EngineEcho, c.Engine.Kind)
	}

	switch c.Agent.ApprovalPolicy {
	case "suggest", "auto-edit", "full-auto":
	default:
		return fmt.Errorf("agent.approval_policy must be one of suggest, auto-edit, full-auto, got %q", c.Agent.ApprovalPolicy)
	}
	if c.Agent.MaxSteps <= 0 {
		return errors.New("agent.max_steps must be > 0")
	}
	if c.Agent.RelevantFiles < 0 {
		return errors.New("agent.relevant_files must be >= 0")
	}
	if c.Agent.MaxOutputBytes < 0 {
		return errors.New("agent.max_output_bytes must be >= 0")
	}

	if c.Sandbox.TimeoutSeconds <= 0 {
		return errors.New("sandbox.timeout_seconds must be > 0")
	}
	if c.Tools.ExecTimeoutSeconds <= 0 {
		return errors.New("tools.exec_timeout_seconds must be > 0")
	}

	if !strings.HasPrefix(c.Server.StreamPath, "/") {
		return fmt.Errorf("server.stream_path must start with /, got %q", c.Server.StreamPath)
	}
	switch c.Server.Framing {
	case "", "delimited", "length-prefixed":
	default:
		return fmt.Errorf("server.framing must be one of delimited or length-prefixed, got %q", c.Server.Framing)
	}
	if c.Server.HeartbeatInterval < 0 {
		return errors.New("server.heartbeat_interval must be >= 0")
	}

	if c.Session.TTL <= 0 {
		return errors.New("session.ttl must be > 0")
	}
	if c.Session.ConfirmTimeout <= 0 {
		return errors.New("session.confirm_timeout must be > 0")
	}

	if c.Callback.URL != "" && c.Callback.QueueSize <= 0 {
		return errors.New("callback.queue_size must be > 0 when callback.url is set")
	}

	return nil
}

func (c *Config) validateModels() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	if len(c.Models) == 0 {
		return errors.New("at least one model must be defined")
	}

	for name, p := range c.Providers {
		if p.Type == "" {
			return fmt.Errorf("provider %q must define type", name)
		}
	}

	defaultModel := ""
	for name, m := range c.Models {
		if m.Provider == "" {
			return fmt.Errorf("model %q must reference provider", name)
		}
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", name, m.Provider)
		}
		if m.Temperature < 0 || m.Temperature > 2 {
			return fmt.Errorf("model %q temperature must be within [0,2]", name)
		}
		if m.MaxTokens < 0 {
			return fmt.Errorf("model %q max_tokens cannot be negative", name)
		}
		if m.Default {
			if defaultModel != "" {
				return fmt.Errorf("models %q and %q are both marked default", defaultModel, name)
			}
			defaultModel = name
		}
	}
	if defaultModel == "" {
		return errors.New("at least one model should be marked as default")
	}

	provider := c.Models[defaultModel].Provider
	if p := c.Providers[provider]; p.RequiresKey() && strings.TrimSpace(p.APIKey) == "" {
		return fmt.Errorf("provider %q of default model %q requires api_key", provider, defaultModel)
	}

	for _, id := range c.Agent.FallbackModels {
		if _, ok := c.Models[id]; !ok {
			return fmt.Errorf("agent.fallback_models references unknown model %q", id)
		}
	}
	return nil
}

// DefaultModel returns the logical name of the model marked default.
func (c *Config) DefaultModel() string {
	for name, m := range c.Models {
		if m.Default {
			return name
		}
	}
	return ""
}
