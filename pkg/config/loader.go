package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the YAML file Load reads from the config directory.
const ConfigFileName = "netchat.yaml"

// netchatYAML is the raw on-disk shape of netchat.yaml. Durations are strings
// ("3m", "10s") parsed during resolution.
type netchatYAML struct {
	LLM struct {
		APIKey       string `yaml:"api_key"`
		MaxTokens    int    `yaml:"max_tokens"`
		SystemPrompt string `yaml:"system_prompt"`
	} `yaml:"llm"`
	ToolServer struct {
		Command      string            `yaml:"command"`
		Args         []string          `yaml:"args"`
		EnvAllowlist []string          `yaml:"env_allowlist"`
		Env          map[string]string `yaml:"env"`
	} `yaml:"tool_server"`
	NetBox struct {
		URL   string `yaml:"url"`
		Token string `yaml:"token"`
	} `yaml:"netbox"`
	Server struct {
		ListenAddr     string   `yaml:"listen_addr"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Chat struct {
		DefaultModel        string   `yaml:"default_model"`
		TurnBudget          string   `yaml:"turn_budget"`
		OutboundQueue       int      `yaml:"outbound_queue"`
		SlowConsumerGrace   string   `yaml:"slow_consumer_grace"`
		AllowedToolPrefixes []string `yaml:"allowed_tool_prefixes"`
	} `yaml:"chat"`
	LogLevel string `yaml:"log_level"`
}

// defaultSystemPrompt is appended to the vendor's base directive for every
// new LLM session.
const defaultSystemPrompt = "You are a NetBox infrastructure assistant. " +
	"Help users query and understand their NetBox data. " +
	"Use the NetBox tools to retrieve information. " +
	"Be concise and focus on answering the user's specific question. " +
	"When showing data, format it clearly using markdown tables or lists."

func defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens:    4096,
			SystemPrompt: defaultSystemPrompt,
		},
		ToolServer: ToolServerConfig{
			EnvAllowlist: []string{"NETBOX_URL", "NETBOX_TOKEN", "LOG_LEVEL"},
		},
		Server: ServerConfig{
			ListenAddr:     ":8000",
			AllowedOrigins: []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		},
		Chat: ChatConfig{
			DefaultModel:        "auto",
			TurnBudget:          3 * time.Minute,
			OutboundQueue:       64,
			SlowConsumerGrace:   10 * time.Second,
			AllowedToolPrefixes: []string{"netbox_"},
		},
		LogLevel: "info",
	}
}

// Load reads, expands, parses, and validates the configuration file.
// Returns a ready-to-use immutable Config or an error naming every
// missing required key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewLoadError(path, fmt.Errorf("%w: %s", ErrConfigNotFound, path))
		}
		return nil, NewLoadError(path, err)
	}

	// Expand {{.VAR}} references before parsing so credentials can live in
	// the environment rather than on disk.
	data = ExpandEnv(data)

	var raw netchatYAML
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	cfg, err := resolve(&raw)
	if err != nil {
		return nil, NewLoadError(path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	slog.Info("Configuration loaded",
		"path", path,
		"default_model", cfg.Chat.DefaultModel,
		"turn_budget", cfg.Chat.TurnBudget,
		"allowed_origins", len(cfg.Server.AllowedOrigins),
		"env_allowlist", cfg.ToolServer.EnvAllowlist)

	return cfg, nil
}

// resolve converts the raw YAML shape into a Config, merging defaults for
// anything unset. User values override defaults; defaults fill the rest.
func resolve(raw *netchatYAML) (*Config, error) {
	cfg := &Config{
		LLM: LLMConfig{
			APIKey:       raw.LLM.APIKey,
			MaxTokens:    raw.LLM.MaxTokens,
			SystemPrompt: raw.LLM.SystemPrompt,
		},
		ToolServer: ToolServerConfig{
			Command:      raw.ToolServer.Command,
			Args:         raw.ToolServer.Args,
			EnvAllowlist: raw.ToolServer.EnvAllowlist,
			Env:          raw.ToolServer.Env,
		},
		NetBox: NetBoxConfig{
			URL:   raw.NetBox.URL,
			Token: raw.NetBox.Token,
		},
		Server: ServerConfig{
			ListenAddr:     raw.Server.ListenAddr,
			AllowedOrigins: raw.Server.AllowedOrigins,
		},
		Chat: ChatConfig{
			DefaultModel:        raw.Chat.DefaultModel,
			OutboundQueue:       raw.Chat.OutboundQueue,
			AllowedToolPrefixes: raw.Chat.AllowedToolPrefixes,
		},
		LogLevel: raw.LogLevel,
	}

	var err error
	if cfg.Chat.TurnBudget, err = parseDuration("chat.turn_budget", raw.Chat.TurnBudget); err != nil {
		return nil, err
	}
	if cfg.Chat.SlowConsumerGrace, err = parseDuration("chat.slow_consumer_grace", raw.Chat.SlowConsumerGrace); err != nil {
		return nil, err
	}

	// Merge defaults for any unset values (non-zero user values win).
	if err := mergo.Merge(cfg, defaults()); err != nil {
		return nil, fmt.Errorf("failed to merge default config: %w", err)
	}

	return cfg, nil
}

// parseDuration parses an optional duration string; empty means "use default"
// and is reported as zero so mergo fills it in.
func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, &ValidationError{Field: field, Err: fmt.Errorf("%w: %q", ErrInvalidValue, value)}
	}
	if d <= 0 {
		return 0, &ValidationError{Field: field, Err: fmt.Errorf("%w: must be positive", ErrInvalidValue)}
	}
	return d, nil
}
