// Package config loads and validates gateway configuration from a YAML file
// plus environment variables. Configuration is an explicit immutable value
// passed to constructors; there is no module-scope state.
package config

import (
	"log/slog"
	"strings"
	"time"
)

// Config is the resolved, validated application configuration.
type Config struct {
	LLM        LLMConfig
	ToolServer ToolServerConfig
	NetBox     NetBoxConfig
	Server     ServerConfig
	Chat       ChatConfig
	LogLevel   string
}

// LLMConfig holds LLM vendor settings.
type LLMConfig struct {
	APIKey       string
	MaxTokens    int
	SystemPrompt string
}

// ToolServerConfig describes how to launch the MCP tool server child process.
// EnvAllowlist names exactly the environment keys the child receives; the
// child's environment is constructed from configuration values and never
// inherited from the gateway's own environment.
type ToolServerConfig struct {
	Command      string
	Args         []string
	EnvAllowlist []string
	Env          map[string]string // extra explicit values, still allowlist-gated
}

// NetBoxConfig holds the inventory backend credentials handed to the MCP
// child via the allowlisted env keys.
type NetBoxConfig struct {
	URL   string
	Token string
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	ListenAddr     string
	AllowedOrigins []string
}

// ChatConfig holds per-session behavior knobs.
type ChatConfig struct {
	DefaultModel        string
	TurnBudget          time.Duration
	OutboundQueue       int
	SlowConsumerGrace   time.Duration
	AllowedToolPrefixes []string
}

// ChildEnv builds the environment for the MCP child process. Only keys named
// in the allowlist are included; values come from configuration, never from
// os.Environ. This is the contract that prevents an ambient shell variable
// from shadowing the configured token.
func (c *Config) ChildEnv() map[string]string {
	known := map[string]string{
		"NETBOX_URL":   c.NetBox.URL,
		"NETBOX_TOKEN": c.NetBox.Token,
		"LOG_LEVEL":    c.LogLevel,
	}
	for k, v := range c.ToolServer.Env {
		known[k] = v
	}

	env := make(map[string]string, len(c.ToolServer.EnvAllowlist))
	for _, key := range c.ToolServer.EnvAllowlist {
		if v, ok := known[key]; ok {
			env[key] = v
		}
	}
	return env
}

// CredentialValues returns every configured secret value, for the sanitizer's
// exact-match scrubbing. Empty values are skipped.
func (c *Config) CredentialValues() []string {
	var vals []string
	for _, v := range []string{c.LLM.APIKey, c.NetBox.Token} {
		if v != "" {
			vals = append(vals, v)
		}
	}
	return vals
}

// SlogLevel maps the configured log level string to a slog.Level.
// Unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
