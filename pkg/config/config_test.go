package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalYAML = `
llm:
  api_key: "sk-ant-test-key-000000"
tool_server:
  command: "uvx"
  args: ["mcp-netbox"]
netbox:
  url: "https://netbox.example.com"
  token: "0123456789abcdef0123456789abcdef01234567"
`

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "uvx", cfg.ToolServer.Command)
	assert.Equal(t, []string{"mcp-netbox"}, cfg.ToolServer.Args)

	// Defaults fill everything unset.
	assert.Equal(t, 4096, cfg.LLM.MaxTokens)
	assert.NotEmpty(t, cfg.LLM.SystemPrompt)
	assert.Equal(t, []string{"NETBOX_URL", "NETBOX_TOKEN", "LOG_LEVEL"}, cfg.ToolServer.EnvAllowlist)
	assert.Equal(t, ":8000", cfg.Server.ListenAddr)
	assert.Equal(t, "auto", cfg.Chat.DefaultModel)
	assert.Equal(t, 3*time.Minute, cfg.Chat.TurnBudget)
	assert.Equal(t, 64, cfg.Chat.OutboundQueue)
	assert.Equal(t, 10*time.Second, cfg.Chat.SlowConsumerGrace)
	assert.Equal(t, []string{"netbox_"}, cfg.Chat.AllowedToolPrefixes)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadMissingKeysReportedTogether(t *testing.T) {
	_, err := Load(writeConfig(t, `
tool_server:
  command: "uvx"
`))
	require.Error(t, err)

	var missing *MissingKeysError
	require.ErrorAs(t, err, &missing)
	assert.ElementsMatch(t, []string{"llm.api_key", "netbox.url", "netbox.token"}, missing.Keys)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_NETBOX_TOKEN", "feedfacefeedfacefeedfacefeedfacefeedface")
	t.Setenv("TEST_API_KEY", "sk-ant-expanded-key-111")

	cfg, err := Load(writeConfig(t, `
llm:
  api_key: "{{.TEST_API_KEY}}"
tool_server:
  command: "uvx"
netbox:
  url: "https://netbox.example.com"
  token: "{{.TEST_NETBOX_TOKEN}}"
`))
	require.NoError(t, err)
	assert.Equal(t, "sk-ant-expanded-key-111", cfg.LLM.APIKey)
	assert.Equal(t, "feedfacefeedfacefeedfacefeedfacefeedface", cfg.NetBox.Token)
}

func TestLoadUnsetEnvVarBecomesEmptyAndFailsValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
llm:
  api_key: "{{.DEFINITELY_NOT_SET_VAR_XYZ}}"
tool_server:
  command: "uvx"
netbox:
  url: "https://netbox.example.com"
  token: "tok"
`))
	var missing *MissingKeysError
	require.ErrorAs(t, err, &missing)
	assert.Contains(t, missing.Keys, "llm.api_key")
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		extra string
	}{
		{"bad netbox url scheme", "netbox:\n  url: \"ftp://netbox\"\n  token: \"tok\"\nllm:\n  api_key: \"k\"\ntool_server:\n  command: \"uvx\""},
		{"bad log level", minimalYAML + "\nlog_level: \"loud\""},
		{"bad duration", minimalYAML + "\nchat:\n  turn_budget: \"three minutes\""},
		{"negative duration", minimalYAML + "\nchat:\n  turn_budget: \"-5s\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.extra))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ConfigFileName))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigNotFound))
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "llm: [unbalanced"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidYAML))
}

func TestChildEnvNeverReadsProcessEnvironment(t *testing.T) {
	t.Setenv("NETBOX_TOKEN", "shell-value-must-not-appear")
	t.Setenv("SECRET_FROM_SHELL", "oops")

	cfg, err := Load(writeConfig(t, minimalYAML+`
`))
	require.NoError(t, err)

	env := cfg.ChildEnv()
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", env["NETBOX_TOKEN"])
	assert.Equal(t, "https://netbox.example.com", env["NETBOX_URL"])
	assert.Equal(t, "info", env["LOG_LEVEL"])
	assert.Len(t, env, 3)
	assert.NotContains(t, env, "SECRET_FROM_SHELL")
}

func TestChildEnvCustomAllowlist(t *testing.T) {
	cfg := &Config{
		NetBox:   NetBoxConfig{URL: "http://nb", Token: "tok"},
		LogLevel: "debug",
		ToolServer: ToolServerConfig{
			EnvAllowlist: []string{"NETBOX_URL", "MCP_FLAG"},
			Env:          map[string]string{"MCP_FLAG": "1", "NOT_LISTED": "x"},
		},
	}
	env := cfg.ChildEnv()
	assert.Equal(t, map[string]string{"NETBOX_URL": "http://nb", "MCP_FLAG": "1"}, env)
}

func TestCredentialValues(t *testing.T) {
	cfg := &Config{
		LLM:    LLMConfig{APIKey: "sk-ant-abc"},
		NetBox: NetBoxConfig{Token: ""},
	}
	assert.Equal(t, []string{"sk-ant-abc"}, cfg.CredentialValues())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("EXPAND_ME", "value-1")

	out := ExpandEnv([]byte("key: {{.EXPAND_ME}}"))
	assert.Equal(t, "key: value-1", string(out))

	// Unset variables render empty rather than failing the parse.
	out = ExpandEnv([]byte("key: {{.NOT_SET_AT_ALL_XYZ}}"))
	assert.Equal(t, "key: ", string(out))

	// Non-template content passes through untouched.
	raw := []byte("plain: text")
	assert.Equal(t, raw, ExpandEnv(raw))
}
