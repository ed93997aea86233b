package config

import (
	"fmt"
	"strings"
)

// validate checks the resolved configuration. All missing required keys are
// collected and reported together.
func (c *Config) validate() error {
	var missing []string

	if c.LLM.APIKey == "" {
		missing = append(missing, "llm.api_key")
	}
	if c.ToolServer.Command == "" {
		missing = append(missing, "tool_server.command")
	}
	if c.NetBox.URL == "" {
		missing = append(missing, "netbox.url")
	}
	if c.NetBox.Token == "" {
		missing = append(missing, "netbox.token")
	}

	if len(missing) > 0 {
		return &MissingKeysError{Keys: missing}
	}

	if !strings.HasPrefix(c.NetBox.URL, "http://") && !strings.HasPrefix(c.NetBox.URL, "https://") {
		return &ValidationError{
			Field: "netbox.url",
			Err:   fmt.Errorf("%w: must start with http:// or https://", ErrInvalidValue),
		}
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{
			Field: "log_level",
			Err:   fmt.Errorf("%w: %q (want debug, info, warn, or error)", ErrInvalidValue, c.LogLevel),
		}
	}

	if c.Chat.OutboundQueue <= 0 {
		return &ValidationError{
			Field: "chat.outbound_queue",
			Err:   fmt.Errorf("%w: must be positive", ErrInvalidValue),
		}
	}

	return nil
}
