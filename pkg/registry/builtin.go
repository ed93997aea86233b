package registry

import (
	"github.com/netchat/netchat/pkg/models"
)

// anthropicProvider is the provider tag reported on /models.
const anthropicProvider = "anthropic"

// Builtin returns the compile-time model table. The auto entry maps to an
// empty vendor handle, which the transport treats as "let the SDK choose".
// Vendor handles are the dated Anthropic identifiers and are never sent to
// clients.
func Builtin() []Model {
	return []Model{
		{
			Descriptor: models.ModelDescriptor{
				ID:            AutoModelID,
				Name:          "Auto (provider default)",
				Provider:      anthropicProvider,
				ContextLength: 200_000,
			},
		},
		{
			Descriptor: models.ModelDescriptor{
				ID:            "claude-sonnet-4-5",
				Name:          "Claude Sonnet 4.5",
				Provider:      anthropicProvider,
				ContextLength: 200_000,
			},
			VendorHandle: "claude-sonnet-4-5-20250929",
		},
		{
			Descriptor: models.ModelDescriptor{
				ID:            "claude-haiku-4-5",
				Name:          "Claude Haiku 4.5",
				Provider:      anthropicProvider,
				ContextLength: 200_000,
			},
			VendorHandle: "claude-haiku-4-5-20251001",
		},
		{
			Descriptor: models.ModelDescriptor{
				ID:            "claude-opus-4-1",
				Name:          "Claude Opus 4.1",
				Provider:      anthropicProvider,
				ContextLength: 200_000,
			},
			VendorHandle: "claude-opus-4-1-20250805",
		},
	}
}
