// Package transport owns the agent side of a session: the LLM streaming
// session and the MCP tool subprocess it calls into. A Transport is built per
// session and rebuilt on every model switch; the session consumes its typed
// event stream and never touches vendor SDK types directly.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/sanitize"
)

// Transport is the agent abstraction the session drives. Implementations are
// stateful: they hold the conversation history and the tool backend.
type Transport interface {
	// Open starts the MCP subprocess and prepares the LLM session.
	// Idempotent; on error no partial state remains.
	Open(ctx context.Context) error

	// Submit starts a turn for the prompt. Non-blocking: events for the turn
	// arrive on Events. Returns an error if a turn is already in flight or
	// the transport is failed or closed.
	Submit(ctx context.Context, prompt string) error

	// Events is the transport's event stream. Each turn produces a finite
	// sequence ending in exactly one TurnComplete or TurnError. The channel
	// is closed by Close.
	Events() <-chan Event

	// Cancel requests cooperative cancellation of the in-flight turn, if any.
	// The turn terminates with TurnError(cancelled) shortly after.
	Cancel()

	// Reset clears the conversation history. Any in-flight turn must be
	// cancelled first.
	Reset(ctx context.Context) error

	// Close tears down the LLM session and the tool subprocess, reaping
	// both. Idempotent and safe to call in any state; never blocks past the
	// subprocess grace window.
	Close(ctx context.Context) error
}

// Kind selects a transport implementation.
type Kind string

// KindDirect is the production transport: Anthropic streaming plus an MCP
// stdio child.
const KindDirect Kind = "direct"

// Options carries everything a builder needs.
type Options struct {
	Cfg *config.Config

	// ModelID is the public model id, for logging.
	ModelID string
	// VendorHandle is the concrete vendor model identifier. Empty means the
	// auto sentinel: the transport lets the vendor default apply.
	VendorHandle string

	Sanitizer *sanitize.Sanitizer
	Logger    *slog.Logger
}

// Builder constructs an unopened transport.
type Builder func(opts Options) (Transport, error)

// Factory maps kinds to builders. The direct kind is pre-registered; tests
// register fakes under their own kinds.
type Factory struct {
	mu       sync.RWMutex
	builders map[Kind]Builder
}

// NewFactory returns a factory with the production transport registered.
func NewFactory() *Factory {
	f := &Factory{builders: make(map[Kind]Builder)}
	f.Register(KindDirect, newDirect)
	return f
}

// Register adds or replaces the builder for a kind.
func (f *Factory) Register(kind Kind, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

// New builds an unopened transport of the given kind.
func (f *Factory) New(kind Kind, opts Options) (Transport, error) {
	f.mu.RLock()
	b, ok := f.builders[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown transport kind %q", kind)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Sanitizer == nil {
		opts.Sanitizer = sanitize.New(nil)
	}
	return b(opts)
}
