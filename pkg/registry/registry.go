// Package registry holds the table of selectable models. The public model id
// is the stable wire handle; the vendor handle is internal and never leaves
// the process. Availability probes run at list time with a hard per-probe
// ceiling so a slow vendor endpoint cannot stall GET /models.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/netchat/netchat/pkg/models"
)

// AutoModelID is the public id that lets the LLM SDK pick a concrete model
// per turn. It is always present and always available.
const AutoModelID = "auto"

// ProbeCeiling bounds each availability probe evaluated during List.
// Probes that exceed it are reported unavailable and logged.
const ProbeCeiling = 2 * time.Second

// ErrUnknownModel is returned by Lookup for ids not in the registry.
var ErrUnknownModel = errors.New("unknown model id")

// Probe checks whether a model is currently usable. A nil Probe means the
// model is always available.
type Probe func(ctx context.Context) error

// Model is one registry entry: the public descriptor plus the internal
// vendor handle and optional probe.
type Model struct {
	Descriptor   models.ModelDescriptor
	VendorHandle string // empty for auto: the SDK chooses
	Probe        Probe
}

// IsAuto reports whether this entry is the auto sentinel.
func (m Model) IsAuto() bool {
	return m.Descriptor.ID == AutoModelID
}

// Registry is the immutable model table shared by all sessions.
type Registry struct {
	order     []string
	models    map[string]Model
	defaultID string
}

// New builds a registry from entries, preserving order for List. The default
// id must be present in the table.
func New(entries []Model, defaultID string) (*Registry, error) {
	r := &Registry{
		models: make(map[string]Model, len(entries)),
	}
	for _, m := range entries {
		id := m.Descriptor.ID
		if id == "" {
			return nil, errors.New("registry entry with empty id")
		}
		if _, dup := r.models[id]; dup {
			return nil, fmt.Errorf("duplicate registry entry %q", id)
		}
		r.models[id] = m
		r.order = append(r.order, id)
	}
	if _, ok := r.models[defaultID]; !ok {
		return nil, fmt.Errorf("%w: default model %q", ErrUnknownModel, defaultID)
	}
	r.defaultID = defaultID
	return r, nil
}

// Lookup returns the entry for a public model id.
func (r *Registry) Lookup(id string) (Model, error) {
	m, ok := r.models[id]
	if !ok {
		return Model{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	return m, nil
}

// DefaultID returns the id used for new sessions.
func (r *Registry) DefaultID() string {
	return r.defaultID
}

// List returns all descriptors in registration order with availability
// evaluated now. Probes run concurrently, each bounded by ProbeCeiling;
// an overrun or failure reports available=false.
func (r *Registry) List(ctx context.Context) []models.ModelDescriptor {
	out := make([]models.ModelDescriptor, len(r.order))
	var wg sync.WaitGroup
	for i, id := range r.order {
		m := r.models[id]
		out[i] = m.Descriptor
		if m.Probe == nil {
			out[i].Available = true
			continue
		}
		wg.Add(1)
		go func(i int, m Model) {
			defer wg.Done()
			out[i].Available = r.probe(ctx, m)
		}(i, m)
	}
	wg.Wait()
	return out
}

// Available evaluates one entry's probe now, bounded by ProbeCeiling.
// Entries without a probe are always available.
func (r *Registry) Available(ctx context.Context, m Model) bool {
	if m.Probe == nil {
		return true
	}
	return r.probe(ctx, m)
}

func (r *Registry) probe(ctx context.Context, m Model) bool {
	probeCtx, cancel := context.WithTimeout(ctx, ProbeCeiling)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("probe panicked: %v", p)
			}
		}()
		done <- m.Probe(probeCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			slog.Warn("Model availability probe failed",
				"model", m.Descriptor.ID, "error", err)
			return false
		}
		return true
	case <-probeCtx.Done():
		slog.Warn("Model availability probe exceeded ceiling",
			"model", m.Descriptor.ID, "ceiling", ProbeCeiling)
		return false
	}
}
