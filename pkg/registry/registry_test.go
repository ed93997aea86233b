package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netchat/netchat/pkg/models"
)

func testEntries() []Model {
	return []Model{
		{Descriptor: models.ModelDescriptor{ID: AutoModelID, Name: "Auto", Provider: "anthropic"}},
		{Descriptor: models.ModelDescriptor{ID: "fast", Name: "Fast", Provider: "anthropic"}, VendorHandle: "fast-20250101"},
	}
}

func TestNewRejectsBadTables(t *testing.T) {
	_, err := New([]Model{{Descriptor: models.ModelDescriptor{ID: ""}}}, AutoModelID)
	assert.Error(t, err)

	dup := []Model{
		{Descriptor: models.ModelDescriptor{ID: "x"}},
		{Descriptor: models.ModelDescriptor{ID: "x"}},
	}
	_, err = New(dup, "x")
	assert.Error(t, err)

	_, err = New(testEntries(), "nope")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestLookup(t *testing.T) {
	r, err := New(testEntries(), AutoModelID)
	require.NoError(t, err)

	m, err := r.Lookup("fast")
	require.NoError(t, err)
	assert.Equal(t, "fast-20250101", m.VendorHandle)
	assert.False(t, m.IsAuto())

	auto, err := r.Lookup(AutoModelID)
	require.NoError(t, err)
	assert.True(t, auto.IsAuto())
	assert.Empty(t, auto.VendorHandle)

	_, err = r.Lookup("frobnicator")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestListPreservesOrderAndProbes(t *testing.T) {
	entries := []Model{
		{Descriptor: models.ModelDescriptor{ID: AutoModelID, Name: "Auto"}},
		{
			Descriptor: models.ModelDescriptor{ID: "up", Name: "Up"},
			Probe:      func(context.Context) error { return nil },
		},
		{
			Descriptor: models.ModelDescriptor{ID: "down", Name: "Down"},
			Probe:      func(context.Context) error { return errors.New("vendor says no") },
		},
	}
	r, err := New(entries, AutoModelID)
	require.NoError(t, err)

	list := r.List(context.Background())
	require.Len(t, list, 3)

	assert.Equal(t, []string{AutoModelID, "up", "down"},
		[]string{list[0].ID, list[1].ID, list[2].ID})
	assert.True(t, list[0].Available, "no probe means always available")
	assert.True(t, list[1].Available)
	assert.False(t, list[2].Available)
}

func TestAvailable(t *testing.T) {
	r, err := New(testEntries(), AutoModelID)
	require.NoError(t, err)

	m, err := r.Lookup("fast")
	require.NoError(t, err)
	assert.True(t, r.Available(context.Background(), m), "no probe means available")

	down := Model{
		Descriptor: models.ModelDescriptor{ID: "down"},
		Probe:      func(context.Context) error { return errors.New("vendor says no") },
	}
	assert.False(t, r.Available(context.Background(), down))
}

func TestListProbeCeiling(t *testing.T) {
	entries := []Model{
		{Descriptor: models.ModelDescriptor{ID: AutoModelID}},
		{
			Descriptor: models.ModelDescriptor{ID: "slow"},
			Probe: func(ctx context.Context) error {
				<-ctx.Done() // never answers within the ceiling
				return ctx.Err()
			},
		},
	}
	r, err := New(entries, AutoModelID)
	require.NoError(t, err)

	start := time.Now()
	list := r.List(context.Background())
	elapsed := time.Since(start)

	assert.False(t, list[1].Available)
	assert.Less(t, elapsed, ProbeCeiling+time.Second, "list must not block past the ceiling")
}

func TestListProbePanicIsUnavailable(t *testing.T) {
	entries := []Model{
		{Descriptor: models.ModelDescriptor{ID: AutoModelID}},
		{
			Descriptor: models.ModelDescriptor{ID: "broken"},
			Probe:      func(context.Context) error { panic("boom") },
		},
	}
	r, err := New(entries, AutoModelID)
	require.NoError(t, err)

	list := r.List(context.Background())
	assert.False(t, list[1].Available)
}

func TestBuiltinTable(t *testing.T) {
	r, err := New(Builtin(), AutoModelID)
	require.NoError(t, err)
	assert.Equal(t, AutoModelID, r.DefaultID())

	list := r.List(context.Background())
	require.NotEmpty(t, list)
	assert.Equal(t, AutoModelID, list[0].ID)

	for _, d := range list {
		assert.True(t, d.Available, "builtin entries have no probes")
		assert.NotEmpty(t, d.Name)
		m, err := r.Lookup(d.ID)
		require.NoError(t, err)
		if !m.IsAuto() {
			assert.NotEmpty(t, m.VendorHandle)
		}
	}
}
