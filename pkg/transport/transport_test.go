package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/sanitize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

// The child environment must be built exclusively from the allowlist and
// configuration values. A variable of the same name in the gateway's own
// environment must never leak through and shadow the configured one.
func TestChildEnvironIsExactlyTheAllowlist(t *testing.T) {
	t.Setenv("NETBOX_TOKEN", "shell-token-must-not-leak")
	t.Setenv("NETBOX_URL", "http://shell.example.com")

	cfg := &config.Config{
		NetBox: config.NetBoxConfig{
			URL:   "http://netbox.internal:8080",
			Token: "0123456789abcdef0123456789abcdef01234567",
		},
		LogLevel: "info",
		ToolServer: config.ToolServerConfig{
			EnvAllowlist: []string{"NETBOX_URL", "NETBOX_TOKEN", "LOG_LEVEL"},
			Env:          map[string]string{"UNLISTED": "never-passed"},
		},
	}

	env := childEnviron(cfg)

	assert.Equal(t, []string{
		"LOG_LEVEL=info",
		"NETBOX_TOKEN=0123456789abcdef0123456789abcdef01234567",
		"NETBOX_URL=http://netbox.internal:8080",
	}, env)
}

func TestChildEnvironExtraValuesStillAllowlistGated(t *testing.T) {
	cfg := &config.Config{
		NetBox:   config.NetBoxConfig{URL: "http://nb", Token: "tok"},
		LogLevel: "debug",
		ToolServer: config.ToolServerConfig{
			EnvAllowlist: []string{"NETBOX_URL", "CUSTOM_FLAG"},
			Env:          map[string]string{"CUSTOM_FLAG": "on", "IGNORED": "x"},
		},
	}

	env := childEnviron(cfg)

	assert.Equal(t, []string{"CUSTOM_FLAG=on", "NETBOX_URL=http://nb"}, env)
}

func TestToolAllowed(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		prefixes []string
		want     bool
	}{
		{"matching prefix", "netbox_get_devices", []string{"netbox_"}, true},
		{"non-matching prefix", "shell_exec", []string{"netbox_"}, false},
		{"second prefix matches", "dcim_list", []string{"netbox_", "dcim_"}, true},
		{"empty list allows all", "anything", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, toolAllowed(tt.tool, tt.prefixes))
		})
	}
}

func TestEncodeToolsFiltersDisallowed(t *testing.T) {
	defs := []*mcpsdk.Tool{
		{Name: "netbox_get_devices", Description: "List devices"},
		{Name: "shell_exec", Description: "Run a command"},
		{Name: "netbox_get_sites", Description: "List sites"},
	}

	out, err := encodeTools(defs, []string{"netbox_"}, testLogger())
	require.NoError(t, err)

	require.Len(t, out, 2)
	require.NotNil(t, out[0].OfTool)
	assert.Equal(t, "netbox_get_devices", string(out[0].OfTool.Name))
	assert.Equal(t, "netbox_get_sites", string(out[1].OfTool.Name))
}

func TestToolInputSchemaPassthrough(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"site": map[string]any{"type": "string"},
		},
	}

	out, err := toolInputSchema(schema)
	require.NoError(t, err)
	assert.Equal(t, "object", out.ExtraFields["type"])

	empty, err := toolInputSchema(nil)
	require.NoError(t, err)
	assert.Nil(t, empty.ExtraFields)
}

func TestClassify(t *testing.T) {
	d := &direct{
		cfg:     &config.Config{},
		modelID: "claude-sonnet-4-5",
		san:     sanitize.New(nil),
		logger:  testLogger(),
	}

	t.Run("tool not allowed", func(t *testing.T) {
		kind, detail := d.classify(context.Background(), &toolNotAllowedError{name: "shell_exec"})
		assert.Equal(t, models.ErrToolNotAllowed, kind)
		assert.Contains(t, detail, "shell_exec")
	})

	t.Run("child exit cause wins over plain cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancelCause(context.Background())
		cancel(errChildExited)
		kind, _ := d.classify(ctx, context.Canceled)
		assert.Equal(t, models.ErrToolBackendUnavailable, kind)
	})

	t.Run("deadline is a timeout", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
		defer cancel()
		<-ctx.Done()
		kind, _ := d.classify(ctx, ctx.Err())
		assert.Equal(t, models.ErrTimeout, kind)
	})

	t.Run("plain cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		kind, _ := d.classify(ctx, context.Canceled)
		assert.Equal(t, models.ErrCancelled, kind)
	})

	t.Run("unknown errors are internal and scrubbed", func(t *testing.T) {
		san := sanitize.New([]string{"super-secret-token"})
		ds := &direct{cfg: &config.Config{}, san: san, logger: testLogger()}
		kind, detail := ds.classify(context.Background(), errors.New("auth failed for super-secret-token"))
		assert.Equal(t, models.ErrInternal, kind)
		assert.NotContains(t, detail, "super-secret-token")
	})
}

func TestFactoryRegistersFakes(t *testing.T) {
	f := NewFactory()

	const fake Kind = "fake"
	f.Register(fake, func(opts Options) (Transport, error) {
		return &fakeTransport{events: make(chan Event, 1)}, nil
	})

	tr, err := f.New(fake, Options{Cfg: &config.Config{}})
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, err = f.New(Kind("nope"), Options{Cfg: &config.Config{}})
	assert.Error(t, err)
}

func TestStderrLoggerSplitsLines(t *testing.T) {
	var buf bytes.Buffer
	w := &stderrLogger{logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	_, err := w.Write([]byte("first li"))
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = w.Write([]byte("ne\nsecond line\npartial"))
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "first line")
	assert.Contains(t, out, "second line")
	assert.NotContains(t, out, "partial")
}

// fakeTransport is the minimal implementation used by factory tests here and
// by the session tests.
type fakeTransport struct {
	events chan Event
}

func (f *fakeTransport) Open(context.Context) error           { return nil }
func (f *fakeTransport) Submit(context.Context, string) error { return nil }
func (f *fakeTransport) Events() <-chan Event                 { return f.events }
func (f *fakeTransport) Cancel()                              {}
func (f *fakeTransport) Reset(context.Context) error          { return nil }
func (f *fakeTransport) Close(context.Context) error          { close(f.events); return nil }
