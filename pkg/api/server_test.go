package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/registry"
	"github.com/netchat/netchat/pkg/sanitize"
	"github.com/netchat/netchat/pkg/transport"
	"github.com/netchat/netchat/pkg/wsclient"
)

const kindEcho transport.Kind = "echo"

// echoTransport answers every prompt with a two-chunk echo. It gives the
// WebSocket tests a full client-to-terminal round trip without a vendor or a
// subprocess.
type echoTransport struct {
	events chan transport.Event
}

func newEchoTransport(transport.Options) (transport.Transport, error) {
	return &echoTransport{events: make(chan transport.Event, 16)}, nil
}

func (e *echoTransport) Open(context.Context) error { return nil }

func (e *echoTransport) Submit(_ context.Context, prompt string) error {
	e.events <- transport.AssistantText{Text: "echo: "}
	e.events <- transport.AssistantText{Text: prompt}
	e.events <- transport.TurnComplete{}
	return nil
}

func (e *echoTransport) Events() <-chan transport.Event { return e.events }
func (e *echoTransport) Cancel()                        {}
func (e *echoTransport) Reset(context.Context) error    { return nil }
func (e *echoTransport) Close(context.Context) error    { close(e.events); return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Chat: config.ChatConfig{
			DefaultModel:      registry.AutoModelID,
			TurnBudget:        time.Minute,
			OutboundQueue:     64,
			SlowConsumerGrace: time.Second,
		},
	}

	reg, err := registry.New(registry.Builtin(), registry.AutoModelID)
	require.NoError(t, err)

	factory := transport.NewFactory()
	factory.Register(kindEcho, newEchoTransport)

	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	s := NewServer(cfg, reg, factory, kindEcho, sanitize.New(nil), logger)

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body models.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, "netchat", body.Service)
	assert.NotEmpty(t, body.Version)
}

func TestModelsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/models")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []models.ModelDescriptor
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotEmpty(t, list)

	assert.Equal(t, registry.AutoModelID, list[0].ID)
	assert.True(t, list[0].Available)
	for _, m := range list {
		assert.NotEmpty(t, m.Name, "model %s", m.ID)
		assert.Equal(t, "anthropic", m.Provider)
	}
}

func TestDisallowedOriginRejectedPreUpgrade(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{"/health", "/ws/chat"} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "http://evil.example.com")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode, "path %s", path)
	}
}

func TestAllowedOriginGetsCORSHeaders(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestChatRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := wsclient.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	connected, err := client.WaitForType(models.ChunkConnected, 2*time.Second)
	require.NoError(t, err)
	model, ok := connected.Metadata["model"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, registry.AutoModelID, model["id"])
	assert.Equal(t, true, model["isAuto"])

	require.NoError(t, client.SendPrompt("hello"))
	terminal, err := client.WaitForTerminal(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, models.ChunkText, terminal.Type)
	assert.True(t, terminal.Completed)

	var text strings.Builder
	for _, chunk := range client.ChunksByType(models.ChunkText) {
		text.WriteString(chunk.Content)
	}
	assert.Equal(t, "echo: hello", text.String())
}

func TestBinaryFramesAreRejected(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	readChunk := func() models.StreamChunk {
		t.Helper()
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var chunk models.StreamChunk
		require.NoError(t, json.Unmarshal(data, &chunk))
		return chunk
	}

	require.Equal(t, models.ChunkConnected, readChunk().Type)

	// A binary frame is rejected even when its payload is a valid prompt.
	require.NoError(t, conn.Write(ctx, websocket.MessageBinary, []byte(`{"message":"hello"}`)))
	rejected := readChunk()
	assert.Equal(t, models.ChunkError, rejected.Type)
	assert.Equal(t, string(models.ErrBadFrame), rejected.Content)
	assert.True(t, rejected.Completed)

	// The session survives; the same payload as a text frame starts a turn.
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"message":"hello"}`)))
	var text strings.Builder
	for {
		chunk := readChunk()
		if chunk.Type == models.ChunkText {
			text.WriteString(chunk.Content)
		}
		if chunk.Terminal() {
			require.Equal(t, models.ChunkText, chunk.Type)
			break
		}
	}
	assert.Equal(t, "echo: hello", text.String())
}

func TestChatModelChangeAndReset(t *testing.T) {
	ts := newTestServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := wsclient.Dial(ctx, wsURL)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.WaitForType(models.ChunkConnected, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, client.SendModelChange("frobnicator"))
	bad, err := client.WaitForType(models.ChunkError, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, string(models.ErrUnknownModel), bad.Content)

	require.NoError(t, client.SendModelChange("claude-haiku-4-5"))
	changed, err := client.WaitForType(models.ChunkModelChanged, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "claude-haiku-4-5", changed.Content)
	assert.Equal(t, registry.AutoModelID, changed.Metadata["previous"])

	require.NoError(t, client.SendReset())
	_, err = client.WaitForType(models.ChunkResetComplete, 2*time.Second)
	require.NoError(t, err)
}
