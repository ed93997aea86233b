package transport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/version"
)

const (
	// childGrace bounds the window between SIGTERM and SIGKILL on teardown.
	childGrace = 5 * time.Second
	// childInitTimeout bounds subprocess start plus MCP initialize and the
	// first tool listing.
	childInitTimeout = 30 * time.Second
	// toolCallTimeout bounds a single tool invocation.
	toolCallTimeout = 60 * time.Second
)

// childEnviron builds the exec environment for the MCP subprocess. Keys come
// exclusively from the configured allowlist resolved against config values;
// the gateway's own environment is never consulted. Sorted for determinism.
func childEnviron(cfg *config.Config) []string {
	env := cfg.ChildEnv()
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// childClient wraps one MCP stdio subprocess: launch, tool listing, calls,
// liveness, and escalating teardown.
type childClient struct {
	logger  *slog.Logger
	cancel  context.CancelFunc // delivers SIGTERM via cmd.Cancel
	session *mcpsdk.ClientSession
	tools   []*mcpsdk.Tool

	done    chan struct{} // closed when the session ends, expected or not
	waitErr error         // set before done is closed

	closeOnce sync.Once
	closeErr  error
	closing   chan struct{}
}

// launchChild starts the tool server subprocess, completes the MCP handshake,
// and lists its tools. On any failure the subprocess is reaped and no state
// remains.
func launchChild(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*childClient, error) {
	// The command context outlives the init context: it is the teardown
	// trigger, cancelled only by Close.
	cmdCtx, cancel := context.WithCancel(context.Background())

	cmd := exec.CommandContext(cmdCtx, cfg.ToolServer.Command, cfg.ToolServer.Args...)
	cmd.Env = childEnviron(cfg)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = childGrace
	cmd.Stderr = &stderrLogger{logger: logger}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.Version,
	}, nil)

	initCtx, initCancel := context.WithTimeout(ctx, childInitTimeout)
	defer initCancel()

	session, err := client.Connect(initCtx, &mcpsdk.CommandTransport{Command: cmd}, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start tool server %q: %w", cfg.ToolServer.Command, err)
	}

	listed, err := session.ListTools(initCtx, nil)
	if err != nil {
		_ = session.Close()
		cancel()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	c := &childClient{
		logger:  logger,
		cancel:  cancel,
		session: session,
		tools:   listed.Tools,
		done:    make(chan struct{}),
		closing: make(chan struct{}),
	}
	go c.watch()

	logger.Info("MCP tool server started",
		"command", cfg.ToolServer.Command,
		"tools", len(listed.Tools))
	return c, nil
}

// watch blocks until the MCP session ends and records the outcome. An end not
// initiated by Close is an unexpected child exit.
func (c *childClient) watch() {
	err := c.session.Wait()
	c.waitErr = err
	close(c.done)

	select {
	case <-c.closing:
	default:
		c.logger.Warn("MCP tool server exited unexpectedly", "error", err)
	}
}

// Tools returns the tool list captured at launch.
func (c *childClient) Tools() []*mcpsdk.Tool {
	return c.tools
}

// Done is closed when the subprocess session has ended for any reason.
func (c *childClient) Done() <-chan struct{} {
	return c.done
}

// Call invokes a tool and flattens the result's text content.
func (c *childClient) Call(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	opCtx, opCancel := context.WithTimeout(ctx, toolCallTimeout)
	defer opCancel()

	result, err := c.session.CallTool(opCtx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", false, fmt.Errorf("tool call %q failed: %w", name, err)
	}
	return extractTextContent(result), result.IsError, nil
}

// Close tears the subprocess down: close the session (stdin EOF lets it exit
// cleanly), then SIGTERM via the command context, SIGKILL after the grace
// window. Idempotent; bounded by the grace window plus slack.
func (c *childClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.closeErr = c.session.Close()
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(childGrace + time.Second):
			c.logger.Warn("MCP tool server did not exit within grace window")
		}
	})
	return c.closeErr
}

// extractTextContent concatenates all text items from a tool result. Non-text
// content is skipped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, item := range result.Content {
		if tc, ok := item.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// stderrLogger forwards the subprocess's stderr to the structured log, one
// line at a time.
type stderrLogger struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    bytes.Buffer
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			return len(p), nil
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		if line != "" {
			w.logger.Debug("mcp_stderr", "line", line)
		}
	}
}
