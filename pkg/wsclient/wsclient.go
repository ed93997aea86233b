// Package wsclient is a typed client for the gateway's chat WebSocket. The
// CLI drives it interactively; tests use its collected-chunk predicates.
package wsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/netchat/netchat/pkg/models"
)

// liveBuffer bounds the channel feeding Next. Large enough that a consumer
// reading turn-by-turn never stalls the read loop.
const liveBuffer = 256

// Client is a connected chat client. A background read loop decodes every
// server chunk, appending it to the collected history and feeding Next.
type Client struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
	live   chan models.StreamChunk

	mu      sync.Mutex
	chunks  []models.StreamChunk
	readErr error
}

// Dial connects to the gateway's /ws/chat endpoint and starts the read loop.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &Client{
		conn:   conn,
		ctx:    clientCtx,
		cancel: cancel,
		doneCh: make(chan struct{}),
		live:   make(chan models.StreamChunk, liveBuffer),
	}
	go c.readLoop()
	return c, nil
}

// SendPrompt submits a chat message.
func (c *Client) SendPrompt(text string) error {
	return c.writeJSON(map[string]string{"message": text})
}

// SendReset asks the server to clear the conversation.
func (c *Client) SendReset() error {
	return c.writeJSON(map[string]string{"type": "reset"})
}

// SendModelChange switches the session to another model id.
func (c *Client) SendModelChange(id string) error {
	return c.writeJSON(map[string]string{"type": "model_change", "model": id})
}

func (c *Client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Next blocks until the next chunk arrives. Returns the read loop's error
// once the stream ends.
func (c *Client) Next(ctx context.Context) (models.StreamChunk, error) {
	select {
	case chunk, ok := <-c.live:
		if !ok {
			return models.StreamChunk{}, c.Err()
		}
		return chunk, nil
	case <-ctx.Done():
		return models.StreamChunk{}, ctx.Err()
	}
}

// Err returns the error that ended the read loop, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return c.readErr
	}
	return fmt.Errorf("connection closed")
}

// Chunks returns a snapshot of everything received so far.
func (c *Client) Chunks() []models.StreamChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StreamChunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}

// ChunksByType filters the collected chunks.
func (c *Client) ChunksByType(t models.ChunkType) []models.StreamChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.StreamChunk
	for _, chunk := range c.chunks {
		if chunk.Type == t {
			out = append(out, chunk)
		}
	}
	return out
}

// WaitFor polls until a collected chunk matches the predicate or the timeout
// elapses.
func (c *Client) WaitFor(predicate func(models.StreamChunk) bool, timeout time.Duration) (*models.StreamChunk, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for chunk (collected %d)", len(c.Chunks()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.chunks {
				if predicate(c.chunks[i]) {
					chunk := c.chunks[i]
					c.mu.Unlock()
					return &chunk, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForType waits for the first chunk of the given type.
func (c *Client) WaitForType(t models.ChunkType, timeout time.Duration) (*models.StreamChunk, error) {
	return c.WaitFor(func(chunk models.StreamChunk) bool {
		return chunk.Type == t
	}, timeout)
}

// WaitForTerminal waits for a chunk that ends the current request.
func (c *Client) WaitForTerminal(timeout time.Duration) (*models.StreamChunk, error) {
	return c.WaitFor(models.StreamChunk.Terminal, timeout)
}

// Close tears the connection down and waits for the read loop to exit.
func (c *Client) Close() error {
	c.cancel()
	_ = c.conn.CloseNow()
	<-c.doneCh
	return nil
}

func (c *Client) readLoop() {
	defer close(c.doneCh)
	defer close(c.live)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		var chunk models.StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			continue // not a chunk; skip
		}
		c.mu.Lock()
		c.chunks = append(c.chunks, chunk)
		c.mu.Unlock()
		select {
		case c.live <- chunk:
		default:
			// Next consumer fell behind; history still has the chunk.
		}
	}
}
