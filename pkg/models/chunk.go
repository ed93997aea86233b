// Package models defines the wire-level data model shared by the gateway,
// the session layer, and clients: stream chunks, client frames, chat
// messages, and the error kind taxonomy. The codec in frame.go is the single
// place where wire evolution is managed; everything above it consumes the
// typed records defined here.
package models

import "time"

// ChunkType tags a server→client stream chunk.
type ChunkType string

const (
	ChunkConnected     ChunkType = "connected"
	ChunkText          ChunkType = "text"
	ChunkToolUse       ChunkType = "tool_use"
	ChunkToolResult    ChunkType = "tool_result"
	ChunkThinking      ChunkType = "thinking"
	ChunkError         ChunkType = "error"
	ChunkResetComplete ChunkType = "reset_complete"
	ChunkModelChanged  ChunkType = "model_changed"
)

// StreamChunk is a single server→client frame. Completed=true marks the
// terminal chunk of a turn: only "text" and "error" chunks ever set it.
type StreamChunk struct {
	Type      ChunkType      `json:"type"`
	Content   string         `json:"content"`
	Completed bool           `json:"completed"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether this chunk ends the request that produced it.
// reset_complete and model_changed are terminal for their control frames
// even though they never set Completed.
func (c StreamChunk) Terminal() bool {
	return c.Completed || c.Type == ChunkResetComplete || c.Type == ChunkModelChanged
}

// TextChunk builds a text chunk. An empty content with completed=true is the
// end-of-turn marker.
func TextChunk(content string, completed bool) StreamChunk {
	return StreamChunk{Type: ChunkText, Content: content, Completed: completed}
}

// ErrorChunk builds a terminal error chunk carrying a stable error kind as
// content. Detail, when non-empty, is attached as metadata so clients can
// show it without parsing the kind token.
func ErrorChunk(kind ErrorKind, detail string) StreamChunk {
	chunk := StreamChunk{Type: ChunkError, Content: string(kind), Completed: true}
	if detail != "" {
		chunk.Metadata = map[string]any{"detail": detail}
	}
	return chunk
}

// MessageRole identifies the author of a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is a single conversation message. Synthesized server-side only
// when archiving an in-flight turn on model switch; never mutated after
// creation. Persistence is the client's responsibility.
type ChatMessage struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewChatMessage stamps a message with the current time.
func NewChatMessage(role MessageRole, content string) ChatMessage {
	return ChatMessage{Role: role, Content: content, Timestamp: time.Now().UTC()}
}

// ModelDescriptor describes one selectable model as reported by GET /models.
// The ID is the stable public handle; the provider-specific handle is kept
// internal and never echoed to clients.
type ModelDescriptor struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	Available     bool   `json:"available"`
	ContextLength int    `json:"contextLength"`
}

// ModelMeta is the model block embedded in connected and model_changed
// chunk metadata.
type ModelMeta struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	IsAuto bool   `json:"isAuto"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}
