package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FrameType tags a client→server frame.
type FrameType string

const (
	// FrameChat is the implicit type of a bare {"message": …} frame.
	FrameChat        FrameType = "chat"
	FrameReset       FrameType = "reset"
	FrameModelChange FrameType = "model_change"
)

// ClientFrame is a decoded client→server message. Exactly one shape per
// JSON object: a prompt, a reset, or a model change.
type ClientFrame struct {
	Type    FrameType
	Message string // prompt text, FrameChat only
	Model   string // target model id, FrameModelChange only
}

// Frame decode errors. All of them map to the bad_frame error kind; the
// distinction exists for logs and tests.
var (
	ErrMalformedJSON = errors.New("frame is not valid JSON")
	ErrUnknownType   = errors.New("unknown frame type")
	ErrEmptyMessage  = errors.New("message must not be empty")
	ErrMissingModel  = errors.New("model_change requires a model id")
	// ErrBinaryFrame is reported by connection adapters: the protocol is
	// JSON over text frames only, regardless of payload content.
	ErrBinaryFrame = errors.New("binary frames are not supported")
)

// clientFrameJSON is the raw shape accepted off the wire. Unknown fields are
// tolerated (clients may send extras); unknown type values are not.
type clientFrameJSON struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Model   string `json:"model"`
}

// DecodeClientFrame parses one WebSocket text message into a ClientFrame.
// A frame with no type and a message field is a chat prompt; this mirrors
// the original protocol where prompts predate typed frames.
func DecodeClientFrame(data []byte) (ClientFrame, error) {
	var raw clientFrameJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}

	switch raw.Type {
	case "", string(FrameChat):
		if strings.TrimSpace(raw.Message) == "" {
			return ClientFrame{}, ErrEmptyMessage
		}
		return ClientFrame{Type: FrameChat, Message: raw.Message}, nil
	case string(FrameReset):
		return ClientFrame{Type: FrameReset}, nil
	case string(FrameModelChange):
		if strings.TrimSpace(raw.Model) == "" {
			return ClientFrame{}, ErrMissingModel
		}
		return ClientFrame{Type: FrameModelChange, Model: raw.Model}, nil
	default:
		return ClientFrame{}, fmt.Errorf("%w: %q", ErrUnknownType, raw.Type)
	}
}

// EncodeChunk serializes a StreamChunk to compact JSON for the wire.
func EncodeChunk(chunk StreamChunk) ([]byte, error) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return nil, fmt.Errorf("encode %s chunk: %w", chunk.Type, err)
	}
	return data, nil
}
