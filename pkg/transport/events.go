package transport

import "github.com/netchat/netchat/pkg/models"

// Event is the tagged union emitted on the transport's event channel during a
// turn. Exactly one of TurnComplete or TurnError terminates each turn.
type Event interface {
	event()
}

// AssistantText is an incremental assistant text fragment.
type AssistantText struct {
	Text string
}

// Thinking is an incremental reasoning fragment, emitted when the vendor
// streams extended thinking blocks.
type Thinking struct {
	Text string
}

// ToolUse announces that the agent is invoking a tool. Emitted when the tool
// block opens, before its arguments have fully streamed.
type ToolUse struct {
	ID   string
	Name string
}

// ToolResult carries the textual payload returned by a tool invocation.
type ToolResult struct {
	ID      string
	Name    string
	Content string
	IsError bool
}

// TurnComplete marks the successful end of a turn.
type TurnComplete struct{}

// TurnError marks the failed end of a turn. Detail has already been passed
// through the sanitizer and is safe to put on the wire.
type TurnError struct {
	Kind   models.ErrorKind
	Detail string
}

func (AssistantText) event() {}
func (Thinking) event()      {}
func (ToolUse) event()       {}
func (ToolResult) event()    {}
func (TurnComplete) event()  {}
func (TurnError) event()     {}
