package models

// ErrorKind is a stable token identifying an error class. Kinds appear
// verbatim in logs and as the content of error chunks; clients and tests
// match on them, so they must never be renamed.
type ErrorKind string

const (
	// ErrBadFrame: unparseable or schema-invalid client frame. Recovered
	// locally; the session continues.
	ErrBadFrame ErrorKind = "bad_frame"

	// ErrBusy: a prompt arrived while a turn was in flight.
	ErrBusy ErrorKind = "busy"

	// ErrUnknownModel: model_change referenced an id not in the registry.
	ErrUnknownModel ErrorKind = "unknown_model"

	// ErrModelUnavailable: the model exists but its availability probe failed.
	ErrModelUnavailable ErrorKind = "model_unavailable"

	// ErrToolBackendUnavailable: the MCP child crashed or refused to start.
	// Fails the current turn; the session stays open and a model_change may
	// construct a fresh transport.
	ErrToolBackendUnavailable ErrorKind = "tool_backend_unavailable"

	// ErrToolNotAllowed: the LLM invoked a tool outside the allow-list.
	ErrToolNotAllowed ErrorKind = "tool_not_allowed"

	// ErrTimeout: the turn budget was exceeded.
	ErrTimeout ErrorKind = "timeout"

	// ErrCancelled: cooperative cancellation (reset, model change, close).
	// Surfaced to the client only when it cannot observe the cause otherwise.
	ErrCancelled ErrorKind = "cancelled"

	// ErrSlowConsumer: outbound backpressure exceeded the configured grace;
	// the session is terminated after emitting this.
	ErrSlowConsumer ErrorKind = "slow_consumer"

	// ErrInternal: catch-all for unexpected faults. Details are sanitized
	// before leaving the process.
	ErrInternal ErrorKind = "internal"
)
