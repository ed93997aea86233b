package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/sanitize"
)

const (
	// eventBuffer smooths bursts between the LLM stream and the session's
	// event pump.
	eventBuffer = 32
	// maxToolRounds bounds the stream/call-tools/resume loop within one turn
	// so a pathological agent cannot spin forever inside the turn budget.
	maxToolRounds = 25
	// autoVendorModel is the vendor alias used when the public id is "auto".
	// Aliases track the vendor's current snapshot for the family.
	autoVendorModel = "claude-sonnet-4-5"
)

// Sentinel errors returned by Submit and Reset.
var (
	ErrTurnInFlight  = errors.New("a turn is already in flight")
	ErrBackendFailed = errors.New("tool server is unavailable")
	ErrClosed        = errors.New("transport is closed")
	ErrNotOpen       = errors.New("transport is not open")
)

// errChildExited is installed as the turn context's cancel cause when the MCP
// subprocess dies mid-turn.
var errChildExited = errors.New("tool server exited")

// toolNotAllowedError marks an invocation of a tool outside the allow-list.
type toolNotAllowedError struct {
	name string
}

func (e *toolNotAllowedError) Error() string {
	return fmt.Sprintf("tool %q is not in the allow-list", e.name)
}

// direct is the production transport: an Anthropic streaming session driving
// an MCP stdio subprocess. One instance serves one session for one model; a
// model switch builds a fresh instance.
type direct struct {
	cfg     *config.Config
	modelID string
	vendor  string
	san     *sanitize.Sanitizer
	logger  *slog.Logger

	llm    sdk.Client
	events chan Event
	stop   chan struct{} // closed by Close; unblocks stuck emits

	mu         sync.Mutex
	opened     bool
	failed     bool
	closed     bool
	busy       bool
	child      *childClient
	tools      []sdk.ToolUnionParam
	history    []sdk.MessageParam
	turnCancel context.CancelCauseFunc

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func newDirect(opts Options) (Transport, error) {
	if opts.Cfg == nil {
		return nil, errors.New("transport: config is required")
	}
	return &direct{
		cfg:     opts.Cfg,
		modelID: opts.ModelID,
		vendor:  opts.VendorHandle,
		san:     opts.Sanitizer,
		logger:  opts.Logger.With("component", "transport", "model", opts.ModelID),
		events:  make(chan Event, eventBuffer),
		stop:    make(chan struct{}),
	}, nil
}

// Open launches the MCP subprocess, lists and encodes its tools, and builds
// the LLM client. Idempotent. On failure the subprocess is reaped and the
// transport remains unopened.
func (d *direct) Open(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.opened {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	child, err := launchChild(ctx, d.cfg, d.logger)
	if err != nil {
		return err
	}

	tools, err := encodeTools(child.Tools(), d.cfg.Chat.AllowedToolPrefixes, d.logger)
	if err != nil {
		_ = child.Close()
		return err
	}

	d.mu.Lock()
	d.child = child
	d.tools = tools
	d.llm = sdk.NewClient(option.WithAPIKey(d.cfg.LLM.APIKey))
	d.opened = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.superviseChild(child)
	return nil
}

// Events returns the transport's event channel. Closed by Close.
func (d *direct) Events() <-chan Event {
	return d.events
}

// Submit starts a turn. The prompt is appended to the working copy of the
// history; the history itself is committed only when the turn completes, so
// a failed or cancelled turn leaves the conversation unchanged.
func (d *direct) Submit(ctx context.Context, prompt string) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return ErrClosed
	case !d.opened:
		d.mu.Unlock()
		return ErrNotOpen
	case d.failed:
		d.mu.Unlock()
		return ErrBackendFailed
	case d.busy:
		d.mu.Unlock()
		return ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	d.turnCancel = cancel
	d.busy = true
	msgs := append(slices.Clone(d.history), sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runTurn(turnCtx, cancel, msgs)
	return nil
}

// Cancel aborts the in-flight turn, if any. The turn terminates with
// TurnError(cancelled).
func (d *direct) Cancel() {
	d.mu.Lock()
	cancel := d.turnCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel(context.Canceled)
	}
}

// Reset clears the conversation history. The subprocess and LLM client stay
// up. Fails if a turn is in flight.
func (d *direct) Reset(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if d.busy {
		return ErrTurnInFlight
	}
	d.history = nil
	return nil
}

// Close cancels any in-flight turn, reaps the subprocess with the escalating
// signal path, waits for all transport goroutines, and closes the event
// channel. Idempotent; bounded by the subprocess grace window.
func (d *direct) Close(_ context.Context) error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		cancel := d.turnCancel
		child := d.child
		d.mu.Unlock()

		close(d.stop)
		if cancel != nil {
			cancel(context.Canceled)
		}
		if child != nil {
			d.closeErr = child.Close()
		}
		d.wg.Wait()
		close(d.events)
	})
	return d.closeErr
}

// superviseChild flips the transport to failed when the subprocess dies
// outside Close and aborts the in-flight turn with the backend cause.
func (d *direct) superviseChild(child *childClient) {
	defer d.wg.Done()
	<-child.Done()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.failed = true
	cancel := d.turnCancel
	d.mu.Unlock()

	if cancel != nil {
		cancel(errChildExited)
	}
}

func (d *direct) runTurn(ctx context.Context, cancel context.CancelCauseFunc, msgs []sdk.MessageParam) {
	defer d.wg.Done()
	defer cancel(nil)

	final, err := d.converse(ctx, msgs)

	d.mu.Lock()
	d.busy = false
	d.turnCancel = nil
	if err == nil {
		d.history = final
	}
	d.mu.Unlock()

	if err != nil {
		kind, detail := d.classify(ctx, err)
		d.logger.Warn("Turn failed", "kind", kind, "error", d.san.ScrubErr(err))
		d.emitTerminal(TurnError{Kind: kind, Detail: detail})
		return
	}
	d.emitTerminal(TurnComplete{})
}

// converse runs the stream / call-tools / resume loop until the model stops
// for a reason other than tool_use. Returns the full message list including
// the assistant's final reply.
func (d *direct) converse(ctx context.Context, msgs []sdk.MessageParam) ([]sdk.MessageParam, error) {
	for round := 0; round < maxToolRounds; round++ {
		stream := d.llm.Messages.NewStreaming(ctx, d.requestParams(msgs))
		acc, err := d.pump(ctx, stream)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, acc.ToParam())

		if acc.StopReason != sdk.StopReasonToolUse {
			return msgs, nil
		}
		results, err := d.callTools(ctx, acc)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, sdk.NewUserMessage(results...))
	}
	return nil, fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds)
}

func (d *direct) requestParams(msgs []sdk.MessageParam) sdk.MessageNewParams {
	model := sdk.Model(d.vendor)
	if d.vendor == "" {
		model = autoVendorModel
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(d.cfg.LLM.MaxTokens),
		Messages:  msgs,
		Model:     model,
	}
	if s := d.cfg.LLM.SystemPrompt; s != "" {
		params.System = []sdk.TextBlockParam{{Text: s}}
	}
	if len(d.tools) > 0 {
		params.Tools = d.tools
	}
	return params
}

// pump drains one vendor stream, translating events as they arrive and
// accumulating the full message for the resume loop. Unknown vendor variants
// are dropped with a warning so SDK additions never reach the wire.
func (d *direct) pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) (*sdk.Message, error) {
	defer stream.Close()

	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				if !d.emit(ctx, ToolUse{ID: tu.ID, Name: tu.Name}) {
					return nil, context.Cause(ctx)
				}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !d.emit(ctx, AssistantText{Text: delta.Text}) {
					return nil, context.Cause(ctx)
				}
			case sdk.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if !d.emit(ctx, Thinking{Text: delta.Thinking}) {
					return nil, context.Cause(ctx)
				}
			case sdk.InputJSONDelta, sdk.SignatureDelta:
				// Accumulated only; tool arguments surface via ToolResult.
			default:
				d.logger.Warn("Dropping unknown stream delta", "delta_type", fmt.Sprintf("%T", delta))
			}
		case sdk.MessageStartEvent, sdk.MessageDeltaEvent, sdk.MessageStopEvent, sdk.ContentBlockStopEvent:
		default:
			d.logger.Warn("Dropping unknown stream event", "event_type", fmt.Sprintf("%T", ev))
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}
	return &acc, nil
}

// callTools executes every tool_use block in the accumulated message and
// builds the tool_result blocks for the resume request.
func (d *direct) callTools(ctx context.Context, msg *sdk.Message) ([]sdk.ContentBlockParamUnion, error) {
	var results []sdk.ContentBlockParamUnion
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		if !toolAllowed(block.Name, d.cfg.Chat.AllowedToolPrefixes) {
			return nil, &toolNotAllowedError{name: block.Name}
		}

		var args map[string]any
		if len(block.Input) > 0 {
			if err := json.Unmarshal(block.Input, &args); err != nil {
				return nil, fmt.Errorf("tool %q arguments are not valid JSON: %w", block.Name, err)
			}
		}

		d.logger.Info("Invoking tool", "tool", block.Name)
		content, isErr, err := d.child.Call(ctx, block.Name, args)
		if err != nil {
			return nil, err
		}
		if !d.emit(ctx, ToolResult{ID: block.ID, Name: block.Name, Content: content, IsError: isErr}) {
			return nil, context.Cause(ctx)
		}
		results = append(results, sdk.NewToolResultBlock(block.ID, content, isErr))
	}
	if len(results) == 0 {
		return nil, errors.New("tool_use stop reason without tool_use blocks")
	}
	return results, nil
}

// emit delivers a non-terminal event, giving up when the turn is cancelled or
// the transport is closing.
func (d *direct) emit(ctx context.Context, ev Event) bool {
	select {
	case d.events <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-d.stop:
		return false
	}
}

// emitTerminal delivers the turn's terminal event. Unlike emit it ignores
// turn cancellation: the session needs the terminal marker to finish the
// turn. Only transport closure aborts delivery.
func (d *direct) emitTerminal(ev Event) {
	select {
	case d.events <- ev:
	case <-d.stop:
	}
}

// classify maps a turn failure to the wire error taxonomy. Details are
// scrubbed before they can reach a client.
func (d *direct) classify(ctx context.Context, err error) (models.ErrorKind, string) {
	var tna *toolNotAllowedError
	if errors.As(err, &tna) {
		return models.ErrToolNotAllowed, tna.Error()
	}

	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errChildExited) || errors.Is(err, errChildExited):
		return models.ErrToolBackendUnavailable, "tool server exited during the turn"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		return models.ErrTimeout, "turn budget exceeded"
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return models.ErrCancelled, "turn cancelled"
	}

	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusNotFound:
			return models.ErrModelUnavailable, fmt.Sprintf("model %s not available", d.modelID)
		case apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500:
			return models.ErrModelUnavailable, fmt.Sprintf("model %s temporarily unavailable", d.modelID)
		}
	}

	// A tool call error can be the first symptom of a dying subprocess.
	if d.childDead() {
		return models.ErrToolBackendUnavailable, "tool server exited during the turn"
	}
	return models.ErrInternal, d.san.ScrubErr(err)
}

func (d *direct) childDead() bool {
	d.mu.Lock()
	child := d.child
	d.mu.Unlock()
	if child == nil {
		return false
	}
	select {
	case <-child.Done():
		return true
	default:
		return false
	}
}

// toolAllowed applies the configured name-prefix allow-list. An empty list
// allows everything.
func toolAllowed(name string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// encodeTools converts the MCP tool list into the vendor's tool parameters,
// advertising only allow-listed tools.
func encodeTools(defs []*mcpsdk.Tool, prefixes []string, logger *slog.Logger) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, t := range defs {
		if !toolAllowed(t.Name, prefixes) {
			logger.Debug("Skipping tool outside allow-list", "tool", t.Name)
			continue
		}
		schema, err := toolInputSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q schema: %w", t.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, t.Name)
		if u.OfTool != nil && t.Description != "" {
			u.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

// toolInputSchema re-encodes an MCP JSON schema into the vendor's parameter
// shape. The schema is passed through verbatim.
func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
