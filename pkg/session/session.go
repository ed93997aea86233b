// Package session implements the per-connection state machine between one
// WebSocket client and one agent transport. Each session runs three pumps: a
// reader parsing client frames, a writer serializing chunks in order, and a
// control loop that owns all state and is the only consumer of transport
// events. No session sees another session's state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/netchat/netchat/pkg/config"
	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/registry"
	"github.com/netchat/netchat/pkg/sanitize"
	"github.com/netchat/netchat/pkg/transport"
)

const (
	// writeTimeout bounds a single WebSocket write.
	writeTimeout = 10 * time.Second
	// drainCeiling bounds waiting for a cancelled turn's terminal event.
	drainCeiling = 15 * time.Second
	// inboundBuffer decouples the reader from the control loop while keeping
	// frame processing strictly serial.
	inboundBuffer = 8

	banner = "Connected to the NetBox chat gateway"
)

// ErrSlowConsumer is returned by Run when the session was torn down because
// the client could not keep up with the outbound stream.
var ErrSlowConsumer = errors.New("slow consumer")

// State is the session's lifecycle phase. Only the control loop mutates it.
type State string

const (
	StateIdle           State = "idle"
	StateAwaitingTurn   State = "awaiting-turn"
	StateSwitchingModel State = "switching-model"
	StateResetting      State = "resetting"
	StateClosing        State = "closing"
)

// Conn is the subset of the WebSocket connection the session drives. The api
// package adapts the real connection; tests supply fakes.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
}

// Options carries the shared collaborators a session needs.
type Options struct {
	Cfg       *config.Config
	Registry  *registry.Registry
	Factory   *transport.Factory
	Kind      transport.Kind
	Sanitizer *sanitize.Sanitizer
	Logger    *slog.Logger
}

// inboundFrame is what the reader hands the control loop: a decoded frame or
// the decode error that will become a bad_frame chunk.
type inboundFrame struct {
	frame models.ClientFrame
	err   error
}

// Session is one WebSocket connection's server-side state. All fields below
// conn are owned by the control loop.
type Session struct {
	id      string
	cfg     *config.Config
	reg     *registry.Registry
	factory *transport.Factory
	kind    transport.Kind
	san     *sanitize.Sanitizer
	logger  *slog.Logger
	conn    Conn

	outbound chan models.StreamChunk
	inbound  chan inboundFrame

	state        State
	modelID      string
	tr           transport.Transport
	turnSeq      uint64
	budgetCancel context.CancelFunc
	partial      strings.Builder
	archived     []models.ChatMessage
	lastActivity time.Time
}

// New builds a session for an accepted connection. The transport is not
// opened until Run.
func New(conn Conn, opts Options) *Session {
	if opts.Kind == "" {
		opts.Kind = transport.KindDirect
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	san := opts.Sanitizer
	if san == nil {
		san = sanitize.New(nil)
	}
	id := uuid.New().String()
	return &Session{
		id:           id,
		cfg:          opts.Cfg,
		reg:          opts.Registry,
		factory:      opts.Factory,
		kind:         opts.Kind,
		san:          san,
		logger:       logger.With("session_id", id),
		conn:         conn,
		outbound:     make(chan models.StreamChunk, opts.Cfg.Chat.OutboundQueue),
		inbound:      make(chan inboundFrame, inboundBuffer),
		state:        StateIdle,
		modelID:      opts.Registry.DefaultID(),
		lastActivity: time.Now(),
	}
}

// ID returns the session's connection id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle phase. Safe to call only from the
// control loop or after Run has returned.
func (s *Session) State() State {
	return s.state
}

// Run drives the session until the socket closes, a fatal error occurs, or
// ctx is cancelled. The transport is built eagerly; a startup failure leaves
// the session open so the client can recover via model_change.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.logger.Info("Session started", "model", s.modelID)

	if err := s.openTransport(ctx); err != nil {
		s.logger.Error("Agent backend failed to start", "error", s.san.ScrubErr(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readPump(gctx) })
	g.Go(func() error { return s.writePump(gctx) })
	g.Go(func() error { return s.controlLoop(gctx) })

	err := g.Wait()
	s.teardown()
	return err
}

func (s *Session) readPump(ctx context.Context) error {
	for {
		data, err := s.conn.ReadMessage(ctx)
		if err != nil {
			// A binary frame is a protocol violation by this client frame
			// only; the session survives it like any other bad frame.
			if errors.Is(err, models.ErrBinaryFrame) {
				select {
				case s.inbound <- inboundFrame{err: err}:
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		frame, derr := models.DecodeClientFrame(data)
		select {
		case s.inbound <- inboundFrame{frame: frame, err: derr}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) writePump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk := <-s.outbound:
			data, err := models.EncodeChunk(chunk)
			if err != nil {
				s.logger.Error("Dropping unencodable chunk", "type", chunk.Type, "error", err)
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.WriteMessage(wctx, data)
			wcancel()
			if err != nil {
				return fmt.Errorf("websocket write: %w", err)
			}
		}
	}
}

// controlLoop owns the state machine. It emits the mandatory connected frame,
// then serially processes client frames and transport events.
func (s *Session) controlLoop(ctx context.Context) error {
	connected := models.StreamChunk{
		Type:     models.ChunkConnected,
		Content:  banner,
		Metadata: map[string]any{"model": s.currentModelMeta()},
	}
	if err := s.send(ctx, connected); err != nil {
		return err
	}

	for {
		if s.state == StateAwaitingTurn {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case in := <-s.inbound:
				if err := s.handleFrame(ctx, in); err != nil {
					return err
				}
			case ev, ok := <-s.events():
				if !ok {
					return errors.New("transport event stream closed mid-turn")
				}
				if err := s.handleEvent(ctx, ev); err != nil {
					return err
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-s.inbound:
			if err := s.handleFrame(ctx, in); err != nil {
				return err
			}
		case ev, ok := <-s.events():
			// No turn is in flight; anything arriving here is a straggler
			// from an already-terminated turn.
			if ok {
				s.logger.Warn("Dropping late transport event",
					"turn", s.turnSeq, "event", fmt.Sprintf("%T", ev))
			}
		}
	}
}

// events returns the transport event channel, or nil (blocking forever in a
// select) when no transport is up.
func (s *Session) events() <-chan transport.Event {
	if s.tr == nil {
		return nil
	}
	return s.tr.Events()
}

func (s *Session) handleFrame(ctx context.Context, in inboundFrame) error {
	s.lastActivity = time.Now()

	if in.err != nil {
		s.logger.Warn("Rejected client frame", "error", in.err)
		return s.send(ctx, models.ErrorChunk(models.ErrBadFrame, in.err.Error()))
	}

	switch in.frame.Type {
	case models.FrameChat:
		return s.handlePrompt(ctx, in.frame.Message)
	case models.FrameReset:
		return s.handleReset(ctx)
	case models.FrameModelChange:
		return s.handleModelChange(ctx, in.frame.Model)
	default:
		return s.send(ctx, models.ErrorChunk(models.ErrBadFrame, fmt.Sprintf("unhandled frame type %q", in.frame.Type)))
	}
}

func (s *Session) handlePrompt(ctx context.Context, prompt string) error {
	if s.state == StateAwaitingTurn {
		return s.send(ctx, models.ErrorChunk(models.ErrBusy, "a turn is already in flight"))
	}
	if s.tr == nil {
		return s.send(ctx, models.ErrorChunk(models.ErrToolBackendUnavailable, "agent backend is not running"))
	}

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.Chat.TurnBudget)
	if err := s.tr.Submit(budgetCtx, prompt); err != nil {
		cancel()
		kind := models.ErrInternal
		switch {
		case errors.Is(err, transport.ErrTurnInFlight):
			kind = models.ErrBusy
		case errors.Is(err, transport.ErrBackendFailed),
			errors.Is(err, transport.ErrNotOpen),
			errors.Is(err, transport.ErrClosed):
			kind = models.ErrToolBackendUnavailable
		}
		return s.send(ctx, models.ErrorChunk(kind, s.san.ScrubErr(err)))
	}

	s.budgetCancel = cancel
	s.turnSeq++
	s.partial.Reset()
	s.state = StateAwaitingTurn
	s.logger.Debug("Turn started", "turn", s.turnSeq, "model", s.modelID)
	return nil
}

func (s *Session) handleEvent(ctx context.Context, ev transport.Event) error {
	switch ev := ev.(type) {
	case transport.AssistantText:
		s.partial.WriteString(ev.Text)
		return s.send(ctx, models.TextChunk(ev.Text, false))
	case transport.Thinking:
		return s.send(ctx, models.StreamChunk{Type: models.ChunkThinking, Content: ev.Text})
	case transport.ToolUse:
		return s.send(ctx, models.StreamChunk{
			Type:     models.ChunkToolUse,
			Content:  ev.Name,
			Metadata: map[string]any{"tool_use_id": ev.ID},
		})
	case transport.ToolResult:
		return s.send(ctx, models.StreamChunk{
			Type:    models.ChunkToolResult,
			Content: ev.Content,
			Metadata: map[string]any{
				"tool":        ev.Name,
				"tool_use_id": ev.ID,
				"is_error":    ev.IsError,
			},
		})
	case transport.TurnComplete:
		s.finishTurn()
		return s.send(ctx, models.TextChunk("", true))
	case transport.TurnError:
		s.finishTurn()
		return s.send(ctx, models.ErrorChunk(ev.Kind, ev.Detail))
	default:
		s.logger.Warn("Dropping unknown transport event", "event", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (s *Session) finishTurn() {
	s.state = StateIdle
	s.partial.Reset()
	s.releaseBudget()
}

func (s *Session) releaseBudget() {
	if s.budgetCancel != nil {
		s.budgetCancel()
		s.budgetCancel = nil
	}
}

// handleReset cancels any in-flight turn, waits for the transport to
// acknowledge, clears the conversation, and emits exactly one reset_complete.
func (s *Session) handleReset(ctx context.Context) error {
	inTurn := s.state == StateAwaitingTurn
	s.state = StateResetting

	if inTurn {
		s.tr.Cancel()
		if err := s.drainCancelled(ctx); err != nil {
			return err
		}
	}
	if s.tr != nil {
		if err := s.tr.Reset(ctx); err != nil {
			s.logger.Warn("Transport reset failed", "error", s.san.ScrubErr(err))
		}
	}

	s.partial.Reset()
	s.releaseBudget()
	s.state = StateIdle
	s.logger.Info("Session reset")
	return s.send(ctx, models.StreamChunk{Type: models.ChunkResetComplete, Content: "ok"})
}

// handleModelChange validates the target id, archives any partial turn,
// replaces the transport, and emits exactly one model_changed. A change to
// the currently selected id still goes through the full path so the client
// always sees its acknowledgement.
func (s *Session) handleModelChange(ctx context.Context, id string) error {
	target, err := s.reg.Lookup(id)
	if err != nil {
		return s.send(ctx, models.ErrorChunk(models.ErrUnknownModel, fmt.Sprintf("unknown model %q", id)))
	}
	// Checked before any turn or transport state is touched so a refused
	// switch leaves the current model fully intact.
	if !s.reg.Available(ctx, target) {
		return s.send(ctx, models.ErrorChunk(models.ErrModelUnavailable,
			fmt.Sprintf("model %q is currently unavailable", id)))
	}

	inTurn := s.state == StateAwaitingTurn
	s.state = StateSwitchingModel

	var archived []models.ChatMessage
	if inTurn {
		if s.partial.Len() > 0 {
			msg := models.NewChatMessage(models.RoleAssistant, s.partial.String())
			archived = append(archived, msg)
			s.archived = append(s.archived, msg)
		}
		s.tr.Cancel()
		if err := s.drainCancelled(ctx); err != nil {
			return err
		}
		s.partial.Reset()
		s.releaseBudget()
	}

	prev := s.modelID
	s.closeTransport()
	if err := s.openTransportFor(ctx, target); err != nil {
		s.state = StateIdle
		s.logger.Error("Transport rebuild failed",
			"model", target.Descriptor.ID, "error", s.san.ScrubErr(err))
		return s.send(ctx, models.ErrorChunk(models.ErrToolBackendUnavailable,
			"failed to start agent backend for "+target.Descriptor.ID))
	}

	s.modelID = target.Descriptor.ID
	s.state = StateIdle
	s.logger.Info("Model changed", "previous", prev, "model", s.modelID)

	if archived == nil {
		archived = []models.ChatMessage{}
	}
	return s.send(ctx, models.StreamChunk{
		Type:    models.ChunkModelChanged,
		Content: s.modelID,
		Metadata: map[string]any{
			"model":             s.currentModelMeta(),
			"previous":          prev,
			"archived_messages": archived,
		},
	})
}

// drainCancelled consumes and drops events from a cancelled turn until its
// terminal marker arrives. Bounded: a transport that never terminates the
// turn is abandoned after the ceiling.
func (s *Session) drainCancelled(ctx context.Context) error {
	timer := time.NewTimer(drainCeiling)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			s.logger.Warn("Cancelled turn did not terminate within ceiling", "turn", s.turnSeq)
			s.releaseBudget()
			return nil
		case ev, ok := <-s.tr.Events():
			if !ok {
				s.releaseBudget()
				return nil
			}
			switch ev.(type) {
			case transport.TurnComplete, transport.TurnError:
				s.releaseBudget()
				return nil
			default:
				// Late chunk from the cancelled turn; dropped.
			}
		}
	}
}

// send enqueues a chunk for the writer. A full queue gets the configured
// grace; overrunning it tears the session down as a slow consumer after a
// best-effort direct notification.
func (s *Session) send(ctx context.Context, chunk models.StreamChunk) error {
	select {
	case s.outbound <- chunk:
		return nil
	default:
	}

	timer := time.NewTimer(s.cfg.Chat.SlowConsumerGrace)
	defer timer.Stop()
	select {
	case s.outbound <- chunk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		s.notifySlowConsumer()
		return ErrSlowConsumer
	}
}

func (s *Session) notifySlowConsumer() {
	s.logger.Warn("Terminating slow consumer", "queue", cap(s.outbound))
	data, err := models.EncodeChunk(models.ErrorChunk(models.ErrSlowConsumer, "outbound queue overflow"))
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.conn.WriteMessage(wctx, data)
}

func (s *Session) openTransport(ctx context.Context) error {
	m, err := s.reg.Lookup(s.modelID)
	if err != nil {
		return err
	}
	return s.openTransportFor(ctx, m)
}

func (s *Session) openTransportFor(ctx context.Context, m registry.Model) error {
	tr, err := s.factory.New(s.kind, transport.Options{
		Cfg:          s.cfg,
		ModelID:      m.Descriptor.ID,
		VendorHandle: m.VendorHandle,
		Sanitizer:    s.san,
		Logger:       s.logger,
	})
	if err != nil {
		return err
	}
	if err := tr.Open(ctx); err != nil {
		_ = tr.Close(ctx)
		return err
	}
	s.tr = tr
	return nil
}

func (s *Session) closeTransport() {
	if s.tr == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), drainCeiling)
	_ = s.tr.Close(closeCtx)
	cancel()
	s.tr = nil
}

func (s *Session) teardown() {
	s.state = StateClosing
	s.releaseBudget()
	if s.tr != nil {
		s.tr.Cancel()
		s.closeTransport()
	}
	s.logger.Info("Session closed",
		"turns", s.turnSeq, "idle", time.Since(s.lastActivity).Round(time.Millisecond))
}

func (s *Session) currentModelMeta() models.ModelMeta {
	m, err := s.reg.Lookup(s.modelID)
	if err != nil {
		return models.ModelMeta{ID: s.modelID}
	}
	return models.ModelMeta{
		ID:     m.Descriptor.ID,
		Name:   m.Descriptor.Name,
		IsAuto: m.IsAuto(),
	}
}
