package api

import (
	"context"
	"errors"
	"io"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/netchat/netchat/pkg/models"
	"github.com/netchat/netchat/pkg/session"
)

// wsHandler upgrades GET /ws/chat and runs a session for the connection's
// lifetime. Origin enforcement already happened in the CORS middleware; the
// accept options repeat it for the handshake itself.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "session ended")

	sess := session.New(&wsConn{conn: conn}, session.Options{
		Cfg:       s.cfg,
		Registry:  s.reg,
		Factory:   s.factory,
		Kind:      s.kind,
		Sanitizer: s.san,
		Logger:    s.logger,
	})

	err = sess.Run(c.Request().Context())
	switch {
	case err == nil, isClientGone(err):
		conn.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, session.ErrSlowConsumer):
		conn.Close(websocket.StatusPolicyViolation, "slow consumer")
	default:
		s.logger.Error("Session ended with error",
			"session_id", sess.ID(), "error", s.san.ScrubErr(err))
	}
	return nil
}

// isClientGone reports whether the session ended because the peer closed or
// dropped the connection.
func isClientGone(err error) bool {
	return websocket.CloseStatus(err) != -1 ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled)
}

// wsConn adapts the WebSocket connection to the session's Conn interface.
// The protocol is text-only; binary frames are rejected before decoding.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, models.ErrBinaryFrame
	}
	return data, nil
}

func (w *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}
