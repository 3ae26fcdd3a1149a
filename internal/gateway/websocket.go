package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/memoist/core/internal/domain"
	"github.com/memoist/core/internal/fanout"
	"github.com/memoist/core/internal/identity"
)

// WebSocketHandler terminates client connections and runs the session
// protocol over them.
type WebSocketHandler struct {
	svc           *Service
	conns         *ConnRegistry
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(svc *Service, conns *ConnRegistry, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		svc:           svc,
		conns:         conns,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// connState is one connection's protocol state. Reads happen on a single
// goroutine; writes are shared with the fan-out relay, so they lock.
type connState struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	sessionID  string
	lastOffset int64
	sub        *fanout.Subscription
	relayDone  chan struct{}
	ended      bool
}

func (c *connState) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(context.Background(), websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := identity.OriginFromContext(r.Context())
	slog.Info("WebSocket connection request", "origin", origin,
		"device_id", identity.DeviceIDFromContext(r.Context()), "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}

	conn := &connState{ws: ws, lastOffset: -1}
	defer func() {
		h.teardown(conn)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "connection ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.readLoop(r.Context(), conn, origin)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *connState, origin domain.Origin) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", conn.sessionID)
			} else {
				slog.Warn("WebSocket read error", "session_id", conn.sessionID, "error", err)
			}
			return
		}

		msg, err := ParseInbound(data)
		if err != nil {
			h.replyError(conn, "", err)
			continue
		}

		if err := h.handleMessage(ctx, conn, msg, origin); err != nil {
			h.replyError(conn, targetSession(conn, msg), err)
		}
	}
}

func targetSession(conn *connState, msg *Inbound) string {
	if msg.SessionID != "" {
		return msg.SessionID
	}
	return conn.sessionID
}

//nolint:gocognit // Message dispatch must coordinate lifecycle, audio, and relay state.
func (h *WebSocketHandler) handleMessage(ctx context.Context, conn *connState, msg *Inbound, origin domain.Origin) error {
	switch msg.Type {
	case MsgInitSession:
		sess, err := h.svc.InitSession(ctx, msg.Init, origin)
		if err != nil {
			return err
		}
		h.bind(conn, sess.ID)
		return conn.writeJSON(NewSessionMetadata(sess, nil))

	case MsgResumeSession:
		if msg.SessionID == "" {
			return domain.Wrap(domain.ErrValidation, "resume_session requires session_id")
		}
		info, err := h.svc.Resume(ctx, msg.SessionID)
		if err != nil {
			return err
		}
		h.bind(conn, msg.SessionID)
		conn.lastOffset = info.ReplayFrom - 1
		return conn.writeJSON(NewSessionMetadata(info.Session,
			&ReplayWindow{From: info.ReplayFrom, HighWater: info.HighWater}))

	case MsgReconnect:
		if msg.SessionID == "" {
			return domain.Wrap(domain.ErrValidation, "reconnect requires session_id")
		}
		info, err := h.svc.Reconnect(ctx, msg.SessionID)
		if err != nil {
			return err
		}
		h.bind(conn, msg.SessionID)
		// No backfill after a full restart: offsets continue from the
		// current point.
		conn.lastOffset = info.HighWater
		return conn.writeJSON(NewSessionMetadata(info.Session, nil))

	case MsgSendAudioChunk:
		if conn.sessionID == "" {
			return domain.Wrap(domain.ErrValidation, "no session bound, send init_session first")
		}
		if msg.Audio.Offset < conn.lastOffset {
			reply := NewError(conn.sessionID,
				domain.Wrap(domain.ErrOutOfOrderChunk, "offset %d after %d", msg.Audio.Offset, conn.lastOffset))
			reply.Resync = true
			return conn.writeJSON(reply)
		}
		chunk, err := msg.Audio.Bytes()
		if err != nil {
			return domain.Wrap(domain.ErrValidation, "audio payload is not valid base64")
		}
		conn.lastOffset = msg.Audio.Offset
		_, err = h.svc.IngestAudio(ctx, conn.sessionID, chunk, msg.Audio.Offset)
		return err

	case MsgScreenCapture:
		if conn.sessionID == "" {
			return domain.Wrap(domain.ErrValidation, "no session bound, send init_session first")
		}
		image, err := msg.Screen.Bytes()
		if err != nil {
			return domain.Wrap(domain.ErrValidation, "image payload is not valid base64")
		}
		_, err = h.svc.Screenshot(ctx, conn.sessionID, image)
		return err

	case MsgEndSession:
		sessionID := targetSession(conn, msg)
		if sessionID == "" {
			return domain.Wrap(domain.ErrValidation, "end_session requires a bound session")
		}
		if err := h.svc.EndSession(ctx, sessionID); err != nil {
			return err
		}
		conn.ended = true
		// The relay's subscription was closed by the completed session;
		// confirm terminal state directly.
		return conn.writeJSON(NewSessionStatus(sessionID, domain.StateCompleted))

	case MsgPing:
		return conn.writeJSON(Pong{Type: MsgPong})
	}
	return domain.Wrap(domain.ErrUnknownMessage, "type %q", msg.Type)
}

// bind attaches the connection to a session and starts relaying that
// session's fan-out events to the client.
func (h *WebSocketHandler) bind(conn *connState, sessionID string) {
	if conn.sessionID == sessionID {
		return
	}
	h.unbind(conn)

	conn.sessionID = sessionID
	conn.ended = false
	h.conns.Register(sessionID, conn.ws)

	conn.sub = h.svc.Bus().Subscribe(sessionID)
	conn.relayDone = make(chan struct{})
	go func(sub *fanout.Subscription, done chan struct{}) {
		defer close(done)
		for event := range sub.Events() {
			if err := conn.writeJSON(event.Payload); err != nil {
				slog.Debug("Relay write failed", "session_id", sessionID, "error", err)
				return
			}
		}
	}(conn.sub, conn.relayDone)
}

func (h *WebSocketHandler) unbind(conn *connState) {
	if conn.sessionID == "" {
		return
	}
	h.svc.Bus().Unsubscribe(conn.sessionID, conn.sub)
	<-conn.relayDone
	h.conns.Unregister(conn.sessionID, conn.ws)
	conn.sessionID = ""
	conn.sub = nil
}

// teardown runs when the connection goes away. A drop without end_session
// starts the liveness grace timer instead of flipping state immediately.
func (h *WebSocketHandler) teardown(conn *connState) {
	if conn.sessionID == "" {
		return
	}
	sessionID := conn.sessionID
	ended := conn.ended
	h.unbind(conn)
	if !ended {
		h.svc.ConnectionLost(sessionID)
	}
}

func (h *WebSocketHandler) replyError(conn *connState, sessionID string, err error) {
	slog.Debug("Protocol error", "session_id", sessionID, "kind", domain.Kind(err), "error", err)
	if writeErr := conn.writeJSON(NewError(sessionID, err)); writeErr != nil {
		slog.Debug("Failed to send error reply", "error", writeErr)
	}
}
