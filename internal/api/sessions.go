package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/memoist/core/internal/domain"
	"github.com/memoist/core/internal/gateway"
	"github.com/memoist/core/internal/store"
	"github.com/memoist/core/internal/workflow"
)

// SessionHandler exposes the read surface over sessions, fragments, and
// capture events, plus administrative completion.
type SessionHandler struct {
	repo store.Repository
	svc  *gateway.Service
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(repo store.Repository, svc *gateway.Service) *SessionHandler {
	return &SessionHandler{repo: repo, svc: svc}
}

// RegisterRoutes mounts the session routes.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Get("/v1/sessions", h.ListSessions)
	r.Get("/v1/sessions/{sessionID}", h.GetSession)
	r.Post("/v1/sessions/{sessionID}/complete", h.CompleteSession)
	r.Get("/v1/sessions/{sessionID}/fragments", h.ListFragments)
	r.Get("/v1/sessions/{sessionID}/events", h.ListEvents)
}

type sessionResponse struct {
	SessionID      string    `json:"session_id"`
	WorkflowID     string    `json:"workflow_id"`
	WorkflowType   string    `json:"workflow_type"`
	State          string    `json:"state"`
	Origin         string    `json:"origin"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func toSessionResponse(sess *domain.Session) sessionResponse {
	return sessionResponse{
		SessionID:      sess.ID,
		WorkflowID:     sess.WorkflowID,
		WorkflowType:   string(sess.WorkflowType),
		State:          string(sess.State),
		Origin:         string(sess.Origin),
		CreatedAt:      sess.CreatedAt,
		LastActivityAt: sess.LastActivityAt,
	}
}

// ListSessions returns incomplete sessions, optionally filtered by origin.
// This is the reconnect chooser: a restarting client lists what it can
// reattach to.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	origin := domain.Origin(r.URL.Query().Get("origin"))
	if origin != "" && !domain.ValidOrigin(origin) {
		Error(w, domain.Wrap(domain.ErrValidation, "origin %q", origin))
		return
	}

	sessions, err := h.repo.ListIncomplete(r.Context(), origin)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionResponse(sess))
	}
	JSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

// GetSession returns one session's metadata.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.repo.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, toSessionResponse(sess))
}

// CompleteSession administratively finalizes a session, the management UI's
// path for closing out sessions whose client never came back.
func (h *SessionHandler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.svc.EndSession(r.Context(), sessionID); err != nil {
		Error(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{
		"session_id": sessionID,
		"state":      string(domain.StateCompleted),
	})
}

type fragmentResponse struct {
	StartOffset int64  `json:"start_offset"`
	EndOffset   int64  `json:"end_offset"`
	Text        string `json:"text"`
	Final       bool   `json:"final"`
}

// ListFragments returns the persisted transcript. Late subscribers read
// history here; the fan-out itself never replays.
func (h *SessionHandler) ListFragments(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		Error(w, err)
		return
	}

	frags, err := h.repo.ListFragments(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to list fragments", "session_id", sessionID, "error", err)
		Error(w, err)
		return
	}

	out := make([]fragmentResponse, 0, len(frags))
	for _, frag := range frags {
		out = append(out, fragmentResponse{
			StartOffset: frag.StartOffset,
			EndOffset:   frag.EndOffset,
			Text:        frag.Text,
			Final:       frag.Final,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"fragments": out})
}

type eventResponse struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	PayloadRef string    `json:"payload_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListEvents returns a session's persisted capture events.
func (h *SessionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.repo.GetSession(r.Context(), sessionID); err != nil {
		Error(w, err)
		return
	}

	events, err := h.repo.ListEvents(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to list capture events", "session_id", sessionID, "error", err)
		Error(w, err)
		return
	}

	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, eventResponse{
			EventID:    ev.ID,
			Type:       string(ev.Type),
			PayloadRef: ev.PayloadRef,
			CreatedAt:  ev.CreatedAt,
		})
	}
	JSON(w, http.StatusOK, map[string]interface{}{"events": out})
}

// WorkflowCallbackHandler is the engine's ingress for asynchronous updates.
type WorkflowCallbackHandler struct {
	dispatcher *workflow.Dispatcher
}

// NewWorkflowCallbackHandler creates the callback handler.
func NewWorkflowCallbackHandler(dispatcher *workflow.Dispatcher) *WorkflowCallbackHandler {
	return &WorkflowCallbackHandler{dispatcher: dispatcher}
}

// RegisterRoutes mounts the callback route.
func (h *WorkflowCallbackHandler) RegisterRoutes(r chi.Router) {
	r.Post("/v1/workflow/updates", h.Receive)
}

type workflowCallback struct {
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Receive accepts one engine update and queues it for relay. The payload is
// opaque: it is timestamped and passed through verbatim.
func (h *WorkflowCallbackHandler) Receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		Error(w, domain.Wrap(domain.ErrValidation, "read callback body"))
		return
	}

	var cb workflowCallback
	if err := json.Unmarshal(body, &cb); err != nil || cb.SessionID == "" {
		Error(w, domain.Wrap(domain.ErrValidation, "malformed workflow callback"))
		return
	}

	h.dispatcher.Deliver(workflow.Update{
		SessionID: cb.SessionID,
		Payload:   cb.Payload,
		At:        time.Now(),
	})
	JSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
