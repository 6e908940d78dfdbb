// ABOUTME: HTTP API handlers for session management and outbound sends.
// ABOUTME: Exposes pairing, status, chat listings, message history, and health.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hrz8/ursender/internal/outbound"
	"github.com/hrz8/ursender/internal/session"
	"github.com/hrz8/ursender/internal/store"
	"github.com/hrz8/ursender/internal/wire"
)

// pairWaitTimeout bounds how long an add-session request waits for the
// pairing code before the half-created session is abandoned.
const pairWaitTimeout = 60 * time.Second

// AddSessionRequest is the JSON request body for POST /sessions/add.
type AddSessionRequest struct {
	ID     string `json:"id"`
	Legacy bool   `json:"legacy,omitempty"`
}

// SendRequest is the JSON request body for POST /chats/send and
// POST /groups/send. Message carries plain text; Template, when set,
// carries a structured message body instead.
type SendRequest struct {
	SessionID string         `json:"session_id"`
	Receiver  string         `json:"receiver"`
	Message   string         `json:"message,omitempty"`
	Template  map[string]any `json:"template,omitempty"`
	Profile   ProfileBody    `json:"profile,omitempty"`
}

// ProfileBody carries the recipient attributes used by template placeholders.
type ProfileBody struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// MessageLogResponse is one entry in GET /sessions/{id}/messages.
type MessageLogResponse struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Kind      string `json:"kind"`
	Group     bool   `json:"group"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func (g *Gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", g.handleHealth)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", g.handleListSessions)
		r.Post("/add", g.handleAddSession)
		r.Delete("/{id}", g.handleDeleteSession)
		r.Get("/{id}/status", g.handleSessionStatus)
		r.Get("/{id}/chats", g.handleSessionChats(wire.UserSuffix))
		r.Get("/{id}/groups", g.handleSessionChats(wire.GroupSuffix))
		r.Get("/{id}/messages", g.handleSessionMessages)
	})

	r.Post("/chats/send", g.handleSend(false))
	r.Post("/groups/send", g.handleSend(true))

	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := g.registry.Sessions()
	states := make(map[string]int)
	for _, s := range sessions {
		states[s.State]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(sessions),
		"states":   states,
	})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": g.registry.Sessions()})
}

func (g *Gateway) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var req AddSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), pairWaitTimeout)
	defer cancel()

	pending := session.NewPendingRequest()
	if err := g.registry.Create(ctx, req.ID, req.Legacy, pending); err != nil {
		g.logger.Error("session create failed", "session_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "unable to create session")
		return
	}

	code, err := pending.Wait(ctx)
	if err != nil {
		if errors.Is(err, session.ErrSessionExists) {
			// The id is already live; it belongs to another caller and
			// must not be torn down here.
			writeError(w, http.StatusConflict, "session already exists")
			return
		}
		// The pairing never resolved; abandon the half-created session.
		g.registry.Delete(context.Background(), req.ID)
		g.logger.Warn("session pairing failed", "session_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "unable to create session")
		return
	}

	if code == "" {
		writeJSON(w, http.StatusOK, map[string]string{"message": "session connected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": code})
}

func (g *Gateway) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := g.registry.Delete(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "unable to delete session")
		return
	}

	if err := g.store.DeleteSessionLogs(r.Context(), id); err != nil {
		g.logger.Warn("unable to delete message logs", "session_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "session deleted"})
}

func (g *Gateway) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, ok := g.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (g *Gateway) handleSessionChats(suffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		s, ok := g.registry.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chats": s.Cache().Chats(suffix)})
	}
}

func (g *Gateway) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !g.registry.Exists(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := g.store.RecentMessageLogs(r.Context(), id, limit)
	if err != nil {
		g.logger.Error("unable to load message logs", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "unable to load messages")
		return
	}

	resp := make([]MessageLogResponse, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, MessageLogResponse{
			ID:        l.ID,
			Recipient: l.Recipient,
			Kind:      l.Kind,
			Group:     l.Group,
			Status:    l.Status,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": resp})
}

func (g *Gateway) handleSend(isGroup bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.SessionID == "" || req.Receiver == "" {
			writeError(w, http.StatusBadRequest, "session_id and receiver are required")
			return
		}

		payload := wire.Payload{Kind: wire.PlainText, Text: req.Message}
		kind := "plain-text"
		if req.Template != nil {
			payload = wire.Payload{Kind: wire.Template, Body: req.Template}
			kind = "template"
		}

		profile := outbound.Profile{
			Name:  req.Profile.Name,
			Phone: req.Profile.Phone,
			Email: req.Profile.Email,
		}

		err := g.registry.Send(r.Context(), req.SessionID, req.Receiver, payload, isGroup, profile)
		g.saveMessageLog(r.Context(), &req, kind, isGroup, err)

		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, map[string]string{"message": "message sent"})
		case errors.Is(err, session.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, session.ErrSessionNotConnected):
			writeError(w, http.StatusServiceUnavailable, "session not connected")
		case errors.Is(err, outbound.ErrInvalidRecipient):
			writeError(w, http.StatusBadRequest, "invalid recipient")
		default:
			writeError(w, http.StatusInternalServerError, "unable to send message")
		}
	}
}

// saveMessageLog records the send attempt. Attempts rejected before
// reaching a session (unknown session, malformed target) are not logged.
func (g *Gateway) saveMessageLog(ctx context.Context, req *SendRequest, kind string, isGroup bool, sendErr error) {
	if errors.Is(sendErr, session.ErrSessionNotFound) || errors.Is(sendErr, outbound.ErrInvalidRecipient) {
		return
	}

	status := store.StatusSent
	if sendErr != nil {
		status = store.StatusFailed
	}
	err := g.store.SaveMessageLog(ctx, &store.MessageLog{
		SessionID: req.SessionID,
		Recipient: req.Receiver,
		Kind:      kind,
		Group:     isGroup,
		Status:    status,
	})
	if err != nil {
		g.logger.Warn("unable to save message log", "session_id", req.SessionID, "error", err)
	}
}
