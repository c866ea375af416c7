package handler

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// sessionCookie carries the per-browser conversation identity. It scopes
// pending confirmations, nothing else, so it is not an auth credential.
const sessionCookie = "infra_agent_session"

//go:embed index.html
var indexPage []byte

// chatService is the conversational capability the handler delegates to.
// usecase.ChatService satisfies it.
type chatService interface {
	HandleMessage(ctx context.Context, sessionID, message string) string
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// Handler is the HTTP surface: the chat page, the chat endpoint and a
// liveness probe.
type Handler struct {
	chat   chatService
	logger *slog.Logger
}

func NewHandler(chat chatService, logger *slog.Logger) (*Handler, error) {
	if chat == nil {
		return nil, errors.New("handler: chat service must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{chat: chat, logger: logger}, nil
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", h.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/chat", h.handleChat).Methods(http.MethodPost)
	return r
}

func (h *Handler) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// handleChat always answers 200 with a response body. Transport-level
// failures of the conversation (bad JSON, empty message) are reported as
// reply text, matching how every other failure reaches the user.
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := h.sessionID(w, r)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("malformed chat request", "session", sessionID, "err", err)
		writeJSON(w, chatResponse{Response: "Error: the request body must be JSON with a 'message' field."})
		return
	}
	if req.Message == "" {
		writeJSON(w, chatResponse{Response: "Error: the message must not be empty."})
		return
	}

	reply := h.chat.HandleMessage(r.Context(), sessionID, req.Message)
	writeJSON(w, chatResponse{Response: reply})
}

// sessionID returns the caller's session cookie, minting one on first
// contact.
func (h *Handler) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(24 * time.Hour),
	})
	return id
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
