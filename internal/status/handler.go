// Package status serves the relay's read-only HTTP surface: health, room
// snapshots and archived chat history.
package status

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/archive"
	"github.com/cory-johannsen/relay/internal/observability"
	"github.com/cory-johannsen/relay/internal/relay"
)

const (
	defaultChatLimit = 50
	maxChatLimit     = 200

	// timestampLayout is UTC with fixed milliseconds, e.g. 2026-01-02T03:04:05.000Z.
	timestampLayout = "2006-01-02T15:04:05.000Z07:00"
)

// RoomReader reads room snapshots.
type RoomReader interface {
	Snapshot(roomID string) (relay.RoomSnapshot, bool)
}

// ChatHistory reads archived chat lines, newest first.
type ChatHistory interface {
	Recent(ctx context.Context, roomID string, limit int) ([]archive.Entry, error)
}

// Handler serves the status endpoints and any handlers mounted alongside them.
type Handler struct {
	rooms   RoomReader
	chats   ChatHistory
	origins []string
	logger  *zap.Logger
	now     func() time.Time
	mux     *http.ServeMux
}

// NewHandler builds a Handler. chats may be nil, in which case the chat
// history route is not registered.
//
// Precondition: rooms and logger must be non-nil.
func NewHandler(rooms RoomReader, chats ChatHistory, allowedOrigins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		rooms:   rooms,
		chats:   chats,
		origins: allowedOrigins,
		logger:  logger,
		now:     time.Now,
		mux:     http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /rooms/{roomId}", h.room)
	if chats != nil {
		h.mux.HandleFunc("GET /rooms/{roomId}/chat", h.chatHistory)
	}
	return h
}

// Handle mounts handler at pattern on the same mux, e.g. the websocket endpoint.
func (h *Handler) Handle(pattern string, handler http.Handler) {
	h.mux.Handle(pattern, handler)
}

// Routes returns the mux wrapped in access logging, panic recovery and CORS.
func (h *Handler) Routes() http.Handler {
	return observability.AccessLog(h.logger, h.recoverer(h.cors(h.mux)))
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, healthResponse{
		Status:    "healthy",
		Timestamp: h.now().UTC().Format(timestampLayout),
	}, http.StatusOK)
}

func (h *Handler) room(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.rooms.Snapshot(r.PathValue("roomId"))
	if !ok {
		h.errorResponse(w, "Room not found", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, snap, http.StatusOK)
}

type chatHistoryResponse struct {
	RoomID   string          `json:"roomId"`
	Messages []archive.Entry `json:"messages"`
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomId")

	limit := defaultChatLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.errorResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxChatLimit)
	}

	entries, err := h.chats.Recent(r.Context(), roomID, limit)
	if err != nil {
		h.logger.Error("loading chat history", zap.String("room", roomID), zap.Error(err))
		h.errorResponse(w, "failed to load chat history", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	h.jsonResponse(w, chatHistoryResponse{RoomID: roomID, Messages: entries}, http.StatusOK)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encoding response", zap.Error(err))
	}
}

func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]string{"error": message}, status)
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("http handler panicked",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)
				h.errorResponse(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// cors applies the configured allowed origins and answers preflight requests.
func (h *Handler) cors(next http.Handler) http.Handler {
	wildcard := slices.Contains(h.origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case wildcard:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && slices.Contains(h.origins, origin):
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
