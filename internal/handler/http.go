package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/runledger/internal/domain"
	"github.com/runledger/internal/service"
	"github.com/runledger/internal/websocket"
)

// UserIDHeader carries the caller identity
const UserIDHeader = "X-User-ID"

// ReadyFunc reports whether the backing stores are reachable
type ReadyFunc func(ctx context.Context) error

// Handler provides HTTP handlers for the run API
type Handler struct {
	service       *service.RunService
	hub           *websocket.Hub
	ready         ReadyFunc
	maxReplaySize int64
	logger        *slog.Logger
}

// NewHandler creates a new HTTP handler. ready may be nil.
func NewHandler(service *service.RunService, hub *websocket.Hub, ready ReadyFunc, maxReplaySize int64, logger *slog.Logger) *Handler {
	return &Handler{
		service:       service,
		hub:           hub,
		ready:         ready,
		maxReplaySize: maxReplaySize,
		logger:        logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireUser)

			r.Post("/session", h.StartSession)
			r.Delete("/session", h.InvalidateSession)
			r.Post("/session/{sessionID}", h.RecordTimestamp)
			r.Post("/session/{sessionID}/end", h.CompleteSession)
		})

		r.Get("/maps/{mapID}/leaderboard", h.GetLeaderboard)
		r.Get("/maps/{mapID}/leaderboard/{userID}", h.GetLeaderboardRank)
		r.Get("/users/{userID}/stats", h.GetUserStats)

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Request-ID, "+UserIDHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type userIDKey struct{}

// requireUser resolves the caller from the identity header
func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(r.Header.Get(UserIDHeader), 10, 64)
		if err != nil || userID <= 0 {
			h.writeError(w, http.StatusUnauthorized, domain.ErrUnauthenticated)
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(userIDKey{}).(int64)
	return id
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeServiceError maps a service error onto its status code. Anything
// unrecognised is logged and reported as an internal error.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	if rej, ok := domain.IsRejection(err); ok {
		h.writeJSON(w, http.StatusBadRequest, APIResponse{
			Success: false,
			Error:   rej.Error(),
			Reason:  string(rej.Reason),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotOwner):
		h.writeError(w, http.StatusForbidden, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrDuplicateTimestamp), errors.Is(err, domain.ErrSessionBusy):
		h.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidTrack), errors.Is(err, domain.ErrFullTrackRunsCannotTimestamp):
		h.writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, domain.ErrReplayTooLarge):
		h.writeError(w, http.StatusRequestEntityTooLarge, err)
	default:
		h.logger.Error("failed to "+op, "error", err)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections": h.hub.GetTotalConnections(),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck returns service readiness status
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.Warn("readiness check failed", "error", err)
			h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
				Success: false,
				Error:   "not ready",
			})
			return
		}
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// StartSession opens a run session for the caller
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req domain.StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	sess, err := h.service.StartSession(r.Context(), userFrom(r), req)
	if err != nil {
		h.writeServiceError(w, "start session", err)
		return
	}

	h.writeSuccess(w, sess)
}

// InvalidateSession drops the caller's session
func (h *Handler) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InvalidateSession(r.Context(), userFrom(r)); err != nil {
		h.writeServiceError(w, "invalidate session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RecordTimestamp records a zone crossing on a session
func (h *Handler) RecordTimestamp(w http.ResponseWriter, r *http.Request) {
	var req domain.TimestampRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	ts, err := h.service.RecordTimestamp(r.Context(), userFrom(r), chi.URLParam(r, "sessionID"), req)
	if err != nil {
		h.writeServiceError(w, "record timestamp", err)
		return
	}

	h.writeSuccess(w, ts)
}

// CompleteSession submits the replay that ends a session
func (h *Handler) CompleteSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxReplaySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, domain.ErrReplayTooLarge)
			return
		}
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	res, err := h.service.CompleteSession(r.Context(), userFrom(r), chi.URLParam(r, "sessionID"), body)
	if err != nil {
		h.writeServiceError(w, "complete session", err)
		return
	}

	h.writeSuccess(w, res)
}

// GetLeaderboard returns the top of a map leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	mapID, err := strconv.ParseInt(chi.URLParam(r, "mapID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	q, err := parseLeaderboardQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entries, err := h.service.Leaderboard(r.Context(), mapID, q)
	if err != nil {
		h.writeServiceError(w, "get leaderboard", err)
		return
	}

	h.writeSuccess(w, entries)
}

// GetLeaderboardRank returns one user's row of a map leaderboard
func (h *Handler) GetLeaderboardRank(w http.ResponseWriter, r *http.Request) {
	mapID, err := strconv.ParseInt(chi.URLParam(r, "mapID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	q, err := parseLeaderboardQuery(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	entry, err := h.service.LeaderboardRank(r.Context(), mapID, userID, q)
	if err != nil {
		h.writeServiceError(w, "get leaderboard rank", err)
		return
	}

	h.writeSuccess(w, entry)
}

// GetUserStats returns a user's running totals
func (h *Handler) GetUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}

	stats, err := h.service.UserStats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, "get user stats", err)
		return
	}

	h.writeSuccess(w, stats)
}

func parseLeaderboardQuery(r *http.Request) (service.LeaderboardQuery, error) {
	var q service.LeaderboardQuery
	values := r.URL.Query()

	var err error
	if s := values.Get("track"); s != "" {
		if q.TrackNum, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	if s := values.Get("zone"); s != "" {
		if q.ZoneNum, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	if s := values.Get("flags"); s != "" {
		flags, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return q, err
		}
		q.Flags = uint32(flags)
	}
	if s := values.Get("limit"); s != "" {
		if q.Limit, err = strconv.Atoi(s); err != nil {
			return q, err
		}
	}
	return q, nil
}
