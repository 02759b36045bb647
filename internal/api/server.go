// Package api is the HTTP surface of the matching service: queue status and
// stats endpoints, the event log, health, and the Prometheus scrape handler.
// No queue logic lives here, only HTTP handling and JSON serialization.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatmatch/internal/engine"
	"chatmatch/pkg/types"
)

// EventLog is the read side of the archive the stats endpoints expose.
type EventLog interface {
	RecentEvents(ctx context.Context, limit int) ([]*types.Event, error)
	HealthCheck(ctx context.Context) error
}

// Server serves the REST endpoints in front of the engine.
type Server struct {
	engine   *engine.Engine
	eventLog EventLog
	registry prometheus.Gatherer
	router   *http.ServeMux
}

// NewServer wires the routes. eventLog may be nil when no archive is
// configured; the events endpoint then reports unavailable.
func NewServer(eng *engine.Engine, eventLog EventLog, registry prometheus.Gatherer) *Server {
	s := &Server{
		engine:   eng,
		eventLog: eventLog,
		registry: registry,
		router:   http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/api/queue/status", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleQueueStatus))))
	s.router.Handle("/api/stats", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleStats))))
	s.router.Handle("/api/events", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.handleEvents))))
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type StatusResponse struct {
	UserID string           `json:"user_id"`
	Status types.UserStatus `json:"status"`
}

type StatsResponse struct {
	Stats     types.QueueStats `json:"stats"`
	Timestamp time.Time        `json:"timestamp"`
}

type EventsResponse struct {
	Events []*types.Event `json:"events"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Archive   string    `json:"archive"`
	Active    int       `json:"active_users"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/queue/status?user_id=... reports one user's queue-side view.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.sendError(w, "Missing required query parameter: user_id", http.StatusBadRequest)
		return
	}
	if !types.IsValidUserID(userID) {
		s.sendError(w, "Invalid user_id format", http.StatusBadRequest)
		return
	}

	status, err := s.engine.Status(userID)
	if err != nil {
		s.sendError(w, "User is not in the queue", http.StatusNotFound)
		return
	}

	s.sendJSON(w, http.StatusOK, StatusResponse{UserID: userID, Status: status})
}

// GET /api/stats returns a point-in-time queue snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendJSON(w, http.StatusOK, StatsResponse{
		Stats:     s.engine.Stats(),
		Timestamp: time.Now().UTC(),
	})
}

// GET /api/events returns the newest lifecycle events from the archive.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.eventLog == nil {
		s.sendError(w, "Event log is not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			s.sendError(w, "Invalid limit: must be between 1 and 500", http.StatusBadRequest)
			return
		}
	}

	events, err := s.eventLog.RecentEvents(r.Context(), limit)
	if err != nil {
		s.sendError(w, "Failed to read event log", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	s.sendJSON(w, http.StatusOK, EventsResponse{Events: events})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	archiveStatus := "healthy"
	if s.eventLog == nil {
		archiveStatus = "disabled"
	} else if err := s.eventLog.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		archiveStatus = fmt.Sprintf("error: %v", err)
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	s.sendJSON(w, code, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Archive:   archiveStatus,
		Active:    s.engine.ActiveCount(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, payload any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
