package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"priorityq/internal/queue"
	"priorityq/internal/ratelimit"
	"priorityq/internal/websocket"
)

// DefaultGroup is the rate-limit bucket for items pushed without a group.
const DefaultGroup = "default"

// PushRequest is the body of POST /api/items
type PushRequest struct {
	Payload  string `json:"payload"`
	Priority int    `json:"priority"`
	Group    string `json:"group,omitempty"`
}

// ClaimRequest is the optional body of POST /api/claims
type ClaimRequest struct {
	ExcludeGroups []string `json:"exclude_groups,omitempty"`
}

// TokenRequest is the body of the ack and retry endpoints
type TokenRequest struct {
	ClaimToken string `json:"claim_token"`
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	ctrl        *queue.Controller
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	metrics     http.Handler
	logger      *zap.Logger
	upgrader    ws.Upgrader
}

// NewServer creates a new API server. wsManager, metrics and limiter may be nil.
func NewServer(ctrl *queue.Controller, limiter *ratelimit.RateLimiter, wsManager *websocket.Manager, metrics http.Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		ctrl:        ctrl,
		rateLimiter: limiter,
		wsManager:   wsManager,
		metrics:     metrics,
		logger:      logger,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) broadcast() {
	if s.wsManager != nil {
		s.wsManager.Broadcast()
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// PushItem handles item submission
func (s *Server) PushItem(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	bucket := req.Group
	if bucket == "" {
		bucket = DefaultGroup
	}
	if s.rateLimiter.Limit(w, r, bucket) {
		s.logger.Warn("group exceeded push rate", zap.String("group", bucket))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var opts []queue.PushOption
	if req.Group != "" {
		opts = append(opts, queue.WithGroup(req.Group))
	}
	if err := s.ctrl.Push(r.Context(), req.Payload, req.Priority, opts...); err != nil {
		s.logger.Error("failed to push item", zap.Error(err))
		http.Error(w, "Failed to push item", http.StatusInternalServerError)
		return
	}

	s.logger.Debug("item pushed", zap.Int("priority", req.Priority), zap.String("group", req.Group))
	s.broadcast()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// ClaimItem claims the next available item. 204 means nothing is available.
func (s *Server) ClaimItem(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h, err := s.ctrl.Claim(r.Context(), queue.ClaimOptions{ExcludeGroups: req.ExcludeGroups})
	if errors.Is(err, queue.ErrEmpty) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		s.logger.Error("failed to claim item", zap.Error(err))
		http.Error(w, "Failed to claim item", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	writeJSON(w, http.StatusOK, h.Item())
}

func (s *Server) finish(w http.ResponseWriter, r *http.Request, action string, fn func(id, token string) error) {
	id := chi.URLParam(r, "id")
	var req TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if id == "" || req.ClaimToken == "" {
		http.Error(w, "item id and claim_token are required", http.StatusBadRequest)
		return
	}

	if err := fn(id, req.ClaimToken); err != nil {
		s.logger.Error("failed to "+action+" item", zap.String("id", id), zap.Error(err))
		http.Error(w, "Failed to "+action+" item", http.StatusInternalServerError)
		return
	}

	s.broadcast()
	w.WriteHeader(http.StatusNoContent)
}

// AckItem marks a claimed item finished
func (s *Server) AckItem(w http.ResponseWriter, r *http.Request) {
	s.finish(w, r, "acknowledge", func(id, token string) error {
		return s.ctrl.Acknowledge(r.Context(), id, token)
	})
}

// RetryItem returns a claimed item to the queue
func (s *Server) RetryItem(w http.ResponseWriter, r *http.Request) {
	s.finish(w, r, "retry", func(id, token string) error {
		return s.ctrl.Retry(r.Context(), id, token)
	})
}

// GetStats returns item counts by state
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get stats", zap.Error(err))
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Health reports whether the queue is provisioned and its store reachable
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.Ready() {
		http.Error(w, "Queue not initialized", http.StatusServiceUnavailable)
		return
	}
	if err := s.ctrl.Ping(r.Context()); err != nil {
		s.logger.Error("store health check failed", zap.Error(err))
		http.Error(w, "Store unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		http.NotFound(w, r)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	s.wsManager.AddClient(conn)
}
