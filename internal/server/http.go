package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dovewarden/retryq/internal/metrics"
	"github.com/dovewarden/retryq/internal/queue"
)

// maxBodyBytes limits push request bodies.
const maxBodyBytes = 1 << 20

// Server exposes the queues of a Registry over HTTP.
type Server struct {
	addr     string
	registry *Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
	mux      *http.ServeMux
}

// New creates a new HTTP server.
func New(addr string, registry *Registry, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  m,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.handle("POST /queues/{name}/items", s.handlePush)
	s.handle("GET /queues/{name}/count", s.handleCount)
	s.handle("POST /queues/{name}/pop", s.handlePop)
	s.handle("GET /queues/{name}/failures/{id}", s.handleFailures)
	s.handle("GET /queues/{name}/dead-letters", s.handleDeadLetters)
	s.handle("POST /queues/{name}/dead-letters/{id}/revive", s.handleRevive)

	return s
}

// PushRequest is the body of a push.
type PushRequest struct {
	Items []PushItem `json:"items"`
	// Failed keeps the failure counts of the pushed items.
	Failed bool `json:"failed"`
}

// PushItem is one identifier to push. A missing priority means FIFO order.
type PushItem struct {
	ID       string   `json:"id"`
	Priority *float64 `json:"priority,omitempty"`
}

type pushResponse struct {
	Pushed int `json:"pushed"`
}

type countResponse struct {
	Count int64 `json:"count"`
}

// PoppedItem is an item returned by a pop.
type PoppedItem struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

type popResponse struct {
	Items []PoppedItem `json:"items"`
}

type failuresResponse struct {
	ID       string `json:"id"`
	Failures int64  `json:"failures"`
}

type deadLettersResponse struct {
	DeadLetters []queue.DeadLetter `json:"dead_letters"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}

	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("failed to decode request body: %w", err))
		return
	}
	if len(req.Items) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("no items given"))
		return
	}

	items := make([]queue.Item, 0, len(req.Items))
	fifo := q.DefaultPriority()
	for _, it := range req.Items {
		if it.ID == "" {
			s.writeError(w, http.StatusBadRequest, errors.New("item id must not be empty"))
			return
		}
		item := queue.Item{ID: it.ID, Priority: fifo}
		if it.Priority != nil {
			item.Priority = *it.Priority
		}
		items = append(items, item)
	}

	n, err := q.PushMany(r.Context(), items, queue.PushOptions{Failed: req.Failed})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, pushResponse{Pushed: n})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	n, err := q.Count(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, countResponse{Count: n})
}

func (s *Server) handlePop(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}

	n := 1
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("n must be a positive integer, got %q", v))
			return
		}
		n = parsed
	}

	entries, err := q.Pop(r.Context(), n)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := popResponse{Items: make([]PoppedItem, 0, len(entries))}
	for _, e := range entries {
		resp.Items = append(resp.Items, PoppedItem{ID: e.ID, Score: e.Score})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	n, err := q.FailureCount(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, failuresResponse{ID: id, Failures: n})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	dead, err := s.registry.DeadLetters(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := dead.List(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if list == nil {
		list = []queue.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, deadLettersResponse{DeadLetters: list})
}

func (s *Server) handleRevive(w http.ResponseWriter, r *http.Request) {
	q, ok := s.queue(w, r)
	if !ok {
		return
	}
	dead, err := s.registry.DeadLetters(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	dl, err := dead.Revive(r.Context(), q, r.PathValue("id"))
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("dead letter revived", "queue", q.Key(), "item", dl.Item, "failures", dl.Failures)
	s.writeJSON(w, http.StatusOK, dl)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) (*queue.Queue, bool) {
	q, err := s.registry.Queue(r.PathValue("name"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	return q, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", code, "error", err)
	}
	s.writeJSON(w, code, errorResponse{Error: err.Error()})
}

// statusRecorder remembers the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		s.metrics.Request(pattern, rec.code)
	})
}

// Start starts the HTTP server (blocking).
func (s *Server) Start() error {
	return http.ListenAndServe(s.addr, s.mux)
}

// Handler returns the HTTP handler for use with custom servers (e.g., for testing).
func (s *Server) Handler() http.Handler {
	return s.mux
}
