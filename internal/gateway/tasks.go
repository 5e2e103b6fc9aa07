package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petro1eum/TrustChain-Agent/internal/coordinator"
	"github.com/petro1eum/TrustChain-Agent/internal/engine"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

type createTaskRequest struct {
	Slug    string          `json:"slug"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Slug == "" {
		http.Error(w, "slug is required", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload is required", http.StatusBadRequest)
		return
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(req.Payload)))
	if err != nil {
		http.Error(w, "payload is not valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.taskSchema.Validate(doc); err != nil {
		http.Error(w, "payload rejected: "+err.Error(), http.StatusBadRequest)
		return
	}

	var id string
	if s.cfg.Engine != nil {
		id, err = s.cfg.Engine.Submit(r.Context(), req.Slug, string(req.Payload))
	} else {
		id, err = s.cfg.Store.Enqueue(r.Context(), req.Slug, string(req.Payload))
	}
	if err != nil {
		if errors.Is(err, engine.ErrQueueSaturated) {
			http.Error(w, err.Error(), http.StatusTooManyRequests)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id": id,
		"status":  string(persistence.TaskStatusPending),
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	statusFilter := r.URL.Query().Get("status")
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	tasks, total, err := s.cfg.Store.ListTasksPaginated(r.Context(), statusFilter, limit, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	if rest == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}

	if taskID, ok := strings.CutSuffix(rest, "/retry"); ok {
		s.handleRetryTask(w, r, taskID)
		return
	}
	if strings.Contains(rest, "/") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		task, err := s.cfg.Store.GetTask(r.Context(), rest)
		if err != nil {
			if errors.Is(err, persistence.ErrTaskNotFound) {
				http.Error(w, "task not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, task)
	case http.MethodDelete:
		ok, err := s.cfg.Store.DeleteTask(r.Context(), rest)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "task not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"deleted": rest})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request, taskID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if taskID == "" {
		http.Error(w, "task_id required", http.StatusBadRequest)
		return
	}
	if s.cfg.Coordinator == nil {
		http.Error(w, "retry not available", http.StatusServiceUnavailable)
		return
	}
	steps, err := s.cfg.Coordinator.Retry(r.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, coordinator.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, coordinator.ErrNotFailed):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id":         taskID,
		"status":          string(persistence.TaskStatusPending),
		"completed_steps": steps,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	stats, err := s.cfg.Store.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
