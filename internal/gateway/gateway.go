// Package gateway is the operator-facing HTTP surface: task CRUD, queue
// stats, the audit chain endpoints, live event streams (SSE and WebSocket),
// and webhook trigger ingress.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/config"
	"github.com/petro1eum/TrustChain-Agent/internal/coordinator"
	"github.com/petro1eum/TrustChain-Agent/internal/engine"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
)

// taskPayloadSchema rejects payloads without a non-empty instruction before
// they ever reach the queue.
const taskPayloadSchema = `{
	"type": "object",
	"required": ["instruction"],
	"properties": {
		"instruction": {"type": "string", "minLength": 1}
	}
}`

type Config struct {
	Store       *persistence.Store
	Bus         *bus.Bus
	Chain       *trustchain.Chain
	Coordinator *coordinator.Coordinator
	Engine      *engine.Engine

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string

	// CORS controls cross-origin headers for browser clients.
	CORS config.CORSConfig
}

type Server struct {
	cfg        Config
	taskSchema *jsonschema.Schema
}

func New(cfg Config) (*Server, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(taskPayloadSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal task schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.json", doc); err != nil {
		return nil, fmt.Errorf("add task schema resource: %w", err)
	}
	schema, err := c.Compile("task.json")
	if err != nil {
		return nil, fmt.Errorf("compile task schema: %w", err)
	}
	return &Server{cfg: cfg, taskSchema: schema}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/prometheus", s.handlePrometheusMetrics)
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/chain", s.handleChain)
	mux.HandleFunc("/chain/verify", s.handleChainVerify)
	mux.HandleFunc("/chain/stats", s.handleChainStats)
	mux.HandleFunc("/chain/keys", s.handleChainKeys)
	mux.HandleFunc("/chain/keys/rotate", s.handleChainRotate)
	mux.HandleFunc("/chain/export", s.handleChainExport)
	mux.HandleFunc("/webhook/", s.handleWebhook)

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(0)(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	return h
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.Stats(ctx); err != nil {
		dbOK = false
	}
	chainLength := 0
	if s.cfg.Chain != nil {
		chainLength = s.cfg.Chain.Length()
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"chain_length":       chainLength,
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	stats, _ := s.cfg.Store.Stats(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"pending_tasks": stats.Pending,
		"running_tasks": stats.Running,
		"success_tasks": stats.Success,
		"failed_tasks":  stats.Failed,
		"total_tasks":   stats.Total,
		"alloc_bytes":   mem.Alloc,
	}
	if s.cfg.Engine != nil {
		st := s.cfg.Engine.Status()
		payload["active_tasks"] = st.ActiveTasks
		payload["worker_count"] = st.WorkerCount
	}
	if s.cfg.Chain != nil {
		payload["chain_length"] = s.cfg.Chain.Length()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handlePrometheusMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	stats, _ := s.cfg.Store.Stats(ctx)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	fmt.Fprintf(w, "# HELP trustchain_pending_tasks Number of pending tasks in queue.\n")
	fmt.Fprintf(w, "# TYPE trustchain_pending_tasks gauge\n")
	fmt.Fprintf(w, "trustchain_pending_tasks %d\n", stats.Pending)
	fmt.Fprintf(w, "# HELP trustchain_running_tasks Number of currently running tasks.\n")
	fmt.Fprintf(w, "# TYPE trustchain_running_tasks gauge\n")
	fmt.Fprintf(w, "trustchain_running_tasks %d\n", stats.Running)
	fmt.Fprintf(w, "# HELP trustchain_success_tasks_total Total tasks that reached SUCCESS.\n")
	fmt.Fprintf(w, "# TYPE trustchain_success_tasks_total counter\n")
	fmt.Fprintf(w, "trustchain_success_tasks_total %d\n", stats.Success)
	fmt.Fprintf(w, "# HELP trustchain_failed_tasks_total Total tasks that reached FAILED.\n")
	fmt.Fprintf(w, "# TYPE trustchain_failed_tasks_total counter\n")
	fmt.Fprintf(w, "trustchain_failed_tasks_total %d\n", stats.Failed)
	if s.cfg.Engine != nil {
		st := s.cfg.Engine.Status()
		fmt.Fprintf(w, "# HELP trustchain_active_tasks Tasks currently being processed.\n")
		fmt.Fprintf(w, "# TYPE trustchain_active_tasks gauge\n")
		fmt.Fprintf(w, "trustchain_active_tasks %d\n", st.ActiveTasks)
		fmt.Fprintf(w, "# HELP trustchain_worker_count Configured worker pool size.\n")
		fmt.Fprintf(w, "# TYPE trustchain_worker_count gauge\n")
		fmt.Fprintf(w, "trustchain_worker_count %d\n", st.WorkerCount)
	}
	if s.cfg.Chain != nil {
		fmt.Fprintf(w, "# HELP trustchain_chain_length Signed operations in the audit chain.\n")
		fmt.Fprintf(w, "# TYPE trustchain_chain_length counter\n")
		fmt.Fprintf(w, "trustchain_chain_length %d\n", s.cfg.Chain.Length())
	}
	fmt.Fprintf(w, "# HELP trustchain_alloc_bytes Current allocated memory in bytes.\n")
	fmt.Fprintf(w, "# TYPE trustchain_alloc_bytes gauge\n")
	fmt.Fprintf(w, "trustchain_alloc_bytes %d\n", mem.Alloc)
}
