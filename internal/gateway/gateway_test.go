package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/coordinator"
	"github.com/petro1eum/TrustChain-Agent/internal/gateway"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
	"github.com/petro1eum/TrustChain-Agent/internal/trustchain"
)

const gatewayTestAuthToken = "test-token-1234"

func openStoreForGatewayTest(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustchain.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// apiTestServer sets up a gateway test server and returns the
// httptest.Server plus the store.
func apiTestServer(t *testing.T, opts ...func(*gateway.Config)) (*httptest.Server, *persistence.Store) {
	t.Helper()
	eventBus := bus.New()
	store := openStoreForGatewayTest(t, eventBus)

	chain, err := trustchain.New(context.Background(), trustchain.Config{Store: store, Bus: eventBus})
	if err != nil {
		t.Fatalf("new chain: %v", err)
	}
	t.Cleanup(func() { _ = chain.Close() })

	cfg := gateway.Config{
		Store:             store,
		Bus:               eventBus,
		Chain:             chain,
		Coordinator:       coordinator.New(store, nil),
		AuthToken:         gatewayTestAuthToken,
		ConfigFingerprint: "test-fingerprint-abc123",
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv, err := gateway.New(cfg)
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return ts, store
}

func apiDo(t *testing.T, ts *httptest.Server, method, path string, body []byte, authenticated bool) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode JSON response: %v\nbody: %s", err, string(body))
	}
	return result
}

func TestAPI_RejectsMissingAndWrongToken(t *testing.T) {
	ts, _ := apiTestServer(t)

	for _, path := range []string{"/tasks", "/stats", "/chain", "/chain/verify", "/metrics"} {
		resp := apiDo(t, ts, http.MethodGet, path, nil, false)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status %d, want 401", path, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong token: status %d, want 401", resp.StatusCode)
	}
}

func TestAPI_EmptyTokenDeniesEverything(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) {
		cfg.AuthToken = ""
	})

	resp := apiDo(t, ts, http.MethodGet, "/tasks", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("empty configured token must deny all requests, got %d", resp.StatusCode)
	}
}

func TestAPI_CreateTask(t *testing.T) {
	ts, store := apiTestServer(t)

	body := []byte(`{"slug":"deploy","payload":{"instruction":"ship it"}}`)
	resp := apiDo(t, ts, http.MethodPost, "/tasks", body, true)
	if resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("create: status %d, body %s", resp.StatusCode, raw)
	}
	result := decodeJSON(t, resp)
	taskID, _ := result["task_id"].(string)
	if taskID == "" {
		t.Fatalf("no task_id in response: %#v", result)
	}
	if result["status"] != "PENDING" {
		t.Fatalf("status = %#v, want PENDING", result["status"])
	}

	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Slug != "deploy" {
		t.Fatalf("slug = %q, want deploy", task.Slug)
	}
}

func TestAPI_CreateTaskValidatesPayload(t *testing.T) {
	ts, _ := apiTestServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"missing instruction", `{"slug":"x","payload":{"note":"hi"}}`},
		{"empty instruction", `{"slug":"x","payload":{"instruction":""}}`},
		{"non-string instruction", `{"slug":"x","payload":{"instruction":42}}`},
		{"missing slug", `{"payload":{"instruction":"hi"}}`},
		{"payload not an object", `{"slug":"x","payload":"hi"}`},
	}
	for _, tc := range cases {
		resp := apiDo(t, ts, http.MethodPost, "/tasks", []byte(tc.body), true)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status %d, want 400", tc.name, resp.StatusCode)
		}
	}
}

func TestAPI_ListTasksFiltersByStatus(t *testing.T) {
	ts, store := apiTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := store.Enqueue(ctx, "bulk", `{"instruction":"x"}`); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	claimed, err := store.ClaimNextPending(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailTask(ctx, claimed.ID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp := apiDo(t, ts, http.MethodGet, "/tasks?status=FAILED", nil, true)
	result := decodeJSON(t, resp)
	if result["total"].(float64) != 1 {
		t.Fatalf("total = %v, want 1", result["total"])
	}
	tasks := result["tasks"].([]interface{})
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}

	resp = apiDo(t, ts, http.MethodGet, "/tasks?limit=2", nil, true)
	result = decodeJSON(t, resp)
	if result["total"].(float64) != 3 {
		t.Fatalf("unfiltered total = %v, want 3", result["total"])
	}
	if len(result["tasks"].([]interface{})) != 2 {
		t.Fatalf("limit ignored: got %d tasks", len(result["tasks"].([]interface{})))
	}
}

func TestAPI_GetAndDeleteTask(t *testing.T) {
	ts, store := apiTestServer(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "doomed", `{"instruction":"x"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := apiDo(t, ts, http.MethodGet, "/tasks/"+id, nil, true)
	result := decodeJSON(t, resp)
	if result["id"] != id {
		t.Fatalf("get returned %#v", result["id"])
	}

	resp = apiDo(t, ts, http.MethodDelete, "/tasks/"+id, nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}

	resp = apiDo(t, ts, http.MethodGet, "/tasks/"+id, nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: status %d, want 404", resp.StatusCode)
	}

	resp = apiDo(t, ts, http.MethodDelete, "/tasks/"+id, nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: status %d, want 404", resp.StatusCode)
	}
}

func TestAPI_RetryEndpoint(t *testing.T) {
	ts, store := apiTestServer(t)
	ctx := context.Background()

	id, err := store.Enqueue(ctx, "deploy", `{"instruction":"x"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	// Not FAILED yet: 400.
	resp := apiDo(t, ts, http.MethodPost, "/tasks/"+id+"/retry", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("retry PENDING: status %d, want 400", resp.StatusCode)
	}

	// Unknown id: 404.
	resp = apiDo(t, ts, http.MethodPost, "/tasks/none_00000000/retry", nil, true)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("retry missing: status %d, want 404", resp.StatusCode)
	}

	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailTask(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp = apiDo(t, ts, http.MethodPost, "/tasks/"+id+"/retry", nil, true)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("retry FAILED: status %d, body %s", resp.StatusCode, raw)
	}
	result := decodeJSON(t, resp)
	if result["status"] != "PENDING" {
		t.Fatalf("retry status = %#v, want PENDING", result["status"])
	}
	if result["completed_steps"].(float64) != 0 {
		t.Fatalf("completed_steps = %v, want 0", result["completed_steps"])
	}
}

func TestAPI_StatsEndpoint(t *testing.T) {
	ts, store := apiTestServer(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "a", `{"instruction":"x"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := apiDo(t, ts, http.MethodGet, "/stats", nil, true)
	result := decodeJSON(t, resp)
	if result["PENDING"].(float64) != 1 {
		t.Fatalf("PENDING = %v, want 1", result["PENDING"])
	}
	if result["total"].(float64) != 1 {
		t.Fatalf("total = %v, want 1", result["total"])
	}
}

func TestAPI_ChainEndpoints(t *testing.T) {
	ts, _ := apiTestServer(t)

	// Fresh chain: valid and empty.
	resp := apiDo(t, ts, http.MethodGet, "/chain/verify", nil, true)
	result := decodeJSON(t, resp)
	if result["valid"] != true {
		t.Fatalf("empty chain verify = %#v, want valid", result)
	}
	if result["length"].(float64) != 0 {
		t.Fatalf("length = %v, want 0", result["length"])
	}

	// Key info is exposed without the private half.
	resp = apiDo(t, ts, http.MethodGet, "/chain/keys", nil, true)
	result = decodeJSON(t, resp)
	active := result["active"].(map[string]interface{})
	if active["algorithm"] != "Ed25519" {
		t.Fatalf("algorithm = %#v", active["algorithm"])
	}
	if active["public_key"] == "" {
		t.Fatalf("public key missing")
	}

	// Rotation mints a new key id.
	before := active["key_id"]
	resp = apiDo(t, ts, http.MethodPost, "/chain/keys/rotate", nil, true)
	result = decodeJSON(t, resp)
	if result["key_id"] == before {
		t.Fatalf("rotation kept key id %v", before)
	}
}

func TestAPI_HealthzIsUnauthenticated(t *testing.T) {
	ts, _ := apiTestServer(t)

	resp := apiDo(t, ts, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status %d, want 200", resp.StatusCode)
	}
	result := decodeJSON(t, resp)
	if result["healthy"] != true {
		t.Fatalf("healthy = %#v", result["healthy"])
	}
	if result["config_fingerprint"] != "test-fingerprint-abc123" {
		t.Fatalf("config_fingerprint = %#v", result["config_fingerprint"])
	}
}

func TestAPI_PrometheusMetricsExposition(t *testing.T) {
	ts, store := apiTestServer(t)
	ctx := context.Background()

	if _, err := store.Enqueue(ctx, "a", `{"instruction":"x"}`); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp := apiDo(t, ts, http.MethodGet, "/metrics/prometheus", nil, true)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(raw)
	for _, want := range []string{
		"# TYPE trustchain_pending_tasks gauge",
		"trustchain_pending_tasks 1",
		"# TYPE trustchain_chain_length counter",
	} {
		if !bytes.Contains(raw, []byte(want)) {
			t.Fatalf("exposition missing %q:\n%s", want, text)
		}
	}
}

func TestAPI_StreamDeliversTaskEvents(t *testing.T) {
	ts, store := apiTestServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/stream?topic=task.", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req = req.WithContext(ctx)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	id, err := store.Enqueue(context.Background(), "streamed", `{"instruction":"x"}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	buf := make([]byte, 4096)
	deadline := time.Now().Add(3 * time.Second)
	var received string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received += string(buf[:n])
			if bytes.Contains([]byte(received), []byte(id)) {
				return
			}
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("SSE stream never mentioned task %s; got: %q", id, received)
}
