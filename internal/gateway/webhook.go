package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

const maxWebhookBody = 1 << 20

// handleWebhook implements POST /webhook/{trigger}: external systems fire a
// registered trigger to enqueue a task. Authentication is the trigger's
// shared secret (HMAC over the raw body), not the operator bearer token.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "trigger name required", http.StatusBadRequest)
		return
	}

	trigger, err := s.cfg.Store.GetTrigger(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if trigger == nil {
		http.Error(w, "unknown trigger", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if trigger.Secret != "" && !verifySignature(trigger.Secret, body, r.Header.Get("X-Signature-256")) {
		http.Error(w, "signature mismatch", http.StatusUnauthorized)
		return
	}

	if trigger.CooldownSec > 0 && trigger.LastFiredAt != nil {
		elapsed := time.Since(*trigger.LastFiredAt)
		if cooldown := time.Duration(trigger.CooldownSec) * time.Second; elapsed < cooldown {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int((cooldown-elapsed).Seconds())+1))
			http.Error(w, "trigger in cooldown", http.StatusTooManyRequests)
			return
		}
	}

	payload, err := webhookTaskPayload(trigger.Name, body)
	if err != nil {
		http.Error(w, "build payload: "+err.Error(), http.StatusBadRequest)
		return
	}
	taskID, err := s.cfg.Store.Enqueue(r.Context(), trigger.Slug, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.cfg.Store.MarkTriggerFired(r.Context(), trigger.Name, time.Now()); err != nil {
		slog.Warn("mark trigger fired failed", "trigger", trigger.Name, "error", err)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicWebhookReceived, bus.WebhookReceivedEvent{
			Trigger: trigger.Name,
			TaskID:  taskID,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  string(persistence.TaskStatusPending),
	})
}

// verifySignature checks a GitHub-style "sha256=<hex>" HMAC header.
func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// webhookTaskPayload wraps the delivery in a task payload whose instruction
// tells the processor which trigger fired and what it carried.
func webhookTaskPayload(trigger string, body []byte) (string, error) {
	delivery := strings.TrimSpace(string(body))
	if delivery == "" {
		delivery = "{}"
	}
	if !json.Valid([]byte(delivery)) {
		return "", fmt.Errorf("delivery body is not valid JSON")
	}
	payload, err := json.Marshal(map[string]any{
		"instruction": fmt.Sprintf("Webhook trigger %q fired. Handle the delivery payload.", trigger),
		"trigger":     trigger,
		"delivery":    json.RawMessage(delivery),
	})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
