package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

// HTTPProcessor hands tasks to an external runner over HTTP. The task
// payload is POSTed as-is; the task id doubles as the downstream
// idempotency key so a retried delivery is safe.
type HTTPProcessor struct {
	URL    string
	Client *http.Client
}

func NewHTTPProcessor(url string) *HTTPProcessor {
	return &HTTPProcessor{
		URL:    url,
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, task persistence.Task) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader([]byte(task.Payload)))
	if err != nil {
		return Result{}, fmt.Errorf("build runner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", task.ID)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("call runner: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read runner response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Status: persistence.TaskStatusFailed,
			Output: fmt.Sprintf("runner returned %d: %s", resp.StatusCode, body),
		}, nil
	}
	return Result{Status: persistence.TaskStatusSuccess, Output: string(body)}, nil
}
