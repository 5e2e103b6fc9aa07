// Package coordinator turns a failed task back into a runnable one without
// repeating its side effects. On retry it reads the idempotency log, builds a
// do-not-repeat addendum from the steps that already completed, and requeues
// the task with that context appended to its instruction.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

var (
	// ErrNotFound means the task id does not exist.
	ErrNotFound = errors.New("task not found")
	// ErrNotFailed means the task is not in a retryable state.
	ErrNotFailed = errors.New("task is not FAILED")
)

type Coordinator struct {
	store  *persistence.Store
	logger *slog.Logger
}

func New(store *persistence.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, logger: logger}
}

// Retry requeues a FAILED task with completed-step context injected into its
// instruction and returns how many completed steps were carried over. History
// is re-read on every call, so calling it after each new failure picks up
// whatever additional progress the next attempt made.
func (c *Coordinator) Retry(ctx context.Context, taskID string) (int, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		return 0, fmt.Errorf("load task: %w", err)
	}
	if task.Status != persistence.TaskStatusFailed {
		return 0, fmt.Errorf("%w: %s is %s", ErrNotFailed, taskID, task.Status)
	}

	steps, err := c.store.CompletedSteps(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("load completed steps: %w", err)
	}

	payload := task.Payload
	if len(steps) > 0 {
		payload, err = injectAddendum(task.Payload, steps)
		if err != nil {
			return 0, fmt.Errorf("inject retry context: %w", err)
		}
	}

	if err := c.store.PatchPayloadAndRequeue(ctx, taskID, payload); err != nil {
		if errors.Is(err, persistence.ErrTaskNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, taskID)
		}
		if errors.Is(err, persistence.ErrTaskNotFailed) {
			return 0, fmt.Errorf("%w: %s", ErrNotFailed, taskID)
		}
		return 0, fmt.Errorf("requeue task: %w", err)
	}

	c.logger.Info("task requeued for retry",
		"task_id", taskID,
		"completed_steps", len(steps),
		"attempt", task.Attempt)
	return len(steps), nil
}

// injectAddendum appends the do-not-repeat block to the payload's
// instruction field, leaving every other field untouched.
func injectAddendum(payload string, steps []persistence.CompletedStep) (string, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}
	instruction, _ := doc["instruction"].(string)
	doc["instruction"] = instruction + buildAddendum(steps)

	out, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(out), nil
}

func buildAddendum(steps []persistence.CompletedStep) string {
	var sb strings.Builder
	sb.WriteString("\n\nIMPORTANT: The following steps already completed in a previous attempt.\n")
	sb.WriteString("Do NOT repeat them; continue from where the last attempt stopped.\n")
	for i, step := range steps {
		sb.WriteString(fmt.Sprintf("%d. %s — %s (completed %s)\n",
			i+1, step.ToolName, step.Summary, step.CompletedAt.UTC().Format(time.RFC3339)))
	}
	return sb.String()
}
