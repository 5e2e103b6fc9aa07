package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// IdempotencyStatus tracks whether an external side effect was only attempted
// or known to have completed.
type IdempotencyStatus string

const (
	// IdempotencyStarted means the call was attempted but its outcome is
	// unknown (a crashed attempt). Safe to retry: the same key is propagated
	// downstream as the external system's idempotency key.
	IdempotencyStarted IdempotencyStatus = "STARTED"
	// IdempotencyCompleted means the call succeeded and its response is
	// cached. Safe to replay the cached response instead of re-issuing.
	IdempotencyCompleted IdempotencyStatus = "COMPLETED"
)

// ErrIdempotencyConflict signals that an existing record for a key carries a
// different tool name. Deterministic hashing makes this structurally
// impossible, so an occurrence is a corruption signal that must be surfaced,
// never merged.
var ErrIdempotencyConflict = errors.New("idempotency key conflict")

// IdempotencyRecord is a row in the idempotency_log table.
type IdempotencyRecord struct {
	Key          string            `json:"key"`
	TaskID       string            `json:"task_id"`
	ToolName     string            `json:"tool_name"`
	Status       IdempotencyStatus `json:"status"`
	ResponseBody string            `json:"response_body,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// CompletedStep is one finished external call, used to build the
// do-not-repeat context on retry.
type CompletedStep struct {
	Key         string    `json:"key"`
	ToolName    string    `json:"tool_name"`
	Summary     string    `json:"summary"`
	CompletedAt time.Time `json:"completed_at"`
}

// canonicalJSON renders v with all object keys sorted, recursively, so that
// semantically identical documents always serialize to the same bytes. The
// round-trip through an untyped value is what normalizes key order:
// encoding/json emits map keys sorted.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	var norm any
	if err := json.Unmarshal(raw, &norm); err != nil {
		return nil, fmt.Errorf("canonical normalize: %w", err)
	}
	out, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("canonical remarshal: %w", err)
	}
	return out, nil
}

// MakeIdempotencyKey derives the deterministic key for one external call:
// {task_id}::{tool}::{sha256(canonical args)[:12]}. Argument order never
// changes the key; argument content always does.
func MakeIdempotencyKey(taskID, toolName string, args any) (string, error) {
	canon, err := canonicalJSON(args)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return fmt.Sprintf("%s::%s::%s", taskID, toolName, hex.EncodeToString(sum[:])[:12]), nil
}

// CheckIdempotency returns the cached response for a COMPLETED key. A missing
// key and a STARTED key both return ok=false: in either case the caller's
// contract is "safe to (re)attempt the external call now".
func (s *Store) CheckIdempotency(ctx context.Context, key string) (response string, ok bool, err error) {
	var status IdempotencyStatus
	var body sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT status, response_body
		FROM idempotency_log
		WHERE key = ?;
	`, key)
	if err := row.Scan(&status, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("check idempotency: %w", err)
	}
	if status != IdempotencyCompleted {
		return "", false, nil
	}
	return body.String, true, nil
}

// MarkStarted records that an external call is about to be attempted.
// Insert-if-absent: concurrent or repeated calls for the same key are no-ops
// (first-writer-wins). A key already held by a different tool is reported as
// ErrIdempotencyConflict.
func (s *Store) MarkStarted(ctx context.Context, key, taskID, toolName string) error {
	return retryOnBusy(ctx, 5, func() error {
		var existingTool string
		err := s.db.QueryRowContext(ctx, `
			SELECT tool_name FROM idempotency_log WHERE key = ?;
		`, key).Scan(&existingTool)
		switch {
		case err == nil:
			if existingTool != toolName {
				return fmt.Errorf("%w: key %q held by tool %q, requested by %q", ErrIdempotencyConflict, key, existingTool, toolName)
			}
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// continue and insert
		default:
			return fmt.Errorf("select idempotency record: %w", err)
		}

		if _, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO idempotency_log (key, task_id, tool_name, status, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, key, taskID, toolName, IdempotencyStarted); err != nil {
			return fmt.Errorf("mark started: %w", err)
		}
		return nil
	})
}

// MarkCompleted upgrades a record to COMPLETED with the cached response.
// Re-completing an already-COMPLETED key overwrites the response
// (last-writer-wins; only one attempt reaches this point in correct operation).
func (s *Store) MarkCompleted(ctx context.Context, key, responseBody string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE idempotency_log
			SET status = ?, response_body = ?, completed_at = CURRENT_TIMESTAMP
			WHERE key = ?;
		`, IdempotencyCompleted, responseBody, key)
		if err != nil {
			return fmt.Errorf("mark completed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("mark completed rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("mark completed: no record for key %q", key)
		}
		return nil
	})
}

// CompletedSteps returns all COMPLETED records for a task ordered by
// completion time. The summary comes from the response body's "summary"
// field when present, else "completed".
func (s *Store) CompletedSteps(ctx context.Context, taskID string) ([]CompletedStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, tool_name, COALESCE(response_body, ''), completed_at
		FROM idempotency_log
		WHERE task_id = ? AND status = ?
		ORDER BY completed_at ASC, key ASC;
	`, taskID, IdempotencyCompleted)
	if err != nil {
		return nil, fmt.Errorf("list completed steps: %w", err)
	}
	defer rows.Close()

	var out []CompletedStep
	for rows.Next() {
		var step CompletedStep
		var body string
		if err := rows.Scan(&step.Key, &step.ToolName, &body, &step.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completed step: %w", err)
		}
		step.Summary = responseSummary(body)
		out = append(out, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("completed step rows: %w", err)
	}
	return out, nil
}

// GetIdempotencyRecord returns one record by key, or nil when absent.
func (s *Store) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var body sql.NullString
	var completedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT key, task_id, tool_name, status, response_body, created_at, completed_at
		FROM idempotency_log
		WHERE key = ?;
	`, key)
	if err := row.Scan(&rec.Key, &rec.TaskID, &rec.ToolName, &rec.Status, &body, &rec.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.ResponseBody = body.String
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func responseSummary(body string) string {
	if body == "" {
		return "completed"
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return "completed"
	}
	if summary, ok := doc["summary"].(string); ok && summary != "" {
		return summary
	}
	return "completed"
}
