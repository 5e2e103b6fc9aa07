package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
)

var (
	// ErrTaskNotFound is returned when an operation references a missing task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotFailed is returned when a requeue is attempted on a task that
	// is not in FAILED state.
	ErrTaskNotFailed = errors.New("task is not in FAILED state")
)

// newTaskID mints a task id from the logical slug plus a random suffix, so
// ids stay greppable in logs while remaining globally unique.
func newTaskID(slug string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s", slug, suffix)
}

// Enqueue inserts a PENDING task and returns the minted id.
func (s *Store) Enqueue(ctx context.Context, slug, payload string) (string, error) {
	if strings.TrimSpace(slug) == "" {
		return "", fmt.Errorf("task slug required")
	}
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	taskID := newTaskID(slug)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, slug, status, attempt, payload, created_at, updated_at)
			VALUES (?, ?, ?, 0, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, taskID, slug, TaskStatusPending, payload); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, "", TaskStatusPending, "task.enqueued", `{"reason":"enqueue"}`); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publishStateChange(bus.TopicTaskEnqueued, taskID, slug, "", TaskStatusPending, "")
	return taskID, nil
}

// ClaimNextPending atomically takes ownership of the oldest PENDING task and
// transitions it to RUNNING with a fresh lease. The select and the update
// share one serialized transaction on a single-connection pool, so under
// concurrent callers exactly one receives a given task; everyone else sees
// nil. Returns (nil, nil) when no task is claimable.
func (s *Store) ClaimNextPending(ctx context.Context) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT `+taskColumns+`
			FROM tasks
			WHERE status = ?
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`, TaskStatusPending)
		if scanErr := scanTask(row.Scan, &task); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				_ = tx.Rollback()
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", scanErr)
		}

		ok, err := s.transitionTaskTx(ctx, tx, task.ID,
			[]TaskStatus{TaskStatusPending}, TaskStatusRunning,
			"task.claimed", `{"reason":"claim_next_pending"}`, nil, nil)
		if err != nil {
			return fmt.Errorf("claim task transition: %w", err)
		}
		if !ok {
			// Lost the race to another claimer; behave as if the task was
			// never observed.
			_ = tx.Rollback()
			result = nil
			return nil
		}
		leaseOwner := uuid.NewString()
		leaseExpiresAt := time.Now().UTC().Add(defaultLeaseDuration)
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?, attempt = attempt + 1, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, leaseOwner, leaseExpiresAt, task.ID, TaskStatusRunning); err != nil {
			return fmt.Errorf("set claim lease: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		task.Status = TaskStatusRunning
		task.Attempt++
		task.LeaseOwner = leaseOwner
		task.LeaseExpiresAt = &leaseExpiresAt
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.publishStateChange(bus.TopicTaskRunning, result.ID, result.Slug, TaskStatusPending, TaskStatusRunning, "")
	}
	return result, err
}

// HeartbeatLease extends the lease of a RUNNING task held by leaseOwner.
// Returns false when the lease is no longer held (task finished or reclaimed).
func (s *Store) HeartbeatLease(ctx context.Context, taskID, leaseOwner string) (bool, error) {
	if leaseOwner == "" {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET lease_expires_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND lease_owner = ? AND status = ?;
	`, time.Now().UTC().Add(defaultLeaseDuration), taskID, leaseOwner, TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("heartbeat lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}
	return n == 1, nil
}

// RequeueExpiredLeases moves RUNNING tasks whose lease has lapsed back to
// PENDING so another worker can pick them up. This is the reaper for tasks
// orphaned by a crashed or hung worker.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin requeue expired leases tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM tasks
		WHERE status = ?
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at <= CURRENT_TIMESTAMP;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan expired lease task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate expired lease tasks: %w", err)
	}

	var reclaimed int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(
			ctx,
			tx,
			id,
			[]TaskStatus{TaskStatusRunning},
			TaskStatusPending,
			"task.lease_expired_requeued",
			`{"reason":"lease_expired"}`,
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("requeue expired transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, id, TaskStatusPending); err != nil {
			return 0, fmt.Errorf("clear lease after requeue: %w", err)
		}
		reclaimed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit requeue expired leases tx: %w", err)
	}
	return reclaimed, nil
}

// RecoverRunningTasks requeues every RUNNING task regardless of lease age.
// Called once on startup: a task that was RUNNING before the process started
// belongs to a worker that no longer exists.
func (s *Store) RecoverRunningTasks(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recover tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id
		FROM tasks
		WHERE status = ?;
	`, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query recoverable tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return 0, fmt.Errorf("scan recoverable task: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate recoverable tasks: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(
			ctx,
			tx,
			id,
			[]TaskStatus{TaskStatusRunning},
			TaskStatusPending,
			"task.recovered",
			`{"reason":"startup_recovery"}`,
			nil,
			nil,
		)
		if err != nil {
			return 0, fmt.Errorf("recover task transition: %w", err)
		}
		if ok {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ? AND status = ?;
			`, id, TaskStatusPending); err != nil {
				return 0, fmt.Errorf("clear lease on recovery requeue: %w", err)
			}
			recovered++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recover tx: %w", err)
	}
	return recovered, nil
}

// CompleteTask writes the SUCCESS terminal state. Calling it again for an
// already-successful task overwrites the stored result and bumps updated_at.
func (s *Store) CompleteTask(ctx context.Context, taskID, result string) error {
	var slug string
	var prior TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.QueryRowContext(ctx, `SELECT status, slug FROM tasks WHERE id = ?;`, taskID).Scan(&prior, &slug); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for complete: %w", err)
		}
		ok, err := s.transitionTaskTx(
			ctx,
			tx,
			taskID,
			[]TaskStatus{TaskStatusRunning, TaskStatusSuccess},
			TaskStatusSuccess,
			"task.succeeded",
			`{"reason":"callback_success"}`,
			&result,
			nil,
		)
		if err != nil {
			return fmt.Errorf("complete task transition: %w", err)
		}
		if !ok {
			return ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, error = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusSuccess); err != nil {
			return fmt.Errorf("clear lease on complete: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(bus.TopicTaskSuccess, taskID, slug, prior, TaskStatusSuccess, "")
	return nil
}

// FailTask writes the FAILED terminal state with the full failure detail.
// The task stays FAILED (dead-letter) until an operator issues a retry.
func (s *Store) FailTask(ctx context.Context, taskID, errMsg string) error {
	var slug string
	var prior TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.QueryRowContext(ctx, `SELECT status, slug FROM tasks WHERE id = ?;`, taskID).Scan(&prior, &slug); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for fail: %w", err)
		}
		ok, err := s.transitionTaskTx(
			ctx,
			tx,
			taskID,
			[]TaskStatus{TaskStatusRunning, TaskStatusFailed},
			TaskStatusFailed,
			"task.failed",
			`{"reason":"callback_error"}`,
			nil,
			&errMsg,
		)
		if err != nil {
			return fmt.Errorf("fail task transition: %w", err)
		}
		if !ok {
			return ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, TaskStatusFailed); err != nil {
			return fmt.Errorf("clear lease on fail: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(bus.TopicTaskFailed, taskID, slug, prior, TaskStatusFailed, errMsg)
	return nil
}

// PatchPayloadAndRequeue replaces the payload of a FAILED task, clears its
// error and moves it back to PENDING. Only the retry path calls this.
func (s *Store) PatchPayloadAndRequeue(ctx context.Context, taskID, newPayload string) error {
	var slug string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status, slug FROM tasks WHERE id = ?;`, taskID).Scan(&current, &slug); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for requeue: %w", err)
		}
		if current != TaskStatusFailed {
			return fmt.Errorf("%w: status is %s", ErrTaskNotFailed, current)
		}

		ok, err := s.transitionTaskTx(
			ctx,
			tx,
			taskID,
			[]TaskStatus{TaskStatusFailed},
			TaskStatusPending,
			"task.requeued",
			`{"reason":"operator_retry"}`,
			nil,
			nil,
		)
		if err != nil {
			return fmt.Errorf("requeue transition: %w", err)
		}
		if !ok {
			return ErrTaskNotFound
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET payload = ?, error = NULL, lease_owner = NULL, lease_expires_at = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, newPayload, taskID, TaskStatusPending); err != nil {
			return fmt.Errorf("patch payload on requeue: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(bus.TopicTaskRetrying, taskID, slug, TaskStatusFailed, TaskStatusPending, "")
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan, &task)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// DeleteTask hard-deletes a task in any status. Returns false when no row matched.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	var slug string
	if err := s.db.QueryRowContext(ctx, `SELECT slug FROM tasks WHERE id = ?;`, taskID).Scan(&slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for delete: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete rows affected: %w", err)
	}
	if n == 1 && s.bus != nil {
		s.bus.Publish(bus.TopicTaskDeleted, bus.TaskStateChangedEvent{TaskID: taskID, Slug: slug})
	}
	return n == 1, nil
}

// TaskStats aggregates per-status counts for dashboards and backpressure.
type TaskStats struct {
	Pending int `json:"PENDING"`
	Running int `json:"RUNNING"`
	Success int `json:"SUCCESS"`
	Failed  int `json:"FAILED"`
	Total   int `json:"total"`
}

func (s *Store) Stats(ctx context.Context) (TaskStats, error) {
	var st TaskStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'PENDING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'RUNNING' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END), 0),
			COUNT(1)
		FROM tasks;
	`)
	if err := row.Scan(&st.Pending, &st.Running, &st.Success, &st.Failed, &st.Total); err != nil {
		return st, fmt.Errorf("task stats: %w", err)
	}
	return st, nil
}

func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, TaskStatusPending).Scan(&pending); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return pending, nil
}

// ListTasksPaginated returns tasks with optional status filter, newest first.
func (s *Store) ListTasksPaginated(ctx context.Context, statusFilter string, limit, offset int) ([]Task, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var totalCount int
	var countErr error
	if statusFilter != "" {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE status = ?;`, statusFilter).Scan(&totalCount)
	} else {
		countErr = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks;`).Scan(&totalCount)
	}
	if countErr != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", countErr)
	}

	var query string
	var args []any
	if statusFilter != "" {
		query = `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`
		args = []any{statusFilter, limit, offset}
	} else {
		query = `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?;`
		args = []any{limit, offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks paginated: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, totalCount, rows.Err()
}

// ListTaskEvents returns the journal for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var (
			event     TaskEvent
			stateFrom sql.NullString
		)
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
