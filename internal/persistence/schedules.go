package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a cron-triggered task template.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Slug      string     `json:"slug"`
	CronExpr  string     `json:"cron_expr"`
	Payload   string     `json:"payload"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// CreateSchedule inserts a schedule with its first computed run time.
func (s *Store) CreateSchedule(ctx context.Context, name, slug, cronExpr, payload string, nextRun time.Time) (string, error) {
	id := uuid.NewString()
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, name, slug, cron_expr, payload, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, id, name, slug, cronExpr, payload, nextRun.UTC())
	if err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	return id, nil
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, cron_expr, payload, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, slug, cron_expr, payload, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sched   Schedule
			enabled int
			nextRun sql.NullTime
			lastRun sql.NullTime
		)
		if err := rows.Scan(&sched.ID, &sched.Name, &sched.Slug, &sched.CronExpr, &sched.Payload, &enabled, &nextRun, &lastRun, &sched.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sched.Enabled = enabled == 1
		if nextRun.Valid {
			t := nextRun.Time
			sched.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sched.LastRunAt = &t
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// UpdateScheduleRun advances a schedule after it fires.
func (s *Store) UpdateScheduleRun(ctx context.Context, scheduleID string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, lastRun.UTC(), nextRun.UTC(), scheduleID)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update schedule rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule without losing its cron state.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	flag := 0
	if enabled {
		flag = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules
		SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, flag, scheduleID)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enabled rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("schedule %q not found", scheduleID)
	}
	return nil
}

// DeleteSchedule removes a schedule. Returns false when no row matched.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, scheduleID)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete schedule rows affected: %w", err)
	}
	return n == 1, nil
}

// Trigger is a registered webhook ingress.
type Trigger struct {
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	Secret      string     `json:"-"`
	CooldownSec int        `json:"cooldown_seconds"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// UpsertTrigger registers or updates a webhook trigger.
func (s *Store) UpsertTrigger(ctx context.Context, t Trigger) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO triggers (name, slug, secret, cooldown_seconds, created_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET slug = excluded.slug, secret = excluded.secret, cooldown_seconds = excluded.cooldown_seconds;
	`, t.Name, t.Slug, t.Secret, t.CooldownSec)
	if err != nil {
		return fmt.Errorf("upsert trigger: %w", err)
	}
	return nil
}

// GetTrigger returns a trigger by name, or nil when absent.
func (s *Store) GetTrigger(ctx context.Context, name string) (*Trigger, error) {
	var t Trigger
	var lastFired sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT name, slug, secret, cooldown_seconds, last_fired_at, created_at
		FROM triggers
		WHERE name = ?;
	`, name)
	if err := row.Scan(&t.Name, &t.Slug, &t.Secret, &t.CooldownSec, &lastFired, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	if lastFired.Valid {
		ts := lastFired.Time
		t.LastFiredAt = &ts
	}
	return &t, nil
}

// MarkTriggerFired records the fire time used by cooldown checks.
func (s *Store) MarkTriggerFired(ctx context.Context, name string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE triggers SET last_fired_at = ? WHERE name = ?;
	`, at.UTC(), name)
	if err != nil {
		return fmt.Errorf("mark trigger fired: %w", err)
	}
	return nil
}

// ListTriggers returns all registered triggers ordered by name.
func (s *Store) ListTriggers(ctx context.Context) ([]Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, slug, secret, cooldown_seconds, last_fired_at, created_at
		FROM triggers
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var t Trigger
		var lastFired sql.NullTime
		if err := rows.Scan(&t.Name, &t.Slug, &t.Secret, &t.CooldownSec, &lastFired, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		if lastFired.Valid {
			ts := lastFired.Time
			t.LastFiredAt = &ts
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
