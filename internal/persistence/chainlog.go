package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChainOp is a persisted, append-only audit chain entry. Rows are never
// mutated or deleted; the verification pass only reads.
type ChainOp struct {
	Seq             int64     `json:"-"`
	OpID            string    `json:"id"`
	Tool            string    `json:"tool"`
	Data            string    `json:"data"`
	Timestamp       time.Time `json:"timestamp"`
	LatencyMS       int64     `json:"latency_ms"`
	KeyID           string    `json:"key_id"`
	Algorithm       string    `json:"algorithm"`
	Signature       string    `json:"signature"`
	ParentSignature string    `json:"parent_signature,omitempty"`
}

// ToolCallStats aggregates per-tool metrics over the chain log.
type ToolCallStats struct {
	Tool         string    `json:"tool"`
	Calls        int       `json:"calls"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastCall     time.Time `json:"last_call"`
}

// AppendChainOp persists one signed operation. The caller (the chain engine)
// serializes appends; this insert only needs to be atomic with itself.
func (s *Store) AppendChainOp(ctx context.Context, op ChainOp) error {
	return retryOnBusy(ctx, 5, func() error {
		parent := sql.NullString{}
		if op.ParentSignature != "" {
			parent.Valid = true
			parent.String = op.ParentSignature
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO chain_ops (op_id, tool, data, ts, latency_ms, key_id, algorithm, signature, parent_signature, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, op.OpID, op.Tool, op.Data, op.Timestamp.UTC(), op.LatencyMS, op.KeyID, op.Algorithm, op.Signature, parent)
		if err != nil {
			return fmt.Errorf("append chain op: %w", err)
		}
		return nil
	})
}

// ChainHead returns the signature of the most recent operation and the chain
// length. An empty chain returns ("", 0, nil).
func (s *Store) ChainHead(ctx context.Context) (signature string, length int, err error) {
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chain_ops;`).Scan(&length); err != nil {
		return "", 0, fmt.Errorf("chain length: %w", err)
	}
	if length == 0 {
		return "", 0, nil
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT signature FROM chain_ops ORDER BY seq DESC LIMIT 1;
	`).Scan(&signature); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("chain head: %w", err)
	}
	return signature, length, nil
}

func scanChainOp(scanFn func(dest ...any) error, op *ChainOp) error {
	var parent sql.NullString
	if err := scanFn(
		&op.Seq,
		&op.OpID,
		&op.Tool,
		&op.Data,
		&op.Timestamp,
		&op.LatencyMS,
		&op.KeyID,
		&op.Algorithm,
		&op.Signature,
		&parent,
	); err != nil {
		return err
	}
	if parent.Valid {
		op.ParentSignature = parent.String
	}
	return nil
}

const chainOpColumns = `seq, op_id, tool, data, ts, latency_ms, key_id, algorithm, signature, parent_signature`

// ListChainOps returns a page of the chain in append order plus the total length.
func (s *Store) ListChainOps(ctx context.Context, limit, offset int) ([]ChainOp, int, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM chain_ops;`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count chain ops: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainOpColumns+`
		FROM chain_ops
		ORDER BY seq ASC
		LIMIT ? OFFSET ?;
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list chain ops: %w", err)
	}
	defer rows.Close()

	var out []ChainOp
	for rows.Next() {
		var op ChainOp
		if err := scanChainOp(rows.Scan, &op); err != nil {
			return nil, 0, fmt.Errorf("scan chain op: %w", err)
		}
		out = append(out, op)
	}
	return out, total, rows.Err()
}

// AllChainOps returns the full chain in append order, for verification walks
// and export.
func (s *Store) AllChainOps(ctx context.Context) ([]ChainOp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chainOpColumns+`
		FROM chain_ops
		ORDER BY seq ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("all chain ops: %w", err)
	}
	defer rows.Close()

	var out []ChainOp
	for rows.Next() {
		var op ChainOp
		if err := scanChainOp(rows.Scan, &op); err != nil {
			return nil, fmt.Errorf("scan chain op: %w", err)
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// ChainToolStats aggregates call counts and latency per tool over the chain log.
func (s *Store) ChainToolStats(ctx context.Context) ([]ToolCallStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool, COUNT(1), COALESCE(AVG(latency_ms), 0), MAX(ts)
		FROM chain_ops
		GROUP BY tool
		ORDER BY tool ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("chain tool stats: %w", err)
	}
	defer rows.Close()

	var out []ToolCallStats
	for rows.Next() {
		var st ToolCallStats
		// MAX(ts) loses the column's DATETIME affinity, so the driver hands
		// the aggregate back as a raw string rather than a time.Time.
		var lastCall sql.NullString
		if err := rows.Scan(&st.Tool, &st.Calls, &st.AvgLatencyMS, &lastCall); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		if lastCall.Valid {
			ts, err := parseStoredTimestamp(lastCall.String)
			if err != nil {
				return nil, fmt.Errorf("parse tool stats timestamp: %w", err)
			}
			st.LastCall = ts
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// storedTimestampFormats are the layouts go-sqlite3 uses when it persists a
// time.Time, most precise first.
var storedTimestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseStoredTimestamp(raw string) (time.Time, error) {
	for _, layout := range storedTimestampFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
