package persistence_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

func TestIdempotency_KeyIsOrderIndependent(t *testing.T) {
	k1, err := persistence.MakeIdempotencyKey("deploy_1a2b3c4d", "send_email", map[string]any{"to": "ops@example.com", "subject": "done"})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	k2, err := persistence.MakeIdempotencyKey("deploy_1a2b3c4d", "send_email", map[string]any{"subject": "done", "to": "ops@example.com"})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("key depends on argument order: %q vs %q", k1, k2)
	}

	k3, err := persistence.MakeIdempotencyKey("deploy_1a2b3c4d", "send_email", map[string]any{"to": "ops@example.com", "subject": "changed"})
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	if k1 == k3 {
		t.Fatalf("key must change when argument values change")
	}

	parts := strings.Split(k1, "::")
	if len(parts) != 3 || parts[0] != "deploy_1a2b3c4d" || parts[1] != "send_email" {
		t.Fatalf("key = %q, want task::tool::digest layout", k1)
	}
	if len(parts[2]) != 12 {
		t.Fatalf("digest part = %q, want 12 hex chars", parts[2])
	}
}

func TestIdempotency_KeyOrderIndependenceIsRecursive(t *testing.T) {
	nested1 := map[string]any{"filters": map[string]any{"status": "open", "owner": "me"}, "page": 1}
	nested2 := map[string]any{"page": 1, "filters": map[string]any{"owner": "me", "status": "open"}}

	k1, err := persistence.MakeIdempotencyKey("t", "search", nested1)
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	k2, err := persistence.MakeIdempotencyKey("t", "search", nested2)
	if err != nil {
		t.Fatalf("make key: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("nested key order leaked into the digest: %q vs %q", k1, k2)
	}
}

func TestIdempotency_CheckMissesAbsentAndStarted(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	key := "task_x::charge_card::abc123def456"

	// Absent key: miss.
	_, ok, err := store.CheckIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("check absent: %v", err)
	}
	if ok {
		t.Fatalf("check hit for absent key")
	}

	// STARTED means a prior attempt may have crashed mid-call; the caller
	// must re-execute, so check still reports a miss.
	if err := store.MarkStarted(ctx, key, "task_x", "charge_card"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	_, ok, err = store.CheckIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("check started: %v", err)
	}
	if ok {
		t.Fatalf("check hit for STARTED key, want miss")
	}

	if err := store.MarkCompleted(ctx, key, `{"charge_id":"ch_42"}`); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	resp, ok, err := store.CheckIdempotency(ctx, key)
	if err != nil {
		t.Fatalf("check completed: %v", err)
	}
	if !ok {
		t.Fatalf("check missed COMPLETED key")
	}
	if resp != `{"charge_id":"ch_42"}` {
		t.Fatalf("cached response = %q, want original body", resp)
	}
}

func TestIdempotency_MarkStartedIsInsertIfAbsent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	key := "task_y::send_email::0011223344aa"
	if err := store.MarkStarted(ctx, key, "task_y", "send_email"); err != nil {
		t.Fatalf("first mark started: %v", err)
	}
	// Same key and tool: silent no-op.
	if err := store.MarkStarted(ctx, key, "task_y", "send_email"); err != nil {
		t.Fatalf("repeat mark started must be a no-op: %v", err)
	}
	// Same key, different tool: conflict.
	err := store.MarkStarted(ctx, key, "task_y", "delete_account")
	if !errors.Is(err, persistence.ErrIdempotencyConflict) {
		t.Fatalf("tool mismatch: err = %v, want ErrIdempotencyConflict", err)
	}

	rec, err := store.GetIdempotencyRecord(ctx, key)
	if err != nil {
		t.Fatalf("get record: %v", err)
	}
	if rec == nil || rec.ToolName != "send_email" || rec.Status != persistence.IdempotencyStarted {
		t.Fatalf("record = %+v, want STARTED send_email untouched by conflict", rec)
	}
}

func TestIdempotency_MarkCompletedLastWriterWins(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	key := "task_z::create_issue::feedfacefeed"
	if err := store.MarkStarted(ctx, key, "task_z", "create_issue"); err != nil {
		t.Fatalf("mark started: %v", err)
	}
	if err := store.MarkCompleted(ctx, key, `{"issue":"A-1"}`); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := store.MarkCompleted(ctx, key, `{"issue":"A-2"}`); err != nil {
		t.Fatalf("second complete: %v", err)
	}

	resp, ok, err := store.CheckIdempotency(ctx, key)
	if err != nil || !ok {
		t.Fatalf("check: ok=%v err=%v", ok, err)
	}
	if resp != `{"issue":"A-2"}` {
		t.Fatalf("response = %q, want last write", resp)
	}
}

func TestIdempotency_MarkCompletedRequiresRecord(t *testing.T) {
	store, _ := openTestStore(t)

	err := store.MarkCompleted(context.Background(), "never::started::000000000000", "{}")
	if err == nil {
		t.Fatalf("mark completed without mark started must error")
	}
}

func TestIdempotency_CompletedStepsOrderedWithSummaries(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	db := store.DB()

	steps := []struct {
		key, tool, body, offset string
	}{
		{"task_r::fetch_user::aaaaaaaaaaaa", "fetch_user", `{"summary":"fetched user 42"}`, "-3 minutes"},
		{"task_r::send_email::bbbbbbbbbbbb", "send_email", `{"summary":"sent welcome email"}`, "-2 minutes"},
		{"task_r::log_event::cccccccccccc", "log_event", `{"ok":true}`, "-1 minutes"},
	}
	for _, s := range steps {
		if err := store.MarkStarted(ctx, s.key, "task_r", s.tool); err != nil {
			t.Fatalf("mark started %s: %v", s.tool, err)
		}
		if err := store.MarkCompleted(ctx, s.key, s.body); err != nil {
			t.Fatalf("mark completed %s: %v", s.tool, err)
		}
		// CURRENT_TIMESTAMP has second granularity; spread completion times
		// so the ordering assertion is deterministic.
		if _, err := db.Exec(`UPDATE idempotency_log SET completed_at = datetime('now', ?) WHERE key = ?;`, s.offset, s.key); err != nil {
			t.Fatalf("backdate %s: %v", s.tool, err)
		}
	}

	// A STARTED record for the same task must not appear.
	if err := store.MarkStarted(ctx, "task_r::pending::dddddddddddd", "task_r", "pending"); err != nil {
		t.Fatalf("mark started pending: %v", err)
	}
	// Another task's steps must not leak in.
	if err := store.MarkStarted(ctx, "task_other::x::eeeeeeeeeeee", "task_other", "x"); err != nil {
		t.Fatalf("mark started other: %v", err)
	}
	if err := store.MarkCompleted(ctx, "task_other::x::eeeeeeeeeeee", "{}"); err != nil {
		t.Fatalf("mark completed other: %v", err)
	}

	got, err := store.CompletedSteps(ctx, "task_r")
	if err != nil {
		t.Fatalf("completed steps: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d steps, want 3", len(got))
	}
	wantTools := []string{"fetch_user", "send_email", "log_event"}
	wantSummaries := []string{"fetched user 42", "sent welcome email", "completed"}
	for i := range got {
		if got[i].ToolName != wantTools[i] {
			t.Fatalf("step[%d] tool = %s, want %s", i, got[i].ToolName, wantTools[i])
		}
		if got[i].Summary != wantSummaries[i] {
			t.Fatalf("step[%d] summary = %q, want %q", i, got[i].Summary, wantSummaries[i])
		}
	}
}
