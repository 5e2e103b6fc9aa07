package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petro1eum/TrustChain-Agent/internal/bus"
	"github.com/petro1eum/TrustChain-Agent/internal/persistence"
)

func mustEnqueue(t *testing.T, store *persistence.Store, slug, payload string) string {
	t.Helper()
	id, err := store.Enqueue(context.Background(), slug, payload)
	if err != nil {
		t.Fatalf("enqueue %s: %v", slug, err)
	}
	return id
}

func TestTasks_EnqueueMintsSlugPrefixedID(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "deploy", `{"instruction":"ship it"}`)
	if len(id) <= len("deploy_") || id[:len("deploy_")] != "deploy_" {
		t.Fatalf("id = %q, want deploy_ prefix plus random suffix", id)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING", task.Status)
	}
	if task.Slug != "deploy" {
		t.Fatalf("slug = %q, want deploy", task.Slug)
	}
}

func TestTasks_ClaimFollowsFIFO(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	// Back-to-back enqueues land in the same CURRENT_TIMESTAMP second, so
	// claim order must come from insertion order, not the random id suffix.
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, mustEnqueue(t, store, fmt.Sprintf("job%d", i), "{}"))
	}

	for _, want := range ids {
		task, err := store.ClaimNextPending(ctx)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if task == nil {
			t.Fatalf("claim returned nil, want %s", want)
		}
		if task.ID != want {
			t.Fatalf("claimed %s, want %s", task.ID, want)
		}
		if task.Status != persistence.TaskStatusRunning {
			t.Fatalf("claimed status = %s, want RUNNING", task.Status)
		}
		if task.LeaseOwner == "" || task.LeaseExpiresAt == nil {
			t.Fatalf("claimed task missing lease: owner=%q expires=%v", task.LeaseOwner, task.LeaseExpiresAt)
		}
	}

	// Empty queue: nil, no error, no side effects.
	task, err := store.ClaimNextPending(ctx)
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if task != nil {
		t.Fatalf("claim on empty queue returned %v, want nil", task)
	}
}

func TestTasks_ClaimIsExclusiveUnderRace(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "solo", "{}")

	const racers = 8
	var wg sync.WaitGroup
	results := make([]*persistence.Task, racers)
	errs := make([]error, racers)
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = store.ClaimNextPending(ctx)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < racers; i++ {
		if errs[i] != nil {
			t.Fatalf("racer %d error: %v", i, errs[i])
		}
		if results[i] != nil {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("exactly one racer must win the claim, got %d", winners)
	}
}

func TestTasks_TerminalStatusIdempotent(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "deploy", "{}")
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := store.CompleteTask(ctx, id, `{"output":"first"}`); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := store.CompleteTask(ctx, id, `{"output":"second"}`); err != nil {
		t.Fatalf("second complete must be idempotent: %v", err)
	}

	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != persistence.TaskStatusSuccess {
		t.Fatalf("status = %s, want SUCCESS", task.Status)
	}
	if task.Result != `{"output":"second"}` {
		t.Fatalf("result = %q, want second write to win", task.Result)
	}
	if task.Error != "" {
		t.Fatalf("error = %q, want empty after success", task.Error)
	}
}

func TestTasks_FailThenRequeueClearsError(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "deploy", `{"instruction":"ship it"}`)
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.FailTask(ctx, id, "boom: connection reset"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	task, _ := store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if task.Error != "boom: connection reset" {
		t.Fatalf("error = %q, want full failure detail", task.Error)
	}

	if err := store.PatchPayloadAndRequeue(ctx, id, `{"instruction":"ship it (retry)"}`); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	task, _ = store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING after requeue", task.Status)
	}
	if task.Error != "" {
		t.Fatalf("error = %q, want cleared on requeue", task.Error)
	}
	if task.Payload != `{"instruction":"ship it (retry)"}` {
		t.Fatalf("payload = %q, want patched payload", task.Payload)
	}
}

func TestTasks_RequeueRejectsNonFailed(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	pendingID := mustEnqueue(t, store, "pending", "{}")

	err := store.PatchPayloadAndRequeue(ctx, pendingID, "{}")
	if !errors.Is(err, persistence.ErrTaskNotFailed) {
		t.Fatalf("requeue on PENDING: err = %v, want ErrTaskNotFailed", err)
	}
	// The row must be untouched.
	task, _ := store.GetTask(ctx, pendingID)
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("status mutated to %s by rejected requeue", task.Status)
	}

	err = store.PatchPayloadAndRequeue(ctx, "missing_00000000", "{}")
	if !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("requeue on missing: err = %v, want ErrTaskNotFound", err)
	}
}

func TestTasks_StatsMatchRowCount(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	checkTotal := func(stage string) {
		t.Helper()
		stats, err := store.Stats(ctx)
		if err != nil {
			t.Fatalf("%s: stats: %v", stage, err)
		}
		sum := stats.Pending + stats.Running + stats.Success + stats.Failed
		if sum != stats.Total {
			t.Fatalf("%s: status sum %d != total %d", stage, sum, stats.Total)
		}
	}

	checkTotal("empty")
	a := mustEnqueue(t, store, "a", "{}")
	mustEnqueue(t, store, "b", "{}")
	checkTotal("after enqueue")

	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	checkTotal("after claim")

	if err := store.CompleteTask(ctx, a, "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	checkTotal("after complete")

	stats, _ := store.Stats(ctx)
	if stats.Success != 1 || stats.Pending != 1 || stats.Total != 2 {
		t.Fatalf("stats = %+v, want 1 SUCCESS, 1 PENDING, total 2", stats)
	}
}

func TestTasks_RequeueExpiredLeases(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "stuck", "{}")
	task, err := store.ClaimNextPending(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	// Live lease: nothing to reap.
	n, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 0 {
		t.Fatalf("reclaimed %d with live lease, want 0", n)
	}

	// Expire the lease as if the worker died mid-task.
	if _, err := store.DB().Exec(`UPDATE tasks SET lease_expires_at = datetime('now', '-1 minute') WHERE id = ?;`, id); err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	n, err = store.RequeueExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if n != 1 {
		t.Fatalf("reclaimed %d, want 1", n)
	}

	got, _ := store.GetTask(ctx, id)
	if got.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING after lease expiry", got.Status)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Fatalf("lease not cleared: owner=%q expires=%v", got.LeaseOwner, got.LeaseExpiresAt)
	}
}

func TestTasks_HeartbeatLease(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "beat", "{}")
	task, err := store.ClaimNextPending(ctx)
	if err != nil || task == nil {
		t.Fatalf("claim: task=%v err=%v", task, err)
	}

	ok, err := store.HeartbeatLease(ctx, id, task.LeaseOwner)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !ok {
		t.Fatalf("heartbeat rejected for live lease")
	}

	// Wrong owner must not extend.
	ok, err = store.HeartbeatLease(ctx, id, "not-the-owner")
	if err != nil {
		t.Fatalf("heartbeat wrong owner: %v", err)
	}
	if ok {
		t.Fatalf("heartbeat accepted for wrong owner")
	}

	// Terminal task no longer holds a lease.
	if err := store.CompleteTask(ctx, id, "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, _ = store.HeartbeatLease(ctx, id, task.LeaseOwner)
	if ok {
		t.Fatalf("heartbeat accepted after terminal status")
	}
}

func TestTasks_RecoverRunningTasksOnStartup(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "orphan", "{}")
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}

	recovered, err := store.RecoverRunningTasks(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("recovered %d, want 1", recovered)
	}

	task, _ := store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusPending {
		t.Fatalf("status = %s, want PENDING after recovery", task.Status)
	}
}

func TestTasks_DeleteAnyStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "doomed", "{}")
	ok, err := store.DeleteTask(ctx, id)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Fatalf("delete returned false for existing task")
	}
	if _, err := store.GetTask(ctx, id); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("get after delete: err = %v, want ErrTaskNotFound", err)
	}

	ok, err = store.DeleteTask(ctx, id)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Fatalf("second delete returned true")
	}
}

func TestTasks_ListPaginatedFiltersByStatus(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		mustEnqueue(t, store, "bulk", "{}")
	}
	claimed, err := store.ClaimNextPending(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	if err := store.FailTask(ctx, claimed.ID, "nope"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, total, err := store.ListTasksPaginated(ctx, string(persistence.TaskStatusFailed), 10, 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 || len(failed) != 1 {
		t.Fatalf("failed list = %d/%d, want 1/1", len(failed), total)
	}
	if failed[0].ID != claimed.ID {
		t.Fatalf("failed[0] = %s, want %s", failed[0].ID, claimed.ID)
	}

	_, total, err = store.ListTasksPaginated(ctx, "", 2, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
}

func TestTasks_EventJournalRecordsTransitions(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "journal", "{}")
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.CompleteTask(ctx, id, "{}"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := store.ListTaskEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	wantTypes := []string{"task.enqueued", "task.claimed", "task.succeeded"}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Fatalf("event[%d] = %s, want %s", i, events[i].EventType, want)
		}
	}
	if events[2].StateFrom != persistence.TaskStatusRunning || events[2].StateTo != persistence.TaskStatusSuccess {
		t.Fatalf("final transition = %s -> %s, want RUNNING -> SUCCESS", events[2].StateFrom, events[2].StateTo)
	}
}

func TestTasks_AttemptIncrementsPerClaim(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	id := mustEnqueue(t, store, "retryable", `{"instruction":"x"}`)
	task, _ := store.ClaimNextPending(ctx)
	if task.Attempt != 1 {
		t.Fatalf("attempt after first claim = %d, want 1", task.Attempt)
	}
	if err := store.FailTask(ctx, id, "first failure"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.PatchPayloadAndRequeue(ctx, id, `{"instruction":"x"}`); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	task, _ = store.ClaimNextPending(ctx)
	if task == nil || task.Attempt != 2 {
		t.Fatalf("attempt after second claim = %v, want 2", task)
	}
}

func TestTasks_LeaseDurationIsBounded(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustEnqueue(t, store, "lease", "{}")
	task, _ := store.ClaimNextPending(ctx)
	if task.LeaseExpiresAt == nil {
		t.Fatalf("no lease expiry set")
	}
	until := time.Until(*task.LeaseExpiresAt)
	if until <= 0 || until > time.Minute {
		t.Fatalf("lease expiry %v out of expected bounds", until)
	}
}

func TestTasks_TerminalEventsCarryPriorStatus(t *testing.T) {
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "trustchain.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	recvStateChange := func(t *testing.T, sub *bus.Subscription) bus.TaskStateChangedEvent {
		t.Helper()
		select {
		case ev := <-sub.Ch():
			sc, ok := ev.Payload.(bus.TaskStateChangedEvent)
			if !ok {
				t.Fatalf("payload type = %T, want TaskStateChangedEvent", ev.Payload)
			}
			return sc
		case <-time.After(time.Second):
			t.Fatalf("no event received")
			return bus.TaskStateChangedEvent{}
		}
	}

	succeedID := mustEnqueue(t, store, "deploy", "{}")
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	sub := b.Subscribe(bus.TopicTaskSuccess)
	defer b.Unsubscribe(sub)
	if err := store.CompleteTask(ctx, succeedID, `{}`); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if ev := recvStateChange(t, sub); ev.OldStatus != string(persistence.TaskStatusRunning) {
		t.Fatalf("first complete old_status = %q, want RUNNING", ev.OldStatus)
	}
	// An idempotent re-complete transitions SUCCESS -> SUCCESS and must say so.
	if err := store.CompleteTask(ctx, succeedID, `{}`); err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if ev := recvStateChange(t, sub); ev.OldStatus != string(persistence.TaskStatusSuccess) {
		t.Fatalf("re-complete old_status = %q, want SUCCESS", ev.OldStatus)
	}

	failID := mustEnqueue(t, store, "deploy", "{}")
	if _, err := store.ClaimNextPending(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	failSub := b.Subscribe(bus.TopicTaskFailed)
	defer b.Unsubscribe(failSub)
	if err := store.FailTask(ctx, failID, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if ev := recvStateChange(t, failSub); ev.OldStatus != string(persistence.TaskStatusRunning) {
		t.Fatalf("first fail old_status = %q, want RUNNING", ev.OldStatus)
	}
	if err := store.FailTask(ctx, failID, "boom again"); err != nil {
		t.Fatalf("re-fail: %v", err)
	}
	if ev := recvStateChange(t, failSub); ev.OldStatus != string(persistence.TaskStatusFailed) {
		t.Fatalf("re-fail old_status = %q, want FAILED", ev.OldStatus)
	}
}
