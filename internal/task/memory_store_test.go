package task

import (
	"context"
	"testing"
	"time"
)

func seedRunning(t *testing.T, store *MemoryStore, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		if err := store.Create(ctx, &Task{ID: id, Goal: "goal " + id, Mode: "dynamic", Status: StatusPending, MaxRetries: 3}); err != nil {
			t.Fatalf("create task %s: %v", id, err)
		}
		if _, err := store.Claim(ctx, id); err != nil {
			t.Fatalf("claim task %s: %v", id, err)
		}
	}
}

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)
	seedRunning(t, store, "t1", "t2", "t3")

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "t3", ExecutionResult{State: "DONE", FinalAnswer: "42"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	succeeded, err := store.List(ctx, buildListOptions([]ListOption{WithFinished(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(succeeded) != 1 || succeeded[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", succeeded)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("42")}))
	if err != nil {
		t.Fatalf("list by query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t3" {
		t.Fatalf("unexpected query list: %+v", matched)
	}

	oldest, err := store.List(ctx, buildListOptions([]ListOption{WithSortOrder(SortByUpdatedAsc), WithLimit(1), WithOffset(1)}))
	if err != nil {
		t.Fatalf("list ascending: %v", err)
	}
	if len(oldest) != 1 || oldest[0].ID != "t2" {
		t.Fatalf("unexpected ascending page: %+v", oldest)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Minute)
	seedRunning(t, store, "a", "b", "c", "d")

	if err := store.MarkFailed(ctx, "a", CodeTaskProcessing, "retry later", false); err != nil {
		t.Fatalf("mark retryable failure: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "c", ExecutionResult{State: "DONE", FinalAnswer: "ok"}); err != nil {
		t.Fatalf("mark succeeded: %v", err)
	}
	if err := store.MarkAborted(ctx, "d", "用户取消"); err != nil {
		t.Fatalf("mark aborted: %v", err)
	}

	store.mu.Lock()
	store.tasks["a"].UpdatedAt = base.Unix()
	store.tasks["b"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["c"].UpdatedAt = base.Add(2 * time.Minute).Unix()
	store.tasks["d"].UpdatedAt = base.Add(time.Minute).Unix()
	store.mu.Unlock()

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 1 || stats.Failed != 1 || stats.Succeeded != 1 || stats.Aborted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.NewestUpdatedAt != base.Add(2*time.Minute).Unix() {
		t.Fatalf("unexpected newest timestamp: %d", stats.NewestUpdatedAt)
	}
	if stats.OldestUpdatedAt != base.Unix() {
		t.Fatalf("unexpected oldest timestamp: %d", stats.OldestUpdatedAt)
	}

	withResults, err := store.Stats(ctx, buildListOptions([]ListOption{WithFinished(true)}))
	if err != nil {
		t.Fatalf("stats with result: %v", err)
	}
	if withResults.Total != 2 || withResults.Succeeded != 1 || withResults.Aborted != 1 {
		t.Fatalf("unexpected stats with result: %+v", withResults)
	}
}

func TestMemoryStoreRejectsLateTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seedRunning(t, store, "x")

	if err := store.MarkAborted(ctx, "x", "用户取消"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	if err := store.MarkSucceeded(ctx, "x", ExecutionResult{State: "DONE", FinalAnswer: "late"}); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for late success, got %v", err)
	}
	if err := store.MarkFailed(ctx, "x", CodeTaskProcessing, "late", true); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict for late failure, got %v", err)
	}
	if _, err := store.Claim(ctx, "x"); !IsTaskError(err, CodeTaskCompleted) {
		t.Fatalf("expected completed on claim, got %v", err)
	}
	got, err := store.Get(ctx, "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAborted || got.ErrorCode != "CANCELLED" {
		t.Fatalf("unexpected task after late writes: %+v", got)
	}
}

func TestMemoryStoreClaimHonoursRetryBudget(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, &Task{ID: "r", Goal: "g", Status: StatusPending, MaxRetries: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, "r"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := store.Claim(ctx, "r"); !IsTaskError(err, CodeTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}
	if err := store.MarkFailed(ctx, "r", CodeTaskProcessing, "transient", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "r"); !IsTaskError(err, CodeTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}
