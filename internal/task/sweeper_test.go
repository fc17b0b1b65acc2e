package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSweeperRemovesOnlyExpiredOneShotTasks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := baseTime

	seed := func(id string, executedDaysAgo int, recurring bool) {
		task := newTask(id, now.AddDate(0, 0, -executedDaysAgo))
		if recurring {
			task.Schedule = "0 0 * * *"
		}
		if err := store.Create(ctx, task); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
		if _, err := store.RecordExecution(ctx, id, ExecutionRecord{
			ExecutedAt:        now.AddDate(0, 0, -executedDaysAgo),
			Status:            StatusSuccess,
			NextExecutionTime: now,
			Deactivate:        !recurring,
		}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}
	seed("kept-29", 29, false)
	seed("swept-31", 31, false)
	seed("recurring-90", 90, true)
	if err := store.Create(ctx, newTask("never-ran", now.AddDate(0, 0, -90))); err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := NewSweeper(store, WithSweeperClock(func() time.Time { return now }))
	deleted, err := sweeper.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
	if _, err := store.Get(ctx, "swept-31"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected swept-31 to be removed, got %v", err)
	}
	for _, id := range []string{"kept-29", "recurring-90", "never-ran"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("expected %s to be kept: %v", id, err)
		}
	}

	again, err := sweeper.Sweep(ctx)
	if err != nil || again != 0 {
		t.Fatalf("second sweep = %d, %v", again, err)
	}
}

func TestSweeperRetentionOption(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	task := newTask("short", baseTime)
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.RecordExecution(ctx, "short", ExecutionRecord{ExecutedAt: baseTime.AddDate(0, 0, -3), Status: StatusFailed, Deactivate: true}); err != nil {
		t.Fatalf("record: %v", err)
	}
	sweeper := NewSweeper(store, WithRetentionDays(2), WithSweeperClock(func() time.Time { return baseTime }))
	if deleted, err := sweeper.Sweep(ctx); err != nil || deleted != 1 {
		t.Fatalf("sweep = %d, %v", deleted, err)
	}
}
