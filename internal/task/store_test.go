package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"AgentCron-Chain/internal/storage/sqldb"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) Store
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", new: func(t *testing.T) Store { return NewMemoryStore() }},
		{name: "sqlite", new: func(t *testing.T) Store {
			t.Helper()
			db, err := sqldb.Open(context.Background(), sqldb.Config{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "tasks.db"),
			})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			store, err := NewSQLStore(db)
			if err != nil {
				t.Fatalf("new sql store: %v", err)
			}
			t.Cleanup(func() { _ = store.Close() })
			return store
		}},
	}
}

var baseTime = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func newTask(id string, next time.Time) *Task {
	return &Task{
		ID:                  id,
		Owner:               "alice",
		AgentID:             "echo",
		Name:                id,
		Input:               "payload",
		NextExecutionTime:   next,
		LastExecutionStatus: StatusPending,
		EnergyCost:          10,
		IsActive:            true,
		CreatedAt:           baseTime,
		UpdatedAt:           baseTime,
	}
}

func TestStoreCRUD(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()

			task := newTask("t1", baseTime)
			task.Tags = []string{"daily", "chain"}
			task.Metadata = map[string]any{"source": "test"}
			if err := store.Create(ctx, task); err != nil {
				t.Fatalf("create: %v", err)
			}
			if err := store.Create(ctx, newTask("t1", baseTime)); !errors.Is(err, ErrTaskConflict) {
				t.Fatalf("expected conflict on duplicate id, got %v", err)
			}

			got, err := store.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if !got.NextExecutionTime.Equal(baseTime) || len(got.Tags) != 2 || got.Metadata["source"] != "test" {
				t.Fatalf("unexpected task %+v", got)
			}

			got.Name = "renamed"
			got.Schedule = "*/5 * * * *"
			got.UpdatedAt = baseTime.Add(time.Minute)
			if err := store.Update(ctx, got, UpdateMask{}); err != nil {
				t.Fatalf("update: %v", err)
			}
			updated, err := store.Get(ctx, "t1")
			if err != nil || updated.Name != "renamed" || !updated.IsRecurring() {
				t.Fatalf("update not applied: %+v, %v", updated, err)
			}

			if err := store.Delete(ctx, "t1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Get(ctx, "t1"); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected not found after delete, got %v", err)
			}
			if err := store.Delete(ctx, "t1"); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected not found deleting twice, got %v", err)
			}
		})
	}
}

func TestStoreDueAndRecordExecution(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()

			for _, task := range []*Task{
				newTask("late", baseTime.Add(-time.Minute)),
				newTask("now", baseTime),
				newTask("future", baseTime.Add(time.Hour)),
			} {
				if err := store.Create(ctx, task); err != nil {
					t.Fatalf("create %s: %v", task.ID, err)
				}
			}
			inactive := newTask("inactive", baseTime.Add(-time.Hour))
			inactive.IsActive = false
			if err := store.Create(ctx, inactive); err != nil {
				t.Fatalf("create inactive: %v", err)
			}

			due, err := store.Due(ctx, baseTime, 10)
			if err != nil {
				t.Fatalf("due: %v", err)
			}
			if len(due) != 2 || due[0].ID != "late" || due[1].ID != "now" {
				t.Fatalf("unexpected due tasks %v", taskIDs(due))
			}
			if limited, _ := store.Due(ctx, baseTime, 1); len(limited) != 1 {
				t.Fatalf("expected limit to apply, got %d", len(limited))
			}

			next := baseTime.Add(5 * time.Minute)
			updated, err := store.RecordExecution(ctx, "now", ExecutionRecord{
				ExecutedAt:        baseTime,
				Status:            StatusSuccess,
				Result:            "ok",
				NextExecutionTime: next,
			})
			if err != nil {
				t.Fatalf("record success: %v", err)
			}
			if updated.ExecutionCount != 1 || !updated.NextExecutionTime.Equal(next) || !updated.IsActive {
				t.Fatalf("unexpected record result %+v", updated)
			}

			updated, err = store.RecordExecution(ctx, "late", ExecutionRecord{
				ExecutedAt: baseTime,
				Status:     StatusFailed,
				Result:     "boom",
				Deactivate: true,
			})
			if err != nil {
				t.Fatalf("record failure: %v", err)
			}
			if updated.ExecutionCount != 0 || updated.IsActive || updated.LastExecutionResult != "boom" {
				t.Fatalf("unexpected failure record %+v", updated)
			}
			if updated.LastExecutionTime == nil || !updated.LastExecutionTime.Equal(baseTime) {
				t.Fatalf("last execution time not stored: %v", updated.LastExecutionTime)
			}

			if _, err := store.RecordExecution(ctx, "missing", ExecutionRecord{ExecutedAt: baseTime, Status: StatusFailed}); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestStoreUpdateKeepsUnmaskedSchedulingFields(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()
			if err := store.Create(ctx, newTask("once", baseTime)); err != nil {
				t.Fatalf("create: %v", err)
			}
			stale, err := store.Get(ctx, "once")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if _, err := store.RecordExecution(ctx, "once", ExecutionRecord{
				ExecutedAt: baseTime, Status: StatusSuccess, Deactivate: true, ObservedNext: baseTime,
			}); err != nil {
				t.Fatalf("record: %v", err)
			}

			stale.Name = "renamed"
			stale.NextExecutionTime = baseTime.Add(-time.Hour)
			stale.UpdatedAt = baseTime.Add(time.Minute)
			if err := store.Update(ctx, stale, UpdateMask{}); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, _ := store.Get(ctx, "once")
			if got.Name != "renamed" || got.IsActive || !got.NextExecutionTime.Equal(baseTime) || got.ExecutionCount != 1 {
				t.Fatalf("unmasked update overwrote scheduling state: %+v", got)
			}

			later := baseTime.Add(time.Hour)
			got.IsActive = true
			got.NextExecutionTime = later
			if err := store.Update(ctx, got, UpdateMask{NextExecutionTime: true, IsActive: true}); err != nil {
				t.Fatalf("masked update: %v", err)
			}
			got, _ = store.Get(ctx, "once")
			if !got.IsActive || !got.NextExecutionTime.Equal(later) {
				t.Fatalf("masked fields not written: %+v", got)
			}
		})
	}
}

func TestStoreRecordExecutionKeepsRescheduledTask(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()
			later := baseTime.Add(time.Hour)

			if err := store.Create(ctx, newTask("once", later)); err != nil {
				t.Fatalf("create once: %v", err)
			}
			got, err := store.RecordExecution(ctx, "once", ExecutionRecord{
				ExecutedAt: baseTime, Status: StatusSuccess, Result: "ok", Deactivate: true, ObservedNext: baseTime,
			})
			if err != nil {
				t.Fatalf("record once: %v", err)
			}
			if !got.IsActive || !got.NextExecutionTime.Equal(later) {
				t.Fatalf("rescheduled one-shot task was finished: %+v", got)
			}
			if got.LastExecutionStatus != StatusSuccess || got.ExecutionCount != 1 {
				t.Fatalf("execution result not recorded: %+v", got)
			}

			recurring := newTask("recurring", later)
			recurring.Schedule = "*/5 * * * *"
			if err := store.Create(ctx, recurring); err != nil {
				t.Fatalf("create recurring: %v", err)
			}
			got, err = store.RecordExecution(ctx, "recurring", ExecutionRecord{
				ExecutedAt: baseTime, Status: StatusSuccess,
				NextExecutionTime: baseTime.Add(5 * time.Minute), ObservedNext: baseTime,
			})
			if err != nil {
				t.Fatalf("record recurring: %v", err)
			}
			if !got.NextExecutionTime.Equal(later) {
				t.Fatalf("next moved from %s to %s", later, got.NextExecutionTime)
			}
		})
	}
}

func TestStoreListAndStats(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()

			a := newTask("a", baseTime.Add(3*time.Minute))
			a.Tags = []string{"chain"}
			a.CreatedAt = baseTime
			b := newTask("b", baseTime.Add(time.Minute))
			b.Owner = "bob"
			b.Schedule = "0 * * * *"
			b.CreatedAt = baseTime.Add(time.Second)
			c := newTask("c", baseTime.Add(2*time.Minute))
			c.Name = "nightly report"
			c.CreatedAt = baseTime.Add(2 * time.Second)
			for _, task := range []*Task{a, b, c} {
				if err := store.Create(ctx, task); err != nil {
					t.Fatalf("create %s: %v", task.ID, err)
				}
			}
			if _, err := store.RecordExecution(ctx, "c", ExecutionRecord{ExecutedAt: baseTime, Status: StatusFailed, Result: "x", Deactivate: true}); err != nil {
				t.Fatalf("record: %v", err)
			}

			all, err := store.List(ctx, ListOptions{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if got := taskIDs(all); len(got) != 3 || got[0] != "c" || got[2] != "a" {
				t.Fatalf("expected newest first, got %v", got)
			}

			soonest, _ := store.List(ctx, ListOptions{Order: SortByNextExecutionAsc})
			if soonest[0].ID != "b" {
				t.Fatalf("expected b first by next execution, got %v", taskIDs(soonest))
			}

			active := true
			if got, _ := store.List(ctx, ListOptions{Active: &active}); len(got) != 2 {
				t.Fatalf("expected 2 active, got %v", taskIDs(got))
			}
			recurring := true
			if got, _ := store.List(ctx, ListOptions{Recurring: &recurring}); len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("expected only b recurring, got %v", taskIDs(got))
			}
			if got, _ := store.List(ctx, ListOptions{Owner: "bob"}); len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("owner filter failed: %v", taskIDs(got))
			}
			if got, _ := store.List(ctx, ListOptions{Tag: "chain"}); len(got) != 1 || got[0].ID != "a" {
				t.Fatalf("tag filter failed: %v", taskIDs(got))
			}
			if got, _ := store.List(ctx, ListOptions{Query: "nightly"}); len(got) != 1 || got[0].ID != "c" {
				t.Fatalf("query filter failed: %v", taskIDs(got))
			}
			if got, _ := store.List(ctx, ListOptions{Statuses: []ExecutionStatus{StatusFailed}}); len(got) != 1 || got[0].ID != "c" {
				t.Fatalf("status filter failed: %v", taskIDs(got))
			}
			if got, _ := store.List(ctx, ListOptions{Limit: 1, Offset: 1}); len(got) != 1 || got[0].ID != "b" {
				t.Fatalf("pagination failed: %v", taskIDs(got))
			}

			stats, err := store.Stats(ctx, ListOptions{})
			if err != nil {
				t.Fatalf("stats: %v", err)
			}
			if stats.Total != 3 || stats.Active != 2 || stats.Recurring != 1 || stats.Failed != 1 || stats.Pending != 2 {
				t.Fatalf("unexpected stats %+v", stats)
			}
			if stats.NextExecution == nil || !stats.NextExecution.Equal(b.NextExecutionTime) {
				t.Fatalf("unexpected next execution %v", stats.NextExecution)
			}
		})
	}
}

func TestStoreDeleteExpired(t *testing.T) {
	for _, factory := range storeFactories() {
		t.Run(factory.name, func(t *testing.T) {
			store := factory.new(t)
			ctx := context.Background()
			now := baseTime

			old := newTask("old", now.AddDate(0, 0, -40))
			recent := newTask("recent", now.AddDate(0, 0, -5))
			recurring := newTask("recurring", now.AddDate(0, 0, -40))
			recurring.Schedule = "0 0 * * *"
			active := newTask("active", now.AddDate(0, 0, -40))
			for _, task := range []*Task{old, recent, recurring, active} {
				if err := store.Create(ctx, task); err != nil {
					t.Fatalf("create %s: %v", task.ID, err)
				}
			}
			for id, at := range map[string]time.Time{
				"old":    now.AddDate(0, 0, -31),
				"recent": now.AddDate(0, 0, -29),
			} {
				if _, err := store.RecordExecution(ctx, id, ExecutionRecord{ExecutedAt: at, Status: StatusSuccess, Deactivate: true}); err != nil {
					t.Fatalf("record %s: %v", id, err)
				}
			}
			if _, err := store.RecordExecution(ctx, "recurring", ExecutionRecord{
				ExecutedAt:        now.AddDate(0, 0, -31),
				Status:            StatusSuccess,
				NextExecutionTime: now,
			}); err != nil {
				t.Fatalf("record recurring: %v", err)
			}

			deleted, err := store.DeleteExpired(ctx, now.AddDate(0, 0, -30))
			if err != nil {
				t.Fatalf("delete expired: %v", err)
			}
			if deleted != 1 {
				t.Fatalf("expected 1 deleted, got %d", deleted)
			}
			if _, err := store.Get(ctx, "old"); !errors.Is(err, ErrTaskNotFound) {
				t.Fatalf("expected old task to be swept, got %v", err)
			}
			for _, id := range []string{"recent", "recurring", "active"} {
				if _, err := store.Get(ctx, id); err != nil {
					t.Fatalf("expected %s to survive: %v", id, err)
				}
			}
		})
	}
}

func taskIDs(tasks []*Task) []string {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	return ids
}
