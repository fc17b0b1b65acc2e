package task

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/schedule"
)

func newTestService() (*Service, *MemoryStore) {
	store := NewMemoryStore()
	return NewService(store, WithServiceClock(func() time.Time { return baseTime })), store
}

func TestServiceCreateComputesNextExecution(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	explicit := baseTime.Add(3 * time.Hour)

	cases := []struct {
		name string
		req  CreateRequest
		want time.Time
	}{
		{name: "default now", req: CreateRequest{Owner: "alice", AgentID: "echo"}, want: baseTime},
		{name: "cron", req: CreateRequest{Owner: "alice", AgentID: "echo", Schedule: "0 0 * * *"}, want: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{name: "explicit", req: CreateRequest{Owner: "alice", AgentID: "echo", ExecutionTime: &explicit}, want: explicit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			task, err := svc.Create(ctx, tc.req)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if !task.NextExecutionTime.Equal(tc.want) {
				t.Fatalf("next = %s, want %s", task.NextExecutionTime, tc.want)
			}
			if !task.IsActive || task.LastExecutionStatus != StatusPending || task.EnergyCost != DefaultEnergyCost {
				t.Fatalf("unexpected defaults %+v", task)
			}
			if task.ID == "" || task.Name != "echo" {
				t.Fatalf("expected generated id and default name, got %+v", task)
			}
		})
	}
}

func TestServiceCreateValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	at := baseTime

	cases := map[string]CreateRequest{
		"missing owner":     {AgentID: "echo"},
		"missing agent":     {Owner: "alice"},
		"schedule and time": {Owner: "alice", AgentID: "echo", Schedule: "* * * * *", ExecutionTime: &at},
		"negative cost":     {Owner: "alice", AgentID: "echo", EnergyCost: costOf(-1)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.Create(ctx, req); !xerrors.HasCode(err, CodeTaskValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := svc.Create(ctx, CreateRequest{Owner: "alice", AgentID: "echo", Schedule: "@daily"}); !errors.Is(err, schedule.ErrInvalidSchedule) {
		t.Fatalf("expected invalid schedule, got %v", err)
	}
}

func TestServiceCreateIsIdempotentOnID(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateRequest{ID: "fixed", Owner: "alice", AgentID: "echo", Input: "one"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := svc.Create(ctx, CreateRequest{ID: "fixed", Owner: "alice", AgentID: "echo", Input: "two"})
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if second.ID != first.ID || second.Input != "one" {
		t.Fatalf("expected existing task, got %+v", second)
	}
}

func TestServiceUpdate(t *testing.T) {
	svc, store := newTestService()
	ctx := context.Background()

	created, err := svc.Create(ctx, CreateRequest{Owner: "alice", AgentID: "echo", Tags: []string{"a", "a", " "}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created.Tags) != 1 {
		t.Fatalf("tags not normalized: %v", created.Tags)
	}

	expr := "30 * * * *"
	name := "hourly"
	cost := int64(3)
	updated, err := svc.Update(ctx, created.ID, UpdateRequest{Schedule: &expr, Name: &name, EnergyCost: &cost})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if want := baseTime.Add(30 * time.Minute); !updated.NextExecutionTime.Equal(want) {
		t.Fatalf("schedule change must recompute next: got %s want %s", updated.NextExecutionTime, want)
	}
	stored, _ := store.Get(ctx, created.ID)
	if stored.Name != "hourly" || stored.EnergyCost != 3 || stored.Schedule != expr {
		t.Fatalf("update not persisted: %+v", stored)
	}

	bad := "61 * * * *"
	if _, err := svc.Update(ctx, created.ID, UpdateRequest{Schedule: &bad}); !errors.Is(err, schedule.ErrInvalidSchedule) {
		t.Fatalf("expected invalid schedule, got %v", err)
	}
	at := baseTime.Add(time.Hour)
	if _, err := svc.Update(ctx, created.ID, UpdateRequest{ExecutionTime: &at}); !xerrors.HasCode(err, CodeTaskValidation) {
		t.Fatalf("expected validation error for recurring task, got %v", err)
	}

	empty := ""
	inactive := false
	updated, err = svc.Update(ctx, created.ID, UpdateRequest{Schedule: &empty, ExecutionTime: &at, IsActive: &inactive})
	if err != nil {
		t.Fatalf("convert to one-shot: %v", err)
	}
	if updated.IsRecurring() || updated.IsActive || !updated.NextExecutionTime.Equal(at) {
		t.Fatalf("unexpected one-shot conversion %+v", updated)
	}

	if _, err := svc.Update(ctx, "missing", UpdateRequest{Name: &name}); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceDeleteListStats(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	for _, owner := range []string{"alice", "alice", "bob"} {
		if _, err := svc.Create(ctx, CreateRequest{Owner: owner, AgentID: "echo"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	alice, err := svc.List(ctx, WithOwner("alice"))
	if err != nil || len(alice) != 2 {
		t.Fatalf("list alice = %d, %v", len(alice), err)
	}
	if err := svc.Delete(ctx, alice[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, alice[0].ID); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	stats, err := svc.Stats(ctx)
	if err != nil || stats.Total != 2 || stats.Active != 2 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
}

func TestServiceRunNowRequiresRunner(t *testing.T) {
	svc, _ := newTestService()
	if _, err := svc.RunNow(context.Background(), "any"); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
