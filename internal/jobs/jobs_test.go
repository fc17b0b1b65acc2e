package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
)

func TestMemoryGuardExpires(t *testing.T) {
	guard := NewMemoryGuard()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	guard.clock = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := guard.Acquire(ctx, "rewards:2024-01-01", time.Hour); !ok {
		t.Fatalf("first acquire should succeed")
	}
	if ok, _ := guard.Acquire(ctx, "rewards:2024-01-01", time.Hour); ok {
		t.Fatalf("second acquire in the same period should fail")
	}
	now = now.Add(2 * time.Hour)
	if ok, _ := guard.Acquire(ctx, "rewards:2024-01-01", time.Hour); !ok {
		t.Fatalf("acquire after ttl should succeed")
	}
}

func TestRunnerRunOnceIsGuardedPerPeriod(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	runner := NewRunner(WithClock(func() time.Time { return now }))
	runs := 0
	if err := runner.Add(Job{
		Name:   "rewards",
		Spec:   "0 0 * * *",
		Period: DailyPeriod(time.UTC),
		Run: func(context.Context, time.Time) error {
			runs++
			return nil
		},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctx := context.Background()

	if ran, err := runner.RunOnce(ctx, "rewards"); err != nil || !ran {
		t.Fatalf("first run = %v, %v", ran, err)
	}
	now = now.Add(10 * time.Hour)
	if ran, err := runner.RunOnce(ctx, "rewards"); err != nil || ran {
		t.Fatalf("same day run = %v, %v; want skipped", ran, err)
	}
	now = now.Add(24 * time.Hour)
	if ran, err := runner.RunOnce(ctx, "rewards"); err != nil || !ran {
		t.Fatalf("next day run = %v, %v", ran, err)
	}
	if runs != 2 {
		t.Fatalf("runs = %d, want 2", runs)
	}
}

func TestRunnerPropagatesJobError(t *testing.T) {
	runner := NewRunner(WithGuard(nil))
	boom := errors.New("boom")
	if err := runner.Add(Job{Name: "sweep", Spec: "0 3 * * *", Run: func(context.Context, time.Time) error { return boom }}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if ran, err := runner.RunOnce(context.Background(), "sweep"); !ran || !errors.Is(err, boom) {
		t.Fatalf("run = %v, %v", ran, err)
	}
	if _, err := runner.RunOnce(context.Background(), "missing"); !xerrors.HasCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRunnerAddValidation(t *testing.T) {
	runner := NewRunner()
	noop := func(context.Context, time.Time) error { return nil }

	if err := runner.Add(Job{Name: "bad", Spec: "@daily", Run: noop}); err == nil {
		t.Fatalf("expected descriptors to be rejected")
	}
	if err := runner.Add(Job{Name: "", Spec: "* * * * *", Run: noop}); err == nil {
		t.Fatalf("expected missing name to be rejected")
	}
	if err := runner.Add(Job{Name: "ok", Spec: "*/5 * * * *", Run: noop}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := runner.Add(Job{Name: "ok", Spec: "*/5 * * * *", Run: noop}); !xerrors.HasCode(err, xerrors.CodeConflict) {
		t.Fatalf("expected duplicate conflict, got %v", err)
	}
	if len(runner.Jobs()) != 1 {
		t.Fatalf("jobs = %v", runner.Jobs())
	}

	runner.Start(context.Background())
	runner.Stop()
}
