package energy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/storage/sqldb"
)

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) (func(), error) { return func() {}, nil }

func fixedChecker(amount int64) BalanceChecker {
	return BalanceCheckerFunc(func(context.Context, string) (int64, error) { return amount, nil })
}

type storeFactory func(t *testing.T) Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			t.Helper()
			db, err := sqldb.Open(context.Background(), sqldb.Config{
				Driver: "sqlite",
				DSN:    filepath.Join(t.TempDir(), "energy.db"),
			})
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			store, err := NewSQLStore(db)
			if err != nil {
				t.Fatalf("new sql store: %v", err)
			}
			t.Cleanup(func() { store.Close() })
			return store
		},
	}
}

func newTestLedger(t *testing.T, store Store, opts ...LedgerOption) *Ledger {
	t.Helper()
	ledger, err := NewLedger(store, opts...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return ledger
}

func TestLedgerBalanceDoesNotCreateAccount(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ledger := newTestLedger(t, factory(t))
			ctx := context.Background()
			balance, err := ledger.Balance(ctx, "alice")
			if err != nil || balance != 0 {
				t.Fatalf("expected zero balance, got %d, %v", balance, err)
			}
			if _, err := ledger.Account(ctx, "alice"); !errors.Is(err, ErrAccountNotFound) {
				t.Fatalf("expected account to remain absent, got %v", err)
			}
		})
	}
}

func TestLedgerCreditDebit(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ledger := newTestLedger(t, factory(t))

			for _, amount := range []int64{0, -5} {
				if _, err := ledger.Credit(ctx, "alice", amount, SourceManual); !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("credit %d: expected ErrInvalidAmount, got %v", amount, err)
				}
				if _, err := ledger.Debit(ctx, "alice", amount, SourceManual); !errors.Is(err, ErrInvalidAmount) {
					t.Fatalf("debit %d: expected ErrInvalidAmount, got %v", amount, err)
				}
			}

			if _, err := ledger.Debit(ctx, "alice", 1, SourceSchedule); !errors.Is(err, ErrInsufficientEnergy) {
				t.Fatalf("expected ErrInsufficientEnergy for missing account, got %v", err)
			}

			balance, err := ledger.Credit(ctx, "alice", 100, SourceManual, WithDetails(map[string]any{"note": "grant"}))
			if err != nil || balance != 100 {
				t.Fatalf("credit: %d, %v", balance, err)
			}
			balance, err = ledger.Debit(ctx, "alice", 30, SourceSchedule, WithReference("task-1"))
			if err != nil || balance != 70 {
				t.Fatalf("debit: %d, %v", balance, err)
			}
			if _, err := ledger.Debit(ctx, "alice", 71, SourceSchedule); !xerrors.HasCode(err, CodeInsufficientEnergy) {
				t.Fatalf("expected insufficient energy, got %v", err)
			}

			account, err := ledger.Account(ctx, "alice")
			if err != nil {
				t.Fatalf("account: %v", err)
			}
			if account.Balance != 70 || account.LifetimeEarned != 100 || account.LifetimeSpent != 30 {
				t.Fatalf("unexpected account %+v", account)
			}

			history, err := ledger.History(ctx, "alice", 10, 0)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != 2 {
				t.Fatalf("expected 2 transactions, got %d", len(history))
			}
			if history[0].Direction != DirectionDebit || history[0].ReferenceID != "task-1" || history[0].BalanceAfter != 70 {
				t.Fatalf("unexpected newest transaction %+v", history[0])
			}
			if history[1].Details["note"] != "grant" {
				t.Fatalf("details not persisted: %+v", history[1].Details)
			}
		})
	}
}

func TestLedgerRejectsUnknownSource(t *testing.T) {
	ledger := newTestLedger(t, NewMemoryStore())
	if _, err := ledger.Credit(context.Background(), "alice", 5, Source("gift")); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

// 即使关闭账户锁，存储层的条件更新也不能让余额变为负数。
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	for name, factory := range storeFactories() {
		for _, locker := range []struct {
			name   string
			locker Locker
		}{{"local", NewLocalLocker()}, {"none", noopLocker{}}} {
			t.Run(name+"/"+locker.name, func(t *testing.T) {
				ctx := context.Background()
				ledger := newTestLedger(t, factory(t), WithLocker(locker.locker))
				if _, err := ledger.Credit(ctx, "bob", 100, SourceManual); err != nil {
					t.Fatalf("seed: %v", err)
				}

				var (
					wg        sync.WaitGroup
					succeeded atomic.Int64
				)
				for i := 0; i < 50; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						_, err := ledger.Debit(ctx, "bob", 3, SourceSchedule)
						switch {
						case err == nil:
							succeeded.Add(1)
						case errors.Is(err, ErrInsufficientEnergy):
						default:
							t.Errorf("unexpected debit error: %v", err)
						}
					}()
				}
				wg.Wait()

				if got := succeeded.Load(); got != 33 {
					t.Fatalf("expected 33 successful debits, got %d", got)
				}
				balance, _ := ledger.Balance(ctx, "bob")
				if balance != 1 {
					t.Fatalf("expected final balance 1, got %d", balance)
				}
				assertReplay(t, ledger, "bob", balance)
			})
		}
	}
}

func assertReplay(t *testing.T, ledger *Ledger, account string, balance int64) {
	t.Helper()
	var all []*Transaction
	for offset := 0; ; offset += maxHistoryLimit {
		page, err := ledger.History(context.Background(), account, maxHistoryLimit, offset)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		all = append(all, page...)
		if len(page) < maxHistoryLimit {
			break
		}
	}
	var running int64
	for i := len(all) - 1; i >= 0; i-- {
		tx := all[i]
		switch tx.Direction {
		case DirectionCredit:
			running += tx.Amount
		case DirectionDebit:
			running -= tx.Amount
		}
		if running < 0 {
			t.Fatalf("replay went negative at %s", tx.ID)
		}
		if tx.BalanceAfter != running {
			t.Fatalf("tx %s balance_after %d, replay %d", tx.ID, tx.BalanceAfter, running)
		}
	}
	if running != balance {
		t.Fatalf("replay total %d != balance %d", running, balance)
	}
}

func TestStakeAndUnstake(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ledger := newTestLedger(t, factory(t), WithBalanceChecker(fixedChecker(100)))

			result, err := ledger.Stake(ctx, "carol", 100)
			if err != nil {
				t.Fatalf("stake: %v", err)
			}
			if result.Staked != 100 || result.Balance != 1000 {
				t.Fatalf("unexpected stake result %+v", result)
			}

			if _, err := ledger.Unstake(ctx, "carol", 150); !errors.Is(err, ErrInsufficientStake) {
				t.Fatalf("expected ErrInsufficientStake, got %v", err)
			}
			account, _ := ledger.Account(ctx, "carol")
			if account.Staked != 100 || account.Balance != 1000 {
				t.Fatalf("failed unstake mutated account %+v", account)
			}

			result, err = ledger.Unstake(ctx, "carol", 40)
			if err != nil || result.Staked != 60 || result.Balance != 1000 {
				t.Fatalf("unstake: %+v, %v", result, err)
			}

			history, _ := ledger.History(ctx, "carol", 0, 0)
			if len(history) != 1 || history[0].Source != SourceStakeBonus || history[0].Amount != 1000 {
				t.Fatalf("unexpected bonus history %+v", history)
			}
		})
	}
}

func TestStakeRequiresTokens(t *testing.T) {
	ctx := context.Background()
	ledger := newTestLedger(t, NewMemoryStore(), WithBalanceChecker(fixedChecker(50)))
	if _, err := ledger.Stake(ctx, "dave", 100); !errors.Is(err, ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if _, err := ledger.Account(ctx, "dave"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("stake rejection must not create account, got %v", err)
	}

	unconfigured := newTestLedger(t, NewMemoryStore())
	if _, err := unconfigured.Stake(ctx, "dave", 1); !xerrors.HasCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure without checker, got %v", err)
	}
	if _, err := unconfigured.Stake(ctx, "dave", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestStakeCountsExistingStake(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ledger := newTestLedger(t, factory(t), WithBalanceChecker(fixedChecker(100)), WithBonusRate(0))

			if _, err := ledger.Stake(ctx, "heidi", 100); err != nil {
				t.Fatalf("stake: %v", err)
			}
			if _, err := ledger.Stake(ctx, "heidi", 1); !errors.Is(err, ErrInsufficientTokens) {
				t.Fatalf("expected ErrInsufficientTokens once balance is fully staked, got %v", err)
			}
			if _, err := ledger.Unstake(ctx, "heidi", 40); err != nil {
				t.Fatalf("unstake: %v", err)
			}
			if _, err := ledger.Stake(ctx, "heidi", 41); !errors.Is(err, ErrInsufficientTokens) {
				t.Fatalf("expected ErrInsufficientTokens above headroom, got %v", err)
			}
			result, err := ledger.Stake(ctx, "heidi", 40)
			if err != nil || result.Staked != 100 {
				t.Fatalf("restake: %+v, %v", result, err)
			}
		})
	}
}

func TestAdjustStakeRollsBackWhenBonusFails(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := factory(t)
			at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			if _, _, err := store.Credit(ctx, Entry{ID: "dup", AccountID: "ivan", Amount: 5, Source: SourceManual, At: at}); err != nil {
				t.Fatalf("credit: %v", err)
			}

			bonus := &Entry{ID: "dup", AccountID: "ivan", Amount: 500, Source: SourceStakeBonus, At: at}
			if _, _, err := store.AdjustStake(ctx, "ivan", 50, at, bonus); !xerrors.HasCode(err, xerrors.CodeConflict) {
				t.Fatalf("expected conflict on duplicate bonus id, got %v", err)
			}
			account, err := store.GetAccount(ctx, "ivan")
			if err != nil {
				t.Fatalf("get account: %v", err)
			}
			if account.Staked != 0 || account.Balance != 5 || account.LifetimeEarned != 5 {
				t.Fatalf("failed stake left partial state %+v", account)
			}
			history, err := store.ListTransactions(ctx, "ivan", 10, 0)
			if err != nil || len(history) != 1 {
				t.Fatalf("unexpected history %+v, %v", history, err)
			}

			bonus.ID = "bonus-1"
			account, tx, err := store.AdjustStake(ctx, "ivan", 50, at, bonus)
			if err != nil {
				t.Fatalf("adjust stake: %v", err)
			}
			if account.Staked != 50 || account.Balance != 505 || tx == nil || tx.BalanceAfter != 505 {
				t.Fatalf("unexpected stake outcome %+v %+v", account, tx)
			}
		})
	}
}

func TestApplyRecurringRewards(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
			ledger := newTestLedger(t, factory(t),
				WithBalanceChecker(fixedChecker(1_000)),
				WithBonusRate(0),
				WithClock(func() time.Time { return now }))

			if _, err := ledger.Stake(ctx, "erin", 100); err != nil {
				t.Fatalf("stake erin: %v", err)
			}
			if _, err := ledger.Stake(ctx, "frank", 5); err != nil {
				t.Fatalf("stake frank: %v", err)
			}
			if _, err := ledger.Credit(ctx, "grace", 10, SourceManual); err != nil {
				t.Fatalf("credit grace: %v", err)
			}

			summary, err := ledger.ApplyRecurringRewards(ctx, now)
			if err != nil {
				t.Fatalf("rewards: %v", err)
			}
			if summary.Accounts != 2 || summary.Rewarded != 1 || summary.Total != 10 {
				t.Fatalf("unexpected summary %+v", summary)
			}

			erin, _ := ledger.Account(ctx, "erin")
			if erin.Balance != 10 || erin.LastStakingReward == nil || !erin.LastStakingReward.Equal(now) {
				t.Fatalf("unexpected erin %+v", erin)
			}
			frank, _ := ledger.Account(ctx, "frank")
			if frank.Balance != 0 || frank.LastStakingReward == nil {
				t.Fatalf("zero reward should still stamp the account: %+v", frank)
			}
			grace, _ := ledger.Account(ctx, "grace")
			if grace.LastStakingReward != nil {
				t.Fatalf("unstaked account must not be rewarded: %+v", grace)
			}
		})
	}
}

func TestRewardFor(t *testing.T) {
	cases := []struct {
		staked int64
		rate   float64
		want   int64
	}{
		{100, 0.1, 10},
		{100, 0.29, 29},
		{5, 0.1, 0},
		{15, 0.1, 1},
		{0, 0.5, 0},
		{100, 0, 0},
	}
	for _, tc := range cases {
		if got := rewardFor(tc.staked, tc.rate); got != tc.want {
			t.Fatalf("rewardFor(%d, %v) = %d, want %d", tc.staked, tc.rate, got, tc.want)
		}
	}
}

func TestHistoryPagination(t *testing.T) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ledger := newTestLedger(t, factory(t))
			for i := int64(1); i <= 5; i++ {
				if _, err := ledger.Credit(ctx, "heidi", i, SourceManual); err != nil {
					t.Fatalf("credit: %v", err)
				}
			}
			first, _ := ledger.History(ctx, "heidi", 2, 0)
			second, _ := ledger.History(ctx, "heidi", 2, 2)
			last, _ := ledger.History(ctx, "heidi", 2, 4)
			beyond, _ := ledger.History(ctx, "heidi", 2, 10)
			if len(first) != 2 || first[0].Amount != 5 || first[1].Amount != 4 {
				t.Fatalf("unexpected first page %+v", first)
			}
			if len(second) != 2 || second[0].Amount != 3 {
				t.Fatalf("unexpected second page %+v", second)
			}
			if len(last) != 1 || last[0].Amount != 1 {
				t.Fatalf("unexpected last page %+v", last)
			}
			if len(beyond) != 0 {
				t.Fatalf("expected empty page, got %d", len(beyond))
			}
		})
	}
}
