package energy

import (
	"context"
	"time"
)

// Entry 描述一次待写入的余额变动。
type Entry struct {
	ID          string
	AccountID   string
	Amount      int64
	Source      Source
	ReferenceID string
	Details     map[string]any
	At          time.Time
}

// Store 抽象了能量账户与流水的持久化接口。
//
// Credit 与 Debit 必须在存储层原子地完成“校验余额、修改余额、追加流水”，
// 并发的 Debit 永远不能把余额扣成负数。AdjustStake 的质押变动与 bonus
// 入账在同一事务中完成，任一步失败都不留下任何修改。流水 ID 重复时返回 CONFLICT。
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	Credit(ctx context.Context, entry Entry) (*Account, *Transaction, error)
	Debit(ctx context.Context, entry Entry) (*Account, *Transaction, error)
	AdjustStake(ctx context.Context, accountID string, delta int64, at time.Time, bonus *Entry) (*Account, *Transaction, error)
	ListStaked(ctx context.Context) ([]*Account, error)
	MarkStakingReward(ctx context.Context, accountID string, at time.Time) error
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
	Close() error
}

// BalanceChecker 查询账户在链上可用于质押的代币数量。
type BalanceChecker interface {
	StakeableBalance(ctx context.Context, accountID string) (int64, error)
}

// BalanceCheckerFunc 允许以函数实现 BalanceChecker。
type BalanceCheckerFunc func(ctx context.Context, accountID string) (int64, error)

// StakeableBalance 实现 BalanceChecker。
func (f BalanceCheckerFunc) StakeableBalance(ctx context.Context, accountID string) (int64, error) {
	return f(ctx, accountID)
}
