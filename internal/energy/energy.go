package energy

import (
	"time"

	xerrors "AgentCron-Chain/internal/errors"
)

// Direction 表示一次余额变动的方向。
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// Source 枚举余额变动的业务原因。
type Source string

const (
	SourceSchedule      Source = "schedule"
	SourceManual        Source = "manual"
	SourceStakeBonus    Source = "stake_bonus"
	SourceStakingReward Source = "staking_reward"
	SourceSystem        Source = "system"
)

// IsValidSource 检查来源是否为支持的枚举值。
func IsValidSource(source Source) bool {
	switch source {
	case SourceSchedule, SourceManual, SourceStakeBonus, SourceStakingReward, SourceSystem:
		return true
	default:
		return false
	}
}

// Account 描述一个账户的能量状态。
type Account struct {
	AccountID         string     `json:"account_id"`
	Balance           int64      `json:"balance"`
	Staked            int64      `json:"staked"`
	LifetimeEarned    int64      `json:"lifetime_earned"`
	LifetimeSpent     int64      `json:"lifetime_spent"`
	LastStakingReward *time.Time `json:"last_staking_reward,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Transaction 是不可变的余额变动记录，BalanceAfter 为变动后的余额。
type Transaction struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Direction    Direction      `json:"direction"`
	Amount       int64          `json:"amount"`
	Source       Source         `json:"source"`
	BalanceAfter int64          `json:"balance_after"`
	Details      map[string]any `json:"details,omitempty"`
	ReferenceID  string         `json:"reference_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// StakeResult 汇总质押或解押之后的账户状态。
type StakeResult struct {
	Balance int64 `json:"balance"`
	Staked  int64 `json:"staked"`
}

// RewardSummary 汇总一次质押奖励发放。
type RewardSummary struct {
	Accounts int   `json:"accounts"`
	Rewarded int   `json:"rewarded"`
	Total    int64 `json:"total"`
}

const (
	CodeInvalidAmount      xerrors.Code = "INVALID_AMOUNT"
	CodeInsufficientEnergy xerrors.Code = "INSUFFICIENT_ENERGY"
	CodeInsufficientStake  xerrors.Code = "INSUFFICIENT_STAKE"
	CodeInsufficientTokens xerrors.Code = "INSUFFICIENT_TOKENS"
	CodeAccountNotFound    xerrors.Code = "ACCOUNT_NOT_FOUND"
)

var (
	// ErrInvalidAmount 表示金额必须为正整数。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "amount must be positive")
	// ErrInsufficientEnergy 表示账户不存在或余额不足。
	ErrInsufficientEnergy = xerrors.New(CodeInsufficientEnergy, "insufficient energy")
	// ErrInsufficientStake 表示已质押数量不足以解押。
	ErrInsufficientStake = xerrors.New(CodeInsufficientStake, "insufficient stake")
	// ErrInsufficientTokens 表示链上可质押代币不足。
	ErrInsufficientTokens = xerrors.New(CodeInsufficientTokens, "insufficient stakeable tokens")
	// ErrAccountNotFound 表示账户尚未创建。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "energy account not found")
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "amount must be positive",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientEnergy, xerrors.Attributes{
		Message:   "insufficient energy",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientStake, xerrors.Attributes{
		Message:   "insufficient stake",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientTokens, xerrors.Attributes{
		Message:   "insufficient stakeable tokens",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{
		Message:   "energy account not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	cloned := make(map[string]any, len(details))
	for key, value := range details {
		cloned[key] = value
	}
	return cloned
}

func cloneAccount(account *Account) *Account {
	if account == nil {
		return nil
	}
	clone := *account
	if account.LastStakingReward != nil {
		ts := *account.LastStakingReward
		clone.LastStakingReward = &ts
	}
	return &clone
}

func cloneTransaction(tx *Transaction) *Transaction {
	if tx == nil {
		return nil
	}
	clone := *tx
	clone.Details = cloneDetails(tx.Details)
	return &clone
}
