package energy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/observability/metrics"
	"AgentCron-Chain/pkg/logger"
)

const (
	// DefaultBonusRate 是每质押一个代币奖励的能量。
	DefaultBonusRate int64 = 10
	// DefaultDailyRewardRate 是每日按质押量发放的奖励比例。
	DefaultDailyRewardRate = 0.1

	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Ledger 管理账户能量余额、质押与流水。
//
// 同一账户上的读改写由 Locker 串行化，存储层再以条件更新兜底，
// 因此并发扣减不会让余额变为负数。
type Ledger struct {
	store           Store
	locker          Locker
	checker         BalanceChecker
	bonusRate       int64
	dailyRewardRate float64
	clock           func() time.Time
	logger          *slog.Logger
}

// LedgerOption 自定义 Ledger。
type LedgerOption func(*Ledger)

// WithBonusRate 设置质押奖励倍率。
func WithBonusRate(rate int64) LedgerOption {
	return func(l *Ledger) {
		if rate >= 0 {
			l.bonusRate = rate
		}
	}
}

// WithDailyRewardRate 设置每日质押奖励比例。
func WithDailyRewardRate(rate float64) LedgerOption {
	return func(l *Ledger) {
		if rate >= 0 && !math.IsNaN(rate) && !math.IsInf(rate, 0) {
			l.dailyRewardRate = rate
		}
	}
}

// WithLocker 指定账户锁实现。
func WithLocker(locker Locker) LedgerOption {
	return func(l *Ledger) {
		if locker != nil {
			l.locker = locker
		}
	}
}

// WithBalanceChecker 指定链上代币余额查询。
func WithBalanceChecker(checker BalanceChecker) LedgerOption {
	return func(l *Ledger) {
		l.checker = checker
	}
}

// WithClock 注入时间来源，便于测试。
func WithClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(log *slog.Logger) LedgerOption {
	return func(l *Ledger) {
		if log != nil {
			l.logger = log
		}
	}
}

// NewLedger 创建账本服务。
func NewLedger(store Store, opts ...LedgerOption) (*Ledger, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "energy store is nil")
	}
	ledger := &Ledger{
		store:           store,
		locker:          NewLocalLocker(),
		bonusRate:       DefaultBonusRate,
		dailyRewardRate: DefaultDailyRewardRate,
		clock:           time.Now,
		logger:          logger.Named("energy"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ledger)
		}
	}
	return ledger, nil
}

// EntryOption 为单笔流水附加信息。
type EntryOption func(*Entry)

// WithReference 记录关联对象，例如任务 ID。
func WithReference(id string) EntryOption {
	return func(e *Entry) {
		e.ReferenceID = strings.TrimSpace(id)
	}
}

// WithDetails 附加流水详情。
func WithDetails(details map[string]any) EntryOption {
	return func(e *Entry) {
		if len(details) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			e.Details[k] = v
		}
	}
}

// Balance 返回账户余额，账户不存在时返回 0 且不会创建账户。
func (l *Ledger) Balance(ctx context.Context, accountID string) (int64, error) {
	account, err := l.Account(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// Account 返回完整账户信息。
func (l *Ledger) Account(ctx context.Context, accountID string) (*Account, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return nil, err
	}
	return l.store.GetAccount(ctx, accountID)
}

// Credit 增加余额并返回新余额。
func (l *Ledger) Credit(ctx context.Context, accountID string, amount int64, source Source, opts ...EntryOption) (int64, error) {
	entry, err := l.newEntry(accountID, amount, source, opts)
	if err != nil {
		return 0, err
	}
	unlock, err := l.locker.Lock(ctx, entry.AccountID)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return l.creditLocked(ctx, entry)
}

// Debit 扣减余额并返回新余额，余额不足时返回 ErrInsufficientEnergy。
func (l *Ledger) Debit(ctx context.Context, accountID string, amount int64, source Source, opts ...EntryOption) (int64, error) {
	entry, err := l.newEntry(accountID, amount, source, opts)
	if err != nil {
		return 0, err
	}
	unlock, err := l.locker.Lock(ctx, entry.AccountID)
	if err != nil {
		return 0, err
	}
	defer unlock()

	account, tx, err := l.store.Debit(ctx, entry)
	if err != nil {
		return 0, err
	}
	l.record(tx)
	return account.Balance, nil
}

// Stake 质押代币并按倍率发放能量奖励。
func (l *Ledger) Stake(ctx context.Context, accountID string, amount int64) (StakeResult, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return StakeResult{}, err
	}
	if amount <= 0 {
		return StakeResult{}, ErrInvalidAmount
	}
	if l.bonusRate > 0 && amount > math.MaxInt64/l.bonusRate {
		return StakeResult{}, xerrors.Newf(CodeInvalidAmount, "stake amount %d overflows bonus", amount)
	}
	if l.checker == nil {
		return StakeResult{}, xerrors.New(xerrors.CodeInitializationFailure, "staking balance checker not configured")
	}

	unlock, err := l.locker.Lock(ctx, accountID)
	if err != nil {
		return StakeResult{}, err
	}
	defer unlock()

	var staked int64
	current, err := l.store.GetAccount(ctx, accountID)
	switch {
	case err == nil:
		staked = current.Staked
	case !errors.Is(err, ErrAccountNotFound):
		return StakeResult{}, err
	}
	available, err := l.checker.StakeableBalance(ctx, accountID)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return StakeResult{}, err
		}
		return StakeResult{}, xerrors.Wrap(xerrors.CodeUnknown, err, "查询可质押余额失败")
	}
	// 链上余额包含已质押部分，新增质押只能使用剩余额度。
	if available-staked < amount {
		return StakeResult{}, xerrors.Newf(CodeInsufficientTokens,
			"stakeable balance %d with %d already staked is below %d", available, staked, amount)
	}

	now := l.clock().UTC()
	var bonus *Entry
	if reward := amount * l.bonusRate; reward > 0 {
		bonus = &Entry{
			ID:        uuid.NewString(),
			AccountID: accountID,
			Amount:    reward,
			Source:    SourceStakeBonus,
			Details:   map[string]any{"staked_amount": amount, "bonus_rate": l.bonusRate},
			At:        now,
		}
	}
	account, tx, err := l.store.AdjustStake(ctx, accountID, amount, now, bonus)
	if err != nil {
		return StakeResult{}, err
	}
	l.record(tx)
	result := StakeResult{Balance: account.Balance, Staked: account.Staked}
	logger.Audit().Info("能量质押完成",
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
		slog.Int64("staked", result.Staked),
		slog.Int64("balance", result.Balance))
	return result, nil
}

// Unstake 解除质押，质押不足时账户保持不变。
func (l *Ledger) Unstake(ctx context.Context, accountID string, amount int64) (StakeResult, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return StakeResult{}, err
	}
	if amount <= 0 {
		return StakeResult{}, ErrInvalidAmount
	}
	unlock, err := l.locker.Lock(ctx, accountID)
	if err != nil {
		return StakeResult{}, err
	}
	defer unlock()

	account, _, err := l.store.AdjustStake(ctx, accountID, -amount, l.clock().UTC(), nil)
	if err != nil {
		return StakeResult{}, err
	}
	logger.Audit().Info("能量解押完成",
		slog.String("account_id", accountID),
		slog.Int64("amount", amount),
		slog.Int64("staked", account.Staked))
	return StakeResult{Balance: account.Balance, Staked: account.Staked}, nil
}

// ApplyRecurringRewards 为所有质押账户发放一次按比例的奖励。
//
// 单个账户失败不会影响其他账户，所有失败会合并返回。调用方负责保证每个周期只调用一次。
func (l *Ledger) ApplyRecurringRewards(ctx context.Context, now time.Time) (RewardSummary, error) {
	accounts, err := l.store.ListStaked(ctx)
	if err != nil {
		return RewardSummary{}, err
	}
	now = now.UTC()
	summary := RewardSummary{Accounts: len(accounts)}
	var errs []error
	for _, account := range accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		reward := rewardFor(account.Staked, l.dailyRewardRate)
		if err := l.rewardAccount(ctx, account, reward, now); err != nil {
			l.logger.Error("发放质押奖励失败", slog.String("account_id", account.AccountID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("account %s: %w", account.AccountID, err))
			continue
		}
		if reward > 0 {
			summary.Rewarded++
			summary.Total += reward
		}
	}
	l.logger.Info("质押奖励发放完成",
		slog.Int("accounts", summary.Accounts),
		slog.Int("rewarded", summary.Rewarded),
		slog.Int64("total", summary.Total))
	return summary, errors.Join(errs...)
}

func (l *Ledger) rewardAccount(ctx context.Context, account *Account, reward int64, now time.Time) error {
	unlock, err := l.locker.Lock(ctx, account.AccountID)
	if err != nil {
		return err
	}
	defer unlock()
	if reward > 0 {
		entry := Entry{
			ID:        uuid.NewString(),
			AccountID: account.AccountID,
			Amount:    reward,
			Source:    SourceStakingReward,
			Details:   map[string]any{"staked": account.Staked, "rate": l.dailyRewardRate},
			At:        now,
		}
		if _, err := l.creditLocked(ctx, entry); err != nil {
			return err
		}
	}
	return l.store.MarkStakingReward(ctx, account.AccountID, now)
}

// History 以时间倒序分页返回账户流水。
func (l *Ledger) History(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	return l.store.ListTransactions(ctx, accountID, limit, offset)
}

func (l *Ledger) creditLocked(ctx context.Context, entry Entry) (int64, error) {
	account, tx, err := l.store.Credit(ctx, entry)
	if err != nil {
		return 0, err
	}
	l.record(tx)
	return account.Balance, nil
}

func (l *Ledger) record(tx *Transaction) {
	if tx == nil {
		return
	}
	metrics.ObserveEnergy(string(tx.Direction), string(tx.Source), tx.Amount)
	logger.Audit().Info("能量流水",
		slog.String("tx_id", tx.ID),
		slog.String("account_id", tx.AccountID),
		slog.String("direction", string(tx.Direction)),
		slog.String("source", string(tx.Source)),
		slog.Int64("amount", tx.Amount),
		slog.Int64("balance_after", tx.BalanceAfter),
		slog.String("reference_id", tx.ReferenceID))
}

func (l *Ledger) newEntry(accountID string, amount int64, source Source, opts []EntryOption) (Entry, error) {
	accountID, err := normalizeAccount(accountID)
	if err != nil {
		return Entry{}, err
	}
	if amount <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if !IsValidSource(source) {
		return Entry{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown energy source %q", source)
	}
	entry := Entry{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Amount:    amount,
		Source:    source,
		At:        l.clock().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&entry)
		}
	}
	return entry, nil
}

func normalizeAccount(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "account id is required")
	}
	return accountID, nil
}

// rewardFor 以十进制精度计算 floor(staked × rate)。
func rewardFor(staked int64, rate float64) int64 {
	if staked <= 0 || rate <= 0 {
		return 0
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(rate, 'f', -1, 64))
	if !ok {
		return 0
	}
	r.Mul(r, new(big.Rat).SetInt64(staked))
	q := new(big.Int).Quo(r.Num(), r.Denom())
	if !q.IsInt64() {
		return math.MaxInt64
	}
	return q.Int64()
}
