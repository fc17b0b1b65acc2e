package energy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
)

// MemoryStore 是 Store 的内存实现，适用于开发与测试环境。
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	history  map[string][]*Transaction
	txIDs    map[string]struct{}
}

// NewMemoryStore 创建一个空的内存账本。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		history:  make(map[string][]*Transaction),
		txIDs:    make(map[string]struct{}),
	}
}

// GetAccount 返回账户副本。
func (s *MemoryStore) GetAccount(_ context.Context, accountID string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return cloneAccount(account), nil
}

// Credit 增加余额，账户不存在时自动创建。
func (s *MemoryStore) Credit(_ context.Context, entry Entry) (*Account, *Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIDLocked(entry.ID); err != nil {
		return nil, nil, err
	}
	account := s.ensureAccountLocked(entry.AccountID, entry.At)
	account.Balance += entry.Amount
	account.LifetimeEarned += entry.Amount
	account.UpdatedAt = entry.At
	tx := s.appendLocked(entry, DirectionCredit, account.Balance)
	return cloneAccount(account), cloneTransaction(tx), nil
}

// Debit 在余额充足时扣减，否则返回 ErrInsufficientEnergy 且不修改任何状态。
func (s *MemoryStore) Debit(_ context.Context, entry Entry) (*Account, *Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkIDLocked(entry.ID); err != nil {
		return nil, nil, err
	}
	account, ok := s.accounts[entry.AccountID]
	if !ok || account.Balance < entry.Amount {
		return nil, nil, ErrInsufficientEnergy
	}
	account.Balance -= entry.Amount
	account.LifetimeSpent += entry.Amount
	account.UpdatedAt = entry.At
	tx := s.appendLocked(entry, DirectionDebit, account.Balance)
	return cloneAccount(account), cloneTransaction(tx), nil
}

// AdjustStake 修改质押数量，delta 为负时要求质押充足；bonus 与质押变动一起生效。
func (s *MemoryStore) AdjustStake(_ context.Context, accountID string, delta int64, at time.Time, bonus *Entry) (*Account, *Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bonus != nil {
		if err := s.checkIDLocked(bonus.ID); err != nil {
			return nil, nil, err
		}
	}
	account, ok := s.accounts[accountID]
	if delta < 0 && (!ok || account.Staked < -delta) {
		return nil, nil, ErrInsufficientStake
	}
	if !ok {
		account = s.ensureAccountLocked(accountID, at)
	}
	account.Staked += delta
	account.UpdatedAt = at

	var tx *Transaction
	if bonus != nil {
		account.Balance += bonus.Amount
		account.LifetimeEarned += bonus.Amount
		tx = cloneTransaction(s.appendLocked(*bonus, DirectionCredit, account.Balance))
	}
	return cloneAccount(account), tx, nil
}

// ListStaked 返回所有质押量大于零的账户，按账户 ID 排序。
func (s *MemoryStore) ListStaked(_ context.Context) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*Account, 0)
	for _, account := range s.accounts {
		if account.Staked > 0 {
			result = append(result, cloneAccount(account))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].AccountID < result[j].AccountID })
	return result, nil
}

// MarkStakingReward 记录最近一次质押奖励时间。
func (s *MemoryStore) MarkStakingReward(_ context.Context, accountID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	ts := at
	account.LastStakingReward = &ts
	account.UpdatedAt = at
	return nil
}

// ListTransactions 以时间倒序分页返回流水。
func (s *MemoryStore) ListTransactions(_ context.Context, accountID string, limit, offset int) ([]*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[accountID]
	total := len(entries)
	if offset >= total {
		return []*Transaction{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	result := make([]*Transaction, 0, end-offset)
	for i := offset; i < end; i++ {
		result = append(result, cloneTransaction(entries[total-1-i]))
	}
	return result, nil
}

// Close 对内存实现无操作。
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) ensureAccountLocked(accountID string, at time.Time) *Account {
	account, ok := s.accounts[accountID]
	if !ok {
		account = &Account{AccountID: strings.TrimSpace(accountID), CreatedAt: at, UpdatedAt: at}
		s.accounts[accountID] = account
	}
	return account
}

func (s *MemoryStore) checkIDLocked(id string) error {
	if _, dup := s.txIDs[id]; dup {
		return xerrors.Newf(xerrors.CodeConflict, "能量流水 ID %s 已存在", id)
	}
	return nil
}

func (s *MemoryStore) appendLocked(entry Entry, direction Direction, balanceAfter int64) *Transaction {
	tx := &Transaction{
		ID:           entry.ID,
		AccountID:    entry.AccountID,
		Direction:    direction,
		Amount:       entry.Amount,
		Source:       entry.Source,
		BalanceAfter: balanceAfter,
		Details:      cloneDetails(entry.Details),
		ReferenceID:  entry.ReferenceID,
		CreatedAt:    entry.At,
	}
	s.history[entry.AccountID] = append(s.history[entry.AccountID], tx)
	s.txIDs[entry.ID] = struct{}{}
	return tx
}

var _ Store = (*MemoryStore)(nil)
