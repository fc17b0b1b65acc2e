package energy

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/storage/sqldb"
)

const accountColumns = `account_id, balance, staked, lifetime_earned, lifetime_spent, last_staking_reward, created_at, updated_at`

// SQLStore 基于 MySQL 或 SQLite 持久化账户与流水。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 使用已完成迁移的数据库创建账本存储。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "energy database is nil")
	}
	return &SQLStore{db: db}, nil
}

// GetAccount 查询账户。
func (s *SQLStore) GetAccount(ctx context.Context, accountID string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM energy_accounts WHERE account_id = ?`, accountID)
	account, err := scanAccount(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询能量账户失败")
	}
	return account, nil
}

// Credit 在同一事务中更新余额并写入流水。
func (s *SQLStore) Credit(ctx context.Context, entry Entry) (*Account, *Transaction, error) {
	var (
		account *Account
		record  *Transaction
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		at := sqldb.ToMillis(entry.At)
		if _, err := tx.ExecContext(ctx, s.upsertSQL("balance", "lifetime_earned"),
			entry.AccountID, entry.Amount, entry.Amount, at, at); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "增加能量余额失败")
		}
		var err error
		account, record, err = s.appendTransaction(ctx, tx, entry, DirectionCredit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return account, record, nil
}

// Debit 通过条件更新扣减余额，余额不足时不写入任何数据。
func (s *SQLStore) Debit(ctx context.Context, entry Entry) (*Account, *Transaction, error) {
	var (
		account *Account
		record  *Transaction
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE energy_accounts
SET balance = balance - ?, lifetime_spent = lifetime_spent + ?, updated_at = ?
WHERE account_id = ? AND balance >= ?`,
			entry.Amount, entry.Amount, sqldb.ToMillis(entry.At), entry.AccountID, entry.Amount)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "扣减能量余额失败")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取扣减结果失败")
		}
		if affected == 0 {
			return ErrInsufficientEnergy
		}
		account, record, err = s.appendTransaction(ctx, tx, entry, DirectionDebit)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return account, record, nil
}

// AdjustStake 修改质押数量，bonus 不为空时在同一事务内入账。
func (s *SQLStore) AdjustStake(ctx context.Context, accountID string, delta int64, at time.Time, bonus *Entry) (*Account, *Transaction, error) {
	var (
		account *Account
		record  *Transaction
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ts := sqldb.ToMillis(at)
		if delta >= 0 {
			if _, err := tx.ExecContext(ctx, s.upsertSQL("staked"), accountID, delta, ts, ts); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "增加质押失败")
			}
		} else {
			res, err := tx.ExecContext(ctx, `UPDATE energy_accounts SET staked = staked - ?, updated_at = ?
WHERE account_id = ? AND staked >= ?`, -delta, ts, accountID, -delta)
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "减少质押失败")
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取解押结果失败")
			}
			if affected == 0 {
				return ErrInsufficientStake
			}
		}

		var err error
		if bonus != nil {
			bat := sqldb.ToMillis(bonus.At)
			if _, err := tx.ExecContext(ctx, s.upsertSQL("balance", "lifetime_earned"),
				accountID, bonus.Amount, bonus.Amount, bat, bat); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "发放质押奖励失败")
			}
			account, record, err = s.appendTransaction(ctx, tx, *bonus, DirectionCredit)
			return err
		}
		account, err = scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM energy_accounts WHERE account_id = ?`, accountID))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取能量账户失败")
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return account, record, nil
}

// ListStaked 返回质押量大于零的账户。
func (s *SQLStore) ListStaked(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM energy_accounts WHERE staked > 0 ORDER BY account_id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询质押账户失败")
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析质押账户失败")
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历质押账户失败")
	}
	return accounts, nil
}

// MarkStakingReward 记录最近一次奖励发放时间。
func (s *SQLStore) MarkStakingReward(ctx context.Context, accountID string, at time.Time) error {
	ts := sqldb.ToMillis(at)
	if _, err := s.db.ExecContext(ctx, `UPDATE energy_accounts SET last_staking_reward = ?, updated_at = ? WHERE account_id = ?`,
		ts, ts, accountID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录质押奖励时间失败")
	}
	return nil
}

// ListTransactions 按写入顺序倒序分页返回流水。
func (s *SQLStore) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, direction, amount, source, balance_after, details, reference_id, created_at
FROM energy_transactions WHERE account_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询能量流水失败")
	}
	defer rows.Close()

	result := make([]*Transaction, 0)
	for rows.Next() {
		var (
			tx        Transaction
			direction string
			source    string
			details   string
			createdAt int64
		)
		if err := rows.Scan(&tx.ID, &tx.AccountID, &direction, &tx.Amount, &source, &tx.BalanceAfter, &details, &tx.ReferenceID, &createdAt); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析能量流水失败")
		}
		tx.Direction = Direction(direction)
		tx.Source = Source(source)
		tx.CreatedAt = sqldb.FromMillis(createdAt)
		if details != "" {
			if err := json.Unmarshal([]byte(details), &tx.Details); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析流水详情失败")
			}
		}
		result = append(result, &tx)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历能量流水失败")
	}
	return result, nil
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启账本事务失败")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交账本事务失败")
	}
	return nil
}

// upsertSQL 生成按列累加的插入语句，参数依次为 account_id、各列增量、created_at、updated_at。
func (s *SQLStore) upsertSQL(columns ...string) string {
	insertCols := "account_id"
	placeholders := "?"
	for _, col := range columns {
		insertCols += ", " + col
		placeholders += ", ?"
	}
	stmt := `INSERT INTO energy_accounts (` + insertCols + `, created_at, updated_at) VALUES (` + placeholders + `, ?, ?) `
	if s.db.Dialect() == sqldb.DialectMySQL {
		stmt += `ON DUPLICATE KEY UPDATE `
		for _, col := range columns {
			stmt += col + ` = ` + col + ` + VALUES(` + col + `), `
		}
		return stmt + `updated_at = VALUES(updated_at)`
	}
	stmt += `ON CONFLICT(account_id) DO UPDATE SET `
	for _, col := range columns {
		stmt += col + ` = ` + col + ` + excluded.` + col + `, `
	}
	return stmt + `updated_at = excluded.updated_at`
}

func (s *SQLStore) appendTransaction(ctx context.Context, tx *sql.Tx, entry Entry, direction Direction) (*Account, *Transaction, error) {
	account, err := scanAccount(tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM energy_accounts WHERE account_id = ?`, entry.AccountID))
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取能量账户失败")
	}
	details := ""
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化流水详情失败")
		}
		details = string(raw)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO energy_transactions
(id, account_id, direction, amount, source, balance_after, details, reference_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.AccountID, string(direction), entry.Amount, string(entry.Source),
		account.Balance, details, entry.ReferenceID, sqldb.ToMillis(entry.At)); err != nil {
		if sqldb.IsDuplicateKey(err) {
			return nil, nil, xerrors.Wrap(xerrors.CodeConflict, err, "能量流水 ID 已存在")
		}
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入能量流水失败")
	}
	record := &Transaction{
		ID:           entry.ID,
		AccountID:    entry.AccountID,
		Direction:    direction,
		Amount:       entry.Amount,
		Source:       entry.Source,
		BalanceAfter: account.Balance,
		Details:      cloneDetails(entry.Details),
		ReferenceID:  entry.ReferenceID,
		CreatedAt:    entry.At.UTC(),
	}
	return account, record, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		account    Account
		lastReward sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	if err := row.Scan(&account.AccountID, &account.Balance, &account.Staked, &account.LifetimeEarned,
		&account.LifetimeSpent, &lastReward, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	account.LastStakingReward = sqldb.TimePtr(lastReward)
	account.CreatedAt = sqldb.FromMillis(createdAt)
	account.UpdatedAt = sqldb.FromMillis(updatedAt)
	return &account, nil
}

var _ Store = (*SQLStore)(nil)
