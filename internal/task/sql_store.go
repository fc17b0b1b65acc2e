package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/storage/sqldb"
)

const taskColumns = `id, owner, agent_id, name, description, input, schedule, next_execution_time,
        last_execution_time, last_execution_status, last_execution_result, execution_count, energy_cost,
        is_active, tags, metadata, created_at, updated_at`

// SQLStore 使用 MySQL 或 SQLite 记录任务。
type SQLStore struct {
	db *sqldb.DB
}

// NewSQLStore 使用已完成迁移的数据库创建任务存储。
func NewSQLStore(db *sqldb.DB) (*SQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "task database is nil")
	}
	return &SQLStore{db: db}, nil
}

// Create 插入新的任务记录。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.LastExecutionStatus == "" {
		task.LastExecutionStatus = StatusPending
	}

	tags, metadata, err := encodeCollections(task)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO tasks (` + taskColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.Owner,
		task.AgentID,
		task.Name,
		task.Description,
		task.Input,
		task.Schedule,
		sqldb.ToMillis(task.NextExecutionTime),
		sqldb.NullMillis(task.LastExecutionTime),
		string(task.LastExecutionStatus),
		task.LastExecutionResult,
		task.ExecutionCount,
		task.EnergyCost,
		boolToInt(task.IsActive),
		tags,
		metadata,
		sqldb.ToMillis(task.CreatedAt),
		sqldb.ToMillis(task.UpdatedAt),
	)
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	return s.get(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) get(ctx context.Context, q queryRower, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Update 覆盖任务中用户可编辑的字段。
func (s *SQLStore) Update(ctx context.Context, task *Task, mask UpdateMask) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	tags, metadata, err := encodeCollections(task)
	if err != nil {
		return err
	}
	stmt := `UPDATE tasks SET name = ?, description = ?, input = ?, schedule = ?, energy_cost = ?,
        tags = ?, metadata = ?, updated_at = ?`
	args := []any{task.Name, task.Description, task.Input, task.Schedule, task.EnergyCost,
		tags, metadata, sqldb.ToMillis(task.UpdatedAt)}
	if mask.NextExecutionTime {
		stmt += `, next_execution_time = ?`
		args = append(args, sqldb.ToMillis(task.NextExecutionTime))
	}
	if mask.IsActive {
		stmt += `, is_active = ?`
		args = append(args, boolToInt(task.IsActive))
	}
	stmt += ` WHERE id = ?`
	args = append(args, task.ID)

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务失败")
	}
	return s.ensureAffected(ctx, res, task.ID)
}

// Delete 删除任务。
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	switch opts.Order {
	case SortByNextExecutionAsc:
		query += " ORDER BY next_execution_time ASC, id ASC"
	case SortByUpdatedDesc:
		query += " ORDER BY updated_at DESC, id ASC"
	default:
		query += " ORDER BY created_at DESC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	return s.queryTasks(ctx, query, args...)
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN is_active = 1 THEN 1 ELSE 0 END), 0) AS active,
        COALESCE(SUM(CASE WHEN schedule <> '' THEN 1 ELSE 0 END), 0) AS recurring,
        COALESCE(SUM(CASE WHEN last_execution_status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN last_execution_status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(execution_count), 0) AS executions,
        MIN(CASE WHEN is_active = 1 THEN next_execution_time END) AS next_execution
        FROM tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := append([]any{string(StatusSuccess), string(StatusFailed)}, filterArgs...)

	var (
		stats TaskStats
		next  sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Active,
		&stats.Recurring,
		&stats.Succeeded,
		&stats.Failed,
		&stats.TotalExecutions,
		&next,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	stats.Pending = stats.Total - stats.Succeeded - stats.Failed
	stats.NextExecution = sqldb.TimePtr(next)
	return stats, nil
}

// Due 返回已到期的活跃任务。
func (s *SQLStore) Due(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks
        WHERE is_active = 1 AND next_execution_time <= ?
        ORDER BY next_execution_time ASC, id ASC LIMIT ?`, sqldb.ToMillis(now), limit)
}

// RecordExecution 写回一次执行结果并返回最新任务。
func (s *SQLStore) RecordExecution(ctx context.Context, id string, record ExecutionRecord) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启任务事务失败")
	}
	defer tx.Rollback()

	executedAt := sqldb.ToMillis(record.ExecutedAt)
	success := 0
	if record.Status == StatusSuccess {
		success = 1
	}
	stmt := `UPDATE tasks SET last_execution_time = ?, last_execution_status = ?, last_execution_result = ?,
        execution_count = execution_count + ?, updated_at = ?`
	args := []any{executedAt, string(record.Status), record.Result, success, executedAt}
	// 调度字段只在 next_execution_time 未被其他写入改变时推进。
	guard := `1 = 1`
	var guardArgs []any
	if !record.ObservedNext.IsZero() {
		guard = `next_execution_time = ?`
		guardArgs = []any{sqldb.ToMillis(record.ObservedNext)}
	}
	if record.Deactivate {
		stmt += `, is_active = CASE WHEN ` + guard + ` THEN 0 ELSE is_active END`
		args = append(args, guardArgs...)
	} else if !record.NextExecutionTime.IsZero() {
		stmt += `, next_execution_time = CASE WHEN ` + guard + ` THEN ? ELSE next_execution_time END`
		args = append(args, guardArgs...)
		args = append(args, sqldb.ToMillis(record.NextExecutionTime))
	}
	stmt += ` WHERE id = ?`
	args = append(args, id)

	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务执行结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrTaskNotFound
	}
	task, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务事务失败")
	}
	return task, nil
}

// DeleteExpired 删除最后执行时间早于 cutoff 的非活跃一次性任务。
func (s *SQLStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks
        WHERE is_active = 0 AND schedule = '' AND last_execution_time IS NOT NULL AND last_execution_time < ?`,
		sqldb.ToMillis(cutoff))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理过期任务失败")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取清理结果失败")
	}
	return deleted, nil
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MySQL 在值未变化时返回 0 行，需要再确认记录是否存在。
func (s *SQLStore) ensureAffected(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if rows > 0 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, id).Scan(&exists)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return ErrTaskNotFound
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return nil
}

func (s *SQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		next      int64
		last      sql.NullInt64
		status    string
		active    int64
		tags      string
		metadata  string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(
		&task.ID,
		&task.Owner,
		&task.AgentID,
		&task.Name,
		&task.Description,
		&task.Input,
		&task.Schedule,
		&next,
		&last,
		&status,
		&task.LastExecutionResult,
		&task.ExecutionCount,
		&task.EnergyCost,
		&active,
		&tags,
		&metadata,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	task.NextExecutionTime = sqldb.FromMillis(next)
	task.LastExecutionTime = sqldb.TimePtr(last)
	task.LastExecutionStatus = ExecutionStatus(status)
	task.IsActive = active != 0
	task.CreatedAt = sqldb.FromMillis(createdAt)
	task.UpdatedAt = sqldb.FromMillis(updatedAt)

	if strings.TrimSpace(tags) != "" {
		if err := json.Unmarshal([]byte(tags), &task.Tags); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 tags 失败")
		}
	}
	if strings.TrimSpace(metadata) != "" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 metadata 失败")
		}
	}
	if len(task.Tags) == 0 {
		task.Tags = nil
	}
	if len(task.Metadata) == 0 {
		task.Metadata = nil
	}
	return &task, nil
}

func encodeCollections(task *Task) (string, string, error) {
	tags := "[]"
	if len(task.Tags) > 0 {
		raw, err := json.Marshal(task.Tags)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 tags 失败")
		}
		tags = string(raw)
	}
	metadata := "{}"
	if len(task.Metadata) > 0 {
		raw, err := json.Marshal(task.Metadata)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 metadata 失败")
		}
		metadata = string(raw)
	}
	return tags, metadata, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.Owner != "" {
		conditions = append(conditions, "owner = ?")
		args = append(args, opts.Owner)
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.Active != nil {
		conditions = append(conditions, "is_active = ?")
		args = append(args, boolToInt(*opts.Active))
	}
	if opts.Recurring != nil {
		if *opts.Recurring {
			conditions = append(conditions, "schedule <> ''")
		} else {
			conditions = append(conditions, "schedule = ''")
		}
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("last_execution_status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Tag != "" {
		encoded, _ := json.Marshal(opts.Tag)
		conditions = append(conditions, "tags LIKE ?")
		args = append(args, "%"+string(encoded)+"%")
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR name LIKE ? OR description LIKE ? OR last_execution_result LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

var _ Store = (*SQLStore)(nil)
