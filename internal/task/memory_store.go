package task

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务，主要用于开发与测试。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return ErrTaskConflict
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
	m.tasks[task.ID] = cloneTask(task)
	return nil
}

// Get 返回任务。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// Update 覆盖任务中用户可编辑的字段。
func (m *MemoryStore) Update(_ context.Context, task *Task, mask UpdateMask) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.tasks[task.ID]
	if !ok {
		return ErrTaskNotFound
	}
	current.Name = task.Name
	current.Description = task.Description
	current.Input = task.Input
	current.Schedule = task.Schedule
	current.EnergyCost = task.EnergyCost
	if mask.NextExecutionTime {
		current.NextExecutionTime = task.NextExecutionTime.UTC()
	}
	if mask.IsActive {
		current.IsActive = task.IsActive
	}
	current.Tags = cloneTags(task.Tags)
	current.Metadata = cloneMetadata(task.Metadata)
	current.UpdatedAt = task.UpdatedAt
	return nil
}

// Delete 删除任务。
func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

// List 返回符合过滤条件的任务。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if matchesListFilters(task, opts) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sortTasks(results, opts.Order)

	if opts.Offset >= len(results) {
		return []*Task{}, nil
	}
	end := opts.Offset + opts.Limit
	if end > len(results) {
		end = len(results)
	}
	return results[opts.Offset:end], nil
}

// Stats 返回符合过滤条件的任务聚合信息，忽略分页参数。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats TaskStats
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		stats.Total++
		stats.TotalExecutions += task.ExecutionCount
		if task.IsActive {
			stats.Active++
			if stats.NextExecution == nil || task.NextExecutionTime.Before(*stats.NextExecution) {
				next := task.NextExecutionTime
				stats.NextExecution = &next
			}
		}
		if task.IsRecurring() {
			stats.Recurring++
		}
		switch task.LastExecutionStatus {
		case StatusSuccess:
			stats.Succeeded++
		case StatusFailed:
			stats.Failed++
		default:
			stats.Pending++
		}
	}
	return stats, nil
}

// Due 返回已到期的活跃任务，按下次执行时间升序。
func (m *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]*Task, error) {
	m.mu.RLock()
	results := make([]*Task, 0)
	for _, task := range m.tasks {
		if task.IsActive && !task.NextExecutionTime.After(now) {
			results = append(results, cloneTask(task))
		}
	}
	m.mu.RUnlock()

	sortTasks(results, SortByNextExecutionAsc)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// RecordExecution 写回一次执行结果。
func (m *MemoryStore) RecordExecution(_ context.Context, id string, record ExecutionRecord) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	executedAt := record.ExecutedAt.UTC()
	task.LastExecutionTime = &executedAt
	task.LastExecutionStatus = record.Status
	task.LastExecutionResult = record.Result
	if record.Status == StatusSuccess {
		task.ExecutionCount++
	}
	if record.ObservedNext.IsZero() || task.NextExecutionTime.Equal(record.ObservedNext) {
		if record.Deactivate {
			task.IsActive = false
		} else if !record.NextExecutionTime.IsZero() {
			task.NextExecutionTime = record.NextExecutionTime.UTC()
		}
	}
	task.UpdatedAt = executedAt
	return cloneTask(task), nil
}

// DeleteExpired 删除最后执行时间早于 cutoff 的非活跃一次性任务。
func (m *MemoryStore) DeleteExpired(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, task := range m.tasks {
		if task.IsActive || task.IsRecurring() || task.LastExecutionTime == nil {
			continue
		}
		if task.LastExecutionTime.Before(cutoff) {
			delete(m.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func matchesListFilters(task *Task, opts ListOptions) bool {
	if opts.Owner != "" && task.Owner != opts.Owner {
		return false
	}
	if opts.AgentID != "" && task.AgentID != opts.AgentID {
		return false
	}
	if opts.Active != nil && task.IsActive != *opts.Active {
		return false
	}
	if opts.Recurring != nil && task.IsRecurring() != *opts.Recurring {
		return false
	}
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.LastExecutionStatus == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Tag != "" {
		found := false
		for _, tag := range task.Tags {
			if tag == opts.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if opts.Query != "" {
		query := strings.ToLower(opts.Query)
		fields := []string{task.ID, task.Name, task.Description, task.LastExecutionResult}
		matched := false
		for _, field := range fields {
			if strings.Contains(strings.ToLower(field), query) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func sortTasks(tasks []*Task, order SortOrder) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		switch order {
		case SortByNextExecutionAsc:
			if !a.NextExecutionTime.Equal(b.NextExecutionTime) {
				return a.NextExecutionTime.Before(b.NextExecutionTime)
			}
		case SortByUpdatedDesc:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.After(b.UpdatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
}

var _ Store = (*MemoryStore)(nil)
