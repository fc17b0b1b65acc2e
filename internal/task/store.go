package task

import (
	"context"
	"time"
)

// Store 抽象了任务记录的持久化接口。
//
// RecordExecution 是执行循环唯一的写入口，只修改执行相关字段，并且只在
// next_execution_time 仍等于 ExecutionRecord.ObservedNext 时推进调度；
// Update 只修改用户可编辑的字段，调度字段按 UpdateMask 选择性写入，两者互不覆盖。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, task *Task, mask UpdateMask) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Due(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	RecordExecution(ctx context.Context, id string, record ExecutionRecord) (*Task, error)
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// UpdateMask 标记 Update 需要写回的调度字段，未标记的字段保留存储中的当前值。
type UpdateMask struct {
	NextExecutionTime bool
	IsActive          bool
}
