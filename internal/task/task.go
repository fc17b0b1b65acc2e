package task

import (
	"strings"
	"time"

	xerrors "AgentCron-Chain/internal/errors"
)

// ExecutionStatus 表示任务最近一次执行的结果状态。
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
)

// DefaultEnergyCost 是未指定时每次执行消耗的能量。
const DefaultEnergyCost int64 = 15

// Task 描述了一个由智能体执行的定时或一次性任务。
type Task struct {
	ID                  string          `json:"id"`
	Owner               string          `json:"owner"`
	AgentID             string          `json:"agent_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	Input               string          `json:"input"`
	Schedule            string          `json:"schedule,omitempty"`
	NextExecutionTime   time.Time       `json:"next_execution_time"`
	LastExecutionTime   *time.Time      `json:"last_execution_time,omitempty"`
	LastExecutionStatus ExecutionStatus `json:"last_execution_status"`
	LastExecutionResult string          `json:"last_execution_result,omitempty"`
	ExecutionCount      int64           `json:"execution_count"`
	EnergyCost          int64           `json:"energy_cost"`
	IsActive            bool            `json:"is_active"`
	Tags                []string        `json:"tags,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// IsRecurring 判断任务是否按 cron 表达式重复执行。
func (t *Task) IsRecurring() bool {
	return t != nil && strings.TrimSpace(t.Schedule) != ""
}

// ExecutionRecord 是执行循环写回存储的一次执行结果。
type ExecutionRecord struct {
	ExecutedAt        time.Time
	Status            ExecutionStatus
	Result            string
	NextExecutionTime time.Time
	Deactivate        bool
	// ObservedNext 是执行前读到的下一次执行时间。非零时，若存储值已被其他写入改变，
	// 本次记录只写结果，不再修改 next_execution_time 与 is_active。
	ObservedNext time.Time
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneTags(tags []string) []string {
	if tags == nil {
		return nil
	}
	return append([]string(nil), tags...)
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	clone.Metadata = cloneMetadata(task.Metadata)
	clone.Tags = cloneTags(task.Tags)
	if task.LastExecutionTime != nil {
		ts := *task.LastExecutionTime
		clone.LastExecutionTime = &ts
	}
	return &clone
}

// normalizeTags 去除空白与重复标签，保持原有顺序。
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		result = append(result, tag)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// IsValidStatus 检查给定的执行状态是否为支持的枚举值。
func IsValidStatus(status ExecutionStatus) bool {
	switch status {
	case StatusPending, StatusSuccess, StatusFailed:
		return true
	default:
		return false
	}
}
