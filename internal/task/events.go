package task

import (
	"context"
	"encoding/json"
	"time"
)

// ExecutionEvent 描述一次执行尝试，供下游系统订阅。
type ExecutionEvent struct {
	TaskID            string          `json:"task_id"`
	Owner             string          `json:"owner"`
	AgentID           string          `json:"agent_id"`
	Trigger           string          `json:"trigger"`
	Status            ExecutionStatus `json:"status"`
	Result            string          `json:"result,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	EnergyCharged     int64           `json:"energy_charged"`
	ExecutionCount    int64           `json:"execution_count"`
	IsActive          bool            `json:"is_active"`
	NextExecutionTime *time.Time      `json:"next_execution_time,omitempty"`
	ExecutedAt        time.Time       `json:"executed_at"`
	DurationMillis    int64           `json:"duration_ms"`
}

const (
	TriggerSchedule = "schedule"
	TriggerManual   = "manual"
)

// Publisher 负责向外部投递执行事件。
type Publisher interface {
	Publish(ctx context.Context, event ExecutionEvent) error
	Close() error
}

func encodeEvent(event ExecutionEvent) ([]byte, error) {
	return json.Marshal(event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, ExecutionEvent) error { return nil }
func (nopPublisher) Close() error                                  { return nil }

// NopPublisher 返回丢弃所有事件的 Publisher。
func NopPublisher() Publisher { return nopPublisher{} }
