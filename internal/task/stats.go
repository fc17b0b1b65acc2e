package task

import "time"

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int        `json:"total"`
	Active          int        `json:"active"`
	Recurring       int        `json:"recurring"`
	Pending         int        `json:"pending"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	TotalExecutions int64      `json:"total_executions"`
	NextExecution   *time.Time `json:"next_execution,omitempty"`
}
