package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/schedule"
	"AgentCron-Chain/pkg/logger"
)

// CreateRequest 描述创建任务所需的参数。Schedule 与 ExecutionTime 互斥，
// 都为空时任务立即到期。
type CreateRequest struct {
	ID            string         `json:"id,omitempty"`
	Owner         string         `json:"owner"`
	AgentID       string         `json:"agent_id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Input         string         `json:"input"`
	Schedule      string         `json:"schedule,omitempty"`
	ExecutionTime *time.Time     `json:"execution_time,omitempty"`
	EnergyCost    *int64         `json:"energy_cost,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest 描述可修改的字段，nil 表示保持不变。
type UpdateRequest struct {
	Name          *string        `json:"name,omitempty"`
	Description   *string        `json:"description,omitempty"`
	Input         *string        `json:"input,omitempty"`
	Schedule      *string        `json:"schedule,omitempty"`
	ExecutionTime *time.Time     `json:"execution_time,omitempty"`
	EnergyCost    *int64         `json:"energy_cost,omitempty"`
	IsActive      *bool          `json:"is_active,omitempty"`
	Tags          *[]string      `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Runner 立即执行一个任务，由 Scheduler 实现。
type Runner interface {
	RunNow(ctx context.Context, id string) (*Task, error)
}

// Service 负责任务的创建、查询、修改与立即执行。
type Service struct {
	store       Store
	runner      Runner
	calculator  *schedule.Calculator
	defaultCost int64
	clock       func() time.Time
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithRunner 配置立即执行任务时使用的执行器。
func WithRunner(r Runner) ServiceOption {
	return func(s *Service) {
		s.runner = r
	}
}

// WithServiceCalculator 指定计算执行时间的日历。
func WithServiceCalculator(c *schedule.Calculator) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.calculator = c
		}
	}
}

// WithDefaultEnergyCost 设置未指定能量消耗时的默认值。
func WithDefaultEnergyCost(cost int64) ServiceOption {
	return func(s *Service) {
		if cost >= 0 {
			s.defaultCost = cost
		}
	}
}

// WithServiceClock 替换时间来源，主要用于测试。
func WithServiceClock(clock func() time.Time) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		calculator:  schedule.NewCalculator(time.UTC),
		defaultCost: DefaultEnergyCost,
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 创建任务并计算首次执行时间。指定的 ID 已存在时返回已有任务。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, xerrors.New(CodeTaskValidation, "任务所有者不能为空")
	}
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return nil, xerrors.New(CodeTaskValidation, "代理 ID 不能为空")
	}
	expr := strings.TrimSpace(req.Schedule)
	if expr != "" && req.ExecutionTime != nil {
		return nil, xerrors.New(CodeTaskValidation, "schedule 与 execution_time 不能同时设置")
	}
	cost := s.defaultCost
	if req.EnergyCost != nil {
		cost = *req.EnergyCost
	}
	if cost < 0 {
		return nil, xerrors.New(CodeTaskValidation, "能量消耗不能为负数")
	}

	taskID := strings.TrimSpace(req.ID)
	if taskID != "" {
		existing, err := s.store.Get(ctx, taskID)
		if err == nil {
			return existing, nil
		}
		if !stdErrors.Is(err, ErrTaskNotFound) {
			return nil, err
		}
	} else {
		taskID = uuid.NewString()
	}

	now := s.clock().UTC()
	next := now
	switch {
	case expr != "":
		computed, err := s.calculator.Next(expr, now)
		if err != nil {
			return nil, err
		}
		next = computed
	case req.ExecutionTime != nil:
		next = req.ExecutionTime.UTC()
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = agentID
	}
	task := &Task{
		ID:                  taskID,
		Owner:               owner,
		AgentID:             agentID,
		Name:                name,
		Description:         req.Description,
		Input:               req.Input,
		Schedule:            expr,
		NextExecutionTime:   next,
		LastExecutionStatus: StatusPending,
		EnergyCost:          cost,
		IsActive:            true,
		Tags:                normalizeTags(req.Tags),
		Metadata:            cloneMetadata(req.Metadata),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.Create(ctx, task); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			existing, getErr := s.store.Get(ctx, taskID)
			if getErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}
	logger.Audit().Info("任务已创建",
		slog.String("task_id", task.ID),
		slog.String("owner", task.Owner),
		slog.String("agent_id", task.AgentID),
		slog.String("schedule", task.Schedule),
		slog.Time("next_execution_time", task.NextExecutionTime),
		slog.Int64("energy_cost", task.EnergyCost),
	)
	return cloneTask(task), nil
}

// Update 修改任务的可编辑字段。修改 schedule 会立即重新计算下一次执行时间。
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, xerrors.New(CodeTaskValidation, "任务名称不能为空")
		}
		task.Name = name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Input != nil {
		task.Input = *req.Input
	}
	if req.EnergyCost != nil {
		if *req.EnergyCost < 0 {
			return nil, xerrors.New(CodeTaskValidation, "能量消耗不能为负数")
		}
		task.EnergyCost = *req.EnergyCost
	}
	var mask UpdateMask
	if req.IsActive != nil {
		task.IsActive = *req.IsActive
		mask.IsActive = true
	}
	if req.Tags != nil {
		task.Tags = normalizeTags(*req.Tags)
	}
	if req.Metadata != nil {
		task.Metadata = cloneMetadata(req.Metadata)
	}

	now := s.clock().UTC()
	if req.Schedule != nil {
		expr := strings.TrimSpace(*req.Schedule)
		if expr != "" && req.ExecutionTime != nil {
			return nil, xerrors.New(CodeTaskValidation, "schedule 与 execution_time 不能同时设置")
		}
		if expr != task.Schedule && expr != "" {
			next, err := s.calculator.Next(expr, now)
			if err != nil {
				return nil, err
			}
			task.NextExecutionTime = next
			mask.NextExecutionTime = true
		}
		task.Schedule = expr
	}
	if req.ExecutionTime != nil {
		if task.IsRecurring() {
			return nil, xerrors.New(CodeTaskValidation, "循环任务不能指定 execution_time")
		}
		task.NextExecutionTime = req.ExecutionTime.UTC()
		mask.NextExecutionTime = true
	}
	task.UpdatedAt = now

	if err := s.store.Update(ctx, task, mask); err != nil {
		return nil, err
	}
	// 调度字段可能在读取之后被执行循环推进，返回存储中的最新状态。
	if task, err = s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	logger.Audit().Info("任务已更新",
		slog.String("task_id", task.ID),
		slog.String("schedule", task.Schedule),
		slog.Time("next_execution_time", task.NextExecutionTime),
		slog.Bool("is_active", task.IsActive),
	)
	return task, nil
}

// Delete 无条件删除任务。
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	logger.Audit().Info("任务已删除", slog.String("task_id", id))
	return nil
}

// Get 返回指定任务。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// RunNow 立即执行任务，错误在任务状态保存之后返回。
func (s *Service) RunNow(ctx context.Context, id string) (*Task, error) {
	if s.runner == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任务执行器")
	}
	return s.runner.RunNow(ctx, id)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
