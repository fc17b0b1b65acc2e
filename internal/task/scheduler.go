package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentCron-Chain/internal/agent"
	"AgentCron-Chain/internal/energy"
	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/observability/alerting"
	"AgentCron-Chain/internal/observability/metrics"
	"AgentCron-Chain/internal/schedule"
	"AgentCron-Chain/pkg/logger"
)

// ResultInsufficientEnergy 是准入被拒绝时写入任务的结果。
const ResultInsufficientEnergy = "insufficient energy"

const (
	defaultTickInterval     = time.Minute
	defaultExecutionTimeout = 30 * time.Second
	defaultConcurrency      = 4
	defaultBatchSize        = 100
	defaultFallback         = 24 * time.Hour
)

// Ledger 是执行循环对能量账本的最小依赖。
type Ledger interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	Debit(ctx context.Context, accountID string, amount int64, source energy.Source, opts ...energy.EntryOption) (int64, error)
}

// TickSummary 汇总一次轮询的处理情况。
type TickSummary struct {
	Due       int
	Succeeded int
	Failed    int
	Denied    int
	Skipped   int
	Errors    int
}

// Scheduler 周期性地拉取到期任务，经过能量准入后交给代理执行并重新排期。
type Scheduler struct {
	store      Store
	ledger     Ledger
	executor   agent.Executor
	calculator *schedule.Calculator
	publisher  Publisher
	alerter    alerting.Dispatcher
	logger     *slog.Logger
	clock      func() time.Time

	interval    time.Duration
	timeout     time.Duration
	concurrency int
	batchSize   int
	fallback    time.Duration

	inflightMu sync.Mutex
	inflight   map[string]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerOption 定义可选配置。
type SchedulerOption func(*Scheduler)

// WithTickInterval 设置轮询间隔。
func WithTickInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithExecutionTimeout 设置单个任务的执行超时。
func WithExecutionTimeout(timeout time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithConcurrency 设置同一轮询内并行执行的任务数量。
func WithConcurrency(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithBatchSize 设置每次轮询最多拉取的任务数量。
func WithBatchSize(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithFallbackInterval 设置 cron 表达式无效时的重新排期间隔。
func WithFallbackInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.fallback = d
		}
	}
}

// WithCalculator 指定计算下一次执行时间的日历。
func WithCalculator(c *schedule.Calculator) SchedulerOption {
	return func(s *Scheduler) {
		if c != nil {
			s.calculator = c
		}
	}
}

// WithPublisher 配置执行事件的发布者。
func WithPublisher(p Publisher) SchedulerOption {
	return func(s *Scheduler) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) SchedulerOption {
	return func(s *Scheduler) {
		s.alerter = d
	}
}

// WithSchedulerLogger 指定日志输出。
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerClock 替换时间来源，主要用于测试。
func WithSchedulerClock(clock func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewScheduler 构造执行循环。
func NewScheduler(store Store, ledger Ledger, executor agent.Executor, opts ...SchedulerOption) (*Scheduler, error) {
	if store == nil || ledger == nil || executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行循环缺少存储、账本或执行器")
	}
	s := &Scheduler{
		store:       store,
		ledger:      ledger,
		executor:    executor,
		calculator:  schedule.NewCalculator(time.UTC),
		publisher:   NopPublisher(),
		logger:      logger.Named("scheduler"),
		clock:       time.Now,
		interval:    defaultTickInterval,
		timeout:     defaultExecutionTimeout,
		concurrency: defaultConcurrency,
		batchSize:   defaultBatchSize,
		fallback:    defaultFallback,
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Start 在后台启动轮询循环，启动时立即执行一次。
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("执行循环已启动", slog.Duration("interval", s.interval))
}

// Stop 停止轮询并等待正在进行的轮询结束。
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("执行循环已停止")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	if _, err := s.Tick(ctx, s.clock()); err != nil && ctx.Err() == nil {
		s.logger.Error("轮询到期任务失败", slog.Any("error", err))
	}
}

// Tick 处理截至 now 的所有到期任务。单个任务的失败不会中断其它任务。
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickSummary, error) {
	started := time.Now()
	due, err := s.store.Due(ctx, now, s.batchSize)
	if err != nil {
		s.emitAlert(ctx, nil, xerrors.CodeStorageFailure, err, "due")
		return TickSummary{}, err
	}

	var (
		summary = TickSummary{Due: len(due)}
		mu      sync.Mutex
		g       errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, task := range due {
		task := task
		if !s.acquire(task.ID) {
			mu.Lock()
			summary.Skipped++
			mu.Unlock()
			s.logger.Debug("任务仍在执行，跳过本轮", slog.String("task_id", task.ID))
			continue
		}
		g.Go(func() error {
			defer s.release(task.ID)
			// 等待并发槽期间任务可能已被 RunNow 执行或被修改，以存储中的最新状态为准。
			current, err := s.store.Get(ctx, task.ID)
			if err != nil || !current.IsActive || current.NextExecutionTime.After(now) {
				mu.Lock()
				if err != nil && !stdErrors.Is(err, ErrTaskNotFound) {
					summary.Errors++
				} else {
					summary.Skipped++
				}
				mu.Unlock()
				s.logger.Debug("任务已不再到期，跳过本轮", slog.String("task_id", task.ID), slog.Any("error", err))
				return nil
			}
			out, err := s.process(ctx, current, now, TriggerSchedule)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && out == nil:
				summary.Errors++
			case out.denied:
				summary.Denied++
			case out.status == StatusSuccess:
				summary.Succeeded++
			default:
				summary.Failed++
			}
			if err != nil && out != nil {
				summary.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.ObserveTick(time.Since(started), len(due))
	if summary.Due > 0 {
		s.logger.Info("轮询完成",
			slog.Int("due", summary.Due),
			slog.Int("succeeded", summary.Succeeded),
			slog.Int("failed", summary.Failed),
			slog.Int("denied", summary.Denied),
			slog.Int("skipped", summary.Skipped),
			slog.Int("errors", summary.Errors),
		)
	}
	return summary, nil
}

// RunNow 立即执行指定任务，绕过下一次执行时间的限制。
// 执行失败、超时或能量不足时，任务状态先被保存，再把错误返回给调用方。
func (s *Scheduler) RunNow(ctx context.Context, id string) (*Task, error) {
	if !s.acquire(id) {
		return nil, xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, fmt.Sprintf("任务 %s 正在执行", id))
	}
	defer s.release(id)

	task, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.IsActive {
		return nil, xerrors.Wrap(CodeTaskConflict, ErrTaskConflict, fmt.Sprintf("任务 %s 已结束", id))
	}
	out, err := s.process(ctx, task, s.clock(), TriggerManual)
	if err != nil {
		if out == nil {
			return nil, err
		}
		return out.task, err
	}
	return out.task, out.execErr
}

func (s *Scheduler) acquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	delete(s.inflight, id)
	s.inflightMu.Unlock()
}

type outcome struct {
	task     *Task
	status   ExecutionStatus
	result   string
	denied   bool
	charged  int64
	execErr  error
	duration time.Duration
}

// process 执行一次完整的准入、执行、重新排期与持久化流程。
// 返回的 error 表示存储或账本故障；执行失败记录在 outcome.execErr 中。
func (s *Scheduler) process(ctx context.Context, task *Task, now time.Time, trigger string) (*outcome, error) {
	log := s.logger.With(slog.String("task_id", task.ID), slog.String("owner", task.Owner), slog.String("trigger", trigger))

	balance, err := s.ledger.Balance(ctx, task.Owner)
	if err != nil {
		log.Error("查询能量余额失败", slog.Any("error", err))
		s.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "admission")
		return nil, err
	}

	out := &outcome{}
	if balance < task.EnergyCost {
		out.status = StatusFailed
		out.result = ResultInsufficientEnergy
		out.denied = true
		out.execErr = xerrors.Wrap(energy.CodeInsufficientEnergy, energy.ErrInsufficientEnergy,
			fmt.Sprintf("余额 %d 不足以支付 %d", balance, task.EnergyCost))
	} else {
		s.execute(ctx, task, out)
		if out.status == StatusSuccess && task.EnergyCost > 0 {
			s.charge(ctx, task, out, log)
		}
	}

	record := ExecutionRecord{
		ExecutedAt:        now,
		Status:            out.status,
		Result:            out.result,
		NextExecutionTime: task.NextExecutionTime,
		ObservedNext:      task.NextExecutionTime,
	}
	if task.IsRecurring() {
		record.NextExecutionTime = s.nextRun(ctx, task, now)
	} else {
		record.Deactivate = true
	}

	updated, err := s.store.RecordExecution(ctx, task.ID, record)
	if err != nil {
		log.Error("保存执行结果失败", slog.Any("error", err), slog.String("status", string(out.status)))
		s.emitAlert(ctx, task, xerrors.CodeStorageFailure, err, "record")
		return out, err
	}
	out.task = updated

	s.report(ctx, updated, out, trigger, now)
	return out, nil
}

func (s *Scheduler) execute(ctx context.Context, task *Task, out *outcome) {
	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type response struct {
		result string
		err    error
	}
	done := make(chan response, 1)
	started := time.Now()
	go func() {
		result, err := s.executor.Execute(execCtx, task.AgentID, task.Input)
		done <- response{result: result, err: err}
	}()

	select {
	case resp := <-done:
		out.duration = time.Since(started)
		if resp.err != nil {
			out.status = StatusFailed
			out.result = resp.err.Error()
			if _, ok := xerrors.From(resp.err); ok {
				out.execErr = resp.err
			} else {
				out.execErr = xerrors.Wrap(xerrors.CodeExecutorFailure, resp.err, "代理执行失败")
			}
			return
		}
		out.status = StatusSuccess
		out.result = resp.result
	case <-execCtx.Done():
		out.duration = time.Since(started)
		out.status = StatusFailed
		out.execErr = xerrors.Wrap(xerrors.CodeExecutorTimeout, execCtx.Err(), fmt.Sprintf("代理执行超过 %s", s.timeout))
		out.result = out.execErr.Error()
	}
}

// charge 在执行成功后扣除能量。扣费失败不会改变执行结果，只触发告警。
func (s *Scheduler) charge(ctx context.Context, task *Task, out *outcome, log *slog.Logger) {
	_, err := s.ledger.Debit(ctx, task.Owner, task.EnergyCost, energy.SourceSchedule,
		energy.WithReference(task.ID),
		energy.WithDetails(map[string]any{"agent_id": task.AgentID}),
	)
	if err != nil {
		log.Warn("执行成功但扣除能量失败", slog.Int64("cost", task.EnergyCost), slog.Any("error", err))
		code := xerrors.CodeOf(err)
		if code == xerrors.CodeUnknown {
			code = xerrors.CodeStorageFailure
		}
		s.emitAlert(ctx, task, code, err, "debit")
		return
	}
	out.charged = task.EnergyCost
}

// nextRun 计算循环任务的下一次执行时间，结果不早于当前记录的时间。
func (s *Scheduler) nextRun(ctx context.Context, task *Task, now time.Time) time.Time {
	next, err := s.calculator.Next(task.Schedule, now)
	if err != nil {
		next = now.Add(s.fallback)
		metrics.ObserveScheduleFallback()
		s.logger.Warn("cron 表达式无效，使用兜底间隔重新排期",
			slog.String("task_id", task.ID),
			slog.String("schedule", task.Schedule),
			slog.Duration("fallback", s.fallback),
			slog.Any("error", err),
		)
		s.emitAlert(ctx, task, schedule.CodeInvalidSchedule, err, "reschedule")
	}
	if next.Before(task.NextExecutionTime) {
		next = task.NextExecutionTime
	}
	return next
}

func (s *Scheduler) report(ctx context.Context, task *Task, out *outcome, trigger string, now time.Time) {
	outcomeLabel := string(out.status)
	errorCode := ""
	if out.denied {
		outcomeLabel = "denied"
	}
	if out.execErr != nil {
		errorCode = string(xerrors.CodeOf(out.execErr))
		if xerrors.HasCode(out.execErr, xerrors.CodeExecutorTimeout) {
			outcomeLabel = "timeout"
		}
	}
	metrics.ObserveExecution(outcomeLabel, out.duration)

	event := ExecutionEvent{
		TaskID:         task.ID,
		Owner:          task.Owner,
		AgentID:        task.AgentID,
		Trigger:        trigger,
		Status:         out.status,
		Result:         out.result,
		ErrorCode:      errorCode,
		EnergyCharged:  out.charged,
		ExecutionCount: task.ExecutionCount,
		IsActive:       task.IsActive,
		ExecutedAt:     now,
		DurationMillis: out.duration.Milliseconds(),
	}
	if task.IsActive {
		next := task.NextExecutionTime
		event.NextExecutionTime = &next
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("发布执行事件失败", slog.String("task_id", task.ID), slog.Any("error", err))
	}

	attrs := []any{
		slog.String("task_id", task.ID),
		slog.String("owner", task.Owner),
		slog.String("agent_id", task.AgentID),
		slog.String("trigger", trigger),
		slog.String("outcome", outcomeLabel),
		slog.Int64("energy_charged", out.charged),
		slog.Int64("execution_count", task.ExecutionCount),
		slog.Bool("is_active", task.IsActive),
	}
	if out.status == StatusSuccess {
		logger.Audit().Info("任务执行成功", attrs...)
		return
	}
	attrs = append(attrs, slog.String("error_code", errorCode), slog.String("result", out.result))
	logger.Audit().Warn("任务执行失败", attrs...)

	if out.execErr != nil && xerrors.ShouldAlert(out.execErr) && !out.denied {
		s.emitAlert(ctx, task, xerrors.CodeOf(out.execErr), out.execErr, "execute")
	}
}

func (s *Scheduler) emitAlert(ctx context.Context, task *Task, code xerrors.Code, cause error, stage string) {
	if s.alerter == nil {
		return
	}
	event := alerting.NewEvent(code, stage, cause)
	if task != nil {
		event.TaskID = task.ID
		event.AccountID = task.Owner
	}
	if err := s.alerter.Notify(ctx, event); err != nil && !stdErrors.Is(err, context.Canceled) {
		s.logger.Error("告警通知失败", slog.Any("error", err), slog.String("stage", stage))
	}
}
