package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"AgentCron-Chain/internal/agent"
	"AgentCron-Chain/internal/config"
	"AgentCron-Chain/internal/energy"
	"AgentCron-Chain/internal/jobs"
	"AgentCron-Chain/internal/observability/alerting"
	"AgentCron-Chain/internal/schedule"
	"AgentCron-Chain/internal/storage/redis"
	"AgentCron-Chain/internal/storage/sqldb"
	"AgentCron-Chain/internal/task"
	"AgentCron-Chain/internal/web3"
	"AgentCron-Chain/internal/web3/provider"
	"AgentCron-Chain/pkg/logger"
)

const (
	jobRewards = "staking-rewards"
	jobSweep   = "retention-sweep"
)

// app 持有一次命令执行所需的全部组件。
type app struct {
	cfg        *config.Config
	calculator *schedule.Calculator
	db         *sqldb.DB
	redis      goredis.UniversalClient
	chains     *provider.Registry
	tasks      task.Store
	ledger     *energy.Ledger
	dispatcher *agent.Dispatcher
	publisher  task.Publisher
	alerter    *alerting.FanoutDispatcher
	scheduler  *task.Scheduler
	service    *task.Service
	sweeper    *task.Sweeper
	jobs       *jobs.Runner
	closers    []func() error
}

func loadConfig() (*config.Config, error) {
	path := strings.TrimSpace(viper.GetString("config"))
	if path == "" {
		return config.LoadDefaults(".")
	}
	return config.Load(path)
}

func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func newApp(ctx context.Context, cfg *config.Config) (a *app, err error) {
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	loc, err := cfg.Runtime.Location()
	if err != nil {
		return nil, err
	}

	a = &app{cfg: cfg, calculator: schedule.NewCalculator(loc), closers: []func() error{logger.Sync}}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	energyStore, err := a.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.Redis.Enabled() {
		a.redis, err = redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.redis.Close)
	}

	if cfg.Web3.Enabled() {
		a.chains, err = provider.NewRegistry(ctx, cfg.Web3)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { a.chains.Close(); return nil })
	}

	ledgerOpts := []energy.LedgerOption{
		energy.WithBonusRate(cfg.Energy.BonusRate),
		energy.WithDailyRewardRate(cfg.Energy.DailyRewardRate),
	}
	if strings.EqualFold(cfg.Energy.LockDriver, "redis") {
		locker, err := energy.NewRedisLocker(a.redis)
		if err != nil {
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, energy.WithLocker(locker))
	}
	if checker, err := a.stakeChecker(); err != nil {
		return nil, err
	} else if checker != nil {
		ledgerOpts = append(ledgerOpts, energy.WithBalanceChecker(checker))
	}
	a.ledger, err = energy.NewLedger(energyStore, ledgerOpts...)
	if err != nil {
		return nil, err
	}

	dispatcherOpts := []agent.Option{agent.WithLogger(logger.Named("agent"))}
	if a.chains != nil {
		dispatcherOpts = append(dispatcherOpts, agent.WithChainResolver(a.chains))
	}
	a.dispatcher, err = agent.NewDispatcher(agent.DefinitionsFromConfig(cfg.Agents), dispatcherOpts...)
	if err != nil {
		return nil, err
	}

	if a.publisher, err = a.openPublisher(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.publisher.Close)

	if a.alerter, err = a.openAlerter(); err != nil {
		return nil, err
	}

	a.scheduler, err = task.NewScheduler(a.tasks, a.ledger, a.dispatcher,
		task.WithTickInterval(cfg.Scheduler.TickInterval),
		task.WithExecutionTimeout(cfg.Scheduler.ExecutionTimeout),
		task.WithConcurrency(cfg.Scheduler.Concurrency),
		task.WithBatchSize(cfg.Scheduler.BatchSize),
		task.WithFallbackInterval(cfg.Scheduler.FallbackInterval),
		task.WithCalculator(a.calculator),
		task.WithPublisher(a.publisher),
		task.WithAlertDispatcher(a.alerter),
	)
	if err != nil {
		return nil, err
	}
	a.service = task.NewService(a.tasks,
		task.WithRunner(a.scheduler),
		task.WithServiceCalculator(a.calculator),
		task.WithDefaultEnergyCost(cfg.Energy.DefaultTaskCost),
	)
	a.sweeper = task.NewSweeper(a.tasks, task.WithRetentionDays(cfg.Retention.Days))

	if err := a.registerJobs(loc); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (energy.Store, error) {
	cfg := a.cfg.Storage
	if strings.EqualFold(cfg.Driver, "memory") {
		a.tasks = task.NewMemoryStore()
		return energy.NewMemoryStore(), nil
	}
	if strings.EqualFold(cfg.Driver, "sqlite") {
		if err := os.MkdirAll(a.cfg.Runtime.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	db, err := sqldb.Open(ctx, sqldb.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		SkipMigrations:  cfg.SkipMigrations,
	})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)

	tasks, err := task.NewSQLStore(db)
	if err != nil {
		return nil, err
	}
	a.tasks = tasks
	return energy.NewSQLStore(db)
}

func (a *app) stakeChecker() (energy.BalanceChecker, error) {
	token := a.cfg.Web3.StakeToken
	if strings.TrimSpace(token.Address) == "" {
		return nil, nil
	}
	if a.chains == nil {
		return nil, errors.New("配置了质押代币但未配置链端点")
	}
	client, err := a.chains.Resolve(token.Chain)
	if err != nil {
		return nil, err
	}
	var opts []web3.StakeCheckerOption
	if token.Decimals != nil {
		if *token.Decimals < 0 || *token.Decimals > 255 {
			return nil, fmt.Errorf("质押代币精度 %d 超出范围", *token.Decimals)
		}
		opts = append(opts, web3.WithTokenDecimals(uint8(*token.Decimals)))
	}
	return web3.NewStakeChecker(client, token.Address, opts...)
}

func (a *app) openPublisher() (task.Publisher, error) {
	events := a.cfg.Events
	switch strings.ToLower(events.Driver) {
	case "none":
		return task.NopPublisher(), nil
	case "memory":
		return task.NewMemoryPublisher(events.Buffer), nil
	case "redis":
		return task.NewRedisPublisher(a.redis, task.RedisPublisherConfig{Key: events.Redis.Key, MaxLen: events.Redis.MaxLen})
	case "rabbitmq":
		return task.NewRabbitMQPublisher(task.RabbitMQConfig{
			URL:        events.RabbitMQ.URL,
			Exchange:   events.RabbitMQ.Exchange,
			Queue:      events.RabbitMQ.Queue,
			Durable:    events.RabbitMQ.Durable,
			AutoDelete: events.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", events.Driver)
	}
}

func (a *app) openAlerter() (*alerting.FanoutDispatcher, error) {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alert")}}
	if url := strings.TrimSpace(a.cfg.Alerting.WebhookURL); url != "" {
		webhook, err := alerting.NewWebhookNotifier(url, alerting.WithWebhookRate(a.cfg.Alerting.RatePerSec, a.cfg.Alerting.Burst))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, webhook)
	}
	return alerting.NewFanout(notifiers...), nil
}

func (a *app) registerJobs(loc *time.Location) error {
	opts := []jobs.Option{jobs.WithLocation(loc)}
	if a.redis != nil {
		guard, err := jobs.NewRedisGuard(a.redis, "")
		if err != nil {
			return err
		}
		opts = append(opts, jobs.WithGuard(guard))
	}
	a.jobs = jobs.NewRunner(opts...)

	if err := a.jobs.Add(jobs.Job{
		Name:   jobRewards,
		Spec:   a.cfg.Energy.RewardCron,
		Period: jobs.DailyPeriod(loc),
		TTL:    36 * time.Hour,
		Run: func(ctx context.Context, at time.Time) error {
			_, err := a.ledger.ApplyRecurringRewards(ctx, at)
			return err
		},
	}); err != nil {
		return err
	}
	return a.jobs.Add(jobs.Job{
		Name:   jobSweep,
		Spec:   a.cfg.Retention.Cron,
		Period: jobs.DailyPeriod(loc),
		TTL:    36 * time.Hour,
		Run: func(ctx context.Context, _ time.Time) error {
			_, err := a.sweeper.Sweep(ctx)
			return err
		},
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.L().Warn("释放资源失败", slog.Any("error", err))
		}
	}
	a.closers = nil
}
