package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"AgentCron-Chain/pkg/logger"
)

// EnvPrefix 是环境变量覆盖配置时使用的前缀。
const EnvPrefix = "AGENTCRON"

// Config 描述了 AgentCron 在启动阶段需要加载的核心配置。
type Config struct {
	Logging   logger.Config     `mapstructure:"logging"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Redis     RedisConfig       `mapstructure:"redis"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Retention RetentionConfig   `mapstructure:"retention"`
	Energy    EnergyConfig      `mapstructure:"energy"`
	Events    EventsConfig      `mapstructure:"events"`
	Web3      Web3Config        `mapstructure:"web3"`
	Agents    []AgentDefinition `mapstructure:"agents"`
	Alerting  AlertingConfig    `mapstructure:"alerting"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Runtime   RuntimeConfig     `mapstructure:"runtime"`
}

// StorageConfig 描述任务与能量账本共用的数据库。
type StorageConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	SkipMigrations  bool          `mapstructure:"skip_migrations"`
}

// RedisConfig 描述 Redis 连接信息，为空地址表示不启用。
type RedisConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool {
	for _, addr := range r.Addresses {
		if strings.TrimSpace(addr) != "" {
			return true
		}
	}
	return false
}

// SchedulerConfig 控制执行循环的节奏与并发度。
type SchedulerConfig struct {
	TickInterval     time.Duration `mapstructure:"tick_interval"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	Concurrency      int           `mapstructure:"concurrency"`
	BatchSize        int           `mapstructure:"batch_size"`
	FallbackInterval time.Duration `mapstructure:"fallback_interval"`
}

// RetentionConfig 控制已结束一次性任务的清理。
type RetentionConfig struct {
	Days int    `mapstructure:"days"`
	Cron string `mapstructure:"cron"`
}

// EnergyConfig 控制能量账本参数。
type EnergyConfig struct {
	DefaultTaskCost int64   `mapstructure:"default_task_cost"`
	BonusRate       int64   `mapstructure:"bonus_rate"`
	DailyRewardRate float64 `mapstructure:"daily_reward_rate"`
	RewardCron      string  `mapstructure:"reward_cron"`
	LockDriver      string  `mapstructure:"lock_driver"`
}

// EventsConfig 选择执行事件的发布方式。
type EventsConfig struct {
	Driver   string         `mapstructure:"driver"`
	Buffer   int            `mapstructure:"buffer"`
	Redis    RedisEvents    `mapstructure:"redis"`
	RabbitMQ RabbitMQEvents `mapstructure:"rabbitmq"`
}

// RedisEvents 描述 Redis 列表形式的事件流。
type RedisEvents struct {
	Key    string `mapstructure:"key"`
	MaxLen int64  `mapstructure:"max_len"`
}

// RabbitMQEvents 描述 RabbitMQ 事件投递参数。
type RabbitMQEvents struct {
	URL        string `mapstructure:"url"`
	Exchange   string `mapstructure:"exchange"`
	Queue      string `mapstructure:"queue"`
	Durable    bool   `mapstructure:"durable"`
	AutoDelete bool   `mapstructure:"auto_delete"`
}

// Web3Config 包含访问区块链节点所需的 RPC 地址与质押代币信息。
type Web3Config struct {
	RPCURL       string           `mapstructure:"rpc_url"`
	ChainConfig  string           `mapstructure:"chain_config"`
	DefaultChain string           `mapstructure:"default_chain"`
	StakeToken   StakeTokenConfig `mapstructure:"stake_token"`
}

// Enabled 判断是否配置了任何链端点。
func (w Web3Config) Enabled() bool {
	return strings.TrimSpace(w.RPCURL) != "" || strings.TrimSpace(w.ChainConfig) != ""
}

// StakeTokenConfig 指定质押时查询的 ERC-20 代币。
type StakeTokenConfig struct {
	Address  string `mapstructure:"address"`
	Decimals *int   `mapstructure:"decimals"`
	Chain    string `mapstructure:"chain"`
}

// AgentDefinition 描述一个可被任务调用的代理。
type AgentDefinition struct {
	ID      string            `mapstructure:"id"`
	Kind    string            `mapstructure:"kind"`
	Chain   string            `mapstructure:"chain"`
	Action  string            `mapstructure:"action"`
	Address string            `mapstructure:"address"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
	Timeout time.Duration     `mapstructure:"timeout"`
}

// AlertingConfig 控制告警通道。
type AlertingConfig struct {
	WebhookURL string  `mapstructure:"webhook_url"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
	Burst      int     `mapstructure:"burst"`
}

// MetricsConfig 控制 Prometheus 指标端点，空地址表示不暴露。
type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	Timezone string `mapstructure:"timezone"`
}

// Location 解析配置的时区，未配置时返回 UTC。
func (r RuntimeConfig) Location() (*time.Location, error) {
	if strings.TrimSpace(r.Timezone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("加载时区 %s 失败: %w", r.Timezone, err)
	}
	return loc, nil
}

// Load 负责解析指定路径的 JSON 或 YAML 配置文件，并应用环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return decode(v, filepath.Dir(path))
}

// LoadDefaults 在没有配置文件时仅根据环境变量构造配置。
func LoadDefaults(baseDir string) (*Config, error) {
	return decode(newViper(), baseDir)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)
	return v
}

// bindEnvKeys 让 AutomaticEnv 在配置文件未出现某个键时也能生效。
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"logging.level", "logging.format",
		"storage.driver", "storage.dsn",
		"redis.addresses", "redis.password", "redis.db",
		"scheduler.tick_interval", "scheduler.execution_timeout", "scheduler.concurrency",
		"scheduler.batch_size", "scheduler.fallback_interval",
		"retention.days", "retention.cron",
		"energy.default_task_cost", "energy.bonus_rate", "energy.daily_reward_rate",
		"energy.reward_cron", "energy.lock_driver",
		"events.driver", "events.rabbitmq.url",
		"web3.rpc_url", "web3.chain_config", "web3.default_chain",
		"web3.stake_token.address", "web3.stake_token.chain",
		"alerting.webhook_url",
		"metrics.address",
		"runtime.data_dir", "runtime.timezone",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}
}

func decode(v *viper.Viper, baseDir string) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if strings.EqualFold(c.Storage.Driver, "sqlite") && c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(c.Runtime.DataDir, "agentcron.db")
	}

	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Minute
	}
	if c.Scheduler.ExecutionTimeout <= 0 {
		c.Scheduler.ExecutionTimeout = 30 * time.Second
	}
	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = 4
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.FallbackInterval <= 0 {
		c.Scheduler.FallbackInterval = 24 * time.Hour
	}

	if c.Retention.Days <= 0 {
		c.Retention.Days = 30
	}
	if c.Retention.Cron == "" {
		c.Retention.Cron = "0 3 * * *"
	}

	if c.Energy.DefaultTaskCost < 0 {
		c.Energy.DefaultTaskCost = 0
	} else if c.Energy.DefaultTaskCost == 0 {
		c.Energy.DefaultTaskCost = 15
	}
	if c.Energy.BonusRate <= 0 {
		c.Energy.BonusRate = 10
	}
	if c.Energy.DailyRewardRate <= 0 {
		c.Energy.DailyRewardRate = 0.1
	}
	if c.Energy.RewardCron == "" {
		c.Energy.RewardCron = "0 0 * * *"
	}
	if c.Energy.LockDriver == "" {
		c.Energy.LockDriver = "local"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "none"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}

	for i := range c.Agents {
		if c.Agents[i].Timeout <= 0 {
			c.Agents[i].Timeout = c.Scheduler.ExecutionTimeout
		}
	}
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "mysql", "sqlite":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("存储驱动 %s 需要配置 dsn", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("不支持的存储驱动: %s", c.Storage.Driver)
	}

	switch strings.ToLower(c.Energy.LockDriver) {
	case "local":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("redis 锁需要配置 redis.addresses")
		}
	default:
		return fmt.Errorf("不支持的锁实现: %s", c.Energy.LockDriver)
	}

	switch strings.ToLower(c.Events.Driver) {
	case "none", "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return errors.New("redis 事件需要配置 redis.addresses")
		}
	case "rabbitmq":
		if strings.TrimSpace(c.Events.RabbitMQ.URL) == "" {
			return errors.New("rabbitmq 事件需要配置 events.rabbitmq.url")
		}
	default:
		return fmt.Errorf("不支持的事件驱动: %s", c.Events.Driver)
	}

	seen := make(map[string]struct{}, len(c.Agents))
	for _, def := range c.Agents {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return errors.New("代理定义缺少 id")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("代理 %s 重复定义", id)
		}
		seen[id] = struct{}{}
	}

	if _, err := c.Runtime.Location(); err != nil {
		return err
	}
	return nil
}
