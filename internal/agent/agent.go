package agent

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"AgentCron-Chain/internal/config"
	xerrors "AgentCron-Chain/internal/errors"
	"AgentCron-Chain/internal/web3"
	"AgentCron-Chain/pkg/logger"
)

// Executor 执行代理动作，返回的字符串会作为任务的执行结果保存。
type Executor interface {
	Execute(ctx context.Context, agentID, payload string) (string, error)
}

// Kind 标识代理动作的类型。
type Kind string

const (
	KindChainQuery Kind = "chain_query"
	KindWebhook    Kind = "webhook"
	KindEcho       Kind = "echo"
)

const (
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeUnsupportedAction xerrors.Code = "UNSUPPORTED_ACTION"
)

var (
	// ErrAgentNotFound 表示代理未定义。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrUnsupportedAction 表示代理类型或链上操作不受支持。
	ErrUnsupportedAction = xerrors.New(CodeUnsupportedAction, "unsupported action")
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:   "agent not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUnsupportedAction, xerrors.Attributes{
		Message:   "unsupported action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Definition 描述一个可被任务引用的代理。
type Definition struct {
	ID      string
	Kind    Kind
	Chain   string
	Action  string
	Address string
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// DefinitionsFromConfig 将配置中的代理定义转换为 Definition。
func DefinitionsFromConfig(defs []config.AgentDefinition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, def := range defs {
		out = append(out, Definition{
			ID:      strings.TrimSpace(def.ID),
			Kind:    Kind(strings.ToLower(strings.TrimSpace(def.Kind))),
			Chain:   def.Chain,
			Action:  def.Action,
			Address: def.Address,
			URL:     def.URL,
			Headers: def.Headers,
			Timeout: def.Timeout,
		})
	}
	return out
}

// ChainResolver 根据链名称返回链客户端，空名称表示默认链。
type ChainResolver interface {
	Resolve(name string) (web3.Client, error)
}

type handler func(ctx context.Context, def Definition, payload string) (string, error)

// Dispatcher 根据代理类型把调用分派给对应的处理器。
type Dispatcher struct {
	definitions map[string]Definition
	handlers    map[Kind]handler
	chains      ChainResolver
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// Option 定义可选的 Dispatcher 配置。
type Option func(*Dispatcher)

// WithChainResolver 配置链上查询使用的客户端注册表。
func WithChainResolver(resolver ChainResolver) Option {
	return func(d *Dispatcher) {
		d.chains = resolver
	}
}

// WithHTTPClient 指定 webhook 代理使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithWebhookRate 限制 webhook 代理的调用速率。
func WithWebhookRate(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 && burst > 0 {
			d.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithLogger 设置日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher 创建分派器，代理 ID 必须唯一。
func NewDispatcher(defs []Definition, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		definitions: make(map[string]Definition, len(defs)),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(5), 10),
		logger:      logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	for _, def := range defs {
		if def.ID == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "代理 ID 不能为空")
		}
		if _, dup := d.definitions[def.ID]; dup {
			return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "代理 %s 重复定义", def.ID)
		}
		d.definitions[def.ID] = def
	}
	d.handlers = map[Kind]handler{
		KindChainQuery: d.chainQuery,
		KindWebhook:    d.webhook,
		KindEcho:       echo,
	}
	return d, nil
}

// Definition 返回指定代理的定义。
func (d *Dispatcher) Definition(agentID string) (Definition, bool) {
	def, ok := d.definitions[agentID]
	return def, ok
}

// Execute 调用代理并返回结果。
func (d *Dispatcher) Execute(ctx context.Context, agentID, payload string) (string, error) {
	def, ok := d.definitions[strings.TrimSpace(agentID)]
	if !ok {
		return "", xerrors.Wrap(CodeAgentNotFound, ErrAgentNotFound, "代理 "+agentID+" 未定义")
	}
	h, ok := d.handlers[def.Kind]
	if !ok {
		return "", xerrors.Newf(CodeUnsupportedAction, "代理 %s 使用了不支持的类型 %s", def.ID, def.Kind)
	}

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	result, err := h(ctx, def, payload)
	if err != nil {
		d.logger.Warn("代理执行失败", slog.String("agent_id", def.ID), slog.String("kind", string(def.Kind)), slog.Any("error", err))
		if _, ok := xerrors.From(err); ok {
			return "", err
		}
		meta := []xerrors.Option{
			xerrors.WithMetadata("agent_id", def.ID),
			xerrors.WithMetadata("kind", string(def.Kind)),
		}
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return "", xerrors.Wrap(xerrors.CodeExecutorTimeout, err, "代理执行超时", meta...)
		}
		return "", xerrors.Wrap(xerrors.CodeExecutorFailure, err, "代理执行失败", meta...)
	}
	return result, nil
}

func echo(_ context.Context, _ Definition, payload string) (string, error) {
	return payload, nil
}

var _ Executor = (*Dispatcher)(nil)
