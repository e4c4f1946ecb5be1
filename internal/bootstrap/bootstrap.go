package bootstrap

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"OpenMCP-Agent/internal/agent"
	"OpenMCP-Agent/internal/auth"
	"OpenMCP-Agent/internal/config"
	"OpenMCP-Agent/internal/environment/web"
	"OpenMCP-Agent/internal/escalation"
	"OpenMCP-Agent/internal/llm"
	"OpenMCP-Agent/internal/llm/openai"
	"OpenMCP-Agent/internal/llm/pythonbridge"
	"OpenMCP-Agent/internal/notify"
	"OpenMCP-Agent/internal/remote"
	storage "OpenMCP-Agent/internal/storage/mysql"
	redisstore "OpenMCP-Agent/internal/storage/redis"
	"OpenMCP-Agent/internal/task"
	"OpenMCP-Agent/internal/tokenizer"
	"OpenMCP-Agent/internal/tools"
	"OpenMCP-Agent/pkg/logger"
)

// Runtime 持有按配置装配好的编排组件，Close 按创建的逆序释放资源。
type Runtime struct {
	Config      *config.Config
	LLM         llm.Client
	Web         *web.Session
	Registry    *tools.Registry
	Escalations escalation.Store
	Gate        *escalation.Gate
	Sink        notify.Sink
	Audit       storage.AuditRepository
	Remote      *remote.Channel
	Router      *agent.Router

	redis   *redis.Client
	amqp    *amqp.Connection
	extra   []notify.Sink
	closers []func() error
	logger  *slog.Logger
}

// Option 调整装配过程。
type Option func(*Runtime)

// WithExtraSink 在配置的通知下游之外追加一个下游，例如命令行的进度输出。
func WithExtraSink(sink notify.Sink) Option {
	return func(rt *Runtime) {
		if sink != nil {
			rt.extra = append(rt.extra, sink)
		}
	}
}

// New 装配运行时。失败时已创建的资源会被释放。
func New(ctx context.Context, cfg *config.Config, opts ...Option) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, logger: logger.Named("bootstrap")}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if err = os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	if rt.LLM, err = NewLLMClient(cfg); err != nil {
		return nil, err
	}

	if rt.Web, err = web.NewSession(web.Config{
		StartURL:     cfg.Environment.StartURL,
		UserAgent:    cfg.Environment.UserAgent,
		FetchTimeout: cfg.Environment.FetchTimeout,
		CacheSize:    cfg.Environment.CacheSize,
	}); err != nil {
		return nil, err
	}
	if rt.Registry, err = toolRegistry(rt.Web); err != nil {
		return nil, err
	}

	if rt.Escalations, err = rt.escalationStore(ctx); err != nil {
		return nil, err
	}
	rt.Gate = escalation.NewGate(rt.Escalations,
		escalation.WithPollInterval(cfg.Escalation.PollInterval),
		escalation.WithTimeout(cfg.Escalation.Timeout),
	)
	if rt.Sink, err = rt.notifySink(); err != nil {
		return nil, err
	}
	if rt.Audit, err = rt.auditRepository(ctx); err != nil {
		return nil, err
	}

	rt.Router = agent.NewRouter()
	orchestrated := func() agent.Strategy {
		o, err := rt.NewOrchestrator()
		if err != nil {
			return agent.StrategyFunc(func(context.Context, agent.Task) (*agent.Outcome, error) { return nil, err })
		}
		return o
	}
	rt.Router.Handle(agent.ModeDynamic, orchestrated)
	rt.Router.Handle(agent.ModePredefined, orchestrated)
	if strings.TrimSpace(cfg.Remote.URL) != "" {
		rt.Remote = remote.NewChannel(remote.Config{
			URL:              cfg.Remote.URL,
			UserID:           cfg.Remote.UserID,
			Token:            cfg.Remote.Token,
			LivenessTimeout:  cfg.Remote.LivenessTimeout,
			HandshakeTimeout: cfg.Remote.HandshakeTimeout,
			WriteTimeout:     cfg.Remote.WriteTimeout,
			CancelAckTimeout: cfg.Remote.CancelAckTimeout,
		})
		rt.closers = append(rt.closers, rt.Remote.Disconnect)
		strategy := remote.NewStrategy(rt.Remote, remote.WithSink(rt.Sink), remote.WithEnvironment(rt.Web))
		rt.Router.Handle(agent.ModeRemote, func() agent.Strategy { return strategy })
	}
	rt.logger.Info("运行时装配完成",
		slog.String("llm_provider", cfg.LLM.Provider),
		slog.String("escalation_store", cfg.Escalation.Store),
		slog.String("audit_driver", cfg.Storage.Audit.Driver),
		slog.Bool("remote", rt.Remote != nil),
	)
	return rt, nil
}

// NewOrchestrator 为单个任务创建编排器，编排器同一时刻只运行一个任务。
// 每个编排器拿到独立的网页会话与绑定它的工具集，页面缓存仍然共享。
func (rt *Runtime) NewOrchestrator() (*agent.Orchestrator, error) {
	cfg := rt.Config
	session := rt.Web.Fork()
	registry, err := toolRegistry(session)
	if err != nil {
		return nil, err
	}
	return agent.NewOrchestrator(rt.LLM, registry,
		agent.WithLimits(agent.Limits{
			MaxPlannerIterations:    cfg.Agent.MaxPlannerIterations,
			MaxPredefinedIterations: cfg.Agent.MaxPredefinedIterations,
			MaxExecutorIterations:   cfg.Agent.MaxExecutorIterations,
			MaxRetries:              cfg.Agent.MaxRetries,
		}),
		agent.WithWindow(agent.WindowConfig{
			TokenBudget:      cfg.Context.TokenBudget,
			CompactionRatio:  cfg.Context.CompactionRatio,
			ObservationShare: cfg.Context.ObservationShare,
			LookupToolName:   cfg.Context.LookupToolName,
		}),
		agent.WithCounter(tokenizer.New(cfg.Context.TokenizerEncoding)),
		agent.WithEnvironment(session),
		agent.WithGate(rt.Gate),
		agent.WithAuditLog(rt.Audit),
		agent.WithSink(rt.Sink),
	), nil
}

func toolRegistry(session *web.Session) (*tools.Registry, error) {
	return tools.NewRegistry(append([]tools.Tool{tools.DoneTool(), tools.HumanInputTool()}, session.Tools()...)...)
}

// NewTaskService 按配置创建任务存储、队列、服务与处理器。处理器即服务的取消入口。
func (rt *Runtime) NewTaskService(ctx context.Context) (*task.Service, *task.Processor, error) {
	cfg := rt.Config
	var store task.Store
	switch strings.ToLower(cfg.Storage.TaskStore.Driver) {
	case "mysql":
		s, err := task.NewMySQLStore(ctx, rt.mysqlConfig())
		if err != nil {
			return nil, nil, err
		}
		store = s
	default:
		store = task.NewMemoryStore()
	}

	var queue task.Queue
	switch strings.ToLower(cfg.TaskQueue.Driver) {
	case "redis":
		client, err := rt.redisClient(ctx)
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = task.NewRedisQueue(client, cfg.TaskQueue.RedisKey, 0)
	case "rabbitmq":
		q, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.TaskQueue.RabbitMQ.URL,
			Queue:    cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch: cfg.TaskQueue.Workers,
			Durable:  true,
		})
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		queue = q
	default:
		queue = task.NewMemoryQueue(cfg.TaskQueue.Buffer)
	}

	processor := task.NewProcessor(rt.Router, store, queue, queue,
		task.WithWorkerCount(cfg.TaskQueue.Workers),
		task.WithProcessorLogger(logger.Named("task-processor")),
	)
	service := task.NewService(store, queue, cfg.TaskQueue.MaxAttempts, task.WithCanceller(processor))
	return service, processor, nil
}

// NewAuth 根据 server.bearer_token 创建认证服务，未配置时不做认证。
func (rt *Runtime) NewAuth() (*auth.Service, error) {
	token := strings.TrimSpace(rt.Config.Server.BearerToken)
	if token == "" {
		return auth.NewService(auth.Config{Mode: auth.ModeDisabled}, nil)
	}
	return auth.NewService(auth.Config{
		Mode:  auth.ModeStatic,
		Seeds: []auth.Seed{{Name: "default", Token: token, Permissions: []string{auth.PermissionAll}}},
	}, nil)
}

// Close 释放全部资源。
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return stdErrors.Join(errs...)
}

func (rt *Runtime) mysqlConfig() storage.Config {
	ts := rt.Config.Storage.TaskStore
	return storage.Config{
		DSN:             ts.DSN,
		MaxOpenConns:    ts.MaxOpenConns,
		MaxIdleConns:    ts.MaxIdleConns,
		ConnMaxLifetime: ts.ConnMaxLifetime,
	}
}

// redisClient 懒加载共享的 Redis 客户端，队列与人工介入存储共用。
func (rt *Runtime) redisClient(ctx context.Context) (*redis.Client, error) {
	if rt.redis != nil {
		return rt.redis, nil
	}
	rc := rt.Config.Storage.Redis
	client, err := redisstore.NewClient(ctx, redisstore.Config{Address: rc.Address, Password: rc.Password, DB: rc.DB})
	if err != nil {
		return nil, err
	}
	rt.redis = client
	rt.closers = append(rt.closers, client.Close)
	return client, nil
}

func (rt *Runtime) escalationStore(ctx context.Context) (escalation.Store, error) {
	if strings.ToLower(rt.Config.Escalation.Store) != "redis" {
		return escalation.NewMemoryStore(), nil
	}
	client, err := rt.redisClient(ctx)
	if err != nil {
		return nil, err
	}
	return escalation.NewRedisStore(client, escalation.RedisStoreConfig{TTL: rt.Config.Escalation.Timeout + time.Minute})
}

func (rt *Runtime) notifySink() (notify.Sink, error) {
	sinks := append(notify.Fanout{}, rt.extra...)
	for _, name := range rt.Config.Notify.Sinks {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "log":
			sinks = append(sinks, notify.NewLogSink(logger.Named("notify")))
		case "amqp", "rabbitmq":
			sink, err := rt.amqpSink()
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, sink)
		case "", "none":
		default:
			return nil, fmt.Errorf("未知的通知下游: %s", name)
		}
	}
	switch len(sinks) {
	case 0:
		return notify.Discard, nil
	case 1:
		return sinks[0], nil
	default:
		return sinks, nil
	}
}

func (rt *Runtime) amqpSink() (notify.Sink, error) {
	url := rt.Config.TaskQueue.RabbitMQ.URL
	if url == "" {
		return nil, stdErrors.New("amqp 通知需要配置 task_queue.rabbitmq.url")
	}
	if rt.amqp == nil {
		conn, err := amqp.Dial(url)
		if err != nil {
			return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
		}
		rt.amqp = conn
		rt.closers = append(rt.closers, conn.Close)
	}
	ch, err := rt.amqp.Channel()
	if err != nil {
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	rt.closers = append(rt.closers, ch.Close)
	if err := notify.DeclareExchange(ch, rt.Config.Notify.Exchange); err != nil {
		return nil, err
	}
	return notify.NewAMQPSink(ch, notify.AMQPConfig{
		Exchange:   rt.Config.Notify.Exchange,
		RoutingKey: rt.Config.Notify.RoutingKey,
	})
}

func (rt *Runtime) auditRepository(ctx context.Context) (storage.AuditRepository, error) {
	switch strings.ToLower(rt.Config.Storage.Audit.Driver) {
	case "mysql":
		db, err := storage.OpenAndMigrate(ctx, rt.mysqlConfig())
		if err != nil {
			return nil, err
		}
		repo := storage.NewSQLAuditRepository(db)
		rt.closers = append(rt.closers, repo.Close)
		return repo, nil
	case "none":
		return nil, nil
	default:
		return storage.NewFileAuditRepository(rt.Config.Storage.Audit.Path)
	}
}

// NewLLMClient 根据配置创建推理服务客户端。
func NewLLMClient(cfg *config.Config) (llm.Client, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(cfg.LLM.Python.PythonExecutable, scriptPath, cfg.LLM.Python.WorkingDir)
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.APIKey)
		if apiKey == "" {
			return nil, stdErrors.New("OpenAI provider 需要配置 api_key 或 OPENMCP_OPENAI_API_KEY")
		}
		return openai.NewClient(openai.Config{
			APIKey:            apiKey,
			BaseURL:           cfg.LLM.OpenAI.BaseURL,
			Model:             cfg.LLM.OpenAI.Model,
			Temperature:       cfg.LLM.OpenAI.Temperature,
			Timeout:           cfg.LLM.OpenAI.Timeout,
			RequestsPerMinute: cfg.LLM.OpenAI.RequestsPerMinute,
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}
