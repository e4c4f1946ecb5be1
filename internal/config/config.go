package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Agent/pkg/logger"
)

// Config 描述了 OpenMCP Agent 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Agent       AgentConfig       `yaml:"agent"`
	Context     ContextConfig     `yaml:"context"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Remote      RemoteConfig      `yaml:"remote"`
	LLM         LLMConfig         `yaml:"llm"`
	Storage     StorageConfig     `yaml:"storage"`
	TaskQueue   TaskQueueConfig   `yaml:"task_queue"`
	Notify      NotifyConfig      `yaml:"notify"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     logger.Config     `yaml:"logging"`
	Environment EnvironmentConfig `yaml:"environment"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address     string `yaml:"address"`
	BearerToken string `yaml:"bearer_token"`
}

// AgentConfig 定义编排循环的上限。
type AgentConfig struct {
	MaxPlannerIterations    int `yaml:"max_planner_iterations"`
	MaxPredefinedIterations int `yaml:"max_predefined_iterations"`
	MaxExecutorIterations   int `yaml:"max_executor_iterations"`
	MaxRetries              int `yaml:"max_retries"`
}

// ContextConfig 控制上下文窗口的预算与压缩阈值。
type ContextConfig struct {
	TokenBudget       int     `yaml:"token_budget"`
	CompactionRatio   float64 `yaml:"compaction_ratio"`
	ObservationShare  float64 `yaml:"observation_share"`
	TokenizerEncoding string  `yaml:"tokenizer_encoding"`
	LookupToolName    string  `yaml:"lookup_tool_name"`
}

// EscalationConfig 描述人工介入等待的行为。
type EscalationConfig struct {
	Store        string        `yaml:"store"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// RemoteConfig 描述远程委托通道的连接参数。
type RemoteConfig struct {
	URL              string        `yaml:"url"`
	UserID           string        `yaml:"user_id"`
	Token            string        `yaml:"token"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	CancelAckTimeout time.Duration `yaml:"cancel_ack_timeout"`
}

// LLMConfig 用于配置推理服务的调用方式。
type LLMConfig struct {
	Provider string             `yaml:"provider"`
	OpenAI   OpenAIConfig       `yaml:"openai"`
	Python   PythonBridgeConfig `yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Temperature       float64       `yaml:"temperature"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// StorageConfig 统一描述 MySQL、Redis 等后端的连接信息。
type StorageConfig struct {
	TaskStore TaskStoreConfig `yaml:"task_store"`
	Audit     AuditConfig     `yaml:"audit"`
	Redis     RedisConfig     `yaml:"redis"`
}

// TaskStoreConfig 选择任务存储实现。
type TaskStoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// AuditConfig 选择规划审计记录的存储实现。
type AuditConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// RedisConfig 为队列与人工介入存储共用。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TaskQueueConfig 控制任务队列与消费者。
type TaskQueueConfig struct {
	Driver      string         `yaml:"driver"`
	Buffer      int            `yaml:"buffer"`
	Workers     int            `yaml:"workers"`
	MaxAttempts int            `yaml:"max_attempts"`
	RedisKey    string         `yaml:"redis_key"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 AMQP 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Exchange string `yaml:"exchange"`
}

// NotifyConfig 选择通知下游。
type NotifyConfig struct {
	Sinks      []string `yaml:"sinks"`
	Exchange   string   `yaml:"exchange"`
	RoutingKey string   `yaml:"routing_key"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// EnvironmentConfig 描述参考网页环境。
type EnvironmentConfig struct {
	StartURL     string        `yaml:"start_url"`
	UserAgent    string        `yaml:"user_agent"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	CacheSize    int           `yaml:"cache_size"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Load 负责解析指定路径的 YAML 配置文件，并叠加环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回不依赖配置文件的默认配置，数据目录位于 baseDir 下。
func Default(baseDir string) *Config {
	var cfg Config
	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	return &cfg
}

// Validate 检查相互依赖的字段。
func (c *Config) Validate() error {
	if c.Context.CompactionRatio <= 0 || c.Context.CompactionRatio > 1 {
		return fmt.Errorf("context.compaction_ratio 必须位于 (0,1]: %v", c.Context.CompactionRatio)
	}
	if c.Context.ObservationShare <= 0 || c.Context.ObservationShare >= 1 {
		return fmt.Errorf("context.observation_share 必须位于 (0,1): %v", c.Context.ObservationShare)
	}
	switch strings.ToLower(c.TaskQueue.Driver) {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("不支持的任务队列驱动: %s", c.TaskQueue.Driver)
	}
	switch strings.ToLower(c.Storage.TaskStore.Driver) {
	case "memory":
	case "mysql":
		if c.Storage.TaskStore.DSN == "" {
			return errors.New("mysql 任务存储需要 dsn")
		}
	default:
		return fmt.Errorf("不支持的任务存储驱动: %s", c.Storage.TaskStore.Driver)
	}
	switch strings.ToLower(c.Escalation.Store) {
	case "memory", "redis":
	default:
		return fmt.Errorf("不支持的人工介入存储: %s", c.Escalation.Store)
	}
	return nil
}

// applyEnv 使用 OPENMCP_* 环境变量覆盖敏感信息与地址。
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("OPENMCP_SERVER_ADDRESS", &c.Server.Address)
	str("OPENMCP_SERVER_TOKEN", &c.Server.BearerToken)
	str("OPENMCP_LLM_PROVIDER", &c.LLM.Provider)
	str("OPENMCP_OPENAI_BASE_URL", &c.LLM.OpenAI.BaseURL)
	str("OPENMCP_OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	str("OPENMCP_OPENAI_MODEL", &c.LLM.OpenAI.Model)
	str("OPENMCP_MYSQL_DSN", &c.Storage.TaskStore.DSN)
	str("OPENMCP_REDIS_ADDRESS", &c.Storage.Redis.Address)
	str("OPENMCP_REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("OPENMCP_RABBITMQ_URL", &c.TaskQueue.RabbitMQ.URL)
	str("OPENMCP_REMOTE_URL", &c.Remote.URL)
	str("OPENMCP_REMOTE_USER_ID", &c.Remote.UserID)
	str("OPENMCP_REMOTE_TOKEN", &c.Remote.Token)
	str("OPENMCP_LOG_LEVEL", &c.Logging.Level)

	if v, ok := lookup("OPENMCP_TOKEN_BUDGET"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Context.TokenBudget = n
		}
	}
	if v, ok := lookup("OPENMCP_OPENAI_API_KEY"); !ok || v == "" {
		// 兼容常见的 OPENAI_API_KEY 变量。
		str("OPENAI_API_KEY", &c.LLM.OpenAI.APIKey)
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	intDefault(&c.Agent.MaxPlannerIterations, 50)
	intDefault(&c.Agent.MaxPredefinedIterations, 30)
	intDefault(&c.Agent.MaxExecutorIterations, 3)
	intDefault(&c.Agent.MaxRetries, 3)

	intDefault(&c.Context.TokenBudget, 32000)
	if c.Context.CompactionRatio == 0 {
		c.Context.CompactionRatio = 0.7
	}
	if c.Context.ObservationShare == 0 {
		c.Context.ObservationShare = 0.35
	}
	if c.Context.TokenizerEncoding == "" {
		c.Context.TokenizerEncoding = "cl100k_base"
	}
	if c.Context.LookupToolName == "" {
		c.Context.LookupToolName = "find_text"
	}

	if c.Escalation.Store == "" {
		c.Escalation.Store = "memory"
	}
	durationDefault(&c.Escalation.PollInterval, 500*time.Millisecond)
	durationDefault(&c.Escalation.Timeout, 10*time.Minute)

	durationDefault(&c.Remote.LivenessTimeout, 60*time.Second)
	durationDefault(&c.Remote.HandshakeTimeout, 10*time.Second)
	durationDefault(&c.Remote.WriteTimeout, 10*time.Second)
	durationDefault(&c.Remote.CancelAckTimeout, 10*time.Second)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.BaseURL == "" {
		c.LLM.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	durationDefault(&c.LLM.OpenAI.Timeout, 60*time.Second)
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	c.LLM.Python.WorkingDir = resolvePath(baseDir, c.LLM.Python.WorkingDir, baseDir)

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Storage.TaskStore.Driver == "" {
		c.Storage.TaskStore.Driver = "memory"
	}
	intDefault(&c.Storage.TaskStore.MaxOpenConns, 10)
	intDefault(&c.Storage.TaskStore.MaxIdleConns, 5)
	durationDefault(&c.Storage.TaskStore.ConnMaxLifetime, 30*time.Minute)
	if c.Storage.Audit.Driver == "" {
		c.Storage.Audit.Driver = "file"
	}
	c.Storage.Audit.Path = resolvePath(c.Runtime.DataDir, c.Storage.Audit.Path, filepath.Join(c.Runtime.DataDir, "audit.jsonl"))
	if c.Storage.Redis.Address == "" {
		c.Storage.Redis.Address = "127.0.0.1:6379"
	}

	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	intDefault(&c.TaskQueue.Buffer, 128)
	intDefault(&c.TaskQueue.Workers, 1)
	intDefault(&c.TaskQueue.MaxAttempts, 3)
	if c.TaskQueue.RedisKey == "" {
		c.TaskQueue.RedisKey = "openmcp:tasks"
	}
	if c.TaskQueue.RabbitMQ.Queue == "" {
		c.TaskQueue.RabbitMQ.Queue = "openmcp.tasks"
	}

	if len(c.Notify.Sinks) == 0 {
		c.Notify.Sinks = []string{"log"}
	}
	if c.Notify.Exchange == "" {
		c.Notify.Exchange = "openmcp.notifications"
	}
	if c.Notify.RoutingKey == "" {
		c.Notify.RoutingKey = "agent.update"
	}

	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "logs", "audit.log")
	}

	if c.Environment.UserAgent == "" {
		c.Environment.UserAgent = "OpenMCP-Agent/1.0"
	}
	durationDefault(&c.Environment.FetchTimeout, 20*time.Second)
	intDefault(&c.Environment.CacheSize, 64)
}

func intDefault(dst *int, value int) {
	if *dst <= 0 {
		*dst = value
	}
}

func durationDefault(dst *time.Duration, value time.Duration) {
	if *dst <= 0 {
		*dst = value
	}
}

func resolvePath(baseDir, path, fallback string) string {
	if path == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}
