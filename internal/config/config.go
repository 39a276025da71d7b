package config

import (
	"os"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service      ServiceConfig      `yaml:"service"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Redis        RedisConfig        `yaml:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka"`
	Log          LogConfig          `yaml:"log"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Notifier     NotifierConfig     `yaml:"notifier"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Invoice      InvoiceConfig      `yaml:"invoice"`
	Lease        LeaseConfig        `yaml:"lease"`
	Jobs         JobsConfig         `yaml:"jobs"`
	Security     SecurityConfig     `yaml:"security"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name"`
	GRPCPort    int    `yaml:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port"`
	Env         string `yaml:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Database        string `yaml:"database"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	MaxConnections  int    `yaml:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

// KafkaConfig Kafka 配置, brokers 为空时不发布领域事件
type KafkaConfig struct {
	Brokers  []string        `yaml:"brokers"`
	ClientID string          `yaml:"client_id"`
	SASL     KafkaSASLConfig `yaml:"sasl"`
}

// KafkaSASLConfig 用户名为空时不认证
type KafkaSASLConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MonitorConfig 区块监控配置
type MonitorConfig struct {
	RealignThreshold int           `yaml:"realign_threshold"`
	MaxParentDepth   int           `yaml:"max_parent_depth"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	ErrorBackoff     time.Duration `yaml:"error_backoff"`
	FetchConcurrency int           `yaml:"fetch_concurrency"`
	ClassifyWorkers  int           `yaml:"classify_workers"`
	ClassifyAttempts int           `yaml:"classify_attempts"`
}

// ConfirmationConfig 确认调度配置
type ConfirmationConfig struct {
	BlockTimeSample  int           `yaml:"block_time_sample"`
	DefaultBlockTime time.Duration `yaml:"default_block_time"`
	BlockTimeTTL     time.Duration `yaml:"block_time_ttl"`
	Slack            time.Duration `yaml:"slack"`
	RecheckInterval  time.Duration `yaml:"recheck_interval"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
}

// DispatcherConfig 出账队列配置
type DispatcherConfig struct {
	BatchSize   int           `yaml:"batch_size"`
	StaleAfter  time.Duration `yaml:"stale_after"`
	MinAge      time.Duration `yaml:"min_age"`
	GasPriceTTL time.Duration `yaml:"gas_price_ttl"`
}

// NotifierConfig 回调通知配置
type NotifierConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// LedgerConfig 账本与归集配置
type LedgerConfig struct {
	GasReserveMultiplier int64 `yaml:"gas_reserve_multiplier"`
	GatherBatchSize      int   `yaml:"gather_batch_size"`
}

// InvoiceConfig 账单配置
type InvoiceConfig struct {
	FactoryAddress   string  `yaml:"factory_address"`
	ContractChainIDs []int64 `yaml:"contract_chain_ids"`
	NativeBytecode   string  `yaml:"native_bytecode"`
	ERC20Bytecode    string  `yaml:"erc20_bytecode"`
}

// LeaseConfig 账户租约配置
type LeaseConfig struct {
	Backend      string        `yaml:"backend"` // redis, local
	TTL          time.Duration `yaml:"ttl"`
	SpinInterval time.Duration `yaml:"spin_interval"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
}

// JobsConfig 定时任务配置
type JobsConfig struct {
	MaxConcurrent     int    `yaml:"max_concurrent"`
	DispatchCron      string `yaml:"dispatch_cron"`
	NotifyCron        string `yaml:"notify_cron"`
	GatherCron        string `yaml:"gather_cron"`
	GatherInvCron     string `yaml:"gather_invoices_cron"`
	RetryClassifyCron string `yaml:"retry_classify_cron"`
	RetentionDays     int    `yaml:"retention_days"`
	CleanupCron       string `yaml:"cleanup_cron"`
	LockKeyPrefix     string `yaml:"lock_key_prefix"`
	LeaseKeyPrefix    string `yaml:"lease_key_prefix"`
}

// SecurityConfig 密钥配置
type SecurityConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// Generation 链配置代数, 链增删改后递增, 监控协程据此退出重建
var Generation atomic.Int64

// BumpGeneration 递增配置代数
func BumpGeneration() int64 {
	return Generation.Add(1)
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}
	setDefaults(&cfg)
	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "evmx"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50061
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9161
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}
	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	// 区块监控
	if cfg.Monitor.RealignThreshold == 0 {
		cfg.Monitor.RealignThreshold = 31
	}
	if cfg.Monitor.MaxParentDepth == 0 {
		cfg.Monitor.MaxParentDepth = 64
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = time.Second
	}
	if cfg.Monitor.ErrorBackoff == 0 {
		cfg.Monitor.ErrorBackoff = time.Second
	}
	if cfg.Monitor.FetchConcurrency == 0 {
		cfg.Monitor.FetchConcurrency = 8
	}
	if cfg.Monitor.ClassifyWorkers == 0 {
		cfg.Monitor.ClassifyWorkers = 8
	}
	if cfg.Monitor.ClassifyAttempts == 0 {
		cfg.Monitor.ClassifyAttempts = 3
	}

	// 确认
	if cfg.Confirmation.BlockTimeSample == 0 {
		cfg.Confirmation.BlockTimeSample = 32
	}
	if cfg.Confirmation.DefaultBlockTime == 0 {
		cfg.Confirmation.DefaultBlockTime = 16 * time.Second
	}
	if cfg.Confirmation.BlockTimeTTL == 0 {
		cfg.Confirmation.BlockTimeTTL = 32 * time.Second
	}
	if cfg.Confirmation.Slack == 0 {
		cfg.Confirmation.Slack = 4 * time.Second
	}
	if cfg.Confirmation.RecheckInterval == 0 {
		cfg.Confirmation.RecheckInterval = 4 * time.Second
	}
	if cfg.Confirmation.MaxBackoff == 0 {
		cfg.Confirmation.MaxBackoff = 300 * time.Second
	}

	// 出账
	if cfg.Dispatcher.BatchSize == 0 {
		cfg.Dispatcher.BatchSize = 8
	}
	if cfg.Dispatcher.StaleAfter == 0 {
		cfg.Dispatcher.StaleAfter = 16 * time.Minute
	}
	if cfg.Dispatcher.MinAge == 0 {
		cfg.Dispatcher.MinAge = 4 * time.Second
	}
	if cfg.Dispatcher.GasPriceTTL == 0 {
		cfg.Dispatcher.GasPriceTTL = 8 * time.Second
	}

	// 通知
	if cfg.Notifier.BatchSize == 0 {
		cfg.Notifier.BatchSize = 4
	}
	if cfg.Notifier.Timeout == 0 {
		cfg.Notifier.Timeout = 4 * time.Second
	}
	if cfg.Notifier.MaxBackoff == 0 {
		cfg.Notifier.MaxBackoff = 1800 * time.Second
	}

	// 账本
	if cfg.Ledger.GasReserveMultiplier == 0 {
		cfg.Ledger.GasReserveMultiplier = 5
	}
	if cfg.Ledger.GatherBatchSize == 0 {
		cfg.Ledger.GatherBatchSize = 8
	}

	// 账单
	if cfg.Invoice.FactoryAddress == "" {
		cfg.Invoice.FactoryAddress = "0xC8B76793EAf491A3018C74aCacfBab5b967B2ae9"
	}
	if len(cfg.Invoice.ContractChainIDs) == 0 {
		cfg.Invoice.ContractChainIDs = []int64{97, 11155111}
	}

	// 租约
	if cfg.Lease.Backend == "" {
		cfg.Lease.Backend = "redis"
	}
	if cfg.Lease.TTL == 0 {
		cfg.Lease.TTL = 10 * time.Second
	}
	if cfg.Lease.SpinInterval == 0 {
		cfg.Lease.SpinInterval = 20 * time.Millisecond
	}
	if cfg.Lease.WaitTimeout == 0 {
		cfg.Lease.WaitTimeout = 10 * time.Second
	}

	// 定时任务
	if cfg.Jobs.MaxConcurrent == 0 {
		cfg.Jobs.MaxConcurrent = 8
	}
	if cfg.Jobs.DispatchCron == "" {
		cfg.Jobs.DispatchCron = "*/4 * * * * *"
	}
	if cfg.Jobs.NotifyCron == "" {
		cfg.Jobs.NotifyCron = "*/4 * * * * *"
	}
	if cfg.Jobs.GatherCron == "" {
		cfg.Jobs.GatherCron = "0 * * * * *"
	}
	if cfg.Jobs.GatherInvCron == "" {
		cfg.Jobs.GatherInvCron = "*/16 * * * * *"
	}
	if cfg.Jobs.RetryClassifyCron == "" {
		cfg.Jobs.RetryClassifyCron = "*/4 * * * * *"
	}
	if cfg.Jobs.CleanupCron == "" {
		cfg.Jobs.CleanupCron = "0 30 3 * * *"
	}
	if cfg.Jobs.RetentionDays == 0 {
		cfg.Jobs.RetentionDays = 7
	}
	if cfg.Jobs.LockKeyPrefix == "" {
		cfg.Jobs.LockKeyPrefix = "evmx:job:lock:"
	}
	if cfg.Jobs.LeaseKeyPrefix == "" {
		cfg.Jobs.LeaseKeyPrefix = "lock_account_"
	}
}
