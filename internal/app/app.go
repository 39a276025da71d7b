// Package app 装配 EVMx 网关的全部组件
//
// 启动顺序:
//  1. PostgreSQL 连接与自动迁移
//  2. Redis (租约后端为 redis 时必需)
//  3. Kafka 生产者 (未配置 brokers 时不发布事件)
//  4. 服务层
//  5. 未确认区块恢复确认调度
//  6. 区块监控、定时任务、gRPC 健康检查与指标端点
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/jobs"
	"github.com/ihawking/evmx/internal/kafka"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/internal/scheduler"
	"github.com/ihawking/evmx/internal/service"
	"github.com/ihawking/evmx/pkg/crypto"
	"github.com/ihawking/evmx/pkg/logger"
)

// App 网关应用
type App struct {
	cfg *config.Config

	// 基础设施
	db            *gorm.DB
	redisClient   redis.UniversalClient
	producer      *kafka.Producer
	grpcServer    *grpc.Server
	healthServer  *health.Server
	metricsServer *http.Server

	// 服务层
	services  *Services
	scheduler *scheduler.Scheduler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Services 服务层实例
type Services struct {
	Stores        *service.Stores
	Chains        *service.ChainService
	Accounts      *service.AccountService
	Projects      *service.ProjectService
	Deposits      *service.DepositService
	Withdrawals   *service.WithdrawalService
	Dispatcher    *service.DispatcherService
	Ledger        *service.LedgerService
	Invoices      *service.InvoiceService
	Notifier      *service.NotifierService
	Blocks        *service.BlockService
	Classifier    *service.ClassifierService
	Confirmations *service.ConfirmationService
	Monitor       *service.MonitorService
}

// New 创建应用
func New(cfg *config.Config) *App {
	ctx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run 初始化并启动全部组件, 不阻塞
func (a *App) Run() error {
	if err := a.initDB(); err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := a.initRedis(); err != nil {
		return fmt.Errorf("init redis: %w", err)
	}
	if err := a.initKafka(); err != nil {
		return fmt.Errorf("init kafka: %w", err)
	}

	leaser, err := a.newLeaser()
	if err != nil {
		return err
	}
	var publisher kafka.EventPublisher = kafka.NopPublisher{}
	if a.producer != nil {
		publisher = a.producer
	}
	a.services = NewServices(a.cfg, a.db, leaser, publisher, blockchain.DialClient)

	recovered, err := a.services.Confirmations.Recover(a.ctx)
	if err != nil {
		return fmt.Errorf("recover confirmations: %w", err)
	}
	logger.Info("confirmation schedule recovered", zap.Int("blocks", recovered))

	if err := a.initScheduler(); err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.services.Monitor.Run(a.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("monitor stopped", zap.Error(err))
		}
	}()

	a.scheduler.Start()

	if err := a.startGRPC(); err != nil {
		return fmt.Errorf("start grpc: %w", err)
	}
	a.startMetrics()
	return nil
}

// NewServices 按依赖顺序装配服务层
func NewServices(
	cfg *config.Config,
	db *gorm.DB,
	leaser lease.Leaser,
	publisher kafka.EventPublisher,
	dial blockchain.Dialer,
) *Services {
	stores := service.NewStores(db)

	chains := service.NewChainService(stores, dial, &service.ChainServiceConfig{
		BlockTimeSample:  cfg.Confirmation.BlockTimeSample,
		DefaultBlockTime: cfg.Confirmation.DefaultBlockTime,
		BlockTimeTTL:     cfg.Confirmation.BlockTimeTTL,
		GasPriceTTL:      cfg.Dispatcher.GasPriceTTL,
	})
	accounts := service.NewAccountService(stores, crypto.NewSecretCipher(cfg.Security.SecretKey))
	dispatcher := service.NewDispatcherService(stores, chains, accounts, leaser, &service.DispatcherServiceConfig{
		BatchSize:  cfg.Dispatcher.BatchSize,
		StaleAfter: cfg.Dispatcher.StaleAfter,
		MinAge:     cfg.Dispatcher.MinAge,
	})
	ledger := service.NewLedgerService(stores, leaser, chains, dispatcher, &service.LedgerServiceConfig{
		GasReserveMultiplier: cfg.Ledger.GasReserveMultiplier,
		GatherBatchSize:      cfg.Ledger.GatherBatchSize,
	})
	invoices := service.NewInvoiceService(stores, chains, dispatcher, leaser, &service.InvoiceServiceConfig{
		FactoryAddress:   cfg.Invoice.FactoryAddress,
		ContractChainIDs: cfg.Invoice.ContractChainIDs,
		NativeBytecode:   cfg.Invoice.NativeBytecode,
		ERC20Bytecode:    cfg.Invoice.ERC20Bytecode,
	})
	notifier := service.NewNotifierService(stores, publisher, &service.NotifierServiceConfig{
		BatchSize:  cfg.Notifier.BatchSize,
		Timeout:    cfg.Notifier.Timeout,
		MaxBackoff: cfg.Notifier.MaxBackoff,
	})
	blocks := service.NewBlockService(stores, invoices)
	classifier := service.NewClassifierService(stores, chains, ledger, invoices, notifier)
	confirmations := service.NewConfirmationService(stores, chains, blocks, classifier, notifier, &service.ConfirmationServiceConfig{
		Slack:           cfg.Confirmation.Slack,
		RecheckInterval: cfg.Confirmation.RecheckInterval,
		MaxBackoff:      cfg.Confirmation.MaxBackoff,
	})
	monitor := service.NewMonitorService(stores, chains, blocks, classifier, confirmations, &service.MonitorServiceConfig{
		RealignThreshold: cfg.Monitor.RealignThreshold,
		MaxParentDepth:   cfg.Monitor.MaxParentDepth,
		PollInterval:     cfg.Monitor.PollInterval,
		ErrorBackoff:     cfg.Monitor.ErrorBackoff,
		FetchConcurrency: cfg.Monitor.FetchConcurrency,
		ClassifyWorkers:  cfg.Monitor.ClassifyWorkers,
		ClassifyAttempts: cfg.Monitor.ClassifyAttempts,
	})

	return &Services{
		Stores:        stores,
		Chains:        chains,
		Accounts:      accounts,
		Projects:      service.NewProjectService(stores, accounts),
		Deposits:      service.NewDepositService(stores, chains, accounts),
		Withdrawals:   service.NewWithdrawalService(stores, chains, dispatcher),
		Dispatcher:    dispatcher,
		Ledger:        ledger,
		Invoices:      invoices,
		Notifier:      notifier,
		Blocks:        blocks,
		Classifier:    classifier,
		Confirmations: confirmations,
		Monitor:       monitor,
	}
}

// Shutdown 优雅关闭
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("shutting down evmx...")

	if a.healthServer != nil {
		a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	if a.grpcServer != nil {
		a.grpcServer.GracefulStop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown error", zap.Error(err))
		}
	}

	// 先停止产生新工作的组件, 再等待进行中的工作
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("timed out waiting for monitor to stop")
	}

	if a.services != nil {
		a.services.Confirmations.Stop()
		a.services.Chains.Close()
	}
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Warn("kafka producer close error", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logger.Info("evmx stopped")
	return nil
}

// initDB 连接 PostgreSQL 并迁移表结构
func (a *App) initDB() error {
	pg := a.cfg.Postgres
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(pg.MaxConnections)
	sqlDB.SetMaxIdleConns(pg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(pg.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected",
		zap.String("host", pg.Host),
		zap.String("database", pg.Database))

	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	logger.Info("database migrated")
	return nil
}

// initRedis 连接 Redis, 未配置地址时跳过
func (a *App) initRedis() error {
	if len(a.cfg.Redis.Addresses) == 0 {
		if a.cfg.Lease.Backend == "redis" {
			return errors.New("redis lease backend requires redis addresses")
		}
		return nil
	}

	a.redisClient = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    a.cfg.Redis.Addresses,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return err
	}

	logger.Info("redis connected", zap.Strings("addresses", a.cfg.Redis.Addresses))
	return nil
}

// initKafka 创建领域事件生产者
func (a *App) initKafka() error {
	if len(a.cfg.Kafka.Brokers) == 0 {
		logger.Info("kafka disabled, domain events will not be published")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
		SASL: &kafka.SASLConfig{
			Mechanism: a.cfg.Kafka.SASL.Mechanism,
			Username:  a.cfg.Kafka.SASL.Username,
			Password:  a.cfg.Kafka.SASL.Password,
		},
	})
	if err != nil {
		return err
	}
	a.producer = producer
	logger.Info("kafka producer initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// newLeaser 按配置选择账户租约后端
func (a *App) newLeaser() (lease.Leaser, error) {
	opts := lease.Options{
		KeyPrefix:    a.cfg.Jobs.LeaseKeyPrefix,
		TTL:          a.cfg.Lease.TTL,
		SpinInterval: a.cfg.Lease.SpinInterval,
		WaitTimeout:  a.cfg.Lease.WaitTimeout,
	}

	switch a.cfg.Lease.Backend {
	case "redis":
		return lease.NewRedisLeaser(a.redisClient, opts), nil
	case "local":
		logger.Warn("using in-process lease, run a single instance only")
		return lease.NewLocalLeaser(opts), nil
	default:
		return nil, fmt.Errorf("unknown lease backend %q", a.cfg.Lease.Backend)
	}
}

// initScheduler 注册定时任务
func (a *App) initScheduler() error {
	execRepo := repository.NewExecutionRepository(a.db)
	a.scheduler = scheduler.NewScheduler(&scheduler.Config{
		MaxConcurrentJobs: a.cfg.Jobs.MaxConcurrent,
		RedisClient:       a.redisClient,
		LockKeyPrefix:     a.cfg.Jobs.LockKeyPrefix,
	}, execRepo)

	return jobs.Register(a.scheduler, a.cfg.Jobs, &jobs.Deps{
		Dispatcher: a.services.Dispatcher,
		Notifier:   a.services.Notifier,
		Ledger:     a.services.Ledger,
		Invoices:   a.services.Invoices,
		Classifier: a.services.Classifier,
		Executions: execRepo,
	})
}

// startGRPC 启动 gRPC 健康检查服务
func (a *App) startGRPC() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return err
	}

	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// startMetrics 启动 Prometheus 指标端点
func (a *App) startMetrics() {
	if a.cfg.Service.MetricsPort == 0 {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metricsServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.Int("port", a.cfg.Service.MetricsPort))
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()
}
