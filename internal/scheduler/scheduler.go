package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

// Scheduler 定时任务调度器
type Scheduler struct {
	cron        *cron.Cron
	lockManager *LockManager
	execRepo    *repository.ExecutionRepository

	mu         sync.RWMutex
	jobs       map[string]Job
	jobConfigs map[string]JobConfig

	running chan struct{}
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// JobConfig 任务调度配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
	// RedisClient 为空时单实例运行, 不加分布式锁
	RedisClient   redis.UniversalClient
	LockKeyPrefix string
}

// NewScheduler 创建调度器, 表达式精确到秒
func NewScheduler(cfg *Config, execRepo *repository.ExecutionRepository) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	var lockManager *LockManager
	if cfg.RedisClient != nil {
		lockManager = NewLockManager(cfg.RedisClient, cfg.LockKeyPrefix)
	}

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		lockManager: lockManager,
		execRepo:    execRepo,
		jobs:        make(map[string]Job),
		jobConfigs:  make(map[string]JobConfig),
		running:     make(chan struct{}, maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterJob 注册任务, 未启用的任务只登记不调度
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	if config.Enabled {
		if _, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) }); err != nil {
			return fmt.Errorf("add cron job %s: %w", job.Name(), err)
		}
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron),
		zap.Bool("enabled", config.Enabled))
	return nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度并等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 立即执行一次任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("job %s not found", jobName)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

// executeJob 执行任务并记录执行结果
func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), "max concurrent jobs reached")
		return
	}

	select {
	case <-s.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() && s.lockManager != nil {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire job lock", zap.String("job", job.Name()), zap.Error(err))
			s.recordFailed(job.Name(), err)
			return
		}
		if !acquired {
			logger.Debug("job is running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), "job is running on another instance")
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release job lock", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	exec := &model.JobExecution{
		JobName:   job.Name(),
		Status:    model.JobStatusRunning,
		StartedAt: start.UnixMilli(),
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job start", zap.String("job", job.Name()), zap.Error(err))
	}

	result, err := job.Execute(ctx)

	finish := time.Now()
	duration := int(finish.Sub(start).Milliseconds())
	finishedAt := finish.UnixMilli()
	exec.FinishedAt = &finishedAt
	exec.DurationMs = &duration

	if err != nil {
		exec.Status = model.JobStatusFailed
		msg := err.Error()
		exec.ErrorMessage = &msg
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", finish.Sub(start)),
			zap.Error(err))
	} else {
		exec.Status = model.JobStatusSuccess
		exec.Result = result.ToJSON()
		fields := []zap.Field{zap.String("job", job.Name()), zap.Duration("duration", finish.Sub(start))}
		if result != nil {
			fields = append(fields, zap.Int("processed", result.ProcessedCount), zap.Int("affected", result.AffectedCount))
		}
		logger.Debug("job completed", fields...)
	}
	metrics.RecordJobExecution(job.Name(), string(exec.Status), finish.Sub(start).Seconds())

	if exec.ID != 0 {
		if err := s.execRepo.Update(context.Background(), exec); err != nil {
			logger.Error("failed to update job execution", zap.String("job", job.Name()), zap.Error(err))
		}
	}
}

func (s *Scheduler) recordSkipped(jobName, message string) {
	s.record(jobName, model.JobStatusSkipped, message)
}

func (s *Scheduler) recordFailed(jobName string, err error) {
	s.record(jobName, model.JobStatusFailed, err.Error())
}

// record 记录未真正执行的任务
func (s *Scheduler) record(jobName string, status model.JobStatus, message string) {
	metrics.RecordJobExecution(jobName, string(status), 0)

	now := time.Now().UnixMilli()
	duration := 0
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       status,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &duration,
		ErrorMessage: &message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job execution", zap.String("job", jobName), zap.Error(err))
	}
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string
	Enabled        bool
	Cron           string
	Timeout        time.Duration
	IsLocked       bool
	LastStatus     string
	LastStartedAt  int64
	LastFinishedAt int64
	LastDurationMs int
	LastError      string
}

// GetJobStatus 查询任务配置与最近一次执行
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("job %s not found", jobName)
	}

	status := &JobStatus{
		Name:    jobName,
		Enabled: config.Enabled,
		Cron:    config.Cron,
		Timeout: job.Timeout(),
	}
	if s.lockManager != nil {
		status.IsLocked, _ = s.lockManager.IsLocked(ctx, jobName)
	}

	last, err := s.execRepo.GetLatestByJobName(ctx, jobName)
	if err != nil {
		return nil, err
	}
	if last != nil {
		status.LastStatus = string(last.Status)
		status.LastStartedAt = last.StartedAt
		if last.FinishedAt != nil {
			status.LastFinishedAt = *last.FinishedAt
		}
		if last.DurationMs != nil {
			status.LastDurationMs = *last.DurationMs
		}
		if last.ErrorMessage != nil {
			status.LastError = *last.ErrorMessage
		}
	}
	return status, nil
}

// ListJobStatus 按名称列出全部任务状态
func (s *Scheduler) ListJobStatus(ctx context.Context) ([]*JobStatus, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
