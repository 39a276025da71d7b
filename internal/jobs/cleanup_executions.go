package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/scheduler"
	"github.com/ihawking/evmx/pkg/logger"
)

// ExecutionStore 任务执行记录
type ExecutionStore interface {
	CleanupOldRecords(ctx context.Context, beforeTime int64, jobNames ...string) (int64, error)
	MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error)
}

// CleanupExecutionsJob 清理过期的任务执行记录, 并将卡住的执行标记为失败
// 秒级任务的记录只保留 frequentRetention
type CleanupExecutionsJob struct {
	scheduler.BaseJob
	store             ExecutionStore
	retention         time.Duration
	frequentRetention time.Duration
	staleThreshold    time.Duration
	now               func() time.Time
}

// NewCleanupExecutionsJob 创建清理任务
func NewCleanupExecutionsJob(store ExecutionStore, retentionDays int) *CleanupExecutionsJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameCleanup]
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &CleanupExecutionsJob{
		BaseJob:           scheduler.NewBaseJob(scheduler.JobNameCleanup, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		store:             store,
		retention:         time.Duration(retentionDays) * 24 * time.Hour,
		frequentRetention: 24 * time.Hour,
		staleThreshold:    time.Hour,
		now:               time.Now,
	}
}

// Execute 执行清理
func (j *CleanupExecutionsJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	stale, err := j.store.MarkStaleRunningAsFailed(ctx, j.staleThreshold)
	if err != nil {
		return nil, err
	}

	now := j.now()
	frequent, err := j.store.CleanupOldRecords(ctx, now.Add(-j.frequentRetention).UnixMilli(), scheduler.FrequentJobs...)
	if err != nil {
		return nil, err
	}
	rest, err := j.store.CleanupOldRecords(ctx, now.Add(-j.retention).UnixMilli())
	if err != nil {
		return nil, err
	}
	deleted := frequent + rest

	logger.Info("job executions cleaned up",
		zap.Int64("deleted", deleted),
		zap.Int64("frequent", frequent),
		zap.Int64("stale", stale))

	return &scheduler.JobResult{
		ProcessedCount: int(deleted + stale),
		AffectedCount:  int(deleted),
		Details: map[string]interface{}{
			"stale_marked_failed": stale,
			"frequent_deleted":    frequent,
		},
	}, nil
}
