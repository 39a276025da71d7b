package jobs

import (
	"context"

	"github.com/ihawking/evmx/internal/scheduler"
)

// ClassifyRetrier 重试分类失败的交易
type ClassifyRetrier interface {
	RetryPending(ctx context.Context) (int, error)
}

// RetryClassifyJob 处理到期的待分类交易, 监听协程不会因单笔交易阻塞
type RetryClassifyJob struct {
	scheduler.BaseJob
	classifier ClassifyRetrier
}

// NewRetryClassifyJob 创建分类重试任务
func NewRetryClassifyJob(classifier ClassifyRetrier) *RetryClassifyJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameRetryClassify]
	return &RetryClassifyJob{
		BaseJob:    scheduler.NewBaseJob(scheduler.JobNameRetryClassify, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		classifier: classifier,
	}
}

func (j *RetryClassifyJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	n, err := j.classifier.RetryPending(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: n, AffectedCount: n}, nil
}
