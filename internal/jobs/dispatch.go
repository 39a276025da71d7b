package jobs

import (
	"context"

	"github.com/ihawking/evmx/internal/scheduler"
)

// Dispatcher 出账队列发送
type Dispatcher interface {
	Dispatch(ctx context.Context) (int, error)
}

// Notifier 回调通知投递
type Notifier interface {
	DeliverDue(ctx context.Context) (int, error)
}

// DispatchJob 签名并广播到期的出账队列记录
type DispatchJob struct {
	scheduler.BaseJob
	dispatcher Dispatcher
}

// NewDispatchJob 创建出账任务
func NewDispatchJob(dispatcher Dispatcher) *DispatchJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameDispatch]
	return &DispatchJob{
		BaseJob:    scheduler.NewBaseJob(scheduler.JobNameDispatch, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		dispatcher: dispatcher,
	}
}

// Execute 发送一批队列记录
func (j *DispatchJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	sent, err := j.dispatcher.Dispatch(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: sent, AffectedCount: sent}, nil
}

// NotifyJob 投递到期的回调通知
type NotifyJob struct {
	scheduler.BaseJob
	notifier Notifier
}

// NewNotifyJob 创建通知任务
func NewNotifyJob(notifier Notifier) *NotifyJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameNotify]
	return &NotifyJob{
		BaseJob:  scheduler.NewBaseJob(scheduler.JobNameNotify, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		notifier: notifier,
	}
}

// Execute 投递一批通知
func (j *NotifyJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	delivered, err := j.notifier.DeliverDue(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: delivered, AffectedCount: delivered}, nil
}
