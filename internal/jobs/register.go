package jobs

import (
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/scheduler"
)

// Deps 定时任务依赖
type Deps struct {
	Dispatcher Dispatcher
	Notifier   Notifier
	Ledger     DepositGatherer
	Invoices   InvoiceGatherer
	Classifier ClassifyRetrier
	Executions ExecutionStore
}

// Register 按配置注册全部任务
func Register(s *scheduler.Scheduler, cfg config.JobsConfig, deps *Deps) error {
	entries := []struct {
		job  scheduler.Job
		cron string
	}{
		{NewDispatchJob(deps.Dispatcher), cfg.DispatchCron},
		{NewNotifyJob(deps.Notifier), cfg.NotifyCron},
		{NewGatherDepositsJob(deps.Ledger), cfg.GatherCron},
		{NewGatherInvoicesJob(deps.Invoices), cfg.GatherInvCron},
		{NewRetryClassifyJob(deps.Classifier), cfg.RetryClassifyCron},
		{NewCleanupExecutionsJob(deps.Executions, cfg.RetentionDays), cfg.CleanupCron},
	}
	for _, e := range entries {
		if err := s.RegisterJob(e.job, scheduler.JobConfig{Cron: e.cron, Enabled: e.cron != "-"}); err != nil {
			return err
		}
	}
	return nil
}
