package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/scheduler"
	"github.com/ihawking/evmx/pkg/logger"
)

// DepositGatherer 充值余额归集
type DepositGatherer interface {
	GatherDeposits(ctx context.Context) (int, error)
}

// InvoiceGatherer 合约账单归集
type InvoiceGatherer interface {
	GatherPaid(ctx context.Context) (int, error)
}

// GatherDepositsJob 将玩家充值账户的余额归集到项目收款地址
type GatherDepositsJob struct {
	scheduler.BaseJob
	ledger DepositGatherer
}

// NewGatherDepositsJob 创建充值归集任务
func NewGatherDepositsJob(ledger DepositGatherer) *GatherDepositsJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameGatherDeposits]
	return &GatherDepositsJob{
		BaseJob: scheduler.NewBaseJob(scheduler.JobNameGatherDeposits, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		ledger:  ledger,
	}
}

// Execute 执行一轮归集
func (j *GatherDepositsJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	n, err := j.ledger.GatherDeposits(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		logger.Info("deposits gathered", zap.Int("count", n))
	}
	return &scheduler.JobResult{ProcessedCount: n, AffectedCount: n}, nil
}

// GatherInvoicesJob 为已支付且过期的合约账单部署收款合约
type GatherInvoicesJob struct {
	scheduler.BaseJob
	invoices InvoiceGatherer
}

// NewGatherInvoicesJob 创建账单归集任务
func NewGatherInvoicesJob(invoices InvoiceGatherer) *GatherInvoicesJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameGatherInvoices]
	return &GatherInvoicesJob{
		BaseJob:  scheduler.NewBaseJob(scheduler.JobNameGatherInvoices, cfg.Timeout, cfg.LockTTL, cfg.UseWatchdog),
		invoices: invoices,
	}
}

// Execute 执行一轮账单归集
func (j *GatherInvoicesJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	n, err := j.invoices.GatherPaid(ctx)
	if err != nil {
		return nil, err
	}
	return &scheduler.JobResult{ProcessedCount: n, AffectedCount: n}, nil
}
