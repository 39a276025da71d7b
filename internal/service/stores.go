package service

import (
	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/repository"
)

// Stores 服务层共享的仓储集合
type Stores struct {
	Tx            repository.TxManager
	Chains        repository.ChainRepository
	Tokens        repository.TokenRepository
	Blocks        repository.BlockRepository
	Transactions  repository.TransactionRepository
	Pending       repository.PendingRepository
	Accounts      repository.AccountRepository
	Balances      repository.BalanceRepository
	Projects      repository.ProjectRepository
	Players       repository.PlayerRepository
	Queue         repository.QueueRepository
	Invoices      repository.InvoiceRepository
	Deposits      repository.DepositRepository
	Notifications repository.NotificationRepository
}

// NewStores 基于同一个数据库连接创建全部仓储
func NewStores(db *gorm.DB) *Stores {
	return &Stores{
		Tx:            repository.NewRepository(db),
		Chains:        repository.NewChainRepository(db),
		Tokens:        repository.NewTokenRepository(db),
		Blocks:        repository.NewBlockRepository(db),
		Transactions:  repository.NewTransactionRepository(db),
		Pending:       repository.NewPendingRepository(db),
		Accounts:      repository.NewAccountRepository(db),
		Balances:      repository.NewBalanceRepository(db),
		Projects:      repository.NewProjectRepository(db),
		Players:       repository.NewPlayerRepository(db),
		Queue:         repository.NewQueueRepository(db),
		Invoices:      repository.NewInvoiceRepository(db),
		Deposits:      repository.NewDepositRepository(db),
		Notifications: repository.NewNotificationRepository(db),
	}
}
