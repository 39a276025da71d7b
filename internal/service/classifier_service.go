package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/metrics"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/logger"
)

var (
	// errUnmatched 交易未关联任何业务, 回滚不保存
	errUnmatched = errors.New("transaction unmatched")
	// errBlockGone 区块已被重组删除
	errBlockGone = errors.New("block discarded")
)

// 重试队列退避: 从 retryBaseDelay 起翻倍, 封顶 retryMaxDelay
const (
	retryBaseDelay = 4 * time.Second
	retryMaxDelay  = 300 * time.Second
	retryBatchSize = 64
)

// ClassifierService 链上交易的筛选、归类与确认
type ClassifierService struct {
	stores   *Stores
	chains   *ChainService
	ledger   *LedgerService
	invoices *InvoiceService
	notifier *NotifierService
	now      func() time.Time
}

// NewClassifierService 创建交易分类服务
func NewClassifierService(
	stores *Stores,
	chains *ChainService,
	ledger *LedgerService,
	invoices *InvoiceService,
	notifier *NotifierService,
) *ClassifierService {
	return &ClassifierService{
		stores:   stores,
		chains:   chains,
		ledger:   ledger,
		invoices: invoices,
		notifier: notifier,
		now:      time.Now,
	}
}

// Classify 筛选并接受区块中的交易
func (s *ClassifierService) Classify(ctx context.Context, chain *model.Chain, block *model.Block, tx *blockchain.Transaction) (bool, error) {
	relevant, err := s.IsRelevant(ctx, chain, tx)
	if err != nil || !relevant {
		return false, err
	}
	return s.Accept(ctx, chain, block, tx)
}

// IsRelevant 判断交易是否与平台相关:
// ERC-20 transfer 调用已登记代币; 付款到未过期未支付账单地址; 发送方或接收方为平台账户
func (s *ClassifierService) IsRelevant(ctx context.Context, chain *model.Chain, tx *blockchain.Transaction) (bool, error) {
	if tx.To != nil {
		to := tx.To.Hex()

		if blockchain.IsERC20Transfer(tx.Input) {
			_, err := s.stores.Tokens.GetByAddress(ctx, chain.ChainID, to)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, repository.ErrTokenAddressNotFound) {
				return false, err
			}
		}

		open, err := s.stores.Invoices.HasOpenPayAddress(ctx, to, s.now().UnixMilli())
		if err != nil || open {
			return open, err
		}
	}

	ok, err := s.stores.Accounts.ExistsByAddress(ctx, tx.From.Hex())
	if err != nil || ok {
		return ok, err
	}

	if tx.To != nil {
		return s.stores.Accounts.ExistsByAddress(ctx, tx.To.Hex())
	}
	return false, nil
}

// Accept 保存交易并关联出账队列或匹配充值、注资、账单支付
// 已处理过的交易、未匹配的交易及所在区块已删除的交易返回 false
// 区块在分类期间已确认时, 同一事务内执行确认记账, 提交后发布通知
func (s *ClassifierService) Accept(ctx context.Context, chain *model.Chain, block *model.Block, tx *blockchain.Transaction) (bool, error) {
	hash := tx.Hash.Hex()
	exists, err := s.stores.Transactions.ExistsByHash(ctx, hash)
	if err != nil || exists {
		return false, err
	}

	rpc, err := s.chains.Client(ctx, chain)
	if err != nil {
		return false, err
	}
	receipt, err := rpc.TransactionReceipt(ctx, tx.Hash)
	if err != nil {
		return false, err
	}

	record := &model.Transaction{
		ChainID:  chain.ChainID,
		BlockID:  block.ID,
		Hash:     hash,
		Index:    tx.TransactionIndex,
		From:     tx.From.Hex(),
		To:       tx.ToHex(),
		Nonce:    int64(tx.Nonce),
		Success:  receipt.Succeeded(),
		Metadata: datatypes.JSON(rawOrEmpty(tx.Raw)),
		Receipt:  datatypes.JSON(rawOrEmpty(receipt.Raw)),
		GasFee:   gasFee(tx, receipt),
	}

	var confirmed *model.Notification
	err = s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		current, err := s.stores.Blocks.GetByIDForUpdate(ctx, block.ID)
		if errors.Is(err, repository.ErrBlockNotFound) {
			return errBlockGone
		}
		if err != nil {
			return err
		}

		entry, sender, err := s.queueEntry(ctx, chain.ChainID, record)
		if err != nil {
			return err
		}

		var transfer *model.TokenTransfer
		if record.Success {
			if transfer, err = s.decodeTransfer(ctx, chain, tx, receipt, entry); err != nil {
				return err
			}
			if transfer != nil {
				record.SetTransfer(transfer)
			}
		}

		if entry != nil {
			record.Category = entry.Category
			if record.ProjectID, err = s.accountProject(ctx, sender); err != nil {
				return err
			}
		}

		if err := s.stores.Transactions.Create(ctx, record); err != nil {
			return err
		}

		if entry != nil {
			if err := s.stores.Queue.LinkTransaction(ctx, entry.ID, record.ID); err != nil {
				return err
			}
		} else {
			if transfer == nil {
				return errUnmatched
			}
			matched, err := s.match(ctx, chain, record, transfer)
			if err != nil {
				return err
			}
			if !matched {
				return errUnmatched
			}
			if err := s.stores.Transactions.UpdateClassification(ctx, record.ID, record.Category, record.ProjectID); err != nil {
				return err
			}
		}

		if current.Confirmed {
			confirmed, err = s.Confirm(ctx, chain, current, record)
			return err
		}
		return s.preNotify(ctx, record, current)
	})
	if errors.Is(err, errBlockGone) {
		logger.Info("transaction dropped, block discarded",
			logger.Chain(chain.ChainID),
			logger.Block(block.Number),
			logger.TxHash(hash))
		return false, nil
	}
	if errors.Is(err, errUnmatched) || errors.Is(err, repository.ErrDuplicateTransaction) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if confirmed != nil {
		s.notifier.Publish(ctx, []*model.Notification{confirmed}, chain.ChainID)
	}
	metrics.RecordTransactionClassified(chain.ChainID, record.Category.String())
	logger.Info("transaction accepted",
		logger.Chain(chain.ChainID),
		logger.Block(block.Number),
		logger.TxHash(hash),
		zap.String("category", record.Category.String()),
		zap.Bool("late", confirmed != nil))
	return true, nil
}

// gasFee 实际 gas 单价 × gasUsed, 回执未给出单价时使用交易报价
func gasFee(tx *blockchain.Transaction, receipt *blockchain.Receipt) decimal.Decimal {
	price := tx.GasPrice
	if receipt.EffectiveGasPrice != nil && receipt.EffectiveGasPrice.Sign() > 0 {
		price = receipt.EffectiveGasPrice
	}
	if price == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(price, 0).Mul(decimal.NewFromInt(int64(receipt.GasUsed)))
}

// Defer 就地分类失败的交易写入重试队列, 由 retry-classify 任务处理
func (s *ClassifierService) Defer(ctx context.Context, block *model.Block, tx *blockchain.Transaction, cause error) error {
	payload, err := json.Marshal(tx)
	if err != nil {
		return err
	}
	pending := &model.PendingTransaction{
		ChainID:       block.ChainID,
		BlockID:       block.ID,
		Hash:          tx.Hash.Hex(),
		Payload:       datatypes.JSON(payload),
		NextAttemptAt: s.now().Add(retryBaseDelay).UnixMilli(),
	}
	if cause != nil {
		pending.LastError = cause.Error()
	}
	created, err := s.stores.Pending.Create(ctx, pending)
	if err != nil || !created {
		return err
	}

	metrics.RecordClassifyRetry(block.ChainID, "deferred")
	logger.Warn("transaction classification deferred",
		logger.Chain(block.ChainID),
		logger.Block(block.Number),
		logger.TxHash(pending.Hash),
		zap.Error(cause))
	return nil
}

// RetryPending 重试一批到期的待分类交易, 返回移出队列的数量
func (s *ClassifierService) RetryPending(ctx context.Context) (int, error) {
	due, err := s.stores.Pending.ListDue(ctx, s.now().UnixMilli(), retryBatchSize)
	if err != nil {
		return 0, err
	}
	resolved := 0
	for _, pending := range due {
		done, err := s.retry(ctx, pending)
		if err != nil {
			return resolved, err
		}
		if done {
			resolved++
		}
	}
	return resolved, nil
}

// retry 区块已删除或回执缺失且区块已不在主链时丢弃; 分类成功时移出; 否则按退避重排
func (s *ClassifierService) retry(ctx context.Context, pending *model.PendingTransaction) (bool, error) {
	block, err := s.stores.Blocks.GetByID(ctx, pending.BlockID)
	if errors.Is(err, repository.ErrBlockNotFound) {
		return true, s.drop(ctx, pending, "block discarded")
	}
	if err != nil {
		return false, err
	}
	chain, err := s.stores.Chains.GetByID(ctx, block.ChainID)
	if err != nil {
		return false, err
	}

	var tx blockchain.Transaction
	if err := json.Unmarshal(pending.Payload, &tx); err != nil {
		return true, s.drop(ctx, pending, "invalid payload")
	}

	_, cause := s.Classify(ctx, chain, block, &tx)
	if cause == nil {
		metrics.RecordClassifyRetry(chain.ChainID, "accepted")
		return true, s.stores.Pending.Delete(ctx, pending.ID)
	}

	if errors.Is(cause, blockchain.ErrReceiptNotFound) {
		canonical, err := s.canonical(ctx, chain, block)
		if err == nil && !canonical {
			return true, s.drop(ctx, pending, "block no longer canonical")
		}
		if err != nil {
			cause = err
		}
	}

	attempts := pending.Attempts + 1
	next := s.now().Add(retryDelay(attempts))
	metrics.RecordClassifyRetry(chain.ChainID, "rescheduled")
	logger.Warn("deferred classification failed",
		logger.Chain(chain.ChainID),
		logger.Block(block.Number),
		logger.TxHash(pending.Hash),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt", next),
		zap.Error(cause))
	return false, s.stores.Pending.Reschedule(ctx, pending.ID, attempts, next.UnixMilli(), cause.Error())
}

// canonical 链上同高度区块的哈希是否仍与已存区块一致
func (s *ClassifierService) canonical(ctx context.Context, chain *model.Chain, block *model.Block) (bool, error) {
	rpc, err := s.chains.Client(ctx, chain)
	if err != nil {
		return false, err
	}
	remote, err := rpc.BlockByNumber(ctx, block.Number)
	if errors.Is(err, blockchain.ErrBlockNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return remote.Hash.Hex() == block.Hash, nil
}

func (s *ClassifierService) drop(ctx context.Context, pending *model.PendingTransaction, reason string) error {
	metrics.RecordClassifyRetry(pending.ChainID, "dropped")
	logger.Info("deferred transaction dropped",
		logger.Chain(pending.ChainID),
		logger.TxHash(pending.Hash),
		zap.String("reason", reason))
	return s.stores.Pending.Delete(ctx, pending.ID)
}

// retryDelay 第 attempts 次重试失败后的等待时间
func retryDelay(attempts int) time.Duration {
	delay := retryBaseDelay
	for i := 1; i < attempts && delay < retryMaxDelay; i++ {
		delay *= 2
	}
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// queueEntry 按 (链, 发送账户, nonce) 查找出账队列记录
func (s *ClassifierService) queueEntry(ctx context.Context, chainID int64, record *model.Transaction) (*model.QueueEntry, *model.Account, error) {
	sender, err := s.stores.Accounts.GetByAddress(ctx, record.From)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	entry, err := s.stores.Queue.GetByAccountNonce(ctx, sender.ID, chainID, record.Nonce)
	if errors.Is(err, repository.ErrQueueEntryNotFound) {
		return nil, sender, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return entry, sender, nil
}

// accountProject 账户所属项目: 系统账户或玩家充值账户
func (s *ClassifierService) accountProject(ctx context.Context, account *model.Account) (*int64, error) {
	project, err := s.stores.Projects.GetBySystemAccount(ctx, account.ID)
	if err == nil {
		return &project.ID, nil
	}
	if !errors.Is(err, repository.ErrProjectNotFound) {
		return nil, err
	}

	player, err := s.stores.Players.GetByDepositAccount(ctx, account.ID)
	if errors.Is(err, repository.ErrPlayerNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &player.ProjectID, nil
}

// decodeTransfer 解析有效转账:
// ERC-20 transfer 取第一个 Transfer 事件; 合约账单归集取账单全部支付; 否则为主币转账
func (s *ClassifierService) decodeTransfer(
	ctx context.Context,
	chain *model.Chain,
	tx *blockchain.Transaction,
	receipt *blockchain.Receipt,
	entry *model.QueueEntry,
) (*model.TokenTransfer, error) {
	if tx.To == nil {
		return nil, nil
	}

	if blockchain.IsERC20Transfer(tx.Input) {
		ta, err := s.stores.Tokens.GetByAddress(ctx, chain.ChainID, tx.To.Hex())
		if errors.Is(err, repository.ErrTokenAddressNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		log, err := blockchain.FirstTransferLog(receipt.Logs)
		if errors.Is(err, blockchain.ErrInvalidTransferLog) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &model.TokenTransfer{
			TokenID: ta.TokenID,
			From:    log.From.Hex(),
			To:      log.To.Hex(),
			Value:   decimal.NewFromBigInt(log.Value, 0),
		}, nil
	}

	if entry != nil && entry.Category == model.TxCategoryIGathering &&
		*tx.To == s.invoices.Factory() && strings.HasPrefix(tx.Input, blockchain.FactoryDeploySelector) {
		return s.invoices.GatherTransfer(ctx, entry.ID)
	}

	if tx.Value != nil && tx.Value.Sign() > 0 {
		return &model.TokenTransfer{
			TokenID: chain.CurrencyID,
			From:    tx.From.Hex(),
			To:      tx.To.Hex(),
			Value:   decimal.NewFromBigInt(tx.Value, 0),
		}, nil
	}
	return nil, nil
}

// match 依次匹配充值、注资、合约账单、differ 账单, 首个匹配生效
func (s *ClassifierService) match(ctx context.Context, chain *model.Chain, record *model.Transaction, transfer *model.TokenTransfer) (bool, error) {
	token, err := s.stores.Tokens.GetByID(ctx, transfer.TokenID)
	if err != nil {
		return false, err
	}

	receiver, err := s.stores.Accounts.GetByAddress(ctx, transfer.To)
	if err != nil && !errors.Is(err, repository.ErrAccountNotFound) {
		return false, err
	}
	if receiver != nil {
		player, err := s.stores.Players.GetByDepositAccount(ctx, receiver.ID)
		if err == nil {
			display := token.ToDisplay(transfer.Value)
			if err := s.stores.Deposits.Create(ctx, &model.Deposit{
				TransactionID: record.ID,
				PlayerID:      player.ID,
				TokenID:       token.ID,
				Value:         display,
				Worth:         token.Worth(display),
			}); err != nil {
				return false, err
			}
			record.Category = model.TxCategoryDepositing
			record.ProjectID = &player.ProjectID
			return true, nil
		}
		if !errors.Is(err, repository.ErrPlayerNotFound) {
			return false, err
		}

		project, err := s.stores.Projects.GetBySystemAccount(ctx, receiver.ID)
		if err == nil {
			record.Category = model.TxCategoryFunding
			record.ProjectID = &project.ID
			return true, nil
		}
		if !errors.Is(err, repository.ErrProjectNotFound) {
			return false, err
		}
	}

	invoice, err := s.invoices.MatchContract(ctx, chain.ChainID, transfer)
	if err != nil {
		return false, err
	}
	if invoice == nil {
		if invoice, err = s.invoices.MatchDiffer(ctx, chain.ChainID, token, transfer); err != nil {
			return false, err
		}
	}
	if invoice == nil {
		return false, nil
	}

	if _, err := s.invoices.RecordPayment(ctx, invoice, token, record.ID, transfer.Value); err != nil {
		return false, err
	}
	record.Category = model.TxCategoryPaying
	record.ProjectID = &invoice.ProjectID
	return true, nil
}

// preNotify 项目开启预通知时, 为未确认区块中的交易提前通知
func (s *ClassifierService) preNotify(ctx context.Context, record *model.Transaction, block *model.Block) error {
	if record.ProjectID == nil || block.Confirmed {
		return nil
	}
	project, err := s.stores.Projects.GetByID(ctx, *record.ProjectID)
	if err != nil {
		return err
	}
	if !project.PreNotify {
		return nil
	}
	_, err = s.notifier.Notify(ctx, record, block, true)
	return err
}

// Confirm 区块确认时执行一次: 扣除 Gas, 记账转账, 生成确认通知
func (s *ClassifierService) Confirm(ctx context.Context, chain *model.Chain, block *model.Block, record *model.Transaction) (*model.Notification, error) {
	if err := s.applyToAccount(ctx, record.From, chain.ChainID, chain.CurrencyID, record.GasFee.Neg()); err != nil {
		return nil, err
	}

	if transfer, ok := record.Transfer(); ok && record.Success {
		if err := s.applyToAccount(ctx, transfer.From, chain.ChainID, transfer.TokenID, transfer.Value.Neg()); err != nil {
			return nil, err
		}
		if err := s.applyToAccount(ctx, transfer.To, chain.ChainID, transfer.TokenID, transfer.Value); err != nil {
			return nil, err
		}
	}

	return s.notifier.Notify(ctx, record, block, false)
}

// applyToAccount 地址为平台账户时记账
func (s *ClassifierService) applyToAccount(ctx context.Context, address string, chainID, tokenID int64, delta decimal.Decimal) error {
	account, err := s.stores.Accounts.GetByAddress(ctx, address)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.ledger.ApplyDelta(ctx, account, chainID, tokenID, delta)
}
