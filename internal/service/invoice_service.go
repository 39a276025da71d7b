package service

import (
	"context"
	"encoding/hex"
	"errors"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/pkg/crypto"
	bizerr "github.com/ihawking/evmx/pkg/errors"
	"github.com/ihawking/evmx/pkg/logger"
)

const (
	minInvoiceDuration = 5 * time.Minute
	maxInvoiceDuration = 120 * time.Minute
	invoiceSysNoPrefix = "EI-"
)

// CreateInvoiceRequest 创建账单请求
type CreateInvoiceRequest struct {
	Project    *model.Project
	No         string
	Subject    string
	Detail     datatypes.JSON
	Type       model.InvoiceType
	ChainID    int64
	Symbol     string
	Value      decimal.Decimal
	DifferStep decimal.Decimal
	DifferMax  decimal.Decimal
	Duration   time.Duration
}

// InvoiceServiceConfig 配置
type InvoiceServiceConfig struct {
	FactoryAddress   string
	ContractChainIDs []int64
	NativeBytecode   string
	ERC20Bytecode    string
	GatherBatchSize  int
}

// InvoiceService 账单创建、支付匹配与合约账单归集
type InvoiceService struct {
	stores     *Stores
	chains     *ChainService
	dispatcher *DispatcherService
	leaser     lease.Leaser

	factory        common.Address
	contractChains map[int64]struct{}
	nativeCode     string
	erc20Code      string
	batchSize      int
	now            func() time.Time
}

// NewInvoiceService 创建账单服务
func NewInvoiceService(
	stores *Stores,
	chains *ChainService,
	dispatcher *DispatcherService,
	leaser lease.Leaser,
	cfg *InvoiceServiceConfig,
) *InvoiceService {
	batchSize := cfg.GatherBatchSize
	if batchSize == 0 {
		batchSize = 8
	}
	contractChains := make(map[int64]struct{}, len(cfg.ContractChainIDs))
	for _, id := range cfg.ContractChainIDs {
		contractChains[id] = struct{}{}
	}

	s := &InvoiceService{
		stores:         stores,
		chains:         chains,
		dispatcher:     dispatcher,
		leaser:         leaser,
		contractChains: contractChains,
		nativeCode:     cfg.NativeBytecode,
		erc20Code:      cfg.ERC20Bytecode,
		batchSize:      batchSize,
		now:            time.Now,
	}
	if common.IsHexAddress(cfg.FactoryAddress) {
		s.factory = common.HexToAddress(cfg.FactoryAddress)
	}
	return s
}

// Factory 账单合约工厂地址
func (s *InvoiceService) Factory() common.Address {
	return s.factory
}

// Create 创建账单
func (s *InvoiceService) Create(ctx context.Context, req *CreateInvoiceRequest) (*model.Invoice, error) {
	if err := validateInvoiceRequest(req); err != nil {
		return nil, err
	}

	chain, err := s.chains.ActiveChain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	token, tokenAddress, err := s.chainToken(ctx, chain.ChainID, req.Symbol)
	if err != nil {
		return nil, err
	}

	exists, err := s.stores.Invoices.ExistsByNo(ctx, req.Project.ID, req.No)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, bizerr.ErrDuplicateOrderNo.WithDetail("no", req.No)
	}

	now := s.now()
	invoice := &model.Invoice{
		ProjectID:         req.Project.ID,
		No:                req.No,
		SysNo:             invoiceSysNoPrefix + crypto.RandomCode(16, true),
		Type:              req.Type,
		Subject:           req.Subject,
		Detail:            req.Detail,
		ChainID:           chain.ChainID,
		TokenID:           token.ID,
		OriginalValue:     req.Value,
		Value:             req.Value,
		ActualValue:       decimal.Zero,
		CollectionAddress: req.Project.CollectionAddress,
		ExpiredAt:         now.Add(req.Duration).UnixMilli(),
	}

	switch req.Type {
	case model.InvoiceTypeContract:
		if err := s.prepareContract(invoice, tokenAddress); err != nil {
			return nil, err
		}
		invoice.Worth = token.Worth(invoice.Value)
		err = s.insert(ctx, invoice)
	case model.InvoiceTypeDiffer:
		// 同一项目的地址池分配需串行, 避免两张账单占用同一 (地址, 金额)
		err = lease.WithLease(ctx, s.leaser, differLeaseKey(req.Project.ID), func(ctx context.Context) error {
			address, value, err := s.AllocateDiffer(ctx, req.Project, req.Value, req.DifferStep, req.DifferMax)
			if err != nil {
				return err
			}
			invoice.PayAddress = address
			invoice.Value = value
			invoice.Worth = token.Worth(value)
			return s.insert(ctx, invoice)
		})
	}
	if err != nil {
		return nil, err
	}

	logger.Info("invoice created",
		logger.Project(invoice.ProjectID),
		zap.String("sys_no", invoice.SysNo),
		zap.String("type", string(invoice.Type)),
		logger.Chain(invoice.ChainID),
		zap.String("pay_address", invoice.PayAddress),
		zap.String("value", invoice.Value.String()))
	return invoice, nil
}

func validateInvoiceRequest(req *CreateInvoiceRequest) error {
	if req.No == "" {
		return bizerr.ErrInvalidRequest.WithMessagef("invoice no is required")
	}
	if !req.Value.IsPositive() {
		return bizerr.ErrInvalidRequest.WithMessagef("invoice value must be positive")
	}
	if req.Duration < minInvoiceDuration || req.Duration > maxInvoiceDuration {
		return bizerr.ErrInvalidRequest.WithMessagef("invoice duration must be between %s and %s", minInvoiceDuration, maxInvoiceDuration)
	}
	switch req.Type {
	case model.InvoiceTypeContract:
	case model.InvoiceTypeDiffer:
		if !req.DifferStep.IsPositive() || req.DifferStep.GreaterThan(req.DifferMax) {
			return bizerr.ErrInvalidRequest.WithMessagef("differ step must be positive and not greater than differ max")
		}
	default:
		return bizerr.ErrInvalidRequest.WithMessagef("unknown invoice type %q", req.Type)
	}
	return nil
}

func differLeaseKey(projectID int64) string {
	return "differ:" + strconv.FormatInt(projectID, 10)
}

// chainToken 校验代币在链上可用
func (s *InvoiceService) chainToken(ctx context.Context, chainID int64, symbol string) (*model.Token, *model.TokenAddress, error) {
	token, err := s.stores.Tokens.GetBySymbol(ctx, symbol)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return nil, nil, bizerr.ErrInvalidChainToken.WithDetail("symbol", symbol)
	}
	if err != nil {
		return nil, nil, err
	}
	ta, err := s.stores.Tokens.GetAddress(ctx, token.ID, chainID)
	if errors.Is(err, repository.ErrTokenAddressNotFound) {
		return nil, nil, bizerr.ErrInvalidChainToken.WithDetail("symbol", symbol)
	}
	if err != nil {
		return nil, nil, err
	}
	return token, ta, nil
}

func (s *InvoiceService) insert(ctx context.Context, invoice *model.Invoice) error {
	err := s.stores.Invoices.Create(ctx, invoice)
	if errors.Is(err, repository.ErrDuplicateInvoice) {
		return bizerr.ErrDuplicateOrderNo.WithDetail("no", invoice.No)
	}
	return err
}

// prepareContract 生成随机盐值并计算 CREATE2 收款地址
func (s *InvoiceService) prepareContract(invoice *model.Invoice, tokenAddress *model.TokenAddress) error {
	if _, ok := s.contractChains[invoice.ChainID]; !ok || s.factory == (common.Address{}) {
		return bizerr.ErrInvoiceContractMissing.WithDetail("chain_id", strconv.FormatInt(invoice.ChainID, 10))
	}

	var (
		token    *common.Address
		bytecode = s.nativeCode
	)
	if !tokenAddress.IsNative() {
		addr := common.HexToAddress(tokenAddress.Address)
		token = &addr
		bytecode = s.erc20Code
	}
	if bytecode == "" {
		return bizerr.ErrInvoiceContractMissing.WithDetail("chain_id", strconv.FormatInt(invoice.ChainID, 10))
	}

	initCode, err := blockchain.InvoiceInitCode(bytecode, token, common.HexToAddress(invoice.CollectionAddress))
	if err != nil {
		return err
	}

	var salt [32]byte
	copy(salt[:], crypto.RandomBytes(32))

	invoice.Salt = "0x" + hex.EncodeToString(salt[:])
	invoice.InitCode = hexutil.Encode(initCode)
	invoice.PayAddress = blockchain.Create2Address(s.factory, salt, initCode).Hex()
	return nil
}

// AllocateDiffer 在项目地址池中为金额寻找空闲的 (地址, 金额)
// 第 step 轮依次尝试 v+step·s 与 v-step·s, step 从 0 到 ⌊m/s⌋, 下界 ≤ 0 时终止
func (s *InvoiceService) AllocateDiffer(ctx context.Context, project *model.Project, value, step, limit decimal.Decimal) (string, decimal.Decimal, error) {
	addresses, err := s.stores.Projects.ListCollectionAddresses(ctx, project.ID)
	if err != nil {
		return "", decimal.Zero, err
	}
	if len(addresses) == 0 {
		addresses = []string{project.CollectionAddress}
	}

	open, err := s.stores.Invoices.ListOpenByAddresses(ctx, addresses, s.now().UnixMilli())
	if err != nil {
		return "", decimal.Zero, err
	}
	held := make(map[string][]decimal.Decimal, len(addresses))
	for _, inv := range open {
		held[inv.PayAddress] = append(held[inv.PayAddress], inv.Value)
	}
	free := func(address string, v decimal.Decimal) bool {
		for _, taken := range held[address] {
			if taken.Equal(v) {
				return false
			}
		}
		return true
	}

	steps := limit.Div(step).Floor().IntPart()
	for i := int64(0); i <= steps; i++ {
		delta := step.Mul(decimal.NewFromInt(i))
		upper := value.Add(delta)
		lower := value.Sub(delta)
		if !lower.IsPositive() {
			break
		}
		for _, address := range addresses {
			if free(address, upper) {
				return address, upper, nil
			}
			if free(address, lower) {
				return address, lower, nil
			}
		}
	}
	return "", decimal.Zero, bizerr.ErrInvoiceDifferNotEnough.WithDetail("value", value.String())
}

// MatchContract 匹配合约账单: 未过期且尚未归集上链
func (s *InvoiceService) MatchContract(ctx context.Context, chainID int64, transfer *model.TokenTransfer) (*model.Invoice, error) {
	invoice, err := s.stores.Invoices.FindContractForPayment(ctx, chainID, transfer.TokenID, transfer.To, s.now().UnixMilli())
	if errors.Is(err, repository.ErrInvoiceNotFound) {
		return nil, nil
	}
	return invoice, err
}

// MatchDiffer 匹配 differ 账单: 未过期未支付且金额完全一致
func (s *InvoiceService) MatchDiffer(ctx context.Context, chainID int64, token *model.Token, transfer *model.TokenTransfer) (*model.Invoice, error) {
	invoices, err := s.stores.Invoices.ListOpenDiffer(ctx, chainID, transfer.TokenID, transfer.To, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	amount := token.ToDisplay(transfer.Value)
	for _, invoice := range invoices {
		if invoice.Value.Equal(amount) {
			return invoice, nil
		}
	}
	return nil, nil
}

// RecordPayment 创建支付记录并累加账单实收数量
func (s *InvoiceService) RecordPayment(ctx context.Context, invoice *model.Invoice, token *model.Token, transactionID int64, units decimal.Decimal) (*model.Invoice, error) {
	if err := s.stores.Invoices.CreatePayment(ctx, &model.Payment{
		TransactionID: transactionID,
		InvoiceID:     invoice.ID,
		Value:         units,
	}); err != nil {
		return nil, err
	}
	return s.stores.Invoices.AddActualValue(ctx, invoice.ID, token.ToDisplay(units))
}

// ReversePayments 删除交易对应的支付记录并回退实收数量, paid 随之重新计算
func (s *InvoiceService) ReversePayments(ctx context.Context, transactionIDs []int64) error {
	payments, err := s.stores.Invoices.ListPaymentsByTransactions(ctx, transactionIDs)
	if err != nil {
		return err
	}
	for _, payment := range payments {
		invoice, err := s.stores.Invoices.GetByID(ctx, payment.InvoiceID)
		if err != nil {
			return err
		}
		token, err := s.stores.Tokens.GetByID(ctx, invoice.TokenID)
		if err != nil {
			return err
		}
		if err := s.stores.Invoices.DeletePayment(ctx, payment.ID); err != nil {
			return err
		}
		if _, err := s.stores.Invoices.AddActualValue(ctx, invoice.ID, token.ToDisplay(payment.Value).Neg()); err != nil {
			return err
		}
	}
	return nil
}

// GatherTransfer 合约账单归集交易的有效转账: 收款地址 -> 归集地址, 数量为全部支付之和
func (s *InvoiceService) GatherTransfer(ctx context.Context, queueID int64) (*model.TokenTransfer, error) {
	invoice, err := s.stores.Invoices.GetByQueue(ctx, queueID)
	if errors.Is(err, repository.ErrInvoiceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	payments, err := s.stores.Invoices.ListPaymentsByInvoice(ctx, invoice.ID)
	if err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, p := range payments {
		total = total.Add(p.Value)
	}
	return &model.TokenTransfer{
		TokenID: invoice.TokenID,
		From:    invoice.PayAddress,
		To:      invoice.CollectionAddress,
		Value:   total,
	}, nil
}

// Status 账单状态: 未支付按是否过期区分, 已支付但存在未确认区块中的支付时为确认中
func (s *InvoiceService) Status(ctx context.Context, invoice *model.Invoice) (model.InvoiceStatus, error) {
	if !invoice.Paid {
		if invoice.Expired(s.now().UnixMilli()) {
			return model.InvoiceStatusExpired, nil
		}
		return model.InvoiceStatusPending, nil
	}

	confirming, err := s.stores.Invoices.HasUnconfirmedPayment(ctx, invoice.ID)
	if err != nil {
		return "", err
	}
	if confirming {
		return model.InvoiceStatusConfirming, nil
	}
	return model.InvoiceStatusPaid, nil
}

// Gather 由项目系统账户调用工厂合约部署账单合约, 将余额转入归集地址
func (s *InvoiceService) Gather(ctx context.Context, invoice *model.Invoice) (*model.QueueEntry, error) {
	project, err := s.stores.Projects.GetByID(ctx, invoice.ProjectID)
	if err != nil {
		return nil, err
	}
	system, err := s.stores.Accounts.GetByID(ctx, project.SystemAccountID)
	if err != nil {
		return nil, err
	}

	salt, err := blockchain.ParseSalt(invoice.Salt)
	if err != nil {
		return nil, err
	}
	initCode, err := hexutil.Decode(invoice.InitCode)
	if err != nil {
		return nil, err
	}
	data, err := blockchain.FactoryDeployData(initCode, salt)
	if err != nil {
		return nil, err
	}

	var entry *model.QueueEntry
	err = s.dispatcher.WithAccountLease(ctx, system, func(ctx context.Context) error {
		return s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
			var err error
			entry, err = s.dispatcher.EnqueueLocked(ctx, &SendRequest{
				Account:  system,
				ChainID:  invoice.ChainID,
				To:       s.factory.Hex(),
				Value:    decimal.Zero,
				Data:     data,
				Category: model.TxCategoryIGathering,
			})
			if err != nil {
				return err
			}
			return s.stores.Invoices.SetQueue(ctx, invoice.ID, entry.ID)
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info("invoice gathered",
		zap.String("sys_no", invoice.SysNo),
		logger.Chain(invoice.ChainID),
		zap.Int64("nonce", entry.Nonce))
	return entry, nil
}

// GatherPaid 归集已支付且已过期的合约账单
func (s *InvoiceService) GatherPaid(ctx context.Context) (int, error) {
	invoices, err := s.stores.Invoices.ListGatherable(ctx, s.now().UnixMilli(), s.batchSize)
	if err != nil {
		return 0, err
	}

	gathered := 0
	for _, invoice := range invoices {
		if _, err := s.Gather(ctx, invoice); err != nil {
			logger.Error("failed to gather invoice",
				zap.String("sys_no", invoice.SysNo),
				zap.Error(err))
			continue
		}
		gathered++
	}
	return gathered, nil
}

// InvoiceNotificationContent 账单回调内容
func InvoiceNotificationContent(invoice *model.Invoice) map[string]interface{} {
	return map[string]interface{}{
		"action":         "invoice",
		"sys_no":         invoice.SysNo,
		"no":             invoice.No,
		"original_value": invoice.OriginalValue.String(),
		"value":          invoice.Value.String(),
		"actual_value":   invoice.ActualValue.String(),
	}
}
