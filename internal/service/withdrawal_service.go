package service

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	bizerr "github.com/ihawking/evmx/pkg/errors"
	"github.com/ihawking/evmx/pkg/logger"
)

// CreateWithdrawalRequest 提币请求, Value 为展示数量
type CreateWithdrawalRequest struct {
	Project *model.Project
	No      string
	ChainID int64
	Symbol  string
	To      string
	Value   decimal.Decimal
}

// WithdrawalService 项目提币
type WithdrawalService struct {
	stores     *Stores
	chains     *ChainService
	dispatcher *DispatcherService
}

// NewWithdrawalService 创建提币服务
func NewWithdrawalService(stores *Stores, chains *ChainService, dispatcher *DispatcherService) *WithdrawalService {
	return &WithdrawalService{
		stores:     stores,
		chains:     chains,
		dispatcher: dispatcher,
	}
}

// Create 在同一数据库事务中写入系统账户的出账队列与提币记录
func (s *WithdrawalService) Create(ctx context.Context, req *CreateWithdrawalRequest) (*model.Withdrawal, error) {
	if req.No == "" {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("withdrawal no is required")
	}
	if !req.Value.IsPositive() {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("withdrawal value must be positive")
	}
	to, err := blockchain.ChecksumAddress(req.To)
	if err != nil {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("invalid withdrawal address")
	}

	chain, err := s.chains.ActiveChain(ctx, req.ChainID)
	if err != nil {
		return nil, err
	}
	token, err := s.stores.Tokens.GetBySymbol(ctx, req.Symbol)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return nil, bizerr.ErrInvalidChainToken.WithDetail("symbol", req.Symbol)
	}
	if err != nil {
		return nil, err
	}

	_, err = s.stores.Deposits.GetWithdrawalByNo(ctx, req.Project.ID, req.No)
	if err == nil {
		return nil, bizerr.ErrDuplicateOrderNo.WithDetail("no", req.No)
	}
	if !errors.Is(err, repository.ErrWithdrawalNotFound) {
		return nil, err
	}

	system, err := s.stores.Accounts.GetByID(ctx, req.Project.SystemAccountID)
	if err != nil {
		return nil, err
	}
	send, err := s.dispatcher.TransferRequest(ctx, system, chain, token.ID, to, token.ToUnits(req.Value), model.TxCategoryWithdrawal)
	if errors.Is(err, repository.ErrTokenAddressNotFound) {
		return nil, bizerr.ErrInvalidChainToken.WithDetail("symbol", req.Symbol)
	}
	if err != nil {
		return nil, err
	}

	withdrawal := &model.Withdrawal{
		ProjectID: req.Project.ID,
		No:        req.No,
		To:        to,
		ChainID:   chain.ChainID,
		TokenID:   token.ID,
		Value:     req.Value,
	}
	err = s.dispatcher.WithAccountLease(ctx, system, func(ctx context.Context) error {
		return s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
			entry, err := s.dispatcher.EnqueueLocked(ctx, send)
			if err != nil {
				return err
			}
			withdrawal.QueueID = entry.ID
			return s.stores.Deposits.CreateWithdrawal(ctx, withdrawal)
		})
	})
	if errors.Is(err, repository.ErrDuplicateWithdrawal) {
		return nil, bizerr.ErrDuplicateOrderNo.WithDetail("no", req.No)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("withdrawal created",
		logger.Project(req.Project.ID),
		zap.String("no", req.No),
		logger.Chain(chain.ChainID),
		zap.String("to", to),
		zap.String("value", req.Value.String()))
	return withdrawal, nil
}
