package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/repository"
	bizerr "github.com/ihawking/evmx/pkg/errors"
	"github.com/ihawking/evmx/pkg/logger"
)

const maxUIDLength = 64

// DepositService 用户充值地址
type DepositService struct {
	stores   *Stores
	chains   *ChainService
	accounts *AccountService
}

// NewDepositService 创建充值服务
func NewDepositService(stores *Stores, chains *ChainService, accounts *AccountService) *DepositService {
	return &DepositService{
		stores:   stores,
		chains:   chains,
		accounts: accounts,
	}
}

// Address 返回用户的充值地址, 首次请求时创建用户与充值账户
func (s *DepositService) Address(ctx context.Context, project *model.Project, uid string, chainID int64, symbol string) (string, error) {
	if uid == "" || len(uid) > maxUIDLength {
		return "", bizerr.ErrInvalidUID.WithDetail("uid", uid)
	}

	chain, err := s.chains.ActiveChain(ctx, chainID)
	if err != nil {
		return "", err
	}
	token, err := s.stores.Tokens.GetBySymbol(ctx, symbol)
	if errors.Is(err, repository.ErrTokenNotFound) {
		return "", bizerr.ErrInvalidChainToken.WithDetail("symbol", symbol)
	}
	if err != nil {
		return "", err
	}
	if _, err := s.stores.Tokens.GetAddress(ctx, token.ID, chain.ChainID); err != nil {
		if errors.Is(err, repository.ErrTokenAddressNotFound) {
			return "", bizerr.ErrInvalidChainToken.WithDetail("symbol", symbol)
		}
		return "", err
	}

	account, err := s.playerAccount(ctx, project, uid)
	if errors.Is(err, repository.ErrDuplicatePlayer) {
		// 并发创建, 以先写入者为准
		account, err = s.playerAccount(ctx, project, uid)
	}
	if err != nil {
		return "", err
	}
	return account.Address, nil
}

func (s *DepositService) playerAccount(ctx context.Context, project *model.Project, uid string) (*model.Account, error) {
	player, err := s.stores.Players.Get(ctx, project.ID, uid)
	if err == nil {
		return s.stores.Accounts.GetByID(ctx, player.DepositAccountID)
	}
	if !errors.Is(err, repository.ErrPlayerNotFound) {
		return nil, err
	}

	var account *model.Account
	err = s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		var err error
		account, err = s.accounts.Generate(ctx, model.AccountKindDeposit)
		if err != nil {
			return err
		}
		return s.stores.Players.Create(ctx, &model.Player{
			ProjectID:        project.ID,
			UID:              uid,
			DepositAccountID: account.ID,
		})
	})
	if err != nil {
		return nil, err
	}

	logger.Info("player created",
		logger.Project(project.ID),
		zap.String("uid", uid),
		zap.String("account", account.Address))
	return account, nil
}
