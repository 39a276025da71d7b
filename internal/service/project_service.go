package service

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/pkg/crypto"
	bizerr "github.com/ihawking/evmx/pkg/errors"
	"github.com/ihawking/evmx/pkg/logger"
)

const (
	appIDPrefix   = "EVMx-"
	hmacKeyLength = 32
)

// ProjectService 商户项目
type ProjectService struct {
	stores   *Stores
	accounts *AccountService
}

// NewProjectService 创建项目服务
func NewProjectService(stores *Stores, accounts *AccountService) *ProjectService {
	return &ProjectService{
		stores:   stores,
		accounts: accounts,
	}
}

// Create 创建项目并生成系统账户、appid 与回调签名密钥
func (s *ProjectService) Create(ctx context.Context, name, webhook, collection string) (*model.Project, error) {
	if name == "" {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("project name is required")
	}
	collection, err := blockchain.ChecksumAddress(collection)
	if err != nil {
		return nil, bizerr.ErrInvalidRequest.WithMessagef("invalid collection address")
	}

	project := &model.Project{
		Name:               name,
		AppID:              appIDPrefix + crypto.RandomCode(16, true),
		Webhook:            webhook,
		HMACKey:            crypto.RandomCode(hmacKeyLength, false),
		CollectionAddress:  collection,
		GatherWorth:        decimal.NewFromInt(10),
		GatherTime:         32,
		MinimalGatherWorth: decimal.NewFromInt(1),
		Active:             true,
	}

	err = s.stores.Tx.Transaction(ctx, func(ctx context.Context) error {
		system, err := s.accounts.Generate(ctx, model.AccountKindSystem)
		if err != nil {
			return err
		}
		project.SystemAccountID = system.ID
		return s.stores.Projects.Create(ctx, project)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("project created",
		logger.Project(project.ID),
		zap.String("appid", project.AppID))
	return project, nil
}

// AddCollectionAddress 为 differ 账单地址池添加收款地址
func (s *ProjectService) AddCollectionAddress(ctx context.Context, projectID int64, address string) error {
	address, err := blockchain.ChecksumAddress(address)
	if err != nil {
		return bizerr.ErrInvalidRequest.WithMessagef("invalid collection address")
	}
	return s.stores.Projects.AddCollectionAddress(ctx, &model.CollectionAddress{
		ProjectID: projectID,
		Address:   address,
	})
}

// SystemAccount 项目系统账户
func (s *ProjectService) SystemAccount(ctx context.Context, project *model.Project) (*model.Account, error) {
	return s.stores.Accounts.GetByID(ctx, project.SystemAccountID)
}
