package service

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"go.uber.org/zap"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/pkg/crypto"
	"github.com/ihawking/evmx/pkg/logger"
)

// AccountService 平台托管账户
type AccountService struct {
	stores *Stores
	cipher *crypto.SecretCipher
}

// NewAccountService 创建账户服务
func NewAccountService(stores *Stores, cipher *crypto.SecretCipher) *AccountService {
	return &AccountService{
		stores: stores,
		cipher: cipher,
	}
}

// Generate 生成新账户并加密保存私钥
func (s *AccountService) Generate(ctx context.Context, kind model.AccountKind) (*model.Account, error) {
	pair, err := blockchain.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	sealed, err := s.cipher.Encrypt(pair.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("seal key: %w", err)
	}

	account := &model.Account{
		Address:      pair.Address,
		EncryptedKey: sealed,
		Kind:         kind,
	}
	if err := s.stores.Accounts.Create(ctx, account); err != nil {
		return nil, err
	}

	logger.Info("account generated",
		zap.String("account", account.Address),
		zap.String("kind", string(kind)))
	return account, nil
}

// PrivateKey 解密账户私钥
func (s *AccountService) PrivateKey(account *model.Account) (*ecdsa.PrivateKey, error) {
	plain, err := s.cipher.Decrypt(account.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("unseal key: %w", err)
	}
	return blockchain.ParsePrivateKey(plain)
}

// Delete 账户禁止删除
func (s *AccountService) Delete(ctx context.Context, id int64) error {
	return s.stores.Accounts.Delete(ctx, id)
}
