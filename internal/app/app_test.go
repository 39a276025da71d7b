package app

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/kafka"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/service"
	"github.com/ihawking/evmx/internal/testutil"
)

func TestNewServices_DepositFlow(t *testing.T) {
	cfg, err := config.Parse([]byte("security:\n  secret_key: test-secret\nconfirmation:\n  slack: 1h\n"))
	require.NoError(t, err)

	ctx := context.Background()
	fake := testutil.NewFakeChain(56)
	dial := func(ctx context.Context, chainID int64, endpoint string) (blockchain.ChainRPC, error) {
		return fake, nil
	}
	svc := NewServices(cfg, testutil.NewDB(t), lease.NewLocalLeaser(lease.Options{}), kafka.NopPublisher{}, dial)
	t.Cleanup(svc.Confirmations.Stop)

	chain, err := svc.Chains.Register(ctx, "http://fake-node", 1)
	require.NoError(t, err)
	project, err := svc.Projects.Create(ctx, "shop", "", "0x00000000000000000000000000000000000000C0")
	require.NoError(t, err)

	currency, err := svc.Stores.Tokens.GetByID(ctx, chain.CurrencyID)
	require.NoError(t, err)
	address, err := svc.Deposits.Address(ctx, project, "player-1", chain.ChainID, currency.Symbol)
	require.NoError(t, err)

	to := common.HexToAddress(address)
	raw := fake.AddBlock(1, 1_700_000_000, &blockchain.Transaction{
		Hash:  common.HexToHash("0x01"),
		From:  common.HexToAddress("0xE001"),
		To:    &to,
		Value: big.NewInt(1_000_000),
	})
	fake.AddBlock(2, 1_700_000_003)

	next, err := fake.BlockByNumber(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, svc.Monitor.Ingest(ctx, chain, fake, []*blockchain.Block{raw, next}))

	recovered, err := svc.Confirmations.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	block, err := svc.Stores.Blocks.GetByHash(ctx, raw.Hash.Hex())
	require.NoError(t, err)
	result, err := svc.Confirmations.Recheck(ctx, block.ID)
	require.NoError(t, err)
	assert.Equal(t, service.RecheckConfirmed, result)

	account, err := svc.Stores.Accounts.GetByAddress(ctx, address)
	require.NoError(t, err)
	balance, err := svc.Stores.Balances.Get(ctx, account.ID, chain.ChainID, chain.CurrencyID)
	require.NoError(t, err)
	assert.Equal(t, "1000000", balance.Value.BigInt().String())
}

func TestApp_NewLeaser(t *testing.T) {
	cfg, err := config.Parse([]byte("lease:\n  backend: local\n"))
	require.NoError(t, err)

	a := New(cfg)
	leaser, err := a.newLeaser()
	require.NoError(t, err)
	assert.IsType(t, &lease.LocalLeaser{}, leaser)

	a.cfg.Lease.Backend = "etcd"
	_, err = a.newLeaser()
	assert.Error(t, err)
}
