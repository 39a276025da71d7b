package service

import (
	"context"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/kafka"
	"github.com/ihawking/evmx/internal/lease"
	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/testutil"
	"github.com/ihawking/evmx/pkg/crypto"
)

const (
	testChainID       = 56
	testConfirmations = 2
	testCollection    = "0x00000000000000000000000000000000000000C0"
	testFactory       = "0x00000000000000000000000000000000000000F0"
	testUSDT          = "0x55d398326f99059fF775485246999027B3197955"
	testBytecode      = "0x6080604052348015600f57600080fd5b50"
)

// ========== Mock Event Publisher ==========

type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, event *kafka.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// harness 基于内存数据库与内存链装配全部服务
type harness struct {
	ctx  context.Context
	db   *gorm.DB
	fake *testutil.FakeChain

	stores        *Stores
	chains        *ChainService
	accounts      *AccountService
	dispatcher    *DispatcherService
	ledger        *LedgerService
	invoices      *InvoiceService
	notifier      *NotifierService
	blocks        *BlockService
	classifier    *ClassifierService
	confirmations *ConfirmationService
	monitor       *MonitorService
	projects      *ProjectService
	deposits      *DepositService
	withdrawals   *WithdrawalService

	chain *model.Chain
	seq   atomic.Int64
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, publisher kafka.EventPublisher) *harness {
	t.Helper()

	ctx := context.Background()
	db := testutil.NewDB(t)
	stores := NewStores(db)
	fake := testutil.NewFakeChain(testChainID)
	dial := func(ctx context.Context, chainID int64, endpoint string) (blockchain.ChainRPC, error) {
		return fake, nil
	}
	leaser := lease.NewLocalLeaser(lease.Options{WaitTimeout: 5 * time.Second})

	chains := NewChainService(stores, dial, &ChainServiceConfig{})
	accounts := NewAccountService(stores, crypto.NewSecretCipher("evmx-test-secret"))
	dispatcher := NewDispatcherService(stores, chains, accounts, leaser, &DispatcherServiceConfig{})
	ledger := NewLedgerService(stores, leaser, chains, dispatcher, &LedgerServiceConfig{})
	invoices := NewInvoiceService(stores, chains, dispatcher, leaser, &InvoiceServiceConfig{
		FactoryAddress:   testFactory,
		ContractChainIDs: []int64{testChainID},
		NativeBytecode:   testBytecode,
		ERC20Bytecode:    testBytecode,
	})
	notifier := NewNotifierService(stores, publisher, &NotifierServiceConfig{})
	blocks := NewBlockService(stores, invoices)
	classifier := NewClassifierService(stores, chains, ledger, invoices, notifier)
	confirmations := NewConfirmationService(stores, chains, blocks, classifier, notifier, &ConfirmationServiceConfig{
		Slack: time.Hour,
	})
	t.Cleanup(confirmations.Stop)
	monitor := NewMonitorService(stores, chains, blocks, classifier, confirmations, &MonitorServiceConfig{
		PollInterval: 10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	})

	chain, err := chains.Register(ctx, "http://fake-node", testConfirmations)
	require.NoError(t, err)

	return &harness{
		ctx:           ctx,
		db:            db,
		fake:          fake,
		stores:        stores,
		chains:        chains,
		accounts:      accounts,
		dispatcher:    dispatcher,
		ledger:        ledger,
		invoices:      invoices,
		notifier:      notifier,
		blocks:        blocks,
		classifier:    classifier,
		confirmations: confirmations,
		monitor:       monitor,
		projects:      NewProjectService(stores, accounts),
		deposits:      NewDepositService(stores, chains, accounts),
		withdrawals:   NewWithdrawalService(stores, chains, dispatcher),
		chain:         chain,
	}
}

func (h *harness) project(t *testing.T, webhook string) *model.Project {
	t.Helper()
	project, err := h.projects.Create(h.ctx, "shop", webhook, testCollection)
	require.NoError(t, err)
	return project
}

func (h *harness) usdt(t *testing.T) *model.Token {
	t.Helper()
	ta, err := h.chains.AddToken(h.ctx, testChainID, "USDT", 6, testUSDT)
	require.NoError(t, err)
	token, err := h.stores.Tokens.GetByID(h.ctx, ta.TokenID)
	require.NoError(t, err)
	return token
}

func (h *harness) native(t *testing.T) *model.Token {
	t.Helper()
	token, err := h.stores.Tokens.GetByID(h.ctx, h.chain.CurrencyID)
	require.NoError(t, err)
	return token
}

// externalAddress 生成不属于平台的地址
func (h *harness) externalAddress() common.Address {
	return common.BigToAddress(big.NewInt(0xE000 + h.seq.Add(1)))
}

func (h *harness) txHash() common.Hash {
	return common.BigToHash(big.NewInt(0xAB0000 + h.seq.Add(1)))
}

// nativeTransfer 构造主币转账
func (h *harness) nativeTransfer(from common.Address, to string, wei *big.Int) *blockchain.Transaction {
	addr := common.HexToAddress(to)
	return &blockchain.Transaction{
		Hash:  h.txHash(),
		From:  from,
		To:    &addr,
		Value: wei,
	}
}

// tokenTransfer 构造 ERC-20 转账及其回执
func (h *harness) tokenTransfer(t *testing.T, from common.Address, to string, units *big.Int) *blockchain.Transaction {
	t.Helper()
	contract := common.HexToAddress(testUSDT)
	receiver := common.HexToAddress(to)
	input, err := blockchain.EncodeTransfer(receiver, units)
	require.NoError(t, err)

	tx := &blockchain.Transaction{
		Hash:  h.txHash(),
		From:  from,
		To:    &contract,
		Input: input,
	}
	h.fake.SetReceipt(tx.Hash, &blockchain.Receipt{
		Status:  1,
		GasUsed: 52000,
		Logs: []*blockchain.Log{{
			Address: contract,
			Topics: []common.Hash{
				blockchain.TransferTopic,
				common.BytesToHash(from.Bytes()),
				common.BytesToHash(receiver.Bytes()),
			},
			Data: common.LeftPadBytes(units.Bytes(), 32),
		}},
	})
	return tx
}

// mine 在内存链上出块并交给监控处理
func (h *harness) mine(t *testing.T, number int64, txs ...*blockchain.Transaction) *model.Block {
	t.Helper()
	raw := h.fake.AddBlock(number, 1_700_000_000+number*3, txs...)
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{raw}))
	block, err := h.stores.Blocks.GetByHash(h.ctx, raw.Hash.Hex())
	require.NoError(t, err)
	return block
}

// confirm 补齐确认数后复查区块
func (h *harness) confirm(t *testing.T, block *model.Block) {
	t.Helper()
	for n := block.Number + 1; n <= block.Number+testConfirmations; n++ {
		if _, err := h.stores.Blocks.GetByHash(h.ctx, testutil.BlockHash(n, 0).Hex()); err != nil {
			h.mine(t, n)
		}
	}
	result, err := h.confirmations.Recheck(h.ctx, block.ID)
	require.NoError(t, err)
	require.Equal(t, RecheckConfirmed, result)
}

func (h *harness) balance(t *testing.T, address string, tokenID int64) *big.Int {
	t.Helper()
	account, err := h.stores.Accounts.GetByAddress(h.ctx, address)
	require.NoError(t, err)
	b, err := h.stores.Balances.Get(h.ctx, account.ID, testChainID, tokenID)
	require.NoError(t, err)
	return b.Value.BigInt()
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}
