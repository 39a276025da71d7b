package testutil

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/ihawking/evmx/internal/blockchain"
)

// FakeChain 内存中的链，实现 blockchain.ChainRPC
type FakeChain struct {
	mu sync.Mutex

	ID            int64
	Blocks        map[int64]*blockchain.Block
	Receipts      map[common.Hash]*blockchain.Receipt
	Balances      map[common.Address]*big.Int
	TokenBalances map[common.Address]map[common.Address]*big.Int
	Price         *big.Int
	Sent          []*types.Transaction
	Pending       []common.Hash
	Closed        bool

	// 注入错误
	FilterErr  error
	BlockErr   error
	ReceiptErr error
	SendErr    error
}

// NewFakeChain 创建内存链
func NewFakeChain(chainID int64) *FakeChain {
	return &FakeChain{
		ID:            chainID,
		Blocks:        make(map[int64]*blockchain.Block),
		Receipts:      make(map[common.Hash]*blockchain.Receipt),
		Balances:      make(map[common.Address]*big.Int),
		TokenBalances: make(map[common.Address]map[common.Address]*big.Int),
		Price:         big.NewInt(1_000_000_000),
	}
}

// BlockHash 生成确定性的区块哈希，fork 区分分叉
func BlockHash(number int64, fork int) common.Hash {
	return common.HexToHash(fmt.Sprintf("0x%x%060x", fork+1, number))
}

// AddBlock 按高度追加区块，父哈希指向已有的上一个区块
func (f *FakeChain) AddBlock(number int64, timestamp int64, txs ...*blockchain.Transaction) *blockchain.Block {
	return f.AddForkBlock(number, 0, timestamp, txs...)
}

// AddForkBlock 在指定分叉上追加区块
func (f *FakeChain) AddForkBlock(number int64, fork int, timestamp int64, txs ...*blockchain.Transaction) *blockchain.Block {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent := BlockHash(number-1, 0)
	if prev, ok := f.Blocks[number-1]; ok {
		parent = prev.Hash
	}

	block := &blockchain.Block{
		Hash:         BlockHash(number, fork),
		ParentHash:   parent,
		Number:       number,
		Timestamp:    timestamp,
		Transactions: txs,
	}
	for i, tx := range txs {
		tx.BlockHash = block.Hash
		tx.TransactionIndex = int64(i)
		if tx.Value == nil {
			tx.Value = new(big.Int)
		}
		if tx.GasPrice == nil {
			tx.GasPrice = new(big.Int).Set(f.Price)
		}
		if tx.Input == "" {
			tx.Input = "0x"
		}
		if len(tx.Raw) == 0 {
			tx.Raw = []byte(fmt.Sprintf(`{"hash":"%s"}`, tx.Hash.Hex()))
		}
		if _, ok := f.Receipts[tx.Hash]; !ok {
			f.Receipts[tx.Hash] = &blockchain.Receipt{
				Status:            1,
				GasUsed:           21000,
				EffectiveGasPrice: new(big.Int).Set(tx.GasPrice),
				Raw:               []byte(`{"status":"0x1"}`),
			}
		}
	}
	f.Blocks[number] = block
	f.Pending = append(f.Pending, block.Hash)
	return block
}

// SetReceipt 覆盖交易回执
func (f *FakeChain) SetReceipt(hash common.Hash, receipt *blockchain.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(receipt.Raw) == 0 {
		receipt.Raw = []byte(`{}`)
	}
	if receipt.EffectiveGasPrice == nil {
		receipt.EffectiveGasPrice = new(big.Int).Set(f.Price)
	}
	f.Receipts[hash] = receipt
}

// DropReceipt 删除交易回执, 模拟节点暂时查不到回执
func (f *FakeChain) DropReceipt(hash common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.Receipts, hash)
}

// SetBalance 设置主币余额
func (f *FakeChain) SetBalance(addr common.Address, value *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[addr] = value
}

// SentTransactions 返回已广播的交易
func (f *FakeChain) SentTransactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.Sent...)
}

func (f *FakeChain) ChainID() int64 {
	return f.ID
}

func (f *FakeChain) FetchChainID(ctx context.Context) (int64, error) {
	return f.ID, nil
}

func (f *FakeChain) NewBlockFilter(ctx context.Context) (string, error) {
	if f.FilterErr != nil {
		return "", f.FilterErr
	}
	return "0x1", nil
}

func (f *FakeChain) GetFilterChanges(ctx context.Context, filterID string) ([]common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FilterErr != nil {
		return nil, f.FilterErr
	}
	hashes := f.Pending
	f.Pending = nil
	return hashes, nil
}

func (f *FakeChain) BlockByHash(ctx context.Context, hash common.Hash) (*blockchain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BlockErr != nil {
		return nil, f.BlockErr
	}
	for _, b := range f.Blocks {
		if b.Hash == hash {
			return b, nil
		}
	}
	return nil, blockchain.ErrBlockNotFound
}

func (f *FakeChain) BlockByNumber(ctx context.Context, number int64) (*blockchain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.BlockErr != nil {
		return nil, f.BlockErr
	}
	if b, ok := f.Blocks[number]; ok {
		return b, nil
	}
	return nil, blockchain.ErrBlockNotFound
}

func (f *FakeChain) LatestBlock(ctx context.Context) (*blockchain.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *blockchain.Block
	for _, b := range f.Blocks {
		if latest == nil || b.Number > latest.Number {
			latest = b
		}
	}
	if latest == nil {
		return &blockchain.Block{}, nil
	}
	return latest, nil
}

func (f *FakeChain) TransactionReceipt(ctx context.Context, hash common.Hash) (*blockchain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReceiptErr != nil {
		return nil, f.ReceiptErr
	}
	if r, ok := f.Receipts[hash]; ok {
		return r, nil
	}
	return nil, blockchain.ErrReceiptNotFound
}

func (f *FakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Price), nil
}

func (f *FakeChain) BalanceAt(ctx context.Context, account common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *FakeChain) ERC20BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.TokenBalances[token]; ok {
		if b, ok := m[owner]; ok {
			return new(big.Int).Set(b), nil
		}
	}
	return new(big.Int), nil
}

func (f *FakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendErr != nil {
		return f.SendErr
	}
	f.Sent = append(f.Sent, tx)
	return nil
}

func (f *FakeChain) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
}

var _ blockchain.ChainRPC = (*FakeChain)(nil)
