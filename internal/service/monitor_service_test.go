package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/blockchain"
	"github.com/ihawking/evmx/internal/config"
	"github.com/ihawking/evmx/internal/repository"
	"github.com/ihawking/evmx/internal/testutil"
)

func TestMonitorService_IngestStoresBlocks(t *testing.T) {
	h := newHarness(t)

	var fetched []*blockchain.Block
	for n := int64(1); n <= 3; n++ {
		fetched = append(fetched, h.fake.AddBlock(n, 1_700_000_000+n*3))
	}
	// 乱序也按高度处理
	fetched[0], fetched[2] = fetched[2], fetched[0]
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, fetched))

	highest, ok, err := h.stores.Blocks.MaxNumber(h.ctx, testChainID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), highest)
	assert.Equal(t, 3, h.confirmations.Scheduled())

	// 重复区块跳过
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, fetched))
	assert.Equal(t, 3, h.confirmations.Scheduled())
}

func TestMonitorService_Realign(t *testing.T) {
	h := newHarness(t)

	for n := int64(1); n <= 170; n++ {
		h.fake.AddBlock(n, 1_700_000_000+n*3)
	}
	h.mine(t, 130)

	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{h.fake.Blocks[170]}))

	highest, _, err := h.stores.Blocks.MaxNumber(h.ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(162), highest)

	for _, n := range []int64{131, 145, 162} {
		_, err := h.stores.Blocks.GetByHash(h.ctx, h.fake.Blocks[n].Hash.Hex())
		assert.NoError(t, err, "block %d", n)
	}
	_, err = h.stores.Blocks.GetByHash(h.ctx, h.fake.Blocks[170].Hash.Hex())
	assert.ErrorIs(t, err, repository.ErrBlockNotFound)
}

// 对齐只看批次中最早的块号
func TestMonitorService_RealignKeysOnEarliestBlock(t *testing.T) {
	h := newHarness(t)

	for n := int64(1); n <= 170; n++ {
		h.fake.AddBlock(n, 1_700_000_000+n*3)
	}
	h.mine(t, 130)

	batch := []*blockchain.Block{h.fake.Blocks[170], h.fake.Blocks[140]}
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, batch))

	highest, _, err := h.stores.Blocks.MaxNumber(h.ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(170), highest)
	for _, n := range []int64{135, 140, 170} {
		_, err := h.stores.Blocks.GetByHash(h.ctx, h.fake.Blocks[n].Hash.Hex())
		assert.NoError(t, err, "block %d", n)
	}
}

func TestMonitorService_ReorgReplacesUnconfirmed(t *testing.T) {
	h := newHarness(t)

	h.mine(t, 1)
	h.mine(t, 2)
	old := h.mine(t, 3)

	fork := h.fake.AddForkBlock(3, 1, 1_700_000_010)
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{fork}))

	_, err := h.stores.Blocks.GetByID(h.ctx, old.ID)
	assert.ErrorIs(t, err, repository.ErrBlockNotFound)

	replaced, err := h.stores.Blocks.GetByHash(h.ctx, fork.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(3), replaced.Number)
	assert.Equal(t, testutil.BlockHash(2, 0).Hex(), replaced.ParentHash)
}

func TestMonitorService_ResolvesMissingParent(t *testing.T) {
	h := newHarness(t)

	h.mine(t, 1)
	h.fake.AddBlock(2, 1_700_000_006)
	third := h.fake.AddBlock(3, 1_700_000_009)

	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{third}))

	parent, err := h.stores.Blocks.GetByHash(h.ctx, testutil.BlockHash(2, 0).Hex())
	require.NoError(t, err)
	assert.Equal(t, int64(2), parent.Number)

	_, err = h.stores.Blocks.GetByHash(h.ctx, third.Hash.Hex())
	assert.NoError(t, err)
}

func TestMonitorService_SkipsParentChainTooDeep(t *testing.T) {
	h := newHarness(t)
	h.monitor.maxParentDepth = 2

	h.mine(t, 1)
	for n := int64(2); n <= 6; n++ {
		h.fake.AddBlock(n, 1_700_000_000+n*3)
	}

	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{h.fake.Blocks[6]}))

	_, err := h.stores.Blocks.GetByHash(h.ctx, h.fake.Blocks[6].Hash.Hex())
	assert.ErrorIs(t, err, repository.ErrBlockNotFound)
}

func TestMonitorService_NeverReplacesConfirmed(t *testing.T) {
	h := newHarness(t)

	h.mine(t, 1)
	second := h.mine(t, 2)
	ok, err := h.stores.Blocks.MarkConfirmed(h.ctx, second.ID)
	require.NoError(t, err)
	require.True(t, ok)

	fork := h.fake.AddForkBlock(2, 1, 1_700_000_020)
	require.NoError(t, h.monitor.Ingest(h.ctx, h.chain, h.fake, []*blockchain.Block{fork}))

	kept, err := h.stores.Blocks.GetByID(h.ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, kept.Confirmed)

	_, err = h.stores.Blocks.GetByHash(h.ctx, fork.Hash.Hex())
	assert.ErrorIs(t, err, repository.ErrBlockNotFound)
}

func TestMonitorService_RunFollowsFilter(t *testing.T) {
	h := newHarness(t)

	h.fake.AddBlock(1, 1_700_000_003)
	h.fake.AddBlock(2, 1_700_000_006)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.monitor.Run(ctx) }()

	require.Eventually(t, func() bool {
		highest, _, err := h.stores.Blocks.MaxNumber(h.ctx, testChainID)
		return err == nil && highest == 2
	}, 5*time.Second, 20*time.Millisecond)

	// 链配置变化后重建监听
	config.BumpGeneration()
	h.fake.AddBlock(3, 1_700_000_009)
	require.Eventually(t, func() bool {
		highest, _, err := h.stores.Blocks.MaxNumber(h.ctx, testChainID)
		return err == nil && highest == 3
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestMonitorService_MissingReceiptDoesNotStall(t *testing.T) {
	h := newHarness(t)
	project := h.project(t, "")
	system, err := h.projects.SystemAccount(h.ctx, project)
	require.NoError(t, err)

	h.mine(t, 1)
	tx := h.nativeTransfer(h.externalAddress(), system.Address, ether(1))
	two := h.fake.AddBlock(2, 1_700_000_006, tx)
	h.fake.DropReceipt(tx.Hash)
	three := h.fake.AddBlock(3, 1_700_000_009)

	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.monitor.Ingest(ctx, h.chain, h.fake, []*blockchain.Block{two, three}))

	_, err = h.stores.Blocks.GetByHash(h.ctx, three.Hash.Hex())
	require.NoError(t, err)

	exists, err := h.stores.Transactions.ExistsByHash(h.ctx, tx.Hash.Hex())
	require.NoError(t, err)
	assert.False(t, exists)

	pending, err := h.stores.Pending.CountByChain(h.ctx, testChainID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}
