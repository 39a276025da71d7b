package repository

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/testutil"
	bizerr "github.com/ihawking/evmx/pkg/errors"
)

func TestBalanceRepository_ApplyDelta(t *testing.T) {
	ctx := context.Background()
	repo := NewBalanceRepository(testutil.NewDB(t))

	balance, err := repo.Get(ctx, 1, 56, 1)
	require.NoError(t, err)
	assert.True(t, balance.Value.IsZero())

	require.NoError(t, repo.ApplyDelta(ctx, 1, 56, 1, decimal.NewFromInt(1_000_000)))
	require.NoError(t, repo.ApplyDelta(ctx, 1, 56, 1, decimal.NewFromInt(-250_000)))
	require.NoError(t, repo.ApplyDelta(ctx, 1, 56, 2, decimal.NewFromInt(7)))

	balance, err = repo.Get(ctx, 1, 56, 1)
	require.NoError(t, err)
	assert.True(t, balance.Value.Equal(decimal.NewFromInt(750_000)), balance.Value.String())

	other, err := repo.Get(ctx, 1, 56, 2)
	require.NoError(t, err)
	assert.True(t, other.Value.Equal(decimal.NewFromInt(7)))
}

func TestBalanceRepository_ListGatherCandidates(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	repo := NewBalanceRepository(db)
	players := NewPlayerRepository(db)

	require.NoError(t, players.Create(ctx, &model.Player{ProjectID: 1, UID: "a", DepositAccountID: 10}))
	require.NoError(t, players.Create(ctx, &model.Player{ProjectID: 1, UID: "b", DepositAccountID: 11}))
	require.NoError(t, players.Create(ctx, &model.Player{ProjectID: 1, UID: "c", DepositAccountID: 12}))
	require.NoError(t, players.Create(ctx, &model.Player{ProjectID: 2, UID: "a", DepositAccountID: 20}))

	require.NoError(t, repo.ApplyDelta(ctx, 10, 56, 1, decimal.NewFromInt(500))) // 达到归集值
	require.NoError(t, repo.ApplyDelta(ctx, 11, 56, 1, decimal.NewFromInt(50)))  // 长期未归集且超过最低值
	require.NoError(t, repo.ApplyDelta(ctx, 12, 56, 1, decimal.NewFromInt(5)))   // 低于最低值
	require.NoError(t, repo.ApplyDelta(ctx, 20, 56, 1, decimal.NewFromInt(900))) // 其它项目

	now := time.Now().UnixMilli()
	list, err := repo.ListGatherCandidates(ctx, &GatherQuery{
		ProjectID:    1,
		ChainID:      56,
		TokenID:      1,
		GatherValue:  decimal.NewFromInt(100),
		MinimalValue: decimal.NewFromInt(10),
		IdleBefore:   now,
		RecentBefore: now,
		Limit:        8,
	})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(10), list[0].AccountID)
	assert.Equal(t, int64(11), list[1].AccountID)

	// 刚归集过的账户不再入选
	require.NoError(t, repo.TouchGathered(ctx, list[0].ID, now))
	list, err = repo.ListGatherCandidates(ctx, &GatherQuery{
		ProjectID:    1,
		ChainID:      56,
		TokenID:      1,
		GatherValue:  decimal.NewFromInt(100),
		MinimalValue: decimal.NewFromInt(10),
		IdleBefore:   now,
		RecentBefore: now - 1,
		Limit:        8,
	})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(11), list[0].AccountID)
}

func TestQueueRepository_Dispatchable(t *testing.T) {
	ctx := context.Background()
	repo := NewQueueRepository(testutil.NewDB(t))

	for i := int64(0); i < 3; i++ {
		require.NoError(t, repo.Create(ctx, &model.QueueEntry{AccountID: 1, ChainID: 56, Nonce: i, To: "0xto", Category: model.TxCategoryWithdrawal}))
	}
	err := repo.Create(ctx, &model.QueueEntry{AccountID: 1, ChainID: 56, Nonce: 1, To: "0xto"})
	assert.ErrorIs(t, err, ErrDuplicateNonce)

	count, err := repo.Count(ctx, 1, 56)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	now := time.Now().UnixMilli()
	list, err := repo.ListDispatchable(ctx, now-16*60*1000, now+1, 8)
	require.NoError(t, err)
	assert.Len(t, list, 3)

	// 刚发送的不再入选, 超时且未上链的重新入选, 已上链的不再入选
	require.NoError(t, repo.MarkTransacted(ctx, list[0].ID, now))
	require.NoError(t, repo.MarkTransacted(ctx, list[1].ID, now-20*60*1000))
	require.NoError(t, repo.MarkTransacted(ctx, list[2].ID, now-20*60*1000))
	require.NoError(t, repo.LinkTransaction(ctx, list[2].ID, 99))

	again, err := repo.ListDispatchable(ctx, now-16*60*1000, now+1, 8)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, list[1].ID, again[0].ID)

	// 创建不满最小间隔的不入选
	none, err := repo.ListDispatchable(ctx, now-16*60*1000, 0, 8)
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, repo.UnlinkTransactions(ctx, []int64{99}))
	entry, err := repo.GetByID(ctx, list[2].ID)
	require.NoError(t, err)
	assert.Nil(t, entry.TransactionID)

	assert.True(t, bizerr.Is(repo.Delete(ctx, entry.ID), bizerr.ErrDeletionForbidden))
	assert.True(t, bizerr.Is(NewAccountRepository(testutil.NewDB(t)).Delete(ctx, 1), bizerr.ErrDeletionForbidden))
}
