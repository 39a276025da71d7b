package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihawking/evmx/internal/model"
	"github.com/ihawking/evmx/internal/testutil"
)

func TestExecutionRepository_CleanupByJobName(t *testing.T) {
	ctx := context.Background()
	repo := NewExecutionRepository(testutil.NewDB(t))
	old := time.Now().Add(-48 * time.Hour).UnixMilli()

	for _, exec := range []*model.JobExecution{
		{JobName: "dispatch", Status: model.JobStatusSuccess, StartedAt: old},
		{JobName: "dispatch", Status: model.JobStatusRunning, StartedAt: old},
		{JobName: "gather-invoices", Status: model.JobStatusSuccess, StartedAt: old},
	} {
		require.NoError(t, repo.Create(ctx, exec))
	}

	cutoff := time.Now().Add(-24 * time.Hour).UnixMilli()
	deleted, err := repo.CleanupOldRecords(ctx, cutoff, "dispatch", "notify")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	latest, err := repo.GetLatestByJobName(ctx, "gather-invoices")
	require.NoError(t, err)
	require.NotNil(t, latest)

	// 不指定任务名时清理全部非 running 记录
	deleted, err = repo.CleanupOldRecords(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	running, err := repo.GetLatestByJobName(ctx, "dispatch")
	require.NoError(t, err)
	require.NotNil(t, running)
	assert.Equal(t, model.JobStatusRunning, running.Status)
}
