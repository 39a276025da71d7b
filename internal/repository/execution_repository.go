package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

// ExecutionRepository 定时任务执行记录, 调度器写入, cleanup-executions 任务清理
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{Repository: NewRepository(db)}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = nowMillis()
	return r.DB(ctx).Create(exec).Error
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *model.JobExecution) error {
	return r.DB(ctx).Save(exec).Error
}

// GetLatestByJobName 任务最近一次执行, 从未执行时返回 nil
func (r *ExecutionRepository) GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error) {
	var exec model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// CleanupOldRecords 删除 beforeTime 之前开始的执行记录
// 指定 jobNames 时只删除这些任务的记录, 用于高频任务 (dispatch、notify、retry-classify) 的短保留期
func (r *ExecutionRepository) CleanupOldRecords(ctx context.Context, beforeTime int64, jobNames ...string) (int64, error) {
	q := r.DB(ctx).Where("started_at < ? AND status <> ?", beforeTime, model.JobStatusRunning)
	if len(jobNames) > 0 {
		q = q.Where("job_name IN ?", jobNames)
	}
	result := q.Delete(&model.JobExecution{})
	return result.RowsAffected, result.Error
}

// MarkStaleRunningAsFailed 超过 threshold 仍为 running 的执行视为进程中断, 标记失败
func (r *ExecutionRepository) MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	result := r.DB(ctx).
		Model(&model.JobExecution{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, now.Add(-threshold).UnixMilli()).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"finished_at":   now.UnixMilli(),
			"error_message": "execution abandoned, marked failed by cleanup-executions",
		})
	return result.RowsAffected, result.Error
}
