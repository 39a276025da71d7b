package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

// NotificationRepository 回调通知仓储接口
type NotificationRepository interface {
	Create(ctx context.Context, n *model.Notification) error
	// ListDue 未送达且项目已到下次通知时间的通知
	ListDue(ctx context.Context, now int64, limit int) ([]*model.Notification, error)
	MarkNotified(ctx context.Context, id int64, at int64) error
	ListByTransaction(ctx context.Context, transactionID int64) ([]*model.Notification, error)
	DeleteByTransactions(ctx context.Context, transactionIDs []int64) error
}

type notificationRepository struct {
	*Repository
}

// NewNotificationRepository 创建回调通知仓储
func NewNotificationRepository(db *gorm.DB) NotificationRepository {
	return &notificationRepository{Repository: NewRepository(db)}
}

func (r *notificationRepository) Create(ctx context.Context, n *model.Notification) error {
	n.CreatedAt = nowMillis()
	return r.DB(ctx).Create(n).Error
}

func (r *notificationRepository) ListDue(ctx context.Context, now int64, limit int) ([]*model.Notification, error) {
	due := r.DB(ctx).Model(&model.Project{}).
		Select("id").
		Where("next_notification_time <= ?", now)

	var list []*model.Notification
	err := r.DB(ctx).
		Where("notified = ?", false).
		Where("project_id IN (?)", due).
		Order("id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *notificationRepository) MarkNotified(ctx context.Context, id int64, at int64) error {
	return r.DB(ctx).Model(&model.Notification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notified":    true,
			"notified_at": at,
		}).Error
}

func (r *notificationRepository) ListByTransaction(ctx context.Context, transactionID int64) ([]*model.Notification, error) {
	var list []*model.Notification
	err := r.DB(ctx).Where("transaction_id = ?", transactionID).Order("id ASC").Find(&list).Error
	return list, err
}

func (r *notificationRepository) DeleteByTransactions(ctx context.Context, transactionIDs []int64) error {
	if len(transactionIDs) == 0 {
		return nil
	}
	return r.DB(ctx).
		Where("transaction_id IN ? AND notified = ?", transactionIDs, false).
		Delete(&model.Notification{}).Error
}
