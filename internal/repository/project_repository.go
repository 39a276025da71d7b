package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrProjectNotFound  = errors.New("project not found")
	ErrDuplicateProject = errors.New("duplicate project")
)

// ProjectRepository 商户项目仓储接口
type ProjectRepository interface {
	Create(ctx context.Context, project *model.Project) error
	GetByID(ctx context.Context, id int64) (*model.Project, error)
	GetByAppID(ctx context.Context, appID string) (*model.Project, error)
	GetBySystemAccount(ctx context.Context, accountID int64) (*model.Project, error)
	ListActive(ctx context.Context) ([]*model.Project, error)
	// RecordNotifySuccess 清零失败次数
	RecordNotifySuccess(ctx context.Context, id int64) error
	// RecordNotifyFailure 失败次数 +1 并返回新的失败次数
	RecordNotifyFailure(ctx context.Context, id int64) (int, error)
	SetNextNotificationTime(ctx context.Context, id int64, at int64) error

	AddCollectionAddress(ctx context.Context, addr *model.CollectionAddress) error
	ListCollectionAddresses(ctx context.Context, projectID int64) ([]string, error)
}

type projectRepository struct {
	*Repository
}

// NewProjectRepository 创建商户项目仓储
func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{Repository: NewRepository(db)}
}

func (r *projectRepository) Create(ctx context.Context, project *model.Project) error {
	now := nowMillis()
	project.CreatedAt = now
	project.UpdatedAt = now
	err := r.DB(ctx).Create(project).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicateProject
	}
	return err
}

func (r *projectRepository) GetByID(ctx context.Context, id int64) (*model.Project, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *projectRepository) GetByAppID(ctx context.Context, appID string) (*model.Project, error) {
	return r.first(ctx, "appid = ?", appID)
}

func (r *projectRepository) GetBySystemAccount(ctx context.Context, accountID int64) (*model.Project, error) {
	return r.first(ctx, "system_account_id = ?", accountID)
}

func (r *projectRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).Where(query, args...).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *projectRepository) ListActive(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.DB(ctx).Where("active = ?", true).Order("id ASC").Find(&projects).Error
	return projects, err
}

func (r *projectRepository) RecordNotifySuccess(ctx context.Context, id int64) error {
	return r.DB(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"notification_failed_times": 0,
			"updated_at":                nowMillis(),
		}).Error
}

func (r *projectRepository) RecordNotifyFailure(ctx context.Context, id int64) (int, error) {
	var failures int
	err := r.Transaction(ctx, func(ctx context.Context) error {
		if err := r.DB(ctx).Model(&model.Project{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"notification_failed_times": gorm.Expr("notification_failed_times + 1"),
				"updated_at":                nowMillis(),
			}).Error; err != nil {
			return err
		}
		return r.DB(ctx).Model(&model.Project{}).
			Where("id = ?", id).
			Select("notification_failed_times").
			Row().
			Scan(&failures)
	})
	return failures, err
}

func (r *projectRepository) SetNextNotificationTime(ctx context.Context, id int64, at int64) error {
	return r.DB(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Update("next_notification_time", at).Error
}

func (r *projectRepository) AddCollectionAddress(ctx context.Context, addr *model.CollectionAddress) error {
	addr.CreatedAt = nowMillis()
	return r.DB(ctx).Create(addr).Error
}

func (r *projectRepository) ListCollectionAddresses(ctx context.Context, projectID int64) ([]string, error) {
	var addresses []string
	err := r.DB(ctx).Model(&model.CollectionAddress{}).
		Where("project_id = ?", projectID).
		Order("id ASC").
		Pluck("address", &addresses).Error
	return addresses, err
}
