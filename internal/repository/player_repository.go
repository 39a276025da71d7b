package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/ihawking/evmx/internal/model"
)

var (
	ErrPlayerNotFound  = errors.New("player not found")
	ErrDuplicatePlayer = errors.New("duplicate player")
)

// PlayerRepository 充值用户仓储接口
type PlayerRepository interface {
	Create(ctx context.Context, player *model.Player) error
	Get(ctx context.Context, projectID int64, uid string) (*model.Player, error)
	GetByID(ctx context.Context, id int64) (*model.Player, error)
	GetByDepositAccount(ctx context.Context, accountID int64) (*model.Player, error)
}

type playerRepository struct {
	*Repository
}

// NewPlayerRepository 创建充值用户仓储
func NewPlayerRepository(db *gorm.DB) PlayerRepository {
	return &playerRepository{Repository: NewRepository(db)}
}

func (r *playerRepository) Create(ctx context.Context, player *model.Player) error {
	player.CreatedAt = nowMillis()
	err := r.DB(ctx).Create(player).Error
	if IsDuplicateKeyError(err) {
		return ErrDuplicatePlayer
	}
	return err
}

func (r *playerRepository) Get(ctx context.Context, projectID int64, uid string) (*model.Player, error) {
	return r.first(ctx, "project_id = ? AND uid = ?", projectID, uid)
}

func (r *playerRepository) GetByID(ctx context.Context, id int64) (*model.Player, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *playerRepository) GetByDepositAccount(ctx context.Context, accountID int64) (*model.Player, error) {
	return r.first(ctx, "deposit_account_id = ?", accountID)
}

func (r *playerRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Player, error) {
	var player model.Player
	err := r.DB(ctx).Where(query, args...).First(&player).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlayerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &player, nil
}
