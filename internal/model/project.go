package model

import (
	"github.com/shopspring/decimal"
)

// Project 商户项目
type Project struct {
	ID                      int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name                    string          `gorm:"column:name;type:varchar(64);not null" json:"name"`
	AppID                   string          `gorm:"column:appid;type:varchar(32);not null;uniqueIndex" json:"appid"`
	Webhook                 string          `gorm:"column:webhook;type:varchar(256);not null;default:''" json:"webhook"`
	HMACKey                 string          `gorm:"column:hmac_key;type:varchar(64);not null" json:"-"`
	SystemAccountID         int64           `gorm:"column:system_account_id;not null;uniqueIndex" json:"system_account_id"`
	CollectionAddress       string          `gorm:"column:collection_address;type:varchar(42);not null" json:"collection_address"`
	GatherWorth             decimal.Decimal `gorm:"column:gather_worth;type:decimal(36,18);not null;default:10" json:"gather_worth"`
	GatherTime              int64           `gorm:"column:gather_time;not null;default:32" json:"gather_time"` // 天
	MinimalGatherWorth      decimal.Decimal `gorm:"column:minimal_gather_worth;type:decimal(36,18);not null;default:1" json:"minimal_gather_worth"`
	PreNotify               bool            `gorm:"column:pre_notify;not null;default:false" json:"pre_notify"`
	NotificationFailedTimes int             `gorm:"column:notification_failed_times;not null;default:0" json:"notification_failed_times"`
	NextNotificationTime    int64           `gorm:"column:next_notification_time;not null;default:0;index" json:"next_notification_time"`
	Active                  bool            `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt               int64           `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt               int64           `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName 返回表名
func (Project) TableName() string {
	return "evmx_projects"
}

// CollectionAddress differ 账单收款地址池
type CollectionAddress struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID int64  `gorm:"column:project_id;not null;uniqueIndex:uk_collection_addresses_project_address,priority:1" json:"project_id"`
	Address   string `gorm:"column:address;type:varchar(42);not null;uniqueIndex:uk_collection_addresses_project_address,priority:2" json:"address"`
	CreatedAt int64  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (CollectionAddress) TableName() string {
	return "evmx_collection_addresses"
}

// Player 项目下的充值用户
type Player struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID        int64  `gorm:"column:project_id;not null;uniqueIndex:uk_players_project_uid,priority:1" json:"project_id"`
	UID              string `gorm:"column:uid;type:varchar(64);not null;uniqueIndex:uk_players_project_uid,priority:2" json:"uid"`
	DepositAccountID int64  `gorm:"column:deposit_account_id;not null;uniqueIndex" json:"deposit_account_id"`
	CreatedAt        int64  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Player) TableName() string {
	return "evmx_players"
}
