package model

import (
	"gorm.io/datatypes"
)

// Notification 回调通知
type Notification struct {
	ID            int64             `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ProjectID     int64             `gorm:"column:project_id;not null;index" json:"project_id"`
	TransactionID int64             `gorm:"column:transaction_id;not null;index" json:"transaction_id"`
	Content       datatypes.JSONMap `gorm:"column:content" json:"content"`
	Notified      bool              `gorm:"column:notified;not null;default:false;index" json:"notified"`
	NotifiedAt    *int64            `gorm:"column:notified_at" json:"notified_at"`
	CreatedAt     int64             `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName 返回表名
func (Notification) TableName() string {
	return "evmx_notifications"
}
