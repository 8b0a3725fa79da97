package model

import (
	"time"
)

// Owner 教练表，内嵌当月计数
type Owner struct {
	OwnerID            string    `gorm:"primaryKey;type:varchar(36)"`
	Name               string    `gorm:"type:varchar(128);not null"`
	PlanTier           string    `gorm:"type:varchar(16);not null;default:'FREE'"`
	SessionCount       int64     `gorm:"not null;default:0"`
	UsageMinutes       float64   `gorm:"type:decimal(12,4);not null;default:0"`
	TranscriptionCount int64     `gorm:"not null;default:0"`
	PeriodStart        time.Time `gorm:"not null"` // 当月第一天 UTC
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName 指定表名
func (Owner) TableName() string {
	return "owner"
}

// Client 客户表
type Client struct {
	ClientID  string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string `gorm:"type:varchar(36);not null;index"`
	Name      string `gorm:"type:varchar(128);not null"`
	CreatedAt time.Time
}

// TableName 指定表名
func (Client) TableName() string {
	return "client"
}
