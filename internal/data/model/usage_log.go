package model

import (
	"time"

	"gorm.io/datatypes"
)

// UsageLog 用量账本表，只追加
type UsageLog struct {
	UsageLogID        string         `gorm:"primaryKey;type:varchar(36)"`
	SessionID         string         `gorm:"type:varchar(36);not null;index:idx_session_created,priority:1"`
	OwnerID           string         `gorm:"type:varchar(36);not null;index:idx_owner_created,priority:1"`
	ClientID          *string        `gorm:"type:varchar(36);index"` // 客户删除后置空
	TranscriptionType string         `gorm:"type:varchar(24);not null"`
	IsBillable        bool           `gorm:"not null"`
	BillingReason     string         `gorm:"type:varchar(64)"`
	DurationMinutes   float64        `gorm:"type:decimal(12,4);default:0"`
	Cost              float64        `gorm:"type:decimal(12,4);default:0"`
	Provider          string         `gorm:"type:varchar(32)"`
	PlanSnapshot      datatypes.JSON `gorm:"type:json"`
	ParentEntryID     *string        `gorm:"type:varchar(36)"`
	CreatedAt         time.Time      `gorm:"index:idx_owner_created,priority:2;index:idx_session_created,priority:2"`
}

// TableName 指定表名
func (UsageLog) TableName() string {
	return "usage_log"
}

// MonthlyUsage 月度用量汇总表
type MonthlyUsage struct {
	ID                      uint           `gorm:"primaryKey;autoIncrement"`
	OwnerID                 string         `gorm:"type:varchar(36);not null;uniqueIndex:uk_owner_month,priority:1"`
	Month                   string         `gorm:"type:varchar(7);not null;uniqueIndex:uk_owner_month,priority:2"` // 2024-11
	SessionsCreated         int64          `gorm:"default:0"`
	TranscriptionsCompleted int64          `gorm:"default:0"`
	TotalMinutes            float64        `gorm:"type:decimal(12,4);default:0"`
	TotalCost               float64        `gorm:"type:decimal(12,4);default:0"`
	OriginalCount           int64          `gorm:"default:0"`
	RetryFailedCount        int64          `gorm:"default:0"`
	RetranscribePaidCount   int64          `gorm:"default:0"`
	FreeRetryMinutes        float64        `gorm:"type:decimal(12,4);default:0"`
	Providers               datatypes.JSON `gorm:"type:json"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// TableName 指定表名
func (MonthlyUsage) TableName() string {
	return "monthly_usage"
}
