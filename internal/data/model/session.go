package model

import (
	"time"

	"gorm.io/gorm"
)

// Session 转写会话表，删除为软删除
type Session struct {
	SessionID            string         `gorm:"primaryKey;type:varchar(36)"`
	OwnerID              string         `gorm:"type:varchar(36);not null;index:idx_owner_status,priority:1"`
	ClientID             *string        `gorm:"type:varchar(36);index"`
	Status               string         `gorm:"type:varchar(16);not null;index:idx_owner_status,priority:2;index:idx_status_updated,priority:1"`
	AudioRef             string         `gorm:"type:varchar(512);not null"`
	FileSizeMb           float64        `gorm:"type:decimal(10,2);default:0"`
	Language             string         `gorm:"type:varchar(16);not null"`
	Region               string         `gorm:"type:varchar(32)"`
	ProviderChoice       string         `gorm:"type:varchar(16)"`
	DiarizationRequested bool           `gorm:"not null;default:false"`
	DurationSeconds      *float64       `gorm:"type:decimal(10,3)"`
	ManualRoleRequired   bool           `gorm:"not null;default:false"`
	LastError            string         `gorm:"type:text"`
	ActiveJob            string         `gorm:"type:varchar(16)"` // original/retry/retranscribe
	CreatedAt            time.Time
	UpdatedAt            time.Time      `gorm:"index:idx_status_updated,priority:2"`
	DeletedAt            gorm.DeletedAt `gorm:"index"`
}

// TableName 指定表名
func (Session) TableName() string {
	return "session"
}

// TranscriptSegment 转写片段表，每次完成时整体替换
type TranscriptSegment struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	SessionID string  `gorm:"type:varchar(36);not null;index:idx_session_seq,priority:1"`
	Seq       int     `gorm:"not null;index:idx_session_seq,priority:2"`
	StartSec  float64 `gorm:"type:decimal(10,3)"`
	EndSec    float64 `gorm:"type:decimal(10,3)"`
	Text      string  `gorm:"type:text"`
	Speaker   string  `gorm:"type:varchar(32)"`
}

// TableName 指定表名
func (TranscriptSegment) TableName() string {
	return "transcript_segment"
}
