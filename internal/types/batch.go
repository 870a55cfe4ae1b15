package types

import (
	"time"
)

type Batch struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunbookName    string    `gorm:"column:runbook_name;not null;index:idx_batch_runbook_start,unique,priority:1" json:"runbook_name"`
	RunbookVersion int       `gorm:"column:runbook_version;not null" json:"runbook_version"`
	BatchStartTime time.Time `gorm:"column:batch_start_time;not null;index:idx_batch_runbook_start,unique,priority:2" json:"batch_start_time"`
	Status         string    `gorm:"column:status;not null;index" json:"status"`
	IsManual       bool      `gorm:"column:is_manual;not null;default:false" json:"is_manual"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Batch) TableName() string { return "batch" }

func (b *Batch) IsLive() bool { return !BatchIsTerminal(b.Status) }
