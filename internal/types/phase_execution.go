package types

import (
	"time"
)

// PhaseExecution is one phase of one batch under one runbook version. A batch
// that lives across a version upgrade carries records from both versions; the
// older version's pending records are superseded by the transition.
type PhaseExecution struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID        int64     `gorm:"column:batch_id;not null;index" json:"batch_id"`
	RunbookVersion int       `gorm:"column:runbook_version;not null" json:"runbook_version"`
	PhaseName      string    `gorm:"column:phase_name;not null" json:"phase_name"`
	PhaseIndex     int       `gorm:"column:phase_index;not null" json:"phase_index"`
	OffsetMinutes  int       `gorm:"column:offset_minutes;not null" json:"offset_minutes"`
	DueAt          time.Time `gorm:"column:due_at;not null;index" json:"due_at"`
	Status         string    `gorm:"column:status;not null;index" json:"status"`
	CreatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (PhaseExecution) TableName() string { return "phase_execution" }
