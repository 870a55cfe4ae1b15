package types

import (
	"time"
)

// AutomationSetting is the operator kill switch the scheduler consults before
// processing a runbook. Missing row means enabled. Enabled carries no column
// default: gorm omits zero-valued fields with a default tag, so the first
// disable would otherwise insert as true.
type AutomationSetting struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RunbookName string    `gorm:"column:runbook_name;not null;uniqueIndex" json:"runbook_name"`
	Enabled     bool      `gorm:"column:enabled;not null" json:"enabled"`
	UpdatedAt   time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (AutomationSetting) TableName() string { return "automation_setting" }
