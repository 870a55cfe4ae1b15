package types

import (
	"time"
)

// Runbook rows are immutable per (name, version); publishing a new version
// flips the active flag rather than mutating in place.
type Runbook struct {
	ID                   int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name                 string    `gorm:"column:name;not null;index:idx_runbook_name_version,unique,priority:1" json:"name"`
	Version              int       `gorm:"column:version;not null;index:idx_runbook_name_version,unique,priority:2" json:"version"`
	SpecText             string    `gorm:"column:spec_text;type:text;not null" json:"spec_text"`
	Active               bool      `gorm:"column:active;not null;default:false;index" json:"active"`
	DataTableName        string    `gorm:"column:data_table_name;not null" json:"data_table_name"`
	OverdueBehavior      string    `gorm:"column:overdue_behavior;not null;default:catch_up" json:"overdue_behavior"` // catch_up|ignore
	IgnoreOverdueApplied bool      `gorm:"column:ignore_overdue_applied;not null;default:false" json:"ignore_overdue_applied"`
	RerunInit            bool      `gorm:"column:rerun_init;not null;default:false" json:"rerun_init"`
	CreatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt            time.Time `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (Runbook) TableName() string { return "runbook" }
