package types

import (
	"time"

	"gorm.io/datatypes"
)

// BatchMember tracks one entity within a batch. DataJSON is the most recent
// data-source snapshot of the row; WorkerDataJSON accumulates step output
// params and is merge-only. A nil AddDispatchedAt / RemoveDispatchedAt means
// the corresponding event has not been published yet and the scheduler will
// retry on its next tick.
type BatchMember struct {
	ID                 int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID            int64          `gorm:"column:batch_id;not null;index:idx_member_batch_key,unique,priority:1" json:"batch_id"`
	MemberKey          string         `gorm:"column:member_key;not null;index:idx_member_batch_key,unique,priority:2" json:"member_key"`
	Status             string         `gorm:"column:status;not null;index" json:"status"`
	DataJSON           datatypes.JSON `gorm:"type:jsonb;column:data_json" json:"data_json"`
	WorkerDataJSON     datatypes.JSON `gorm:"type:jsonb;column:worker_data_json" json:"worker_data_json"`
	AddDispatchedAt    *time.Time     `gorm:"column:add_dispatched_at" json:"add_dispatched_at,omitempty"`
	RemoveDispatchedAt *time.Time     `gorm:"column:remove_dispatched_at" json:"remove_dispatched_at,omitempty"`
	CreatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (BatchMember) TableName() string { return "batch_member" }
