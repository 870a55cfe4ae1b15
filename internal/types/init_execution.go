package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// InitExecution is a batch-scoped step that runs once, in declaration order,
// before any phase. No per-member multiplication.
type InitExecution struct {
	ID               int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID          int64          `gorm:"column:batch_id;not null;index" json:"batch_id"`
	RunbookVersion   int            `gorm:"column:runbook_version;not null" json:"runbook_version"`
	StepName         string         `gorm:"column:step_name;not null" json:"step_name"`
	StepIndex        int            `gorm:"column:step_index;not null" json:"step_index"`
	WorkerID         string         `gorm:"column:worker_id;not null" json:"worker_id"`
	FunctionName     string         `gorm:"column:function_name;not null" json:"function_name"`
	ParamsJSON       datatypes.JSON `gorm:"type:jsonb;column:params_json" json:"params_json"`
	Status           string         `gorm:"column:status;not null;index" json:"status"`
	PollIntervalSec  int            `gorm:"column:poll_interval_sec;not null;default:0" json:"poll_interval_sec"`
	PollTimeoutSec   int            `gorm:"column:poll_timeout_sec;not null;default:0" json:"poll_timeout_sec"`
	PollStartedAt    *time.Time     `gorm:"column:poll_started_at" json:"poll_started_at,omitempty"`
	LastPolledAt     *time.Time     `gorm:"column:last_polled_at" json:"last_polled_at,omitempty"`
	PollCount        int            `gorm:"column:poll_count;not null;default:0" json:"poll_count"`
	RetryCount       int            `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries       int            `gorm:"column:max_retries;not null;default:0" json:"max_retries"`
	RetryIntervalSec int            `gorm:"column:retry_interval_sec;not null;default:0" json:"retry_interval_sec"`
	OnFailure        string         `gorm:"column:on_failure" json:"on_failure,omitempty"`
	LastJobID        uuid.UUID      `gorm:"type:uuid;column:last_job_id" json:"last_job_id"`
	ResultJSON       datatypes.JSON `gorm:"type:jsonb;column:result_json" json:"result_json,omitempty"`
	Error            string         `gorm:"column:error;type:text" json:"error,omitempty"`
	CreatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (InitExecution) TableName() string { return "init_execution" }
