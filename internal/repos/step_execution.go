package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type StepExecutionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, steps []*types.StepExecution) ([]*types.StepExecution, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.StepExecution, error)
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.StepExecution, error)
	ListByPhase(ctx context.Context, tx *gorm.DB, phaseExecutionID int64) ([]*types.StepExecution, error)
	ListByPhaseAndIndex(ctx context.Context, tx *gorm.DB, phaseExecutionID int64, stepIndex int) ([]*types.StepExecution, error)
	ListByMember(ctx context.Context, tx *gorm.DB, batchMemberID int64) ([]*types.StepExecution, error)
	ListPolling(ctx context.Context, tx *gorm.DB) ([]*types.StepExecution, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
	// CancelForMember cancels a member's steps that are still in one of the
	// given statuses. Failure handling cancels pending only and scopes to the
	// failing phase; member removal cancels pending and dispatched across all
	// phases (phaseExecutionID 0).
	CancelForMember(ctx context.Context, tx *gorm.DB, batchMemberID, phaseExecutionID int64, fromStatuses []string) (int64, error)
}

type stepExecutionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepExecutionRepo(db *gorm.DB, baseLog *logger.Logger) StepExecutionRepo {
	return &stepExecutionRepo{db: db, log: baseLog.With("repo", "StepExecutionRepo")}
}

func (r *stepExecutionRepo) Create(ctx context.Context, tx *gorm.DB, steps []*types.StepExecution) ([]*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(steps) == 0 {
		return []*types.StepExecution{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepExecutionRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.StepExecution
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *stepExecutionRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	var s types.StepExecution
	err := transaction.WithContext(ctx).Where("last_job_id = ?", jobID).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *stepExecutionRepo) ListByPhase(ctx context.Context, tx *gorm.DB, phaseExecutionID int64) ([]*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StepExecution
	if err := transaction.WithContext(ctx).
		Where("phase_execution_id = ?", phaseExecutionID).
		Order("step_index ASC, batch_member_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepExecutionRepo) ListByPhaseAndIndex(ctx context.Context, tx *gorm.DB, phaseExecutionID int64, stepIndex int) ([]*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StepExecution
	if err := transaction.WithContext(ctx).
		Where("phase_execution_id = ? AND step_index = ?", phaseExecutionID, stepIndex).
		Order("batch_member_id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepExecutionRepo) ListByMember(ctx context.Context, tx *gorm.DB, batchMemberID int64) ([]*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StepExecution
	if err := transaction.WithContext(ctx).
		Where("batch_member_id = ?", batchMemberID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepExecutionRepo) ListPolling(ctx context.Context, tx *gorm.DB) ([]*types.StepExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.StepExecution
	if err := transaction.WithContext(ctx).
		Where("status = ?", types.ExecStatusPolling).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepExecutionRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).Model(&types.StepExecution{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *stepExecutionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(ctx).Model(&types.StepExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *stepExecutionRepo) CancelForMember(ctx context.Context, tx *gorm.DB, batchMemberID, phaseExecutionID int64, fromStatuses []string) (int64, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(fromStatuses) == 0 {
		fromStatuses = []string{types.ExecStatusPending}
	}
	q := transaction.WithContext(ctx).Model(&types.StepExecution{}).
		Where("batch_member_id = ? AND status IN ?", batchMemberID, fromStatuses)
	if phaseExecutionID != 0 {
		q = q.Where("phase_execution_id = ?", phaseExecutionID)
	}
	res := q.Updates(map[string]interface{}{"status": types.ExecStatusCancelled, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}
