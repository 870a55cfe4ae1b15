package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type PhaseExecutionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, phases []*types.PhaseExecution) ([]*types.PhaseExecution, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.PhaseExecution, error)
	ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.PhaseExecution, error)
	// ListDue finds pending phases whose due time has passed, across all
	// batches, ordered so earlier offsets of the same batch go first.
	ListDue(ctx context.Context, tx *gorm.DB, now time.Time) ([]*types.PhaseExecution, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
	Supersede(ctx context.Context, tx *gorm.DB, ids []int64) error
}

type phaseExecutionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPhaseExecutionRepo(db *gorm.DB, baseLog *logger.Logger) PhaseExecutionRepo {
	return &phaseExecutionRepo{db: db, log: baseLog.With("repo", "PhaseExecutionRepo")}
}

func (r *phaseExecutionRepo) Create(ctx context.Context, tx *gorm.DB, phases []*types.PhaseExecution) ([]*types.PhaseExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(phases) == 0 {
		return []*types.PhaseExecution{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&phases).Error; err != nil {
		return nil, err
	}
	return phases, nil
}

func (r *phaseExecutionRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.PhaseExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var p types.PhaseExecution
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&p).Error
	if err != nil {
		return nil, err
	}
	if p.ID == 0 {
		return nil, nil
	}
	return &p, nil
}

func (r *phaseExecutionRepo) ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.PhaseExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PhaseExecution
	if err := transaction.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("phase_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *phaseExecutionRepo) ListDue(ctx context.Context, tx *gorm.DB, now time.Time) ([]*types.PhaseExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.PhaseExecution
	if err := transaction.WithContext(ctx).
		Where("status = ? AND due_at <= ?", types.PhaseStatusPending, now).
		Order("batch_id ASC, phase_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *phaseExecutionRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).Model(&types.PhaseExecution{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *phaseExecutionRepo) Supersede(ctx context.Context, tx *gorm.DB, ids []int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(ids) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).Model(&types.PhaseExecution{}).
		Where("id IN ? AND status = ?", ids, types.PhaseStatusPending).
		Updates(map[string]interface{}{"status": types.PhaseStatusSuperseded, "updated_at": time.Now()}).Error
}
