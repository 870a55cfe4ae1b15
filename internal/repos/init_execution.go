package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type InitExecutionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, inits []*types.InitExecution) ([]*types.InitExecution, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.InitExecution, error)
	GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.InitExecution, error)
	ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.InitExecution, error)
	ListByBatchVersion(ctx context.Context, tx *gorm.DB, batchID int64, version int) ([]*types.InitExecution, error)
	ListPolling(ctx context.Context, tx *gorm.DB) ([]*types.InitExecution, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error
}

type initExecutionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInitExecutionRepo(db *gorm.DB, baseLog *logger.Logger) InitExecutionRepo {
	return &initExecutionRepo{db: db, log: baseLog.With("repo", "InitExecutionRepo")}
}

func (r *initExecutionRepo) Create(ctx context.Context, tx *gorm.DB, inits []*types.InitExecution) ([]*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(inits) == 0 {
		return []*types.InitExecution{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&inits).Error; err != nil {
		return nil, err
	}
	return inits, nil
}

func (r *initExecutionRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var e types.InitExecution
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&e).Error
	if err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *initExecutionRepo) GetByJobID(ctx context.Context, tx *gorm.DB, jobID uuid.UUID) (*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if jobID == uuid.Nil {
		return nil, nil
	}
	var e types.InitExecution
	err := transaction.WithContext(ctx).Where("last_job_id = ?", jobID).Limit(1).Find(&e).Error
	if err != nil {
		return nil, err
	}
	if e.ID == 0 {
		return nil, nil
	}
	return &e, nil
}

func (r *initExecutionRepo) ListByBatch(ctx context.Context, tx *gorm.DB, batchID int64) ([]*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.InitExecution
	if err := transaction.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("runbook_version ASC, step_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *initExecutionRepo) ListByBatchVersion(ctx context.Context, tx *gorm.DB, batchID int64, version int) ([]*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.InitExecution
	if err := transaction.WithContext(ctx).
		Where("batch_id = ? AND runbook_version = ?", batchID, version).
		Order("step_index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *initExecutionRepo) ListPolling(ctx context.Context, tx *gorm.DB) ([]*types.InitExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.InitExecution
	if err := transaction.WithContext(ctx).
		Where("status = ?", types.ExecStatusPolling).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *initExecutionRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).Model(&types.InitExecution{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *initExecutionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id int64, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	updates["updated_at"] = time.Now()
	return transaction.WithContext(ctx).Model(&types.InitExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}
