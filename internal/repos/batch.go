package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type BatchRepo interface {
	Create(ctx context.Context, tx *gorm.DB, b *types.Batch) (*types.Batch, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Batch, error)
	GetByKey(ctx context.Context, tx *gorm.DB, runbookName string, batchStart time.Time) (*types.Batch, error)
	ListLiveByRunbook(ctx context.Context, tx *gorm.DB, runbookName string) ([]*types.Batch, error)
	ListByRunbook(ctx context.Context, tx *gorm.DB, runbookName string, limit int) ([]*types.Batch, error)
	// UpdateStatus moves a batch between states only when it is still in the
	// expected one. Returns false when another actor got there first.
	UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error)
	SetRunbookVersion(ctx context.Context, tx *gorm.DB, id int64, version int) error
}

type batchRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBatchRepo(db *gorm.DB, baseLog *logger.Logger) BatchRepo {
	return &batchRepo{db: db, log: baseLog.With("repo", "BatchRepo")}
}

func (r *batchRepo) Create(ctx context.Context, tx *gorm.DB, b *types.Batch) (*types.Batch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(b).Error; err != nil {
		return nil, err
	}
	return b, nil
}

func (r *batchRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Batch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var b types.Batch
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *batchRepo) GetByKey(ctx context.Context, tx *gorm.DB, runbookName string, batchStart time.Time) (*types.Batch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var b types.Batch
	err := transaction.WithContext(ctx).
		Where("runbook_name = ? AND batch_start_time = ?", runbookName, batchStart).
		Limit(1).
		Find(&b).Error
	if err != nil {
		return nil, err
	}
	if b.ID == 0 {
		return nil, nil
	}
	return &b, nil
}

func (r *batchRepo) ListLiveByRunbook(ctx context.Context, tx *gorm.DB, runbookName string) ([]*types.Batch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Batch
	if err := transaction.WithContext(ctx).
		Where("runbook_name = ? AND status IN ?", runbookName, []string{
			types.BatchStatusDetected, types.BatchStatusInitDispatched, types.BatchStatusActive,
		}).
		Order("batch_start_time ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchRepo) ListByRunbook(ctx context.Context, tx *gorm.DB, runbookName string, limit int) ([]*types.Batch, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(ctx).
		Where("runbook_name = ?", runbookName).
		Order("batch_start_time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*types.Batch
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *batchRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id int64, from, to string) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).Model(&types.Batch{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *batchRepo) SetRunbookVersion(ctx context.Context, tx *gorm.DB, id int64, version int) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.Batch{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"runbook_version": version, "updated_at": time.Now()}).Error
}
