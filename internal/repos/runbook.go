package repos

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type RunbookRepo interface {
	Create(ctx context.Context, tx *gorm.DB, rb *types.Runbook) (*types.Runbook, error)
	GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Runbook, error)
	GetActive(ctx context.Context, tx *gorm.DB, name string) (*types.Runbook, error)
	GetByNameVersion(ctx context.Context, tx *gorm.DB, name string, version int) (*types.Runbook, error)
	ListActive(ctx context.Context, tx *gorm.DB) ([]*types.Runbook, error)
	ListVersions(ctx context.Context, tx *gorm.DB, name string) ([]*types.Runbook, error)
	DeactivateOthers(ctx context.Context, tx *gorm.DB, name string, keepID int64) error
	MarkIgnoreOverdueApplied(ctx context.Context, tx *gorm.DB, id int64) error
}

type runbookRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunbookRepo(db *gorm.DB, baseLog *logger.Logger) RunbookRepo {
	return &runbookRepo{db: db, log: baseLog.With("repo", "RunbookRepo")}
}

func (r *runbookRepo) Create(ctx context.Context, tx *gorm.DB, rb *types.Runbook) (*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if err := transaction.WithContext(ctx).Create(rb).Error; err != nil {
		return nil, err
	}
	return rb, nil
}

func (r *runbookRepo) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rb types.Runbook
	err := transaction.WithContext(ctx).Where("id = ?", id).Limit(1).Find(&rb).Error
	if err != nil {
		return nil, err
	}
	if rb.ID == 0 {
		return nil, nil
	}
	return &rb, nil
}

func (r *runbookRepo) GetActive(ctx context.Context, tx *gorm.DB, name string) (*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rb types.Runbook
	err := transaction.WithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		Order("version DESC").
		Limit(1).
		Find(&rb).Error
	if err != nil {
		return nil, err
	}
	if rb.ID == 0 {
		return nil, nil
	}
	return &rb, nil
}

func (r *runbookRepo) GetByNameVersion(ctx context.Context, tx *gorm.DB, name string, version int) (*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var rb types.Runbook
	err := transaction.WithContext(ctx).
		Where("name = ? AND version = ?", name, version).
		Limit(1).
		Find(&rb).Error
	if err != nil {
		return nil, err
	}
	if rb.ID == 0 {
		return nil, nil
	}
	return &rb, nil
}

func (r *runbookRepo) ListActive(ctx context.Context, tx *gorm.DB) ([]*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Runbook
	if err := transaction.WithContext(ctx).
		Where("active = ?", true).
		Order("name ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runbookRepo) ListVersions(ctx context.Context, tx *gorm.DB, name string) ([]*types.Runbook, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Runbook
	if err := transaction.WithContext(ctx).
		Where("name = ?", name).
		Order("version DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *runbookRepo) DeactivateOthers(ctx context.Context, tx *gorm.DB, name string, keepID int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.Runbook{}).
		Where("name = ? AND id <> ? AND active = ?", name, keepID, true).
		Updates(map[string]interface{}{"active": false, "updated_at": time.Now()}).Error
}

func (r *runbookRepo) MarkIgnoreOverdueApplied(ctx context.Context, tx *gorm.DB, id int64) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Model(&types.Runbook{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"ignore_overdue_applied": true, "updated_at": time.Now()}).Error
}
