package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/types"
)

type AutomationSettingRepo interface {
	Get(ctx context.Context, tx *gorm.DB, runbookName string) (*types.AutomationSetting, error)
	// IsEnabled treats a missing row as enabled.
	IsEnabled(ctx context.Context, tx *gorm.DB, runbookName string) (bool, error)
	Set(ctx context.Context, tx *gorm.DB, runbookName string, enabled bool) error
}

type automationSettingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAutomationSettingRepo(db *gorm.DB, baseLog *logger.Logger) AutomationSettingRepo {
	return &automationSettingRepo{db: db, log: baseLog.With("repo", "AutomationSettingRepo")}
}

func (r *automationSettingRepo) Get(ctx context.Context, tx *gorm.DB, runbookName string) (*types.AutomationSetting, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var s types.AutomationSetting
	err := transaction.WithContext(ctx).Where("runbook_name = ?", runbookName).Limit(1).Find(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == 0 {
		return nil, nil
	}
	return &s, nil
}

func (r *automationSettingRepo) IsEnabled(ctx context.Context, tx *gorm.DB, runbookName string) (bool, error) {
	s, err := r.Get(ctx, tx, runbookName)
	if err != nil {
		return false, err
	}
	if s == nil {
		return true, nil
	}
	return s.Enabled, nil
}

func (r *automationSettingRepo) Set(ctx context.Context, tx *gorm.DB, runbookName string, enabled bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now()
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "runbook_name"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"enabled": enabled, "updated_at": now}),
		}).
		Create(&types.AutomationSetting{RunbookName: runbookName, Enabled: enabled, UpdatedAt: now}).Error
}
