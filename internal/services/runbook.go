package services

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
	"github.com/waypointops/cutoverd/internal/runbook"
	"github.com/waypointops/cutoverd/internal/types"
)

// RunbookService owns the publish/activate lifecycle of runbook versions.
type RunbookService interface {
	// Publish validates the document and activates it as the next version of
	// its runbook, deactivating any prior version.
	Publish(ctx context.Context, doc string, overdueBehavior string, rerunInit bool) (*types.Runbook, error)
	GetActive(ctx context.Context, name string) (*types.Runbook, error)
	ListActive(ctx context.Context) ([]*types.Runbook, error)
	ListVersions(ctx context.Context, name string) ([]*types.Runbook, error)
	SetAutomation(ctx context.Context, name string, enabled bool) error
	GetAutomation(ctx context.Context, name string) (bool, error)
}

type runbookService struct {
	db       *gorm.DB
	log      *logger.Logger
	runbooks repos.RunbookRepo
	settings repos.AutomationSettingRepo
}

func NewRunbookService(db *gorm.DB, log *logger.Logger, runbooks repos.RunbookRepo, settings repos.AutomationSettingRepo) RunbookService {
	return &runbookService{
		db:       db,
		log:      log.With("service", "RunbookService"),
		runbooks: runbooks,
		settings: settings,
	}
}

func (rs *runbookService) Publish(ctx context.Context, doc string, overdueBehavior string, rerunInit bool) (*types.Runbook, error) {
	spec, err := runbook.Parse(doc)
	if err != nil {
		return nil, err
	}
	switch overdueBehavior {
	case "":
		overdueBehavior = types.OverdueBehaviorCatchUp
	case types.OverdueBehaviorCatchUp, types.OverdueBehaviorIgnore:
	default:
		return nil, fmt.Errorf("unknown overdue behavior %q", overdueBehavior)
	}

	var created *types.Runbook
	err = rs.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		versions, err := rs.runbooks.ListVersions(ctx, tx, spec.Name)
		if err != nil {
			return err
		}
		next := 1
		if len(versions) > 0 {
			next = versions[0].Version + 1
		}
		created, err = rs.runbooks.Create(ctx, tx, &types.Runbook{
			Name:            spec.Name,
			Version:         next,
			SpecText:        doc,
			Active:          true,
			DataTableName:   runbook.DataTableName(spec.Name, next),
			OverdueBehavior: overdueBehavior,
			RerunInit:       rerunInit,
		})
		if err != nil {
			return fmt.Errorf("create runbook version: %w", err)
		}
		return rs.runbooks.DeactivateOthers(ctx, tx, spec.Name, created.ID)
	})
	if err != nil {
		return nil, err
	}
	rs.log.Info("runbook version published", "runbook", created.Name, "version", created.Version, "overdue_behavior", overdueBehavior)
	return created, nil
}

func (rs *runbookService) GetActive(ctx context.Context, name string) (*types.Runbook, error) {
	return rs.runbooks.GetActive(ctx, nil, name)
}

func (rs *runbookService) ListActive(ctx context.Context) ([]*types.Runbook, error) {
	return rs.runbooks.ListActive(ctx, nil)
}

func (rs *runbookService) ListVersions(ctx context.Context, name string) ([]*types.Runbook, error) {
	return rs.runbooks.ListVersions(ctx, nil, name)
}

func (rs *runbookService) SetAutomation(ctx context.Context, name string, enabled bool) error {
	rb, err := rs.runbooks.GetActive(ctx, nil, name)
	if err != nil {
		return err
	}
	if rb == nil {
		return fmt.Errorf("runbook %q not found", name)
	}
	rs.log.Info("automation setting changed", "runbook", name, "enabled", enabled)
	return rs.settings.Set(ctx, nil, name, enabled)
}

func (rs *runbookService) GetAutomation(ctx context.Context, name string) (bool, error) {
	return rs.settings.IsEnabled(ctx, nil, name)
}
