package app

import (
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/repos"
)

type Repos struct {
	Runbook           repos.RunbookRepo
	AutomationSetting repos.AutomationSettingRepo
	Batch             repos.BatchRepo
	BatchMember       repos.BatchMemberRepo
	PhaseExecution    repos.PhaseExecutionRepo
	StepExecution     repos.StepExecutionRepo
	InitExecution     repos.InitExecutionRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Runbook:           repos.NewRunbookRepo(db, log),
		AutomationSetting: repos.NewAutomationSettingRepo(db, log),
		Batch:             repos.NewBatchRepo(db, log),
		BatchMember:       repos.NewBatchMemberRepo(db, log),
		PhaseExecution:    repos.NewPhaseExecutionRepo(db, log),
		StepExecution:     repos.NewStepExecutionRepo(db, log),
		InitExecution:     repos.NewInitExecutionRepo(db, log),
	}
}
