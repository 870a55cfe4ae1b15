package app

import (
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/datasource"
	"github.com/waypointops/cutoverd/internal/dispatch"
	"github.com/waypointops/cutoverd/internal/dyntable"
	"github.com/waypointops/cutoverd/internal/lease"
	"github.com/waypointops/cutoverd/internal/orchestrator"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/scheduler"
	"github.com/waypointops/cutoverd/internal/services"
)

type Services struct {
	Auth    services.AuthService
	Runbook services.RunbookService
	Batch   services.BatchService

	Bus          bus.Bus
	Dispatcher   *dispatch.Dispatcher
	Scheduler    *scheduler.Scheduler
	Orchestrator *orchestrator.Orchestrator
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, rdb *redis.Client, r Repos) Services {
	log.Info("Wiring services...")

	b := bus.NewRedisBus(log, rdb)
	dispatcher := dispatch.NewDispatcher(log, b)
	leases := lease.NewManager(log, rdb, cfg.LeaseTTL)
	tables := dyntable.NewManager(db, log)
	source := datasource.NewRegistry(
		datasource.NewWarehouseSource(log, cfg.WarehouseConnections),
		datasource.NewODataSource(log, cfg.BusinessConnections),
	)

	sched := scheduler.New(log, scheduler.Deps{
		DB:         db,
		Runbooks:   r.Runbook,
		Settings:   r.AutomationSetting,
		Batches:    r.Batch,
		Members:    r.BatchMember,
		Phases:     r.PhaseExecution,
		Steps:      r.StepExecution,
		Inits:      r.InitExecution,
		Tables:     tables,
		Source:     source,
		Dispatcher: dispatcher,
		Leases:     leases,
		Interval:   cfg.SchedulerInterval,
	})

	orch := orchestrator.New(log, orchestrator.Deps{
		DB:         db,
		Runbooks:   r.Runbook,
		Batches:    r.Batch,
		Members:    r.BatchMember,
		Phases:     r.PhaseExecution,
		Steps:      r.StepExecution,
		Inits:      r.InitExecution,
		Dispatcher: dispatcher,
	})

	return Services{
		Auth:    services.NewAuthService(log, cfg.JWTSecretKey, cfg.TokenTTL),
		Runbook: services.NewRunbookService(db, log, r.Runbook, r.AutomationSetting),
		Batch: services.NewBatchService(
			db, log,
			r.Runbook, r.Batch, r.BatchMember,
			r.PhaseExecution, r.StepExecution, r.InitExecution,
			dispatcher,
		),
		Bus:          b,
		Dispatcher:   dispatcher,
		Scheduler:    sched,
		Orchestrator: orch,
	}
}
