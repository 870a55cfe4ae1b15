package app

import (
	"github.com/waypointops/cutoverd/internal/handlers"
	"github.com/waypointops/cutoverd/internal/platform/logger"
)

type Handlers struct {
	Auth    *handlers.AuthHandler
	Runbook *handlers.RunbookHandler
	Batch   *handlers.BatchHandler
}

func wireHandlers(log *logger.Logger, cfg Config, s Services) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Auth:    handlers.NewAuthHandler(log, s.Auth, cfg.AdminAPIKey, cfg.ReaderAPIKey),
		Runbook: handlers.NewRunbookHandler(log, s.Runbook, s.Batch),
		Batch:   handlers.NewBatchHandler(log, s.Batch),
	}
}
