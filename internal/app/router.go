package app

import (
	"github.com/gin-gonic/gin"

	"github.com/waypointops/cutoverd/internal/server"
)

func wireRouter(cfg Config, h Handlers, mw Middleware) *gin.Engine {
	return server.NewRouter(server.RouterConfig{
		AuthHandler:    h.Auth,
		AuthMiddleware: mw.Auth,
		RunbookHandler: h.Runbook,
		BatchHandler:   h.Batch,
		AllowOrigins:   cfg.AllowOrigins,
	})
}
