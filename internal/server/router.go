package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/waypointops/cutoverd/internal/handlers"
	"github.com/waypointops/cutoverd/internal/middleware"
)

type RouterConfig struct {
	AuthHandler    *handlers.AuthHandler
	AuthMiddleware *middleware.AuthMiddleware
	RunbookHandler *handlers.RunbookHandler
	BatchHandler   *handlers.BatchHandler
	AllowOrigins   []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("cutoverd"))

	// Cors
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/api/token", cfg.AuthHandler.IssueToken)

	// ===============
	// || Protected ||
	// ===============
	// Reads admit any valid token.
	protected := router.Group("/api")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	protected.GET("/runbooks", cfg.RunbookHandler.ListActive)
	protected.GET("/runbooks/:name", cfg.RunbookHandler.GetActive)
	protected.GET("/runbooks/:name/versions", cfg.RunbookHandler.ListVersions)
	protected.GET("/runbooks/:name/automation", cfg.RunbookHandler.GetAutomation)
	protected.GET("/runbooks/:name/members-template", cfg.RunbookHandler.CSVTemplate)
	protected.GET("/batches", cfg.BatchHandler.List)
	protected.GET("/batches/:id", cfg.BatchHandler.Get)
	protected.GET("/batches/:id/members", cfg.BatchHandler.ListMembers)

	// Writes require the admin role.
	admin := protected.Group("/")
	admin.Use(cfg.AuthMiddleware.RequireAdmin())
	admin.POST("/runbooks", cfg.RunbookHandler.Publish)
	admin.PUT("/runbooks/:name/automation", cfg.RunbookHandler.SetAutomation)
	admin.POST("/batches", cfg.BatchHandler.Create)
	admin.POST("/batches/:id/advance", cfg.BatchHandler.Advance)
	admin.POST("/batches/:id/cancel", cfg.BatchHandler.Cancel)
	admin.POST("/batches/:id/members", cfg.BatchHandler.IngestMembers)
	admin.DELETE("/batches/:id/members/:memberKey", cfg.BatchHandler.RemoveMember)

	return router
}
