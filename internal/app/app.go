package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/waypointops/cutoverd/internal/bus"
	"github.com/waypointops/cutoverd/internal/db"
	"github.com/waypointops/cutoverd/internal/observability"
	"github.com/waypointops/cutoverd/internal/platform/logger"
)

type App struct {
	Log      *logger.Logger
	DB       *gorm.DB
	Router   *gin.Engine
	Cfg      Config
	Repos    Repos
	Services Services

	pg           *db.PostgresService
	rdb          *redis.Client
	otelShutdown func(context.Context) error
	cancel       context.CancelFunc
}

func New() (*App, error) {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	log.Info("Loading environment variables...")
	cfg := LoadConfig(log)

	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "cutoverd",
		Environment: cfg.Environment,
		Version:     cfg.Version,
	})

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("init postgres: %w", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Sync()
		return nil, fmt.Errorf("postgres automigrate: %w", err)
	}
	theDB := pg.DB()

	rdb, err := newRedisClient(log, cfg)
	if err != nil {
		log.Sync()
		return nil, err
	}

	reposet := wireRepos(theDB, log)
	serviceset := wireServices(theDB, log, cfg, rdb, reposet)
	handlerset := wireHandlers(log, cfg, serviceset)
	mw := wireMiddleware(log, serviceset)
	router := wireRouter(cfg, handlerset, mw)

	return &App{
		Log:          log,
		DB:           theDB,
		Router:       router,
		Cfg:          cfg,
		Repos:        reposet,
		Services:     serviceset,
		pg:           pg,
		rdb:          rdb,
		otelShutdown: otelShutdown,
	}, nil
}

// Start launches the background loops: the scheduler tick and the bus
// consumers feeding the orchestrator. Subscribe blocks until the context is
// cancelled, so each consumer gets its own goroutine.
func (a *App) Start() {
	if a == nil || a.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	consumer, _ := os.Hostname()
	if consumer == "" {
		consumer = "cutoverd"
	}

	go a.Services.Scheduler.Run(ctx)

	go func() {
		err := a.Services.Bus.Subscribe(ctx, bus.TopicEvents, "orchestrator", consumer, nil, a.Services.Orchestrator.HandleEvent)
		if err != nil && ctx.Err() == nil {
			a.Log.Error("event subscription exited", "error", err)
		}
	}()
	go func() {
		err := a.Services.Bus.Subscribe(ctx, bus.TopicResults, "orchestrator", consumer, nil, a.Services.Orchestrator.HandleResult)
		if err != nil && ctx.Err() == nil {
			a.Log.Error("result subscription exited", "error", err)
		}
	}()
}

func (a *App) Run(addr string) error {
	if a == nil || a.Router == nil {
		return fmt.Errorf("app not initialized")
	}
	return a.Router.Run(addr)
}

func (a *App) Close() {
	if a == nil {
		return
	}
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.Services.Bus != nil {
		a.Services.Bus.Close()
	}
	if a.rdb != nil {
		a.rdb.Close()
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.otelShutdown(ctx)
		cancel()
	}
	if a.Log != nil {
		a.Log.Sync()
	}
}
