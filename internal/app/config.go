package app

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/waypointops/cutoverd/internal/datasource"
	"github.com/waypointops/cutoverd/internal/platform/logger"
	"github.com/waypointops/cutoverd/internal/utils"
)

type Config struct {
	HTTPAddr     string
	AllowOrigins []string

	JWTSecretKey string
	TokenTTL     time.Duration
	AdminAPIKey  string
	ReaderAPIKey string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SchedulerInterval time.Duration
	LeaseTTL          time.Duration

	Environment string
	Version     string

	// JSON maps of connection name -> {base_url, token}, one per data-source
	// family. Runbook documents reference connections by name.
	WarehouseConnections map[string]datasource.ConnectionConfig
	BusinessConnections  map[string]datasource.ConnectionConfig
}

func LoadConfig(log *logger.Logger) Config {
	return Config{
		HTTPAddr:     utils.GetEnv("HTTP_ADDR", ":8080", log),
		AllowOrigins: splitCSV(utils.GetEnv("CORS_ALLOW_ORIGINS", "http://localhost:3000", log)),

		JWTSecretKey: utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log),
		TokenTTL:     time.Duration(utils.GetEnvAsInt("TOKEN_TTL", 3600, log)) * time.Second,
		AdminAPIKey:  utils.GetEnv("ADMIN_API_KEY", "", log),
		ReaderAPIKey: utils.GetEnv("READER_API_KEY", "", log),

		RedisAddr:     utils.GetEnv("REDIS_ADDR", "localhost:6379", log),
		RedisPassword: utils.GetEnv("REDIS_PASSWORD", "", log),
		RedisDB:       utils.GetEnvAsInt("REDIS_DB", 0, log),

		SchedulerInterval: time.Duration(utils.GetEnvAsInt("SCHEDULER_INTERVAL_SECONDS", 60, log)) * time.Second,
		LeaseTTL:          time.Duration(utils.GetEnvAsInt("LEASE_TTL_SECONDS", 30, log)) * time.Second,

		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),

		WarehouseConnections: parseConnections(log, utils.GetEnv("WAREHOUSE_CONNECTIONS", "", log)),
		BusinessConnections:  parseConnections(log, utils.GetEnv("BUSINESS_CONNECTIONS", "", log)),
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseConnections(log *logger.Logger, raw string) map[string]datasource.ConnectionConfig {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var wire map[string]struct {
		BaseURL string `json:"base_url"`
		Token   string `json:"token"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		log.Warn("Failed to parse connection map, ignoring", "error", err)
		return nil
	}
	out := make(map[string]datasource.ConnectionConfig, len(wire))
	for name, c := range wire {
		out[name] = datasource.ConnectionConfig{BaseURL: c.BaseURL, Token: c.Token}
	}
	return out
}
