package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// upstreamQuota is the documented per-second request quota of the upstream API.
const upstreamQuota = 10

// Config holds all configuration for the bridge service
type Config struct {
	// Database
	DatabasePath  string `validate:"required_without=DatabaseURL"`
	DatabaseURL   string
	RetentionDays int `validate:"min=1"`

	// Agency and static schedule
	AgencyID          string `validate:"required"`
	AgencyTimezone    string `validate:"required,timezone"`
	Location          *time.Location
	GTFSPath          string `validate:"required"`
	GTFSURL           string `validate:"omitempty,url"`
	StaticRefreshDays int    `validate:"min=1"`

	// Upstream API
	UpstreamAPIURL    string  `validate:"required,url"`
	UpstreamAPIKey    string
	BusAlertsURL      string  `validate:"required,url"`
	RailAlertsURL     string  `validate:"required,url"`
	UpstreamRateLimit float64 `validate:"gt=0"`
	UpstreamTimeout   time.Duration

	// Polling
	VehiclePollInterval time.Duration `validate:"gt=0"`
	AlertPollInterval   time.Duration `validate:"gt=0"`

	// Identity resolution
	TripMatchScoreThreshold float64 `validate:"gte=0"`
	TripResolverWorkers     int     `validate:"min=1,max=64"`
	DeviationSign           int     `validate:"oneof=-1 1"`
	RouteBlacklist          []string
	RouteStaticOverrides    map[string]string
	RailRoutes              []string
	RouteRulesFile          string

	// HTTP
	Port           string `validate:"required,numeric"`
	AllowedOrigins []string

	// NATS (optional)
	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`
}

// Load reads configuration from .env files, environment variables and the
// optional route rules file, then validates the result.
func Load() (*Config, error) {
	// Base .env first, then .env.local overrides for local development
	_ = godotenv.Load(".env")
	_ = godotenv.Overload(".env.local")

	cfg := &Config{
		// Database
		DatabasePath:  getEnv("SQLITE_DATABASE", "/data/bridge.db"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		RetentionDays: getEnvInt("RETENTION_DAYS", 3),

		// Agency and static schedule
		AgencyID:          getEnv("AGENCY_ID", "1"),
		AgencyTimezone:    getEnv("AGENCY_TIMEZONE", "America/New_York"),
		GTFSPath:          getEnv("GTFS_PATH", "/data/gtfs/google_transit.zip"),
		GTFSURL:           getEnv("GTFS_URL", ""),
		StaticRefreshDays: getEnvInt("STATIC_REFRESH_DAYS", 7),

		// Upstream API
		UpstreamAPIURL:    getEnv("UPSTREAM_API_URL", "https://api.wmata.com"),
		UpstreamAPIKey:    getEnv("UPSTREAM_API_KEY", ""),
		BusAlertsURL:      getEnv("BUS_ALERTS_URL", "https://www.metroalerts.info/rss.aspx?bus"),
		RailAlertsURL:     getEnv("RAIL_ALERTS_URL", "https://www.metroalerts.info/rss.aspx?rs"),
		UpstreamRateLimit: getEnvFloat("UPSTREAM_RATE_LIMIT", 9),
		UpstreamTimeout:   time.Duration(getEnvInt("UPSTREAM_TIMEOUT", 15)) * time.Second,

		// Polling
		VehiclePollInterval: time.Duration(getEnvInt("VEHICLE_POLL_INTERVAL", 30)) * time.Second,
		AlertPollInterval:   time.Duration(getEnvInt("ALERT_POLL_INTERVAL", 60)) * time.Second,

		// Identity resolution
		TripMatchScoreThreshold: getEnvFloat("TRIP_MATCH_SCORE_THRESHOLD", 1500),
		TripResolverWorkers:     getEnvInt("TRIP_RESOLVER_WORKERS", 4),
		DeviationSign:           getEnvInt("DEVIATION_SIGN", -1),
		RouteBlacklist:          getEnvList("ROUTE_BLACKLIST", nil),
		RouteStaticOverrides:    getEnvMap("ROUTE_OVERRIDES"),
		RailRoutes:              getEnvList("RAIL_ROUTES", []string{"RED", "ORANGE", "YELLOW", "GREEN", "BLUE", "SILVER"}),
		RouteRulesFile:          getEnv("ROUTE_RULES_FILE", ""),

		// HTTP
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		// NATS
		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "gtfsrt"),
	}

	if cfg.RouteRulesFile != "" {
		rules, err := LoadRules(cfg.RouteRulesFile)
		if err != nil {
			return nil, err
		}
		rules.apply(cfg)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	loc, err := time.LoadLocation(cfg.AgencyTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid AGENCY_TIMEZONE %q: %w", cfg.AgencyTimezone, err)
	}
	cfg.Location = loc

	if cfg.UpstreamRateLimit > upstreamQuota {
		log.Printf("Warning: UPSTREAM_RATE_LIMIT=%.1f exceeds the upstream quota of %d requests/s", cfg.UpstreamRateLimit, upstreamQuota)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		log.Printf("Warning: ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Warning: ignoring invalid %s=%q", key, value)
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// getEnvMap parses "A=B,C=D" pairs.
func getEnvMap(key string) map[string]string {
	out := make(map[string]string)
	for _, pair := range getEnvList(key, nil) {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			log.Printf("Warning: ignoring malformed %s entry %q", key, pair)
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}
