package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageMemory   = "memory"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
	StorageRedis    = "redis"

	TokenModeStatic = "static"
	TokenModeJWT    = "jwt"
)

type Config struct {
	AppName   string
	APIPort   string
	LogLevel  string
	LogFormat string

	StorageBackend string
	SQLitePath     string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TokenMode    string
	JWTKey       []byte
	DemoUsername string
	DemoPassword string

	SessionStaleTime   time.Duration
	SessionGCTime      time.Duration
	CacheSweepInterval time.Duration
	CallTimeout        time.Duration
	SimulatedLatency   time.Duration
}

// Load reads the environment, after merging a .env file when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		AppName:   getEnv("APP_NAME", "authgate"),
		APIPort:   getEnv("API_PORT", "8080"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", StorageSQLite)),
		SQLitePath:     getEnv("SQLITE_PATH", "authgate.db"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "user"),
		DBPassword: getEnv("DB_PASSWORD", "password"),
		DBName:     getEnv("DB_NAME", "authgate"),
		DBSslMode:  getEnv("DB_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		TokenMode:    strings.ToLower(getEnv("TOKEN_MODE", TokenModeStatic)),
		JWTKey:       []byte(getEnv("JWT_SECRET", "")),
		DemoUsername: getEnv("DEMO_USERNAME", "user"),
		DemoPassword: getEnv("DEMO_PASSWORD", "pass"),

		SessionStaleTime:   getEnvAsDuration("SESSION_STALE_TIME", 8*time.Hour),
		SessionGCTime:      getEnvAsDuration("SESSION_GC_TIME", 10*time.Hour),
		CacheSweepInterval: getEnvAsDuration("CACHE_SWEEP_INTERVAL", time.Minute),
		CallTimeout:        getEnvAsDuration("CALL_TIMEOUT", 10*time.Second),
		SimulatedLatency:   getEnvAsDuration("SIMULATED_LATENCY", 0),
	}

	cfg.DBConnStr = "host=" + cfg.DBHost +
		" port=" + cfg.DBPort +
		" user=" + cfg.DBUser +
		" password=" + cfg.DBPassword +
		" dbname=" + cfg.DBName +
		" sslmode=" + cfg.DBSslMode

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks option combinations that can't work at runtime.
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory, StoragePostgres, StorageRedis:
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.TokenMode {
	case TokenModeStatic:
	case TokenModeJWT:
		if len(c.JWTKey) == 0 {
			return fmt.Errorf("JWT_SECRET is required when TOKEN_MODE=jwt")
		}
	default:
		return fmt.Errorf("unknown TOKEN_MODE %q", c.TokenMode)
	}

	if c.DemoUsername == "" || c.DemoPassword == "" {
		return fmt.Errorf("DEMO_USERNAME and DEMO_PASSWORD must not be empty")
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("CALL_TIMEOUT must be positive")
	}
	// Negative windows mean "never"; see querycache.
	if c.SessionStaleTime >= 0 && c.SessionGCTime >= 0 && c.SessionGCTime < c.SessionStaleTime {
		return fmt.Errorf("SESSION_GC_TIME (%s) must not be shorter than SESSION_STALE_TIME (%s)", c.SessionGCTime, c.SessionStaleTime)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("8h", "90s") or plain seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := strings.TrimSpace(getEnv(key, ""))
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
