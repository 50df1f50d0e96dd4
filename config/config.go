package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	AWS       AWSConfig
	Analytics AnalyticsConfig
	Worker    WorkerConfig
	Widget    WidgetConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated dashboard origins; the public widget API allows any origin
	AutoMigrate        bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// AWSConfig holds AWS credentials and the exports bucket.
type AWSConfig struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	ExportsBucket        string
	PresignExpireMinutes int
}

// AnalyticsConfig controls how sessions are counted and reported.
type AnalyticsConfig struct {
	CounterMode             string // increment | derive
	CountSkippedAsCompleted bool
	SummaryDays             int
	StaleAfter              time.Duration // 0 disables the sweep
}

// WorkerConfig holds background job settings.
type WorkerConfig struct {
	SweepCron string
}

// WidgetConfig holds defaults for the embeddable player.
type WidgetConfig struct {
	APIURL           string
	RetryMaxElapsed  time.Duration
	BackNavigation   string // silent | viewed | resume
	CompletionScreen bool
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Origins splits the CORS origin list.
func (c ServerConfig) Origins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),
			AutoMigrate:        getEnvBool("AUTO_MIGRATE", true),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "onboardx"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		AWS: AWSConfig{
			Region:               getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:          getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:      getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ExportsBucket:        getEnv("AWS_S3_EXPORTS_BUCKET", "onboardx-exports"),
			PresignExpireMinutes: getEnvInt("AWS_PRESIGN_EXPIRE_MINUTES", 15),
		},
		Analytics: AnalyticsConfig{
			CounterMode:             getEnv("ANALYTICS_COUNTER_MODE", "increment"),
			CountSkippedAsCompleted: getEnvBool("ANALYTICS_COUNT_SKIPPED_AS_COMPLETED", true),
			SummaryDays:             getEnvInt("ANALYTICS_SUMMARY_DAYS", 7),
		},
		Worker: WorkerConfig{
			SweepCron: getEnv("WORKER_SWEEP_CRON", "@every 15m"),
		},
		Widget: WidgetConfig{
			APIURL:           getEnv("WIDGET_API_URL", "http://localhost:8080"),
			BackNavigation:   getEnv("WIDGET_BACK_NAVIGATION", "resume"),
			CompletionScreen: getEnvBool("WIDGET_COMPLETION_SCREEN", true),
		},
	}

	var err error
	if cfg.Analytics.StaleAfter, err = getEnvDuration("ANALYTICS_STALE_AFTER", 24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Widget.RetryMaxElapsed, err = getEnvDuration("WIDGET_RETRY_MAX_ELAPSED", 2*time.Minute); err != nil {
		return nil, err
	}
	switch cfg.Analytics.CounterMode {
	case "increment", "derive":
	default:
		return nil, fmt.Errorf("ANALYTICS_COUNTER_MODE must be increment or derive, got %q", cfg.Analytics.CounterMode)
	}
	if cfg.Analytics.SummaryDays < 1 || cfg.Analytics.SummaryDays > 365 {
		return nil, fmt.Errorf("ANALYTICS_SUMMARY_DAYS must be in 1..365, got %d", cfg.Analytics.SummaryDays)
	}
	return cfg, nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90m") and "0" to disable.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
