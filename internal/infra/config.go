package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv         string
	Port           string
	DatabaseURL    string
	StoragePath    string
	StorageBaseURL string
	GeoIPDBPath    string

	SunoAPIKey      string
	SunoBaseURL     string
	SunoModel       string
	SunoCallbackURL string
	WebhookSecret   string

	MuxTokenID     string
	MuxTokenSecret string
	MuxBaseURL     string

	DuplicateWindow  time.Duration
	MaxArtifactBytes int64
	RemoteTimeout    time.Duration

	SweepInterval time.Duration
	StaleAfter    time.Duration
	StuckAfter    time.Duration

	TranscodeInterval    time.Duration
	TranscodeMaxAttempts int
	TranscodeRetention   time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", fmt.Sprintf("http://localhost:%s/static", port)),
		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),

		SunoAPIKey:      os.Getenv("SUNO_API_KEY"),
		SunoBaseURL:     getEnv("SUNO_BASE_URL", "https://studio-api.suno.ai/api/v1"),
		SunoModel:       getEnv("SUNO_MODEL", "chirp-v4"),
		SunoCallbackURL: os.Getenv("SUNO_CALLBACK_URL"),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),

		MuxTokenID:     os.Getenv("MUX_TOKEN_ID"),
		MuxTokenSecret: os.Getenv("MUX_TOKEN_SECRET"),
		MuxBaseURL:     getEnv("MUX_BASE_URL", "https://api.mux.com"),

		DuplicateWindow:  time.Second * time.Duration(getEnvInt("DUPLICATE_WINDOW_SECONDS", 10)),
		MaxArtifactBytes: int64(getEnvInt("MAX_ARTIFACT_MB", 64)) * 1024 * 1024,
		RemoteTimeout:    time.Second * time.Duration(getEnvInt("REMOTE_TIMEOUT_SECONDS", 30)),

		SweepInterval: time.Second * time.Duration(getEnvInt("SWEEP_INTERVAL_SECONDS", 30)),
		StaleAfter:    time.Second * time.Duration(getEnvInt("STALE_AFTER_SECONDS", 60)),
		StuckAfter:    time.Minute * time.Duration(getEnvInt("STUCK_AFTER_MINUTES", 30)),

		TranscodeInterval:    time.Second * time.Duration(getEnvInt("TRANSCODE_INTERVAL_SECONDS", 10)),
		TranscodeMaxAttempts: getEnvInt("TRANSCODE_MAX_ATTEMPTS", 5),
		TranscodeRetention:   time.Minute * time.Duration(getEnvInt("TRANSCODE_RETENTION_MINUTES", 10)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 60)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SunoAPIKey == "" {
		return nil, fmt.Errorf("SUNO_API_KEY is required")
	}

	return cfg, nil
}

// MuxConfigured reports whether the transcode provider credentials are set.
func (c *Config) MuxConfigured() bool {
	return strings.TrimSpace(c.MuxTokenID) != "" && strings.TrimSpace(c.MuxTokenSecret) != ""
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
