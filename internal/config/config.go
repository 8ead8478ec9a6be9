// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	// Debug exposes internal error detail in API responses. Never enable in production.
	Debug bool

	Port             string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	CORSOrigins      []string

	DatabaseURL  string
	DBMaxConns   int32
	RedisURL     string
	RiverWorkers int

	JWTSecret     string
	JWTIssuer     string
	WebhookSecret string
	PublicBaseURL string

	AssetDir     string
	AssetBaseURL string

	ModulesFile string
	SchemaDir   string

	ProviderBaseURL string
	ProviderAPIKey  string
	OpenAIBaseURL   string
	OpenAIAPIKey    string
	OpenAIModel     string

	SignupCredits    int
	JobRatePerMinute int
	JobRateBurst     int
	SweepInterval    time.Duration
}

// LoadEnvFile loads key=value pairs from path into the process environment.
// A missing file is not an error; existing variables are never overridden.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Debug:            getEnvBool("APP_DEBUG", false),
		Port:             port,
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "http://localhost:3000")),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       int32(getEnvInt("DB_MAX_CONNS", 20)),
		RedisURL:         os.Getenv("REDIS_URL"),
		RiverWorkers:     getEnvInt("RIVER_MAX_WORKERS", 20),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		AssetDir:         getEnv("ASSET_DIR", "data/assets"),
		ModulesFile:      os.Getenv("MODULES_FILE"),
		SchemaDir:        getEnv("SCHEMA_DIR", "schemas"),
		ProviderBaseURL:  os.Getenv("PROVIDER_BASE_URL"),
		ProviderAPIKey:   os.Getenv("PROVIDER_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		SignupCredits:    getEnvInt("SIGNUP_CREDITS", 0),
		JobRatePerMinute: getEnvInt("JOB_RATE_PER_MINUTE", 20),
		JobRateBurst:     getEnvInt("JOB_RATE_BURST", 5),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", 60*time.Second),
	}
	cfg.AssetBaseURL = strings.TrimRight(getEnv("ASSET_BASE_URL", cfg.PublicBaseURL+"/assets"), "/")

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if cfg.Production() && cfg.Debug {
		return nil, fmt.Errorf("APP_DEBUG must not be enabled when APP_ENV=production")
	}
	return cfg, nil
}

func (c *Config) Production() bool { return c.AppEnv == "production" }

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

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
