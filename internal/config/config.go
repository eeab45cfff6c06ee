package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the hyadmin server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Storage  StorageConfig
	Parse    ParseConfig
}

type ServerConfig struct {
	Port            int
	Env             string
	BaseURL         string
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// StorageConfig configures the blob store. An empty MinioEndpoint means
// images are only written to UploadDir.
type StorageConfig struct {
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool
	PresignTTL     time.Duration
	UploadDir      string
}

type ParseConfig struct {
	MaxFileBytes          int64
	MaxRequestBytes       int64
	WorkflowTimeout       time.Duration
	JobDeadline           time.Duration
	SweepInterval         time.Duration
	CallbackTokenRequired bool
	JobCacheTTL           time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is applied first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("HYADMIN_PORT", 3000),
			Env:             envString("HYADMIN_ENV", "development"),
			BaseURL:         strings.TrimRight(envString("APP_BASE_URL", "http://localhost:3000"), "/"),
			RateLimitPerMin: envInt("RATE_LIMIT_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: os.Getenv("JWT_SECRET"),
			TokenTTL:  envDuration("JWT_TTL", 7*24*time.Hour),
		},
		Storage: StorageConfig{
			MinioEndpoint:  envStringAllowEmpty("MINIO_ENDPOINT", "localhost:9000"),
			MinioAccessKey: envString("MINIO_ACCESS_KEY", "minioadmin"),
			MinioSecretKey: envString("MINIO_SECRET_KEY", "minioadmin"),
			MinioBucket:    envString("MINIO_BUCKET", "hyadmin-img"),
			MinioRegion:    envString("MINIO_REGION", "us-east-1"),
			MinioUseSSL:    envBool("MINIO_USE_SSL", false),
			PresignTTL:     envDuration("MINIO_PRESIGN_TTL", 24*time.Hour),
			UploadDir:      envString("UPLOAD_DIR", "./public/uploads"),
		},
		Parse: ParseConfig{
			MaxFileBytes:          envInt64("PARSE_MAX_FILE_BYTES", 8<<20),
			MaxRequestBytes:       envInt64("PARSE_MAX_REQUEST_BYTES", 64<<20),
			WorkflowTimeout:       envDuration("WORKFLOW_TIMEOUT", 120*time.Second),
			JobDeadline:           envDuration("PARSE_JOB_DEADLINE", 0),
			SweepInterval:         envDuration("PARSE_SWEEP_INTERVAL", time.Minute),
			CallbackTokenRequired: envBool("CALLBACK_TOKEN_REQUIRED", false),
			JobCacheTTL:           envDuration("JOB_CACHE_TTL", 10*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("JWT_TTL must be positive, got %s", c.Auth.TokenTTL)
	}

	u, err := url.Parse(c.Server.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("APP_BASE_URL must be an absolute http:// or https:// URL, got %q", c.Server.BaseURL)
	}

	if c.Server.RateLimitPerMin <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be positive, got %d", c.Server.RateLimitPerMin)
	}

	if c.Storage.MinioEndpoint != "" && c.Storage.MinioBucket == "" {
		return fmt.Errorf("MINIO_BUCKET is required when MINIO_ENDPOINT is set")
	}
	if c.Storage.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR must not be empty")
	}

	if c.Parse.MaxFileBytes <= 0 {
		return fmt.Errorf("PARSE_MAX_FILE_BYTES must be positive, got %d", c.Parse.MaxFileBytes)
	}
	if c.Parse.MaxRequestBytes < c.Parse.MaxFileBytes {
		return fmt.Errorf("PARSE_MAX_REQUEST_BYTES must be at least PARSE_MAX_FILE_BYTES")
	}
	if c.Parse.JobDeadline < 0 {
		return fmt.Errorf("PARSE_JOB_DEADLINE must not be negative, got %s", c.Parse.JobDeadline)
	}
	if c.Parse.JobDeadline > 0 && c.Parse.SweepInterval <= 0 {
		return fmt.Errorf("PARSE_SWEEP_INTERVAL must be positive when PARSE_JOB_DEADLINE is set")
	}

	return nil
}

// ObjectStorage reports whether MinIO is configured.
func (c StorageConfig) ObjectStorage() bool {
	return c.MinioEndpoint != ""
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStringAllowEmpty distinguishes an unset variable from one explicitly set
// to the empty string.
func envStringAllowEmpty(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
