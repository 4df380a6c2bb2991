// Package config loads configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// DefaultEnvFile is read by Load when it exists.
const DefaultEnvFile = ".env"

// Config holds the client configuration.
type Config struct {
	// API
	APIURL   string
	Username string
	Password string
	Timeout  time.Duration

	// Cache
	CacheDir     string
	MaxCacheSize int64

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics ("" disables the endpoint)
	MetricsAddr string

	// Mirror
	MirrorWorkers int

	// S3 mirror sink (used when S3Bucket is set)
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3Prefix    string

	// Mirror ledger ("" keeps it in memory)
	DatabaseURL string
}

// Load reads configuration from the environment after loading env files.
// With no file given, DefaultEnvFile is loaded if present. Variables already
// set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{DefaultEnvFile}
	}
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := &Config{
		APIURL:        envOr("EDCLIENT_API_URL", "https://api.ecoledirecte.com/v3"),
		Username:      envOr("EDCLIENT_USERNAME", ""),
		Password:      envOr("EDCLIENT_PASSWORD", ""),
		Timeout:       envDuration("EDCLIENT_TIMEOUT", 30*time.Second),
		CacheDir:      envOr("EDCLIENT_CACHE_DIR", defaultCacheDir()),
		MaxCacheSize:  envInt64("EDCLIENT_MAX_CACHE", 1<<30), // 1GB
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "console"),
		MetricsAddr:   envOr("METRICS_ADDR", ""),
		MirrorWorkers: envInt("EDCLIENT_MIRROR_WORKERS", 4),
		S3Endpoint:    envOr("S3_ENDPOINT", ""),
		S3Bucket:      envOr("S3_BUCKET", ""),
		S3AccessKey:   envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:   envOr("S3_SECRET_KEY", ""),
		S3Region:      envOr("S3_REGION", "us-east-1"),
		S3Prefix:      envOr("S3_PREFIX", ""),
		DatabaseURL:   envOr("DATABASE_URL", ""),
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("EDCLIENT_TIMEOUT must be positive")
	}
	if cfg.MirrorWorkers < 1 {
		return nil, fmt.Errorf("EDCLIENT_MIRROR_WORKERS must be at least 1")
	}
	if cfg.S3Bucket != "" && (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return nil, fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
	}

	return cfg, nil
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "edclient")
	}
	return filepath.Join(os.TempDir(), "edclient-cache")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
