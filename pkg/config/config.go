// Package config reads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string
	LogFormat  string

	// DatabaseURL selects Postgres; empty means lite mode (SQLite in DataDir).
	DatabaseURL string
	DataDir     string
	CatalogSeed string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	TelemetryWindow     time.Duration
	GatherTimeout       time.Duration
	AnchorMaxAttempts   int
	AnchorBaseBackoffMs int64

	LedgerSigningSeed string
	JWTSecret         string
	RateLimitRPS      float64
	RateLimitBurst    int

	ThresholdProfile string
	VisualWASMModule string

	ArtifactStorageType string
	ArtifactS3Bucket    string
	ArtifactS3Region    string
	ArtifactS3Endpoint  string
	ArtifactS3Prefix    string
	ArtifactGCSBucket   string
	ArtifactGCSPrefix   string

	OTelEnabled  bool
	OTelEndpoint string
}

// LiteMode reports whether no external database is configured.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Load loads configuration from environment variables. Malformed numeric or
// duration values are reported together.
func Load() (*Config, error) {
	var errs []error
	p := parser{errs: &errs}

	cfg := &Config{
		Port:       env("PORT", "8080"),
		HealthPort: env("HEALTH_PORT", "8081"),
		LogLevel:   strings.ToUpper(env("LOG_LEVEL", "INFO")),
		LogFormat:  strings.ToLower(env("LOG_FORMAT", "json")),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     env("DATA_DIR", "data"),
		CatalogSeed: os.Getenv("CATALOG_SEED"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.getInt("REDIS_DB", 0),

		TelemetryWindow:     p.getDuration("TELEMETRY_WINDOW", 24*time.Hour),
		GatherTimeout:       p.getDuration("GATHER_TIMEOUT", 5*time.Second),
		AnchorMaxAttempts:   p.getInt("ANCHOR_MAX_ATTEMPTS", 5),
		AnchorBaseBackoffMs: int64(p.getInt("ANCHOR_BASE_BACKOFF_MS", 100)),

		LedgerSigningSeed: os.Getenv("LEDGER_SIGNING_SEED"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		RateLimitRPS:      p.getFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst:    p.getInt("RATE_LIMIT_BURST", 20),

		ThresholdProfile: os.Getenv("THRESHOLD_PROFILE"),
		VisualWASMModule: os.Getenv("VISUAL_WASM_MODULE"),

		ArtifactStorageType: env("ARTIFACT_STORAGE_TYPE", "fs"),
		ArtifactS3Bucket:    os.Getenv("ARTIFACT_S3_BUCKET"),
		ArtifactS3Region:    env("ARTIFACT_S3_REGION", "us-east-1"),
		ArtifactS3Endpoint:  os.Getenv("ARTIFACT_S3_ENDPOINT"),
		ArtifactS3Prefix:    os.Getenv("ARTIFACT_S3_PREFIX"),
		ArtifactGCSBucket:   os.Getenv("ARTIFACT_GCS_BUCKET"),
		ArtifactGCSPrefix:   os.Getenv("ARTIFACT_GCS_PREFIX"),

		OTelEnabled:  os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	if cfg.AnchorMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("ANCHOR_MAX_ATTEMPTS must be at least 1, got %d", cfg.AnchorMaxAttempts))
	}
	if cfg.GatherTimeout <= 0 {
		errs = append(errs, errors.New("GATHER_TIMEOUT must be positive"))
	}
	if cfg.LedgerSigningSeed != "" && len(cfg.LedgerSigningSeed) < 16 {
		errs = append(errs, errors.New("LEDGER_SIGNING_SEED must be at least 16 bytes"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

type parser struct {
	errs *[]error
}

func (p parser) getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p parser) getFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (p parser) getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*p.errs = append(*p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
