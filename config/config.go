// Package config reads process configuration from LEDGER_* environment
// variables so main stays lean. Flags in the binaries override these.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends selectable via LEDGER_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreS3       = "s3"
)

// Config captures server and storage configuration.
type Config struct {
	Addr string

	Store       string
	SQLitePath  string
	PostgresDSN string
	RedisURL    string
	S3          S3

	ColumnsFile      string
	ValidateInterval time.Duration
	MaxRetries       int
	LogLevel         slog.Level
}

// S3 holds object storage settings.
type S3 struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	PathStyle bool
}

// Default returns the development configuration.
func Default() Config {
	return Config{
		Addr:             ":8080",
		Store:            StoreSQLite,
		SQLitePath:       "./devices.db",
		ValidateInterval: time.Hour,
		MaxRetries:       3,
		LogLevel:         slog.LevelInfo,
	}
}

// FromEnv overlays the environment onto Default.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	get := func(name string) string {
		v, _ := lookup(name)
		return strings.TrimSpace(v)
	}

	if v := get("LEDGER_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := get("LEDGER_STORE"); v != "" {
		cfg.Store = strings.ToLower(v)
	}
	if v := get("LEDGER_SQLITE_PATH"); v != "" {
		cfg.SQLitePath = v
	}
	cfg.PostgresDSN = get("LEDGER_POSTGRES_DSN")
	cfg.RedisURL = get("LEDGER_REDIS_URL")
	cfg.S3 = S3{
		Bucket:    get("LEDGER_S3_BUCKET"),
		Region:    get("LEDGER_S3_REGION"),
		Endpoint:  get("LEDGER_S3_ENDPOINT"),
		Prefix:    get("LEDGER_S3_PREFIX"),
		PathStyle: strings.EqualFold(get("LEDGER_S3_PATH_STYLE"), "true"),
	}
	cfg.ColumnsFile = get("LEDGER_COLUMNS_FILE")

	if v := get("LEDGER_VALIDATE_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_VALIDATE_INTERVAL: %w", err)
		}
		cfg.ValidateInterval = d
	}
	if v := get("LEDGER_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("LEDGER_MAX_RETRIES: %w", err)
		}
		cfg.MaxRetries = n
	}
	if v := get("LEDGER_LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return Config{}, fmt.Errorf("LEDGER_LOG_LEVEL: %w", err)
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks that the selected backend has what it needs.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite store requires LEDGER_SQLITE_PATH")
		}
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres store requires LEDGER_POSTGRES_DSN")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis store requires LEDGER_REDIS_URL")
		}
	case StoreS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3 store requires LEDGER_S3_BUCKET")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	return nil
}
