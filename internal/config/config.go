/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration. Values come from environment
// variables, with an optional YAML file (HESTIA_CONFIG_FILE) filling in
// anything the environment leaves unset.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL (e.g., http://hestia.example.com:8080)
	DBBackend   DatabaseBackend
	DBDSN       string

	JWTSigningKey string
	MetricsBind   string

	// Platform adapter configuration
	PlatformBaseURL string
	PlatformToken   string
	PlatformTimeout time.Duration

	// Dispatcher configuration
	MaxConcurrentDispatch int
	CatchUpPolicy         string // "next" or "immediate"
	StoreRetryBackoff     time.Duration
	DefaultLeadTime       time.Duration

	// Executor retry configuration
	ExecutorMaxAttempts int
	ExecutorBackoffBase time.Duration
	ExecutorBackoffCap  time.Duration
	ExecutorCallTimeout time.Duration

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	// Multi-instance configuration
	LeaderElectionEnabled bool
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	InstanceID            string

	// NATS event mirroring
	NATSEnabled bool
	NATSURL     string
	NATSToken   string
}

// fileConfig mirrors Config for the YAML overlay. Only fields the file
// sets are applied; the environment always wins.
type fileConfig struct {
	Environment string `yaml:"environment"`
	HTTPBind    string `yaml:"http_bind"`
	HTTPPort    int    `yaml:"http_port"`
	BaseURL     string `yaml:"base_url"`
	DBBackend   string `yaml:"db_backend"`
	DBDSN       string `yaml:"db_dsn"`

	JWTSigningKey string `yaml:"jwt_signing_key"`
	MetricsBind   string `yaml:"metrics_bind"`

	PlatformBaseURL        string  `yaml:"platform_base_url"`
	PlatformToken          string  `yaml:"platform_token"`
	PlatformTimeoutSeconds int     `yaml:"platform_timeout_seconds"`
	MaxConcurrentDispatch  int     `yaml:"max_concurrent_dispatch"`
	CatchUpPolicy          string  `yaml:"catch_up_policy"`
	StoreRetryBackoffSecs  int     `yaml:"store_retry_backoff_seconds"`
	DefaultLeadTimeMinutes int     `yaml:"default_lead_time_minutes"`
	ExecutorMaxAttempts    int     `yaml:"executor_max_attempts"`
	ExecutorBackoffBaseMS  int     `yaml:"executor_backoff_base_ms"`
	ExecutorBackoffCapMS   int     `yaml:"executor_backoff_cap_ms"`
	ExecutorCallTimeoutSec int     `yaml:"executor_call_timeout_seconds"`
	TracingEnabled         *bool   `yaml:"tracing_enabled"`
	OTLPEndpoint           string  `yaml:"otlp_endpoint"`
	TracingSampleRate      float64 `yaml:"tracing_sample_rate"`
	LeaderElectionEnabled  *bool   `yaml:"leader_election_enabled"`
	RedisAddr              string  `yaml:"redis_addr"`
	RedisPassword          string  `yaml:"redis_password"`
	RedisDB                int     `yaml:"redis_db"`
	InstanceID             string  `yaml:"instance_id"`
	NATSEnabled            *bool   `yaml:"nats_enabled"`
	NATSURL                string  `yaml:"nats_url"`
	NATSToken              string  `yaml:"nats_token"`
}

// Load reads environment variables, applies the optional YAML overlay and
// defaults, and validates the result.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("HESTIA_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Environment: getEnv("HESTIA_ENV", pick(file.Environment, "development")),
		HTTPBind:    getEnv("HESTIA_HTTP_BIND", pick(file.HTTPBind, "0.0.0.0")),
		HTTPPort:    getEnvInt("HESTIA_HTTP_PORT", pickInt(file.HTTPPort, 8080)),
		BaseURL:     getEnv("HESTIA_BASE_URL", file.BaseURL),
		DBBackend:   DatabaseBackend(getEnv("HESTIA_DB_BACKEND", pick(file.DBBackend, string(DatabasePostgres)))),
		DBDSN:       getEnv("HESTIA_DB_DSN", file.DBDSN),

		JWTSigningKey: getEnv("HESTIA_JWT_SIGNING_KEY", file.JWTSigningKey),
		MetricsBind:   getEnv("HESTIA_METRICS_BIND", pick(file.MetricsBind, "127.0.0.1:9000")),

		PlatformBaseURL: getEnv("HESTIA_PLATFORM_BASE_URL", file.PlatformBaseURL),
		PlatformToken:   getEnv("HESTIA_PLATFORM_TOKEN", file.PlatformToken),
		PlatformTimeout: time.Duration(getEnvInt("HESTIA_PLATFORM_TIMEOUT_SECONDS", pickInt(file.PlatformTimeoutSeconds, 30))) * time.Second,

		MaxConcurrentDispatch: getEnvInt("HESTIA_MAX_CONCURRENT_DISPATCH", pickInt(file.MaxConcurrentDispatch, 4)),
		CatchUpPolicy:         getEnv("HESTIA_CATCHUP_POLICY", pick(file.CatchUpPolicy, "next")),
		StoreRetryBackoff:     time.Duration(getEnvInt("HESTIA_STORE_RETRY_BACKOFF_SECONDS", pickInt(file.StoreRetryBackoffSecs, 5))) * time.Second,
		DefaultLeadTime:       time.Duration(getEnvInt("HESTIA_DEFAULT_LEAD_TIME_MINUTES", pickInt(file.DefaultLeadTimeMinutes, 0))) * time.Minute,

		ExecutorMaxAttempts: getEnvInt("HESTIA_EXECUTOR_MAX_ATTEMPTS", pickInt(file.ExecutorMaxAttempts, 5)),
		ExecutorBackoffBase: time.Duration(getEnvInt("HESTIA_EXECUTOR_BACKOFF_BASE_MS", pickInt(file.ExecutorBackoffBaseMS, 1000))) * time.Millisecond,
		ExecutorBackoffCap:  time.Duration(getEnvInt("HESTIA_EXECUTOR_BACKOFF_CAP_MS", pickInt(file.ExecutorBackoffCapMS, 60000))) * time.Millisecond,
		ExecutorCallTimeout: time.Duration(getEnvInt("HESTIA_EXECUTOR_CALL_TIMEOUT_SECONDS", pickInt(file.ExecutorCallTimeoutSec, 30))) * time.Second,

		TracingEnabled:    getEnvBool("HESTIA_TRACING_ENABLED", pickBool(file.TracingEnabled, false)),
		OTLPEndpoint:      getEnv("HESTIA_OTLP_ENDPOINT", pick(file.OTLPEndpoint, "localhost:4317")),
		TracingSampleRate: getEnvFloat("HESTIA_TRACING_SAMPLE_RATE", pickFloat(file.TracingSampleRate, 1.0)),

		LeaderElectionEnabled: getEnvBool("HESTIA_LEADER_ELECTION_ENABLED", pickBool(file.LeaderElectionEnabled, false)),
		RedisAddr:             getEnv("HESTIA_REDIS_ADDR", pick(file.RedisAddr, "localhost:6379")),
		RedisPassword:         getEnv("HESTIA_REDIS_PASSWORD", file.RedisPassword),
		RedisDB:               getEnvInt("HESTIA_REDIS_DB", pickInt(file.RedisDB, 0)),
		InstanceID:            getEnv("HESTIA_INSTANCE_ID", file.InstanceID),

		NATSEnabled: getEnvBool("HESTIA_NATS_ENABLED", pickBool(file.NATSEnabled, false)),
		NATSURL:     getEnv("HESTIA_NATS_URL", pick(file.NATSURL, "nats://localhost:4222")),
		NATSToken:   getEnv("HESTIA_NATS_TOKEN", file.NATSToken),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("HESTIA_DB_DSN must be provided")
	}

	if cfg.JWTSigningKey == "" {
		return nil, fmt.Errorf("HESTIA_JWT_SIGNING_KEY must be provided")
	}

	if cfg.CatchUpPolicy != "next" && cfg.CatchUpPolicy != "immediate" {
		return nil, fmt.Errorf("unsupported catch-up policy %q", cfg.CatchUpPolicy)
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if strings.EqualFold(cfg.JWTSigningKey, "changeme") {
			return nil, fmt.Errorf("HESTIA_JWT_SIGNING_KEY must be set to a non-default value in production")
		}
		if cfg.PlatformBaseURL == "" {
			return nil, fmt.Errorf("HESTIA_PLATFORM_BASE_URL must be provided in production")
		}
	}

	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	file := &fileConfig{}
	if path == "" {
		return file, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, file); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

func pick(fileVal, def string) string {
	if fileVal != "" {
		return fileVal
	}
	return def
}

func pickInt(fileVal, def int) int {
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func pickFloat(fileVal, def float64) float64 {
	if fileVal != 0 {
		return fileVal
	}
	return def
}

func pickBool(fileVal *bool, def bool) bool {
	if fileVal != nil {
		return *fileVal
	}
	return def
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
