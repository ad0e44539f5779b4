package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/jacentio/activities/resolve"
	"github.com/jacentio/activities/store"
)

const (
	backendDynamoDB = "dynamodb"
	backendMemory   = "memory"
)

// Config is the process configuration read from the environment.
type Config struct {
	TableName string

	// Backend is "dynamodb" or "memory". The memory backend keeps no data
	// across restarts and is meant for local runs with LISTEN_ADDR.
	Backend string

	LogLevel zapcore.Level

	// ListenAddr serves the router over plain HTTP instead of Lambda when set.
	ListenAddr string

	Store    store.Config
	Resolver resolve.Config
}

// LoadConfig reads the configuration from the environment.
func LoadConfig() (*Config, error) {
	storeCfg := store.DefaultConfig()
	storeCfg.CatalogShards = getEnvInt("CATALOG_SHARDS", storeCfg.CatalogShards)
	storeCfg.PageSize = int32(getEnvInt("PAGE_SIZE", int(storeCfg.PageSize)))
	storeCfg.OperationTimeout = getEnvDuration("OPERATION_TIMEOUT", storeCfg.OperationTimeout)

	resolverCfg := resolve.DefaultConfig()
	resolverCfg.MaxDepth = getEnvInt("MAX_DEPTH", resolverCfg.MaxDepth)

	level, err := zapcore.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		TableName:  getEnv("TABLE_NAME", ""),
		Backend:    getEnv("TABLE_BACKEND", backendDynamoDB),
		LogLevel:   level,
		ListenAddr: getEnv("LISTEN_ADDR", ""),
		Store:      storeCfg,
		Resolver:   resolverCfg,
	}
	switch cfg.Backend {
	case backendDynamoDB:
		if cfg.TableName == "" {
			return nil, errors.New("TABLE_NAME is required")
		}
	case backendMemory:
	default:
		return nil, fmt.Errorf("unknown TABLE_BACKEND %q", cfg.Backend)
	}
	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable (e.g., "3s") with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
