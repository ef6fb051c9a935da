// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default). Single instance only.
	TypeMemory Type = "memory"

	// TypeSQLite uses a SQLite database file.
	TypeSQLite Type = "sqlite"

	// TypeRedis uses Redis, standalone or behind Sentinel.
	TypeRedis Type = "redis"
)

const (
	// DefaultCleanupInterval is how often memory and SQLite backends purge
	// expired rows.
	DefaultCleanupInterval = 5 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type `mapstructure:"type" yaml:"type"`

	// SQLitePath is the database file for TypeSQLite.
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path,omitempty"`

	// Redis configures TypeRedis.
	Redis *RedisConfig `mapstructure:"redis" yaml:"redis,omitempty"`

	// CleanupInterval overrides DefaultCleanupInterval.
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval,omitempty"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type:            TypeMemory,
		CleanupInterval: DefaultCleanupInterval,
	}
}

// Validate checks the configuration for the selected backend.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeMemory:
		return nil
	case TypeSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite_path is required for sqlite storage")
		}
		return nil
	case TypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis configuration is required for redis storage")
		}
		return validateRedisConfig(c.Redis)
	default:
		return fmt.Errorf("unsupported storage type %q", c.Type)
	}
}

// New creates the storage backend described by cfg. clk drives expiry
// checks; nil means the real clock.
func New(ctx context.Context, cfg *Config, clk clock.PassiveClock) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}

	switch cfg.Type {
	case TypeSQLite:
		return NewSQLiteStorage(ctx, cfg.SQLitePath, WithSQLiteClock(clk), WithSQLiteCleanupInterval(interval))
	case TypeRedis:
		return NewRedisStorage(ctx, *cfg.Redis, clk)
	default:
		return NewMemoryStorage(WithClock(clk), WithCleanupInterval(interval)), nil
	}
}
