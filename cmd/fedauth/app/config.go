// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stacklok/fedauth/pkg/authserver"
	"github.com/stacklok/fedauth/pkg/authserver/storage"
	"github.com/stacklok/fedauth/pkg/logger"
)

const (
	envPrefix = "FEDAUTH"

	defaultListenAddress   = ":8080"
	defaultShutdownTimeout = 30 * time.Second
)

// fileConfig is the layout of the configuration file: the authorization
// server settings plus the settings of the process serving them.
type fileConfig struct {
	authserver.Config `mapstructure:",squash" yaml:",inline"`

	// Listen is the address the HTTP server binds to.
	Listen string `mapstructure:"listen" yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

const redacted = "REDACTED"

// envKeys are bound explicitly so they can be set from the environment
// even when the file does not mention them.
var envKeys = []string{
	"issuer",
	"listen",
	"hmac_secret_files",
	"upstream.issuer",
	"upstream.client_id",
	"upstream.client_secret",
	"storage.type",
	"storage.sqlite_path",
	"storage.redis.addr",
	"storage.redis.username",
	"storage.redis.password",
	"keys.cert_dir",
}

// loadConfig reads the YAML file at path and applies FEDAUTH_* overrides.
func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		return nil, errors.New("no configuration file specified, use --config flag")
	}
	logger.Debugw("loading configuration", "path", path)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	v.SetDefault("listen", defaultListenAddress)
	v.SetDefault("shutdown_timeout", defaultShutdownTimeout.String())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	var cfg fileConfig
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return &cfg, nil
}

func storageType(cfg *fileConfig) storage.Type {
	if cfg.Storage.Type == "" {
		return storage.TypeMemory
	}
	return cfg.Storage.Type
}

// writeRedacted renders cfg as YAML with credentials replaced.
func writeRedacted(w io.Writer, cfg *fileConfig) error {
	out := *cfg
	if out.Upstream.ClientSecret != "" {
		out.Upstream.ClientSecret = redacted
	}
	if out.Storage.Redis != nil {
		r := *out.Storage.Redis
		if r.Password != "" {
			r.Password = redacted
		}
		out.Storage.Redis = &r
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&out); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return enc.Close()
}
