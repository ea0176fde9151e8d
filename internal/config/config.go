// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package config loads service configuration from YAML files, command-line
// flags, and the environment. Precedence, lowest to highest: built-in
// defaults, config file, flags, environment variables for secrets.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/smartpark/authd/internal/auth"
)

// Config is the root configuration for the auth service.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Token         TokenConfig         `koanf:"token"`
	Reset         ResetConfig         `koanf:"reset"`
	Google        GoogleConfig        `koanf:"google"`
	SMTP          SMTPConfig          `koanf:"smtp"`
	Observability ObservabilityConfig `koanf:"observability"`
	Log           LogConfig           `koanf:"log"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings. The URL is a secret
// and is normally supplied via the DATABASE_URL environment variable.
type DatabaseConfig struct {
	URL string `koanf:"url"`
}

// TokenConfig holds session token settings. The signing key is a secret and
// is normally supplied via the AUTHD_SIGNING_KEY environment variable.
type TokenConfig struct {
	Issuer     string        `koanf:"issuer"`
	Audience   string        `koanf:"audience"`
	SigningKey string        `koanf:"signing_key"`
	TTL        time.Duration `koanf:"ttl"`
}

// ResetConfig holds password reset settings.
type ResetConfig struct {
	LinkBase string        `koanf:"link_base"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// GoogleConfig holds federated login settings. An empty client ID disables
// Google login.
type GoogleConfig struct {
	ClientID string `koanf:"client_id"`
}

// SMTPConfig holds notification delivery settings. An empty host disables
// email notifications. The password is normally supplied via the
// AUTHD_SMTP_PASSWORD environment variable.
type SMTPConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
}

// ObservabilityConfig holds the metrics/health listener settings.
type ObservabilityConfig struct {
	Addr string `koanf:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Format string `koanf:"format"`
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Token: TokenConfig{
			Issuer:   "authd",
			Audience: "authd-clients",
			TTL:      auth.DefaultTokenTTL,
		},
		Reset: ResetConfig{
			LinkBase: "http://localhost:8080/reset",
			TokenTTL: auth.DefaultResetTokenTTL,
		},
		SMTP: SMTPConfig{
			Port: "465",
		},
		Observability: ObservabilityConfig{
			Addr: "127.0.0.1:9100",
		},
		Log: LogConfig{
			Format: "json",
		},
	}
}

// Load reads configuration. path may be empty (no config file); flags may be
// nil. Secrets are overridden from the environment last.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// Seed every key with its built-in default. The posflag provider below
	// only merges a flag's default value for keys absent from the instance,
	// so without this seed an unset flag would blank out the default.
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").
			With("operation", "load defaults").
			Wrap(err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("path", path).
				Wrap(err)
		}
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").
				With("operation", "load flags").
				Wrap(err)
		}
	}

	// Unmarshal over defaults so missing keys keep their default values.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_PARSE_FAILED").Wrap(err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides pulls secrets from the environment. Environment values
// win over file and flag values so secrets never need to live on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("AUTHD_SIGNING_KEY"); v != "" {
		cfg.Token.SigningKey = v
	}
	if v := os.Getenv("AUTHD_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("AUTHD_GOOGLE_CLIENT_ID"); v != "" {
		cfg.Google.ClientID = v
	}
}

// Validate fails fast on configuration the service cannot run with.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("database URL is required (set DATABASE_URL)")
	}
	if len(c.Token.SigningKey) < auth.MinSigningKeyLen {
		return oops.Code("CONFIG_INVALID").
			With("min_length", auth.MinSigningKeyLen).
			Errorf("token signing key must be at least %d characters (set AUTHD_SIGNING_KEY)", auth.MinSigningKeyLen)
	}
	if c.Token.Issuer == "" || c.Token.Audience == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("token issuer and audience are required")
	}
	if c.Token.TTL <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("token TTL must be positive")
	}
	if c.Reset.TokenTTL <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("reset token TTL must be positive")
	}
	if c.Reset.LinkBase == "" {
		return oops.Code("CONFIG_INVALID").
			Errorf("reset link base URL is required")
	}
	return nil
}
