// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads sessiond configuration from defaults, an optional
// YAML file, the environment and command-line flags, in that order.
package config

import (
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/sessiond/internal/auth"
)

// EnvPrefix namespaces sessiond environment variables.
const EnvPrefix = "SESSIOND_"

// Session registry backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

const redactedValue = "********"

// Config is the complete sessiond configuration.
type Config struct {
	AppName  string         `koanf:"app_name" yaml:"app_name" json:"app_name,omitempty" jsonschema:"description=Service name reported in logs and /health"`
	Debug    bool           `koanf:"debug" yaml:"debug" json:"debug,omitempty"`
	Log      LogConfig      `koanf:"log" yaml:"log" json:"log,omitempty"`
	HTTP     HTTPConfig     `koanf:"http" yaml:"http" json:"http,omitempty"`
	Metrics  MetricsConfig  `koanf:"metrics" yaml:"metrics" json:"metrics,omitempty"`
	Database DatabaseConfig `koanf:"database" yaml:"database" json:"database,omitempty"`
	Sessions SessionsConfig `koanf:"sessions" yaml:"sessions" json:"sessions,omitempty"`
	Redis    RedisConfig    `koanf:"redis" yaml:"redis" json:"redis,omitempty"`
	Auth     AuthConfig     `koanf:"auth" yaml:"auth" json:"auth,omitempty"`
	Storage  StorageConfig  `koanf:"storage" yaml:"storage" json:"storage,omitempty"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `koanf:"format" yaml:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text"`
}

// HTTPConfig controls the public API listener.
type HTTPConfig struct {
	Addr string `koanf:"addr" yaml:"addr" json:"addr,omitempty" jsonschema:"description=Listen address for the auth API"`
}

// MetricsConfig controls the observability listener. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr" yaml:"addr" json:"addr,omitempty"`
}

// DatabaseConfig points at PostgreSQL.
type DatabaseConfig struct {
	URL            string `koanf:"url" yaml:"url" json:"url,omitempty" jsonschema:"description=PostgreSQL connection URL"`
	ConnectRetries uint64 `koanf:"connect_retries" yaml:"connect_retries" json:"connect_retries,omitempty"`
}

// SessionsConfig selects the session registry backend.
type SessionsConfig struct {
	Backend string `koanf:"backend" yaml:"backend" json:"backend,omitempty" jsonschema:"enum=postgres,enum=redis,enum=memory"`
}

// RedisConfig is used when sessions.backend is redis.
type RedisConfig struct {
	Addr      string `koanf:"addr" yaml:"addr" json:"addr,omitempty"`
	Password  string `koanf:"password" yaml:"password" json:"password,omitempty"`
	DB        int    `koanf:"db" yaml:"db" json:"db,omitempty" jsonschema:"minimum=0"`
	KeyPrefix string `koanf:"key_prefix" yaml:"key_prefix" json:"key_prefix,omitempty"`
}

// AuthConfig holds token and password settings.
type AuthConfig struct {
	SecretKey                string `koanf:"secret_key" yaml:"secret_key" json:"secret_key,omitempty" jsonschema:"minLength=32"`
	Algorithm                string `koanf:"algorithm" yaml:"algorithm" json:"algorithm,omitempty" jsonschema:"enum=HS256"`
	AccessTokenExpireMinutes int    `koanf:"access_token_expire_minutes" yaml:"access_token_expire_minutes" json:"access_token_expire_minutes,omitempty" jsonschema:"minimum=1"`
	RefreshTokenExpireDays   int    `koanf:"refresh_token_expire_days" yaml:"refresh_token_expire_days" json:"refresh_token_expire_days,omitempty" jsonschema:"minimum=1"`
	Hasher                   string `koanf:"hasher" yaml:"hasher" json:"hasher,omitempty" jsonschema:"enum=argon2id,enum=bcrypt"`
}

// StorageConfig bounds every storage call.
type StorageConfig struct {
	Timeout Duration `koanf:"timeout" yaml:"timeout" json:"timeout,omitempty"`
}

// Duration is a time.Duration spelled as a Go duration string ("5s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return oops.Code("CONFIG_INVALID").With("value", string(text)).Wrap(err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// JSONSchema describes Duration as a string for the config schema.
func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Pattern:     `^([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`,
		Description: "Go duration, e.g. 5s or 250ms",
	}
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		AppName:  "sessiond",
		Log:      LogConfig{Level: "info", Format: "json"},
		HTTP:     HTTPConfig{Addr: ":8000"},
		Metrics:  MetricsConfig{Addr: "127.0.0.1:9100"},
		Database: DatabaseConfig{ConnectRetries: 5},
		Sessions: SessionsConfig{Backend: BackendPostgres},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Auth: AuthConfig{
			Algorithm:                auth.AlgorithmHS256,
			AccessTokenExpireMinutes: 15,
			RefreshTokenExpireDays:   7,
			Hasher:                   auth.HasherArgon2id,
		},
		Storage: StorageConfig{Timeout: Duration(5 * time.Second)},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"log-level":        "log.level",
	"log-format":       "log.format",
	"http-addr":        "http.addr",
	"metrics-addr":     "metrics.addr",
	"database-url":     "database.url",
	"sessions-backend": "sessions.backend",
	"redis-addr":       "redis.addr",
	"debug":            "debug",
}

// BindFlags registers the flags that may override configuration values.
// Defaults are left empty; only flags the user sets take effect.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("log-format", "", "log format (json, text)")
	fs.String("http-addr", "", "auth API listen address")
	fs.String("metrics-addr", "", "observability listen address (empty disables)")
	fs.String("database-url", "", "PostgreSQL connection URL")
	fs.String("sessions-backend", "", "session registry backend (postgres, redis, memory)")
	fs.String("redis-addr", "", "redis address for the redis backend")
	fs.Bool("debug", false, "enable debug mode")
}

// Load builds and validates the effective configuration. path may be empty,
// in which case only defaults, environment and flags apply. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfg, err := Read(path, flags)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read layers the configuration sources like Load but skips Validate. Tools
// that only need part of the configuration (migrations, config show) use it.
func Read(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
		if err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
		}
		if err := ValidateSchema(data); err != nil {
			return nil, oops.With("path", path).Wrap(err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_PARSE_FAILED").With("path", path).Wrap(err)
		}
	}

	if err := k.Load(env.Provider("DATABASE_URL", ".", func(key string) string {
		if key == "DATABASE_URL" {
			return "database.url"
		}
		return ""
	}), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, oops.Code("CONFIG_ENV_FAILED").Wrap(err)
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	return &cfg, nil
}

// envKey maps SESSIOND_LOG__LEVEL to log.level. SESSIOND_SECRET_KEY is
// accepted as a shorthand for auth.secret_key.
func envKey(key string) string {
	name := strings.TrimPrefix(key, EnvPrefix)
	if name == "SECRET_KEY" {
		return "auth.secret_key"
	}
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	invalid := func(key string, value any, format string, args ...any) error {
		return oops.Code("CONFIG_INVALID").With("key", key).With("value", value).Errorf(format, args...)
	}

	if strings.TrimSpace(c.AppName) == "" {
		return invalid("app_name", c.AppName, "app_name must not be empty")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		return invalid("log.level", c.Log.Level, "unknown log level %q", c.Log.Level)
	}
	if !slices.Contains([]string{"json", "text"}, c.Log.Format) {
		return invalid("log.format", c.Log.Format, "unknown log format %q", c.Log.Format)
	}
	if c.HTTP.Addr == "" {
		return invalid("http.addr", c.HTTP.Addr, "http.addr must not be empty")
	}

	switch c.Sessions.Backend {
	case BackendPostgres, BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return invalid("redis.addr", c.Redis.Addr, "redis.addr is required for the redis backend")
		}
		if c.Redis.DB < 0 {
			return invalid("redis.db", c.Redis.DB, "redis.db must not be negative")
		}
	default:
		return invalid("sessions.backend", c.Sessions.Backend, "unknown sessions backend %q", c.Sessions.Backend)
	}
	if c.Sessions.Backend != BackendMemory && c.Database.URL == "" {
		return invalid("database.url", "", "database.url (or DATABASE_URL) is required for the %s backend", c.Sessions.Backend)
	}

	if c.Auth.AccessTokenExpireMinutes <= 0 {
		return invalid("auth.access_token_expire_minutes", c.Auth.AccessTokenExpireMinutes, "access token lifetime must be positive")
	}
	if c.Auth.RefreshTokenExpireDays <= 0 {
		return invalid("auth.refresh_token_expire_days", c.Auth.RefreshTokenExpireDays, "refresh token lifetime must be positive")
	}
	if _, err := auth.NewPasswordHasher(c.Auth.Hasher); err != nil {
		return invalid("auth.hasher", c.Auth.Hasher, "unknown password hasher %q", c.Auth.Hasher)
	}
	if err := c.SigningConfig().Validate(); err != nil {
		return invalid("auth", c.Auth.Algorithm, "invalid token settings: %v", err)
	}
	if c.Storage.Timeout <= 0 {
		return invalid("storage.timeout", c.Storage.Timeout.String(), "storage.timeout must be positive")
	}
	return nil
}

// String renders the duration the way it is written in config files.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// SigningConfig derives the token codec configuration.
func (c *Config) SigningConfig() auth.SigningConfig {
	return auth.SigningConfig{
		Secret:     []byte(c.Auth.SecretKey),
		Algorithm:  c.Auth.Algorithm,
		AccessTTL:  time.Duration(c.Auth.AccessTokenExpireMinutes) * time.Minute,
		RefreshTTL: time.Duration(c.Auth.RefreshTokenExpireDays) * 24 * time.Hour,
	}
}

// StorageTimeout returns the per-call storage deadline.
func (c *Config) StorageTimeout() time.Duration {
	return time.Duration(c.Storage.Timeout)
}

// Redacted returns a copy safe to print: secrets are masked and the
// database URL loses its password.
func (c *Config) Redacted() Config {
	out := *c
	if out.Auth.SecretKey != "" {
		out.Auth.SecretKey = redactedValue
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redactedValue
	}
	if out.Database.URL != "" {
		if u, err := url.Parse(out.Database.URL); err == nil {
			out.Database.URL = u.Redacted()
		} else {
			out.Database.URL = redactedValue
		}
	}
	return out
}
