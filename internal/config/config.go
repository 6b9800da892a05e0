package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Preference and audit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendLog    = "log"
	BackendDB     = "db"
)

type Config struct {
	Port                 string        `mapstructure:"PORT"`
	Env                  string        `mapstructure:"ENV"`
	DatabaseURL          string        `mapstructure:"DATABASE_URL"`
	DBMaxConns           int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns           int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL             string        `mapstructure:"REDIS_URL"`
	PreferenceBackend    string        `mapstructure:"PREFERENCE_BACKEND"`
	PreferenceKeyPrefix  string        `mapstructure:"PREFERENCE_KEY_PREFIX"`
	AuthIssuer           string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience         string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL          string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey       string        `mapstructure:"AUTH_SIGNING_KEY"`
	ChangeFeedChannel    string        `mapstructure:"CHANGE_FEED_CHANNEL"`
	RefreshRetryInterval time.Duration `mapstructure:"REFRESH_RETRY_INTERVAL"`
	AuditBackend         string        `mapstructure:"AUDIT_BACKEND"`
	SessionIdleTimeout   time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	CORSOrigins          []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"PREFERENCE_BACKEND", "PREFERENCE_KEY_PREFIX", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "CHANGE_FEED_CHANNEL", "REFRESH_RETRY_INTERVAL",
	"AUDIT_BACKEND", "SESSION_IDLE_TIMEOUT", "CORS_ORIGINS",
}

// Load reads the optional .env file and the environment. It does not
// validate; commands call Validate or RequireDatabase as they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("PREFERENCE_BACKEND", BackendMemory)
	v.SetDefault("PREFERENCE_KEY_PREFIX", "rolecontext:pref:")
	v.SetDefault("CHANGE_FEED_CHANNEL", "assignment_changes")
	v.SetDefault("REFRESH_RETRY_INTERVAL", "2s")
	v.SetDefault("AUDIT_BACKEND", BackendLog)
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase fails when DATABASE_URL is unset.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks the configuration needed to serve.
func (c *Config) Validate() error {
	if err := c.RequireDatabase(); err != nil {
		return err
	}
	switch c.PreferenceBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PREFERENCE_BACKEND is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("PREFERENCE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.PreferenceBackend)
	}
	switch c.AuditBackend {
	case BackendLog, BackendDB:
	default:
		return fmt.Errorf("AUDIT_BACKEND must be %q or %q, got %q", BackendLog, BackendDB, c.AuditBackend)
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env)
	}
	if c.AuthIssuer != "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ISSUER is set without AUTH_SIGNING_KEY")
	}
	if c.RefreshRetryInterval <= 0 {
		return fmt.Errorf("REFRESH_RETRY_INTERVAL must be positive, got %s", c.RefreshRetryInterval)
	}
	if c.SessionIdleTimeout < 0 {
		return fmt.Errorf("SESSION_IDLE_TIMEOUT must not be negative, got %s", c.SessionIdleTimeout)
	}
	if c.ChangeFeedChannel == "" {
		return fmt.Errorf("CHANGE_FEED_CHANNEL must not be empty")
	}
	return nil
}
