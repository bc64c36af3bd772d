package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// DefaultJWTSecret is the verification key used when JWT_SECRET is unset. It exists so
// the server comes up in local development without any configuration; main logs a loud
// warning when it is in effect.
const DefaultJWTSecret = "your-secret-key"

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerPort int
	BindAddr   string
	ServerEnv  string // "development" or "production"

	// Database (record of truth). The tenant DSN should connect as a role subject to
	// row-level security; it falls back to the admin DSN when unset.
	DatabaseURL       string
	DatabaseTenantURL string
	DatabaseMaxConn   int
	DatabaseMinConn   int

	// Redis (KV, location streams, pub/sub bus)
	RedisURL         string
	RedisDialTimeout time.Duration

	// JWT (bearer token verification)
	JWTSecret string

	// Cache layer. When false the family/geofence/ghost caches are bypassed entirely
	// and every read hits the repository. Streams and pub/sub are unaffected.
	CacheEnabled bool

	// Gateway
	GatewayHeartbeatIntervalMS int
	GatewayAuthTimeout         time.Duration
	GatewayMaxConnections      int
	RateLimitWSCount           int
	RateLimitWSWindowSeconds   int

	// Location log
	LocationStreamMaxLen int64

	// Rate limiting (REST)
	RateLimitAPIRequests      int
	RateLimitAPIWindowSeconds int

	// CORS
	CORSAllowOrigins string
}

// Load reads configuration from environment variables. It returns an error if any
// variable is set but cannot be parsed, or if a value fails validation.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerPort: p.int("SERVER_PORT", 3001),
		BindAddr:   envStr("BIND_ADDR", "0.0.0.0"),
		ServerEnv:  envStr("SERVER_ENV", "production"),

		DatabaseURL:       envStr("DATABASE_URL", ""),
		DatabaseTenantURL: envStr("DATABASE_TENANT_URL", ""),
		DatabaseMaxConn:   p.int("DATABASE_MAX_CONNS", 25),
		DatabaseMinConn:   p.int("DATABASE_MIN_CONNS", 5),

		RedisURL:         envStr("REDIS_URL", "redis://localhost:6379"),
		RedisDialTimeout: p.duration("REDIS_DIAL_TIMEOUT", 30*time.Second),

		JWTSecret: envStr("JWT_SECRET", DefaultJWTSecret),

		// CACHE_ENABLED disables the cache tier only when literally "false".
		CacheEnabled: os.Getenv("CACHE_ENABLED") != "false",

		GatewayHeartbeatIntervalMS: p.int("GATEWAY_HEARTBEAT_INTERVAL_MS", 25000),
		GatewayAuthTimeout:         p.duration("GATEWAY_AUTH_TIMEOUT", 30*time.Second),
		GatewayMaxConnections:      p.int("GATEWAY_MAX_CONNECTIONS", 10000),
		RateLimitWSCount:           p.int("RATE_LIMIT_WS_COUNT", 120),
		RateLimitWSWindowSeconds:   p.int("RATE_LIMIT_WS_WINDOW_SECONDS", 60),

		LocationStreamMaxLen: p.int64("LOCATION_STREAM_MAX_LEN", 10000),

		RateLimitAPIRequests:      p.int("RATE_LIMIT_API_REQUESTS", 120),
		RateLimitAPIWindowSeconds: p.int("RATE_LIMIT_API_WINDOW_SECONDS", 60),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if cfg.DatabaseTenantURL == "" {
		cfg.DatabaseTenantURL = cfg.DatabaseURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// UsingDefaultJWTSecret reports whether token verification is running on the built-in
// fallback secret.
func (c *Config) UsingDefaultJWTSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

// RepositoryConfigured reports whether a record-of-truth DSN is present. Without it,
// read paths degrade to empty results and writes fail explicitly.
func (c *Config) RepositoryConfigured() bool {
	return c.DatabaseURL != ""
}

func (c *Config) validate() error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if c.DatabaseMaxConn < 1 {
		errs = append(errs, fmt.Errorf("DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.DatabaseMinConn < 0 {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS must not be negative"))
	}
	if c.DatabaseMinConn > c.DatabaseMaxConn {
		errs = append(errs, fmt.Errorf("DATABASE_MIN_CONNS (%d) must not exceed DATABASE_MAX_CONNS (%d)", c.DatabaseMinConn, c.DatabaseMaxConn))
	}

	if c.RedisURL == "" {
		errs = append(errs, fmt.Errorf("REDIS_URL must not be empty"))
	}
	if c.RedisDialTimeout < time.Second {
		errs = append(errs, fmt.Errorf("REDIS_DIAL_TIMEOUT must be at least 1s"))
	}

	if c.GatewayHeartbeatIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("GATEWAY_HEARTBEAT_INTERVAL_MS must be at least 1000"))
	}
	if c.GatewayAuthTimeout < time.Second {
		errs = append(errs, fmt.Errorf("GATEWAY_AUTH_TIMEOUT must be at least 1s"))
	}
	if c.GatewayMaxConnections < 1 {
		errs = append(errs, fmt.Errorf("GATEWAY_MAX_CONNECTIONS must be at least 1"))
	}

	if c.RateLimitWSCount < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_COUNT must be at least 1"))
	}
	if c.RateLimitWSWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_WS_WINDOW_SECONDS must be at least 1"))
	}

	if c.LocationStreamMaxLen < 1 {
		errs = append(errs, fmt.Errorf("LOCATION_STREAM_MAX_LEN must be at least 1"))
	}

	if c.RateLimitAPIRequests < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_REQUESTS must be at least 1"))
	}
	if c.RateLimitAPIWindowSeconds < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_API_WINDOW_SECONDS must be at least 1"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"5m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
