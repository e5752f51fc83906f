// Package config loads badgehub configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Prefix is prepended to every environment variable name.
const Prefix = "BADGEHUB_"

// Config holds all configuration for the application.
type Config struct {
	// BaseURL is the public origin hosted document ids are built from.
	BaseURL    string `validate:"required,url"`
	ListenAddr string `validate:"required"`

	Logging    LoggingConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Resolver   ResolverConfig
	Signing    SigningConfig
	TrustDir   string
	Revocation RevocationConfig
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// DatabaseConfig selects the gorm driver.
type DatabaseConfig struct {
	Driver string `validate:"oneof=sqlite postgres"`
	DSN    string `validate:"required"`
}

// RedisConfig configures the projection cache. An empty URL keeps the cache in memory.
type RedisConfig struct {
	URL string        `validate:"omitempty,url"`
	TTL time.Duration `validate:"gte=0"`
}

// ResolverConfig configures remote fetches during verification and import.
type ResolverConfig struct {
	Timeout           time.Duration `validate:"gt=0"`
	MaxRetries        int           `validate:"gte=0,lte=10"`
	MaxBodyBytes      int64         `validate:"gt=0"`
	AllowPrivateHosts bool
	Workers           int `validate:"gte=1,lte=64"`

	// RevocationStaleAfter is how long a synced revocation list is used
	// before it is fetched again.
	RevocationStaleAfter time.Duration `validate:"gte=0"`
}

// SigningConfig configures the signing collaborator. With no ServiceURL a
// local key file is used, when given.
type SigningConfig struct {
	ServiceURL string `validate:"omitempty,url"`
	APIKey     string `validate:"required_with=ServiceURL"`
	KeyFile    string
}

// RevocationConfig configures the local revocation cache.
type RevocationConfig struct {
	CachePath string
}

// Default returns the development configuration.
func Default() *Config {
	return &Config{
		BaseURL:    "http://localhost:8080",
		ListenAddr: ":8080",
		Logging:    LoggingConfig{Level: "info", Format: "console"},
		Database:   DatabaseConfig{Driver: "sqlite", DSN: "badgehub.db"},
		Redis:      RedisConfig{TTL: time.Hour},
		Resolver: ResolverConfig{
			Timeout:      10 * time.Second,
			MaxRetries:   2,
			MaxBodyBytes: 2 << 20,
			Workers:      4,

			RevocationStaleAfter: 5 * time.Minute,
		},
	}
}

// FromEnv loads a .env file when present and reads BADGEHUB_* variables over
// the defaults.
func FromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return Load(os.LookupEnv)
}

// Load reads configuration through lookup and validates it.
func Load(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	env := &reader{lookup: lookup}

	cfg.BaseURL = strings.TrimRight(env.str("BASE_URL", cfg.BaseURL), "/")
	cfg.ListenAddr = env.str("LISTEN_ADDR", cfg.ListenAddr)
	cfg.Logging.Level = strings.ToLower(env.str("LOG_LEVEL", cfg.Logging.Level))
	cfg.Logging.Format = strings.ToLower(env.str("LOG_FORMAT", cfg.Logging.Format))
	cfg.Database.Driver = env.str("DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = env.str("DB_DSN", cfg.Database.DSN)
	cfg.Redis.URL = env.str("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.TTL = env.duration("REDIS_TTL", cfg.Redis.TTL)
	cfg.Resolver.Timeout = env.duration("FETCH_TIMEOUT", cfg.Resolver.Timeout)
	cfg.Resolver.MaxRetries = env.int("FETCH_MAX_RETRIES", cfg.Resolver.MaxRetries)
	cfg.Resolver.MaxBodyBytes = int64(env.int("FETCH_MAX_BODY_BYTES", int(cfg.Resolver.MaxBodyBytes)))
	cfg.Resolver.AllowPrivateHosts = env.bool("FETCH_ALLOW_PRIVATE_HOSTS", cfg.Resolver.AllowPrivateHosts)
	cfg.Resolver.Workers = env.int("IMPORT_WORKERS", cfg.Resolver.Workers)
	cfg.Resolver.RevocationStaleAfter = env.duration("REVOCATION_STALE_AFTER", cfg.Resolver.RevocationStaleAfter)
	cfg.Signing.ServiceURL = env.str("SIGNING_URL", cfg.Signing.ServiceURL)
	cfg.Signing.APIKey = env.str("SIGNING_API_KEY", cfg.Signing.APIKey)
	cfg.Signing.KeyFile = env.str("SIGNING_KEY_FILE", cfg.Signing.KeyFile)
	cfg.TrustDir = env.str("TRUST_DIR", cfg.TrustDir)
	cfg.Revocation.CachePath = env.str("REVOCATION_CACHE", cfg.Revocation.CachePath)

	if len(env.errs) > 0 {
		return nil, errors.Join(env.errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) get(key string) (string, bool) {
	v, ok := r.lookup(Prefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (r *reader) str(key, def string) string {
	if v, ok := r.get(key); ok {
		return v
	}
	return def
}

func (r *reader) int(key string, def int) int {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return n
}

func (r *reader) bool(key string, def bool) bool {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return b
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.get(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return d
}
