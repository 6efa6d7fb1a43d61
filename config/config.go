// Package config loads the board server settings from an optional YAML file
// and the process environment. Environment variables always win.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Config holds the server configuration.
type Config struct {
	Debug      bool        `yaml:"debug"`
	ListenAddr string      `yaml:"listen_addr"`
	Store      StoreConfig `yaml:"store"`
	Redis      RedisConfig `yaml:"redis"`
	Hub        HubConfig   `yaml:"hub"`
	Auth       AuthConfig  `yaml:"auth"`
}

// StoreConfig selects the durable task store.
type StoreConfig struct {
	Driver           string `yaml:"driver"` // sqlite or tables
	SQLitePath       string `yaml:"sqlite_path"`
	ConnectionString string `yaml:"connection_string"`
	TasksTable       string `yaml:"tasks_table"`
	ActorsTable      string `yaml:"actors_table"`
}

// RedisConfig enables the list cache, idempotency keys and the cross-instance
// relay. An empty ConnectionString disables all three.
type RedisConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	Channel          string        `yaml:"channel"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
	DeduperTTL       time.Duration `yaml:"deduper_ttl"`
}

// HubConfig tunes push sessions.
type HubConfig struct {
	SessionBuffer int           `yaml:"session_buffer"`
	RelayBuffer   int           `yaml:"relay_buffer"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// AuthConfig describes how bearer tokens are verified.
type AuthConfig struct {
	Domain       string        `yaml:"domain"`
	Audience     string        `yaml:"audience"`
	TestMode     bool          `yaml:"test_mode"`
	TestSecret   string        `yaml:"test_secret"`
	LocalMode    bool          `yaml:"local_mode"`
	LocalSecret  string        `yaml:"local_secret"`
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		Store: StoreConfig{
			Driver:      "sqlite",
			SQLitePath:  "data/taskboard.db",
			TasksTable:  "Tasks",
			ActorsTable: "Actors",
		},
		Redis: RedisConfig{
			Channel:    "taskboard:events",
			CacheTTL:   time.Minute,
			DeduperTTL: 24 * time.Hour,
		},
		Hub: HubConfig{
			SessionBuffer: 64,
			RelayBuffer:   256,
			Heartbeat:     30 * time.Second,
		},
		Auth: AuthConfig{
			JWKSCacheTTL: 15 * time.Minute,
		},
	}
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the YAML file at path, if any, then applies the environment.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envReader{lookup: lookup}

	env.bool("DEBUG", &cfg.Debug)
	if port, ok := lookup("PORT"); ok && port != "" {
		cfg.ListenAddr = ":" + port
	}
	env.string("LISTEN_ADDR", &cfg.ListenAddr)

	env.string("STORE_DRIVER", &cfg.Store.Driver)
	env.string("SQLITE_PATH", &cfg.Store.SQLitePath)
	env.string("STORAGE_CONNECTION_STRING", &cfg.Store.ConnectionString)
	env.string("TASKS_TABLE", &cfg.Store.TasksTable)
	env.string("ACTORS_TABLE", &cfg.Store.ActorsTable)

	env.string("REDIS_CONNECTION_STRING", &cfg.Redis.ConnectionString)
	env.string("REDIS_CHANNEL", &cfg.Redis.Channel)
	env.duration("TASKS_CACHE_TTL", &cfg.Redis.CacheTTL)
	env.duration("DEDUPER_TTL", &cfg.Redis.DeduperTTL)

	env.int("HUB_SESSION_BUFFER", &cfg.Hub.SessionBuffer)
	env.int("RELAY_BUFFER", &cfg.Hub.RelayBuffer)
	env.duration("HEARTBEAT_INTERVAL", &cfg.Hub.Heartbeat)

	env.string("AUTH0_DOMAIN", &cfg.Auth.Domain)
	env.string("AUTH0_AUDIENCE", &cfg.Auth.Audience)
	env.bool("AUTH0_TEST_MODE", &cfg.Auth.TestMode)
	env.string("TEST_JWT_SECRET", &cfg.Auth.TestSecret)
	env.bool("LOCAL_AUTH_MODE", &cfg.Auth.LocalMode)
	env.string("LOCAL_AUTH_SHARED_SECRET", &cfg.Auth.LocalSecret)
	env.duration("JWKS_CACHE_TTL", &cfg.Auth.JWKSCacheTTL)

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH must not be empty"))
		}
	case "tables":
		if c.Store.ConnectionString == "" || c.Store.TasksTable == "" || c.Store.ActorsTable == "" {
			errs = append(errs, errors.New("missing storage config"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Hub.SessionBuffer <= 0 {
		errs = append(errs, errors.New("HUB_SESSION_BUFFER must be greater than zero"))
	}
	if c.Hub.RelayBuffer <= 0 {
		errs = append(errs, errors.New("RELAY_BUFFER must be greater than zero"))
	}
	if c.Hub.Heartbeat <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_INTERVAL must be greater than zero"))
	}
	if c.Redis.ConnectionString != "" && (c.Redis.CacheTTL <= 0 || c.Redis.DeduperTTL <= 0) {
		errs = append(errs, errors.New("redis TTLs must be greater than zero"))
	}
	switch {
	case c.Auth.TestMode && c.Auth.TestSecret == "":
		errs = append(errs, errors.New("AUTH0_TEST_MODE requires TEST_JWT_SECRET"))
	case c.Auth.LocalMode && c.Auth.LocalSecret == "":
		errs = append(errs, errors.New("LOCAL_AUTH_MODE requires LOCAL_AUTH_SHARED_SECRET"))
	case c.HMACSecret() == nil && (c.Auth.Domain == "" || c.Auth.Audience == ""):
		errs = append(errs, errors.New("missing Auth0 config"))
	}
	return errors.Join(errs...)
}

// HMACSecret returns the shared token secret of the test or local auth
// mode, or nil when tokens are verified against the Auth0 JWKS.
func (c *Config) HMACSecret() []byte {
	switch {
	case c.Auth.TestMode && c.Auth.TestSecret != "":
		return []byte(c.Auth.TestSecret)
	case c.Auth.LocalMode && c.Auth.LocalSecret != "":
		return []byte(c.Auth.LocalSecret)
	}
	return nil
}

// JWKSURL is the key set endpoint of the Auth0 tenant.
func (c *Config) JWKSURL() string {
	return fmt.Sprintf("https://%s/.well-known/jwks.json", c.Auth.Domain)
}

// Issuer is the expected iss claim of Auth0 tokens.
func (c *Config) Issuer() string {
	return "https://" + c.Auth.Domain + "/"
}

// RedisOptions accepts either a redis:// URL or the Azure style
// "host:port,password=...,ssl=True" connection string.
func RedisOptions(conn string) *redis.Options {
	if opts, err := redis.ParseURL(conn); err == nil {
		return opts
	}
	parts := strings.Split(conn, ",")
	opts := &redis.Options{Addr: parts[0]}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(kv[0]) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.ToLower(kv[1]) == "true" {
				opts.TLSConfig = &tls.Config{}
			}
		}
	}
	return opts
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) get(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (r *envReader) string(key string, dst *string) {
	if v, ok := r.get(key); ok {
		*dst = v
	}
}

func (r *envReader) bool(key string, dst *bool) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = b
}

func (r *envReader) int(key string, dst *int) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = n
}

func (r *envReader) duration(key string, dst *time.Duration) {
	v, ok := r.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = d
}
