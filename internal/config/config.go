// Package config loads server settings from an optional YAML file and
// WFED_* environment variables. Environment values win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/alimasry/go-workflow-editor/history"
	"github.com/alimasry/go-workflow-editor/internal/logging"
)

// Store drivers.
const (
	DriverMemory    = "memory"
	DriverRedis     = "redis"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Addr       string `mapstructure:"addr"`
	LogLevel   string `mapstructure:"log_level"`
	HistoryMax int    `mapstructure:"history_max"`
	Store      Store  `mapstructure:"store"`
}

type Store struct {
	Driver        string        `mapstructure:"driver"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	Redis         Redis         `mapstructure:"redis"`
	Postgres      Postgres      `mapstructure:"postgres"`
	Firestore     Firestore     `mapstructure:"firestore"`
}

type Redis struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type Postgres struct {
	URL string `mapstructure:"url"`
}

type Firestore struct {
	Project string `mapstructure:"project"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Addr:       ":8080",
		LogLevel:   "info",
		HistoryMax: history.DefaultMaxSize,
		Store: Store{
			Driver:        DriverMemory,
			FlushInterval: 5 * time.Second,
		},
	}
}

// envMapping maps environment variables to dotted config paths.
var envMapping = map[string]string{
	"WFED_ADDR":              "addr",
	"WFED_LOG_LEVEL":         "log_level",
	"WFED_HISTORY_MAX":       "history_max",
	"WFED_STORE":             "store.driver",
	"WFED_FLUSH_INTERVAL":    "store.flush_interval",
	"WFED_REDIS_ADDR":        "store.redis.addr",
	"WFED_REDIS_PASSWORD":    "store.redis.password",
	"WFED_REDIS_DB":          "store.redis.db",
	"WFED_POSTGRES_URL":      "store.postgres.url",
	"WFED_FIRESTORE_PROJECT": "store.firestore.project",
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is non-empty) and the process environment, then validates it.
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (Config, error) {
	raw := map[string]any{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if raw == nil {
			raw = map[string]any{}
		}
	}

	for env, p := range envMapping {
		if val, ok := lookup(env); ok {
			setByPath(raw, p, val)
		}
	}

	cfg := Default()
	if err := decode(raw, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(raw map[string]any, cfg *Config) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// setByPath sets a value in a nested map using a dotted path.
func setByPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Validate reports the first setting that would stop the server from
// starting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("%w: addr is empty", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.HistoryMax <= 0 {
		return fmt.Errorf("%w: history_max must be positive, got %d", ErrInvalid, c.HistoryMax)
	}

	switch c.Store.Driver {
	case DriverMemory:
		return nil
	case DriverRedis:
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("%w: store.redis.addr is required", ErrInvalid)
		}
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("%w: store.postgres.url is required", ErrInvalid)
		}
	case DriverFirestore:
		if c.Store.Firestore.Project == "" {
			return fmt.Errorf("%w: store.firestore.project is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store driver %q", ErrInvalid, c.Store.Driver)
	}
	if c.Store.FlushInterval <= 0 {
		return fmt.Errorf("%w: store.flush_interval must be positive", ErrInvalid)
	}
	return nil
}
