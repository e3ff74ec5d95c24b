// Package config loads the client configuration: built-in defaults, then an
// optional YAML file, then a .env file and PETBNB_* environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/esracengel/PetBNB/internal/credstore"
)

// Store kinds.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
	StoreSealed = "sealed"
	StoreMemory = "memory"
)

// Environment variable prefix.
const envPrefix = "PETBNB_"

// Config is the client configuration.
type Config struct {
	API    APIConfig    `yaml:"api"`
	Store  StoreConfig  `yaml:"store"`
	Log    LogConfig    `yaml:"log"`
	Offers OffersConfig `yaml:"offers"`
}

// APIConfig locates the backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// StoreConfig selects where the token pair is persisted.
type StoreConfig struct {
	// Kind is one of file, sqlite, sealed or memory.
	Kind string `yaml:"kind"`
	// Path is the token file (file, sealed) or database (sqlite).
	Path string `yaml:"path"`
	// Passphrase unlocks the sealed store. Only read from the environment.
	Passphrase string `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

type OffersConfig struct {
	// Concurrency bounds parallel offer lookups.
	Concurrency int `yaml:"concurrency"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		API:    APIConfig{BaseURL: "http://localhost:8000", Timeout: 15 * time.Second},
		Store:  StoreConfig{Kind: StoreFile},
		Log:    LogConfig{Level: "warn"},
		Offers: OffersConfig{Concurrency: 4},
	}
}

// DefaultPath is the config file looked up when none is given.
func DefaultPath() string { return filepath.Join(credstore.ConfigDir(), "config.yaml") }

// Loader assembles a Config from its sources.
type Loader struct {
	path   string
	dotenv string
}

// NewLoader reads the YAML file at path; empty path means DefaultPath, which
// may be absent.
func NewLoader(path string) *Loader {
	return &Loader{path: path, dotenv: ".env"}
}

// WithDotEnv changes the .env file; empty disables it.
func (l *Loader) WithDotEnv(path string) *Loader {
	l.dotenv = path
	return l
}

// Load is NewLoader(path).Load().
func Load(path string) (*Config, error) { return NewLoader(path).Load() }

// Load builds and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	path, required := l.path, true
	if path == "" {
		path, required = DefaultPath(), false
	}
	if err := cfg.loadFile(path); err != nil {
		if required || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	}

	if l.dotenv != "" {
		// existing environment variables win over .env
		if err := godotenv.Load(l.dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("dotenv %s: %w", l.dotenv, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	str("API_BASE_URL", &c.API.BaseURL)
	str("STORE_KIND", &c.Store.Kind)
	str("STORE_PATH", &c.Store.Path)
	str("STORE_PASSPHRASE", &c.Store.Passphrase)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := os.LookupEnv(envPrefix + "API_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sAPI_TIMEOUT: %w", envPrefix, err)
		}
		c.API.Timeout = d
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_DEV"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sLOG_DEV: %w", envPrefix, err)
		}
		c.Log.Dev = b
	}
	if v, ok := os.LookupEnv(envPrefix + "OFFERS_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sOFFERS_CONCURRENCY: %w", envPrefix, err)
		}
		c.Offers.Concurrency = n
	}
	return nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	var problems []string
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("api.base_url %q is not an absolute URL", c.API.BaseURL))
	}
	if c.API.Timeout <= 0 {
		problems = append(problems, "api.timeout must be positive")
	}
	switch c.Store.Kind {
	case StoreFile, StoreSQLite, StoreMemory:
	case StoreSealed:
		if c.Store.Passphrase == "" {
			problems = append(problems, "store.kind sealed needs "+envPrefix+"STORE_PASSPHRASE")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.kind %q is not one of file, sqlite, sealed, memory", c.Store.Kind))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}
	if c.Offers.Concurrency <= 0 {
		problems = append(problems, "offers.concurrency must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Logger builds the zap logger the configuration asks for.
func (c *Config) Logger() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// OpenStore opens the configured token store behind a write-through cache.
// The returned close func releases it.
func (c *Config) OpenStore(ctx context.Context) (credstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store.Kind {
	case StoreMemory:
		return credstore.NewMemory(), noop, nil
	case StoreFile:
		return credstore.NewCache(credstore.NewFileStore(c.Store.Path)), noop, nil
	case StoreSealed:
		sealed := credstore.NewSealed(credstore.NewFileStore(c.Store.Path), c.Store.Passphrase)
		return credstore.NewCache(sealed), noop, nil
	case StoreSQLite:
		path := c.Store.Path
		if path == "" {
			path = filepath.Join(credstore.ConfigDir(), "petbnb.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		db, err := credstore.OpenSQLite(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		return credstore.NewCache(db), db.Close, nil
	}
	return nil, nil, fmt.Errorf("open store: unknown kind %q", c.Store.Kind)
}
