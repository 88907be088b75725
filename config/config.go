// ABOUTME: Application configuration stored at XDG paths with environment overrides
// ABOUTME: Covers store backend, index, import pacing, dedup, fan-out, logging and HTTP settings
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adrg/xdg"
	"github.com/harperreed/broadcast/batch"
	"github.com/harperreed/broadcast/db"
	"github.com/harperreed/broadcast/fanout"
	"github.com/harperreed/broadcast/importer"
	"github.com/harperreed/broadcast/index"
	"github.com/joho/godotenv"
)

// AppName names the XDG directories.
const AppName = "broadcast"

// Store backends.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
	BackendCharm  = "charm"
)

// Duration is a time.Duration written as a string such as "150ms".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		d.Duration = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s", data)
	}
	d.Duration = time.Duration(n)
	return nil
}

type StoreConfig struct {
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
}

type IndexConfig struct {
	PageSize int `json:"page_size"`
}

type ImportConfig struct {
	CreateBatchSize int      `json:"create_batch_size"`
	UpdateBatchSize int      `json:"update_batch_size"`
	BatchDelay      Duration `json:"batch_delay"`
	MaxAttempts     int      `json:"max_attempts"`
	BaseDelay       Duration `json:"base_delay"`
	StatusTTL       Duration `json:"status_ttl"`
	MaxErrors       int      `json:"max_errors"`
}

type DedupConfig struct {
	BatchSize int      `json:"batch_size"`
	Delay     Duration `json:"delay"`
}

type FanoutConfig struct {
	Concurrency int `json:"concurrency"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

type HTTPConfig struct {
	Addr string `json:"addr"`
}

// Config is the application configuration.
type Config struct {
	Store  StoreConfig  `json:"store"`
	Index  IndexConfig  `json:"index"`
	Import ImportConfig `json:"import"`
	Dedup  DedupConfig  `json:"dedup"`
	Fanout FanoutConfig `json:"fanout"`
	Log    LogConfig    `json:"log"`
	HTTP   HTTPConfig   `json:"http"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Backend: BackendBadger},
		Index: IndexConfig{PageSize: index.DefaultPageSize},
		Import: ImportConfig{
			CreateBatchSize: 15,
			UpdateBatchSize: 10,
			BatchDelay:      Duration{batch.DefaultDelay},
			MaxAttempts:     batch.DefaultMaxAttempts,
			BaseDelay:       Duration{batch.DefaultBaseDelay},
			StatusTTL:       Duration{db.DefaultStatusTTL},
			MaxErrors:       importer.DefaultMaxErrors,
		},
		Dedup: DedupConfig{
			BatchSize: importer.DefaultDedupBatchSize,
			Delay:     Duration{importer.DefaultDedupDelay},
		},
		Fanout: FanoutConfig{Concurrency: fanout.DefaultConcurrency},
		Log:    LogConfig{Level: "info", Format: "console"},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:8080"},
	}
}

// Dir returns the XDG config directory.
func Dir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// Path returns the default config file path.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// DataDir returns the XDG data directory holding the local store.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// LoadEnvFiles loads .env style files into the process environment. Missing
// files are ignored; variables already set win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config file at path, or Path() when empty, then applies
// environment overrides. A missing file yields the defaults.
//
// Environment variables:
// - BROADCAST_STORE_BACKEND
// - BROADCAST_STORE_PATH
// - BROADCAST_INDEX_PAGE_SIZE
// - BROADCAST_IMPORT_MAX_ERRORS
// - BROADCAST_FANOUT_CONCURRENCY
// - BROADCAST_LOG_LEVEL
// - BROADCAST_LOG_FORMAT
// - BROADCAST_HTTP_ADDR.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	f, err := os.Open(path)
	switch {
	case err == nil:
		defer func() { _ = f.Close() }()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("BROADCAST_STORE_BACKEND", &cfg.Store.Backend)
	str("BROADCAST_STORE_PATH", &cfg.Store.Path)
	str("BROADCAST_LOG_LEVEL", &cfg.Log.Level)
	str("BROADCAST_LOG_FORMAT", &cfg.Log.Format)
	str("BROADCAST_HTTP_ADDR", &cfg.HTTP.Addr)
	if err := num("BROADCAST_INDEX_PAGE_SIZE", &cfg.Index.PageSize); err != nil {
		return err
	}
	if err := num("BROADCAST_IMPORT_MAX_ERRORS", &cfg.Import.MaxErrors); err != nil {
		return err
	}
	return num("BROADCAST_FANOUT_CONCURRENCY", &cfg.Fanout.Concurrency)
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendBadger, BackendMemory, BackendCharm:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Index.PageSize < 1 || c.Index.PageSize > index.MaxRequestPageSize {
		return fmt.Errorf("index page size must be between 1 and %d", index.MaxRequestPageSize)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Save writes the config to path, or Path() when empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// PipelineConfig translates the import section.
func (c *Config) PipelineConfig() importer.Config {
	retry := func(size int) batch.Config {
		return batch.Config{
			Size:        size,
			Delay:       c.Import.BatchDelay.Duration,
			MaxAttempts: c.Import.MaxAttempts,
			BaseDelay:   c.Import.BaseDelay.Duration,
		}
	}
	return importer.Config{
		Create:    retry(c.Import.CreateBatchSize),
		Update:    retry(c.Import.UpdateBatchSize),
		MaxErrors: c.Import.MaxErrors,
	}
}

// DedupSettings translates the dedup section.
func (c *Config) DedupSettings() importer.DedupConfig {
	return importer.DedupConfig{BatchSize: c.Dedup.BatchSize, Delay: c.Dedup.Delay.Duration}
}
