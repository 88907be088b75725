// ABOUTME: Connection settings for the Charm Cloud store backend
// ABOUTME: Read from a JSON file beside the app config, with BROADCAST_CHARM_* overrides

package charm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/adrg/xdg"
)

const (
	DefaultCharmHost = "charm.2389.dev"

	// AppName names the charm kv database and the XDG config directory.
	AppName = "broadcast"

	ConfigFileName = "charm.json"
)

// Config holds charm connection settings.
type Config struct {
	Host string `json:"host,omitempty"`

	// AutoSync pulls and pushes after every write.
	AutoSync bool `json:"auto_sync"`

	path string
}

func DefaultConfig() *Config {
	return &Config{Host: DefaultCharmHost, AutoSync: true}
}

// ConfigPath returns $XDG_CONFIG_HOME/broadcast/charm.json.
func ConfigPath() string {
	return filepath.Join(xdg.ConfigHome, AppName, ConfigFileName)
}

// LoadConfig reads ConfigPath().
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads the settings at path. A missing file yields the
// defaults; a malformed one is an error.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse charm config %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read charm config: %w", err)
	}

	if v := os.Getenv("BROADCAST_CHARM_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("BROADCAST_CHARM_AUTO_SYNC"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BROADCAST_CHARM_AUTO_SYNC: %w", err)
		}
		cfg.AutoSync = b
	}
	if cfg.Host == "" {
		cfg.Host = DefaultCharmHost
	}
	return cfg, nil
}

// Save writes the settings back to the file they were loaded from.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (c *Config) SetAutoSync(enabled bool) error {
	c.AutoSync = enabled
	return c.Save()
}
