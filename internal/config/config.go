// Package config loads ringboard's optional JSONC configuration file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/ringboard/internal/dirs"
	"github.com/calvinalkan/ringboard/pkg/ring"
)

// Config holds all configuration options.
type Config struct {
	DataDir string `json:"data_dir"`
	Socket  string `json:"socket"`

	// RingCapacity is reserved for a future on-disk version; today it must
	// be absent or equal to the built-in default.
	RingCapacity uint32 `json:"ring_capacity,omitempty"`
}

var (
	errConfigInvalid      = errors.New("invalid config file")
	errCapacityUnsettable = errors.New("ring_capacity is fixed in this on-disk version")
)

// path returns the config file location:
// $XDG_CONFIG_HOME/ringboard/config.json or ~/.config/ringboard/config.json.
func path() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "ringboard", "config.json")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".config", "ringboard", "config.json")
}

// Load returns the effective configuration: defaults overlaid with the
// user's config file when one exists. The file is JSONC (comments and
// trailing commas allowed).
func Load() (Config, error) {
	cfg := Config{Socket: dirs.SocketPath()}

	dataDir, err := dirs.DataDir()
	if err != nil {
		return Config{}, err
	}

	cfg.DataDir = dataDir

	cfgPath := path()
	if cfgPath == "" {
		return cfg, nil
	}

	data, readErr := os.ReadFile(cfgPath)
	if readErr != nil {
		if errors.Is(readErr, os.ErrNotExist) {
			return cfg, nil
		}

		return Config{}, fmt.Errorf("cannot read config file %q: %w", cfgPath, readErr)
	}

	fileCfg, parseErr := parse(data)
	if parseErr != nil {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, cfgPath, parseErr)
	}

	if fileCfg.DataDir != "" {
		cfg.DataDir = fileCfg.DataDir
	}

	if fileCfg.Socket != "" {
		cfg.Socket = fileCfg.Socket
	}

	if fileCfg.RingCapacity != 0 && fileCfg.RingCapacity != ring.DefaultCapacity {
		return Config{}, fmt.Errorf("%w %s: %w", errConfigInvalid, cfgPath, errCapacityUnsettable)
	}

	return cfg, nil
}

func parse(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	unmarshalErr := json.Unmarshal(standardized, &cfg)
	if unmarshalErr != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", unmarshalErr)
	}

	return cfg, nil
}
