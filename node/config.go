// Copyright 2026 The firma-sign Authors
// This file is part of the firma-sign library.
//
// The firma-sign library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The firma-sign library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the firma-sign library. If not, see <http://www.gnu.org/licenses/>.

package node

import (
	"os"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/naoina/toml"

	"github.com/firma-sign/go-firma-sign/errs"
)

// LogConfig controls the daemon's log output.
type LogConfig struct {
	Level      string
	File       string // empty logs to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// EngineConfig tunes the transfer engine.
type EngineConfig struct {
	Workers                 int
	DeadlineIntervalSeconds int
}

// Config is the daemon configuration, loadable from TOML.
type Config struct {
	DataDir     string
	MaxFileSize string // human form, e.g. "500MB"
	MetricsAddr string // empty disables the metrics listener

	Log        LogConfig
	Engine     EngineConfig
	Transports map[string]map[string]interface{}
}

// DefaultConfig returns the configuration a bare node runs with.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     defaultDataDir(),
		MaxFileSize: "500MB",
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Engine: EngineConfig{
			Workers:                 4,
			DeadlineIntervalSeconds: 30,
		},
		Transports: map[string]map[string]interface{}{
			"p2p": {"port": int64(9502)},
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".firma-sign"
	}
	return filepath.Join(home, ".firma-sign")
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, "node.LoadConfig", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, errs.Wrap(errs.InvalidConfig, "node.LoadConfig", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration before anything starts.
func (c *Config) Validate() error {
	const op = "node.Config.Validate"
	if c.DataDir == "" {
		return errs.New(errs.InvalidConfig, op, "dataDir is required")
	}
	if _, err := c.maxFileSizeBytes(); err != nil {
		return err
	}
	if len(c.Transports) == 0 {
		return errs.New(errs.InvalidConfig, op, "at least one transport must be configured")
	}
	return nil
}

// maxFileSizeBytes parses the human-readable document size cap.
func (c *Config) maxFileSizeBytes() (int64, error) {
	if c.MaxFileSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.MaxFileSize)
	if err != nil {
		return 0, errs.New(errs.InvalidConfig, "node.Config", "bad maxFileSize %q", c.MaxFileSize)
	}
	return n, nil
}

// Paths derived from the data directory.
func (c *Config) databasePath() string { return filepath.Join(c.DataDir, "firma-sign.db") }
func (c *Config) blobRoot() string     { return filepath.Join(c.DataDir, "documents") }
func (c *Config) peerDBPath() string   { return filepath.Join(c.DataDir, "peers") }
func (c *Config) keyFilePath() string  { return filepath.Join(c.DataDir, "p2p.key") }
