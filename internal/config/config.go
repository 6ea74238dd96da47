// Package config loads the serve configuration from an HCL file.
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the serve command's configuration.
type Config struct {
	// StorePath is the SQLite view store. Empty keeps views in memory.
	StorePath string `hcl:"store_path,optional"`
	// ViewsDir, when set, is watched for *.view files; each file holds one
	// specification and is registered under the file's base name.
	ViewsDir string `hcl:"views_dir,optional"`

	Workers    int `hcl:"workers,optional"`
	QueueDepth int `hcl:"queue_depth,optional"`
	// LookupTimeout bounds a single insertion-topic lookup, e.g. "5s".
	LookupTimeout string `hcl:"lookup_timeout,optional"`
	// MetricsAddr exposes prometheus metrics when non-empty, e.g. ":9602".
	MetricsAddr string `hcl:"metrics_addr,optional"`
}

// Load reads and validates an HCL configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if _, err := cfg.LookupTimeoutDuration(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LookupTimeoutDuration parses the lookup timeout, defaulting to 5s.
func (c *Config) LookupTimeoutDuration() (time.Duration, error) {
	if c.LookupTimeout == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.LookupTimeout)
	if err != nil {
		return 0, fmt.Errorf("lookup_timeout: %w", err)
	}
	return d, nil
}
