// Package config loads the process-level daemon configuration file a
// metaserver node reads at startup: data directory, bind address, and the
// topology/health tuning knobs that would otherwise need one flag apiece.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ctrlplane/meta/pkg/health"
	"github.com/ctrlplane/meta/pkg/topology"
)

// File is the on-disk shape of a metaserver config file.
type File struct {
	NodeID      string `yaml:"nodeID"`
	BindAddr    string `yaml:"bindAddr"`
	DataDir     string `yaml:"dataDir"`
	MetricsAddr string `yaml:"metricsAddr"`

	Topology topology.Config `yaml:"topology"`
	Health   health.Config   `yaml:"health"`
}

// Load reads and parses a YAML config file from path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &f, nil
}
