package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

// harnessConfig is the optional YAML sidecar this CLI accepts via
// --config, layered underneath whatever flags the invoker passed
// explicitly. It is deliberately small: the harness's own inputs
// (bootstrap, plugins, read allowlist, open path) plus the few host
// tunables the harness passes to host.Host's setters. The host does not
// read config.Config.
type harnessConfig struct {
	Bootstrap    string   `yaml:"bootstrap"`
	Plugins      []string `yaml:"plugins"`
	AllowFSRead  []string `yaml:"allow_fs_read"`
	OpenPath     string   `yaml:"open_path"`
	LoadTimeout  int      `yaml:"load_timeout_ms"`
	EventTimeout int      `yaml:"event_timeout_ms"`
	MemLimitMB   int      `yaml:"mem_limit_mb"`
	StackLimitKB int      `yaml:"stack_limit_kb"`
	LogPath      string   `yaml:"log_path"`
}

func loadHarnessConfig(path string) (*harnessConfig, error) {
	if path == "" {
		return &harnessConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &harnessConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
