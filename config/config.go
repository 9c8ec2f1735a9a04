// Package config holds the plugin host's tunables: timeouts, resource
// limits, log destination, and console verbosity, together with the
// environment-variable defaults spec §6 specifies. It follows the
// teacher's InitDefaults/Validate config shape, extended to the host's
// full tunable surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds host-wide configuration (spec §3 "Host", §5 limits).
type Config struct {
	Verbose bool `mapstructure:"verbose"`

	LoadTimeoutMS  int `mapstructure:"load_timeout_ms"`
	EventTimeoutMS int `mapstructure:"event_timeout_ms"`

	MemLimitMB   int `mapstructure:"mem_limit_mb"`
	StackLimitKB int `mapstructure:"stack_limit_kb"`

	LogPath   string `mapstructure:"log_path"`
	LogStderr bool   `mapstructure:"log_stderr"`

	ConsoleLevel int `mapstructure:"console_level"`
}

// Configurer decouples the host from any particular config loader (cobra
// flags, a YAML file, ...), matching the teacher's dependency-injection
// shape.
type Configurer interface {
	UnmarshalKey(name string, out interface{}) error
	Has(name string) bool
}

// InitDefaults fills zero-valued fields per spec §6's environment-variable
// defaults.
func (c *Config) InitDefaults() {
	if c.LoadTimeoutMS == 0 {
		c.LoadTimeoutMS = envU32("SAGE_PLUGIN_LOAD_TIMEOUT_MS", 500)
	}
	if c.EventTimeoutMS == 0 {
		c.EventTimeoutMS = envU32("SAGE_PLUGIN_EVENT_TIMEOUT_MS", 50)
	}
	if c.MemLimitMB == 0 {
		c.MemLimitMB = envU32("SAGE_PLUGIN_MEM_LIMIT_MB", 64)
	}
	if c.StackLimitKB == 0 {
		c.StackLimitKB = envU32("SAGE_PLUGIN_STACK_LIMIT_KB", 1024)
	}
	if c.LogPath == "" {
		c.LogPath = os.Getenv("SAGE_PLUGIN_LOG")
	}
	if !c.LogStderr {
		c.LogStderr = envU32("SAGE_PLUGIN_LOG_STDERR", 0) != 0
	}
	if c.ConsoleLevel == 0 {
		c.ConsoleLevel = ConsoleLevelFromEnv(c.Verbose)
	}
}

// Validate ensures the configuration is within the ranges spec §5 allows.
func (c *Config) Validate() error {
	if c.LoadTimeoutMS < 0 {
		return fmt.Errorf("load_timeout_ms must be >= 0, got %d", c.LoadTimeoutMS)
	}
	if c.EventTimeoutMS < 0 {
		return fmt.Errorf("event_timeout_ms must be >= 0, got %d", c.EventTimeoutMS)
	}
	if c.MemLimitMB < 0 {
		return fmt.Errorf("mem_limit_mb must be >= 0, got %d", c.MemLimitMB)
	}
	if c.StackLimitKB < 0 {
		return fmt.Errorf("stack_limit_kb must be >= 0, got %d", c.StackLimitKB)
	}
	if c.ConsoleLevel < -1 || c.ConsoleLevel > 4 {
		return fmt.Errorf("console_level must be in [-1,4], got %d", c.ConsoleLevel)
	}
	return nil
}

func envU32(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return def
	}
	return int(v)
}

// ConsoleLevelFromEnv resolves SAGE_CONSOLE_LEVEL per spec §4.8: named
// levels, a clamped numeric string, or the verbose-aware default (1, or 4
// when verbose).
func ConsoleLevelFromEnv(verbose bool) int {
	s := strings.ToLower(strings.TrimSpace(os.Getenv("SAGE_CONSOLE_LEVEL")))
	def := 1
	if verbose {
		def = 4
	}
	if s == "" {
		return def
	}
	switch s {
	case "silent", "none", "off":
		return -1
	case "error":
		return 0
	case "warn", "warning":
		return 1
	case "info", "log":
		return 2
	case "verbose":
		return 3
	case "debug":
		return 4
	}
	if n, err := strconv.Atoi(s); err == nil {
		return clamp(n, -1, 4)
	}
	return def
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
