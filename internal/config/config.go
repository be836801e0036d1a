// Package config handles Aster configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomwork/aster/internal/router"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/aster/config.yaml, /config/config.yaml,
// /etc/aster/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "aster", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/aster/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Aster configuration.
type Config struct {
	Identity   IdentityConfig   `yaml:"identity"`
	Workspace  WorkspaceConfig  `yaml:"workspace"`
	Adapter    AdapterConfig    `yaml:"adapter"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reflection ReflectionConfig `yaml:"reflection"`
	Proactive  ProactiveConfig  `yaml:"proactive"`
	Router     RouterConfig     `yaml:"router"`
	LogLevel   string           `yaml:"log_level"`
}

// IdentityConfig names the agent. AgentName binds the directive
// grammar, and its upper-cased form is the env-var prefix used by the
// router, scheduler, and proactive overrides.
type IdentityConfig struct {
	AgentName string `yaml:"agent_name"`
}

// EnvPrefix returns the upper-cased agent name used as the prefix for
// every ASTER_*-style environment override.
func (c IdentityConfig) EnvPrefix() string {
	return strings.ToUpper(c.AgentName)
}

// WorkspaceConfig defines the agent's workspace for file operations.
type WorkspaceConfig struct {
	// Path is the root directory for working-memory, facts, topics,
	// threads, and every other workspace-relative file the agent reads
	// or writes.
	Path string `yaml:"path"`
}

// AdapterConfig configures the default CLI adapter.
type AdapterConfig struct {
	Name      string `yaml:"name"`
	Binary    string `yaml:"binary"`
	Model     string `yaml:"model"`
	YoloFlag  string `yaml:"yolo_flag"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Timeout returns the adapter's default timeout as a time.Duration.
func (c AdapterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// SchedulerConfig configures the cognitive scheduler.
type SchedulerConfig struct {
	MinIntervalMs int     `yaml:"min_interval_ms"`
	MaxIntervalMs int     `yaml:"max_interval_ms"`
	ShouldThink   float64 `yaml:"should_think_threshold"`
}

func (c SchedulerConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalMs) * time.Millisecond
}

func (c SchedulerConfig) MaxInterval() time.Duration {
	return time.Duration(c.MaxIntervalMs) * time.Millisecond
}

// ReflectionConfig configures the reflection pipeline's rate limiting.
type ReflectionConfig struct {
	MinGapMs         int `yaml:"min_gap_ms"`
	StaleThresholdMs int `yaml:"stale_threshold_ms"`
}

func (c ReflectionConfig) MinGap() time.Duration {
	return time.Duration(c.MinGapMs) * time.Millisecond
}

func (c ReflectionConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// ProactiveConfig configures the proactive-message governor.
type ProactiveConfig struct {
	ShadowEnvVar string `yaml:"shadow_env_var"`
}

// RouterConfig optionally overrides the router's built-in route
// table; ASTER_<TYPE>_MODEL / _TIMEOUT_MS environment variables still
// apply on top at resolve time.
type RouterConfig struct {
	Conversation  *RouteOverride `yaml:"conversation"`
	Reflection    *RouteOverride `yaml:"reflection"`
	Summarization *RouteOverride `yaml:"summarization"`
	Extraction    *RouteOverride `yaml:"extraction"`
}

// RouteOverride is one invocation type's config-file override. Zero
// fields leave the built-in default for that field untouched.
type RouteOverride struct {
	Model     string `yaml:"model"`
	Mode      string `yaml:"mode"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// Table builds a router.Table from DefaultTable(), applying any
// non-zero config-file overrides on top.
func (c RouterConfig) Table() router.Table {
	table := router.DefaultTable()
	apply := func(t router.InvocationType, o *RouteOverride) {
		if o == nil {
			return
		}
		route := table[t]
		if o.Model != "" {
			route.Model = o.Model
		}
		if o.Mode != "" {
			route.Mode = router.Mode(o.Mode)
		}
		if o.TimeoutMs != 0 {
			route.TimeoutMs = o.TimeoutMs
		}
		table[t] = route
	}
	apply(router.InvocationConversation, c.Conversation)
	apply(router.InvocationReflection, c.Reflection)
	apply(router.InvocationSummarization, c.Summarization)
	apply(router.InvocationExtraction, c.Extraction)
	return table
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ASTER_WORKSPACE}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Identity.AgentName == "" {
		c.Identity.AgentName = "aster"
	}
	if c.Workspace.Path == "" {
		c.Workspace.Path = "./workspace"
	}
	if c.Adapter.Name == "" {
		c.Adapter.Name = "default"
	}
	if c.Adapter.TimeoutMs == 0 {
		c.Adapter.TimeoutMs = 120_000
	}
	if c.Scheduler.MinIntervalMs == 0 {
		c.Scheduler.MinIntervalMs = 60_000
	}
	if c.Scheduler.MaxIntervalMs == 0 {
		c.Scheduler.MaxIntervalMs = 15 * 60_000
	}
	if c.Scheduler.ShouldThink == 0 {
		c.Scheduler.ShouldThink = 0.5
	}
	if c.Reflection.MinGapMs == 0 {
		c.Reflection.MinGapMs = 5 * 60_000
	}
	if c.Reflection.StaleThresholdMs == 0 {
		c.Reflection.StaleThresholdMs = 2 * 60 * 60_000
	}
	if c.Proactive.ShadowEnvVar == "" {
		c.Proactive.ShadowEnvVar = c.Identity.EnvPrefix() + "_PROACTIVE_SHADOW"
	}
}

// applyEnvOverrides layers the process environment over the loaded
// values: <PREFIX>_REFLECTION_INTERVAL_MS sets the scheduler's max
// interval and <PREFIX>_MIN_REFLECTION_GAP_MS the reflection rate
// limit. Malformed values are ignored, leaving the configured default.
func (c *Config) applyEnvOverrides() {
	prefix := c.Identity.EnvPrefix()
	if v := os.Getenv(prefix + "_REFLECTION_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Scheduler.MaxIntervalMs = ms
		}
	}
	if v := os.Getenv(prefix + "_MIN_REFLECTION_GAP_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Reflection.MinGapMs = ms
		}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.AgentName) == "" {
		return fmt.Errorf("identity.agent_name must not be empty")
	}
	if c.Scheduler.MinIntervalMs <= 0 || c.Scheduler.MaxIntervalMs <= 0 {
		return fmt.Errorf("scheduler min/max interval must be positive")
	}
	if c.Scheduler.MinIntervalMs > c.Scheduler.MaxIntervalMs {
		return fmt.Errorf("scheduler.min_interval_ms must not exceed max_interval_ms")
	}
	if c.Scheduler.ShouldThink < 0 || c.Scheduler.ShouldThink > 1 {
		return fmt.Errorf("scheduler.should_think_threshold %v out of range [0,1]", c.Scheduler.ShouldThink)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development. All defaults are already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}
