// Package config provides configuration parsing and validation for the
// agent.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete agent configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agent        AgentConfig        `yaml:"agent"`
	Dial         DialConfig         `yaml:"dial"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// OrchestratorConfig identifies the control endpoint the agent dials out to.
type OrchestratorConfig struct {
	// Address is the host:port to dial, e.g. "orchestrator.example.com:9443".
	Address string `yaml:"address"`

	// DialTimeout bounds connecting to the orchestrator.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// ReadTimeout is the control-socket inactivity timeout: if no frame
	// arrives within this window the session is considered dead.
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// HeartbeatInterval is how long the control socket may sit idle (no
	// outbound heartbeat) before one is emitted.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// AgentConfig controls identity, logging, and process-level behavior.
type AgentConfig struct {
	// Identity is the opaque payload sent in REGISTER.
	Identity string `yaml:"identity"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// DialConfig controls outbound target dialing.
type DialConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// PerHostRate is dial attempts per second allowed against a single
	// target host. Zero disables the limiter.
	PerHostRate float64 `yaml:"per_host_rate"`
	PerHostBurst int     `yaml:"per_host_burst"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	// ListenAddress, if non-empty, serves /metrics on this address.
	ListenAddress string `yaml:"listen_address"`
}

// Default returns a Config populated with the defaults described in the
// component's timeouts: 30s dial, 30s control-socket inactivity, 30s
// heartbeat cadence.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			DialTimeout:       30 * time.Second,
			ReadTimeout:       30 * time.Second,
			HeartbeatInterval: 30 * time.Second,
		},
		Agent: AgentConfig{
			Identity:  "agent",
			LogLevel:  "info",
			LogFormat: "text",
		},
		Dial: DialConfig{
			Timeout:      30 * time.Second,
			PerHostRate:  10,
			PerHostBurst: 20,
		},
	}
}

// Load reads and parses configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding ${VAR} /
// ${VAR:-default} environment references before unmarshaling, and
// validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their
// values, supporting ${VAR:-default} fallback syntax.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Orchestrator.Address == "" {
		errs = append(errs, "orchestrator.address is required")
	}
	if c.Orchestrator.DialTimeout <= 0 {
		errs = append(errs, "orchestrator.dial_timeout must be positive")
	}
	if c.Orchestrator.ReadTimeout <= 0 {
		errs = append(errs, "orchestrator.read_timeout must be positive")
	}
	if c.Orchestrator.HeartbeatInterval <= 0 {
		errs = append(errs, "orchestrator.heartbeat_interval must be positive")
	}

	if c.Agent.Identity == "" {
		errs = append(errs, "agent.identity must not be empty")
	}
	if !isValidLogLevel(c.Agent.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Agent.LogLevel))
	}
	if !isValidLogFormat(c.Agent.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Agent.LogFormat))
	}

	if c.Dial.Timeout <= 0 {
		errs = append(errs, "dial.timeout must be positive")
	}
	if c.Dial.PerHostRate < 0 {
		errs = append(errs, "dial.per_host_rate must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}

// String returns a human-readable summary safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{orchestrator=%s identity=%s log=%s/%s}",
		c.Orchestrator.Address, c.Agent.Identity, c.Agent.LogLevel, c.Agent.LogFormat)
}
