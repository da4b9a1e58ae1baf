// Package config provides configuration loading for the debug agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidationError describes a rejected configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// Config holds all configuration values for the debug agent.
//
// Precedence, lowest to highest: defaults, YAML file, DEBUG_AGENT_CONFIG
// JSON blob, individual DEBUG_AGENT_* environment variables.
type Config struct {
	// Program is the host-side copy of the debugged binary, used for symbols.
	Program string `json:"program" yaml:"program"`
	// DebugserverPort is the local TCP port where debugserver traffic is
	// reachable, either directly or through the bridge tunnel.
	DebugserverPort int `json:"debugserverPort" yaml:"debugserverPort"`

	// Device and BundleID identify the debugged app on the device.
	Device   string `json:"device" yaml:"device"`
	BundleID string `json:"bundleId" yaml:"bundleId"`

	// HTTP server settings
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`

	// Bridge supervision
	ManageBridge bool   `json:"manageBridge" yaml:"manageBridge"`
	BridgeBin    string `json:"bridgeBin" yaml:"bridgeBin"`
	InstallApp   string `json:"installApp" yaml:"installApp"`
	StateFile    string `json:"stateFile" yaml:"stateFile"`

	// Build command run by the "build" operation.
	BuildCommand []string `json:"buildCommand" yaml:"buildCommand"`

	// AdapterPath is the debug adapter binary.
	AdapterPath string `json:"adapterPath" yaml:"adapterPath"`

	// StrictDebugInfo refuses to start when the program lacks line tables.
	StrictDebugInfo bool `json:"strictDebugInfo" yaml:"strictDebugInfo"`

	// Device console log streaming
	StreamDeviceLogs bool   `json:"streamDeviceLogs" yaml:"streamDeviceLogs"`
	LogPredicate     string `json:"logPredicate" yaml:"logPredicate"`

	// Optional JWKS endpoint; empty disables authentication.
	JWKSEndpoint string `json:"jwksEndpoint" yaml:"jwksEndpoint"`

	// DBPath is the launch history database; empty disables persistence.
	DBPath string `json:"dbPath" yaml:"dbPath"`

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration `json:"httpReadTimeout" yaml:"httpReadTimeout"`
	HTTPWriteTimeout time.Duration `json:"httpWriteTimeout" yaml:"httpWriteTimeout"`
	HTTPIdleTimeout  time.Duration `json:"httpIdleTimeout" yaml:"httpIdleTimeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DebugserverPort:  2331,
		Host:             "127.0.0.1",
		Port:             8080,
		AdapterPath:      "lldb-dap",
		HTTPReadTimeout:  15 * time.Second,
		HTTPWriteTimeout: 0, // SSE and websocket streams must not be cut off
		HTTPIdleTimeout:  60 * time.Second,
	}
}

// Load builds the configuration from all sources. The YAML file named by
// DEBUG_AGENT_CONFIG_FILE is optional; a missing file is only an error when
// the variable names one explicitly.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("DEBUG_AGENT_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if blob := os.Getenv("DEBUG_AGENT_CONFIG"); blob != "" {
		if err := json.Unmarshal([]byte(blob), cfg); err != nil {
			return nil, fmt.Errorf("parse DEBUG_AGENT_CONFIG: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Program = getEnv("DEBUG_AGENT_PROGRAM", c.Program)
	c.DebugserverPort = getEnvInt("DEBUG_AGENT_DEBUGSERVER_PORT", c.DebugserverPort)
	c.Device = getEnv("DEBUG_AGENT_DEVICE", c.Device)
	c.BundleID = getEnv("DEBUG_AGENT_BUNDLE_ID", c.BundleID)
	c.Host = getEnv("DEBUG_AGENT_HOST", c.Host)
	c.Port = getEnvInt("DEBUG_AGENT_PORT", c.Port)
	c.ManageBridge = getEnvBool("DEBUG_AGENT_MANAGE_BRIDGE", c.ManageBridge)
	c.BridgeBin = getEnv("DEBUG_AGENT_BRIDGE_BIN", c.BridgeBin)
	c.InstallApp = getEnv("DEBUG_AGENT_INSTALL_APP", c.InstallApp)
	c.StateFile = getEnv("DEBUG_AGENT_STATE_FILE", c.StateFile)
	c.AdapterPath = getEnv("DEBUG_AGENT_ADAPTER", c.AdapterPath)
	c.StrictDebugInfo = getEnvBool("DEBUG_AGENT_STRICT_DEBUG_INFO", c.StrictDebugInfo)
	c.StreamDeviceLogs = getEnvBool("DEBUG_AGENT_STREAM_DEVICE_LOGS", c.StreamDeviceLogs)
	c.LogPredicate = getEnv("DEBUG_AGENT_LOG_PREDICATE", c.LogPredicate)
	c.JWKSEndpoint = getEnv("DEBUG_AGENT_JWKS_ENDPOINT", c.JWKSEndpoint)
	c.DBPath = getEnv("DEBUG_AGENT_DB_PATH", c.DBPath)
	if v := os.Getenv("DEBUG_AGENT_BUILD_COMMAND"); v != "" {
		c.BuildCommand = splitCommand(v)
	}
	c.HTTPReadTimeout = getEnvDuration("DEBUG_AGENT_HTTP_READ_TIMEOUT", c.HTTPReadTimeout)
	c.HTTPIdleTimeout = getEnvDuration("DEBUG_AGENT_HTTP_IDLE_TIMEOUT", c.HTTPIdleTimeout)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return &ValidationError{Field: "port", Reason: fmt.Sprintf("must be 1-65535, got %d", c.Port)}
	}
	if c.DebugserverPort < 1 || c.DebugserverPort > 65535 {
		return &ValidationError{Field: "debugserverPort", Reason: fmt.Sprintf("must be 1-65535, got %d", c.DebugserverPort)}
	}
	if c.Program == "" {
		return &ValidationError{Field: "program", Reason: "program binary path is required"}
	}
	if c.ManageBridge {
		if c.BridgeBin == "" {
			return &ValidationError{Field: "bridgeBin", Reason: "required when manageBridge is set"}
		}
		if c.Device == "" {
			return &ValidationError{Field: "device", Reason: "required when manageBridge is set"}
		}
		if c.BundleID == "" {
			return &ValidationError{Field: "bundleId", Reason: "required when manageBridge is set"}
		}
	}
	if c.StreamDeviceLogs && c.Device == "" {
		return &ValidationError{Field: "device", Reason: "required when streamDeviceLogs is set"}
	}
	return nil
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// splitCommand splits a whitespace-separated command line. Arguments with
// embedded spaces need the YAML or JSON form instead.
func splitCommand(s string) []string {
	return strings.Fields(s)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
