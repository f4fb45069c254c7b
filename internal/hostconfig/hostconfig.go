// Package hostconfig loads the protection core's host-level settings
// from an optional YAML file: listen addresses, TLS, logging, and the
// control API's auth toggle. Protection behavior itself (rate limits,
// timeouts, degradation policy) stays in settings.Settings, loaded
// from the environment; hostconfig only covers how the process itself
// is wired up, the way config.Config does for the proxy it was
// generalized from.
package hostconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the host-level settings for running the protection core
// as a standalone process.
type Config struct {
	Listen        string        `yaml:"listen"`
	ControlListen string        `yaml:"control_listen"`
	DecisionLog   string        `yaml:"decision_log"`
	TLS           TLSConfig     `yaml:"tls"`
	Logging       LoggingConfig `yaml:"logging"`
	Control       ControlConfig `yaml:"control"`
}

// TLSConfig controls whether the decision and control APIs are served
// over HTTPS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	AutoCert bool   `yaml:"auto_cert"`
}

// LoggingConfig controls the process's structured logger.
type LoggingConfig struct {
	Format string `yaml:"format"` // "json" or "text"
	Level  string `yaml:"level"`  // debug, info, warn, error
}

// ControlConfig controls the control API's auth requirement.
type ControlConfig struct {
	AuthEnabled bool   `yaml:"auth_enabled"`
	APIKey      string `yaml:"api_key"`
}

// Load reads and parses a host config file, falling back to Defaults
// if the path does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from a trusted CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return Defaults(), nil
		}
		return nil, fmt.Errorf("reading host config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing host config: %w", err)
	}
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating host config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config with sensible defaults for running locally.
func Defaults() *Config {
	return &Config{
		Listen:        ":8443",
		ControlListen: ":9443",
		DecisionLog:   "data/decisions.db",
		Logging: LoggingConfig{
			Format: "json",
			Level:  "info",
		},
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PROTECTCORE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("PROTECTCORE_CONTROL_LISTEN"); v != "" {
		c.ControlListen = v
	}
	if v := os.Getenv("PROTECTCORE_DECISION_LOG"); v != "" {
		c.DecisionLog = v
	}
	if v := os.Getenv("PROTECTCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROTECTCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if os.Getenv("PROTECTCORE_CONTROL_AUTH") == "true" {
		c.Control.AuthEnabled = true
	}
	if v := os.Getenv("PROTECTCORE_CONTROL_API_KEY"); v != "" {
		c.Control.APIKey = v
		c.Control.AuthEnabled = true
	}
	if os.Getenv("PROTECTCORE_TLS_ENABLED") == "true" {
		c.TLS.Enabled = true
	}
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ControlListen == "" {
		return fmt.Errorf("control listen address is required")
	}
	if c.TLS.Enabled && !c.TLS.AutoCert && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but cert_file/key_file not set and auto_cert is false")
	}
	return nil
}
