// Package config loads the broker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the SSH broker's configuration.
type Config struct {
	// HTTP façade
	ListenAddr string `yaml:"listen_addr"`

	// SSH auth
	PrivateKeyPath string `yaml:"private_key_path"`
	DefaultUser    string `yaml:"default_user"`
	KnownHostsPath string `yaml:"known_hosts_path"`

	// Timeouts, in seconds
	ConnectTimeoutSecs     int `yaml:"connect_timeout_secs"`
	ExecTimeoutSecs        int `yaml:"exec_timeout_secs"`
	ShellAttachTimeoutSecs int `yaml:"shell_attach_timeout_secs"`
	DefaultIdleTimeoutSecs int `yaml:"default_idle_timeout_secs"`

	// Reaper
	ReaperIntervalSecs int `yaml:"reaper_interval_secs"`

	// Audit
	AuditLogPath string `yaml:"audit_log_path"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:             ":8080",
		PrivateKeyPath:         "/etc/sshbroker/id_ed25519",
		DefaultUser:            "root",
		KnownHostsPath:         "/var/lib/sshbroker/ssh_known_hosts",
		ConnectTimeoutSecs:     30,
		ExecTimeoutSecs:        30,
		ShellAttachTimeoutSecs: 60,
		DefaultIdleTimeoutSecs: 3600,
		ReaperIntervalSecs:     300,
		AuditLogPath:           "security.log",
		LogLevel:               "INFO",
	}
}

// LoadConfig loads configuration from a YAML file, falling back to
// DefaultConfig for any field the file leaves unset.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if v := os.Getenv("SSHBROKER_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SSHBROKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToUpper(v)
	}

	if cfg.ReaperIntervalSecs <= 0 {
		cfg.ReaperIntervalSecs = 300
	}
	if cfg.DefaultIdleTimeoutSecs <= 0 {
		cfg.DefaultIdleTimeoutSecs = 3600
	}

	return &cfg, nil
}

// ConnectTimeout returns the configured SSH dial timeout as a Duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}

// ExecTimeout returns the configured exec timeout as a Duration.
func (c *Config) ExecTimeout() time.Duration {
	return time.Duration(c.ExecTimeoutSecs) * time.Second
}

// ShellAttachTimeout returns the configured PTY attach timeout as a Duration.
func (c *Config) ShellAttachTimeout() time.Duration {
	return time.Duration(c.ShellAttachTimeoutSecs) * time.Second
}

// DefaultIdleTimeout returns the configured default session idle timeout
// as a Duration.
func (c *Config) DefaultIdleTimeout() time.Duration {
	return time.Duration(c.DefaultIdleTimeoutSecs) * time.Second
}

// ReaperInterval returns the configured reaper tick interval as a Duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSecs) * time.Second
}
