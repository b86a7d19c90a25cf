// SPDX-FileCopyrightText: Copyright 2026 Crucible Authors
// SPDX-License-Identifier: Apache-2.0

// Package config contains the definition of the application config structure
// and the logic required to load it from the environment.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// Config represents the configuration of the application. Every field can be
// set through the environment variable named by its viper key (upper-cased),
// e.g. MAX_CONCURRENT_EXECUTIONS.
type Config struct {
	// Root is the directory holding sessions/ and venvs/.
	Root string

	// MaxConcurrentExecutions bounds the execution engine's slot count.
	MaxConcurrentExecutions int
	// QueueTimeout is how long an execution may wait for a slot.
	QueueTimeout time.Duration

	RateLimit RateLimitConfig
	Redis     RedisConfig

	// SessionTimeout ages out sessions by last access.
	SessionTimeout time.Duration
	// CleanupInterval is the period of the background cleanup ticker.
	CleanupInterval time.Duration
	// MaxSessionsPerClient caps live sessions per owner.
	MaxSessionsPerClient int

	VSCode VSCodeConfig

	// SharedKey, when set, is required as a bearer token on the HTTP transport.
	SharedKey string

	// InstallConcurrency caps how many language base workspaces are
	// provisioned in parallel at startup.
	InstallConcurrency int
	// WorkspaceSweepAge is the stale-session-directory threshold.
	WorkspaceSweepAge time.Duration

	// PolicyPatternsFile optionally points at a YAML file with extra
	// screening patterns.
	PolicyPatternsFile string
}

// RateLimitConfig holds the token-bucket parameters for admission control.
type RateLimitConfig struct {
	Points int
	Window time.Duration
	Block  time.Duration
}

// RedisConfig holds the connection parameters for the durable metadata tier.
// An empty Host disables the tier.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Enabled reports whether the durable tier is configured.
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// Addr returns the host:port address of the Redis server.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// VSCodeConfig holds the web-IDE helper settings.
type VSCodeConfig struct {
	// HelperCommand is the program spawned to serve a workspace over HTTP.
	// The workspace path, bind host and port are appended as arguments.
	// Empty disables endpoint provisioning.
	HelperCommand string
	// Host is the hostname used in endpoint URLs handed to callers.
	Host string
}

// Load reads the configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("crucible_root", filepath.Join(xdg.DataHome, "crucible"))
	v.SetDefault("max_concurrent_executions", 10)
	v.SetDefault("execution_queue_timeout_seconds", 60)
	v.SetDefault("rate_limit_points", 100)
	v.SetDefault("rate_limit_window_seconds", 60)
	v.SetDefault("rate_limit_block_seconds", 300)
	v.SetDefault("redis_host", "")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("session_timeout_hours", 24)
	v.SetDefault("cleanup_interval_minutes", 60)
	v.SetDefault("max_sessions_per_client", 10)
	v.SetDefault("vscode_helper_command", "")
	v.SetDefault("vscode_host", "localhost")
	v.SetDefault("mcp_shared_key", "")
	v.SetDefault("install_concurrency", 3)
	v.SetDefault("workspace_sweep_hours", 24)
	v.SetDefault("policy_patterns_file", "")

	cfg := &Config{
		Root:                    v.GetString("crucible_root"),
		MaxConcurrentExecutions: v.GetInt("max_concurrent_executions"),
		QueueTimeout:            time.Duration(v.GetInt("execution_queue_timeout_seconds")) * time.Second,
		RateLimit: RateLimitConfig{
			Points: v.GetInt("rate_limit_points"),
			Window: time.Duration(v.GetInt("rate_limit_window_seconds")) * time.Second,
			Block:  time.Duration(v.GetInt("rate_limit_block_seconds")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis_host"),
			Port:     v.GetInt("redis_port"),
			Password: v.GetString("redis_password"),
			DB:       v.GetInt("redis_db"),
		},
		SessionTimeout:       time.Duration(v.GetInt("session_timeout_hours")) * time.Hour,
		CleanupInterval:      time.Duration(v.GetInt("cleanup_interval_minutes")) * time.Minute,
		MaxSessionsPerClient: v.GetInt("max_sessions_per_client"),
		VSCode: VSCodeConfig{
			HelperCommand: v.GetString("vscode_helper_command"),
			Host:          v.GetString("vscode_host"),
		},
		SharedKey:          v.GetString("mcp_shared_key"),
		InstallConcurrency: v.GetInt("install_concurrency"),
		WorkspaceSweepAge:  time.Duration(v.GetInt("workspace_sweep_hours")) * time.Hour,
		PolicyPatternsFile: v.GetString("policy_patterns_file"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("crucible root directory must not be empty")
	}
	if c.MaxConcurrentExecutions < 1 {
		return fmt.Errorf("max concurrent executions must be at least 1, got %d", c.MaxConcurrentExecutions)
	}
	if c.QueueTimeout <= 0 {
		return fmt.Errorf("execution queue timeout must be positive, got %s", c.QueueTimeout)
	}
	if c.RateLimit.Points < 1 {
		return fmt.Errorf("rate limit points must be at least 1, got %d", c.RateLimit.Points)
	}
	if c.RateLimit.Window <= 0 || c.RateLimit.Block <= 0 {
		return fmt.Errorf("rate limit window and block durations must be positive")
	}
	if c.MaxSessionsPerClient < 1 {
		return fmt.Errorf("max sessions per client must be at least 1, got %d", c.MaxSessionsPerClient)
	}
	if c.InstallConcurrency < 1 {
		return fmt.Errorf("install concurrency must be at least 1, got %d", c.InstallConcurrency)
	}
	return nil
}

// SessionsRoot returns the directory holding per-session workspaces.
func (c *Config) SessionsRoot() string {
	return filepath.Join(c.Root, "sessions")
}

// VenvsRoot returns the directory holding per-language base workspaces.
func (c *Config) VenvsRoot() string {
	return filepath.Join(c.Root, "venvs")
}
