// Copyright 2026 The Sapling Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPath is the default location of the daemon configuration.
const DefaultConfigPath = "/etc/sapling/daemon.yaml"

// Config is the daemon configuration loaded from the YAML config file.
type Config struct {
	// Checkouts are the filesystems to mount at startup.
	Checkouts []CheckoutConfig `koanf:"checkouts"`

	// HelperLogFile, when set, is opened by the daemon and shipped to
	// the privileged helper via set-log-file so helper diagnostics
	// land somewhere durable instead of the daemon's stderr.
	HelperLogFile string `koanf:"helper_log_file"`

	// DaemonTimeoutSeconds configures the helper's daemon timeout.
	// Zero leaves the helper's default in place.
	DaemonTimeoutSeconds int `koanf:"daemon_timeout_seconds"`

	// LogLevel controls daemon logging: "debug", "info", "warn", or
	// "error". Default: "info".
	LogLevel string `koanf:"log_level"`
}

// CheckoutConfig describes one checkout mount.
type CheckoutConfig struct {
	// MountPath is where the checkout is mounted. Must be absolute.
	MountPath string `koanf:"mount_path"`

	// ReadOnly mounts the checkout read-only.
	ReadOnly bool `koanf:"read_only"`

	// BindMounts lists repo-relative directories to bind-mount inside
	// the checkout after mounting (build output trees and the like).
	// Each entry maps a source path to a path inside the checkout.
	BindMounts []BindMountConfig `koanf:"bind_mounts"`
}

// BindMountConfig describes one bind mount inside a checkout.
type BindMountConfig struct {
	// RepoPath is the bind source on the host. Must be absolute.
	RepoPath string `koanf:"repo_path"`

	// MountPath is the bind target inside the checkout. Must be
	// absolute.
	MountPath string `koanf:"mount_path"`
}

// Validation errors returned by LoadConfig.
var (
	ErrNoCheckouts = errors.New("at least one checkout is required")
)

// DaemonTimeout returns the configured timeout as a duration, zero if
// unset.
func (c *Config) DaemonTimeout() time.Duration {
	return time.Duration(c.DaemonTimeoutSeconds) * time.Second
}

// LoadConfig reads and validates the daemon configuration.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	config := &Config{LogLevel: "info"}
	if err := k.Unmarshal("", config); err != nil {
		return nil, fmt.Errorf("parsing config from %s: %w", path, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

func (c *Config) validate() error {
	if len(c.Checkouts) == 0 {
		return ErrNoCheckouts
	}
	for _, checkout := range c.Checkouts {
		if !filepath.IsAbs(checkout.MountPath) {
			return fmt.Errorf("checkout mount_path %q is not absolute", checkout.MountPath)
		}
		for _, bind := range checkout.BindMounts {
			if !filepath.IsAbs(bind.RepoPath) {
				return fmt.Errorf("bind mount repo_path %q is not absolute", bind.RepoPath)
			}
			if !filepath.IsAbs(bind.MountPath) {
				return fmt.Errorf("bind mount mount_path %q is not absolute", bind.MountPath)
			}
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.DaemonTimeoutSeconds < 0 {
		return fmt.Errorf("daemon_timeout_seconds must not be negative")
	}
	return nil
}

// SlogLevel translates the configured level name.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
