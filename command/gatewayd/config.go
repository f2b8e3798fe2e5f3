// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"flag"
	"fmt"
)

// Config is the gatewayd process's typed configuration target. Per
// SPEC_FULL.md's Configuration section, the out-of-scope TOML/file loader
// described in spec.md §1 is an external collaborator; Config is merely what
// such a loader (or, here, plain flags) populates.
type Config struct {
	LogLevel string

	// SubnetParent is the /16 CIDR each node's per-workload /24 subnet is
	// carved out of (dispatch.Config.SubnetParent).
	SubnetParent string

	// DefaultGraceSeconds is used for stop/evict directives that don't
	// specify their own grace period.
	DefaultGraceSeconds uint

	// SnapshotPath, if non-empty, is read at startup (if present) to restore
	// registry/workload state, and written on a clean shutdown.
	SnapshotPath string
}

// DefaultConfig returns the baseline Config before flags are applied.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:            "INFO",
		SubnetParent:        "10.200.0.0/16",
		DefaultGraceSeconds: 15,
	}
}

// Merge overlays non-zero fields of other onto c, returning a new Config.
// Mirrors Nomad's own Config.Merge shape (command/agent/config.go) of
// field-by-field overlay rather than a generic reflect-based merge.
func (c *Config) Merge(other *Config) *Config {
	result := *c
	if other == nil {
		return &result
	}
	if other.LogLevel != "" {
		result.LogLevel = other.LogLevel
	}
	if other.SubnetParent != "" {
		result.SubnetParent = other.SubnetParent
	}
	if other.DefaultGraceSeconds != 0 {
		result.DefaultGraceSeconds = other.DefaultGraceSeconds
	}
	if other.SnapshotPath != "" {
		result.SnapshotPath = other.SnapshotPath
	}
	return &result
}

// parseFlags builds a Config from the command line, overlaid on
// DefaultConfig.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("gatewayd", flag.ContinueOnError)
	fs.StringVar(&cfg.LogLevel, "log-level", "", "log level (TRACE, DEBUG, INFO, WARN, ERROR)")
	fs.StringVar(&cfg.SubnetParent, "subnet-parent", "", "/16 CIDR that per-node workload /24 subnets are carved from")
	fs.UintVar(&cfg.DefaultGraceSeconds, "default-grace-seconds", 0, "default stop/evict grace period")
	fs.StringVar(&cfg.SnapshotPath, "snapshot-path", "", "path to restore from at startup and write to at shutdown")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}
	return DefaultConfig().Merge(cfg), nil
}
