// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package outbox provides the durable offline delivery queue. Outbound
// messages are appended to BadgerDB (ACID, fsync) before any transport
// handoff, so a publish never silently loses data on disconnect. The
// queue preserves strict enqueue order and survives process restarts.
package outbox

import (
	"time"
)

// Config holds offline delivery queue configuration.
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	// Should be on a durable filesystem (not tmpfs).
	Path string `koanf:"path"`

	// InMemory runs BadgerDB without disk persistence. Test use only.
	InMemory bool `koanf:"in_memory"`

	// SyncWrites forces fsync after every write for maximum durability.
	SyncWrites bool `koanf:"sync_writes"`

	// MaxRetries is the delivery attempt ceiling per entry. An entry
	// exceeding it is marked failed and left for explicit caller action.
	MaxRetries int `koanf:"max_retries"`

	// RetryBackoff is the initial backoff for exponential retry delay.
	RetryBackoff time.Duration `koanf:"retry_backoff"`

	// Retention is how long sent and failed entries are kept before
	// compaction removes them.
	Retention time.Duration `koanf:"retention"`

	// CompactInterval is the time between compaction runs.
	CompactInterval time.Duration `koanf:"compact_interval"`
}

// DefaultConfig returns queue defaults that prioritize durability.
func DefaultConfig() Config {
	return Config{
		Path:            "/data/outbox",
		SyncWrites:      true,
		MaxRetries:      3,
		RetryBackoff:    2 * time.Second,
		Retention:       24 * time.Hour,
		CompactInterval: 10 * time.Minute,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.MaxRetries < 1 {
		return &ConfigError{Field: "MaxRetries", Message: "must be at least 1"}
	}
	if c.RetryBackoff <= 0 {
		return &ConfigError{Field: "RetryBackoff", Message: "must be positive"}
	}
	if c.Retention < time.Minute {
		return &ConfigError{Field: "Retention", Message: "must be at least 1 minute"}
	}
	if c.CompactInterval < time.Second {
		return &ConfigError{Field: "CompactInterval", Message: "must be at least 1 second"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "outbox config error: " + e.Field + ": " + e.Message
}
