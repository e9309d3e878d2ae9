// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

// Package config loads the node configuration from layered sources:
// built-in defaults, an optional YAML file, and environment variables,
// in ascending priority.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/mveld/trailmesh/internal/outbox"
	"github.com/mveld/trailmesh/internal/push"
	"github.com/mveld/trailmesh/internal/scheduler"
	"github.com/mveld/trailmesh/internal/session"
	"github.com/mveld/trailmesh/internal/tracking"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/trailmesh/config.yaml",
	"/etc/trailmesh/config.yml",
}

// ConfigPathEnvVar overrides the config file search path.
const ConfigPathEnvVar = "TRAILMESH_CONFIG"

// NodeConfig identifies this node to its peers.
type NodeConfig struct {
	// UserID is the stable peer identifier published on the wire.
	UserID string `koanf:"user_id"`

	// DeviceID distinguishes devices of the same user.
	DeviceID string `koanf:"device_id"`

	// DisplayName is sent with share invites.
	DisplayName string `koanf:"display_name"`
}

// HTTPConfig configures the local ops and UI server.
type HTTPConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr returns the listen address.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GeofenceConfig configures the geofence store and evaluator.
type GeofenceConfig struct {
	// Path is the Badger directory for regions and events.
	Path string `koanf:"path"`

	// ReconcileInterval is how often unnotified events are redelivered.
	ReconcileInterval time.Duration `koanf:"reconcile_interval"`

	// EventRetention bounds how long delivered events are kept.
	EventRetention time.Duration `koanf:"event_retention"`

	// PruneInterval is how often old events are pruned.
	PruneInterval time.Duration `koanf:"prune_interval"`
}

// LoggingConfig mirrors logging.Config without the writer field, which
// is not configurable from files or the environment.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Config is the complete node configuration.
type Config struct {
	Node      NodeConfig           `koanf:"node"`
	Server    HTTPConfig           `koanf:"server"`
	NATS      session.NATSConfig   `koanf:"nats"`
	Embedded  session.ServerConfig `koanf:"embedded_nats"`
	Outbox    outbox.Config        `koanf:"outbox"`
	Tracking  tracking.Config      `koanf:"tracking"`
	Scheduler scheduler.Config     `koanf:"scheduler"`
	Geofence  GeofenceConfig       `koanf:"geofence"`
	Push      push.Config          `koanf:"push"`
	Logging   LoggingConfig        `koanf:"logging"`
}

// defaultConfig returns a Config with every default applied. These are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			UserID:      "",
			DeviceID:    "",
			DisplayName: "",
		},
		Server: HTTPConfig{
			Host:    "127.0.0.1",
			Port:    8572,
			Timeout: 30 * time.Second,
		},
		NATS:      session.DefaultNATSConfig(),
		Embedded:  session.DefaultServerConfig(),
		Outbox:    outbox.DefaultConfig(),
		Tracking:  tracking.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Geofence: GeofenceConfig{
			Path:              "/data/trailmesh/geofence",
			ReconcileInterval: 30 * time.Second,
			EventRetention:    30 * 24 * time.Hour,
			PruneInterval:     time.Hour,
		},
		Push: push.Config{
			Enabled:    false,
			Production: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load reads configuration with layered precedence: env > file >
// defaults.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("TRAILMESH_", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile returns the first existing config file, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to koanf paths.
//
// Examples:
//   - TRAILMESH_NODE_USER_ID        -> node.user_id
//   - TRAILMESH_NATS_URL            -> nats.url
//   - TRAILMESH_OUTBOX_MAX_RETRIES  -> outbox.max_retries
//   - TRAILMESH_SERVER_PORT         -> server.port
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "TRAILMESH_"))

	// Section names never contain underscores, so the first segment is
	// always the section and the remainder is the field.
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return key
	}
	if section == "embedded" && strings.HasPrefix(field, "nats_") {
		// TRAILMESH_EMBEDDED_NATS_STORE_DIR -> embedded_nats.store_dir
		return "embedded_nats." + strings.TrimPrefix(field, "nats_")
	}
	return section + "." + field
}
