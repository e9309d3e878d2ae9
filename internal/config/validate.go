// Trailmesh - Peer Location Sharing and Geofencing
// Copyright 2026 M. Veld (mveld)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mveld/trailmesh

package config

import (
	"fmt"
	"strings"
)

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if err := c.validateNode(); err != nil {
		return err
	}
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.Outbox.Validate(); err != nil {
		return err
	}
	if err := c.validateTracking(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateGeofence(); err != nil {
		return err
	}
	if err := c.validatePush(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateNode() error {
	if c.Node.UserID == "" {
		return fmt.Errorf("TRAILMESH_NODE_USER_ID is required")
	}
	if c.Node.DeviceID == "" {
		return fmt.Errorf("TRAILMESH_NODE_DEVICE_ID is required")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("TRAILMESH_SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("TRAILMESH_SERVER_TIMEOUT must be positive")
	}
	return nil
}

func (c *Config) validateNATS() error {
	// With an embedded server the client URL is derived at startup.
	if c.Embedded.Enabled {
		return nil
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("TRAILMESH_NATS_URL is required when the embedded server is disabled")
	}
	if !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		return fmt.Errorf("TRAILMESH_NATS_URL must start with nats:// or tls://")
	}
	return nil
}

func (c *Config) validateTracking() error {
	if c.Tracking.SampleInterval <= 0 {
		return fmt.Errorf("TRAILMESH_TRACKING_SAMPLE_INTERVAL must be positive")
	}
	if c.Tracking.HeartbeatTimeout <= c.Tracking.SampleInterval {
		return fmt.Errorf("TRAILMESH_TRACKING_HEARTBEAT_TIMEOUT must exceed the sample interval")
	}
	if c.Tracking.MaxDuration <= 0 {
		return fmt.Errorf("TRAILMESH_TRACKING_MAX_DURATION must be positive")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.FocusedInterval <= 0 || s.ForegroundInterval <= 0 || s.BackgroundInterval <= 0 || s.BatterySaverInterval <= 0 {
		return fmt.Errorf("scheduler refresh intervals must all be positive")
	}
	if s.FocusedInterval > s.ForegroundInterval {
		return fmt.Errorf("TRAILMESH_SCHEDULER_FOCUSED_INTERVAL must not exceed the foreground interval")
	}
	if s.LowBatteryThreshold < 0 || s.LowBatteryThreshold > 100 {
		return fmt.Errorf("TRAILMESH_SCHEDULER_LOW_BATTERY_THRESHOLD must be between 0 and 100, got %d", s.LowBatteryThreshold)
	}
	return nil
}

func (c *Config) validateGeofence() error {
	if c.Geofence.Path == "" {
		return fmt.Errorf("TRAILMESH_GEOFENCE_PATH is required")
	}
	if c.Geofence.ReconcileInterval <= 0 {
		return fmt.Errorf("TRAILMESH_GEOFENCE_RECONCILE_INTERVAL must be positive")
	}
	if c.Geofence.EventRetention <= 0 {
		return fmt.Errorf("TRAILMESH_GEOFENCE_EVENT_RETENTION must be positive")
	}
	if c.Geofence.PruneInterval <= 0 {
		return fmt.Errorf("TRAILMESH_GEOFENCE_PRUNE_INTERVAL must be positive")
	}
	return nil
}

func (c *Config) validatePush() error {
	if !c.Push.Enabled {
		return nil
	}
	if c.Push.KeyFile == "" {
		return fmt.Errorf("TRAILMESH_PUSH_KEY_FILE is required when push is enabled")
	}
	if c.Push.KeyID == "" || c.Push.TeamID == "" {
		return fmt.Errorf("TRAILMESH_PUSH_KEY_ID and TRAILMESH_PUSH_TEAM_ID are required when push is enabled")
	}
	if c.Push.Topic == "" {
		return fmt.Errorf("TRAILMESH_PUSH_TOPIC is required when push is enabled")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("TRAILMESH_LOGGING_LEVEL must be one of trace, debug, info, warn, error, fatal; got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("TRAILMESH_LOGGING_FORMAT must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
