// Package config provides configuration loading and validation for the media orchestrator.
// It handles YAML-based configuration with per-section validation, defaults for every
// field, and the environment overrides used for telemetry settings.
package config
