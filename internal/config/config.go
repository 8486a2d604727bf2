package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skypro1111/media-orchestrator/internal/launch"
	"github.com/skypro1111/media-orchestrator/internal/media"
	"github.com/skypro1111/media-orchestrator/internal/registry"
	"github.com/skypro1111/media-orchestrator/internal/telemetry"
)

// Config represents the complete orchestrator configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Registry  RegistryConfig   `yaml:"registry"`
	Worker    WorkerConfig     `yaml:"worker"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP API configuration
type ServerConfig struct {
	Address         string `yaml:"address"`
	Port            int    `yaml:"port"`
	ShutdownTimeout int    `yaml:"shutdown_timeout"` // seconds
}

// RegistryConfig describes the shared session registry
type RegistryConfig struct {
	Name     string `yaml:"name"` // empty derives the name from the API port
	Dir      string `yaml:"dir"`
	Capacity int    `yaml:"capacity"`
}

// WorkerConfig contains the settings passed to every endpoint process
type WorkerConfig struct {
	Binary   string `yaml:"binary"`
	Wavefile string `yaml:"wavefile"`
	Codec    string `yaml:"codec"`
	LogDir   string `yaml:"log_dir"` // empty discards worker output
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            9090,
			ShutdownTimeout: 10,
		},
		Registry: RegistryConfig{
			Dir:      registry.DefaultDir,
			Capacity: 1000,
		},
		Worker: WorkerConfig{
			Binary:   "media-endpoint",
			Wavefile: launch.DefaultWavefile,
			Codec:    string(media.CodecPCMU),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file on top of the defaults.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnv overlays the telemetry variables read by the orchestrator
func (c *Config) ApplyEnv() {
	c.Telemetry = c.Telemetry.Overlay(telemetry.OrchestratorEnv)
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry config: %w", err)
	}

	if err := c.Worker.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}

	if s.ShutdownTimeout < 1 {
		return fmt.Errorf("shutdown_timeout must be at least 1 second, got %d", s.ShutdownTimeout)
	}

	return nil
}

// Validate validates registry configuration
func (r *RegistryConfig) Validate() error {
	if r.Capacity < 1 || r.Capacity > registry.MaxCapacity {
		return fmt.Errorf("capacity must be between 1 and %d, got %d", registry.MaxCapacity, r.Capacity)
	}

	if r.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}

	if r.Name != "" {
		if _, err := registry.Path(registry.Config{Name: r.Name, Dir: r.Dir}); err != nil {
			return err
		}
	}

	return nil
}

// Validate validates worker configuration
func (w *WorkerConfig) Validate() error {
	if w.Binary == "" {
		return fmt.Errorf("binary cannot be empty")
	}

	if w.Wavefile == "" {
		return fmt.Errorf("wavefile cannot be empty")
	}

	if _, err := media.ParseCodec(w.Codec); err != nil {
		return err
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// RegistryLocation returns the registry location, deriving the name from the API port when unset
func (c *Config) RegistryLocation() registry.Config {
	name := c.Registry.Name
	if name == "" {
		name = fmt.Sprintf("%s_%d", launch.DefaultSharedMem, c.Server.Port)
	}
	return registry.Config{Name: name, Dir: c.Registry.Dir, Capacity: c.Registry.Capacity}
}

// WorkerOptions returns the per-process options shared by every spawned worker
func (c *Config) WorkerOptions() launch.Options {
	reg := c.RegistryLocation()
	return launch.Options{
		Wavefile:  c.Worker.Wavefile,
		Codec:     c.Worker.Codec,
		SharedMem: reg.Name,
		ShmDir:    reg.Dir,
		LogLevel:  c.Logging.Level,
	}
}

// Addr returns the HTTP listen address
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// GetShutdownTimeoutDuration returns the shutdown timeout as a time.Duration
func (s *ServerConfig) GetShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}
