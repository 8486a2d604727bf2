package telemetry

import (
	"fmt"
	"net/url"
	"os"
	"time"
)

// EnvKeys names the environment variables carrying telemetry settings
type EnvKeys struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

var (
	// OrchestratorEnv is read by media-server
	OrchestratorEnv = EnvKeys{URL: "URL", Token: "token", Org: "org", Bucket: "bucket"}

	// WorkerEnv is passed to and read by media-endpoint
	WorkerEnv = EnvKeys{URL: "influx_URL", Token: "influx_token", Org: "influx_org", Bucket: "influx_bucket"}
)

// Config contains InfluxDB client configuration
type Config struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token"`
	Org        string        `yaml:"org"`
	Bucket     string        `yaml:"bucket"`
	Timeout    time.Duration `yaml:"-"`
	MaxRetries int           `yaml:"-"`
}

// Enabled reports whether a write endpoint is configured
func (c Config) Enabled() bool {
	return c.URL != ""
}

// Validate checks the configuration when telemetry is enabled
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("telemetry url %q must be an absolute http(s) URL", c.URL)
	}
	if c.Org == "" {
		return fmt.Errorf("telemetry org is required when url is set")
	}
	if c.Bucket == "" {
		return fmt.Errorf("telemetry bucket is required when url is set")
	}
	return nil
}

// Overlay returns c with every variable of keys that is set in the environment applied
func (c Config) Overlay(keys EnvKeys) Config {
	return c.overlay(keys, os.LookupEnv)
}

func (c Config) overlay(keys EnvKeys, lookup func(string) (string, bool)) Config {
	if v, ok := lookup(keys.URL); ok {
		c.URL = v
	}
	if v, ok := lookup(keys.Token); ok {
		c.Token = v
	}
	if v, ok := lookup(keys.Org); ok {
		c.Org = v
	}
	if v, ok := lookup(keys.Bucket); ok {
		c.Bucket = v
	}
	return c
}

// Environ renders the settings as worker environment entries; nothing when disabled
func (c Config) Environ() []string {
	if !c.Enabled() {
		return nil
	}
	return []string{
		WorkerEnv.URL + "=" + c.URL,
		WorkerEnv.Token + "=" + c.Token,
		WorkerEnv.Org + "=" + c.Org,
		WorkerEnv.Bucket + "=" + c.Bucket,
	}
}
