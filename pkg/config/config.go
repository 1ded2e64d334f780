// Package config loads the daemon's YAML configuration file, layering
// flag and environment overrides on top the same way the teacher project
// layers CLI flags over its namespace config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/agentaflow/gpu-task-scheduler/pkg/observability"
)

// TracingConfig mirrors observability.TracingConfig's YAML shape but only
// the fields operators are expected to set from the config file.
type TracingConfig struct {
	ServiceName  string  `yaml:"service_name"`
	ExporterType string  `yaml:"exporter_type"`
	SampleRate   float64 `yaml:"sample_rate"`
}

// Config is the daemon's full configuration, as loaded from YAML.
type Config struct {
	ListenAddr      string        `yaml:"listen_addr"`
	RuntimeDir      string        `yaml:"runtime_dir"`
	PollInterval    time.Duration `yaml:"-"`
	PollIntervalRaw string        `yaml:"poll_interval"`
	FrontendOrigins []string      `yaml:"frontend_origins"`
	LogTailDefault  int           `yaml:"log_tail_default"`
	Tracing         TracingConfig `yaml:"tracing"`

	// CondaInitScript is read once at startup from CONDA_INIT_SCRIPT and
	// threaded into the Task Launcher; it has no YAML key.
	CondaInitScript string `yaml:"-"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		ListenAddr:      ":8080",
		RuntimeDir:      "./runtime",
		PollInterval:    2 * time.Second,
		PollIntervalRaw: "2s",
		FrontendOrigins: []string{"http://localhost:1895", "http://127.0.0.1:1895"},
		LogTailDefault:  100,
		Tracing: TracingConfig{
			ServiceName:  "gpu-task-scheduler",
			ExporterType: "stdout",
			SampleRate:   1.0,
		},
	}
}

// Load reads path (if non-empty) and merges it over Default, then applies
// the CONDA_INIT_SCRIPT environment override.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if cfg.PollIntervalRaw != "" {
		d, err := time.ParseDuration(cfg.PollIntervalRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid poll_interval %q: %w", cfg.PollIntervalRaw, err)
		}
		cfg.PollInterval = d
	}

	cfg.CondaInitScript = os.Getenv("CONDA_INIT_SCRIPT")

	return cfg, nil
}

// TracingServiceConfig projects Config's tracing section into the shape
// observability.NewTracingService expects.
func (c *Config) TracingServiceConfig() *observability.TracingConfig {
	base := observability.DefaultTracingConfig()
	if c.Tracing.ServiceName != "" {
		base.ServiceName = c.Tracing.ServiceName
	}
	if c.Tracing.ExporterType != "" {
		base.ExporterType = c.Tracing.ExporterType
	}
	if c.Tracing.SampleRate != 0 {
		base.SampleRate = c.Tracing.SampleRate
	}
	return base
}
