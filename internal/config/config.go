// Package config provides configuration loading and validation for the
// controller. Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that points Load at a
// YAML file.
const EnvConfigPath = "SLUICE_CONFIG"

// Config holds all configuration for a controller instance.
type Config struct {
	Controller    ControllerConfig    `yaml:"controller"`
	Substrate     SubstrateConfig     `yaml:"substrate"`
	Store         StoreConfig         `yaml:"store"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ControllerConfig configures the controller's own HTTP surface.
type ControllerConfig struct {
	ListenAddr string `yaml:"listenAddr" env:"SLUICE_LISTEN_ADDR"`
}

// SubstrateConfig configures the metadata substrate connection.
type SubstrateConfig struct {
	OxiaEndpoint     string `yaml:"oxiaEndpoint" env:"SLUICE_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" env:"SLUICE_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" env:"SLUICE_OXIA_REQUEST_TIMEOUT_MS"`
}

// RequestTimeout returns the substrate request timeout as a duration.
func (c SubstrateConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// StoreConfig configures the stream metadata store.
type StoreConfig struct {
	BucketCount int `yaml:"bucketCount" env:"SLUICE_BUCKET_COUNT"`
}

// ObservabilityConfig configures metrics and logging. An empty
// MetricsAddr disables the metrics listener.
type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SLUICE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SLUICE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SLUICE_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			ListenAddr: ":10080",
		},
		Substrate: SubstrateConfig{
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "sluice",
			RequestTimeoutMs: 30000,
		},
		Store: StoreConfig{
			BucketCount: 16,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load builds the configuration from defaults, the YAML file named by
// SLUICE_CONFIG when set, and environment variable overrides, then
// validates it.
func Load() (*Config, error) {
	cfg, err := LoadNoValidate()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadNoValidate is Load without the validation pass. Admin commands
// use it so a partially filled config can still reach the substrate.
func LoadNoValidate() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPathNoValidate(path)
	}
	cfg := Default()
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads and validates configuration from a YAML file.
// Environment variables still override file values.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadFromPathNoValidate(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPathNoValidate is LoadFromPath without the validation pass.
func LoadFromPathNoValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv walks the config struct and overrides every field whose env
// tag names a set environment variable.
func applyEnv(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnv(field); err != nil {
				return err
			}
			continue
		}
		name := t.Field(i).Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("config: invalid value %q for %s: %w", raw, name, err)
			}
			field.SetInt(n)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: invalid value %q for %s: %w", raw, name, err)
			}
			field.SetBool(b)
		}
	}
	return nil
}

// Validate checks the configuration for values the controller cannot
// start with.
func (c *Config) Validate() error {
	if c.Controller.ListenAddr == "" {
		return fmt.Errorf("config: controller.listenAddr is required")
	}
	if c.Substrate.OxiaEndpoint == "" {
		return fmt.Errorf("config: substrate.oxiaEndpoint is required")
	}
	if c.Substrate.Namespace == "" {
		return fmt.Errorf("config: substrate.namespace is required")
	}
	if c.Substrate.RequestTimeoutMs <= 0 {
		return fmt.Errorf("config: substrate.requestTimeoutMs must be positive")
	}
	if c.Store.BucketCount <= 0 {
		return fmt.Errorf("config: store.bucketCount must be positive")
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Observability.LogLevel)
	}
	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Observability.LogFormat)
	}
	return nil
}
