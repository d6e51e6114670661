package tickloop

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"gopkg.in/yaml.v3"
)

// Environment variables honored by the process-wide driver factory.
const (
	// EnvDriver selects the backend of the lazily-constructed default driver
	// by name. Currently "poll" (the default).
	EnvDriver = "TICKLOOP_DRIVER"

	// EnvConfig points at a YAML configuration file; environment variables
	// override its values.
	EnvConfig = "TICKLOOP_CONFIG"

	// EnvDebug enables debug logging to stderr on the default driver when
	// set to anything other than "" / "0" / "false".
	EnvDebug = "TICKLOOP_DEBUG"
)

// Config controls construction of the process-wide default driver.
type Config struct {
	// Backend names the readiness backend: "poll" or "" for the platform
	// default.
	Backend string `yaml:"backend"`

	// Metrics enables runtime metrics collection.
	Metrics bool `yaml:"metrics"`

	// Debug attaches a JSON debug logger writing to stderr.
	Debug bool `yaml:"debug"`
}

// loadConfig assembles the factory configuration from the optional YAML file
// and the environment.
func loadConfig() (Config, error) {
	var cfg Config
	if path := os.Getenv(EnvConfig); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("tickloop: reading %s: %w", EnvConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("tickloop: parsing %s: %w", EnvConfig, err)
		}
	}
	if v := os.Getenv(EnvDriver); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(EnvDebug); v != "" {
		cfg.Debug = v != "0" && !strings.EqualFold(v, "false")
	}
	return cfg, nil
}

// NewFromConfig constructs a driver per cfg. Unknown backend names fail with
// UnsupportedFeatureError.
func NewFromConfig(cfg Config) (Driver, error) {
	var opts []LoopOption

	switch strings.ToLower(cfg.Backend) {
	case "", "poll":
		// platform default
	default:
		return nil, &UnsupportedFeatureError{Feature: fmt.Sprintf("backend %q", cfg.Backend)}
	}

	if cfg.Metrics {
		opts = append(opts, WithMetrics(true))
	}
	if cfg.Debug {
		opts = append(opts, WithLogger(newDebugLogger()))
	}

	return New(opts...)
}

// newConfiguredDriver builds the process default driver from the
// environment.
func newConfiguredDriver() (Driver, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg)
}

// newDebugLogger returns a JSON logger writing to stderr at debug level.
func newDebugLogger() *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
