// Package config loads service configuration from struct defaults, an
// optional YAML file and NOWCAST_ environment variables, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/openfluke/nowcast/dgmr"
	"github.com/openfluke/nowcast/internal/logging"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: NOWCAST_SERVER__ADDR sets server.addr.
const EnvPrefix = "NOWCAST_"

// PathEnvVar overrides the config file location.
const PathEnvVar = "CONFIG_PATH"

// DefaultPaths are searched in order when no path is given.
var DefaultPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/nowcast/config.yaml",
}

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Model     ModelConfig     `koanf:"model"`
	Store     StoreConfig     `koanf:"store"`
	Kafka     KafkaConfig     `koanf:"kafka"`
	Logging   logging.Config  `koanf:"logging"`
	GPU       GPUConfig       `koanf:"gpu"`
	Inference InferenceConfig `koanf:"inference"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout      time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gt=0"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

// ModelConfig selects the served generator. When BundlePath is set the
// model is read from that file; otherwise it is looked up in the store and,
// if absent, initialised from Generator and Seed.
type ModelConfig struct {
	ID         string               `koanf:"id" validate:"required"`
	BundlePath string               `koanf:"bundle_path"`
	Seed       int64                `koanf:"seed"`
	Generator  dgmr.GeneratorConfig `koanf:"generator"`
}

// StoreConfig configures the badger model registry.
type StoreConfig struct {
	Path     string `koanf:"path" validate:"required_without=InMemory"`
	InMemory bool   `koanf:"in_memory"`
}

// KafkaConfig configures the streaming worker.
type KafkaConfig struct {
	Enabled     bool     `koanf:"enabled"`
	Brokers     []string `koanf:"brokers" validate:"required_if=Enabled true"`
	SourceTopic string   `koanf:"source_topic" validate:"required_if=Enabled true"`
	SinkTopic   string   `koanf:"sink_topic" validate:"required_if=Enabled true"`
	GroupID     string   `koanf:"group_id" validate:"required_if=Enabled true"`
	// MaxPerSecond throttles forecasts; 0 disables throttling.
	MaxPerSecond float64 `koanf:"max_per_second" validate:"gte=0"`
	// BreakerFailures consecutive sink failures open the circuit.
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gt=0"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout" validate:"gt=0"`
}

// GPUConfig enables the WebGPU convolution backend.
type GPUConfig struct {
	Enabled bool   `koanf:"enabled"`
	Vendor  string `koanf:"vendor"`
}

// InferenceConfig bounds the forecast engine.
type InferenceConfig struct {
	MaxConcurrent int           `koanf:"max_concurrent" validate:"gt=0"`
	MaxMembers    int           `koanf:"max_members" validate:"gt=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      5 * time.Minute,
			ShutdownTimeout:   15 * time.Second,
			MaxBodyBytes:      64 << 20,
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Model: ModelConfig{
			ID:        "dgmr",
			Generator: dgmr.DefaultGeneratorConfig(),
		},
		Store: StoreConfig{Path: "data/models"},
		Kafka: KafkaConfig{
			SourceTopic:     "radar-frames",
			SinkTopic:       "nowcasts",
			GroupID:         "nowcast",
			BreakerFailures: 5,
			BreakerTimeout:  30 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		GPU:     GPUConfig{Vendor: "nvidia"},
		Inference: InferenceConfig{
			MaxConcurrent: 1,
			MaxMembers:    8,
			Timeout:       5 * time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty, in which case
// CONFIG_PATH and then DefaultPaths are tried; a missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
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

// envTransform maps NOWCAST_KAFKA__SOURCE_TOPIC to kafka.source_topic.
func envTransform(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field tags and the generator geometry.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag())
		}
		return err
	}
	if c.Model.BundlePath == "" {
		if err := c.Model.Generator.Validate(); err != nil {
			return err
		}
	}
	return nil
}
