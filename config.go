package main

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the offsetloss configuration.
//
// Sources, highest precedence first:
//  1. CLI flags
//  2. Environment variables (OFFSETLOSS_LOSS_THRESHOLD, ...)
//  3. Configuration file (YAML or TOML)
//  4. Defaults
type Config struct {
	Loss    LossConfig     `mapstructure:"loss" yaml:"loss"`
	Compute ComputeSection `mapstructure:"compute" yaml:"compute"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// LossConfig holds λ and t. Both are fixed once a loss is built.
type LossConfig struct {
	// LossWeight scales the final loss. Negative values are allowed.
	LossWeight float64 `mapstructure:"loss_weight" yaml:"loss_weight"`

	// Threshold below or at which discrepancies are ignored.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// ComputeSection is the file form of ComputeConfig.
type ComputeSection struct {
	Parallel           bool `mapstructure:"parallel" yaml:"parallel"`
	Workers            int  `mapstructure:"workers" validate:"gte=0" yaml:"workers"`
	MinSizeForParallel int  `mapstructure:"min_size_for_parallel" validate:"gte=0" yaml:"min_size_for_parallel"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const envPrefix = "OFFSETLOSS"

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	compute := DefaultComputeConfig()
	return Config{
		Loss: LossConfig{
			LossWeight: DefaultLossWeight,
			Threshold:  DefaultThreshold,
		},
		Compute: ComputeSection{
			Parallel:           compute.Parallel,
			Workers:            compute.NumWorkers,
			MinSizeForParallel: compute.MinSizeForParallel,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
	}
}

// newViper returns a viper instance with defaults and environment binding.
func newViper() *viper.Viper {
	v := viper.New()
	def := DefaultConfig()

	v.SetDefault("loss.loss_weight", def.Loss.LossWeight)
	v.SetDefault("loss.threshold", def.Loss.Threshold)
	v.SetDefault("compute.parallel", def.Compute.Parallel)
	v.SetDefault("compute.workers", def.Compute.Workers)
	v.SetDefault("compute.min_size_for_parallel", def.Compute.MinSizeForParallel)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.output", def.Logging.Output)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// LoadConfig reads configuration from path (optional), the environment
// and defaults, then validates it.
func LoadConfig(path string) (*Config, error) {
	return loadConfig(newViper(), path)
}

func loadConfig(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and the numeric fields tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	// NaN thresholds would silently mask everything out.
	if math.IsNaN(c.Loss.Threshold) {
		return fmt.Errorf("%w: loss.threshold is NaN", ErrInvalidConfig)
	}
	if math.IsNaN(c.Loss.LossWeight) || math.IsInf(c.Loss.LossWeight, 0) {
		return fmt.Errorf("%w: loss.loss_weight must be finite", ErrInvalidConfig)
	}
	return nil
}

// ComputeConfig converts the file form into the runtime form.
func (c ComputeSection) ComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           c.Parallel,
		NumWorkers:         c.Workers,
		MinSizeForParallel: c.MinSizeForParallel,
	}
}

// NewLoss builds the loss described by the configuration.
func (c *Config) NewLoss() *OffsetFidelityLoss {
	return NewOffsetFidelityLoss(
		WithLossWeight(c.Loss.LossWeight),
		WithThreshold(c.Loss.Threshold),
		WithComputeConfig(c.Compute.ComputeConfig()),
	)
}
