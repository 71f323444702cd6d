// Package config loads the validator's YAML configuration and checks it
// against the network's consensus constants.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ssd-technologies/termconsensus/internal/aggregate"
	"github.com/ssd-technologies/termconsensus/internal/assignment"
	"github.com/ssd-technologies/termconsensus/internal/decay"
	"github.com/ssd-technologies/termconsensus/internal/logconsensus"
	"github.com/ssd-technologies/termconsensus/internal/ratelimit"
	"github.com/ssd-technologies/termconsensus/internal/review"
	"github.com/ssd-technologies/termconsensus/internal/scoring"
	"github.com/ssd-technologies/termconsensus/internal/submission"
	"github.com/ssd-technologies/termconsensus/internal/weights"
)

// Config is the complete validator configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Log          LogConfig          `yaml:"log"`
	Network      NetworkConfig      `yaml:"network"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Review       ReviewConfig       `yaml:"review"`
	Tasks        []scoring.Task     `yaml:"tasks" validate:"dive"`
	Aggregate    aggregate.Params   `yaml:"aggregate"`
	Weights      weights.Params     `yaml:"weights"`
	Decay        decay.Params       `yaml:"decay"`
	LogConsensus LogConsensusConfig `yaml:"log_consensus"`
	Mesh         MeshConfig         `yaml:"mesh"`
	Epoch        EpochConfig        `yaml:"epoch"`
}

type ServerConfig struct {
	Port        int     `yaml:"port" validate:"min=1,max=65535"`
	DataDir     string  `yaml:"data_dir" validate:"required"`
	AdminSecret string  `yaml:"admin_secret"`
	KeyPath     string  `yaml:"key_path"`
	RateLimit   float64 `yaml:"rate_limit" validate:"gte=0"`
	RateBurst   int     `yaml:"rate_burst" validate:"gte=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type NetworkConfig struct {
	// AllowCustomConstants permits consensus constants that differ from the
	// network values. Only test networks set it.
	AllowCustomConstants bool     `yaml:"allow_custom_constants"`
	Banned               []string `yaml:"banned"`
}

type AdmissionConfig struct {
	RateLimitWindow uint64 `yaml:"rate_limit_window" validate:"min=1"`
	MaxPayloadBytes int    `yaml:"max_payload_bytes" validate:"min=1"`
	MaxTasks        int    `yaml:"max_tasks" validate:"min=1"`
}

type ReviewConfig struct {
	Timeout              time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxReplacementRounds int           `yaml:"max_replacement_rounds" validate:"min=1"`
	MinCodeScore         float64       `yaml:"min_code_score" validate:"gte=0,lte=1"`
	SweepInterval        time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	Structural           review.Rules  `yaml:"structural"`
}

type LogConsensusConfig struct {
	MaxEpochs   int `yaml:"max_epochs" validate:"min=1"`
	MinExpected int `yaml:"min_expected" validate:"min=1"`
}

type MeshConfig struct {
	OfflineTimeout time.Duration `yaml:"offline_timeout" validate:"gt=0"`
	PruneInterval  time.Duration `yaml:"prune_interval" validate:"gt=0"`
}

type EpochConfig struct {
	// Length is the wall-clock epoch length. Zero leaves epoch advancement
	// to the admin API.
	Length time.Duration `yaml:"length" validate:"gte=0"`
}

// Default returns the network configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:      8080,
			DataDir:   "./data",
			KeyPath:   "validator.key",
			RateLimit: 10,
			RateBurst: 20,
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Admission: AdmissionConfig{
			RateLimitWindow: ratelimit.DefaultWindow,
			MaxPayloadBytes: submission.MaxPayloadBytes,
			MaxTasks:        submission.MaxTasks,
		},
		Review: ReviewConfig{
			Timeout:              assignment.DefaultReviewTimeout,
			MaxReplacementRounds: assignment.DefaultMaxReplacementRounds,
			SweepInterval:        15 * time.Second,
			Structural:           review.DefaultRules(),
		},
		Aggregate: aggregate.DefaultParams(),
		Weights:   weights.DefaultParams(),
		Decay:     decay.DefaultParams(),
		LogConsensus: LogConsensusConfig{
			MaxEpochs:   logconsensus.DefaultMaxEpochs,
			MinExpected: logconsensus.DefaultMinExpected,
		},
		Mesh: MeshConfig{
			OfflineTimeout: 2 * time.Minute,
			PruneInterval:  30 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. An empty path or a
// missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the daemon's environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := getenv("TERMCONSENSUS_DATA_DIR"); v != "" {
		c.Server.DataDir = v
	}
	if v := getenv("TERMCONSENSUS_SECRET"); v != "" {
		c.Server.AdminSecret = v
	}
	if v := getenv("TERMCONSENSUS_KEY"); v != "" {
		c.Server.KeyPath = v
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints, the parameter sets of each component
// and, unless custom constants are allowed, that consensus-critical values
// match the network.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Weights.Validate(); err != nil {
		return fmt.Errorf("weights: %w", err)
	}
	if err := c.Decay.Validate(); err != nil {
		return fmt.Errorf("decay: %w", err)
	}
	if c.Aggregate.MinEvaluations < 1 || c.Aggregate.OutlierThreshold <= 0 || c.Aggregate.VarianceCap <= 0 {
		return errors.New("aggregate: thresholds must be positive")
	}
	if c.Aggregate.MinStakeShare < 0 || c.Aggregate.MinStakeShare > 1 {
		return errors.New("aggregate: min_stake_share must be in [0,1]")
	}
	seen := make(map[string]bool, len(c.Tasks))
	for _, t := range c.Tasks {
		if t.ID == "" {
			return errors.New("tasks: empty task id")
		}
		if seen[t.ID] {
			return fmt.Errorf("tasks: duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
		switch t.Difficulty {
		case scoring.Easy, scoring.Medium, scoring.Hard:
		default:
			return fmt.Errorf("tasks: %q has unknown difficulty %q", t.ID, t.Difficulty)
		}
	}
	if c.Network.AllowCustomConstants {
		return nil
	}
	return c.checkNetworkConstants()
}

// checkNetworkConstants rejects changes to values every validator must share.
func (c *Config) checkNetworkConstants() error {
	want := Default()
	var diffs []string
	if c.Admission != want.Admission {
		diffs = append(diffs, "admission")
	}
	if c.Aggregate != want.Aggregate {
		diffs = append(diffs, "aggregate")
	}
	if c.Weights.Cap != want.Weights.Cap || c.Weights.Scale != want.Weights.Scale ||
		c.Weights.BurnIdentity != want.Weights.BurnIdentity {
		diffs = append(diffs, "weights")
	}
	if c.Decay.GracePeriod != want.Decay.GracePeriod || c.Decay.Rate != want.Decay.Rate ||
		c.Decay.MaxBurnPercent != want.Decay.MaxBurnPercent ||
		c.Decay.ImprovementThreshold != want.Decay.ImprovementThreshold {
		diffs = append(diffs, "decay")
	}
	if c.Review.Timeout != want.Review.Timeout || c.Review.MaxReplacementRounds != want.Review.MaxReplacementRounds {
		diffs = append(diffs, "review")
	}
	if len(diffs) > 0 {
		return fmt.Errorf("consensus constants changed in %v; set network.allow_custom_constants for test networks", diffs)
	}
	return nil
}

// Catalog returns the configured task catalog.
func (c *Config) Catalog() scoring.Catalog {
	cat := make(scoring.Catalog, len(c.Tasks))
	for _, t := range c.Tasks {
		cat[t.ID] = t
	}
	return cat
}

// Limits returns the admission limits for the submission validator.
func (c *Config) Limits() submission.Limits {
	return submission.Limits{MaxPayloadBytes: c.Admission.MaxPayloadBytes, MaxTasks: c.Admission.MaxTasks}
}
