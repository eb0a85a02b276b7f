// Package config provides configuration loading and validation for planning runs.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Planner kinds.
const (
	PlannerMBD = "mbd"
	PlannerGMM = "gmm"
)

// Config holds all planning run parameters.
type Config struct {
	Seed        uint64                  `yaml:"seed"`
	Env         EnvConfig               `yaml:"env"`
	Planner     PlannerConfig           `yaml:"planner"`
	Diffusion   DiffusionConfig         `yaml:"diffusion"`
	GMM         GMMConfig               `yaml:"gmm"`
	Telemetry   TelemetryConfig         `yaml:"telemetry"`
	Recommended map[string]EnvOverrides `yaml:"recommended"`
}

// EnvConfig selects the environment.
type EnvConfig struct {
	Name     string `yaml:"name"`
	Substeps int    `yaml:"substeps"` // Physics steps per action (1 = no repeat)
}

// PlannerConfig selects the reverse diffusion variant.
type PlannerConfig struct {
	Kind    string `yaml:"kind"`    // "mbd" or "gmm"
	Workers int    `yaml:"workers"` // Rollout workers (0 = GOMAXPROCS)
}

// DiffusionConfig holds the schedule and sampling parameters.
type DiffusionConfig struct {
	Nsample            int     `yaml:"nsample"`     // Candidates per diffusion step
	Horizon            int     `yaml:"horizon"`     // Action sequence length
	Ndiffuse           int     `yaml:"ndiffuse"`    // Diffusion steps
	TempSample         float64 `yaml:"temp_sample"` // Softmax temperature
	Beta0              float64 `yaml:"beta0"`
	BetaT              float64 `yaml:"beta_t"`
	EnableDemo         bool    `yaml:"enable_demo"`
	DisableRecommended bool    `yaml:"disable_recommended"`
}

// GMMConfig holds parameters for the Gaussian-mixture variant.
type GMMConfig struct {
	Nexp int `yaml:"nexp"` // Independent diffusion chains
}

// TelemetryConfig holds logging and output parameters.
type TelemetryConfig struct {
	LogEvery       int `yaml:"log_every"`        // Log step stats every N steps (0 = never)
	HallOfFameSize int `yaml:"hall_of_fame_size"` // Best sampled candidates to keep
	PerfWindow     int `yaml:"perf_window"`       // Steps averaged by the perf collector
}

// EnvOverrides are recommended per-environment parameters. Nil fields keep the
// configured value.
type EnvOverrides struct {
	TempSample *float64 `yaml:"temp_sample,omitempty"`
	Ndiffuse   *int     `yaml:"ndiffuse,omitempty"`
	Nsample    *int     `yaml:"nsample,omitempty"`
	Horizon    *int     `yaml:"horizon,omitempty"`
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	return cfg, nil
}

// ApplyRecommended overrides diffusion parameters with the recommended values
// for the configured environment. It reports whether anything changed.
func (c *Config) ApplyRecommended() bool {
	if c.Diffusion.DisableRecommended {
		return false
	}
	rec, ok := c.Recommended[c.Env.Name]
	if !ok {
		return false
	}
	d := &c.Diffusion
	if rec.TempSample != nil {
		d.TempSample = *rec.TempSample
	}
	if rec.Ndiffuse != nil {
		d.Ndiffuse = *rec.Ndiffuse
	}
	if rec.Nsample != nil {
		d.Nsample = *rec.Nsample
	}
	if rec.Horizon != nil {
		d.Horizon = *rec.Horizon
	}
	return true
}

// Validate checks the configuration and returns an error wrapping
// ErrInvalidConfig for the first problem found.
func (c *Config) Validate() error {
	d := c.Diffusion
	switch {
	case d.Horizon <= 0:
		return invalid("diffusion.horizon must be > 0, got %d", d.Horizon)
	case d.Nsample <= 0:
		return invalid("diffusion.nsample must be > 0, got %d", d.Nsample)
	case d.Ndiffuse < 2:
		return invalid("diffusion.ndiffuse must be >= 2, got %d", d.Ndiffuse)
	case !(d.TempSample > 0):
		return invalid("diffusion.temp_sample must be > 0, got %g", d.TempSample)
	case !(d.Beta0 > 0 && d.Beta0 <= d.BetaT && d.BetaT < 1):
		return invalid("diffusion betas must satisfy 0 < beta0 <= beta_t < 1, got %g, %g", d.Beta0, d.BetaT)
	case c.Env.Name == "":
		return invalid("env.name is required")
	case c.Env.Substeps < 1:
		return invalid("env.substeps must be >= 1, got %d", c.Env.Substeps)
	case c.Planner.Workers < 0:
		return invalid("planner.workers must be >= 0, got %d", c.Planner.Workers)
	}

	switch c.Planner.Kind {
	case PlannerMBD:
	case PlannerGMM:
		if c.GMM.Nexp <= 0 {
			return invalid("gmm.nexp must be > 0, got %d", c.GMM.Nexp)
		}
	default:
		return invalid("planner.kind must be %q or %q, got %q", PlannerMBD, PlannerGMM, c.Planner.Kind)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
