package mpc

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Discretization names the state-transcription scheme.
type Discretization string

const (
	// DiscretizationCollocation transcribes continuous dynamics with
	// orthogonal collocation on finite elements.
	DiscretizationCollocation Discretization = "collocation"
	// DiscretizationDiscrete uses the model's difference equation directly.
	DiscretizationDiscrete Discretization = "discrete"
)

// Settings collects the numeric options of the optimizer. Field names mirror
// the YAML keys accepted by LoadSettings.
type Settings struct {
	NHorizon      int     `yaml:"n_horizon"`
	NRobust       int     `yaml:"n_robust"`
	OpenLoop      bool    `yaml:"open_loop"`
	TStep         float64 `yaml:"t_step"`

	StateDiscretization Discretization `yaml:"state_discretization"`
	CollocationType     string         `yaml:"collocation_type"`
	CollocationDeg      int            `yaml:"collocation_deg"`
	CollocationNI       int            `yaml:"collocation_ni"`

	UseTerminalBounds bool `yaml:"use_terminal_bounds"`

	// NLConsCheckCollocPoints enforces nonlinear path constraints on every
	// collocation point instead of once per finite element.
	NLConsCheckCollocPoints bool `yaml:"nl_cons_check_colloc_points"`
	// NLConsSingleSlack shares one slack block across the horizon.
	NLConsSingleSlack bool `yaml:"nl_cons_single_slack"`
	// ConsCheckCollocPoints applies linear variable bounds on every
	// collocation point instead of the element boundaries only.
	ConsCheckCollocPoints bool `yaml:"cons_check_colloc_points"`

	StoreFullSolution   bool `yaml:"store_full_solution"`
	StoreLagrMultiplier bool `yaml:"store_lagr_multiplier"`

	// SolverOptions is passed through to the NLP solver untouched.
	SolverOptions map[string]any `yaml:"solver_options"`
}

// DefaultSettings mirrors the defaults of the reference implementation.
func DefaultSettings() Settings {
	return Settings{
		StateDiscretization:   DiscretizationCollocation,
		CollocationType:       "radau",
		CollocationDeg:        2,
		CollocationNI:         1,
		UseTerminalBounds:     true,
		ConsCheckCollocPoints: true,
		StoreLagrMultiplier:   true,
	}
}

// LoadSettings reads YAML settings on top of the defaults. Unknown keys are
// rejected so configuration typos fail loudly instead of silently falling
// back to defaults.
func LoadSettings(r io.Reader) (Settings, error) {
	s := DefaultSettings()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		if err == io.EOF {
			return s, nil
		}
		return Settings{}, fmt.Errorf("mpc: decoding settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettingsFile reads YAML settings from path.
func LoadSettingsFile(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("mpc: reading settings: %w", err)
	}
	return LoadSettings(bytes.NewReader(raw))
}

// Validate checks internal consistency. It is called by Setup; calling it
// earlier gives the same diagnostics without building anything.
func (s Settings) Validate() error {
	if s.NHorizon < 1 {
		return &ConfigError{Field: "n_horizon", Reason: fmt.Sprintf("must be at least 1, have %d", s.NHorizon)}
	}
	if s.NRobust < 0 {
		return &ConfigError{Field: "n_robust", Reason: fmt.Sprintf("must not be negative, have %d", s.NRobust)}
	}
	if !(s.TStep > 0) {
		return &ConfigError{Field: "t_step", Reason: fmt.Sprintf("must be positive, have %v", s.TStep)}
	}
	switch s.StateDiscretization {
	case DiscretizationCollocation:
		if s.CollocationType != "radau" {
			return &ConfigError{Field: "collocation_type", Reason: fmt.Sprintf("unsupported scheme %q", s.CollocationType)}
		}
		if s.CollocationDeg < 1 {
			return &ConfigError{Field: "collocation_deg", Reason: fmt.Sprintf("must be at least 1, have %d", s.CollocationDeg)}
		}
		if s.CollocationNI < 1 {
			return &ConfigError{Field: "collocation_ni", Reason: fmt.Sprintf("must be at least 1, have %d", s.CollocationNI)}
		}
	case DiscretizationDiscrete:
	default:
		return &ConfigError{Field: "state_discretization", Reason: fmt.Sprintf("unknown scheme %q", s.StateDiscretization)}
	}
	return nil
}
