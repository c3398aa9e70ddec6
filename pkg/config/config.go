// Package config provides configuration loading and management for voxelreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"voxelreg/internal/models"
	"voxelreg/pkg/interpolation"
	"voxelreg/pkg/metric"
	"voxelreg/pkg/registration"
	"voxelreg/pkg/xform"
)

// ErrInvalidConfig is wrapped by every error Validate returns.
var ErrInvalidConfig = errors.New("invalid configuration")

// Range is an optional closed interval of sample values
type Range struct {
	Enabled bool    `yaml:"enabled"`
	Min     float64 `yaml:"min"`
	Max     float64 `yaml:"max"`
}

// Config represents the application configuration loaded from YAML
type Config struct {
	// Input volume geometry
	Input struct {
		// PixelSpacing is the in-plane spacing of the slice images in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SliceGap represents the physical distance between consecutive MRI slices in mm
		SliceGap float64 `yaml:"sliceGap"`

		// FloatingDataClass is one of continuous, label or binary
		FloatingDataClass string `yaml:"floatingDataClass"`
	} `yaml:"input"`

	// Registration functional and optimizer parameters
	Registration struct {
		// Metric names the similarity measure (nmi, mi, cr, msd, ncc)
		Metric string `yaml:"metric"`

		// Interpolation names the floating image kernel (nearest, linear, cubic, sinc)
		Interpolation string `yaml:"interpolation"`

		// Bins is the histogram size for continuous data
		Bins int `yaml:"bins"`

		// Threads specifies how many CPU cores to use for parallel evaluation
		Threads int `yaml:"threads"`

		// AutoCrop restricts both images to their foreground bounding box
		AutoCrop bool `yaml:"autoCrop"`

		// Background is the value treated as background by AutoCrop
		Background float64 `yaml:"background"`

		ReferenceMask Range `yaml:"referenceMask"`
		FloatingMask  Range `yaml:"floatingMask"`

		// Levels is the number of resolution levels, coarsest first
		Levels int `yaml:"levels"`

		// Method selects the search strategy (simplex or gradient)
		Method string `yaml:"method"`

		Step           float64 `yaml:"step"`
		GradientStep   float64 `yaml:"gradientStep"`
		MaxEvaluations int     `yaml:"maxEvaluations"`

		// TranslationOnly keeps the linear part of the affine transform fixed
		TranslationOnly bool `yaml:"translationOnly"`
	} `yaml:"registration"`

	// Transformation parameters
	Xform struct {
		// InversionTolerance is the residual in mm accepted by numerical inversion
		InversionTolerance float64 `yaml:"inversionTolerance"`
	} `yaml:"xform"`

	// Initial affine alignment heuristics
	Initializer struct {
		AlignCenters        bool `yaml:"alignCenters"`
		AlignCenterOfMass   bool `yaml:"alignCenterOfMass"`
		InitScales          bool `yaml:"initScales"`
		CenterInTemplateFOV bool `yaml:"centerInTemplateFOV"`
	} `yaml:"initializer"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`

		// QADir is where checkerboard fusion slices are written; empty disables them
		QADir string `yaml:"qaDir"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default input parameters
	cfg.Input.PixelSpacing = 1.0
	cfg.Input.SliceGap = 1.0
	cfg.Input.FloatingDataClass = models.DataClassContinuous.String()

	// Set default registration parameters
	cfg.Registration.Metric = metric.NormalizedMutualInformation.String()
	cfg.Registration.Interpolation = interpolation.Linear.String()
	cfg.Registration.Bins = metric.DefaultBins
	cfg.Registration.Threads = runtime.NumCPU() // Use all available cores by default
	cfg.Registration.Levels = 2
	cfg.Registration.Method = registration.NelderMead.String()
	cfg.Registration.Step = 1.0
	cfg.Registration.GradientStep = 0.1
	cfg.Registration.MaxEvaluations = 2000

	// Set default transformation parameters
	cfg.Xform.InversionTolerance = xform.DefaultInversionTolerance

	// Set default initializer parameters
	cfg.Initializer.AlignCenterOfMass = true

	// Set default output parameters
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks value ranges and that every named metric, kernel, method and data class
// is known, and that the metric can handle the floating data class.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.Input.PixelSpacing <= 0 || c.Input.SliceGap <= 0 {
		return invalid("pixel spacing and slice gap must be positive")
	}
	class, err := models.ParseDataClass(c.Input.FloatingDataClass)
	if err != nil {
		return invalid("%v", err)
	}

	kind, err := metric.ParseKind(c.Registration.Metric)
	if err != nil {
		return invalid("%v", err)
	}
	if !metric.Supports(kind, class) {
		return invalid("metric %s cannot register %s data", kind, class)
	}
	if _, err := interpolation.ParseKind(c.Registration.Interpolation); err != nil {
		return invalid("%v", err)
	}
	if _, err := registration.ParseMethod(c.Registration.Method); err != nil {
		return invalid("%v", err)
	}
	if c.Registration.Bins < 2 {
		return invalid("bins must be at least 2, got %d", c.Registration.Bins)
	}
	if c.Registration.Threads < 0 {
		return invalid("threads must not be negative")
	}
	if c.Registration.Levels < 1 {
		return invalid("levels must be at least 1, got %d", c.Registration.Levels)
	}
	if c.Registration.Step <= 0 || c.Registration.GradientStep <= 0 || c.Registration.MaxEvaluations <= 0 {
		return invalid("step, gradient step and evaluation limit must be positive")
	}
	for name, r := range map[string]Range{"reference": c.Registration.ReferenceMask, "floating": c.Registration.FloatingMask} {
		if r.Enabled && r.Min > r.Max {
			return invalid("%s mask minimum %g exceeds maximum %g", name, r.Min, r.Max)
		}
	}

	if c.Xform.InversionTolerance <= 0 {
		return invalid("inversion tolerance must be positive")
	}
	return nil
}

// Delta returns the voxel spacing of loaded slice stacks.
func (c *Config) Delta() [3]float64 {
	return [3]float64{c.Input.PixelSpacing, c.Input.PixelSpacing, c.Input.SliceGap}
}

// DataClass returns the parsed floating data class.
func (c *Config) DataClass() (models.DataClass, error) {
	return models.ParseDataClass(c.Input.FloatingDataClass)
}

// FunctionalOptions converts the registration section into functional options.
func (c *Config) FunctionalOptions() (registration.Options, error) {
	opts := registration.DefaultOptions()

	kind, err := metric.ParseKind(c.Registration.Metric)
	if err != nil {
		return opts, err
	}
	kernel, err := interpolation.ParseKind(c.Registration.Interpolation)
	if err != nil {
		return opts, err
	}

	opts.Metric = kind
	opts.Interpolation = kernel
	opts.Bins = c.Registration.Bins
	opts.Threads = c.Registration.Threads
	opts.ReferenceMask = c.Registration.ReferenceMask.intensityRange()
	opts.FloatingMask = c.Registration.FloatingMask.intensityRange()
	return opts, nil
}

// OptimizerSettings converts the registration section into optimizer settings.
func (c *Config) OptimizerSettings() (registration.OptimizerSettings, error) {
	s := registration.DefaultOptimizerSettings()

	method, err := registration.ParseMethod(c.Registration.Method)
	if err != nil {
		return s, err
	}
	s.Method = method
	s.Step = c.Registration.Step
	s.GradientStep = c.Registration.GradientStep
	s.MaxEvaluations = c.Registration.MaxEvaluations
	s.Levels = c.Registration.Levels

	if c.Registration.TranslationOnly {
		// translation follows the nine matrix entries
		s.Active = make([]bool, xform.NewIdentity().NumParams())
		s.Active[9], s.Active[10], s.Active[11] = true, true, true
	}
	return s, nil
}

// InitializerOptions converts the initializer section.
func (c *Config) InitializerOptions() registration.InitializerOptions {
	return registration.InitializerOptions{
		AlignCenters:        c.Initializer.AlignCenters,
		AlignCenterOfMass:   c.Initializer.AlignCenterOfMass,
		InitScales:          c.Initializer.InitScales,
		CenterInTemplateFOV: c.Initializer.CenterInTemplateFOV,
	}
}

func (r Range) intensityRange() models.IntensityRange {
	return models.IntensityRange{Min: r.Min, Max: r.Max, Enabled: r.Enabled}
}
