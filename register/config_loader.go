package register

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/boneregister/metric"
	"github.com/kwv/boneregister/solver"
)

const (
	// DefaultShapeComponents is the shape size of the first shape stage.
	DefaultShapeComponents = 5
	// DefaultPixelSpacing is the detector pixel size in mm.
	DefaultPixelSpacing = 0.5
)

// LoadConfig loads the registration configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Method == "" {
		c.Method = metric.MethodPixelDifference
	}
	if c.ShapeComponents == 0 {
		c.ShapeComponents = DefaultShapeComponents
	}
	if c.PixelSpacing == 0 {
		c.PixelSpacing = DefaultPixelSpacing
	}
	if c.Stop.MinDelta == 0 {
		c.Stop.MinDelta = solver.DefaultMinDelta
	}
	if c.Stop.MaxIterations == 0 {
		c.Stop.MaxIterations = solver.DefaultMaxIterations
	}
}

// Validate checks the required fields and the image layout
func (c *Config) Validate() error {
	switch c.Method {
	case metric.MethodPixelDifference, metric.MethodMaskedPixelDifference,
		metric.MethodSquaredDifferences, metric.MethodMutualInformation:
	default:
		return fmt.Errorf("unknown method %q", c.Method)
	}
	if c.Fragments <= 0 {
		return fmt.Errorf("fragments must be positive")
	}
	if c.Views <= 0 {
		return fmt.Errorf("views must be positive")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.PixelSpacing < 0 {
		return fmt.Errorf("pixelSpacing must be positive")
	}
	if len(c.Images) != c.Fragments*c.Views {
		return fmt.Errorf("%d images configured, want fragments*views = %d", len(c.Images), c.Fragments*c.Views)
	}
	for i, img := range c.Images {
		if img.Path == "" {
			return fmt.Errorf("images[%d].path is required", i)
		}
		if c.UsesMasks() && img.Mask == "" {
			return fmt.Errorf("images[%d].mask is required for method %s", i, c.Method)
		}
	}
	if len(c.Poses) != 0 && len(c.Poses) != c.Fragments {
		return fmt.Errorf("%d poses configured for %d fragments", len(c.Poses), c.Fragments)
	}
	if c.Output.LengthFix && c.Output.Crop && c.CutPlanes() == nil {
		return fmt.Errorf("output.lengthFix needs a cutPlane for every image")
	}
	return nil
}
