package register

import (
	"fmt"
	"os"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"
)

// Orientation selects how estimated normals are flipped.
type Orientation string

const (
	OrientNone      Orientation = "none"
	OrientOutward   Orientation = "outward"
	OrientViewpoint Orientation = "viewpoint"
)

// NormalsConfig controls PCA normal estimation before registration.
type NormalsConfig struct {
	// K is the neighbourhood size; 0 disables estimation.
	K           int         `yaml:"k" json:"k"`
	Orientation Orientation `yaml:"orientation,omitempty" json:"orientation,omitempty"`
	Viewpoint   r3.Vector   `yaml:"viewpoint,omitempty" json:"viewpoint,omitempty"`
	// Recompute replaces normals that were loaded with the cloud.
	Recompute bool `yaml:"recompute,omitempty" json:"recompute,omitempty"`
}

// PreprocessConfig cleans both clouds before normal estimation. Zero values
// disable each step; enabled steps run in field order.
type PreprocessConfig struct {
	// OutlierK > 0 removes up to OutlierPercent percent of the points whose
	// mean squared distance to their OutlierK neighbours exceeds
	// OutlierDistance squared.
	OutlierK        int     `yaml:"outlierK,omitempty" json:"outlierK,omitempty"`
	OutlierPercent  float64 `yaml:"outlierPercent,omitempty" json:"outlierPercent,omitempty"`
	OutlierDistance float64 `yaml:"outlierDistance,omitempty" json:"outlierDistance,omitempty"`

	// GridSize keeps one point per cubic cell of this size.
	GridSize float64 `yaml:"gridSize,omitempty" json:"gridSize,omitempty"`

	// RandomRemovePercent drops this percentage of the remaining points.
	RandomRemovePercent float64 `yaml:"randomRemovePercent,omitempty" json:"randomRemovePercent,omitempty"`
	Seed                int64   `yaml:"seed,omitempty" json:"seed,omitempty"`
}

func (c PreprocessConfig) enabled() bool {
	return c.OutlierK > 0 || c.GridSize > 0 || c.RandomRemovePercent > 0
}

// Validate checks the ranges of every step.
func (c PreprocessConfig) Validate() error {
	switch {
	case c.OutlierK < 0:
		return fmt.Errorf("%w: outlierK must be non-negative, got %d", ErrInvalidConfiguration, c.OutlierK)
	case c.OutlierPercent < 0 || c.OutlierPercent > 100:
		return fmt.Errorf("%w: outlierPercent must be in [0,100], got %g", ErrInvalidConfiguration, c.OutlierPercent)
	case c.OutlierDistance < 0:
		return fmt.Errorf("%w: outlierDistance must be non-negative, got %g", ErrInvalidConfiguration, c.OutlierDistance)
	case c.GridSize < 0:
		return fmt.Errorf("%w: gridSize must be non-negative, got %g", ErrInvalidConfiguration, c.GridSize)
	case c.RandomRemovePercent < 0 || c.RandomRemovePercent >= 100:
		return fmt.Errorf("%w: randomRemovePercent must be in [0,100), got %g", ErrInvalidConfiguration, c.RandomRemovePercent)
	}
	return nil
}

// MQTTConfig holds broker settings for publishing reports.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty"`
	ClientID      string `yaml:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty"`
}

// Config is the unified configuration file.
type Config struct {
	Global     GlobalConfig     `yaml:"global"`
	ICP        ICPConfig        `yaml:"icp"`
	Preprocess PreprocessConfig `yaml:"preprocess,omitempty"`
	Normals    NormalsConfig    `yaml:"normals"`
	SkipGlobal bool             `yaml:"skipGlobal,omitempty"`
	MQTT       MQTTConfig       `yaml:"mqtt,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		Global:  DefaultGlobalConfig(),
		ICP:     DefaultICPConfig(),
		Normals: NormalsConfig{K: 24, Orientation: OrientNone},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.ICP.Validate(); err != nil {
		return fmt.Errorf("icp: %w", err)
	}
	if err := c.Preprocess.Validate(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	if c.Normals.K < 0 {
		return fmt.Errorf("normals: %w: k must be non-negative, got %d", ErrInvalidConfiguration, c.Normals.K)
	}
	switch c.Normals.Orientation {
	case "", OrientNone, OrientOutward, OrientViewpoint:
	default:
		return fmt.Errorf("normals: %w: unknown orientation %q", ErrInvalidConfiguration, c.Normals.Orientation)
	}
	return nil
}

// LoadConfig loads the configuration from a YAML file. Keys missing from the
// file keep their default values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
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
