package carta

import (
	"fmt"
	"os"
	"sort"

	"github.com/goccy/go-yaml"
)

// LayerConfig describes one hierarchical index level. The hierarchy is
// configured externally and treated as immutable input: the engine
// never derives or mutates it.
type LayerConfig struct {
	// Name identifies the layer, e.g. "country", "street", "address".
	Name string `yaml:"name"`

	// Rank orders layers by geographic specificity: lower is more
	// general ("country"), higher is more specific ("address").
	Rank int `yaml:"rank"`

	// MaxZoom is the default covering zoom for features in this layer.
	MaxZoom int `yaml:"maxzoom"`

	// Replacements are token-replacement rules ("st" -> "street")
	// applied to both indexed text and query text for this layer.
	Replacements map[string]string `yaml:"replacements,omitempty"`

	// GeometryTypes restricts the geometry kinds accepted by the
	// layer. Empty means all types are allowed.
	GeometryTypes []GeometryType `yaml:"geometry_types,omitempty"`
}

func (c LayerConfig) allowsGeometry(t GeometryType) bool {
	if len(c.GeometryTypes) == 0 {
		return true
	}
	for _, g := range c.GeometryTypes {
		if g == t {
			return true
		}
	}
	return false
}

// Config is the full layer hierarchy, ordered from most general to
// most specific once validated.
type Config struct {
	Layers []LayerConfig `yaml:"layers"`
}

// LoadConfig reads a YAML layer configuration from disk.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// validate checks the hierarchy and sorts layers general-first.
func (c *Config) validate() error {
	if len(c.Layers) == 0 {
		return fmt.Errorf("carta: config has no layers")
	}
	seenName := make(map[string]bool)
	seenRank := make(map[int]bool)
	for _, l := range c.Layers {
		if l.Name == "" {
			return fmt.Errorf("carta: layer without name")
		}
		if seenName[l.Name] {
			return fmt.Errorf("carta: duplicate layer %q", l.Name)
		}
		if seenRank[l.Rank] {
			return fmt.Errorf("carta: layer %q reuses rank %d", l.Name, l.Rank)
		}
		if l.MaxZoom < 1 || l.MaxZoom > maxCellLevel {
			return fmt.Errorf("carta: layer %q maxzoom %d out of range [1,%d]", l.Name, l.MaxZoom, maxCellLevel)
		}
		seenName[l.Name] = true
		seenRank[l.Rank] = true
	}
	sort.SliceStable(c.Layers, func(i, j int) bool {
		return c.Layers[i].Rank < c.Layers[j].Rank
	})
	return nil
}
