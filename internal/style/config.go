package style

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/paulmach/osm"
	"gopkg.in/yaml.v3"
)

// Config selects which entities of each type are loaded. A nil section keeps
// every entity of that type.
type Config struct {
	Nodes     *FilterConfig `yaml:"nodes,omitempty"`
	Ways      *FilterConfig `yaml:"ways,omitempty"`
	Relations *FilterConfig `yaml:"relations,omitempty"`

	// Script names a Lua filter file, relative to the style file. It runs
	// after the tag rules on entities they keep.
	Script string `yaml:"script,omitempty"`
	// Lua is inline filter source, used when Script is empty.
	Lua string `yaml:"lua,omitempty"`
}

// FilterConfig defines the tag rules of one entity type
type FilterConfig struct {
	// Include keeps entities carrying one of these keys, optionally limited
	// to the listed values ("*" matches any value).
	Include map[string][]string `yaml:"include,omitempty"`
	// Exclude drops entities carrying one of these keys/values. Applied after Include.
	Exclude map[string][]string `yaml:"exclude,omitempty"`
	// RequireAny drops entities carrying none of these keys.
	RequireAny []string `yaml:"require_any,omitempty"`
	// KeepUntagged keeps nodes without tags, which ways usually need for geometry.
	KeepUntagged bool `yaml:"keep_untagged,omitempty"`
}

// LoadConfig loads a style configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read style file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Script != "" && !filepath.IsAbs(cfg.Script) {
		cfg.Script = filepath.Join(filepath.Dir(path), cfg.Script)
	}
	return cfg, nil
}

// Parse decodes a style configuration.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse style YAML: %w", err)
	}
	return &cfg, nil
}

// DefaultConfig returns a configuration that keeps everything
func DefaultConfig() *Config {
	return &Config{}
}

// Selector holds the compiled filters of a Config. A Selector with a
// script must be closed.
type Selector struct {
	nodes, ways, relations *Filter
	script                 *Script
}

// KeepAll returns a selector without filters.
func KeepAll() *Selector {
	return &Selector{nodes: NewFilter(nil), ways: NewFilter(nil), relations: NewFilter(nil)}
}

// Selector compiles the configuration, including its Lua filter.
func (c *Config) Selector() (*Selector, error) {
	if c == nil {
		return KeepAll(), nil
	}
	s := &Selector{
		nodes:     NewFilter(c.Nodes),
		ways:      NewFilter(c.Ways),
		relations: NewFilter(c.Relations),
	}
	var err error
	switch {
	case c.Script != "":
		s.script, err = LoadScript(c.Script)
	case c.Lua != "":
		s.script, err = NewScript(c.Lua)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Keep reports whether o passes the tag rules of its type and the script.
func (s *Selector) Keep(o osm.Object) (bool, error) {
	var keep bool
	switch v := o.(type) {
	case *osm.Node:
		keep = s.nodes.Match(v.Tags)
	case *osm.Way:
		keep = s.ways.Match(v.Tags)
	case *osm.Relation:
		keep = s.relations.Match(v.Tags)
	}
	if !keep || s.script == nil {
		return keep, nil
	}
	return s.script.Keep(o)
}

// HasFilter reports whether any type is filtered.
func (s *Selector) HasFilter() bool {
	return s.script != nil || s.nodes.HasFilter() || s.ways.HasFilter() || s.relations.HasFilter()
}

// Close releases the script interpreter, if any.
func (s *Selector) Close() {
	if s != nil {
		s.script.Close()
	}
}

// Filter checks tags against one FilterConfig
type Filter struct {
	cfg *FilterConfig
}

// NewFilter creates a filter from configuration
func NewFilter(cfg *FilterConfig) *Filter {
	if cfg == nil {
		return &Filter{cfg: &FilterConfig{}}
	}
	return &Filter{cfg: cfg}
}

func valueMatches(values []string, v string) bool {
	if len(values) == 0 {
		return true
	}
	for _, want := range values {
		if want == v || want == "*" {
			return true
		}
	}
	return false
}

// Match returns true if an entity with these tags should be kept
func (f *Filter) Match(tags osm.Tags) bool {
	if !f.HasFilter() {
		return true
	}
	if len(tags) == 0 && f.cfg.KeepUntagged {
		return true
	}

	if len(f.cfg.RequireAny) > 0 {
		found := false
		for _, key := range f.cfg.RequireAny {
			if tags.HasTag(key) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.cfg.Include) > 0 {
		matched := false
		for key, values := range f.cfg.Include {
			if tags.HasTag(key) && valueMatches(values, tags.Find(key)) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for key, values := range f.cfg.Exclude {
		if tags.HasTag(key) && valueMatches(values, tags.Find(key)) {
			return false
		}
	}
	return true
}

// HasFilter returns true if filtering is enabled
func (f *Filter) HasFilter() bool {
	if f.cfg == nil {
		return false
	}
	return len(f.cfg.Include) > 0 || len(f.cfg.Exclude) > 0 || len(f.cfg.RequireAny) > 0
}
