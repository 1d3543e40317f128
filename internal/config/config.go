package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// BBox represents a geographic bounding box
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
	IsSet                          bool
}

// Bound returns the box as an orb.Bound, or nil when unset.
func (b *BBox) Bound() *orb.Bound {
	if b == nil || !b.IsSet {
		return nil
	}
	return &orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
}

// String formats the box the way ParseBBox reads it.
func (b *BBox) String() string {
	if b == nil || !b.IsSet {
		return ""
	}
	return fmt.Sprintf("%g,%g,%g,%g", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}

// UnmarshalYAML accepts the "minlon,minlat,maxlon,maxlat" form.
func (b *BBox) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseBBox(node.Value)
	if err != nil {
		return err
	}
	*b = *parsed
	return nil
}

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (*BBox, error) {
	if s == "" {
		return &BBox{IsSet: false}, nil
	}

	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := &BBox{
		MinLon: coords[0],
		MinLat: coords[1],
		MaxLon: coords[2],
		MaxLat: coords[3],
		IsSet:  true,
	}

	if bbox.MinLon > bbox.MaxLon {
		return nil, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", bbox.MinLon, bbox.MaxLon)
	}
	if bbox.MinLat > bbox.MaxLat {
		return nil, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", bbox.MinLat, bbox.MaxLat)
	}

	return bbox, nil
}

// Intersections holds the rules for joining crossing ways.
type Intersections struct {
	RequireHighway     bool `yaml:"require_highway"`
	MatchLayer         bool `yaml:"match_layer"`
	SkipBridgesTunnels bool `yaml:"skip_bridges_tunnels"`
}

// Config holds the global configuration
type Config struct {
	// Loading
	StyleFile string `yaml:"style"`
	BBox      *BBox  `yaml:"bbox"`

	// Runtime
	Workers          int           `yaml:"workers"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
	PageSize         int           `yaml:"page_size"`
	MemoryLimitMB    int           `yaml:"memory_limit_mb"`
	Intersections    Intersections `yaml:"intersections"`

	// HTTP
	ListenAddr string `yaml:"listen_addr"`

	// Persistence cache
	DBHost     string `yaml:"db_host"`
	DBPort     int    `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBSchema   string `yaml:"db_schema"`
	UseCache   bool   `yaml:"use_cache"`

	// Tile expiry
	ExpireMinZoom int `yaml:"expire_min_zoom"`
	ExpireMaxZoom int `yaml:"expire_max_zoom"`

	// Logging and metrics
	Verbose         bool          `yaml:"verbose"`
	LogFile         string        `yaml:"log_file"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BBox:             &BBox{},
		Workers:          runtime.NumCPU(),
		ProgressInterval: time.Second,
		PageSize:         100,
		Intersections: Intersections{
			RequireHighway:     true,
			MatchLayer:         true,
			SkipBridgesTunnels: true,
		},
		ListenAddr:      ":8080",
		DBHost:          "localhost",
		DBPort:          5432,
		DBName:          "osm",
		DBUser:          "postgres",
		DBSchema:        "public",
		ExpireMinZoom:   10,
		ExpireMaxZoom:   18,
		MetricsInterval: 30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto c. Keys missing from the
// file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// MemoryLimitBytes returns the configured memory ceiling, 0 meaning none.
func (c *Config) MemoryLimitBytes() int64 {
	return int64(c.MemoryLimitMB) << 20
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	return connStr
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.PageSize < 1 {
		return fmt.Errorf("page size must be at least 1")
	}
	if c.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative")
	}
	if c.ExpireMinZoom < 0 || c.ExpireMaxZoom > 30 || c.ExpireMinZoom > c.ExpireMaxZoom {
		return fmt.Errorf("expire zoom range %d-%d is invalid", c.ExpireMinZoom, c.ExpireMaxZoom)
	}
	return nil
}
