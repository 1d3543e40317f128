// Package proj reprojects exported geometries from WGS84.
package proj

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// SRID constants for common projections
const (
	SRID4326 = 4326 // WGS84 (lat/lon)
	SRID3857 = 3857 // Web Mercator
)

// maxMercatorLat keeps projected coordinates finite near the poles.
const maxMercatorLat = 85.06

// Transformer projects WGS84 geometries to a target SRID.
type Transformer struct {
	TargetSRID int
}

// NewTransformer creates a transformer from WGS84 to target.
func NewTransformer(target int) (*Transformer, error) {
	if target != SRID4326 && target != SRID3857 {
		return nil, fmt.Errorf("unsupported target SRID: %d (only 4326 and 3857 supported)", target)
	}
	return &Transformer{TargetSRID: target}, nil
}

// NeedsTransform returns true if transformation is required
func (t *Transformer) NeedsTransform() bool {
	return t != nil && t.TargetSRID != SRID4326
}

// SRID returns the SRID of transformed geometries.
func (t *Transformer) SRID() int {
	if t == nil {
		return SRID4326
	}
	return t.TargetSRID
}

func toWebMercator(p orb.Point) orb.Point {
	if p[1] > maxMercatorLat {
		p[1] = maxMercatorLat
	} else if p[1] < -maxMercatorLat {
		p[1] = -maxMercatorLat
	}
	return project.WGS84.ToMercator(p)
}

// Geometry returns g in the target projection. g is left unchanged.
func (t *Transformer) Geometry(g orb.Geometry) orb.Geometry {
	if g == nil || !t.NeedsTransform() {
		return g
	}
	return project.Geometry(orb.Clone(g), toWebMercator)
}

// ParseSRID parses a projection string to SRID
// Accepts: "4326", "3857", "EPSG:4326", "EPSG:3857"
func ParseSRID(s string) (int, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "4326", "EPSG:4326":
		return SRID4326, nil
	case "3857", "EPSG:3857":
		return SRID3857, nil
	default:
		return 0, fmt.Errorf("unsupported projection: %s (supported: 4326, 3857)", s)
	}
}
