// Package expire computes the map tiles a changeset invalidates, for
// renderers that re-draw only what changed.
package expire

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Tile is a slippy-map tile.
type Tile struct {
	Z int
	X int
	Y int
}

// String returns the tile in z/x/y format
func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// Web Mercator latitude limits.
const (
	MaxMercatorLat = 85.0511287798
	MinMercatorLat = -85.0511287798
)

// validBound reports whether b is a non-inverted WGS84 box.
func validBound(b orb.Bound) bool {
	return b.Min[0] <= b.Max[0] && b.Min[1] <= b.Max[1] &&
		b.Min[0] >= -180 && b.Max[0] <= 180 &&
		b.Min[1] >= -90 && b.Max[1] <= 90
}

// TileAt converts a lon/lat point to the tile containing it at zoom.
func TileAt(p orb.Point, zoom int) Tile {
	lon := math.Max(-180, math.Min(180, p[0]))
	lat := math.Max(MinMercatorLat, math.Min(MaxMercatorLat, p[1]))

	n := float64(int(1) << zoom)

	x := int((lon + 180.0) / 360.0 * n)
	if x >= int(n) {
		x = int(n) - 1
	}

	latRad := lat * math.Pi / 180.0
	y := int((1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n)
	if y >= int(n) {
		y = int(n) - 1
	}
	if y < 0 {
		y = 0
	}

	return Tile{Z: zoom, X: x, Y: y}
}

// TileRange is an inclusive block of tiles at one zoom level.
type TileRange struct {
	Z          int
	MinX, MaxX int
	MinY, MaxY int
}

// RangeOf returns the tiles covering b at zoom. Tile Y grows southwards.
func RangeOf(b orb.Bound, zoom int) TileRange {
	topLeft := TileAt(orb.Point{b.Min[0], b.Max[1]}, zoom)
	bottomRight := TileAt(orb.Point{b.Max[0], b.Min[1]}, zoom)

	return TileRange{
		Z:    zoom,
		MinX: topLeft.X,
		MaxX: bottomRight.X,
		MinY: topLeft.Y,
		MaxY: bottomRight.Y,
	}
}

// Count returns the number of tiles in the range
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Tiles lists the range column by column.
func (r TileRange) Tiles() []Tile {
	tiles := make([]Tile, 0, r.Count())
	for x := r.MinX; x <= r.MaxX; x++ {
		for y := r.MinY; y <= r.MaxY; y++ {
			tiles = append(tiles, Tile{Z: r.Z, X: x, Y: y})
		}
	}
	return tiles
}

// TilesForBound returns every tile touched by b from minZoom to maxZoom.
func TilesForBound(b orb.Bound, minZoom, maxZoom int) []Tile {
	if !validBound(b) {
		return nil
	}

	var tiles []Tile
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, RangeOf(b, z).Tiles()...)
	}
	return tiles
}

// TilesForPoint returns the tile containing p at each zoom level.
func TilesForPoint(p orb.Point, minZoom, maxZoom int) []Tile {
	tiles := make([]Tile, 0, maxZoom-minZoom+1)
	for z := minZoom; z <= maxZoom; z++ {
		tiles = append(tiles, TileAt(p, z))
	}
	return tiles
}
