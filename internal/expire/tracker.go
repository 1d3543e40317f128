package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/logger"
)

// Tracker accumulates the deduplicated set of expired tiles.
type Tracker struct {
	mu      sync.Mutex
	tiles   map[Tile]struct{}
	minZoom int
	maxZoom int
}

// NewTracker creates a tracker for the inclusive zoom range.
func NewTracker(minZoom, maxZoom int) *Tracker {
	return &Tracker{
		tiles:   make(map[Tile]struct{}),
		minZoom: minZoom,
		maxZoom: maxZoom,
	}
}

// ExpirePoint marks the tiles containing p.
func (t *Tracker) ExpirePoint(p orb.Point) {
	t.addTiles(TilesForPoint(p, t.minZoom, t.maxZoom))
}

// ExpireBound marks every tile intersecting b.
func (t *Tracker) ExpireBound(b orb.Bound) {
	t.addTiles(TilesForBound(b, t.minZoom, t.maxZoom))
}

// ExpireGeometry marks the tiles covered by g. Points expire their tile;
// everything else expires its bounding box. Nil is ignored.
func (t *Tracker) ExpireGeometry(g orb.Geometry) {
	switch v := g.(type) {
	case nil:
	case orb.Point:
		t.ExpirePoint(v)
	case orb.Collection:
		for _, c := range v {
			t.ExpireGeometry(c)
		}
	default:
		t.ExpireBound(g.Bound())
	}
}

// ExpireChanges marks the tiles of every pending change in cs. Both the
// geometry being replaced and the new geometry expire, so moved entities
// invalidate where they were and where they are.
func (t *Tracker) ExpireChanges(cs *changeset.Changeset) int {
	changes := cs.Changes()
	for _, c := range changes {
		if c.OldEntity != nil {
			t.ExpireGeometry(cs.BaseGeometry(c.OldEntity))
		}
		if c.ChangeType != changeset.Delete {
			t.ExpireGeometry(cs.Geometry(c.Entity))
		}
	}
	return len(changes)
}

func (t *Tracker) addTiles(tiles []Tile) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, tile := range tiles {
		t.tiles[tile] = struct{}{}
	}
}

// Count returns the number of unique expired tiles
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tiles)
}

// CountByZoom returns the count of tiles at each zoom level
func (t *Tracker) CountByZoom() map[int]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[int]int)
	for tile := range t.tiles {
		counts[tile.Z]++
	}
	return counts
}

// Tiles returns the expired tiles ordered by zoom, x, then y.
func (t *Tracker) Tiles() []Tile {
	t.mu.Lock()
	tiles := make([]Tile, 0, len(t.tiles))
	for tile := range t.tiles {
		tiles = append(tiles, tile)
	}
	t.mu.Unlock()

	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles
}

// Clear removes all tracked tiles
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tiles = make(map[Tile]struct{})
}

// WriteToFile writes expired tiles to a file in z/x/y format, one per line.
func (t *Tracker) WriteToFile(filename string) error {
	log := logger.Named("expire")

	tiles := t.Tiles()
	if len(tiles) == 0 {
		log.Info("No tiles to expire")
		return nil
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tile := range tiles {
		fmt.Fprintln(w, tile.String())
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write expire file: %w", err)
	}

	counts := t.CountByZoom()
	zooms := make([]int, 0, len(counts))
	for z := range counts {
		zooms = append(zooms, z)
	}
	sort.Ints(zooms)

	fields := make([]zap.Field, 0, len(counts)+2)
	fields = append(fields, zap.String("file", filename))
	for _, z := range zooms {
		fields = append(fields, zap.Int(fmt.Sprintf("z%d", z), counts[z]))
	}
	fields = append(fields, zap.Int("total", len(tiles)))
	log.Info("Wrote expire tiles", fields...)

	return f.Close()
}
