// Package spatial provides the in-memory range and nearest-neighbour indexes
// built lazily over an entity collection. Indexes are never serialised.
package spatial

import (
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
)

// indexedPoint is a quadtree entry carrying the internal index of its entity.
type indexedPoint struct {
	p orb.Point
	i int32
}

func (ip indexedPoint) Point() orb.Point { return ip.p }

// PointIndex indexes point entities (nodes).
type PointIndex struct {
	tree  *quadtree.Quadtree
	count int
}

// NewPointIndex builds a quadtree over n points.
func NewPointIndex(n int, point func(i int) orb.Point) *PointIndex {
	if n == 0 {
		return &PointIndex{}
	}
	bound := orb.Bound{Min: point(0), Max: point(0)}
	for i := 1; i < n; i++ {
		bound = bound.Extend(point(i))
	}
	// quadtree rejects points on a zero-area bound edge case, so pad it
	tree := quadtree.New(bound.Pad(1e-9))
	idx := &PointIndex{tree: tree}
	for i := 0; i < n; i++ {
		if err := tree.Add(indexedPoint{p: point(i), i: int32(i)}); err == nil {
			idx.count++
		}
	}
	return idx
}

// Len returns the number of indexed points.
func (idx *PointIndex) Len() int {
	return idx.count
}

// InBound returns the internal indexes of all points inside b, ascending.
func (idx *PointIndex) InBound(b orb.Bound) []int32 {
	if idx.tree == nil {
		return nil
	}
	found := idx.tree.InBound(nil, b)
	out := make([]int32, 0, len(found))
	for _, f := range found {
		out = append(out, f.(indexedPoint).i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Nearest returns up to k internal indexes ordered by distance to p.
func (idx *PointIndex) Nearest(p orb.Point, k int) []int32 {
	if idx.tree == nil || k <= 0 {
		return nil
	}
	found := idx.tree.KNearest(nil, p, k)
	out := make([]int32, 0, len(found))
	for _, f := range found {
		out = append(out, f.(indexedPoint).i)
	}
	return out
}

// BoundIndex indexes entities with an extent (ways, relations) in a uniform cell grid.
// Cell membership is stored CSR-style: cellEntities[cellStart[c] : cellStart[c]+cellCount[c]].
type BoundIndex struct {
	extent     orb.Bound
	cols, rows int
	cellW      float64
	cellH      float64

	cellStart    []int32
	cellCount    []int32
	cellEntities []int32

	bounds func(i int) orb.Bound
	count  int
}

const maxGridSide = 1024

// NewBoundIndex builds a grid over n extents. Empty bounds are skipped.
func NewBoundIndex(n int, bound func(i int) orb.Bound) *BoundIndex {
	idx := &BoundIndex{bounds: bound}

	first := true
	for i := 0; i < n; i++ {
		b := bound(i)
		if b.IsEmpty() {
			continue
		}
		if first {
			idx.extent = b
			first = false
		} else {
			idx.extent = idx.extent.Union(b)
		}
		idx.count++
	}
	if idx.count == 0 {
		return idx
	}

	side := int(math.Ceil(math.Sqrt(float64(idx.count))))
	if side > maxGridSide {
		side = maxGridSide
	}
	if side < 1 {
		side = 1
	}
	idx.cols, idx.rows = side, side
	idx.cellW = math.Max((idx.extent.Max[0]-idx.extent.Min[0])/float64(side), 1e-9)
	idx.cellH = math.Max((idx.extent.Max[1]-idx.extent.Min[1])/float64(side), 1e-9)

	cells := idx.cols * idx.rows
	idx.cellStart = make([]int32, cells)
	idx.cellCount = make([]int32, cells)

	// pass 1: count memberships per cell
	for i := 0; i < n; i++ {
		b := bound(i)
		if b.IsEmpty() {
			continue
		}
		x0, y0, x1, y1 := idx.cellRange(b)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				idx.cellCount[y*idx.cols+x]++
			}
		}
	}
	var total int32
	for c := 0; c < cells; c++ {
		idx.cellStart[c] = total
		total += idx.cellCount[c]
	}

	// pass 2: fill
	idx.cellEntities = make([]int32, total)
	fill := make([]int32, cells)
	for i := 0; i < n; i++ {
		b := bound(i)
		if b.IsEmpty() {
			continue
		}
		x0, y0, x1, y1 := idx.cellRange(b)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				c := y*idx.cols + x
				idx.cellEntities[idx.cellStart[c]+fill[c]] = int32(i)
				fill[c]++
			}
		}
	}
	return idx
}

// Len returns the number of indexed extents.
func (idx *BoundIndex) Len() int {
	return idx.count
}

func (idx *BoundIndex) cellOf(x, y float64) (int, int) {
	cx := int((x - idx.extent.Min[0]) / idx.cellW)
	cy := int((y - idx.extent.Min[1]) / idx.cellH)
	return clamp(cx, 0, idx.cols-1), clamp(cy, 0, idx.rows-1)
}

func (idx *BoundIndex) cellRange(b orb.Bound) (x0, y0, x1, y1 int) {
	x0, y0 = idx.cellOf(b.Min[0], b.Min[1])
	x1, y1 = idx.cellOf(b.Max[0], b.Max[1])
	return
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Intersecting returns the internal indexes of all extents intersecting b, ascending.
func (idx *BoundIndex) Intersecting(b orb.Bound) []int32 {
	if idx.count == 0 || !idx.extent.Intersects(b) {
		return nil
	}
	seen := roaring.New()
	x0, y0, x1, y1 := idx.cellRange(b)
	for x := x0; x <= x1; x++ {
		for y := y0; y <= y1; y++ {
			c := y*idx.cols + x
			for _, e := range idx.cellEntities[idx.cellStart[c] : idx.cellStart[c]+idx.cellCount[c]] {
				if seen.Contains(uint32(e)) {
					continue
				}
				if idx.bounds(int(e)).Intersects(b) {
					seen.Add(uint32(e))
				}
			}
		}
	}
	out := make([]int32, 0, seen.GetCardinality())
	it := seen.Iterator()
	for it.HasNext() {
		out = append(out, int32(it.Next()))
	}
	return out
}

// Nearest returns up to k internal indexes ordered by distance from p to their extent.
func (idx *BoundIndex) Nearest(p orb.Point, k int) []int32 {
	if idx.count == 0 || k <= 0 {
		return nil
	}
	type candidate struct {
		i int32
		d float64
	}
	var found []candidate
	seen := roaring.New()

	cx, cy := idx.cellOf(p[0], p[1])
	maxRing := idx.cols
	if idx.rows > maxRing {
		maxRing = idx.rows
	}
	for r := 0; r <= maxRing; r++ {
		for x := cx - r; x <= cx+r; x++ {
			for y := cy - r; y <= cy+r; y++ {
				if x < 0 || y < 0 || x >= idx.cols || y >= idx.rows {
					continue
				}
				// ring cells only
				if r > 0 && x != cx-r && x != cx+r && y != cy-r && y != cy+r {
					continue
				}
				c := y*idx.cols + x
				for _, e := range idx.cellEntities[idx.cellStart[c] : idx.cellStart[c]+idx.cellCount[c]] {
					if seen.CheckedAdd(uint32(e)) {
						found = append(found, candidate{i: e, d: distanceToBound(p, idx.bounds(int(e)))})
					}
				}
			}
		}
		if len(found) >= k {
			sort.Slice(found, func(a, b int) bool {
				if found[a].d != found[b].d {
					return found[a].d < found[b].d
				}
				return found[a].i < found[b].i
			})
			// everything outside ring r is at least r cells away from p's cell
			reach := float64(r) * math.Min(idx.cellW, idx.cellH)
			if found[k-1].d <= reach {
				break
			}
		}
	}
	sort.Slice(found, func(a, b int) bool {
		if found[a].d != found[b].d {
			return found[a].d < found[b].d
		}
		return found[a].i < found[b].i
	})
	if len(found) > k {
		found = found[:k]
	}
	out := make([]int32, len(found))
	for i, c := range found {
		out[i] = c.i
	}
	return out
}

// distanceToBound is the planar distance from p to the closest point of b (0 inside).
func distanceToBound(p orb.Point, b orb.Bound) float64 {
	closest := orb.Point{
		math.Max(b.Min[0], math.Min(p[0], b.Max[0])),
		math.Max(b.Min[1], math.Min(p[1], b.Max[1])),
	}
	return planar.Distance(p, closest)
}
