package store

import (
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/spatial"
)

// EmptyBound is stored for entities whose geometry cannot be resolved.
var EmptyBound = orb.Bound{
	Min: orb.Point{math.Inf(1), math.Inf(1)},
	Max: orb.Point{math.Inf(-1), math.Inf(-1)},
}

// bboxColumn stores four float64 per entity: minLon, minLat, maxLon, maxLat.
type bboxColumn struct {
	bbox column.Column[float64]
}

// BBox returns the bound of entity i. Unresolved geometry yields an empty bound.
func (b *bboxColumn) BBox(i int) orb.Bound {
	v := b.bbox.Range(int32(i*4), 4)
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
}

// Ways is the way collection: shared columns, CSR node refs and bboxes.
type Ways struct {
	collection
	bboxColumn
	refStart column.Column[int32]
	refCount column.Column[int32]
	refs     column.Column[int64]

	spatialOnce sync.Once
	spatial     *spatial.BoundIndex
}

// Refs returns the node IDs of way i. The slice aliases the store and must not be modified.
func (w *Ways) Refs(i int) []int64 {
	return w.refs.Range(w.refStart.At(i), w.refCount.At(i))
}

// IsClosed reports whether way i starts and ends on the same node.
func (w *Ways) IsClosed(i int) bool {
	refs := w.Refs(i)
	return len(refs) >= 4 && refs[0] == refs[len(refs)-1]
}

// Way materialises way i.
func (w *Ways) Way(i int) *osm.Way {
	refs := w.Refs(i)
	nodes := make(osm.WayNodes, len(refs))
	for j, ref := range refs {
		nodes[j] = osm.WayNode{ID: osm.NodeID(ref)}
	}
	return &osm.Way{
		ID:        osm.WayID(w.ID(i)),
		Nodes:     nodes,
		Tags:      w.TagList(i),
		Version:   w.Version(i),
		Timestamp: w.Timestamp(i),
		Visible:   true,
	}
}

// WayByID materialises the way with the given ID.
func (w *Ways) WayByID(id int64) (*osm.Way, bool) {
	i := w.IndexOf(id)
	if i == NotFound {
		return nil, false
	}
	return w.Way(i), true
}

func (w *Ways) spatialIndex() *spatial.BoundIndex {
	w.spatialOnce.Do(func() {
		w.spatial = spatial.NewBoundIndex(w.Len(), w.BBox)
	})
	return w.spatial
}

// InBBox returns the internal indexes of ways whose bound intersects b.
func (w *Ways) InBBox(b orb.Bound) []int32 {
	return w.spatialIndex().Intersecting(b)
}

// Nearest returns up to k ways whose bounds are closest to p.
func (w *Ways) Nearest(p orb.Point, k int) []int32 {
	return w.spatialIndex().Nearest(p, k)
}

func (w *Ways) sizeBytes() int64 {
	return w.collection.sizeBytes() + int64(w.bbox.Len()+w.refs.Len())*8 + int64(w.refStart.Len()+w.refCount.Len())*4
}
