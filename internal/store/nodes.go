package store

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/spatial"
)

// Nodes is the node collection: shared columns plus point coordinates.
type Nodes struct {
	collection
	lons column.Column[float64]
	lats column.Column[float64]

	spatialOnce sync.Once
	spatial     *spatial.PointIndex
}

// Point returns the coordinate of node i.
func (n *Nodes) Point(i int) orb.Point {
	return orb.Point{n.lons.At(i), n.lats.At(i)}
}

// BBox returns the degenerate bound of node i.
func (n *Nodes) BBox(i int) orb.Bound {
	p := n.Point(i)
	return orb.Bound{Min: p, Max: p}
}

// Node materialises node i.
func (n *Nodes) Node(i int) *osm.Node {
	return &osm.Node{
		ID:        osm.NodeID(n.ID(i)),
		Lat:       n.lats.At(i),
		Lon:       n.lons.At(i),
		Tags:      n.TagList(i),
		Version:   n.Version(i),
		Timestamp: n.Timestamp(i),
		Visible:   true,
	}
}

// NodeByID materialises the node with the given ID.
func (n *Nodes) NodeByID(id int64) (*osm.Node, bool) {
	i := n.IndexOf(id)
	if i == NotFound {
		return nil, false
	}
	return n.Node(i), true
}

// PointByID returns the coordinate of the node with the given ID.
func (n *Nodes) PointByID(id int64) (orb.Point, bool) {
	i := n.IndexOf(id)
	if i == NotFound {
		return orb.Point{}, false
	}
	return n.Point(i), true
}

func (n *Nodes) spatialIndex() *spatial.PointIndex {
	n.spatialOnce.Do(func() {
		n.spatial = spatial.NewPointIndex(n.Len(), n.Point)
	})
	return n.spatial
}

// InBBox returns the internal indexes of nodes inside b. Builds the spatial index on first use.
func (n *Nodes) InBBox(b orb.Bound) []int32 {
	return n.spatialIndex().InBound(b)
}

// Nearest returns up to k nodes closest to p.
func (n *Nodes) Nearest(p orb.Point, k int) []int32 {
	return n.spatialIndex().Nearest(p, k)
}

func (n *Nodes) sizeBytes() int64 {
	return n.collection.sizeBytes() + int64(n.lons.Len()+n.lats.Len())*8
}
