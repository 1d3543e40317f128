package store

import (
	"fmt"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/spatial"
)

// Member type codes stored in the memberTypes column.
const (
	MemberNode     uint8 = 0
	MemberWay      uint8 = 1
	MemberRelation uint8 = 2
)

// MemberTypeCode converts an OSM element type to its column code.
func MemberTypeCode(t osm.Type) (uint8, error) {
	switch t {
	case osm.TypeNode:
		return MemberNode, nil
	case osm.TypeWay:
		return MemberWay, nil
	case osm.TypeRelation:
		return MemberRelation, nil
	default:
		return 0, fmt.Errorf("unsupported member type %q", t)
	}
}

// MemberType converts a column code back to the OSM element type.
func MemberType(code uint8) osm.Type {
	switch code {
	case MemberNode:
		return osm.TypeNode
	case MemberWay:
		return osm.TypeWay
	default:
		return osm.TypeRelation
	}
}

// Relations is the relation collection: shared columns, CSR members and bboxes.
type Relations struct {
	collection
	bboxColumn
	memberStart column.Column[int32]
	memberCount column.Column[int32]
	memberRefs  column.Column[int64]
	memberTypes column.Column[uint8]
	memberRoles column.Column[int32]

	spatialOnce sync.Once
	spatial     *spatial.BoundIndex
}

// MemberCount returns the number of members of relation i.
func (r *Relations) MemberCount(i int) int {
	return int(r.memberCount.At(i))
}

// MemberRefs returns the member IDs of relation i. The slice aliases the store.
func (r *Relations) MemberRefs(i int) []int64 {
	return r.memberRefs.Range(r.memberStart.At(i), r.memberCount.At(i))
}

// MemberTypes returns the member type codes of relation i. The slice aliases the store.
func (r *Relations) MemberTypes(i int) []uint8 {
	return r.memberTypes.Range(r.memberStart.At(i), r.memberCount.At(i))
}

// Members materialises the members of relation i.
func (r *Relations) Members(i int) osm.Members {
	refs := r.MemberRefs(i)
	if len(refs) == 0 {
		return nil
	}
	types := r.MemberTypes(i)
	roles := r.memberRoles.Range(r.memberStart.At(i), r.memberCount.At(i))
	members := make(osm.Members, len(refs))
	for j := range refs {
		members[j] = osm.Member{
			Type: MemberType(types[j]),
			Ref:  refs[j],
			Role: r.strings.Get(roles[j]),
		}
	}
	return members
}

// Relation materialises relation i.
func (r *Relations) Relation(i int) *osm.Relation {
	return &osm.Relation{
		ID:        osm.RelationID(r.ID(i)),
		Members:   r.Members(i),
		Tags:      r.TagList(i),
		Version:   r.Version(i),
		Timestamp: r.Timestamp(i),
		Visible:   true,
	}
}

// RelationByID materialises the relation with the given ID.
func (r *Relations) RelationByID(id int64) (*osm.Relation, bool) {
	i := r.IndexOf(id)
	if i == NotFound {
		return nil, false
	}
	return r.Relation(i), true
}

func (r *Relations) spatialIndex() *spatial.BoundIndex {
	r.spatialOnce.Do(func() {
		r.spatial = spatial.NewBoundIndex(r.Len(), r.BBox)
	})
	return r.spatial
}

// InBBox returns the internal indexes of relations whose bound intersects b.
func (r *Relations) InBBox(b orb.Bound) []int32 {
	return r.spatialIndex().Intersecting(b)
}

// Nearest returns up to k relations whose bounds are closest to p.
func (r *Relations) Nearest(p orb.Point, k int) []int32 {
	return r.spatialIndex().Nearest(p, k)
}

func (r *Relations) sizeBytes() int64 {
	return r.collection.sizeBytes() + int64(r.bbox.Len()+r.memberRefs.Len())*8 +
		int64(r.memberStart.Len()+r.memberCount.Len()+r.memberRoles.Len())*4 + int64(r.memberTypes.Len())
}
