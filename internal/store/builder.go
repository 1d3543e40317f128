package store

import (
	"fmt"
	"math"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/strtab"
)

// rawCollection accumulates the shared columns of one collection during construction.
type rawCollection struct {
	ids        []int64
	tagStart   []int32
	tagCount   []int32
	tagKeys    []int32
	tagVals    []int32
	versions   []int32
	timestamps []int64
}

func (r *rawCollection) add(strings *strtab.Builder, id int64, tags osm.Tags, version int, ts int64) {
	r.ids = append(r.ids, id)
	r.tagStart = append(r.tagStart, int32(len(r.tagKeys)))
	var count int32
	for i, t := range tags {
		// first occurrence of a repeated key wins
		dup := false
		for _, prev := range tags[:i] {
			if prev.Key == t.Key {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		r.tagKeys = append(r.tagKeys, strings.Intern(t.Key))
		r.tagVals = append(r.tagVals, strings.Intern(t.Value))
		count++
	}
	r.tagCount = append(r.tagCount, count)
	r.versions = append(r.versions, int32(version))
	r.timestamps = append(r.timestamps, ts)
}

func (r *rawCollection) sizeBytes() int64 {
	n := int64(len(r.ids))
	flat := int64(len(r.tagKeys))
	// ids, sorted ids, timestamps + positions, tag ranges, versions, key index
	return n*8*3 + n*4*4 + flat*4*3
}

// finish builds the ID index and tag key reverse index.
func (r *rawCollection) finish(kind osm.Type, strings *strtab.Table) (collection, error) {
	sorted, sortedIDs, pos, err := buildIDIndex(kind, r.ids)
	if err != nil {
		return collection{}, err
	}
	keyEntities, keyStart, keyCount := buildKeyIndex(strings.Len(), r.tagStart, r.tagCount, r.tagKeys)
	return collection{
		kind:                    kind,
		strings:                 strings,
		ids:                     column.Of(r.ids),
		idsAreSorted:            sorted,
		sortedIDs:               column.Of(sortedIDs),
		sortedIDPositionToIndex: column.Of(pos),
		tagStart:                column.Of(r.tagStart),
		tagCount:                column.Of(r.tagCount),
		tagKeys:                 column.Of(r.tagKeys),
		tagVals:                 column.Of(r.tagVals),
		keyEntities:             column.Of(keyEntities),
		keyIndexStart:           column.Of(keyStart),
		keyIndexCount:           column.Of(keyCount),
		versions:                column.Of(r.versions),
		timestamps:              column.Of(r.timestamps),
	}, nil
}

// Builder constructs a Store in one bulk pass. Entities are kept in insertion
// order; inserting in ascending ID order avoids building the sorted ID index.
type Builder struct {
	id      string
	header  Header
	strings *strtab.Builder
	checker capacity.Checker

	nodes     rawCollection
	lons      []float64
	lats      []float64
	ways      rawCollection
	refStart  []int32
	refCount  []int32
	refs      []int64
	relations rawCollection
	memStart  []int32
	memCount  []int32
	memRefs   []int64
	memTypes  []uint8
	memRoles  []int32

	err error
}

// NewBuilder creates a builder for a store with the given identity.
func NewBuilder(id string) *Builder {
	return &Builder{
		id:      id,
		strings: strtab.NewBuilder(),
		checker: capacity.Unlimited{},
	}
}

// SetHeader sets the dataset header.
func (b *Builder) SetHeader(h Header) {
	b.header = h
}

// SetCapacityChecker sets the checker consulted before the final columns are built.
func (b *Builder) SetCapacityChecker(c capacity.Checker) {
	if c == nil {
		c = capacity.Unlimited{}
	}
	b.checker = c
}

func unixTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// AddNode appends a node.
func (b *Builder) AddNode(n *osm.Node) {
	b.nodes.add(b.strings, int64(n.ID), n.Tags, n.Version, unixTime(n.Timestamp))
	b.lons = append(b.lons, n.Lon)
	b.lats = append(b.lats, n.Lat)
}

// AddWay appends a way.
func (b *Builder) AddWay(w *osm.Way) {
	b.ways.add(b.strings, int64(w.ID), w.Tags, w.Version, unixTime(w.Timestamp))
	b.refStart = append(b.refStart, int32(len(b.refs)))
	b.refCount = append(b.refCount, int32(len(w.Nodes)))
	for _, wn := range w.Nodes {
		b.refs = append(b.refs, int64(wn.ID))
	}
}

// AddRelation appends a relation. Members of unknown type make Build fail.
func (b *Builder) AddRelation(r *osm.Relation) {
	b.relations.add(b.strings, int64(r.ID), r.Tags, r.Version, unixTime(r.Timestamp))
	b.memStart = append(b.memStart, int32(len(b.memRefs)))
	b.memCount = append(b.memCount, int32(len(r.Members)))
	for _, m := range r.Members {
		code, err := MemberTypeCode(m.Type)
		if err != nil && b.err == nil {
			b.err = fmt.Errorf("relation %d: %w", r.ID, err)
		}
		b.memRefs = append(b.memRefs, m.Ref)
		b.memTypes = append(b.memTypes, code)
		b.memRoles = append(b.memRoles, b.strings.Intern(m.Role))
	}
}

// Add appends any supported OSM object.
func (b *Builder) Add(o osm.Object) {
	switch e := o.(type) {
	case *osm.Node:
		b.AddNode(e)
	case *osm.Way:
		b.AddWay(e)
	case *osm.Relation:
		b.AddRelation(e)
	}
}

// Counts returns the number of nodes, ways and relations added so far.
func (b *Builder) Counts() (nodes, ways, relations int) {
	return len(b.nodes.ids), len(b.ways.ids), len(b.relations.ids)
}

func (b *Builder) estimateBytes() int64 {
	return b.strings.SizeBytes() +
		b.nodes.sizeBytes() + int64(len(b.lons)+len(b.lats))*8 +
		b.ways.sizeBytes() + int64(len(b.refs))*8 + int64(len(b.refStart))*(8+32) +
		b.relations.sizeBytes() + int64(len(b.memRefs))*13 + int64(len(b.memStart))*(8+32)
}

// Build freezes the accumulated entities into a Store. The builder must not be reused.
func (b *Builder) Build() (*Store, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.checker.Reserve(b.estimateBytes()); err != nil {
		return nil, fmt.Errorf("building store %s: %w", b.id, err)
	}

	strings := b.strings.Build()
	nodes := &Nodes{lons: column.Of(b.lons), lats: column.Of(b.lats)}
	ways := &Ways{refStart: column.Of(b.refStart), refCount: column.Of(b.refCount), refs: column.Of(b.refs)}
	relations := &Relations{
		memberStart: column.Of(b.memStart),
		memberCount: column.Of(b.memCount),
		memberRefs:  column.Of(b.memRefs),
		memberTypes: column.Of(b.memTypes),
		memberRoles: column.Of(b.memRoles),
	}

	var g errgroup.Group
	g.Go(func() (err error) {
		nodes.collection, err = b.nodes.finish(osm.TypeNode, strings)
		return err
	})
	g.Go(func() (err error) {
		ways.collection, err = b.ways.finish(osm.TypeWay, strings)
		return err
	})
	g.Go(func() (err error) {
		relations.collection, err = b.relations.finish(osm.TypeRelation, strings)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ways.bbox = column.Of(computeWayBBoxes(nodes, ways))
	relations.bbox = column.Of(computeRelationBBoxes(nodes, ways, relations))

	return &Store{
		id:        b.id,
		header:    b.header,
		strings:   strings,
		nodes:     nodes,
		ways:      ways,
		relations: relations,
	}, nil
}

func appendBound(dst []float64, b orb.Bound) []float64 {
	return append(dst, b.Min[0], b.Min[1], b.Max[0], b.Max[1])
}

// computeWayBBoxes resolves every way's refs through the node ID index.
// Dangling refs are skipped; a way with no resolvable node gets EmptyBound.
func computeWayBBoxes(nodes *Nodes, ways *Ways) []float64 {
	out := make([]float64, 0, ways.Len()*4)
	for i := 0; i < ways.Len(); i++ {
		bound := EmptyBound
		for _, ref := range ways.Refs(i) {
			if p, ok := nodes.PointByID(ref); ok {
				bound = extendBound(bound, p)
			}
		}
		out = appendBound(out, bound)
	}
	return out
}

func extendBound(b orb.Bound, p orb.Point) orb.Bound {
	return orb.Bound{
		Min: orb.Point{math.Min(b.Min[0], p[0]), math.Min(b.Min[1], p[1])},
		Max: orb.Point{math.Max(b.Max[0], p[0]), math.Max(b.Max[1], p[1])},
	}
}

func unionBound(a, b orb.Bound) orb.Bound {
	if b.IsEmpty() {
		return a
	}
	if a.IsEmpty() {
		return b
	}
	return a.Union(b)
}

// computeRelationBBoxes unions member geometry; nested relations are resolved
// recursively with a cycle guard.
func computeRelationBBoxes(nodes *Nodes, ways *Ways, relations *Relations) []float64 {
	const (
		visiting = iota + 1
		done
	)
	state := make([]uint8, relations.Len())
	bounds := make([]orb.Bound, relations.Len())

	var resolve func(i int) orb.Bound
	resolve = func(i int) orb.Bound {
		switch state[i] {
		case done:
			return bounds[i]
		case visiting:
			return EmptyBound
		}
		state[i] = visiting
		bound := EmptyBound
		refs := relations.MemberRefs(i)
		types := relations.MemberTypes(i)
		for j, ref := range refs {
			switch types[j] {
			case MemberNode:
				if p, ok := nodes.PointByID(ref); ok {
					bound = extendBound(bound, p)
				}
			case MemberWay:
				if w := ways.IndexOf(ref); w != NotFound {
					bound = unionBound(bound, ways.BBox(w))
				}
			case MemberRelation:
				if r := relations.IndexOf(ref); r != NotFound {
					bound = unionBound(bound, resolve(r))
				}
			}
		}
		bounds[i] = bound
		state[i] = done
		return bound
	}

	out := make([]float64, 0, relations.Len()*4)
	for i := 0; i < relations.Len(); i++ {
		out = appendBound(out, resolve(i))
	}
	return out
}
