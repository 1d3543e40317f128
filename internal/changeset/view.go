package changeset

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/store"
)

// meta is the survivor-selection view of an entity.
type meta struct {
	id      int64
	version int
	ts      int64
	tags    int
}

func (m meta) hasMetadata() bool {
	return m.version != 0 || m.ts != 0
}

// preferred reports whether a should survive over b. Entities with metadata
// beat those without; among them the newest timestamp, then the highest
// version wins. Otherwise more tags wins. Ties keep the earlier candidate.
func preferred(a, b meta) bool {
	if a.hasMetadata() != b.hasMetadata() {
		return a.hasMetadata()
	}
	if a.hasMetadata() {
		if a.ts != b.ts {
			return a.ts > b.ts
		}
		if a.version != b.version {
			return a.version > b.version
		}
	}
	return a.tags > b.tags
}

func objectMeta(o osm.Object) meta {
	switch e := o.(type) {
	case *osm.Node:
		return meta{id: int64(e.ID), version: e.Version, ts: unixOf(e.Timestamp), tags: len(e.Tags)}
	case *osm.Way:
		return meta{id: int64(e.ID), version: e.Version, ts: unixOf(e.Timestamp), tags: len(e.Tags)}
	case *osm.Relation:
		return meta{id: int64(e.ID), version: e.Version, ts: unixOf(e.Timestamp), tags: len(e.Tags)}
	}
	return meta{}
}

func unixOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type viewNode struct {
	meta
	p orb.Point
}

type viewWay struct {
	meta
	refs []int64
}

func baseMeta(c interface {
	ID(int) int64
	Version(int) int
	TagCount(int) int
}, ts int64, i int) meta {
	return meta{id: c.ID(i), version: c.Version(i), ts: ts, tags: c.TagCount(i)}
}

// viewNodes lists the nodes of the view: base order with changes applied,
// then creations in the order they were recorded.
func (cs *Changeset) viewNodes() []viewNode {
	nodes := cs.base.Nodes()
	out := make([]viewNode, 0, nodes.Len()+cs.nodes.len())
	for i := 0; i < nodes.Len(); i++ {
		id := nodes.ID(i)
		if c, ok := cs.nodes.get(id); ok {
			if c.ChangeType != Delete {
				n := c.Entity.(*osm.Node)
				out = append(out, viewNode{meta: objectMeta(n), p: orb.Point{n.Lon, n.Lat}})
			}
			continue
		}
		ts := nodes.Timestamp(i)
		out = append(out, viewNode{
			meta: baseMeta(nodes, unixOf(ts), i),
			p:    nodes.Point(i),
		})
	}
	for _, id := range cs.nodes.ids() {
		c := cs.nodes.byID[id]
		if c.ChangeType == Create {
			n := c.Entity.(*osm.Node)
			out = append(out, viewNode{meta: objectMeta(n), p: orb.Point{n.Lon, n.Lat}})
		}
	}
	return out
}

func wayRefs(w *osm.Way) []int64 {
	refs := make([]int64, len(w.Nodes))
	for i, n := range w.Nodes {
		refs[i] = int64(n.ID)
	}
	return refs
}

// viewWays lists the ways of the view in the same order as viewNodes.
func (cs *Changeset) viewWays() []viewWay {
	ways := cs.base.Ways()
	out := make([]viewWay, 0, ways.Len()+cs.ways.len())
	for i := 0; i < ways.Len(); i++ {
		id := ways.ID(i)
		if c, ok := cs.ways.get(id); ok {
			if c.ChangeType != Delete {
				w := c.Entity.(*osm.Way)
				out = append(out, viewWay{meta: objectMeta(w), refs: wayRefs(w)})
			}
			continue
		}
		ts := ways.Timestamp(i)
		out = append(out, viewWay{
			meta: baseMeta(ways, unixOf(ts), i),
			refs: ways.Refs(i),
		})
	}
	for _, id := range cs.ways.ids() {
		c := cs.ways.byID[id]
		if c.ChangeType == Create {
			w := c.Entity.(*osm.Way)
			out = append(out, viewWay{meta: objectMeta(w), refs: wayRefs(w)})
		}
	}
	return out
}

// forEachViewWay calls fn with every way of the view whose refs satisfy
// want. Base ways are only materialised when want accepts their refs.
func (cs *Changeset) forEachViewWay(want func(refs []int64) bool, fn func(w *osm.Way)) {
	ways := cs.base.Ways()
	for i := 0; i < ways.Len(); i++ {
		id := ways.ID(i)
		if c, ok := cs.ways.get(id); ok {
			if c.ChangeType != Delete {
				w := c.Entity.(*osm.Way)
				if want(wayRefs(w)) {
					fn(w)
				}
			}
			continue
		}
		if want(ways.Refs(i)) {
			fn(ways.Way(i))
		}
	}
	for _, id := range cs.ways.ids() {
		c, ok := cs.ways.get(id)
		if ok && c.ChangeType == Create {
			w := c.Entity.(*osm.Way)
			if want(wayRefs(w)) {
				fn(w)
			}
		}
	}
}

// forEachViewRelation is forEachViewWay for relations, filtering on members.
func (cs *Changeset) forEachViewRelation(want func(refs []int64, types []uint8) bool, fn func(r *osm.Relation)) {
	rels := cs.base.Relations()
	for i := 0; i < rels.Len(); i++ {
		id := rels.ID(i)
		if c, ok := cs.relations.get(id); ok {
			if c.ChangeType != Delete {
				r := c.Entity.(*osm.Relation)
				if want(memberColumns(r)) {
					fn(r)
				}
			}
			continue
		}
		if want(rels.MemberRefs(i), rels.MemberTypes(i)) {
			fn(rels.Relation(i))
		}
	}
	for _, id := range cs.relations.ids() {
		c, ok := cs.relations.get(id)
		if ok && c.ChangeType == Create {
			r := c.Entity.(*osm.Relation)
			if want(memberColumns(r)) {
				fn(r)
			}
		}
	}
}

func memberColumns(r *osm.Relation) ([]int64, []uint8) {
	refs := make([]int64, len(r.Members))
	types := make([]uint8, len(r.Members))
	for i, m := range r.Members {
		refs[i] = m.Ref
		code, err := store.MemberTypeCode(m.Type)
		if err != nil {
			code = 255
		}
		types[i] = code
	}
	return refs, types
}
