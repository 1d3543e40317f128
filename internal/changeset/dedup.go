package changeset

import (
	"context"
	"encoding/binary"
	"slices"
	"sort"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// survivorOf returns the position within group of the entity that survives.
func survivorOf(group []int32, metaAt func(int32) meta) int32 {
	best := group[0]
	for _, p := range group[1:] {
		if preferred(metaAt(p), metaAt(best)) {
			best = p
		}
	}
	return best
}

// DeduplicateNodes collapses nodes sharing exactly the same coordinate onto
// one survivor, deleting the rest and rewriting every way and relation that
// referenced them.
func (cs *Changeset) DeduplicateNodes(ctx context.Context, sink progress.Sink) error {
	if err := cs.usable(); err != nil {
		return err
	}
	nodes := cs.viewNodes()
	total := int64(len(nodes)) + int64(cs.base.Ways().Len()+cs.base.Relations().Len())
	tracker := progress.NewTracker(sink, "dedup-nodes", cs.base.ID(), total)

	order := make([]int32, len(nodes))
	for i := range order {
		order[i] = int32(i)
	}
	// coincident nodes become adjacent; the stable sort keeps view order within a group
	sort.SliceStable(order, func(a, b int) bool {
		pa, pb := nodes[order[a]].p, nodes[order[b]].p
		if pa[0] != pb[0] {
			return pa[0] < pb[0]
		}
		return pa[1] < pb[1]
	})

	replace := make(map[int64]int64)
	removed := roaring.New()
	groups := 0
	var processed int64
	for start := 0; start < len(order); {
		end := start + 1
		for end < len(order) && nodes[order[end]].p == nodes[order[start]].p {
			end++
		}
		if end-start > 1 {
			group := order[start:end]
			survivor := survivorOf(group, func(p int32) meta { return nodes[p].meta })
			for _, p := range group {
				if p != survivor {
					replace[nodes[p].id] = nodes[survivor].id
					removed.Add(uint32(p))
				}
			}
			groups++
		}
		for ; start < end; start++ {
			processed++
			if processed%int64(cs.opts.CheckpointEvery) == 0 {
				if err := cs.checkpoint(ctx, tracker, processed); err != nil {
					return err
				}
			}
		}
	}

	// deletes follow view order
	it := removed.Iterator()
	for it.HasNext() {
		id := nodes[it.Next()].id
		cs.deleteEntity(osm.TypeNode, id)
	}

	replaced, err := cs.rewriteNodeRefs(ctx, tracker, &processed, replace)
	if err != nil {
		return err
	}

	cs.stats.DeduplicatedNodes += groups
	cs.stats.DeduplicatedNodesReplaced += replaced
	tracker.Done(processed)
	cs.log.Info("Node deduplication complete",
		zap.Int("groups", groups),
		zap.Uint64("removed", removed.GetCardinality()),
		zap.Int("refs_replaced", replaced))
	return nil
}

// deleteEntity records a delete of the view entity with the given ID.
func (cs *Changeset) deleteEntity(t osm.Type, id int64) {
	current, ok := cs.lookup(t, id)
	if !ok {
		return
	}
	c := Change{ChangeType: Delete, EntityType: t, Entity: current}
	if old, ok := cs.baseEntity(t, id); ok {
		c.OldEntity = old
	}
	cs.record(c)
}

// modifyEntity records a modify of a view entity to its new state.
func (cs *Changeset) modifyEntity(t osm.Type, entity osm.Object, related []osm.FeatureID) {
	c := Change{ChangeType: Modify, EntityType: t, Entity: entity, RelatedRefs: related}
	if old, ok := cs.baseEntity(t, entityID(entity)); ok {
		c.OldEntity = old
	} else {
		// not in the base, so it is a pending creation
		c.ChangeType = Create
	}
	cs.record(c)
}

// rewriteNodeRefs points every way ref and relation node member at the survivor.
func (cs *Changeset) rewriteNodeRefs(ctx context.Context, tracker *progress.Tracker, processed *int64, replace map[int64]int64) (int, error) {
	if len(replace) == 0 {
		return 0, nil
	}
	replaced := 0
	var err error
	tick := func() bool {
		*processed++
		if err == nil && *processed%int64(cs.opts.CheckpointEvery) == 0 {
			err = cs.checkpoint(ctx, tracker, *processed)
		}
		return err == nil
	}

	cs.forEachViewWay(func(refs []int64) bool {
		if !tick() {
			return false
		}
		for _, r := range refs {
			if _, ok := replace[r]; ok {
				return true
			}
		}
		return false
	}, func(w *osm.Way) {
		rewritten := *w
		rewritten.Nodes = make(osm.WayNodes, 0, len(w.Nodes))
		var related []osm.FeatureID
		for _, wn := range w.Nodes {
			if to, ok := replace[int64(wn.ID)]; ok {
				replaced++
				wn = osm.WayNode{ID: osm.NodeID(to)}
				related = mergeRefs(related, []osm.FeatureID{osm.NodeID(to).FeatureID()})
			}
			// consecutive refs collapsed onto one survivor become a single ref
			if n := len(rewritten.Nodes); n > 0 && rewritten.Nodes[n-1].ID == wn.ID {
				continue
			}
			rewritten.Nodes = append(rewritten.Nodes, osm.WayNode{ID: wn.ID})
		}
		cs.modifyEntity(osm.TypeWay, &rewritten, related)
	})
	if err != nil {
		return 0, err
	}

	cs.forEachViewRelation(func(refs []int64, types []uint8) bool {
		if !tick() {
			return false
		}
		for i, r := range refs {
			if types[i] == store.MemberNode {
				if _, ok := replace[r]; ok {
					return true
				}
			}
		}
		return false
	}, func(r *osm.Relation) {
		rewritten := *r
		rewritten.Members = slices.Clone(r.Members)
		var related []osm.FeatureID
		for i, m := range rewritten.Members {
			if m.Type != osm.TypeNode {
				continue
			}
			if to, ok := replace[m.Ref]; ok {
				replaced++
				rewritten.Members[i].Ref = to
				related = mergeRefs(related, []osm.FeatureID{osm.NodeID(to).FeatureID()})
			}
		}
		cs.modifyEntity(osm.TypeRelation, &rewritten, related)
	})
	return replaced, err
}

// canonicalRefs orients a ref sequence so that a way and its reverse compare equal.
func canonicalRefs(refs []int64) []int64 {
	n := len(refs)
	for i := 0; i < n; i++ {
		a, b := refs[i], refs[n-1-i]
		if a == b {
			continue
		}
		if a < b {
			return refs
		}
		break
	}
	rev := make([]int64, n)
	for i, r := range refs {
		rev[n-1-i] = r
	}
	return rev
}

func hashRefs(refs []int64) uint64 {
	var buf [8]byte
	d := xxhash.New()
	for _, r := range refs {
		binary.LittleEndian.PutUint64(buf[:], uint64(r))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// DeduplicateWays collapses ways with the same node sequence (in either
// direction) onto one survivor and rewrites relation members that referenced
// the removed ways.
func (cs *Changeset) DeduplicateWays(ctx context.Context, sink progress.Sink) error {
	if err := cs.usable(); err != nil {
		return err
	}
	ways := cs.viewWays()
	total := int64(len(ways) + cs.base.Relations().Len())
	tracker := progress.NewTracker(sink, "dedup-ways", cs.base.ID(), total)

	type bucket struct {
		canonical []int64
		members   []int32
	}
	buckets := make(map[uint64][]*bucket)
	var groups []*bucket
	var processed int64
	for p, w := range ways {
		processed++
		if processed%int64(cs.opts.CheckpointEvery) == 0 {
			if err := cs.checkpoint(ctx, tracker, processed); err != nil {
				return err
			}
		}
		if len(w.refs) < 2 {
			continue
		}
		canonical := canonicalRefs(w.refs)
		h := hashRefs(canonical)
		var target *bucket
		for _, b := range buckets[h] {
			if slices.Equal(b.canonical, canonical) {
				target = b
				break
			}
		}
		if target == nil {
			target = &bucket{canonical: canonical}
			buckets[h] = append(buckets[h], target)
			groups = append(groups, target)
		}
		target.members = append(target.members, int32(p))
	}

	replace := make(map[int64]int64)
	removed := roaring.New()
	found := 0
	for _, g := range groups {
		if len(g.members) < 2 {
			continue
		}
		found++
		survivor := survivorOf(g.members, func(p int32) meta { return ways[p].meta })
		for _, p := range g.members {
			if p != survivor {
				replace[ways[p].id] = ways[survivor].id
				removed.Add(uint32(p))
			}
		}
	}

	it := removed.Iterator()
	for it.HasNext() {
		cs.deleteEntity(osm.TypeWay, ways[it.Next()].id)
	}

	replaced := 0
	var err error
	if len(replace) > 0 {
		cs.forEachViewRelation(func(refs []int64, types []uint8) bool {
			processed++
			if err == nil && processed%int64(cs.opts.CheckpointEvery) == 0 {
				err = cs.checkpoint(ctx, tracker, processed)
			}
			if err != nil {
				return false
			}
			for i, r := range refs {
				if types[i] == store.MemberWay {
					if _, ok := replace[r]; ok {
						return true
					}
				}
			}
			return false
		}, func(r *osm.Relation) {
			rewritten := *r
			rewritten.Members = slices.Clone(r.Members)
			var related []osm.FeatureID
			for i, m := range rewritten.Members {
				if m.Type != osm.TypeWay {
					continue
				}
				if to, ok := replace[m.Ref]; ok {
					replaced++
					rewritten.Members[i].Ref = to
					related = mergeRefs(related, []osm.FeatureID{osm.WayID(to).FeatureID()})
				}
			}
			cs.modifyEntity(osm.TypeRelation, &rewritten, related)
		})
		if err != nil {
			return err
		}
	}

	cs.stats.DeduplicatedWays += found
	cs.stats.DeduplicatedWaysReplaced += replaced
	tracker.Done(processed)
	cs.log.Info("Way deduplication complete",
		zap.Int("groups", found),
		zap.Uint64("removed", removed.GetCardinality()),
		zap.Int("members_replaced", replaced))
	return nil
}
