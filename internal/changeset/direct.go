package changeset

import (
	"context"

	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// GenerateDirectChanges overlays patch onto the view: every patch entity
// whose ID exists becomes a modify, every other one a create. Entities only
// in the base are untouched, and entities identical to the view produce no change.
func (cs *Changeset) GenerateDirectChanges(ctx context.Context, patch *store.Store, sink progress.Sink) error {
	if err := cs.usable(); err != nil {
		return err
	}
	total := int64(patch.Nodes().Len() + patch.Ways().Len() + patch.Relations().Len())
	tracker := progress.NewTracker(sink, "direct-merge", cs.base.ID(), total)

	var processed int64
	var creates, modifies int
	for _, t := range []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation} {
		n := collectionLen(patch, t)
		for i := 0; i < n; i++ {
			processed++
			if processed%int64(cs.opts.CheckpointEvery) == 0 {
				if err := cs.checkpoint(ctx, tracker, processed); err != nil {
					return err
				}
			}

			entity := patch.Materialize(t, i)
			id := entityID(entity)
			current, exists := cs.lookup(t, id)
			if exists && sameEntity(current, entity) {
				continue
			}
			c := Change{ChangeType: Create, EntityType: t, Entity: entity}
			if old, ok := cs.baseEntity(t, id); ok {
				c.ChangeType = Modify
				c.OldEntity = old
			}
			if exists {
				modifies++
			} else {
				creates++
			}
			cs.record(c)
		}
	}
	tracker.Done(processed)
	cs.log.Info("Direct merge complete",
		zap.String("patch", patch.ID()),
		zap.Int("creates", creates),
		zap.Int("modifies", modifies))
	return nil
}

func collectionLen(s *store.Store, t osm.Type) int {
	switch t {
	case osm.TypeNode:
		return s.Nodes().Len()
	case osm.TypeWay:
		return s.Ways().Len()
	default:
		return s.Relations().Len()
	}
}

// sameEntity compares content: coordinates, refs, members and tags.
// Metadata is ignored.
func sameEntity(a, b osm.Object) bool {
	switch x := a.(type) {
	case *osm.Node:
		y, ok := b.(*osm.Node)
		return ok && x.ID == y.ID && x.Lon == y.Lon && x.Lat == y.Lat && sameTags(x.Tags, y.Tags)
	case *osm.Way:
		y, ok := b.(*osm.Way)
		if !ok || x.ID != y.ID || len(x.Nodes) != len(y.Nodes) || !sameTags(x.Tags, y.Tags) {
			return false
		}
		for i := range x.Nodes {
			if x.Nodes[i].ID != y.Nodes[i].ID {
				return false
			}
		}
		return true
	case *osm.Relation:
		y, ok := b.(*osm.Relation)
		if !ok || x.ID != y.ID || len(x.Members) != len(y.Members) || !sameTags(x.Tags, y.Tags) {
			return false
		}
		for i := range x.Members {
			mx, my := x.Members[i], y.Members[i]
			if mx.Type != my.Type || mx.Ref != my.Ref || mx.Role != my.Role {
				return false
			}
		}
		return true
	}
	return false
}

func sameTags(a, b osm.Tags) bool {
	if len(a) != len(b) {
		return false
	}
	m := a.Map()
	for _, t := range b {
		if v, ok := m[t.Key]; !ok || v != t.Value {
			return false
		}
	}
	return true
}
