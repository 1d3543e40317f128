package changeset

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// validate checks that every change can be applied: modifies and deletes
// target base entities and every related ref resolves in the resulting view.
func (cs *Changeset) validate() error {
	for _, t := range []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation} {
		l := cs.list(t)
		for _, id := range l.ids() {
			c := l.byID[id]
			switch c.ChangeType {
			case Modify, Delete:
				if _, ok := cs.baseEntity(t, id); !ok {
					return fmt.Errorf("%w: %s of %s %d which is not in store %s",
						osmerr.ErrReferentialIntegrity, c.ChangeType, t, id, cs.base.ID())
				}
			}
			if c.ChangeType == Delete {
				continue
			}
			for _, ref := range c.RelatedRefs {
				if _, ok := cs.lookup(ref.Type(), ref.Ref()); !ok {
					return fmt.Errorf("%w: %s %d refers to missing %s %d",
						osmerr.ErrReferentialIntegrity, t, id, ref.Type(), ref.Ref())
				}
			}
		}
	}
	return nil
}

// Apply builds a new store from the base with deletes removed, modifies
// replaced in place and creates appended. It either returns a complete new
// store and consumes the changeset, or fails and leaves both untouched.
func (cs *Changeset) Apply() (*store.Store, error) {
	if err := cs.usable(); err != nil {
		return nil, err
	}
	if err := cs.validate(); err != nil {
		return nil, err
	}

	b := store.NewBuilder(cs.base.ID())
	b.SetHeader(cs.Header())
	b.SetCapacityChecker(cs.opts.Capacity)

	for _, t := range []osm.Type{osm.TypeNode, osm.TypeWay, osm.TypeRelation} {
		l := cs.list(t)
		n := collectionLen(cs.base, t)

		deleted := roaring.New()
		for i := 0; i < n; i++ {
			id := idAt(cs.base, t, i)
			c, ok := l.get(id)
			if !ok {
				b.Add(cs.base.Materialize(t, i))
				continue
			}
			if c.ChangeType == Delete {
				deleted.Add(uint32(i))
				continue
			}
			b.Add(c.Entity)
		}
		for _, id := range l.ids() {
			if c := l.byID[id]; c.ChangeType == Create {
				b.Add(c.Entity)
			}
		}
		if !deleted.IsEmpty() {
			cs.log.Debug("Removed entities", zap.String("type", string(t)), zap.Uint64("count", deleted.GetCardinality()))
		}
	}

	next, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("applying changeset to %s: %w", cs.base.ID(), err)
	}

	stats := cs.Stats()
	cs.consumed = true
	cs.log.Info("Changeset applied",
		zap.Int("changes", stats.Total()),
		zap.Int("nodes", next.Nodes().Len()),
		zap.Int("ways", next.Ways().Len()),
		zap.Int("relations", next.Relations().Len()))
	return next, nil
}

func idAt(s *store.Store, t osm.Type, i int) int64 {
	switch t {
	case osm.TypeNode:
		return s.Nodes().ID(i)
	case osm.TypeWay:
		return s.Ways().ID(i)
	default:
		return s.Relations().ID(i)
	}
}
