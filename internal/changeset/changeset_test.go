package changeset

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

func node(id int64, lon, lat float64, tags ...string) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Lon: lon, Lat: lat, Tags: tagList(tags...)}
}

func way(id int64, refs []int64, tags ...string) *osm.Way {
	nodes := make(osm.WayNodes, len(refs))
	for i, r := range refs {
		nodes[i] = osm.WayNode{ID: osm.NodeID(r)}
	}
	return &osm.Way{ID: osm.WayID(id), Nodes: nodes, Tags: tagList(tags...)}
}

func tagList(kv ...string) osm.Tags {
	var tags osm.Tags
	for i := 0; i+1 < len(kv); i += 2 {
		tags = append(tags, osm.Tag{Key: kv[i], Value: kv[i+1]})
	}
	return tags
}

func build(t *testing.T, id string, objs ...osm.Object) *store.Store {
	t.Helper()
	b := store.NewBuilder(id)
	for _, o := range objs {
		b.Add(o)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func refsOf(t *testing.T, s *store.Store, id int64) []int64 {
	t.Helper()
	i := s.Ways().IndexOf(id)
	require.NotEqual(t, store.NotFound, i)
	return append([]int64(nil), s.Ways().Refs(i)...)
}

func TestChangeCombining(t *testing.T) {
	l := newChangeList()
	l.put(Change{ChangeType: Create, Entity: node(1, 0, 0)})
	l.put(Change{ChangeType: Modify, Entity: node(1, 1, 1)})
	c, _ := l.get(1)
	assert.Equal(t, Create, c.ChangeType)
	assert.Equal(t, 1.0, c.Entity.(*osm.Node).Lon)

	l.put(Change{ChangeType: Delete, Entity: node(1, 1, 1)})
	_, ok := l.get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, l.len())

	old := node(2, 0, 0)
	l.put(Change{ChangeType: Modify, Entity: node(2, 1, 0), OldEntity: old})
	l.put(Change{ChangeType: Modify, Entity: node(2, 2, 0), OldEntity: node(2, 1, 0)})
	c, _ = l.get(2)
	assert.Same(t, old, c.OldEntity)
	l.put(Change{ChangeType: Delete, Entity: node(2, 2, 0)})
	c, _ = l.get(2)
	assert.Equal(t, Delete, c.ChangeType)
	assert.Same(t, old, c.OldEntity)
}

func TestChangeListCollapse(t *testing.T) {
	l := newChangeList()
	const n = 100_000
	for i := int64(1); i <= n; i++ {
		l.put(Change{ChangeType: Create, Entity: node(i, 0, 0)})
	}
	for i := int64(1); i <= n; i += 2 {
		l.put(Change{ChangeType: Delete, Entity: node(i, 0, 0)})
	}
	assert.Equal(t, n/2, l.len())

	// a collapsed ID that comes back is ordered after the survivors
	l.put(Change{ChangeType: Create, Entity: node(1, 5, 5)})
	ids := l.ids()
	require.Len(t, ids, n/2+1)
	assert.Equal(t, int64(2), ids[0])
	assert.Equal(t, int64(n), ids[n/2-1])
	assert.Equal(t, int64(1), ids[n/2])
	assert.Equal(t, len(ids), l.len())
}

func TestDirectMergeIdempotence(t *testing.T) {
	s := build(t, "a",
		node(1, 0, 0, "name", "x"), node(2, 1, 0),
		way(10, []int64{1, 2}, "highway", "residential"),
		&osm.Relation{ID: 5, Members: osm.Members{{Type: osm.TypeWay, Ref: 10, Role: "outer"}}},
	)
	cs := New(s, Options{})
	require.NoError(t, cs.GenerateDirectChanges(context.Background(), s, nil))
	assert.Equal(t, 0, cs.Len())
	assert.Equal(t, 0, cs.Stats().Total())
}

func TestDirectMergeCreatesAndModifies(t *testing.T) {
	base := build(t, "base", node(1, 0, 0), node(2, 1, 0), way(10, []int64{1, 2}))
	patch := build(t, "patch", node(2, 1, 0, "name", "moved"), node(3, 2, 0), way(11, []int64{2, 3}))

	cs := New(base, Options{})
	require.NoError(t, cs.GenerateDirectChanges(context.Background(), patch, nil))

	stats := cs.Stats()
	assert.Equal(t, TypeStats{Creates: 1, Modifies: 1}, stats.Nodes)
	assert.Equal(t, TypeStats{Creates: 1}, stats.Ways)

	c, ok := cs.Change(osm.TypeNode, 2)
	require.True(t, ok)
	assert.Equal(t, Modify, c.ChangeType)
	assert.Empty(t, c.OldEntity.(*osm.Node).Tags)

	next, err := cs.Apply()
	require.NoError(t, err)
	assert.Equal(t, 3, next.Nodes().Len())
	assert.Equal(t, 2, next.Ways().Len())
	v, _ := next.Nodes().TagValue(next.Nodes().IndexOf(2), "name")
	assert.Equal(t, "moved", v)
	// base is untouched
	assert.Equal(t, 2, base.Nodes().Len())
}

func TestDeduplicateNodesScenario(t *testing.T) {
	merged := build(t, "merged",
		node(1, 0, 0), node(2, 1, 0), node(3, 1, 0),
		way(10, []int64{1, 2}), way(20, []int64{3}),
	)
	cs := New(merged, Options{})
	require.NoError(t, cs.DeduplicateNodes(context.Background(), nil))

	del, ok := cs.Change(osm.TypeNode, 3)
	require.True(t, ok)
	assert.Equal(t, Delete, del.ChangeType)
	_, ok = cs.Change(osm.TypeNode, 2)
	assert.False(t, ok)

	mod, ok := cs.Change(osm.TypeWay, 20)
	require.True(t, ok)
	assert.Equal(t, Modify, mod.ChangeType)
	assert.Equal(t, osm.NodeID(2), mod.Entity.(*osm.Way).Nodes[0].ID)
	assert.Equal(t, osm.NodeID(3), mod.OldEntity.(*osm.Way).Nodes[0].ID)

	stats := cs.Stats()
	assert.Equal(t, 1, stats.DeduplicatedNodes)
	assert.Equal(t, 1, stats.DeduplicatedNodesReplaced)
	_, ok = cs.Change(osm.TypeWay, 10)
	assert.False(t, ok)
}

func TestDeduplicateNodesReferentialIntegrity(t *testing.T) {
	base := build(t, "base",
		node(1, 0, 0), node(2, 1, 0), node(3, 2, 0),
		way(10, []int64{1, 2, 3}),
	)
	patch := build(t, "patch",
		node(101, 1, 0), node(102, 2, 0), node(103, 3, 0),
		way(20, []int64{101, 102, 103}),
		&osm.Relation{ID: 7, Members: osm.Members{{Type: osm.TypeNode, Ref: 102, Role: "stop"}}},
	)

	cs := New(base, Options{})
	ctx := context.Background()
	require.NoError(t, cs.GenerateDirectChanges(ctx, patch, nil))
	require.NoError(t, cs.DeduplicateNodes(ctx, nil))
	assert.Equal(t, 2, cs.Stats().DeduplicatedNodes)
	assert.Equal(t, 3, cs.Stats().DeduplicatedNodesReplaced)

	next, err := cs.Apply()
	require.NoError(t, err)

	for _, gone := range []int64{101, 102} {
		assert.False(t, next.Nodes().Has(gone))
	}
	for i := 0; i < next.Ways().Len(); i++ {
		for _, r := range next.Ways().Refs(i) {
			assert.True(t, next.Nodes().Has(r), "way %d refs missing node %d", next.Ways().ID(i), r)
		}
	}
	for i := 0; i < next.Relations().Len(); i++ {
		for _, r := range next.Relations().MemberRefs(i) {
			assert.True(t, next.Nodes().Has(r))
		}
	}
	assert.Equal(t, []int64{2, 3, 103}, refsOf(t, next, 20))
}

func TestDeduplicateNodesSurvivorPrefersMetadata(t *testing.T) {
	older := node(1, 5, 5, "a", "1", "b", "2")
	newer := node(2, 5, 5)
	newer.Version = 4
	s := build(t, "s", older, newer, way(10, []int64{1, 3}), node(3, 6, 6))

	cs := New(s, Options{})
	require.NoError(t, cs.DeduplicateNodes(context.Background(), nil))
	c, ok := cs.Change(osm.TypeNode, 1)
	require.True(t, ok)
	assert.Equal(t, Delete, c.ChangeType)
	w, _ := cs.Change(osm.TypeWay, 10)
	assert.Equal(t, osm.NodeID(2), w.Entity.(*osm.Way).Nodes[0].ID)
}

func TestDeduplicateWays(t *testing.T) {
	s := build(t, "s",
		node(1, 0, 0), node(2, 1, 0), node(3, 2, 0),
		way(10, []int64{1, 2, 3}),
		way(11, []int64{3, 2, 1}, "highway", "track"),
		way(12, []int64{1, 2}),
		&osm.Relation{ID: 9, Members: osm.Members{{Type: osm.TypeWay, Ref: 10}, {Type: osm.TypeWay, Ref: 12}}},
	)
	cs := New(s, Options{})
	require.NoError(t, cs.DeduplicateWays(context.Background(), nil))

	stats := cs.Stats()
	assert.Equal(t, 1, stats.DeduplicatedWays)
	assert.Equal(t, 1, stats.DeduplicatedWaysReplaced)

	// way 11 carries more tags and survives
	c, ok := cs.Change(osm.TypeWay, 10)
	require.True(t, ok)
	assert.Equal(t, Delete, c.ChangeType)
	r, ok := cs.Change(osm.TypeRelation, 9)
	require.True(t, ok)
	assert.Equal(t, int64(11), r.Entity.(*osm.Relation).Members[0].Ref)
	assert.Equal(t, int64(12), r.Entity.(*osm.Relation).Members[1].Ref)

	next, err := cs.Apply()
	require.NoError(t, err)
	assert.False(t, next.Ways().Has(10))
	assert.True(t, next.Ways().Has(12))
}

func TestIntersectionTopology(t *testing.T) {
	base := build(t, "base",
		node(1, 0, 0), node(2, 2, 0),
		way(10, []int64{1, 2}, "highway", "primary"),
	)
	patch := build(t, "patch",
		node(3, 1, -1), node(4, 1, 1), node(5, 3, 1),
		way(20, []int64{3, 4, 5}, "highway", "service"),
	)
	cs := New(base, Options{})
	ctx := context.Background()
	require.NoError(t, cs.GenerateDirectChanges(ctx, patch, nil))
	require.NoError(t, cs.GenerateIntersectionsForWays(ctx, cs.CandidateWays(), nil))

	assert.Equal(t, 1, cs.Stats().IntersectionPointsFound)
	assert.Equal(t, 1, cs.Stats().Nodes.Creates-3)

	next, err := cs.Apply()
	require.NoError(t, err)

	a := refsOf(t, next, 10)
	b := refsOf(t, next, 20)
	require.Len(t, a, 3)
	require.Len(t, b, 4)
	shared := a[1]
	assert.Less(t, shared, int64(0))
	assert.Equal(t, []int64{1, shared, 2}, a)
	assert.Equal(t, []int64{3, shared, 4, 5}, b)

	p, ok := next.Nodes().PointByID(shared)
	require.True(t, ok)
	assert.InDelta(t, 1.0, p[0], 1e-12)
	assert.InDelta(t, 0.0, p[1], 1e-12)
}

func TestIntersectionReusesVertex(t *testing.T) {
	// way 20 ends exactly on the middle of way 10
	base := build(t, "base",
		node(1, 0, 0), node(2, 2, 0), node(3, 1, 0), node(4, 1, 1),
		way(10, []int64{1, 2}, "highway", "primary"),
		way(20, []int64{4, 3}, "highway", "service"),
	)
	cs := New(base, Options{})
	require.NoError(t, cs.GenerateIntersectionsForWays(context.Background(), []int64{20}, nil))

	w, ok := cs.Change(osm.TypeWay, 10)
	require.True(t, ok)
	assert.Equal(t, osm.WayNodes{{ID: 1}, {ID: 3}, {ID: 2}}, w.Entity.(*osm.Way).Nodes)
	assert.Equal(t, 0, cs.Stats().Nodes.Creates)
}

func TestIntersectionFollowsMovedBaseNode(t *testing.T) {
	// way 10 is untouched but its end node moves across way 20
	base := build(t, "base",
		node(1, 0, 0), node(2, 2, 0),
		way(10, []int64{1, 2}, "highway", "primary"),
	)
	patch := build(t, "patch",
		node(2, 2, 10), node(3, 0, 5), node(4, 2, 5),
		way(20, []int64{3, 4}, "highway", "service"),
	)
	cs := New(base, Options{})
	ctx := context.Background()
	require.NoError(t, cs.GenerateDirectChanges(ctx, patch, nil))
	require.NoError(t, cs.GenerateIntersectionsForWays(ctx, cs.CandidateWays(), nil))

	assert.Equal(t, 1, cs.Stats().IntersectionPointsFound)
	w, ok := cs.Change(osm.TypeWay, 20)
	require.True(t, ok)
	require.Len(t, w.Entity.(*osm.Way).Nodes, 3)
	shared := int64(w.Entity.(*osm.Way).Nodes[1].ID)

	w, ok = cs.Change(osm.TypeWay, 10)
	require.True(t, ok)
	assert.Equal(t, osm.WayNodes{{ID: 1}, {ID: osm.NodeID(shared)}, {ID: 2}}, w.Entity.(*osm.Way).Nodes)

	p, ok := cs.NodePoint(shared)
	require.True(t, ok)
	assert.InDelta(t, 1.0, p[0], 1e-12)
	assert.InDelta(t, 5.0, p[1], 1e-12)
}

func TestIntersectionSharesCreatedNode(t *testing.T) {
	// three ways crossing at (1,0) meet in a single new node
	base := build(t, "base", node(100, 50, 50))
	patch := build(t, "patch",
		node(1, 0, 0), node(2, 2, 0),
		node(3, 1, -1), node(4, 1, 1),
		node(5, 0, -1), node(6, 2, 1),
		way(10, []int64{1, 2}, "highway", "primary"),
		way(11, []int64{3, 4}, "highway", "primary"),
		way(12, []int64{5, 6}, "highway", "primary"),
	)
	cs := New(base, Options{})
	ctx := context.Background()
	require.NoError(t, cs.GenerateDirectChanges(ctx, patch, nil))
	require.NoError(t, cs.GenerateIntersectionsForWays(ctx, cs.CandidateWays(), nil))

	assert.Equal(t, 7, cs.Stats().Nodes.Creates)
	var shared osm.NodeID
	for _, id := range []int64{10, 11, 12} {
		w, ok := cs.Change(osm.TypeWay, id)
		require.True(t, ok)
		nodes := w.Entity.(*osm.Way).Nodes
		require.Len(t, nodes, 3, "way %d", id)
		if shared == 0 {
			shared = nodes[1].ID
		}
		assert.Equal(t, shared, nodes[1].ID, "way %d", id)
	}
}

func TestIntersectionNeighboursAreLocal(t *testing.T) {
	var objs []osm.Object
	const n = 2000
	for i := int64(0); i < n; i++ {
		x := float64(i%50) * 3
		y := float64(i/50) * 3
		objs = append(objs,
			node(2*i+1, x, y), node(2*i+2, x+1, y+1),
			way(i+1, []int64{2*i + 1, 2*i + 2}, "highway", "residential"),
		)
	}
	base := build(t, "base", node(1_000_000, -50, -50))
	patch := build(t, "patch", objs...)
	cs := New(base, Options{})
	ctx := context.Background()
	require.NoError(t, cs.GenerateDirectChanges(ctx, patch, nil))

	x := &intersector{cs: cs, opts: *cs.opts.Intersections, geoms: make(map[int64]*wayGeom)}
	x.indexDirtyWays()
	assert.Equal(t, n, x.dirtyIndex.Len())
	g, ok := x.geometry(1)
	require.True(t, ok)
	assert.Empty(t, x.neighbours(1, g.bound))

	require.NoError(t, cs.GenerateIntersectionsForWays(ctx, cs.CandidateWays(), nil))
	assert.Equal(t, 0, cs.Stats().IntersectionPointsFound)
	assert.Equal(t, 0, cs.Stats().Ways.Modifies)
}

func TestIntersectionFilters(t *testing.T) {
	tests := []struct {
		name string
		tags []string
	}{
		{name: "no highway", tags: []string{"waterway", "stream"}},
		{name: "bridge", tags: []string{"highway", "primary", "bridge", "yes"}},
		{name: "tunnel", tags: []string{"highway", "primary", "tunnel", "culvert"}},
		{name: "other layer", tags: []string{"highway", "primary", "layer", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := build(t, "base",
				node(1, 0, 0), node(2, 2, 0), node(3, 1, -1), node(4, 1, 1),
				way(10, []int64{1, 2}, "highway", "primary"),
				way(20, []int64{3, 4}, tt.tags...),
			)
			cs := New(base, Options{})
			require.NoError(t, cs.GenerateIntersectionsForWays(context.Background(), []int64{20}, nil))
			assert.Equal(t, 0, cs.Len())
		})
	}
}

func TestIntersectionRulesDisabled(t *testing.T) {
	base := build(t, "base",
		node(1, 0, 0), node(2, 2, 0), node(3, 1, -1), node(4, 1, 1),
		way(10, []int64{1, 2}, "waterway", "stream"),
		way(20, []int64{3, 4}, "bridge", "yes", "layer", "1"),
	)
	cs := New(base, Options{Intersections: &IntersectionOptions{}})
	require.NoError(t, cs.GenerateIntersectionsForWays(context.Background(), []int64{20}, nil))
	assert.Equal(t, 1, cs.Stats().IntersectionPointsFound)
	assert.Equal(t, DefaultIntersectionOptions().Epsilon, cs.opts.Intersections.Epsilon)
}

func TestApplyAtomicity(t *testing.T) {
	base := build(t, "base", node(1, 0, 0), node(2, 1, 0), way(10, []int64{1, 2}))
	before := base.Layout()

	cs := New(base, Options{})
	cs.record(Change{
		ChangeType:  Modify,
		EntityType:  osm.TypeWay,
		Entity:      way(10, []int64{1, 99}),
		RelatedRefs: []osm.FeatureID{osm.NodeID(99).FeatureID()},
	})
	_, err := cs.Apply()
	require.Error(t, err)
	assert.True(t, errors.Is(err, osmerr.ErrReferentialIntegrity))
	assert.False(t, cs.Consumed())

	after := base.Layout()
	assert.Equal(t, before.Ways.IDs, after.Ways.IDs)
	assert.Equal(t, before.Ways.Refs, after.Ways.Refs)
	assert.Equal(t, before.Ways.BBox, after.Ways.BBox)
	assert.Equal(t, before.Nodes.IDs, after.Nodes.IDs)

	cs = New(base, Options{})
	cs.record(Change{ChangeType: Delete, EntityType: osm.TypeNode, Entity: node(77, 0, 0)})
	_, err = cs.Apply()
	assert.True(t, errors.Is(err, osmerr.ErrReferentialIntegrity))
}

func TestApplyConsumes(t *testing.T) {
	base := build(t, "base", node(1, 0, 0))
	cs := New(base, Options{})
	require.NoError(t, cs.Add(Change{ChangeType: Create, Entity: node(2, 1, 1)}))
	_, err := cs.Apply()
	require.NoError(t, err)

	_, err = cs.Apply()
	assert.True(t, errors.Is(err, osmerr.ErrChangesetConsumed))
	assert.True(t, errors.Is(cs.DeduplicateNodes(context.Background(), nil), osmerr.ErrChangesetConsumed))
}

func TestCancellationPoisons(t *testing.T) {
	var objs []osm.Object
	for i := int64(1); i <= 50; i++ {
		objs = append(objs, node(i, float64(i), 0))
	}
	base := build(t, "base", objs...)
	cs := New(base, Options{CheckpointEvery: 10})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var reports []progress.Progress
	err := cs.DeduplicateNodes(ctx, func(p progress.Progress) { reports = append(reports, p) })
	require.Error(t, err)
	assert.True(t, errors.Is(err, osmerr.ErrCancelled))
	assert.NotEmpty(t, reports)

	_, err = cs.Apply()
	assert.True(t, errors.Is(err, osmerr.ErrCancelled))
}

func TestAddNormalisesChangeTypes(t *testing.T) {
	base := build(t, "base", node(1, 0, 0))
	cs := New(base, Options{})

	require.NoError(t, cs.Add(Change{ChangeType: Modify, Entity: node(5, 1, 1)}))
	c, _ := cs.Change(osm.TypeNode, 5)
	assert.Equal(t, Create, c.ChangeType)

	require.NoError(t, cs.Add(Change{ChangeType: Create, Entity: node(1, 2, 2)}))
	c, _ = cs.Change(osm.TypeNode, 1)
	assert.Equal(t, Modify, c.ChangeType)
	assert.NotNil(t, c.OldEntity)

	err := cs.Add(Change{ChangeType: Delete, Entity: node(9, 0, 0)})
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
}

func TestPagination(t *testing.T) {
	base := build(t, "base", node(1, 0, 0), way(10, []int64{1}))
	cs := New(base, Options{})
	for i := int64(2); i <= 6; i++ {
		require.NoError(t, cs.Add(Change{ChangeType: Create, Entity: node(i, float64(i), 0)}))
	}
	require.NoError(t, cs.Add(Change{ChangeType: Modify, Entity: way(10, []int64{1, 2})}))
	require.NoError(t, cs.Add(Change{ChangeType: Delete, Entity: node(1, 0, 0)}))

	tests := []struct {
		name      string
		query     PageQuery
		wantIDs   []int64
		wantTotal int
		wantPages int
	}{
		{name: "first page", query: PageQuery{Page: 0, PageSize: 3}, wantIDs: []int64{2, 3, 4}, wantTotal: 7, wantPages: 3},
		{name: "last page", query: PageQuery{Page: 2, PageSize: 3}, wantIDs: []int64{10}, wantTotal: 7, wantPages: 3},
		{name: "past end", query: PageQuery{Page: 5, PageSize: 3}, wantIDs: []int64{}, wantTotal: 7, wantPages: 3},
		{name: "creates only", query: PageQuery{PageSize: 10, ChangeType: Create}, wantIDs: []int64{2, 3, 4, 5, 6}, wantTotal: 5, wantPages: 1},
		{name: "ways only", query: PageQuery{PageSize: 10, EntityType: osm.TypeWay}, wantIDs: []int64{10}, wantTotal: 1, wantPages: 1},
		{name: "node deletes", query: PageQuery{PageSize: 1, ChangeType: Delete, EntityType: osm.TypeNode}, wantIDs: []int64{1}, wantTotal: 1, wantPages: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := cs.Page(tt.query)
			require.NoError(t, err)
			ids := []int64{}
			for _, c := range p.Changes {
				ids = append(ids, c.ID())
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantTotal, p.Total)
			assert.Equal(t, tt.wantPages, p.TotalPages)
		})
	}

	_, err := cs.Page(PageQuery{PageSize: 0})
	assert.Error(t, err)
	_, err = cs.Page(PageQuery{Page: math.MaxInt / 2, PageSize: 3})
	assert.Error(t, err)
	_, err = cs.Page(PageQuery{Page: 1, PageSize: math.MaxInt})
	assert.Error(t, err)
}
