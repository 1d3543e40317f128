package store

import (
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
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

func buildFixture(t *testing.T, ids []int64) *Store {
	t.Helper()
	b := NewBuilder("fixture")
	for _, id := range ids {
		tags := []string{"name", "n"}
		if id%2 == 0 {
			tags = append(tags, "highway", "crossing")
		}
		b.AddNode(node(id, float64(id), float64(id)/2, tags...))
	}
	b.AddWay(way(100, []int64{ids[0], ids[1]}, "highway", "residential"))
	b.AddWay(way(101, []int64{ids[1], ids[2], 999}))
	b.AddRelation(&osm.Relation{
		ID: 500,
		Members: osm.Members{
			{Type: osm.TypeWay, Ref: 100, Role: "outer"},
			{Type: osm.TypeNode, Ref: ids[2]},
		},
		Tags: tagList("type", "multipolygon"),
	})
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		ids    []int64
		sorted bool
	}{
		{name: "sorted", ids: []int64{1, 2, 3, 5, 8}, sorted: true},
		{name: "unsorted", ids: []int64{8, 3, 5, 1, 2}, sorted: false},
		{name: "negative", ids: []int64{-4, 7, -1, 2}, sorted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := buildFixture(t, tt.ids)
			nodes := s.Nodes()
			assert.Equal(t, tt.sorted, nodes.IDsAreSorted())
			for i := 0; i < nodes.Len(); i++ {
				assert.Equal(t, i, nodes.IndexOf(int64(nodes.Node(i).ID)))
			}
			assert.Equal(t, NotFound, nodes.IndexOf(12345))
		})
	}
}

func TestTagReverseIndexConsistency(t *testing.T) {
	s := buildFixture(t, []int64{4, 1, 2, 3})
	nodes := s.Nodes()

	for i := 0; i < nodes.Len(); i++ {
		for k := range nodes.Tags(i) {
			assert.Contains(t, nodes.EntitiesWithTagKey(k), int32(i))
		}
	}
	for _, key := range []string{"name", "highway", "type"} {
		for _, i := range nodes.EntitiesWithTagKey(key) {
			assert.True(t, nodes.HasTag(int(i), key))
		}
	}
	assert.Len(t, nodes.EntitiesWithTagKey("highway"), 2)
	assert.Empty(t, nodes.EntitiesWithTagKey("missing"))
}

func TestDuplicateTagKeysKeepFirst(t *testing.T) {
	b := NewBuilder("dup")
	b.AddNode(node(1, 0, 0, "a", "1", "a", "2"))
	s, err := b.Build()
	require.NoError(t, err)

	v, ok := s.Nodes().TagValue(0, "a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, s.Nodes().TagCount(0))
}

func TestDuplicateIDIsConstructionError(t *testing.T) {
	b := NewBuilder("dup")
	b.AddNode(node(1, 0, 0))
	b.AddNode(node(1, 1, 1))
	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, errors.Is(err, osmerr.ErrConstruction))
}

func TestCapacityRejectedBeforeBuild(t *testing.T) {
	b := NewBuilder("big")
	b.SetCapacityChecker(capacity.System(1))
	b.AddNode(node(1, 0, 0, "name", "x"))
	_, err := b.Build()
	assert.True(t, errors.Is(err, osmerr.ErrCapacity))
}

func TestWayAndRelationBBoxes(t *testing.T) {
	s := buildFixture(t, []int64{1, 2, 3})

	w := s.Ways().IndexOf(100)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 0.5}, Max: orb.Point{2, 1}}, s.Ways().BBox(w))

	// dangling ref 999 is skipped
	w = s.Ways().IndexOf(101)
	assert.Equal(t, orb.Bound{Min: orb.Point{2, 1}, Max: orb.Point{3, 1.5}}, s.Ways().BBox(w))

	r := s.Relations().IndexOf(500)
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 0.5}, Max: orb.Point{3, 1.5}}, s.Relations().BBox(r))
}

func TestRelationCycleBBox(t *testing.T) {
	b := NewBuilder("cycle")
	b.AddNode(node(1, 5, 5))
	b.AddRelation(&osm.Relation{ID: 1, Members: osm.Members{{Type: osm.TypeRelation, Ref: 2}, {Type: osm.TypeNode, Ref: 1}}})
	b.AddRelation(&osm.Relation{ID: 2, Members: osm.Members{{Type: osm.TypeRelation, Ref: 1}}})
	s, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{5, 5}}, s.Relations().BBox(0))
	// relation 2 is resolved while relation 1 is still open and only sees the cycle
	assert.True(t, s.Relations().BBox(1).IsEmpty())
}

func TestEntityLookup(t *testing.T) {
	s := buildFixture(t, []int64{1, 2, 3})

	o, err := s.Entity(osm.TypeWay, 100)
	require.NoError(t, err)
	w := o.(*osm.Way)
	assert.Equal(t, osm.WayID(100), w.ID)
	assert.Equal(t, "residential", w.Tags.Find("highway"))
	assert.Len(t, w.Nodes, 2)

	o, err = s.Entity(osm.TypeRelation, 500)
	require.NoError(t, err)
	rel := o.(*osm.Relation)
	assert.Equal(t, "outer", rel.Members[0].Role)
	assert.Equal(t, osm.TypeNode, rel.Members[1].Type)

	_, err = s.Entity(osm.TypeNode, 77)
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
}

func TestMetadataRoundTrip(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder("meta")
	b.AddNode(&osm.Node{ID: 1, Version: 3, Timestamp: ts})
	b.AddNode(&osm.Node{ID: 2})
	s, err := b.Build()
	require.NoError(t, err)

	assert.Equal(t, 3, s.Nodes().Version(0))
	assert.True(t, ts.Equal(s.Nodes().Timestamp(0)))
	assert.True(t, s.Nodes().Timestamp(1).IsZero())
}

func TestSpatialQueries(t *testing.T) {
	s := buildFixture(t, []int64{1, 2, 3})
	require.NoError(t, s.BuildSpatialIndexes())

	box := orb.Bound{Min: orb.Point{0.5, 0}, Max: orb.Point{1.5, 1}}
	assert.Equal(t, []int32{int32(s.Nodes().IndexOf(1))}, s.NodesInBBox(box))
	assert.Equal(t, []int32{int32(s.Ways().IndexOf(100))}, s.WaysInBBox(box))
	assert.Equal(t, []int32{0}, s.RelationsInBBox(box))

	idx, err := s.EntitiesInBBox(osm.TypeWay, orb.Bound{Min: orb.Point{2.5, 1.2}, Max: orb.Point{4, 4}})
	require.NoError(t, err)
	assert.Equal(t, []int32{int32(s.Ways().IndexOf(101))}, idx)

	assert.Equal(t, []int32{int32(s.Nodes().IndexOf(3))}, s.NearestNodes(orb.Point{3.1, 1.5}, 1))
	assert.Equal(t, []int32{int32(s.Ways().IndexOf(101))}, s.NearestWays(orb.Point{3.1, 1.5}, 1))
	assert.Equal(t, []int32{int32(s.Ways().IndexOf(100)), int32(s.Ways().IndexOf(101))}, s.NearestWays(orb.Point{0, 0}, 5))

	idx, err = s.Nearest(osm.TypeRelation, orb.Point{0, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int32{0}, idx)
	_, err = s.Nearest(osm.Type("area"), orb.Point{}, 1)
	assert.Error(t, err)
}

func TestLayoutRoundTrip(t *testing.T) {
	s := buildFixture(t, []int64{3, 1, 2})
	got, err := FromLayout(s.Layout())
	require.NoError(t, err)

	assert.Equal(t, s.Stats(), got.Stats())
	for i := 0; i < s.Ways().Len(); i++ {
		assert.Equal(t, s.Ways().Way(i), got.Ways().Way(i))
		assert.Equal(t, s.Ways().BBox(i), got.Ways().BBox(i))
	}
	assert.Equal(t, s.Relations().Relation(0), got.Relations().Relation(0))
	assert.NoError(t, got.Validate())
}

func TestFromLayoutRebuildsOptionalIndexes(t *testing.T) {
	s := buildFixture(t, []int64{3, 1, 2})
	l := s.Layout()
	l.Nodes.SortedIDs = nil
	l.Nodes.SortedIDPositionToIndex = nil
	l.Nodes.KeyEntities = nil
	l.Nodes.KeyIndexStart = nil
	l.Nodes.KeyIndexCount = nil
	l.Ways.BBox = nil

	got, err := FromLayout(l)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Nodes().IndexOf(1))
	assert.Len(t, got.Nodes().EntitiesWithTagKey("highway"), 1)
	assert.Equal(t, s.Ways().BBox(0), got.Ways().BBox(0))
}

func TestFromLayoutRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(l *Layout)
	}{
		{name: "tag range past end", mutate: func(l *Layout) {
			l.Nodes.TagCount = append([]int32(nil), l.Nodes.TagCount...)
			l.Nodes.TagCount[0] = 100
		}},
		{name: "tag key out of string table", mutate: func(l *Layout) {
			l.Nodes.TagKeys = append([]int32(nil), l.Nodes.TagKeys...)
			l.Nodes.TagKeys[0] = 1 << 20
		}},
		{name: "short lons", mutate: func(l *Layout) { l.Nodes.Lons = l.Nodes.Lons[:1] }},
		{name: "ref range past end", mutate: func(l *Layout) { l.Ways.Refs = l.Ways.Refs[:1] }},
		{name: "bad member type", mutate: func(l *Layout) {
			l.Relations.MemberTypes = []uint8{7, 0}
		}},
		{name: "false sorted flag", mutate: func(l *Layout) {
			l.Nodes.IDsAreSorted = true
		}},
		{name: "inconsistent sorted ids", mutate: func(l *Layout) {
			l.Nodes.SortedIDs = []int64{1, 2, 4}
		}},
		{name: "string range past pool", mutate: func(l *Layout) {
			l.Strings.Pool = l.Strings.Pool[:1]
		}},
		{name: "short bbox", mutate: func(l *Layout) { l.Ways.BBox = l.Ways.BBox[:3] }},
		{name: "key index disagrees with tags", mutate: func(l *Layout) {
			swapped := make([]int32, len(l.Nodes.KeyEntities))
			for i, e := range l.Nodes.KeyEntities {
				swapped[len(swapped)-1-i] = e
			}
			l.Nodes.KeyEntities = swapped
		}},
		{name: "key index count disagrees with tags", mutate: func(l *Layout) {
			l.Nodes.KeyIndexCount = make([]int32, len(l.Nodes.KeyIndexCount))
			l.Nodes.KeyEntities = nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := buildFixture(t, []int64{3, 1, 2}).Layout()
			tt.mutate(&l)
			s, err := FromLayout(l)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.True(t, errors.Is(err, osmerr.ErrConstruction), "got %v", err)
		})
	}
}

func TestWithIDSharesBuffers(t *testing.T) {
	s := buildFixture(t, []int64{1, 2, 3})
	r := s.WithID("renamed")
	assert.Equal(t, "renamed", r.ID())
	assert.Equal(t, "fixture", s.ID())
	assert.Same(t, s.Nodes(), r.Nodes())
}
