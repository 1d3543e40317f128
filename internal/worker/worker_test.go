package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/metrics"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

func buildStore(t *testing.T, id string, objs ...osm.Object) *store.Store {
	t.Helper()
	b := store.NewBuilder(id)
	for _, o := range objs {
		b.Add(o)
	}
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func line(id int64, refs ...int64) *osm.Way {
	w := &osm.Way{ID: osm.WayID(id), Tags: osm.Tags{{Key: "highway", Value: "residential"}}}
	for _, r := range refs {
		w.Nodes = append(w.Nodes, osm.WayNode{ID: osm.NodeID(r)})
	}
	return w
}

func pt(id int64, lon, lat float64) *osm.Node {
	return &osm.Node{ID: osm.NodeID(id), Lon: lon, Lat: lat}
}

func newWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w := New("test", opts)
	t.Cleanup(w.Close)
	return w
}

func TestStateMachine(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, DefaultOptions())
	s := buildStore(t, "src", pt(1, 0, 0))

	state, err := w.State(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, Empty, state)

	require.NoError(t, w.Set(ctx, "a", s))
	state, _ = w.State(ctx, "a")
	assert.Equal(t, Loaded, state)

	got, err := w.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID())

	require.NoError(t, w.Rename(ctx, "a", "b"))
	state, _ = w.State(ctx, "a")
	assert.Equal(t, Evicted, state)
	ids, err := w.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	require.NoError(t, w.Delete(ctx, "b"))
	state, _ = w.State(ctx, "b")
	assert.Equal(t, Evicted, state)

	require.NoError(t, w.Set(ctx, "b", s))
	state, _ = w.State(ctx, "b")
	assert.Equal(t, Loaded, state)
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, DefaultOptions())

	_, err := w.Get(ctx, "missing")
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
	assert.True(t, errors.Is(w.Delete(ctx, "missing"), osmerr.ErrNotFound))
	assert.True(t, errors.Is(w.OpenChangeset(ctx, "missing"), osmerr.ErrNotFound))

	require.NoError(t, w.Set(ctx, "a", buildStore(t, "a", pt(1, 0, 0))))
	_, err = w.GetByID(ctx, "a", osm.TypeNode, 2)
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
	_, err = w.ChangesetStats(ctx, "a")
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
}

func TestQueries(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, DefaultOptions())
	require.NoError(t, w.Set(ctx, "a", buildStore(t, "a", pt(1, 0, 0), pt(2, 1, 1), pt(3, 5, 5), line(10, 1, 2))))
	require.NoError(t, w.BuildSpatialIndexes(ctx, "a"))

	obj, err := w.GetByID(ctx, "a", osm.TypeWay, 10)
	require.NoError(t, err)
	assert.Equal(t, osm.WayID(10), obj.(*osm.Way).ID)

	nodes, err := w.EntitiesInBBox(ctx, "a", osm.TypeNode, orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{2, 2}})
	require.NoError(t, err)
	assert.Len(t, nodes, 2)

	ways, err := w.EntitiesInBBox(ctx, "a", osm.TypeWay, orb.Bound{Min: orb.Point{4, 4}, Max: orb.Point{6, 6}})
	require.NoError(t, err)
	assert.Empty(t, ways)

	near, err := w.Nearest(ctx, "a", osm.TypeNode, orb.Point{4.5, 4.5}, 1)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, osm.NodeID(3), near[0].(*osm.Node).ID)

	near, err = w.Nearest(ctx, "a", osm.TypeWay, orb.Point{4, 4}, 3)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, osm.WayID(10), near[0].(*osm.Way).ID)
}

func TestConcurrentChangesetRejected(t *testing.T) {
	ctx := context.Background()
	w := newWorker(t, DefaultOptions())
	require.NoError(t, w.Set(ctx, "a", buildStore(t, "a", pt(1, 0, 0))))

	require.NoError(t, w.OpenChangeset(ctx, "a"))
	err := w.OpenChangeset(ctx, "a")
	assert.True(t, errors.Is(err, osmerr.ErrConcurrentChangeset))
	assert.True(t, errors.Is(w.Rename(ctx, "a", "b"), osmerr.ErrConcurrentChangeset))

	require.NoError(t, w.DiscardChangeset(ctx, "a"))
	require.NoError(t, w.OpenChangeset(ctx, "a"))
}

func TestApplySwapsStore(t *testing.T) {
	ctx := context.Background()
	reg := metrics.NewRegistry()
	opts := DefaultOptions()
	opts.Metrics = reg
	w := newWorker(t, opts)

	base := buildStore(t, "base", pt(1, 0, 0), pt(2, 1, 0), line(10, 1, 2))
	patch := buildStore(t, "patch", pt(2, 1, 0), pt(3, 1, 0), line(11, 3, 1))
	require.NoError(t, w.Set(ctx, "base", base))
	require.NoError(t, w.Set(ctx, "patch", patch))
	require.NoError(t, w.OpenChangeset(ctx, "base"))

	stats, err := w.GenerateDirectChanges(ctx, "base", "patch")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Nodes.Creates)
	assert.Equal(t, 1, stats.Ways.Creates)

	stats, err = w.DeduplicateNodes(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeduplicatedNodes)

	page, err := w.ChangesPage(ctx, "base", changeset.PageQuery{PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, stats.Total(), page.Total)

	after, err := w.ApplyChanges(ctx, "base")
	require.NoError(t, err)
	assert.Equal(t, 2, after.Nodes)
	assert.Equal(t, 2, after.Ways)

	got, err := w.Get(ctx, "base")
	require.NoError(t, err)
	assert.NotSame(t, base, got)
	assert.Equal(t, 1, base.Ways().Len())

	_, err = w.ChangesetStats(ctx, "base")
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))
	assert.Equal(t, 1.0, operationCount(t, reg, "apply", "ok"))
}

func operationCount(t *testing.T, reg *metrics.Registry, op, outcome string) float64 {
	t.Helper()
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "osmstore_worker_operations_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			if labels["operation"] == op && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestCancelledBeforeEnqueue(t *testing.T) {
	w := newWorker(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := false
	err := w.Call(ctx, "noop", func(context.Context, *Stores) error {
		ran = true
		return nil
	})
	assert.True(t, errors.Is(err, osmerr.ErrCancelled))
	assert.False(t, ran)
}

func TestThrottledProgress(t *testing.T) {
	ctx := context.Background()
	var reports []progress.Progress
	opts := DefaultOptions()
	opts.ProgressInterval = time.Hour
	opts.Progress = func(p progress.Progress) { reports = append(reports, p) }
	opts.Changeset.CheckpointEvery = 1
	w := newWorker(t, opts)

	var objs []osm.Object
	for i := int64(1); i <= 50; i++ {
		objs = append(objs, pt(i, float64(i%5), 0))
	}
	require.NoError(t, w.Set(ctx, "a", buildStore(t, "a", objs...)))
	require.NoError(t, w.OpenChangeset(ctx, "a"))
	_, err := w.DeduplicateNodes(ctx, "a")
	require.NoError(t, err)

	require.NotEmpty(t, reports)
	assert.LessOrEqual(t, len(reports), 2)
	last := reports[len(reports)-1]
	assert.True(t, last.Done)
	assert.Equal(t, "dedup-nodes", last.Operation)
}

func TestPoolBroadcastAndRoute(t *testing.T) {
	ctx := context.Background()
	p := NewPool(3, DefaultOptions())
	t.Cleanup(p.Close)
	s := buildStore(t, "src", pt(1, 0, 0))

	require.NoError(t, p.Broadcast(ctx, "a", s))
	for i := 0; i < p.Size(); i++ {
		got, err := p.Worker(i).Get(ctx, "a")
		require.NoError(t, err)
		assert.Same(t, s.Nodes(), got.Nodes())
	}
	assert.Same(t, p.Route("a"), p.Route("a"))

	owner := p.Route("a")
	require.NoError(t, owner.OpenChangeset(ctx, "a"))
	require.NoError(t, owner.WithChangeset(ctx, "add", "a", func(_ context.Context, cs *changeset.Changeset, _ *Stores) error {
		return cs.Add(changeset.Change{ChangeType: changeset.Create, Entity: pt(2, 1, 1)})
	}))
	_, err := owner.ApplyChanges(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, p.Republish(ctx, "a"))
	for i := 0; i < p.Size(); i++ {
		got, err := p.Worker(i).Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, 2, got.Nodes().Len())
	}

	require.NoError(t, p.Evict(ctx, "a"))
	for i := 0; i < p.Size(); i++ {
		state, err := p.Worker(i).State(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, Evicted, state)
	}
}
