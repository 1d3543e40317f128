// Package worker hosts entity stores on dedicated goroutines. Every operation
// on a worker runs to completion on that goroutine, in submission order.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/metrics"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// State is the lifecycle state of one store ID on a worker.
type State int

const (
	Empty State = iota
	Loaded
	Evicted
)

func (s State) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case Evicted:
		return "evicted"
	default:
		return "empty"
	}
}

// Options configures a worker.
type Options struct {
	// ProgressInterval throttles progress reports of long scans.
	ProgressInterval time.Duration
	// Progress receives throttled reports in addition to the log.
	Progress  progress.Sink
	Changeset changeset.Options
	Capacity  capacity.Checker
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	QueueSize int
}

// DefaultOptions returns options reporting progress at most once per second.
func DefaultOptions() Options {
	return Options{
		ProgressInterval: time.Second,
		Changeset:        changeset.DefaultOptions(),
		Capacity:         capacity.Unlimited{},
		Logger:           zap.NewNop(),
		QueueSize:        16,
	}
}

// Stores is the state held by the worker goroutine. Only closures passed to Call touch it.
type Stores struct {
	stores     map[string]*store.Store
	evicted    map[string]bool
	changesets map[string]*changeset.Changeset
}

type request struct {
	op   string
	ctx  context.Context
	fn   func(ctx context.Context, s *Stores) error
	done chan error
}

// Worker owns a set of stores and open changesets.
type Worker struct {
	name     string
	opts     Options
	log      *zap.Logger
	requests chan request
	stopped  chan struct{}
	state    *Stores
}

// New starts a worker goroutine.
func New(name string, opts Options) *Worker {
	def := DefaultOptions()
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = def.ProgressInterval
	}
	if opts.Capacity == nil {
		opts.Capacity = def.Capacity
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.Changeset.Capacity == nil {
		opts.Changeset.Capacity = opts.Capacity
	}
	log := opts.Logger.With(zap.String("worker", name))
	if opts.Changeset.Logger == nil {
		opts.Changeset.Logger = log.Named("changeset")
	}

	w := &Worker{
		name:     name,
		opts:     opts,
		log:      log,
		requests: make(chan request, opts.QueueSize),
		stopped:  make(chan struct{}),
		state: &Stores{
			stores:     make(map[string]*store.Store),
			evicted:    make(map[string]bool),
			changesets: make(map[string]*changeset.Changeset),
		},
	}
	go w.run()
	return w
}

// Name returns the worker name.
func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) run() {
	defer close(w.stopped)
	for req := range w.requests {
		start := time.Now()
		err := req.fn(req.ctx, w.state)
		w.opts.Metrics.ObserveOperation(w.name, req.op, time.Since(start), err)
		if err != nil && !errors.Is(err, osmerr.ErrNotFound) {
			w.log.Warn("Operation failed", zap.String("op", req.op), zap.Error(err))
		}
		req.done <- err
	}
}

// Call runs fn on the worker goroutine and waits for it. The context is
// handed to fn so long scans can honour cancellation at their checkpoints.
func (w *Worker) Call(ctx context.Context, op string, fn func(ctx context.Context, s *Stores) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s on worker %s: %w: %v", op, w.name, osmerr.ErrCancelled, err)
	}
	req := request{op: op, ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return fmt.Errorf("%s on worker %s: %w: %v", op, w.name, osmerr.ErrCancelled, ctx.Err())
	}
	return <-req.done
}

// Close stops the worker after queued operations finish. Call must not be used afterwards.
func (w *Worker) Close() {
	close(w.requests)
	<-w.stopped
}

func (w *Worker) sink(op, id string) progress.Sink {
	log := w.log
	user := w.opts.Progress
	return progress.Throttle(func(p progress.Progress) {
		log.Info("Progress",
			zap.String("op", op),
			zap.String("store", id),
			zap.Int64("processed", p.Processed),
			zap.Int64("total", p.Total),
			zap.String("pct", fmt.Sprintf("%.1f%%", p.Percentage())),
			zap.String("rate", progress.FormatThroughput(p.Throughput())),
			zap.Bool("done", p.Done))
		if user != nil {
			user(p)
		}
	}, w.opts.ProgressInterval)
}

func (w *Worker) updateGauges(s *Stores) {
	w.opts.Metrics.SetLoadedStores(w.name, len(s.stores))
}

// Get returns the store loaded under id.
func (s *Stores) Get(id string) (*store.Store, error) {
	st, ok := s.stores[id]
	if !ok {
		return nil, fmt.Errorf("store %s not loaded: %w", id, osmerr.ErrNotFound)
	}
	return st, nil
}

// IDs lists the loaded store IDs in ascending order.
func (s *Stores) IDs() []string {
	ids := make([]string, 0, len(s.stores))
	for id := range s.stores {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// State returns the lifecycle state of id.
func (s *Stores) State(id string) State {
	if _, ok := s.stores[id]; ok {
		return Loaded
	}
	if s.evicted[id] {
		return Evicted
	}
	return Empty
}

// Changeset returns the open changeset for base id.
func (s *Stores) Changeset(id string) (*changeset.Changeset, error) {
	cs, ok := s.changesets[id]
	if !ok {
		return nil, fmt.Errorf("no open changeset for %s: %w", id, osmerr.ErrNotFound)
	}
	return cs, nil
}

// Set publishes st under id, replacing any previous revision. An open
// changeset against the replaced revision is discarded.
func (w *Worker) Set(ctx context.Context, id string, st *store.Store) error {
	return w.Call(ctx, "set", func(_ context.Context, s *Stores) error {
		if cs, ok := s.changesets[id]; ok {
			w.log.Warn("Discarding changeset of replaced store", zap.String("store", id), zap.Int("changes", cs.Len()))
			cs.Discard()
			delete(s.changesets, id)
			w.opts.Metrics.SetPendingChanges(w.name, id, -1)
		}
		if st.ID() != id {
			st = st.WithID(id)
		}
		s.stores[id] = st
		delete(s.evicted, id)
		w.opts.Metrics.SetStoreBytes(w.name, id, st.SizeBytes())
		w.updateGauges(s)
		return nil
	})
}

// Get returns the store loaded under id, or ErrNotFound.
func (w *Worker) Get(ctx context.Context, id string) (*store.Store, error) {
	var st *store.Store
	err := w.Call(ctx, "get", func(_ context.Context, s *Stores) (err error) {
		st, err = s.Get(id)
		return err
	})
	return st, err
}

// State returns the lifecycle state of id.
func (w *Worker) State(ctx context.Context, id string) (State, error) {
	var state State
	err := w.Call(ctx, "state", func(_ context.Context, s *Stores) error {
		state = s.State(id)
		return nil
	})
	return state, err
}

// IDs lists the loaded store IDs in ascending order.
func (w *Worker) IDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := w.Call(ctx, "ids", func(_ context.Context, s *Stores) error {
		ids = s.IDs()
		return nil
	})
	return ids, err
}

// Delete evicts id and discards its open changeset.
func (w *Worker) Delete(ctx context.Context, id string) error {
	return w.Call(ctx, "delete", func(_ context.Context, s *Stores) error {
		if _, err := s.Get(id); err != nil {
			return err
		}
		if cs, ok := s.changesets[id]; ok {
			cs.Discard()
			delete(s.changesets, id)
			w.opts.Metrics.SetPendingChanges(w.name, id, -1)
		}
		delete(s.stores, id)
		s.evicted[id] = true
		w.opts.Metrics.SetStoreBytes(w.name, id, -1)
		w.updateGauges(s)
		return nil
	})
}

// Rename moves the store loaded under oldID to newID. A store with an open
// changeset cannot be renamed.
func (w *Worker) Rename(ctx context.Context, oldID, newID string) error {
	return w.Call(ctx, "rename", func(_ context.Context, s *Stores) error {
		st, err := s.Get(oldID)
		if err != nil {
			return err
		}
		if _, ok := s.changesets[oldID]; ok {
			return fmt.Errorf("rename %s: %w", oldID, osmerr.ErrConcurrentChangeset)
		}
		if _, ok := s.stores[newID]; ok {
			return fmt.Errorf("rename %s: target %s already loaded", oldID, newID)
		}
		delete(s.stores, oldID)
		s.evicted[oldID] = true
		s.stores[newID] = st.WithID(newID)
		delete(s.evicted, newID)
		w.opts.Metrics.SetStoreBytes(w.name, oldID, -1)
		w.opts.Metrics.SetStoreBytes(w.name, newID, st.SizeBytes())
		return nil
	})
}

// GetByID materialises one entity of a loaded store.
func (w *Worker) GetByID(ctx context.Context, storeID string, t osm.Type, id int64) (osm.Object, error) {
	var obj osm.Object
	err := w.Call(ctx, "get-by-id", func(_ context.Context, s *Stores) error {
		st, err := s.Get(storeID)
		if err != nil {
			return err
		}
		obj, err = st.Entity(t, id)
		return err
	})
	return obj, err
}

// EntitiesInBBox materialises every entity of type t intersecting b.
func (w *Worker) EntitiesInBBox(ctx context.Context, storeID string, t osm.Type, b orb.Bound) ([]osm.Object, error) {
	var out []osm.Object
	err := w.Call(ctx, "bbox", func(_ context.Context, s *Stores) error {
		st, err := s.Get(storeID)
		if err != nil {
			return err
		}
		idx, err := st.EntitiesInBBox(t, b)
		if err != nil {
			return err
		}
		out = make([]osm.Object, len(idx))
		for i, e := range idx {
			out[i] = st.Materialize(t, int(e))
		}
		return nil
	})
	return out, err
}

// Nearest materialises up to k entities of type t closest to p.
func (w *Worker) Nearest(ctx context.Context, storeID string, t osm.Type, p orb.Point, k int) ([]osm.Object, error) {
	var out []osm.Object
	err := w.Call(ctx, "nearest", func(_ context.Context, s *Stores) error {
		st, err := s.Get(storeID)
		if err != nil {
			return err
		}
		idx, err := st.Nearest(t, p, k)
		if err != nil {
			return err
		}
		out = make([]osm.Object, len(idx))
		for i, e := range idx {
			out[i] = st.Materialize(t, int(e))
		}
		return nil
	})
	return out, err
}

// BuildSpatialIndexes builds all spatial indexes of a loaded store.
func (w *Worker) BuildSpatialIndexes(ctx context.Context, storeID string) error {
	return w.Call(ctx, "spatial", func(_ context.Context, s *Stores) error {
		st, err := s.Get(storeID)
		if err != nil {
			return err
		}
		start := time.Now()
		if err := st.BuildSpatialIndexes(); err != nil {
			return err
		}
		w.log.Info("Spatial indexes built", zap.String("store", storeID), zap.Duration("elapsed", time.Since(start)))
		return nil
	})
}

// OpenChangeset starts a changeset against a loaded store. Only one
// changeset per base may be open.
func (w *Worker) OpenChangeset(ctx context.Context, baseID string) error {
	return w.Call(ctx, "open-changeset", func(_ context.Context, s *Stores) error {
		st, err := s.Get(baseID)
		if err != nil {
			return err
		}
		if _, ok := s.changesets[baseID]; ok {
			return fmt.Errorf("changeset for %s already open: %w", baseID, osmerr.ErrConcurrentChangeset)
		}
		s.changesets[baseID] = changeset.New(st, w.opts.Changeset)
		w.opts.Metrics.SetPendingChanges(w.name, baseID, 0)
		return nil
	})
}

// WithChangeset runs fn against the open changeset of baseID on the worker goroutine.
func (w *Worker) WithChangeset(ctx context.Context, op, baseID string, fn func(ctx context.Context, cs *changeset.Changeset, s *Stores) error) error {
	return w.Call(ctx, op, func(ctx context.Context, s *Stores) error {
		cs, err := s.Changeset(baseID)
		if err != nil {
			return err
		}
		err = fn(ctx, cs, s)
		w.opts.Metrics.SetPendingChanges(w.name, baseID, cs.Len())
		return err
	})
}

// GenerateDirectChanges overlays the loaded store patchID onto the changeset of baseID.
func (w *Worker) GenerateDirectChanges(ctx context.Context, baseID, patchID string) (changeset.Stats, error) {
	var stats changeset.Stats
	err := w.WithChangeset(ctx, "direct-merge", baseID, func(ctx context.Context, cs *changeset.Changeset, s *Stores) error {
		patch, err := s.Get(patchID)
		if err != nil {
			return err
		}
		if err := cs.GenerateDirectChanges(ctx, patch, w.sink("direct-merge", baseID)); err != nil {
			return err
		}
		stats = cs.Stats()
		return nil
	})
	return stats, err
}

// DeduplicateNodes runs node deduplication on the changeset of baseID.
func (w *Worker) DeduplicateNodes(ctx context.Context, baseID string) (changeset.Stats, error) {
	var stats changeset.Stats
	err := w.WithChangeset(ctx, "dedup-nodes", baseID, func(ctx context.Context, cs *changeset.Changeset, _ *Stores) error {
		if err := cs.DeduplicateNodes(ctx, w.sink("dedup-nodes", baseID)); err != nil {
			return err
		}
		stats = cs.Stats()
		return nil
	})
	return stats, err
}

// DeduplicateWays runs way deduplication on the changeset of baseID.
func (w *Worker) DeduplicateWays(ctx context.Context, baseID string) (changeset.Stats, error) {
	var stats changeset.Stats
	err := w.WithChangeset(ctx, "dedup-ways", baseID, func(ctx context.Context, cs *changeset.Changeset, _ *Stores) error {
		if err := cs.DeduplicateWays(ctx, w.sink("dedup-ways", baseID)); err != nil {
			return err
		}
		stats = cs.Stats()
		return nil
	})
	return stats, err
}

// GenerateIntersections joins crossing ways. A nil wayIDs uses the ways the
// changeset created or modified.
func (w *Worker) GenerateIntersections(ctx context.Context, baseID string, wayIDs []int64) (changeset.Stats, error) {
	var stats changeset.Stats
	err := w.WithChangeset(ctx, "intersections", baseID, func(ctx context.Context, cs *changeset.Changeset, _ *Stores) error {
		ids := wayIDs
		if ids == nil {
			ids = cs.CandidateWays()
		}
		if err := cs.GenerateIntersectionsForWays(ctx, ids, w.sink("intersections", baseID)); err != nil {
			return err
		}
		stats = cs.Stats()
		return nil
	})
	return stats, err
}

// ChangesPage returns one page of the changeset of baseID.
func (w *Worker) ChangesPage(ctx context.Context, baseID string, q changeset.PageQuery) (changeset.Page, error) {
	var page changeset.Page
	err := w.WithChangeset(ctx, "changes-page", baseID, func(_ context.Context, cs *changeset.Changeset, _ *Stores) (err error) {
		page, err = cs.Page(q)
		return err
	})
	return page, err
}

// ChangesetStats returns the statistics of the changeset of baseID.
func (w *Worker) ChangesetStats(ctx context.Context, baseID string) (changeset.Stats, error) {
	var stats changeset.Stats
	err := w.WithChangeset(ctx, "changeset-stats", baseID, func(_ context.Context, cs *changeset.Changeset, _ *Stores) error {
		stats = cs.Stats()
		return nil
	})
	return stats, err
}

// ApplyChanges applies the changeset of baseID and swaps the new store in.
// On failure the previous store stays loaded and the changeset stays open.
func (w *Worker) ApplyChanges(ctx context.Context, baseID string) (store.Stats, error) {
	var stats store.Stats
	err := w.Call(ctx, "apply", func(_ context.Context, s *Stores) error {
		cs, err := s.Changeset(baseID)
		if err != nil {
			return err
		}
		next, err := cs.Apply()
		if err != nil {
			return err
		}
		s.stores[baseID] = next
		delete(s.changesets, baseID)
		w.opts.Metrics.SetPendingChanges(w.name, baseID, -1)
		w.opts.Metrics.SetStoreBytes(w.name, baseID, next.SizeBytes())
		stats = next.Stats()
		return nil
	})
	return stats, err
}

// DiscardChangeset drops the changeset of baseID without applying it.
func (w *Worker) DiscardChangeset(ctx context.Context, baseID string) error {
	return w.Call(ctx, "discard", func(_ context.Context, s *Stores) error {
		cs, err := s.Changeset(baseID)
		if err != nil {
			return err
		}
		cs.Discard()
		delete(s.changesets, baseID)
		w.opts.Metrics.SetPendingChanges(w.name, baseID, -1)
		return nil
	})
}
