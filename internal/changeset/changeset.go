package changeset

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// DefaultCheckpointEvery is the number of items a scan processes between
// progress reports and cancellation checks.
const DefaultCheckpointEvery = 10_000

// Options configures a changeset.
type Options struct {
	// Intersections defaults to DefaultIntersectionOptions when nil.
	Intersections   *IntersectionOptions
	CheckpointEvery int
	Capacity        capacity.Checker
	Logger          *zap.Logger
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Intersections:   ptr(DefaultIntersectionOptions()),
		CheckpointEvery: DefaultCheckpointEvery,
		Capacity:        capacity.Unlimited{},
		Logger:          zap.NewNop(),
	}
}

// changeList keeps changes of one entity type in first-touched order with one slot per ID.
// Removed IDs stay in order as tombstones until the next ids call.
type changeList struct {
	order []int64
	byID  map[int64]*Change
	tombs map[int64]bool
}

func ptr[T any](v T) *T {
	return &v
}

func newChangeList() *changeList {
	return &changeList{byID: make(map[int64]*Change), tombs: make(map[int64]bool)}
}

func (l *changeList) get(id int64) (*Change, bool) {
	c, ok := l.byID[id]
	return c, ok
}

func (l *changeList) len() int {
	return len(l.order) - len(l.tombs)
}

func (l *changeList) remove(id int64) {
	delete(l.byID, id)
	l.tombs[id] = true
}

// ids returns the live IDs in order. Compaction builds a new slice, so a
// caller may keep ranging over an earlier result while the list changes.
func (l *changeList) ids() []int64 {
	if len(l.tombs) == 0 {
		return l.order
	}
	live := make([]int64, 0, len(l.byID))
	for _, id := range l.ids() {
		if !l.tombs[id] {
			live = append(live, id)
		}
	}
	l.order = live
	l.tombs = make(map[int64]bool)
	return l.order
}

// put records c, combining it with any earlier change to the same ID.
func (l *changeList) put(c Change) {
	id := c.ID()
	prev, ok := l.byID[id]
	if !ok {
		if l.tombs[id] {
			l.ids()
		}
		cp := c
		l.byID[id] = &cp
		l.order = append(l.order, id)
		return
	}

	switch prev.ChangeType {
	case Create:
		if c.ChangeType == Delete {
			l.remove(id)
			return
		}
		prev.Entity = c.Entity
		prev.RelatedRefs = mergeRefs(prev.RelatedRefs, c.RelatedRefs)
	case Modify:
		if c.ChangeType == Delete {
			prev.ChangeType = Delete
			prev.Entity = c.Entity
			prev.RelatedRefs = nil
			return
		}
		prev.Entity = c.Entity
		prev.RelatedRefs = mergeRefs(prev.RelatedRefs, c.RelatedRefs)
	case Delete:
		if c.ChangeType != Delete {
			prev.ChangeType = Modify
			prev.Entity = c.Entity
			prev.RelatedRefs = c.RelatedRefs
		}
	}
}

func mergeRefs(a, b []osm.FeatureID) []osm.FeatureID {
	for _, r := range b {
		found := false
		for _, e := range a {
			if e == r {
				found = true
				break
			}
		}
		if !found {
			a = append(a, r)
		}
	}
	return a
}

// Changeset accumulates changes against one base store. It is owned by a
// single goroutine and must not be shared.
type Changeset struct {
	base *store.Store
	opts Options
	log  *zap.Logger

	nodes     *changeList
	ways      *changeList
	relations *changeList

	stats  Stats
	nextID int64

	consumed bool
	poisoned bool

	// header replaces the base header on apply when set.
	header *store.Header
}

// New creates an empty changeset against base.
func New(base *store.Store, opts Options) *Changeset {
	def := DefaultOptions()
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = def.CheckpointEvery
	}
	if opts.Capacity == nil {
		opts.Capacity = def.Capacity
	}
	if opts.Logger == nil {
		opts.Logger = def.Logger
	}
	if opts.Intersections == nil {
		opts.Intersections = def.Intersections
	} else {
		rules := *opts.Intersections
		if rules.Epsilon <= 0 {
			rules.Epsilon = DefaultIntersectionOptions().Epsilon
		}
		opts.Intersections = &rules
	}

	// synthesized nodes take negative IDs below anything in the base
	var minID int64
	for i := 0; i < base.Nodes().Len(); i++ {
		if id := base.Nodes().ID(i); id < minID {
			minID = id
		}
	}

	return &Changeset{
		base:      base,
		opts:      opts,
		log:       opts.Logger.With(zap.String("store", base.ID())),
		nodes:     newChangeList(),
		ways:      newChangeList(),
		relations: newChangeList(),
		nextID:    minID - 1,
	}
}

// Base returns the store the changeset applies to.
func (cs *Changeset) Base() *store.Store {
	return cs.base
}

// BaseID returns the identity of the base store.
func (cs *Changeset) BaseID() string {
	return cs.base.ID()
}

func (cs *Changeset) list(t osm.Type) *changeList {
	switch t {
	case osm.TypeNode:
		return cs.nodes
	case osm.TypeWay:
		return cs.ways
	case osm.TypeRelation:
		return cs.relations
	}
	return nil
}

// Stats returns the current change counts and algorithm counters.
func (cs *Changeset) Stats() Stats {
	s := cs.stats
	count := func(l *changeList) TypeStats {
		var ts TypeStats
		for _, id := range l.ids() {
			switch l.byID[id].ChangeType {
			case Create:
				ts.Creates++
			case Modify:
				ts.Modifies++
			case Delete:
				ts.Deletes++
			}
		}
		return ts
	}
	s.Nodes = count(cs.nodes)
	s.Ways = count(cs.ways)
	s.Relations = count(cs.relations)
	return s
}

// Len returns the number of pending changes.
func (cs *Changeset) Len() int {
	return cs.nodes.len() + cs.ways.len() + cs.relations.len()
}

func (cs *Changeset) usable() error {
	if cs.consumed {
		return fmt.Errorf("changeset for %s: %w", cs.base.ID(), osmerr.ErrChangesetConsumed)
	}
	if cs.poisoned {
		return fmt.Errorf("changeset for %s was cancelled and must be discarded: %w", cs.base.ID(), osmerr.ErrCancelled)
	}
	return nil
}

// checkpoint reports progress and honours cancellation.
func (cs *Changeset) checkpoint(ctx context.Context, t *progress.Tracker, processed int64) error {
	t.Report(processed)
	if err := ctx.Err(); err != nil {
		cs.poisoned = true
		cs.log.Warn("Scan cancelled at checkpoint", zap.Int64("processed", processed), zap.Error(err))
		return fmt.Errorf("%w: %v", osmerr.ErrCancelled, err)
	}
	return nil
}

func (cs *Changeset) record(c Change) {
	if c.EntityType == "" {
		c.EntityType = entityType(c.Entity)
	}
	cs.list(c.EntityType).put(c)
}

func (cs *Changeset) allocID() int64 {
	id := cs.nextID
	cs.nextID--
	return id
}

// lookup resolves an entity in the overlay view: base plus pending changes.
func (cs *Changeset) lookup(t osm.Type, id int64) (osm.Object, bool) {
	if c, ok := cs.list(t).get(id); ok {
		if c.ChangeType == Delete {
			return nil, false
		}
		return c.Entity, true
	}
	o, err := cs.base.Entity(t, id)
	if err != nil {
		return nil, false
	}
	return o, true
}

// baseEntity returns the entity as it exists in the base store, ignoring changes.
func (cs *Changeset) baseEntity(t osm.Type, id int64) (osm.Object, bool) {
	o, err := cs.base.Entity(t, id)
	if err != nil {
		return nil, false
	}
	return o, true
}

// nodePoint resolves a node coordinate in the overlay view.
func (cs *Changeset) nodePoint(id int64) (orb.Point, bool) {
	if c, ok := cs.nodes.get(id); ok {
		if c.ChangeType == Delete {
			return orb.Point{}, false
		}
		n := c.Entity.(*osm.Node)
		return orb.Point{n.Lon, n.Lat}, true
	}
	return cs.base.Nodes().PointByID(id)
}

// Add records an externally produced change, such as one read from an
// osmChange file. A modify of an entity unknown to the view becomes a create
// and a create of a known entity becomes a modify.
func (cs *Changeset) Add(c Change) error {
	if err := cs.usable(); err != nil {
		return err
	}
	if c.Entity == nil {
		return fmt.Errorf("change without entity")
	}
	c.EntityType = entityType(c.Entity)
	if c.EntityType == "" {
		return fmt.Errorf("unsupported entity %T", c.Entity)
	}
	id := c.ID()

	current, inView := cs.lookup(c.EntityType, id)
	old, inBase := cs.baseEntity(c.EntityType, id)
	switch c.ChangeType {
	case Create, Modify:
		if !inView && !inBase {
			c.ChangeType = Create
		} else {
			c.ChangeType = Modify
		}
		if inBase && c.OldEntity == nil {
			c.OldEntity = old
		}
	case Delete:
		if !inView {
			return fmt.Errorf("%w: cannot delete %s %d", osmerr.ErrNotFound, c.EntityType, id)
		}
		// osmChange deletes carry little more than the ID.
		c.Entity = current
		if inBase && c.OldEntity == nil {
			c.OldEntity = old
		}
	default:
		return fmt.Errorf("unknown change type %q", c.ChangeType)
	}
	cs.record(c)
	return nil
}

// Change returns the pending change for an entity, if any.
func (cs *Changeset) Change(t osm.Type, id int64) (Change, bool) {
	l := cs.list(t)
	if l == nil {
		return Change{}, false
	}
	c, ok := l.get(id)
	if !ok {
		return Change{}, false
	}
	return *c, true
}

// Changes returns every pending change: nodes, then ways, then relations,
// each in the order first touched.
func (cs *Changeset) Changes() []Change {
	out := make([]Change, 0, cs.Len())
	for _, l := range []*changeList{cs.nodes, cs.ways, cs.relations} {
		for _, id := range l.ids() {
			out = append(out, *l.byID[id])
		}
	}
	return out
}

// Page returns a stable, filtered slice of the pending changes. Pages are
// zero-based; a page past the end is empty.
func (cs *Changeset) Page(q PageQuery) (Page, error) {
	if err := q.Validate(); err != nil {
		return Page{}, err
	}

	match := func(c *Change) bool {
		return (q.ChangeType == "" || c.ChangeType == q.ChangeType) &&
			(q.EntityType == "" || c.EntityType == q.EntityType)
	}

	from := q.Page * q.PageSize
	to := from + q.PageSize
	p := Page{Page: q.Page, PageSize: q.PageSize, Changes: []Change{}}
	for _, l := range []*changeList{cs.nodes, cs.ways, cs.relations} {
		for _, id := range l.ids() {
			c := l.byID[id]
			if !match(c) {
				continue
			}
			if p.Total >= from && p.Total < to {
				p.Changes = append(p.Changes, *c)
			}
			p.Total++
		}
	}
	p.TotalPages = (p.Total + q.PageSize - 1) / q.PageSize
	return p, nil
}

// Header returns the header the applied store will carry.
func (cs *Changeset) Header() store.Header {
	if cs.header != nil {
		return *cs.header
	}
	return cs.base.Header()
}

// SetHeader replaces the header of the applied store, for example to record
// the replication sequence a diff advanced it to.
func (cs *Changeset) SetHeader(h store.Header) {
	cs.header = &h
}

// Discard releases the changeset without applying it.
func (cs *Changeset) Discard() {
	cs.consumed = true
	cs.nodes = newChangeList()
	cs.ways = newChangeList()
	cs.relations = newChangeList()
}

// Consumed reports whether the changeset was applied or discarded.
func (cs *Changeset) Consumed() bool {
	return cs.consumed
}
