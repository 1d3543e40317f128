package changeset

import (
	"context"
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/quadtree"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/spatial"
)

// IntersectionOptions selects which way pairs may be joined at a crossing.
// A zero Epsilon takes the default.
type IntersectionOptions struct {
	RequireHighway     bool    `yaml:"require_highway"`
	MatchLayer         bool    `yaml:"match_layer"`
	SkipBridgesTunnels bool    `yaml:"skip_bridges_tunnels"`
	Epsilon            float64 `yaml:"epsilon"`
}

// DefaultIntersectionOptions joins at-grade highway crossings only.
func DefaultIntersectionOptions() IntersectionOptions {
	return IntersectionOptions{
		RequireHighway:     true,
		MatchLayer:         true,
		SkipBridgesTunnels: true,
		Epsilon:            1e-9,
	}
}

// isArea checks if a closed way should be treated as a polygon
func isArea(tags osm.Tags) bool {
	for _, tag := range tags {
		if tag.Key == "area" {
			return tag.Value == "yes"
		}
	}

	areaKeys := map[string]bool{
		"building": true,
		"landuse":  true,
		"natural":  true,
		"leisure":  true,
		"amenity":  true,
		"shop":     true,
		"tourism":  true,
		"man_made": true,
		"waterway": false, // rivers are lines even if closed
		"highway":  false, // roundabouts are lines
		"barrier":  false,
		"railway":  false,
	}
	for _, tag := range tags {
		if area, exists := areaKeys[tag.Key]; exists {
			return area
		}
	}
	return false
}

// wayGeom is a way of the view with its resolved coordinates.
type wayGeom struct {
	way      *osm.Way
	refs     []int64
	points   []orb.Point
	resolved []bool
	bound    orb.Bound
}

func (cs *Changeset) wayGeometry(id int64) (*wayGeom, bool) {
	o, ok := cs.lookup(osm.TypeWay, id)
	if !ok {
		return nil, false
	}
	w := o.(*osm.Way)
	g := &wayGeom{
		way:      w,
		refs:     wayRefs(w),
		points:   make([]orb.Point, len(w.Nodes)),
		resolved: make([]bool, len(w.Nodes)),
	}
	first := true
	for i, ref := range g.refs {
		p, ok := cs.nodePoint(ref)
		if !ok {
			continue
		}
		g.points[i], g.resolved[i] = p, true
		if first {
			g.bound = orb.Bound{Min: p, Max: p}
			first = false
		} else {
			g.bound = g.bound.Extend(p)
		}
	}
	return g, !first
}

func (g *wayGeom) closed() bool {
	return len(g.refs) >= 4 && g.refs[0] == g.refs[len(g.refs)-1]
}

func (o IntersectionOptions) eligible(g *wayGeom) bool {
	if g.closed() && isArea(g.way.Tags) {
		return false
	}
	if o.RequireHighway && g.way.Tags.Find("highway") == "" {
		return false
	}
	if o.SkipBridgesTunnels {
		for _, k := range []string{"bridge", "tunnel"} {
			if v := g.way.Tags.Find(k); v != "" && v != "no" {
				return false
			}
		}
	}
	return true
}

func layerOf(w *osm.Way) string {
	if v := w.Tags.Find("layer"); v != "" {
		return v
	}
	return "0"
}

func (o IntersectionOptions) compatible(a, b *wayGeom) bool {
	return !o.MatchLayer || layerOf(a.way) == layerOf(b.way)
}

func cross(a, b orb.Point) float64 {
	return a[0]*b[1] - a[1]*b[0]
}

// segmentIntersection returns the crossing of p1-p2 and q1-q2 with the
// fractions t and u along each segment. Parallel segments never cross.
func segmentIntersection(p1, p2, q1, q2 orb.Point) (orb.Point, float64, float64, bool) {
	const slack = 1e-12
	r := orb.Point{p2[0] - p1[0], p2[1] - p1[1]}
	s := orb.Point{q2[0] - q1[0], q2[1] - q1[1]}
	denom := cross(r, s)
	if math.Abs(denom) < 1e-18 {
		return orb.Point{}, 0, 0, false
	}
	qp := orb.Point{q1[0] - p1[0], q1[1] - p1[1]}
	t := cross(qp, s) / denom
	u := cross(qp, r) / denom
	if t < -slack || t > 1+slack || u < -slack || u > 1+slack {
		return orb.Point{}, 0, 0, false
	}
	t = math.Min(math.Max(t, 0), 1)
	u = math.Min(math.Max(u, 0), 1)
	return orb.Point{p1[0] + t*r[0], p1[1] + t*r[1]}, t, u, true
}

// createdNode is a quadtree entry for a node synthesized at a crossing.
type createdNode struct {
	*osm.Node
}

func (n createdNode) Point() orb.Point { return orb.Point{n.Lon, n.Lat} }

type insertion struct {
	segment int
	frac    float64
	node    int64
}

// intersector holds the state of one GenerateIntersectionsForWays run.
type intersector struct {
	cs   *Changeset
	opts IntersectionOptions

	changedNodes []*osm.Node
	changedIndex *spatial.PointIndex

	// nodes synthesized at crossings; the slice holds any outside the quadtree bound
	created        *quadtree.Quadtree
	createdOutside []*osm.Node

	// dirty ways have a view geometry that may differ from their base bbox
	dirty      []*wayGeom
	dirtyIDs   map[int64]bool
	dirtyIndex *spatial.BoundIndex

	pending  map[int64][]insertion
	wayOrder []int64
	geoms    map[int64]*wayGeom
}

func (x *intersector) geometry(id int64) (*wayGeom, bool) {
	if g, ok := x.geoms[id]; ok {
		return g, g != nil
	}
	g, ok := x.cs.wayGeometry(id)
	if !ok {
		g = nil
	}
	x.geoms[id] = g
	return g, ok
}

func (x *intersector) near(p, q orb.Point) bool {
	return planar.Distance(p, q) <= x.opts.Epsilon
}

// nodeAt finds a node of the view at p, preferring nodes introduced by the
// changeset over base nodes.
func (x *intersector) nodeAt(p orb.Point) (int64, bool) {
	eps := x.opts.Epsilon
	box := orb.Bound{Min: orb.Point{p[0] - eps, p[1] - eps}, Max: orb.Point{p[0] + eps, p[1] + eps}}
	for _, f := range x.created.InBound(nil, box) {
		if x.near(p, f.Point()) {
			return int64(f.(createdNode).ID), true
		}
	}
	for _, n := range x.createdOutside {
		if x.near(p, orb.Point{n.Lon, n.Lat}) {
			return int64(n.ID), true
		}
	}
	for _, i := range x.changedIndex.InBound(box) {
		n := x.changedNodes[i]
		if x.near(p, orb.Point{n.Lon, n.Lat}) {
			return int64(n.ID), true
		}
	}
	base := x.cs.base.Nodes()
	for _, i := range base.InBBox(box) {
		id := base.ID(int(i))
		if _, changed := x.cs.nodes.get(id); changed {
			continue
		}
		if x.near(p, base.Point(int(i))) {
			return id, true
		}
	}
	return 0, false
}

func (x *intersector) contains(g *wayGeom, node int64) bool {
	for _, r := range g.refs {
		if r == node {
			return true
		}
	}
	for _, ins := range x.pending[int64(g.way.ID)] {
		if ins.node == node {
			return true
		}
	}
	return false
}

func (x *intersector) splice(g *wayGeom, segment int, frac float64, node int64) bool {
	if x.contains(g, node) {
		return false
	}
	id := int64(g.way.ID)
	if _, ok := x.pending[id]; !ok {
		x.wayOrder = append(x.wayOrder, id)
	}
	x.pending[id] = append(x.pending[id], insertion{segment: segment, frac: frac, node: node})
	return true
}

func (x *intersector) addCreated(n *osm.Node) {
	if err := x.created.Add(createdNode{n}); err != nil {
		x.createdOutside = append(x.createdOutside, n)
	}
}

// indexDirtyWays collects the ways whose view geometry can differ from the
// bbox stored in the base: ways touched by the changeset and base ways
// referencing a changed base node. Their view bounds go into a grid.
func (x *intersector) indexDirtyWays() {
	cs := x.cs
	x.dirtyIDs = make(map[int64]bool, cs.ways.len())
	add := func(id int64) {
		if x.dirtyIDs[id] {
			return
		}
		x.dirtyIDs[id] = true
		if g, ok := x.geometry(id); ok {
			x.dirty = append(x.dirty, g)
		}
	}
	for _, id := range cs.ways.ids() {
		add(id)
	}

	moved := make(map[int64]bool)
	for _, id := range cs.nodes.ids() {
		if cs.base.Nodes().Has(id) {
			moved[id] = true
		}
	}
	if len(moved) > 0 {
		ways := cs.base.Ways()
		for i := 0; i < ways.Len(); i++ {
			for _, ref := range ways.Refs(i) {
				if moved[ref] {
					add(ways.ID(i))
					break
				}
			}
		}
	}
	x.dirtyIndex = spatial.NewBoundIndex(len(x.dirty), func(i int) orb.Bound {
		return x.dirty[i].bound
	})
}

// neighbours lists the IDs of view ways whose bounds overlap b. Base ways
// come from the base index unless dirty; dirty ways from their view bounds.
func (x *intersector) neighbours(self int64, b orb.Bound) []int64 {
	seen := map[int64]bool{self: true}
	var out []int64
	ways := x.cs.base.Ways()
	for _, i := range ways.InBBox(b) {
		id := ways.ID(int(i))
		if seen[id] || x.dirtyIDs[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, i := range x.dirtyIndex.Intersecting(b) {
		id := int64(x.dirty[i].way.ID)
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// crossPair finds every crossing between a and b. It returns the number of
// crossings that produced at least one splice.
func (x *intersector) crossPair(a, b *wayGeom) int {
	found := 0
	for i := 0; i+1 < len(a.refs); i++ {
		if !a.resolved[i] || !a.resolved[i+1] {
			continue
		}
		for j := 0; j+1 < len(b.refs); j++ {
			if !b.resolved[j] || !b.resolved[j+1] {
				continue
			}
			if a.refs[i] == b.refs[j] || a.refs[i] == b.refs[j+1] || a.refs[i+1] == b.refs[j] || a.refs[i+1] == b.refs[j+1] {
				continue
			}
			p, t, u, ok := segmentIntersection(a.points[i], a.points[i+1], b.points[j], b.points[j+1])
			if !ok {
				continue
			}

			aEnd, bEnd := int64(0), int64(0)
			aIsEnd, bIsEnd := false, false
			if x.near(p, a.points[i]) {
				aEnd, aIsEnd = a.refs[i], true
			} else if x.near(p, a.points[i+1]) {
				aEnd, aIsEnd = a.refs[i+1], true
			}
			if x.near(p, b.points[j]) {
				bEnd, bIsEnd = b.refs[j], true
			} else if x.near(p, b.points[j+1]) {
				bEnd, bIsEnd = b.refs[j+1], true
			}

			spliced := false
			switch {
			case aIsEnd && bIsEnd:
				// two distinct vertices on the same spot are a deduplication concern
				continue
			case aIsEnd:
				spliced = x.splice(b, j, u, aEnd)
			case bIsEnd:
				spliced = x.splice(a, i, t, bEnd)
			default:
				node, ok := x.nodeAt(p)
				if !ok {
					n := &osm.Node{ID: osm.NodeID(x.cs.allocID()), Lon: p[0], Lat: p[1], Visible: true}
					x.cs.record(Change{ChangeType: Create, EntityType: osm.TypeNode, Entity: n})
					x.addCreated(n)
					node = int64(n.ID)
				}
				sa := x.splice(a, i, t, node)
				sb := x.splice(b, j, u, node)
				spliced = sa || sb
			}
			if spliced {
				found++
			}
		}
	}
	return found
}

// CandidateWays returns the IDs of ways created or modified by the changeset,
// the usual input to GenerateIntersectionsForWays.
func (cs *Changeset) CandidateWays() []int64 {
	var out []int64
	for _, id := range cs.ways.ids() {
		if cs.ways.byID[id].ChangeType != Delete {
			out = append(out, id)
		}
	}
	return out
}

// GenerateIntersectionsForWays joins each candidate way to every crossing way
// of the view with a shared node, reusing an existing node at the crossing
// when there is one. The node is spliced between its geometric neighbours.
func (cs *Changeset) GenerateIntersectionsForWays(ctx context.Context, wayIDs []int64, sink progress.Sink) error {
	if err := cs.usable(); err != nil {
		return err
	}
	opts := *cs.opts.Intersections

	x := &intersector{
		cs:      cs,
		opts:    opts,
		created: quadtree.New(orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}}),
		pending: make(map[int64][]insertion),
		geoms:   make(map[int64]*wayGeom),
	}
	for _, id := range cs.nodes.ids() {
		if c := cs.nodes.byID[id]; c.ChangeType != Delete {
			x.changedNodes = append(x.changedNodes, c.Entity.(*osm.Node))
		}
	}
	x.changedIndex = spatial.NewPointIndex(len(x.changedNodes), func(i int) orb.Point {
		return orb.Point{x.changedNodes[i].Lon, x.changedNodes[i].Lat}
	})
	x.indexDirtyWays()

	tracker := progress.NewTracker(sink, "intersections", cs.base.ID(), int64(len(wayIDs)))
	done := make(map[[2]int64]bool)
	found := 0
	for n, id := range wayIDs {
		if n > 0 && n%cs.opts.CheckpointEvery == 0 {
			if err := cs.checkpoint(ctx, tracker, int64(n)); err != nil {
				return err
			}
		}
		a, ok := x.geometry(id)
		if !ok || !opts.eligible(a) {
			continue
		}
		for _, other := range x.neighbours(id, a.bound) {
			key := [2]int64{min(id, other), max(id, other)}
			if done[key] {
				continue
			}
			done[key] = true
			b, ok := x.geometry(other)
			if !ok || !opts.eligible(b) || !opts.compatible(a, b) {
				continue
			}
			found += x.crossPair(a, b)
		}
	}

	for _, id := range x.wayOrder {
		g := x.geoms[id]
		ins := x.pending[id]
		sort.SliceStable(ins, func(i, j int) bool {
			if ins[i].segment != ins[j].segment {
				return ins[i].segment < ins[j].segment
			}
			return ins[i].frac < ins[j].frac
		})
		rewritten := *g.way
		rewritten.Nodes = make(osm.WayNodes, 0, len(g.refs)+len(ins))
		var related []osm.FeatureID
		k := 0
		for seg, ref := range g.refs {
			rewritten.Nodes = append(rewritten.Nodes, osm.WayNode{ID: osm.NodeID(ref)})
			for ; k < len(ins) && ins[k].segment == seg; k++ {
				rewritten.Nodes = append(rewritten.Nodes, osm.WayNode{ID: osm.NodeID(ins[k].node)})
				related = append(related, osm.NodeID(ins[k].node).FeatureID())
			}
		}
		cs.modifyEntity(osm.TypeWay, &rewritten, related)
	}

	cs.stats.IntersectionPointsFound += found
	tracker.Done(int64(len(wayIDs)))
	cs.log.Info("Intersection generation complete",
		zap.Int("candidates", len(wayIDs)),
		zap.Int("intersections", found),
		zap.Int("ways_modified", len(x.wayOrder)))
	return nil
}
