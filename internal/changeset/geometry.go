package changeset

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
)

// Lookup resolves an entity as seen through the changeset.
func (cs *Changeset) Lookup(t osm.Type, id int64) (osm.Object, bool) {
	return cs.lookup(t, id)
}

// NodePoint resolves a node coordinate as seen through the changeset.
func (cs *Changeset) NodePoint(id int64) (orb.Point, bool) {
	return cs.nodePoint(id)
}

// Geometry returns the geometry of o with coordinates taken from the
// changeset view. Ways resolve to lines, or polygons for closed area ways;
// relations resolve to a collection of their node and way members. Nil
// means no coordinate could be resolved.
func (cs *Changeset) Geometry(o osm.Object) orb.Geometry {
	return geometryOf(o, cs.nodePoint, func(id int64) *osm.Way {
		if w, ok := cs.lookup(osm.TypeWay, id); ok {
			return w.(*osm.Way)
		}
		return nil
	})
}

// BaseGeometry is Geometry resolved against the base store only, which is
// the geometry a change replaces.
func (cs *Changeset) BaseGeometry(o osm.Object) orb.Geometry {
	return geometryOf(o, cs.base.Nodes().PointByID, func(id int64) *osm.Way {
		w, _ := cs.base.Ways().WayByID(id)
		return w
	})
}

func geometryOf(o osm.Object, point func(int64) (orb.Point, bool), way func(int64) *osm.Way) orb.Geometry {
	switch v := o.(type) {
	case *osm.Node:
		return orb.Point{v.Lon, v.Lat}
	case *osm.Way:
		return wayGeometryOf(v, point)
	case *osm.Relation:
		var members orb.Collection
		for _, m := range v.Members {
			var g orb.Geometry
			switch m.Type {
			case osm.TypeNode:
				if p, ok := point(m.Ref); ok {
					g = p
				}
			case osm.TypeWay:
				if w := way(m.Ref); w != nil {
					g = wayGeometryOf(w, point)
				}
			}
			if g != nil {
				members = append(members, g)
			}
		}
		if len(members) == 0 {
			return nil
		}
		return members
	}
	return nil
}

func wayGeometryOf(w *osm.Way, point func(int64) (orb.Point, bool)) orb.Geometry {
	line := make(orb.LineString, 0, len(w.Nodes))
	for _, n := range w.Nodes {
		if p, ok := point(int64(n.ID)); ok {
			line = append(line, p)
		}
	}
	switch {
	case len(line) == 0:
		return nil
	case len(line) == 1:
		return line[0]
	}
	if len(line) >= 4 && line[0] == line[len(line)-1] && isArea(w.Tags) {
		return orb.Polygon{orb.Ring(line)}
	}
	return line
}
