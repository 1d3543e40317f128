package osc

import (
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/changeset"
)

// Stats tracks OSC parsing statistics
type Stats struct {
	NodesCreated      int64
	NodesModified     int64
	NodesDeleted      int64
	WaysCreated       int64
	WaysModified      int64
	WaysDeleted       int64
	RelationsCreated  int64
	RelationsModified int64
	RelationsDeleted  int64
	// Skipped counts deletes of entities the changeset did not know.
	Skipped int64
}

// Total returns total number of changes
func (s *Stats) Total() int64 {
	return s.NodesCreated + s.NodesModified + s.NodesDeleted +
		s.WaysCreated + s.WaysModified + s.WaysDeleted +
		s.RelationsCreated + s.RelationsModified + s.RelationsDeleted
}

func (s *Stats) count(action changeset.ChangeType, t osm.Type) {
	var c, m, d *int64
	switch t {
	case osm.TypeNode:
		c, m, d = &s.NodesCreated, &s.NodesModified, &s.NodesDeleted
	case osm.TypeWay:
		c, m, d = &s.WaysCreated, &s.WaysModified, &s.WaysDeleted
	case osm.TypeRelation:
		c, m, d = &s.RelationsCreated, &s.RelationsModified, &s.RelationsDeleted
	default:
		return
	}
	switch action {
	case changeset.Create:
		*c++
	case changeset.Modify:
		*m++
	case changeset.Delete:
		*d++
	}
}
