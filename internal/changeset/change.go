// Package changeset computes, accumulates and applies create/modify/delete
// operations against one immutable entity store.
package changeset

import (
	"fmt"
	"math"

	"github.com/paulmach/osm"
)

// ChangeType is the kind of operation a Change performs.
type ChangeType string

const (
	Create ChangeType = "create"
	Modify ChangeType = "modify"
	Delete ChangeType = "delete"
)

// ParseChangeType accepts "create", "modify", "delete" or "" (any).
func ParseChangeType(s string) (ChangeType, bool) {
	switch ChangeType(s) {
	case "", Create, Modify, Delete:
		return ChangeType(s), true
	}
	return "", false
}

// Change is one pending operation. Entity is the new state (the removed
// entity for deletes). OldEntity is the base entity for modifies and deletes.
// RelatedRefs lists entities that must exist after apply for the change to be valid.
type Change struct {
	ChangeType  ChangeType
	EntityType  osm.Type
	Entity      osm.Object
	OldEntity   osm.Object
	RelatedRefs []osm.FeatureID
}

// ID returns the OSM ID of the changed entity.
func (c *Change) ID() int64 {
	return entityID(c.Entity)
}

func entityID(o osm.Object) int64 {
	switch e := o.(type) {
	case *osm.Node:
		return int64(e.ID)
	case *osm.Way:
		return int64(e.ID)
	case *osm.Relation:
		return int64(e.ID)
	}
	return 0
}

func entityType(o osm.Object) osm.Type {
	switch o.(type) {
	case *osm.Node:
		return osm.TypeNode
	case *osm.Way:
		return osm.TypeWay
	case *osm.Relation:
		return osm.TypeRelation
	}
	return ""
}

// TypeStats counts changes of one entity type.
type TypeStats struct {
	Creates  int `json:"creates"`
	Modifies int `json:"modifies"`
	Deletes  int `json:"deletes"`
}

// Stats are running totals for a changeset. Change counts reflect the
// current, combined change lists; algorithm counters accumulate per run.
type Stats struct {
	Nodes     TypeStats `json:"nodes"`
	Ways      TypeStats `json:"ways"`
	Relations TypeStats `json:"relations"`

	DeduplicatedNodes         int `json:"deduplicated_nodes"`
	DeduplicatedNodesReplaced int `json:"deduplicated_nodes_replaced"`
	DeduplicatedWays          int `json:"deduplicated_ways"`
	DeduplicatedWaysReplaced  int `json:"deduplicated_ways_replaced"`
	IntersectionPointsFound   int `json:"intersection_points_found"`
}

// Total returns the number of pending changes.
func (s Stats) Total() int {
	sum := 0
	for _, t := range []TypeStats{s.Nodes, s.Ways, s.Relations} {
		sum += t.Creates + t.Modifies + t.Deletes
	}
	return sum
}

// PageQuery selects a page of changes. Empty filters match everything.
type PageQuery struct {
	Page       int
	PageSize   int
	ChangeType ChangeType
	EntityType osm.Type
}

// Validate rejects a negative page, a non-positive size and any page whose
// first offset does not fit in an int.
func (q PageQuery) Validate() error {
	if q.PageSize <= 0 {
		return fmt.Errorf("page size must be positive, got %d", q.PageSize)
	}
	if q.Page < 0 {
		return fmt.Errorf("page must be >= 0, got %d", q.Page)
	}
	if q.Page > math.MaxInt/q.PageSize-1 {
		return fmt.Errorf("page %d of size %d is out of range", q.Page, q.PageSize)
	}
	return nil
}

// Page is one slice of the filtered change list.
type Page struct {
	Changes    []Change
	Page       int
	PageSize   int
	Total      int
	TotalPages int
}
