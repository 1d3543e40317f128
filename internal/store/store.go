package store

import (
	"fmt"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"golang.org/x/sync/errgroup"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/strtab"
)

// Header carries dataset metadata taken from the source file.
type Header struct {
	BBox                 orb.Bound `json:"bbox"`
	HasBBox              bool      `json:"has_bbox"`
	RequiredFeatures     []string  `json:"required_features,omitempty"`
	OptionalFeatures     []string  `json:"optional_features,omitempty"`
	WritingProgram       string    `json:"writing_program,omitempty"`
	Source               string    `json:"source,omitempty"`
	ReplicationTimestamp time.Time `json:"replication_timestamp,omitempty"`
	ReplicationSequence  int64     `json:"replication_sequence,omitempty"`
}

// Store is one immutable revision of a dataset: three collections sharing a
// string table. A published store is never mutated; edits produce a new Store.
type Store struct {
	id        string
	header    Header
	strings   *strtab.Table
	nodes     *Nodes
	ways      *Ways
	relations *Relations
}

// ID returns the dataset identity.
func (s *Store) ID() string { return s.id }

// Header returns the dataset header.
func (s *Store) Header() Header { return s.header }

// Strings returns the shared string table.
func (s *Store) Strings() *strtab.Table { return s.strings }

// Nodes returns the node collection.
func (s *Store) Nodes() *Nodes { return s.nodes }

// Ways returns the way collection.
func (s *Store) Ways() *Ways { return s.ways }

// Relations returns the relation collection.
func (s *Store) Relations() *Relations { return s.relations }

// WithID returns a store sharing every buffer of s under a new identity.
func (s *Store) WithID(id string) *Store {
	c := *s
	c.id = id
	return &c
}

// SizeBytes returns the combined footprint of all columns.
func (s *Store) SizeBytes() int64 {
	return s.strings.SizeBytes() + s.nodes.sizeBytes() + s.ways.sizeBytes() + s.relations.sizeBytes()
}

// Entity looks up an entity by type and OSM ID.
func (s *Store) Entity(t osm.Type, id int64) (osm.Object, error) {
	switch t {
	case osm.TypeNode:
		if n, ok := s.nodes.NodeByID(id); ok {
			return n, nil
		}
	case osm.TypeWay:
		if w, ok := s.ways.WayByID(id); ok {
			return w, nil
		}
	case osm.TypeRelation:
		if r, ok := s.relations.RelationByID(id); ok {
			return r, nil
		}
	default:
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
	return nil, fmt.Errorf("%w: %s %d in store %s", osmerr.ErrNotFound, t, id, s.id)
}

// EntitiesInBBox returns the internal indexes of entities of type t intersecting b.
func (s *Store) EntitiesInBBox(t osm.Type, b orb.Bound) ([]int32, error) {
	switch t {
	case osm.TypeNode:
		return s.nodes.InBBox(b), nil
	case osm.TypeWay:
		return s.ways.InBBox(b), nil
	case osm.TypeRelation:
		return s.relations.InBBox(b), nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
}

// Nearest returns up to k entities of type t ordered by distance to p. Ways
// and relations are measured to their bounding box.
func (s *Store) Nearest(t osm.Type, p orb.Point, k int) ([]int32, error) {
	switch t {
	case osm.TypeNode:
		return s.NearestNodes(p, k), nil
	case osm.TypeWay:
		return s.NearestWays(p, k), nil
	case osm.TypeRelation:
		return s.relations.Nearest(p, k), nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", t)
	}
}

// Materialize returns the entity of type t at internal index i.
func (s *Store) Materialize(t osm.Type, i int) osm.Object {
	switch t {
	case osm.TypeNode:
		return s.nodes.Node(i)
	case osm.TypeWay:
		return s.ways.Way(i)
	default:
		return s.relations.Relation(i)
	}
}

// BuildSpatialIndexes builds the spatial index of every collection concurrently.
// Indexes are otherwise built lazily on the first spatial query.
func (s *Store) BuildSpatialIndexes() error {
	var g errgroup.Group
	g.Go(func() error {
		s.nodes.spatialIndex()
		return nil
	})
	g.Go(func() error {
		s.ways.spatialIndex()
		return nil
	})
	g.Go(func() error {
		s.relations.spatialIndex()
		return nil
	})
	return g.Wait()
}

// Stats summarises a store for logging.
type Stats struct {
	Nodes     int
	Ways      int
	Relations int
	Strings   int
	Bytes     int64
}

// Stats returns entity counts and the column footprint.
func (s *Store) Stats() Stats {
	return Stats{
		Nodes:     s.nodes.Len(),
		Ways:      s.ways.Len(),
		Relations: s.relations.Len(),
		Strings:   s.strings.Len(),
		Bytes:     s.SizeBytes(),
	}
}
