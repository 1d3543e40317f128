package store

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/strtab"
)

// StringColumns is the transfer form of the string table.
type StringColumns struct {
	Pool    []byte
	Starts  []int32
	Lengths []int32
}

// CollectionColumns is the transfer form of one collection. Fields not used
// by a collection kind are left nil.
type CollectionColumns struct {
	IDsAreSorted            bool
	IDs                     []int64
	SortedIDs               []int64
	SortedIDPositionToIndex []int32
	TagStart                []int32
	TagCount                []int32
	TagKeys                 []int32
	TagVals                 []int32
	KeyEntities             []int32
	KeyIndexStart           []int32
	KeyIndexCount           []int32
	Versions                []int32
	Timestamps              []int64
	BBox                    []float64

	Lons []float64
	Lats []float64

	RefStart []int32
	RefCount []int32
	Refs     []int64

	MemberStart []int32
	MemberCount []int32
	MemberRefs  []int64
	MemberTypes []uint8
	MemberRoles []int32
}

// Field names a single buffer of a collection for the transfer directory.
// Exactly one of the pointers is set.
type Field struct {
	Name    string
	Int32   *[]int32
	Int64   *[]int64
	Float64 *[]float64
	Uint8   *[]uint8
}

// Fields lists every named buffer of the collection in a stable order.
func (c *CollectionColumns) Fields() []Field {
	return []Field{
		{Name: "ids", Int64: &c.IDs},
		{Name: "sortedIds", Int64: &c.SortedIDs},
		{Name: "sortedIdPositionToIndex", Int32: &c.SortedIDPositionToIndex},
		{Name: "tagStart", Int32: &c.TagStart},
		{Name: "tagCount", Int32: &c.TagCount},
		{Name: "tagKeys", Int32: &c.TagKeys},
		{Name: "tagVals", Int32: &c.TagVals},
		{Name: "keyEntities", Int32: &c.KeyEntities},
		{Name: "keyIndexStart", Int32: &c.KeyIndexStart},
		{Name: "keyIndexCount", Int32: &c.KeyIndexCount},
		{Name: "versions", Int32: &c.Versions},
		{Name: "timestamps", Int64: &c.Timestamps},
		{Name: "bbox", Float64: &c.BBox},
		{Name: "lons", Float64: &c.Lons},
		{Name: "lats", Float64: &c.Lats},
		{Name: "refStart", Int32: &c.RefStart},
		{Name: "refCount", Int32: &c.RefCount},
		{Name: "refs", Int64: &c.Refs},
		{Name: "memberStart", Int32: &c.MemberStart},
		{Name: "memberCount", Int32: &c.MemberCount},
		{Name: "memberRefs", Int64: &c.MemberRefs},
		{Name: "memberTypes", Uint8: &c.MemberTypes},
		{Name: "memberRoles", Int32: &c.MemberRoles},
	}
}

// Layout is the complete transfer representation of a store: one buffer per
// named array, keyed by collection and field name.
type Layout struct {
	ID        string
	Header    Header
	Strings   StringColumns
	Nodes     CollectionColumns
	Ways      CollectionColumns
	Relations CollectionColumns
}

// Collections returns the three collection layouts keyed by their transfer name.
func (l *Layout) Collections() map[string]*CollectionColumns {
	return map[string]*CollectionColumns{
		"nodes":     &l.Nodes,
		"ways":      &l.Ways,
		"relations": &l.Relations,
	}
}

func (c *collection) columns() CollectionColumns {
	return CollectionColumns{
		IDsAreSorted:            c.idsAreSorted,
		IDs:                     c.ids.Raw(),
		SortedIDs:               c.sortedIDs.Raw(),
		SortedIDPositionToIndex: c.sortedIDPositionToIndex.Raw(),
		TagStart:                c.tagStart.Raw(),
		TagCount:                c.tagCount.Raw(),
		TagKeys:                 c.tagKeys.Raw(),
		TagVals:                 c.tagVals.Raw(),
		KeyEntities:             c.keyEntities.Raw(),
		KeyIndexStart:           c.keyIndexStart.Raw(),
		KeyIndexCount:           c.keyIndexCount.Raw(),
		Versions:                c.versions.Raw(),
		Timestamps:              c.timestamps.Raw(),
	}
}

// Layout exposes the store's columns without copying. The returned slices
// alias the store and must be treated as read-only.
func (s *Store) Layout() Layout {
	pool, starts, lengths := s.strings.Columns()

	nodes := s.nodes.columns()
	nodes.Lons = s.nodes.lons.Raw()
	nodes.Lats = s.nodes.lats.Raw()

	ways := s.ways.columns()
	ways.BBox = s.ways.bbox.Raw()
	ways.RefStart = s.ways.refStart.Raw()
	ways.RefCount = s.ways.refCount.Raw()
	ways.Refs = s.ways.refs.Raw()

	relations := s.relations.columns()
	relations.BBox = s.relations.bbox.Raw()
	relations.MemberStart = s.relations.memberStart.Raw()
	relations.MemberCount = s.relations.memberCount.Raw()
	relations.MemberRefs = s.relations.memberRefs.Raw()
	relations.MemberTypes = s.relations.memberTypes.Raw()
	relations.MemberRoles = s.relations.memberRoles.Raw()

	return Layout{
		ID:        s.id,
		Header:    s.header,
		Strings:   StringColumns{Pool: pool, Starts: starts, Lengths: lengths},
		Nodes:     nodes,
		Ways:      ways,
		Relations: relations,
	}
}

func constructionErr(name, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", osmerr.ErrConstruction, name, fmt.Sprintf(format, args...))
}

func checkLen(name, field string, got, want int) error {
	if got != want {
		return constructionErr(name, "%s has length %d, want %d", field, got, want)
	}
	return nil
}

// fromColumns validates the shared columns and rebuilds any optional index
// that the layout omitted.
func fromColumns(name string, kind osm.Type, strings *strtab.Table, c *CollectionColumns) (collection, error) {
	n := len(c.IDs)
	for field, l := range map[string]int{
		"tagStart":   len(c.TagStart),
		"tagCount":   len(c.TagCount),
		"versions":   len(c.Versions),
		"timestamps": len(c.Timestamps),
	} {
		if err := checkLen(name, field, l, n); err != nil {
			return collection{}, err
		}
	}
	if len(c.TagKeys) != len(c.TagVals) {
		return collection{}, constructionErr(name, "tagKeys/tagVals length mismatch (%d != %d)", len(c.TagKeys), len(c.TagVals))
	}

	col := collection{
		kind:       kind,
		strings:    strings,
		ids:        column.Of(c.IDs),
		tagStart:   column.Of(c.TagStart),
		tagCount:   column.Of(c.TagCount),
		tagKeys:    column.Of(c.TagKeys),
		tagVals:    column.Of(c.TagVals),
		versions:   column.Of(c.Versions),
		timestamps: column.Of(c.Timestamps),
	}
	if err := column.CheckRanges(name+".tags", col.tagStart, col.tagCount, len(c.TagKeys)); err != nil {
		return collection{}, err
	}
	if err := column.CheckIndices(name+".tagKeys", col.tagKeys, strings.Len()); err != nil {
		return collection{}, err
	}
	if err := column.CheckIndices(name+".tagVals", col.tagVals, strings.Len()); err != nil {
		return collection{}, err
	}

	if err := restoreIDIndex(name, kind, c, &col); err != nil {
		return collection{}, err
	}
	if err := restoreKeyIndex(name, strings.Len(), c, &col); err != nil {
		return collection{}, err
	}
	return col, nil
}

func restoreIDIndex(name string, kind osm.Type, c *CollectionColumns, col *collection) error {
	if c.IDsAreSorted {
		for i := 1; i < len(c.IDs); i++ {
			if c.IDs[i] <= c.IDs[i-1] {
				return constructionErr(name, "ids flagged sorted but ids[%d]=%d <= ids[%d]=%d", i, c.IDs[i], i-1, c.IDs[i-1])
			}
		}
		col.idsAreSorted = true
		return nil
	}
	if len(c.SortedIDs) == 0 && len(c.SortedIDPositionToIndex) == 0 && len(c.IDs) > 0 {
		sorted, ids, pos, err := buildIDIndex(kind, c.IDs)
		if err != nil {
			return err
		}
		col.idsAreSorted = sorted
		col.sortedIDs = column.Of(ids)
		col.sortedIDPositionToIndex = column.Of(pos)
		return nil
	}
	n := len(c.IDs)
	if err := checkLen(name, "sortedIds", len(c.SortedIDs), n); err != nil {
		return err
	}
	if err := checkLen(name, "sortedIdPositionToIndex", len(c.SortedIDPositionToIndex), n); err != nil {
		return err
	}
	for p := 0; p < n; p++ {
		i := c.SortedIDPositionToIndex[p]
		if i < 0 || int(i) >= n {
			return constructionErr(name, "sortedIdPositionToIndex[%d]=%d out of bounds", p, i)
		}
		if c.IDs[i] != c.SortedIDs[p] {
			return constructionErr(name, "sortedIds[%d]=%d does not match ids[%d]=%d", p, c.SortedIDs[p], i, c.IDs[i])
		}
		if p > 0 && c.SortedIDs[p] <= c.SortedIDs[p-1] {
			return constructionErr(name, "sortedIds not strictly ascending at %d", p)
		}
	}
	col.sortedIDs = column.Of(c.SortedIDs)
	col.sortedIDPositionToIndex = column.Of(c.SortedIDPositionToIndex)
	return nil
}

func restoreKeyIndex(name string, numStrings int, c *CollectionColumns, col *collection) error {
	if len(c.KeyIndexStart) == 0 && len(c.KeyIndexCount) == 0 && len(c.KeyEntities) == 0 {
		entities, start, count := buildKeyIndex(numStrings, c.TagStart, c.TagCount, c.TagKeys)
		col.keyEntities = column.Of(entities)
		col.keyIndexStart = column.Of(start)
		col.keyIndexCount = column.Of(count)
		return nil
	}
	col.keyEntities = column.Of(c.KeyEntities)
	col.keyIndexStart = column.Of(c.KeyIndexStart)
	col.keyIndexCount = column.Of(c.KeyIndexCount)
	if len(c.KeyIndexStart) > numStrings {
		return constructionErr(name, "keyIndexStart has %d entries for %d strings", len(c.KeyIndexStart), numStrings)
	}
	if err := column.CheckRanges(name+".keyIndex", col.keyIndexStart, col.keyIndexCount, len(c.KeyEntities)); err != nil {
		return err
	}
	if err := column.CheckIndices(name+".keyEntities", col.keyEntities, len(c.IDs)); err != nil {
		return err
	}
	return checkKeyIndex(name, numStrings, c)
}

// checkKeyIndex compares a supplied key index against the one the tag
// columns imply. Keys past the end of a short keyIndexStart must be unused.
func checkKeyIndex(name string, numStrings int, c *CollectionColumns) error {
	entities, start, count := buildKeyIndex(numStrings, c.TagStart, c.TagCount, c.TagKeys)
	if len(c.KeyEntities) != len(entities) {
		return constructionErr(name, "keyEntities has %d entries, tags imply %d", len(c.KeyEntities), len(entities))
	}
	for k := range count {
		if k >= len(c.KeyIndexStart) {
			if count[k] != 0 {
				return constructionErr(name, "key %d is used by %d entities but missing from keyIndex", k, count[k])
			}
			continue
		}
		if c.KeyIndexCount[k] != count[k] {
			return constructionErr(name, "keyIndexCount[%d]=%d, tags imply %d", k, c.KeyIndexCount[k], count[k])
		}
		got := c.KeyEntities[c.KeyIndexStart[k] : c.KeyIndexStart[k]+count[k]]
		want := entities[start[k] : start[k]+count[k]]
		for j := range want {
			if got[j] != want[j] {
				return constructionErr(name, "keyEntities for key %d lists entity %d, tags imply %d", k, got[j], want[j])
			}
		}
	}
	return nil
}

func checkBBox(name string, bbox []float64, n int) error {
	if err := checkLen(name, "bbox", len(bbox), n*4); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		v := bbox[i*4 : i*4+4]
		if math.IsNaN(v[0]) || math.IsNaN(v[1]) || math.IsNaN(v[2]) || math.IsNaN(v[3]) {
			return constructionErr(name, "bbox of record %d contains NaN", i)
		}
	}
	return nil
}

// FromLayout validates a transfer layout and wraps it as a store without
// copying. Any violation returns ErrConstruction and no store.
func FromLayout(l Layout) (*Store, error) {
	strings, err := strtab.New(l.Strings.Pool, l.Strings.Starts, l.Strings.Lengths)
	if err != nil {
		return nil, err
	}

	nodes := &Nodes{}
	if nodes.collection, err = fromColumns("nodes", osm.TypeNode, strings, &l.Nodes); err != nil {
		return nil, err
	}
	n := nodes.Len()
	if err := checkLen("nodes", "lons", len(l.Nodes.Lons), n); err != nil {
		return nil, err
	}
	if err := checkLen("nodes", "lats", len(l.Nodes.Lats), n); err != nil {
		return nil, err
	}
	nodes.lons = column.Of(l.Nodes.Lons)
	nodes.lats = column.Of(l.Nodes.Lats)

	ways := &Ways{}
	if ways.collection, err = fromColumns("ways", osm.TypeWay, strings, &l.Ways); err != nil {
		return nil, err
	}
	ways.refStart = column.Of(l.Ways.RefStart)
	ways.refCount = column.Of(l.Ways.RefCount)
	ways.refs = column.Of(l.Ways.Refs)
	if err := checkLen("ways", "refStart", ways.refStart.Len(), ways.Len()); err != nil {
		return nil, err
	}
	if err := column.CheckRanges("ways.refs", ways.refStart, ways.refCount, ways.refs.Len()); err != nil {
		return nil, err
	}

	relations := &Relations{}
	if relations.collection, err = fromColumns("relations", osm.TypeRelation, strings, &l.Relations); err != nil {
		return nil, err
	}
	relations.memberStart = column.Of(l.Relations.MemberStart)
	relations.memberCount = column.Of(l.Relations.MemberCount)
	relations.memberRefs = column.Of(l.Relations.MemberRefs)
	relations.memberTypes = column.Of(l.Relations.MemberTypes)
	relations.memberRoles = column.Of(l.Relations.MemberRoles)
	if err := checkLen("relations", "memberStart", relations.memberStart.Len(), relations.Len()); err != nil {
		return nil, err
	}
	if err := column.CheckRanges("relations.members", relations.memberStart, relations.memberCount, relations.memberRefs.Len()); err != nil {
		return nil, err
	}
	flat := relations.memberRefs.Len()
	if err := checkLen("relations", "memberTypes", relations.memberTypes.Len(), flat); err != nil {
		return nil, err
	}
	if err := checkLen("relations", "memberRoles", relations.memberRoles.Len(), flat); err != nil {
		return nil, err
	}
	for i, t := range l.Relations.MemberTypes {
		if t > MemberRelation {
			return nil, constructionErr("relations", "memberTypes[%d]=%d is not a member type", i, t)
		}
	}
	if err := column.CheckIndices("relations.memberRoles", relations.memberRoles, strings.Len()); err != nil {
		return nil, err
	}

	// Bboxes are derived data; a layout without them is recomputed.
	if len(l.Ways.BBox) == 0 && ways.Len() > 0 {
		ways.bbox = column.Of(computeWayBBoxes(nodes, ways))
	} else {
		if err := checkBBox("ways", l.Ways.BBox, ways.Len()); err != nil {
			return nil, err
		}
		ways.bbox = column.Of(l.Ways.BBox)
	}
	if len(l.Relations.BBox) == 0 && relations.Len() > 0 {
		relations.bbox = column.Of(computeRelationBBoxes(nodes, ways, relations))
	} else {
		if err := checkBBox("relations", l.Relations.BBox, relations.Len()); err != nil {
			return nil, err
		}
		relations.bbox = column.Of(l.Relations.BBox)
	}

	return &Store{
		id:        l.ID,
		header:    l.Header,
		strings:   strings,
		nodes:     nodes,
		ways:      ways,
		relations: relations,
	}, nil
}

// Validate re-checks every layout invariant of the store.
func (s *Store) Validate() error {
	_, err := FromLayout(s.Layout())
	return err
}

// NodesInBBox returns the internal indexes of nodes inside b.
func (s *Store) NodesInBBox(b orb.Bound) []int32 { return s.nodes.InBBox(b) }

// WaysInBBox returns the internal indexes of ways whose bound intersects b.
func (s *Store) WaysInBBox(b orb.Bound) []int32 { return s.ways.InBBox(b) }

// RelationsInBBox returns the internal indexes of relations whose bound intersects b.
func (s *Store) RelationsInBBox(b orb.Bound) []int32 { return s.relations.InBBox(b) }

// NearestNodes returns up to k nodes closest to p.
func (s *Store) NearestNodes(p orb.Point, k int) []int32 { return s.nodes.Nearest(p, k) }

// NearestWays returns up to k ways whose bounds are closest to p.
func (s *Store) NearestWays(p orb.Point, k int) []int32 { return s.ways.Nearest(p, k) }
