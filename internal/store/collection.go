package store

import (
	"fmt"
	"sort"
	"time"

	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/strtab"
)

// NotFound is the sentinel returned by index lookups that miss.
const NotFound = -1

// collection holds the columns shared by nodes, ways and relations: identity,
// the ID index, CSR tags, the tag key reverse index and version metadata.
type collection struct {
	kind    osm.Type
	strings *strtab.Table

	ids                     column.Column[int64]
	idsAreSorted            bool
	sortedIDs               column.Column[int64]
	sortedIDPositionToIndex column.Column[int32]

	tagStart column.Column[int32]
	tagCount column.Column[int32]
	tagKeys  column.Column[int32]
	tagVals  column.Column[int32]

	keyEntities   column.Column[int32]
	keyIndexStart column.Column[int32]
	keyIndexCount column.Column[int32]

	versions   column.Column[int32]
	timestamps column.Column[int64]
}

// Kind returns the OSM element type held by the collection.
func (c *collection) Kind() osm.Type {
	return c.kind
}

// Len returns the number of entities.
func (c *collection) Len() int {
	return c.ids.Len()
}

// ID returns the OSM ID of the entity at internal index i.
func (c *collection) ID(i int) int64 {
	return c.ids.At(i)
}

// IDsAreSorted reports whether the insertion order is ascending by ID.
func (c *collection) IDsAreSorted() bool {
	return c.idsAreSorted
}

// IndexOf resolves an OSM ID to its internal index in O(log n), or NotFound.
func (c *collection) IndexOf(id int64) int {
	if c.idsAreSorted {
		ids := c.ids.Raw()
		p := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
		if p < len(ids) && ids[p] == id {
			return p
		}
		return NotFound
	}
	sorted := c.sortedIDs.Raw()
	p := sort.Search(len(sorted), func(i int) bool { return sorted[i] >= id })
	if p < len(sorted) && sorted[p] == id {
		return int(c.sortedIDPositionToIndex.At(p))
	}
	return NotFound
}

// Has reports whether an entity with the given ID exists.
func (c *collection) Has(id int64) bool {
	return c.IndexOf(id) != NotFound
}

// TagCount returns the number of tags of entity i.
func (c *collection) TagCount(i int) int {
	return int(c.tagCount.At(i))
}

// Tags materialises the tags of entity i as a map.
func (c *collection) Tags(i int) map[string]string {
	keys := c.tagKeys.Range(c.tagStart.At(i), c.tagCount.At(i))
	vals := c.tagVals.Range(c.tagStart.At(i), c.tagCount.At(i))
	m := make(map[string]string, len(keys))
	for j := range keys {
		m[c.strings.Get(keys[j])] = c.strings.Get(vals[j])
	}
	return m
}

// TagList returns the tags of entity i in stored order.
func (c *collection) TagList(i int) osm.Tags {
	keys := c.tagKeys.Range(c.tagStart.At(i), c.tagCount.At(i))
	if len(keys) == 0 {
		return nil
	}
	vals := c.tagVals.Range(c.tagStart.At(i), c.tagCount.At(i))
	tags := make(osm.Tags, len(keys))
	for j := range keys {
		tags[j] = osm.Tag{Key: c.strings.Get(keys[j]), Value: c.strings.Get(vals[j])}
	}
	return tags
}

// TagValue returns the value of key on entity i without materialising all tags.
func (c *collection) TagValue(i int, key string) (string, bool) {
	k := c.strings.Lookup(key)
	if k == strtab.NotFound {
		return "", false
	}
	keys := c.tagKeys.Range(c.tagStart.At(i), c.tagCount.At(i))
	for j, kk := range keys {
		if kk == k {
			return c.strings.Get(c.tagVals.At(int(c.tagStart.At(i)) + j)), true
		}
	}
	return "", false
}

// HasTag reports whether entity i carries key.
func (c *collection) HasTag(i int, key string) bool {
	_, ok := c.TagValue(i, key)
	return ok
}

// EntitiesWithTagKey lists, ascending, every internal index bearing key.
// The returned slice aliases the reverse index and must not be modified.
func (c *collection) EntitiesWithTagKey(key string) []int32 {
	k := c.strings.Lookup(key)
	if k == strtab.NotFound || int(k) >= c.keyIndexStart.Len() {
		return nil
	}
	return c.keyEntities.Range(c.keyIndexStart.At(int(k)), c.keyIndexCount.At(int(k)))
}

// Version returns the version of entity i, 0 if unknown.
func (c *collection) Version(i int) int {
	return int(c.versions.At(i))
}

// Timestamp returns the timestamp of entity i, the zero time if unknown.
func (c *collection) Timestamp(i int) time.Time {
	ts := c.timestamps.At(i)
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}

func (c *collection) sizeBytes() int64 {
	return int64(c.ids.Len()+c.sortedIDs.Len()+c.timestamps.Len())*8 +
		int64(c.sortedIDPositionToIndex.Len()+c.tagStart.Len()+c.tagCount.Len()+c.tagKeys.Len()+c.tagVals.Len()+
			c.keyEntities.Len()+c.keyIndexStart.Len()+c.keyIndexCount.Len()+c.versions.Len())*4
}

// buildIDIndex returns whether ids is strictly ascending, and otherwise the
// sorted IDs plus their positions. Duplicate IDs are a construction error.
func buildIDIndex(kind osm.Type, ids []int64) (bool, []int64, []int32, error) {
	sorted := true
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			sorted = false
			break
		}
	}
	if sorted {
		return true, nil, nil, nil
	}

	pos := make([]int32, len(ids))
	for i := range pos {
		pos[i] = int32(i)
	}
	sort.Slice(pos, func(a, b int) bool { return ids[pos[a]] < ids[pos[b]] })
	sortedIDs := make([]int64, len(ids))
	for p, i := range pos {
		sortedIDs[p] = ids[i]
		if p > 0 && sortedIDs[p] == sortedIDs[p-1] {
			return false, nil, nil, fmt.Errorf("%w: duplicate %s id %d", osmerr.ErrConstruction, kind, sortedIDs[p])
		}
	}
	return false, sortedIDs, pos, nil
}

// buildKeyIndex inverts the CSR tag keys: for string index k the entities
// bearing k are keyEntities[keyIndexStart[k] : +keyIndexCount[k]], ascending.
func buildKeyIndex(numStrings int, tagStart, tagCount, tagKeys []int32) (entities, start, count []int32) {
	start = make([]int32, numStrings)
	count = make([]int32, numStrings)
	for i := range tagStart {
		for _, k := range tagKeys[tagStart[i] : tagStart[i]+tagCount[i]] {
			count[k]++
		}
	}
	var total int32
	for k := range count {
		start[k] = total
		total += count[k]
	}
	entities = make([]int32, total)
	fill := make([]int32, numStrings)
	for i := range tagStart {
		for _, k := range tagKeys[tagStart[i] : tagStart[i]+tagCount[i]] {
			entities[start[k]+fill[k]] = int32(i)
			fill[k]++
		}
	}
	return entities, start, count
}
