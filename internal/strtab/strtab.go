// Package strtab implements the interned string table shared by all
// collections of an entity store.
package strtab

import (
	"strings"
	"sync"
	"unsafe"

	"github.com/wegman-software/osmstore-go/internal/column"
)

// NotFound is returned by lookups of strings not present in the table.
const NotFound = -1

// Table is an immutable byte pool addressed by (start, length) pairs.
type Table struct {
	pool    []byte
	starts  column.Column[int32]
	lengths column.Column[int32]

	reverseOnce sync.Once
	reverse     map[string]int32
}

// New validates a decoded layout and wraps it without copying.
func New(pool []byte, starts, lengths []int32) (*Table, error) {
	t := &Table{pool: pool, starts: column.Of(starts), lengths: column.Of(lengths)}
	if err := column.CheckRanges("strings", t.starts, t.lengths, len(pool)); err != nil {
		return nil, err
	}
	return t, nil
}

// Len returns the number of strings.
func (t *Table) Len() int {
	return t.starts.Len()
}

// Get returns string i. The result aliases the pool.
func (t *Table) Get(i int32) string {
	b := t.GetBytes(i)
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// GetBytes returns the raw bytes of string i.
func (t *Table) GetBytes(i int32) []byte {
	return t.pool[t.starts.At(int(i)) : t.starts.At(int(i))+t.lengths.At(int(i))]
}

// Lookup returns the index of s or NotFound.
func (t *Table) Lookup(s string) int32 {
	t.reverseOnce.Do(func() {
		if t.reverse != nil {
			return
		}
		t.reverse = make(map[string]int32, t.Len())
		for i := 0; i < t.Len(); i++ {
			// first occurrence wins for decoded tables carrying duplicates
			if _, ok := t.reverse[t.Get(int32(i))]; !ok {
				t.reverse[t.Get(int32(i))] = int32(i)
			}
		}
	})
	if i, ok := t.reverse[s]; ok {
		return i
	}
	return NotFound
}

// Columns returns the raw layout (pool, starts, lengths).
func (t *Table) Columns() ([]byte, []int32, []int32) {
	return t.pool, t.starts.Raw(), t.lengths.Raw()
}

// SizeBytes returns the memory footprint of the table's columns.
func (t *Table) SizeBytes() int64 {
	return int64(len(t.pool)) + int64(t.starts.Len()+t.lengths.Len())*4
}

// Builder interns strings during store construction. Not safe for concurrent use.
type Builder struct {
	pool    []byte
	starts  []int32
	lengths []int32
	index   map[string]int32
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int32)}
}

// Intern returns the index of s, adding it if necessary.
func (b *Builder) Intern(s string) int32 {
	if i, ok := b.index[s]; ok {
		return i
	}
	i := int32(len(b.starts))
	b.starts = append(b.starts, int32(len(b.pool)))
	b.lengths = append(b.lengths, int32(len(s)))
	b.pool = append(b.pool, s...)
	// s may alias a mapped file that is released before the built table.
	b.index[strings.Clone(s)] = i
	return i
}

// Len returns the number of interned strings.
func (b *Builder) Len() int {
	return len(b.starts)
}

// SizeBytes estimates the footprint of the built table.
func (b *Builder) SizeBytes() int64 {
	return int64(len(b.pool)) + int64(len(b.starts))*8
}

// Build freezes the builder. The builder must not be used afterwards.
func (b *Builder) Build() *Table {
	t := &Table{
		pool:    b.pool,
		starts:  column.Of(b.starts),
		lengths: column.Of(b.lengths),
		reverse: b.index,
	}
	b.index = nil
	return t
}
