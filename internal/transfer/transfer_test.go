package transfer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
)

func fixture(t *testing.T) *store.Store {
	t.Helper()
	b := store.NewBuilder("fixture")
	b.SetHeader(store.Header{
		BBox:           orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{3, 3}},
		HasBBox:        true,
		WritingProgram: "test",
	})
	// Unsorted node IDs so the sorted-ID index is present in the layout.
	b.AddNode(&osm.Node{ID: 3, Lon: 3, Lat: 3, Tags: osm.Tags{{Key: "amenity", Value: "cafe"}}, Version: 2})
	b.AddNode(&osm.Node{ID: 1, Lon: 1, Lat: 1})
	b.AddNode(&osm.Node{ID: 2, Lon: 2, Lat: 2})
	b.AddWay(&osm.Way{ID: 10, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}, {ID: 3}}, Tags: osm.Tags{{Key: "highway", Value: "path"}}})
	b.AddRelation(&osm.Relation{ID: 20, Members: osm.Members{{Type: osm.TypeWay, Ref: 10, Role: "outer"}}})
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func assertSameStore(t *testing.T, want, got *store.Store) {
	t.Helper()
	assert.Equal(t, want.ID(), got.ID())
	assert.Equal(t, want.Header(), got.Header())
	assert.Equal(t, want.Stats().Nodes, got.Stats().Nodes)
	for i := 0; i < want.Nodes().Len(); i++ {
		assert.Equal(t, want.Nodes().Node(i), got.Nodes().Node(i))
	}
	for i := 0; i < want.Ways().Len(); i++ {
		assert.Equal(t, want.Ways().Way(i), got.Ways().Way(i))
		assert.Equal(t, want.Ways().BBox(i), got.Ways().BBox(i))
	}
	for i := 0; i < want.Relations().Len(); i++ {
		assert.Equal(t, want.Relations().Relation(i), got.Relations().Relation(i))
	}
	assert.Equal(t, 1, got.Nodes().IndexOf(1))
	assert.Equal(t, []int32{0}, got.Nodes().EntitiesWithTagKey("amenity"))
}

func TestEncodeDecode(t *testing.T) {
	s := fixture(t)
	data, err := Encode(s.Layout())
	require.NoError(t, err)
	assert.Equal(t, Magic, string(data[:len(Magic)]))
	assert.Zero(t, len(data)%alignment)

	dir, err := ReadDirectory(data)
	require.NoError(t, err)
	for _, b := range dir.Buffers {
		assert.Zero(t, b.Offset%alignment, "%s.%s", b.Collection, b.Field)
	}
	assert.False(t, dir.IDsAreSorted["nodes"])
	assert.True(t, dir.IDsAreSorted["ways"])

	got, err := Decode(data)
	require.NoError(t, err)
	assertSameStore(t, s, got)
}

func TestWriteRead(t *testing.T) {
	s := fixture(t)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, s.Layout()))
	got, err := Read(&buf)
	require.NoError(t, err)
	assertSameStore(t, s, got)
}

func TestOpenMapped(t *testing.T) {
	s := fixture(t)
	path := filepath.Join(t.TempDir(), "fixture.osmstore")
	require.NoError(t, WriteFile(path, s.Layout()))

	m, err := Open(path)
	require.NoError(t, err)
	defer m.Close()
	assert.Positive(t, m.SizeBytes())
	assertSameStore(t, s, m.Store)
}

func TestDecodeEmptyStore(t *testing.T) {
	s, err := store.NewBuilder("empty").Build()
	require.NoError(t, err)
	data, err := Encode(s.Layout())
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Nodes().Len())
	assert.Equal(t, "empty", got.ID())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid, err := Encode(fixture(t).Layout())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"truncated prefix", func(b []byte) []byte { return b[:4] }},
		{"directory too long", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[len(Magic):], uint64(len(b)))
			return b
		}},
		{"truncated buffers", func(b []byte) []byte { return b[:len(b)-64] }},
		{"broken directory", func(b []byte) []byte { b[prefixSize] = '['; return b }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), valid...))
			_, err := Decode(data)
			require.Error(t, err)
			assert.True(t, errors.Is(err, osmerr.ErrConstruction))
		})
	}
}

func TestPartsAssemble(t *testing.T) {
	s := fixture(t)
	dir, parts, err := Parts(s.Layout())
	require.NoError(t, err)
	require.Len(t, parts, len(dir.Buffers))

	data := make([][]byte, len(parts))
	for i, p := range parts {
		assert.Equal(t, dir.Buffers[i], p.Buffer)
		data[i] = append([]byte(nil), p.Data...)
	}
	got, err := Assemble(dir, data)
	require.NoError(t, err)
	assertSameStore(t, s, got)

	_, err = Assemble(dir, data[1:])
	assert.True(t, errors.Is(err, osmerr.ErrConstruction))

	data[0] = data[0][:len(data[0])-1]
	_, err = Assemble(dir, data)
	assert.True(t, errors.Is(err, osmerr.ErrConstruction))
}
