package osc

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
)

const oscData = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="1" lat="43.7384" lon="7.4246" version="1" changeset="123" timestamp="2024-01-15T12:00:00Z" user="testuser" uid="1">
      <tag k="name" v="Test Node"/>
      <tag k="amenity" v="cafe"/>
    </node>
    <way id="100" version="1" changeset="124">
      <nd ref="1"/>
      <nd ref="2"/>
      <nd ref="3"/>
      <tag k="highway" v="primary"/>
    </way>
  </create>
  <modify>
    <node id="2" lat="43.7390" lon="7.4250" version="2">
      <tag k="name" v="Modified Node"/>
    </node>
    <relation id="200" version="2">
      <member type="way" ref="100" role="outer"/>
      <member type="way" ref="101" role="inner"/>
      <tag k="type" v="multipolygon"/>
    </relation>
  </modify>
  <delete>
    <node id="3"/>
    <way id="998"/>
  </delete>
</osmChange>`

func collect(t *testing.T, changes <-chan changeset.Change, errChan <-chan error) []changeset.Change {
	t.Helper()
	var all []changeset.Change
	for c := range changes {
		all = append(all, c)
	}
	require.NoError(t, <-errChan)
	return all
}

func TestParseOSC(t *testing.T) {
	changes, errChan := NewParser().ParseReader(context.Background(), strings.NewReader(oscData))
	all := collect(t, changes, errChan)
	require.Len(t, all, 6)

	n := all[0].Entity.(*osm.Node)
	assert.Equal(t, changeset.Create, all[0].ChangeType)
	assert.Equal(t, osm.NodeID(1), n.ID)
	assert.Equal(t, 43.7384, n.Lat)
	assert.Equal(t, "cafe", n.Tags.Find("amenity"))
	assert.Equal(t, 2024, n.Timestamp.Year())

	w := all[1].Entity.(*osm.Way)
	assert.Len(t, w.Nodes, 3)

	r := all[3].Entity.(*osm.Relation)
	assert.Equal(t, changeset.Modify, all[3].ChangeType)
	require.Len(t, r.Members, 2)
	assert.Equal(t, "inner", r.Members[1].Role)

	assert.Equal(t, changeset.Delete, all[4].ChangeType)
	assert.Equal(t, changeset.Delete, all[5].ChangeType)
}

func TestParseRejectsOrphanEntity(t *testing.T) {
	changes, errChan := NewParser().ParseReader(context.Background(), strings.NewReader(`<osmChange><node id="1"/></osmChange>`))
	for range changes {
	}
	assert.Error(t, <-errChan)
}

func baseStore(t *testing.T) *store.Store {
	t.Helper()
	b := store.NewBuilder("base")
	b.AddNode(&osm.Node{ID: 2, Lat: 43.7, Lon: 7.4})
	b.AddNode(&osm.Node{ID: 3, Lat: 43.8, Lon: 7.5})
	s, err := b.Build()
	require.NoError(t, err)
	return s
}

func TestImport(t *testing.T) {
	cs := changeset.New(baseStore(t), changeset.DefaultOptions())

	_, err := Import(context.Background(), cs, strings.NewReader(oscData), ImportOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, osmerr.ErrNotFound))

	cs = changeset.New(baseStore(t), changeset.DefaultOptions())
	stats, err := Import(context.Background(), cs, strings.NewReader(oscData), ImportOptions{SkipMissingDeletes: true})
	require.NoError(t, err)
	assert.Equal(t, int64(5), stats.Total())
	assert.Equal(t, int64(1), stats.Skipped)

	s := cs.Stats()
	assert.Equal(t, 1, s.Nodes.Creates)
	assert.Equal(t, 1, s.Nodes.Modifies)
	assert.Equal(t, 1, s.Nodes.Deletes)
	assert.Equal(t, 1, s.Ways.Creates)
	// Relation 200 is unknown to the base, so its modify becomes a create.
	assert.Equal(t, 1, s.Relations.Creates)

	del, ok := cs.Change(osm.TypeNode, 3)
	require.True(t, ok)
	assert.Equal(t, 43.8, del.Entity.(*osm.Node).Lat)
}

func TestWriteRoundTrip(t *testing.T) {
	cs := changeset.New(baseStore(t), changeset.DefaultOptions())
	_, err := Import(context.Background(), cs, strings.NewReader(oscData), ImportOptions{SkipMissingDeletes: true})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, cs.Changes()))
	assert.Contains(t, buf.String(), "<osmChange")

	changes, errChan := NewParser().ParseReader(context.Background(), &buf)
	again := collect(t, changes, errChan)
	assert.Len(t, again, cs.Len())

	path := filepath.Join(t.TempDir(), "out.osc.gz")
	require.NoError(t, WriteFile(path, cs.Changes()))
	changes, errChan = NewParser().ParseFile(context.Background(), path)
	assert.Len(t, collect(t, changes, errChan), cs.Len())
}
