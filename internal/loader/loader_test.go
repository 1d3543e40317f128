package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/style"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <bounds minlat="0" minlon="0" maxlat="10" maxlon="10"/>
  <node id="1" lat="1" lon="1" version="1" timestamp="2024-01-01T00:00:00Z"/>
  <node id="2" lat="2" lon="2" version="1"/>
  <node id="3" lat="20" lon="20" version="1">
    <tag k="amenity" v="cafe"/>
  </node>
  <way id="10" version="1">
    <nd ref="1"/>
    <nd ref="2"/>
    <tag k="highway" v="residential"/>
  </way>
  <way id="11" version="1">
    <nd ref="3"/>
    <tag k="building" v="yes"/>
  </way>
  <relation id="20" version="1">
    <member type="way" ref="10" role="outer"/>
    <tag k="type" v="route"/>
  </relation>
  <relation id="21" version="1">
    <member type="way" ref="11" role=""/>
    <tag k="type" v="multipolygon"/>
  </relation>
</osm>`

func TestLoadXML(t *testing.T) {
	var done bool
	st, stats, err := LoadXML(context.Background(), strings.NewReader(sample), "sample", Options{
		Progress: func(p progress.Progress) { done = done || p.Done },
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, int64(7), stats.Read)
	assert.Equal(t, int64(7), stats.Kept)

	assert.Equal(t, 3, st.Nodes().Len())
	assert.Equal(t, 2, st.Ways().Len())
	assert.Equal(t, 2, st.Relations().Len())
	assert.True(t, st.Header().HasBBox)
	assert.Equal(t, orb.Point{10, 10}, st.Header().BBox.Max)

	w, ok := st.Ways().WayByID(10)
	require.True(t, ok)
	assert.Equal(t, "residential", w.Tags.Find("highway"))
	assert.Equal(t, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}, st.Ways().BBox(0))
}

func TestLoadWithStyle(t *testing.T) {
	cfg, err := style.Parse([]byte(`
ways:
  include:
    highway: []
nodes:
  keep_untagged: true
  exclude:
    amenity: []
`))
	require.NoError(t, err)

	sel, err := cfg.Selector()
	require.NoError(t, err)
	st, stats, err := LoadXML(context.Background(), strings.NewReader(sample), "styled", Options{Style: sel})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Filtered)
	assert.Equal(t, 2, st.Nodes().Len())
	assert.Equal(t, 1, st.Ways().Len())
	assert.Equal(t, 2, st.Relations().Len())
}

func TestLoadWithLuaFilter(t *testing.T) {
	cfg, err := style.Parse([]byte(`
lua: |
  function keep_node(object)
    return object.lat < 10
  end
  function keep_relation(object)
    return object.tags.type == "route"
  end
`))
	require.NoError(t, err)
	sel, err := cfg.Selector()
	require.NoError(t, err)
	defer sel.Close()

	st, stats, err := LoadXML(context.Background(), strings.NewReader(sample), "lua", Options{Style: sel})
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Filtered)
	assert.Equal(t, 2, st.Nodes().Len())
	assert.Equal(t, 2, st.Ways().Len())
	assert.Equal(t, 1, st.Relations().Len())
}

func TestLoadLuaFilterError(t *testing.T) {
	cfg := &style.Config{Lua: `function keep_way(object) return object.tags.missing.value end`}
	sel, err := cfg.Selector()
	require.NoError(t, err)
	defer sel.Close()

	_, _, err = LoadXML(context.Background(), strings.NewReader(sample), "lua", Options{Style: sel})
	assert.ErrorContains(t, err, "lua filter")
}

func TestLoadClipsToBBox(t *testing.T) {
	bbox := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{5, 5}}
	st, _, err := LoadXML(context.Background(), strings.NewReader(sample), "clipped", Options{BBox: &bbox})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Nodes().Len())
	assert.Equal(t, 1, st.Ways().Len())
	assert.Equal(t, 1, st.Relations().Len())
	_, ok := st.Relations().RelationByID(20)
	assert.True(t, ok)
}

func TestLoadFileGzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.osm.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(sample))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	st, _, err := LoadFile(context.Background(), path, "gz", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Nodes().Len())
}

func TestLoadFileMissing(t *testing.T) {
	_, _, err := LoadFile(context.Background(), filepath.Join(t.TempDir(), "nope.pbf"), "x", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var b strings.Builder
	b.WriteString(`<osm version="0.6">`)
	for i := 1; i <= reportEvery; i++ {
		b.WriteString(`<node id="` + strconv.Itoa(i) + `" lat="0" lon="0"/>`)
	}
	b.WriteString(`</osm>`)
	_, _, err := LoadXML(ctx, strings.NewReader(b.String()), "x", Options{})
	assert.True(t, errors.Is(err, osmerr.ErrCancelled))
}
