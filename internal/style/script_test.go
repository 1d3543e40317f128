package style

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const namedRoads = `
function keep_way(object)
  return object.tags.highway ~= nil and object.tags.name ~= nil and #object.nodes >= 2
end

function keep_relation(object)
  for _, m in ipairs(object.members) do
    if m.type == "way" and m.role == "outer" then
      return true
    end
  end
  return false
end
`

func TestScriptKeep(t *testing.T) {
	s, err := NewScript(namedRoads)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	tests := []struct {
		name string
		obj  osm.Object
		keep bool
	}{
		{"node without function", &osm.Node{ID: 1}, true},
		{"named road", &osm.Way{ID: 1, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}, Tags: osm.Tags{{Key: "highway", Value: "primary"}, {Key: "name", Value: "Main"}}}, true},
		{"unnamed road", &osm.Way{ID: 2, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}, Tags: osm.Tags{{Key: "highway", Value: "primary"}}}, false},
		{"stub road", &osm.Way{ID: 3, Nodes: osm.WayNodes{{ID: 1}}, Tags: osm.Tags{{Key: "highway", Value: "primary"}, {Key: "name", Value: "Main"}}}, false},
		{"outer member", &osm.Relation{ID: 1, Members: osm.Members{{Type: osm.TypeWay, Ref: 5, Role: "outer"}}}, true},
		{"node member", &osm.Relation{ID: 2, Members: osm.Members{{Type: osm.TypeNode, Ref: 5, Role: "outer"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, err := s.Keep(tt.obj)
			require.NoError(t, err)
			assert.Equal(t, tt.keep, keep)
		})
	}
}

func TestScriptErrors(t *testing.T) {
	_, err := NewScript(`function keep_way(`)
	assert.Error(t, err)

	_, err = NewScript(`os.exit(1)`)
	assert.Error(t, err, "os library must not be available")

	s, err := NewScript(`function keep_node(object) error("boom") end`)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Keep(&osm.Node{ID: 7})
	assert.ErrorContains(t, err, "boom")
}

func TestSelectorRunsScriptAfterRules(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "filter.lua"), []byte(namedRoads), 0o644))
	stylePath := filepath.Join(dir, "style.yaml")
	require.NoError(t, os.WriteFile(stylePath, []byte(`
ways:
  exclude:
    access: [private]
script: filter.lua
`), 0o644))

	cfg, err := LoadConfig(stylePath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "filter.lua"), cfg.Script)
	sel, err := cfg.Selector()
	require.NoError(t, err)
	defer sel.Close()
	assert.True(t, sel.HasFilter())

	road := osm.Tags{{Key: "highway", Value: "service"}, {Key: "name", Value: "Lane"}}
	keep, err := sel.Keep(&osm.Way{ID: 1, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}, Tags: road})
	require.NoError(t, err)
	assert.True(t, keep)

	private := append(osm.Tags{{Key: "access", Value: "private"}}, road...)
	keep, err = sel.Keep(&osm.Way{ID: 2, Nodes: osm.WayNodes{{ID: 1}, {ID: 2}}, Tags: private})
	require.NoError(t, err)
	assert.False(t, keep)

	_, err = (&Config{Script: filepath.Join(dir, "missing.lua")}).Selector()
	assert.Error(t, err)
}
