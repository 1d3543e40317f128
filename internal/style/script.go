package style

import (
	"fmt"
	"sync"

	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"
)

// Script runs a Lua tag filter. The script may define the global functions
// keep_node, keep_way and keep_relation; each receives an object table and
// returns true to keep the entity. A missing function keeps every entity of
// that type.
//
// Object tables carry id, type, version and tags. Nodes add lat and lon,
// ways add nodes (a list of refs) and is_closed, relations add members
// (tables with type, ref and role).
type Script struct {
	mu sync.Mutex
	L  *lua.LState

	keepNode     lua.LValue
	keepWay      lua.LValue
	keepRelation lua.LValue
}

func newScript() *Script {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	// no io or os access from filters
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	return &Script{L: L}
}

// LoadScript compiles a Lua filter file.
func LoadScript(path string) (*Script, error) {
	s := newScript()
	if err := s.L.DoFile(path); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load Lua filter %s: %w", path, err)
	}
	s.extractCallbacks()
	return s, nil
}

// NewScript compiles Lua filter source.
func NewScript(code string) (*Script, error) {
	s := newScript()
	if err := s.L.DoString(code); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load Lua filter: %w", err)
	}
	s.extractCallbacks()
	return s, nil
}

func (s *Script) extractCallbacks() {
	s.keepNode = s.function("keep_node")
	s.keepWay = s.function("keep_way")
	s.keepRelation = s.function("keep_relation")
}

func (s *Script) function(name string) lua.LValue {
	if fn := s.L.GetGlobal(name); fn.Type() == lua.LTFunction {
		return fn
	}
	return nil
}

// Close releases the interpreter.
func (s *Script) Close() {
	if s != nil && s.L != nil {
		s.L.Close()
	}
}

// Keep calls the filter function for the type of o.
func (s *Script) Keep(o osm.Object) (bool, error) {
	var fn lua.LValue
	switch o.(type) {
	case *osm.Node:
		fn = s.keepNode
	case *osm.Way:
		fn = s.keepWay
	case *osm.Relation:
		fn = s.keepRelation
	}
	if fn == nil {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, s.objectToLua(o)); err != nil {
		return false, fmt.Errorf("lua filter error on %s: %w", o.ObjectID(), err)
	}
	ret := s.L.Get(-1)
	s.L.Pop(1)
	return lua.LVAsBool(ret), nil
}

func (s *Script) tagsToLua(tags osm.Tags) *lua.LTable {
	t := s.L.CreateTable(0, len(tags))
	for _, tag := range tags {
		t.RawSetString(tag.Key, lua.LString(tag.Value))
	}
	return t
}

func (s *Script) objectToLua(o osm.Object) *lua.LTable {
	L := s.L
	tbl := L.NewTable()
	switch v := o.(type) {
	case *osm.Node:
		tbl.RawSetString("id", lua.LNumber(v.ID))
		tbl.RawSetString("type", lua.LString("node"))
		tbl.RawSetString("version", lua.LNumber(v.Version))
		tbl.RawSetString("tags", s.tagsToLua(v.Tags))
		tbl.RawSetString("lat", lua.LNumber(v.Lat))
		tbl.RawSetString("lon", lua.LNumber(v.Lon))
	case *osm.Way:
		tbl.RawSetString("id", lua.LNumber(v.ID))
		tbl.RawSetString("type", lua.LString("way"))
		tbl.RawSetString("version", lua.LNumber(v.Version))
		tbl.RawSetString("tags", s.tagsToLua(v.Tags))
		nodes := L.CreateTable(len(v.Nodes), 0)
		for i, n := range v.Nodes {
			nodes.RawSetInt(i+1, lua.LNumber(n.ID))
		}
		tbl.RawSetString("nodes", nodes)
		closed := len(v.Nodes) >= 4 && v.Nodes[0].ID == v.Nodes[len(v.Nodes)-1].ID
		tbl.RawSetString("is_closed", lua.LBool(closed))
	case *osm.Relation:
		tbl.RawSetString("id", lua.LNumber(v.ID))
		tbl.RawSetString("type", lua.LString("relation"))
		tbl.RawSetString("version", lua.LNumber(v.Version))
		tbl.RawSetString("tags", s.tagsToLua(v.Tags))
		members := L.CreateTable(len(v.Members), 0)
		for i, m := range v.Members {
			mt := L.NewTable()
			mt.RawSetString("type", lua.LString(m.Type))
			mt.RawSetString("ref", lua.LNumber(m.Ref))
			mt.RawSetString("role", lua.LString(m.Role))
			members.RawSetInt(i+1, mt)
		}
		tbl.RawSetString("members", members)
	}
	return tbl
}
