package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/config"
	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/worker"
)

func parseType(s string) (osm.Type, error) {
	switch s {
	case "node", "nodes":
		return osm.TypeNode, nil
	case "way", "ways":
		return osm.TypeWay, nil
	case "relation", "relations":
		return osm.TypeRelation, nil
	}
	return "", fmt.Errorf("%w: unknown entity type %q", badRequest, s)
}

type storeInfo struct {
	ID        string       `json:"id"`
	Nodes     int          `json:"nodes"`
	Ways      int          `json:"ways"`
	Relations int          `json:"relations"`
	Strings   int          `json:"strings"`
	Bytes     int64        `json:"bytes"`
	Header    store.Header `json:"header"`
}

func infoOf(st *store.Store) storeInfo {
	stats := st.Stats()
	return storeInfo{
		ID:        st.ID(),
		Nodes:     stats.Nodes,
		Ways:      stats.Ways,
		Relations: stats.Relations,
		Strings:   stats.Strings,
		Bytes:     stats.Bytes,
		Header:    st.Header(),
	}
}

func (s *Server) listStores(w http.ResponseWriter, r *http.Request) {
	var out []storeInfo
	err := s.pool.Worker(0).Call(r.Context(), "list", func(_ context.Context, st *worker.Stores) error {
		for _, id := range st.IDs() {
			loaded, err := st.Get(id)
			if err != nil {
				return err
			}
			out = append(out, infoOf(loaded))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if out == nil {
		out = []storeInfo{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) storeStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	st, err := s.pool.Route(id).Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infoOf(st))
}

func (s *Server) evictStore(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	if _, err := s.pool.Route(id).Get(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pool.Evict(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) buildSpatial(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	// Workers share the store, so one build serves all of them.
	if err := s.pool.Route(id).BuildSpatialIndexes(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"store": id, "status": "built"})
}

func (s *Server) getEntity(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := parseType(vars["type"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	id, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", badRequest, err))
		return
	}
	obj, err := s.pool.Route(vars["store"]).GetByID(r.Context(), vars["store"], t, id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, obj)
}

// entitiesInBBox answers with a GeoJSON FeatureCollection. Relations are
// represented by their bounding box.
func (s *Server) entitiesInBBox(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := parseType(vars["type"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	bbox, err := config.ParseBBox(r.URL.Query().Get("bbox"))
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", badRequest, err))
		return
	}
	bound := bbox.Bound()
	if bound == nil {
		s.writeError(w, fmt.Errorf("%w: bbox parameter is required", badRequest))
		return
	}

	fc := geojson.NewFeatureCollection()
	storeID := vars["store"]
	err = s.pool.Route(storeID).Call(r.Context(), "geojson", func(_ context.Context, stores *worker.Stores) error {
		st, err := stores.Get(storeID)
		if err != nil {
			return err
		}
		idx, err := st.EntitiesInBBox(t, *bound)
		if err != nil {
			return err
		}
		for _, i := range idx {
			fc.Append(feature(st, t, int(i)))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

// nearest answers with the k entities closest to lon/lat, nearest first.
func (s *Server) nearest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := parseType(vars["type"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	var p orb.Point
	for i, key := range []string{"lon", "lat"} {
		if p[i], err = strconv.ParseFloat(r.URL.Query().Get(key), 64); err != nil {
			s.writeError(w, fmt.Errorf("%w: %s: %v", badRequest, key, err))
			return
		}
	}
	k, err := queryInt(r, "k", 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if k <= 0 || k > s.pageSize {
		s.writeError(w, fmt.Errorf("%w: k must be between 1 and %d", badRequest, s.pageSize))
		return
	}

	fc := geojson.NewFeatureCollection()
	storeID := vars["store"]
	err = s.pool.Route(storeID).Call(r.Context(), "nearest", func(_ context.Context, stores *worker.Stores) error {
		st, err := stores.Get(storeID)
		if err != nil {
			return err
		}
		idx, err := st.Nearest(t, p, k)
		if err != nil {
			return err
		}
		for _, i := range idx {
			fc.Append(feature(st, t, int(i)))
		}
		return nil
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func feature(st *store.Store, t osm.Type, i int) *geojson.Feature {
	var (
		geom orb.Geometry
		id   int64
		tags map[string]string
	)
	switch t {
	case osm.TypeNode:
		n := st.Nodes()
		geom, id, tags = n.Point(i), n.ID(i), n.Tags(i)
	case osm.TypeWay:
		ways := st.Ways()
		line := make(orb.LineString, 0, len(ways.Refs(i)))
		for _, ref := range ways.Refs(i) {
			if p, ok := st.Nodes().PointByID(ref); ok {
				line = append(line, p)
			}
		}
		geom, id, tags = line, ways.ID(i), ways.Tags(i)
	case osm.TypeRelation:
		rels := st.Relations()
		geom, id, tags = rels.BBox(i).ToPolygon(), rels.ID(i), rels.Tags(i)
	}
	f := geojson.NewFeature(geom)
	f.ID = fmt.Sprintf("%s/%d", t, id)
	f.Properties["osm_id"] = id
	f.Properties["osm_type"] = string(t)
	f.Properties["tags"] = tags
	return f
}

func (s *Server) openChangeset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	if err := s.pool.Route(id).OpenChangeset(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"store": id, "status": "open"})
}

func (s *Server) changesetStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	stats, err := s.pool.Route(id).ChangesetStats(r.Context(), id)
	s.writeStats(w, stats, err)
}

func (s *Server) writeStats(w http.ResponseWriter, stats changeset.Stats, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) discardChangeset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	if err := s.pool.Route(id).DiscardChangeset(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) directChanges(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	patch := r.URL.Query().Get("patch")
	if patch == "" {
		s.writeError(w, fmt.Errorf("%w: patch parameter is required", badRequest))
		return
	}
	stats, err := s.pool.Route(id).GenerateDirectChanges(r.Context(), id, patch)
	s.writeStats(w, stats, err)
}

func (s *Server) dedupNodes(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	stats, err := s.pool.Route(id).DeduplicateNodes(r.Context(), id)
	s.writeStats(w, stats, err)
}

func (s *Server) dedupWays(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	stats, err := s.pool.Route(id).DeduplicateWays(r.Context(), id)
	s.writeStats(w, stats, err)
}

type intersectionsRequest struct {
	WayIDs []int64 `json:"way_ids"`
}

// intersections accepts an optional body naming the ways to check; without
// one the changed ways are used.
func (s *Server) intersections(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	var req intersectionsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, fmt.Errorf("%w: %v", badRequest, err))
			return
		}
	}
	stats, err := s.pool.Route(id).GenerateIntersections(r.Context(), id, req.WayIDs)
	s.writeStats(w, stats, err)
}

type changeJSON struct {
	ChangeType  changeset.ChangeType `json:"change_type"`
	EntityType  osm.Type             `json:"entity_type"`
	ID          int64                `json:"id"`
	Entity      osm.Object           `json:"entity"`
	OldEntity   osm.Object           `json:"old_entity,omitempty"`
	RelatedRefs []string             `json:"related_refs,omitempty"`
}

type pageJSON struct {
	Changes    []changeJSON `json:"changes"`
	Page       int          `json:"page"`
	PageSize   int          `json:"page_size"`
	Total      int          `json:"total"`
	TotalPages int          `json:"total_pages"`
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", badRequest, key, err)
	}
	return n, nil
}

func (s *Server) changesPage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	q := changeset.PageQuery{}
	var err error
	if q.Page, err = queryInt(r, "page", 0); err != nil {
		s.writeError(w, err)
		return
	}
	if q.PageSize, err = queryInt(r, "size", s.pageSize); err != nil {
		s.writeError(w, err)
		return
	}
	ct, ok := changeset.ParseChangeType(r.URL.Query().Get("change"))
	if !ok {
		s.writeError(w, fmt.Errorf("%w: unknown change type %q", badRequest, r.URL.Query().Get("change")))
		return
	}
	q.ChangeType = ct
	if e := r.URL.Query().Get("entity"); e != "" {
		if q.EntityType, err = parseType(e); err != nil {
			s.writeError(w, err)
			return
		}
	}

	if err := q.Validate(); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", badRequest, err))
		return
	}

	page, err := s.pool.Route(id).ChangesPage(r.Context(), id, q)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := pageJSON{
		Changes:    make([]changeJSON, len(page.Changes)),
		Page:       page.Page,
		PageSize:   page.PageSize,
		Total:      page.Total,
		TotalPages: page.TotalPages,
	}
	for i, c := range page.Changes {
		cj := changeJSON{
			ChangeType: c.ChangeType,
			EntityType: c.EntityType,
			ID:         c.ID(),
			Entity:     c.Entity,
			OldEntity:  c.OldEntity,
		}
		for _, ref := range c.RelatedRefs {
			cj.RelatedRefs = append(cj.RelatedRefs, ref.String())
		}
		out.Changes[i] = cj
	}
	writeJSON(w, http.StatusOK, out)
}

// apply swaps the new revision in on the owning worker, then republishes
// it to the rest of the pool.
func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["store"]
	stats, err := s.pool.Route(id).ApplyChanges(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.pool.Republish(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
