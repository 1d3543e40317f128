// Package loader streams OSM files into an entity store.
package loader

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/capacity"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/style"
)

// reportEvery is the number of objects between progress checkpoints.
const reportEvery = 100_000

// Options controls what is loaded.
type Options struct {
	// Style drops entities by tag. Nil keeps everything.
	Style *style.Selector
	// BBox, when set, keeps only nodes inside it, ways with at least one kept
	// node and relations with at least one kept member.
	BBox     *orb.Bound
	Capacity capacity.Checker
	Progress progress.Sink
	// Procs is the number of PBF decoder goroutines; 0 uses all CPUs.
	Procs int
}

// Stats counts what a load read and kept.
type Stats struct {
	Read     int64
	Kept     int64
	Filtered int64
	Duration time.Duration
}

// scanner is the part of osmpbf.Scanner and osmxml.Scanner used here.
type scanner interface {
	Scan() bool
	Object() osm.Object
	Err() error
	Close() error
}

type load struct {
	opts    Options
	b       *store.Builder
	tracker *progress.Tracker
	stats   Stats

	// Kept IDs, only tracked when clipping to a bbox.
	nodes, ways, relations *roaring64.Bitmap
}

func newLoad(id string, opts Options) *load {
	if opts.Style == nil {
		opts.Style = style.KeepAll()
	}
	if opts.Capacity == nil {
		opts.Capacity = capacity.Unlimited{}
	}
	l := &load{opts: opts, b: store.NewBuilder(id)}
	l.b.SetCapacityChecker(opts.Capacity)
	l.tracker = progress.NewTracker(opts.Progress, "load", id, 0)
	if opts.BBox != nil {
		l.nodes = roaring64.New()
		l.ways = roaring64.New()
		l.relations = roaring64.New()
	}
	return l
}

// Bitmaps hold unsigned values; negative IDs of unsaved entities are folded
// into the upper half.
func key(id int64) uint64 {
	return uint64(id)
}

func (l *load) insideBBox(o osm.Object) bool {
	if l.opts.BBox == nil {
		return true
	}
	switch v := o.(type) {
	case *osm.Node:
		if !l.opts.BBox.Contains(orb.Point{v.Lon, v.Lat}) {
			return false
		}
		l.nodes.Add(key(int64(v.ID)))
	case *osm.Way:
		kept := false
		for _, n := range v.Nodes {
			if l.nodes.Contains(key(int64(n.ID))) {
				kept = true
				break
			}
		}
		if !kept {
			return false
		}
		l.ways.Add(key(int64(v.ID)))
	case *osm.Relation:
		kept := false
		for _, m := range v.Members {
			switch m.Type {
			case osm.TypeNode:
				kept = l.nodes.Contains(key(m.Ref))
			case osm.TypeWay:
				kept = l.ways.Contains(key(m.Ref))
			case osm.TypeRelation:
				kept = l.relations.Contains(key(m.Ref))
			}
			if kept {
				break
			}
		}
		if !kept {
			return false
		}
		l.relations.Add(key(int64(v.ID)))
	}
	return true
}

func (l *load) run(ctx context.Context, sc scanner) (*store.Store, Stats, error) {
	log := logger.Named("loader")
	start := time.Now()

	for sc.Scan() {
		o := sc.Object()
		switch v := o.(type) {
		case *osm.Bounds:
			l.b.SetHeader(store.Header{
				BBox:    orb.Bound{Min: orb.Point{v.MinLon, v.MinLat}, Max: orb.Point{v.MaxLon, v.MaxLat}},
				HasBBox: true,
			})
			continue
		case *osm.Node, *osm.Way, *osm.Relation:
		default:
			continue
		}

		l.stats.Read++
		if l.stats.Read%reportEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, l.stats, fmt.Errorf("load %w: %v", osmerr.ErrCancelled, err)
			}
			l.tracker.Report(l.stats.Read)
		}
		keep, err := l.opts.Style.Keep(o)
		if err != nil {
			return nil, l.stats, err
		}
		if !keep || !l.insideBBox(o) {
			l.stats.Filtered++
			continue
		}
		l.b.Add(o)
		l.stats.Kept++
	}
	if err := ctx.Err(); err != nil {
		return nil, l.stats, fmt.Errorf("load %w: %v", osmerr.ErrCancelled, err)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return nil, l.stats, fmt.Errorf("scanning: %w", err)
	}

	st, err := l.b.Build()
	if err != nil {
		return nil, l.stats, err
	}
	l.tracker.Done(l.stats.Read)
	l.stats.Duration = time.Since(start)

	s := st.Stats()
	log.Info("Load complete",
		zap.String("store", st.ID()),
		zap.Int("nodes", s.Nodes),
		zap.Int("ways", s.Ways),
		zap.Int("relations", s.Relations),
		zap.Int64("filtered", l.stats.Filtered),
		zap.String("size", capacity.FormatBytes(s.Bytes)),
		zap.Duration("duration", l.stats.Duration.Round(time.Millisecond)))
	return st, l.stats, nil
}

// LoadPBF builds a store from an OSM PBF stream.
func LoadPBF(ctx context.Context, r io.Reader, id string, opts Options) (*store.Store, Stats, error) {
	procs := opts.Procs
	if procs <= 0 {
		procs = runtime.NumCPU()
	}
	sc := osmpbf.New(ctx, r, procs)
	defer sc.Close()

	l := newLoad(id, opts)
	if h, err := sc.Header(); err == nil && h != nil {
		l.b.SetHeader(pbfHeader(h))
	}
	return l.run(ctx, sc)
}

func pbfHeader(h *osmpbf.Header) store.Header {
	out := store.Header{
		RequiredFeatures:     h.RequiredFeatures,
		OptionalFeatures:     h.OptionalFeatures,
		WritingProgram:       h.WritingProgram,
		Source:               h.Source,
		ReplicationTimestamp: h.ReplicationTimestamp,
		ReplicationSequence:  int64(h.ReplicationSeqNum),
	}
	if b := h.Bounds; b != nil {
		out.BBox = orb.Bound{Min: orb.Point{b.MinLon, b.MinLat}, Max: orb.Point{b.MaxLon, b.MaxLat}}
		out.HasBBox = true
	}
	return out
}

// LoadXML builds a store from an OSM XML stream.
func LoadXML(ctx context.Context, r io.Reader, id string, opts Options) (*store.Store, Stats, error) {
	sc := osmxml.New(ctx, r)
	defer sc.Close()
	return newLoad(id, opts).run(ctx, sc)
}

// LoadFile picks the decoder from the file name: .pbf, .osm or .osm.gz.
func LoadFile(ctx context.Context, path, id string, opts Options) (*store.Store, Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil {
		logger.Named("loader").Info("Loading",
			zap.String("file", path),
			zap.String("store", id),
			zap.String("size", capacity.FormatBytes(info.Size())))
	}

	switch {
	case strings.HasSuffix(path, ".pbf"):
		return LoadPBF(ctx, f, id, opts)
	case strings.HasSuffix(path, ".gz"):
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, Stats{}, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		return LoadXML(ctx, gz, id, opts)
	default:
		return LoadXML(ctx, f, id, opts)
	}
}
