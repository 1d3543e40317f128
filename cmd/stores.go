package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/cache"
	"github.com/wegman-software/osmstore-go/internal/loader"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/progress"
	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/style"
	"github.com/wegman-software/osmstore-go/internal/transfer"
)

// storeID derives a store ID from a file name: "data/monaco.osm.pbf" is "monaco".
func storeID(path string) string {
	name := filepath.Base(path)
	if i := strings.IndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	return name
}

func logSink(op string) progress.Sink {
	log := logger.Named(op)
	return progress.Throttle(func(p progress.Progress) {
		log.Info("Progress",
			zap.String("store", p.Store),
			zap.Int64("processed", p.Processed),
			zap.String("rate", progress.FormatThroughput(p.Throughput())),
			zap.Bool("done", p.Done))
	}, cfg.ProgressInterval)
}

// isTransferFile reports whether path starts with the transfer magic.
func isTransferFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	magic := make([]byte, len(transfer.Magic))
	if _, err := io.ReadFull(f, magic); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, err
	}
	return string(magic) == transfer.Magic, nil
}

// openStore opens a transfer file by mapping it, or loads an OSM file.
// The returned func releases the mapping once the store is no longer used.
func openStore(ctx context.Context, path, id string) (*store.Store, func(), error) {
	ok, err := isTransferFile(path)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		m, err := transfer.Open(path)
		if err != nil {
			return nil, nil, err
		}
		release := func() {
			if err := m.Close(); err != nil {
				logger.Get().Warn("Failed to unmap transfer file", zap.String("file", path), zap.Error(err))
			}
		}
		st := m.Store
		if id != "" && id != st.ID() {
			st = st.WithID(id)
		}
		return st, release, nil
	}
	if id == "" {
		id = storeID(path)
	}
	st, err := loadOSM(ctx, path, id)
	if err != nil {
		return nil, nil, err
	}
	return st, func() {}, nil
}

func loaderOptions() (loader.Options, error) {
	opts := loader.Options{
		BBox:     cfg.BBox.Bound(),
		Capacity: capacityChecker(),
		Progress: logSink("loader"),
		Procs:    cfg.Workers,
	}
	if cfg.StyleFile != "" {
		sc, err := style.LoadConfig(cfg.StyleFile)
		if err != nil {
			return opts, err
		}
		if opts.Style, err = sc.Selector(); err != nil {
			return opts, err
		}
	}
	return opts, nil
}

// cacheKey hashes the source file together with everything that changes
// what a load keeps.
func cacheKey(path string) (string, error) {
	parts := []string{}
	h, err := cache.FileHash(path)
	if err != nil {
		return "", err
	}
	parts = append(parts, h, cfg.BBox.String())
	if cfg.StyleFile != "" {
		sc, err := style.LoadConfig(cfg.StyleFile)
		if err != nil {
			return "", err
		}
		for _, f := range []string{cfg.StyleFile, sc.Script} {
			if f == "" {
				continue
			}
			sh, err := cache.FileHash(f)
			if err != nil {
				return "", err
			}
			parts = append(parts, sh)
		}
	}
	return cache.ContentHash([]byte(strings.Join(parts, "|"))), nil
}

// loadOSM loads an OSM file, going through the PostgreSQL cache when enabled.
func loadOSM(ctx context.Context, path, id string) (*store.Store, error) {
	log := logger.Get()
	opts, err := loaderOptions()
	if err != nil {
		return nil, err
	}
	defer opts.Style.Close()
	if !cfg.UseCache {
		st, stats, err := loader.LoadFile(ctx, path, id, opts)
		if err != nil {
			return nil, err
		}
		logLoad(st, stats)
		return st, nil
	}

	key, err := cacheKey(path)
	if err != nil {
		return nil, err
	}
	repo, err := cache.NewPostgresRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer repo.Close()
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	st, err := repo.Load(ctx, key)
	switch {
	case err == nil:
		logElapsed("Loaded store from cache", start, zap.String("store", id), zap.String("hash", key))
		if st.ID() != id {
			st = st.WithID(id)
		}
		return st, nil
	case !errors.Is(err, osmerr.ErrNotFound):
		return nil, fmt.Errorf("reading cache: %w", err)
	}

	st, stats, err := loader.LoadFile(ctx, path, id, opts)
	if err != nil {
		return nil, err
	}
	logLoad(st, stats)
	if err := repo.Save(ctx, key, st.Layout()); err != nil {
		log.Warn("Failed to cache store", zap.String("hash", key), zap.Error(err))
	}
	return st, nil
}

func logLoad(st *store.Store, stats loader.Stats) {
	s := st.Stats()
	logger.Get().Info("Store loaded",
		zap.String("store", st.ID()),
		zap.Int("nodes", s.Nodes),
		zap.Int("ways", s.Ways),
		zap.Int("relations", s.Relations),
		zap.Int64("read", stats.Read),
		zap.Int64("filtered", stats.Filtered),
		zap.Duration("duration", stats.Duration.Round(time.Millisecond)))
}

// writeStore writes st as a transfer file.
func writeStore(path string, st *store.Store) error {
	start := time.Now()
	if err := transfer.WriteFile(path, st.Layout()); err != nil {
		return err
	}
	logElapsed("Transfer file written", start, zap.String("file", path), zap.String("store", st.ID()))
	return nil
}
