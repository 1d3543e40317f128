package cache

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/config"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/transfer"
)

const (
	storesTable  = "osmstore_stores"
	buffersTable = "osmstore_buffers"
)

// PostgresRepository keeps one directory row per store and one zstd
// compressed BYTEA row per buffer.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	schema string
	log    *zap.Logger
}

// NewPostgresRepository connects using the database fields of cfg.
func NewPostgresRepository(ctx context.Context, cfg *config.Config) (*PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresRepository{pool: pool, schema: cfg.DBSchema, log: logger.Named("cache")}, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

func (r *PostgresRepository) table(name string) string {
	return pgx.Identifier{r.schema, name}.Sanitize()
}

// EnsureSchema creates the cache tables if they don't exist.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT PRIMARY KEY,
			store_id TEXT NOT NULL,
			directory JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, r.table(storesTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			hash TEXT NOT NULL REFERENCES %s (hash) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			collection TEXT NOT NULL,
			field TEXT NOT NULL,
			data BYTEA NOT NULL,
			PRIMARY KEY (hash, seq)
		)`, r.table(buffersTable), r.table(storesTable)),
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create cache tables: %w", err)
		}
	}
	return nil
}

// Save replaces whatever is cached under hash with l.
func (r *PostgresRepository) Save(ctx context.Context, hash string, l store.Layout) error {
	dir, rows, err := encodeRows(l)
	if err != nil {
		return err
	}
	dirJSON, err := json.Marshal(&dir)
	if err != nil {
		return fmt.Errorf("encoding directory: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE hash = $1", r.table(storesTable)), hash); err != nil {
		return fmt.Errorf("failed to clear cache entry: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (hash, store_id, directory) VALUES ($1, $2, $3)", r.table(storesTable)),
		hash, l.ID, string(dirJSON)); err != nil {
		return fmt.Errorf("failed to insert cache entry: %w", err)
	}

	src := make([][]any, len(rows))
	var size int
	for i, row := range rows {
		src[i] = []any{hash, row.Seq, row.Collection, row.Field, row.Data}
		size += len(row.Data)
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{r.schema, buffersTable},
		[]string{"hash", "seq", "collection", "field", "data"},
		pgx.CopyFromRows(src)); err != nil {
		return fmt.Errorf("failed to copy buffers: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit cache entry: %w", err)
	}

	r.log.Info("Cached store",
		zap.String("hash", hash),
		zap.String("store", l.ID),
		zap.Int("buffers", len(rows)),
		zap.Int("compressed_bytes", size))
	return nil
}

// Load rebuilds the store cached under hash.
func (r *PostgresRepository) Load(ctx context.Context, hash string) (*store.Store, error) {
	var dirJSON []byte
	err := r.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT directory::text FROM %s WHERE hash = $1", r.table(storesTable)), hash).Scan(&dirJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: no cached store for %s", osmerr.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var dir transfer.Directory
	if err := json.Unmarshal(dirJSON, &dir); err != nil {
		return nil, fmt.Errorf("%w: cached directory: %v", osmerr.ErrConstruction, err)
	}

	q, err := r.pool.Query(ctx,
		fmt.Sprintf("SELECT seq, collection, field, data FROM %s WHERE hash = $1 ORDER BY seq", r.table(buffersTable)), hash)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached buffers: %w", err)
	}
	defer q.Close()

	var rows []row
	for q.Next() {
		var rw row
		if err := q.Scan(&rw.Seq, &rw.Collection, &rw.Field, &rw.Data); err != nil {
			return nil, fmt.Errorf("failed to scan cached buffer: %w", err)
		}
		rows = append(rows, rw)
	}
	if err := q.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cached buffers: %w", err)
	}

	s, err := decodeRows(dir, rows)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", osmerr.ErrConstruction, err)
	}
	r.log.Info("Loaded cached store", zap.String("hash", hash), zap.String("store", s.ID()))
	return s, nil
}
