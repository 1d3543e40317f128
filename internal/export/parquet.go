// Package export writes pending changesets to Parquet for offline review.
package export

import (
	"context"
	"fmt"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	json "github.com/goccy/go-json"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/proj"
	"github.com/wegman-software/osmstore-go/internal/wkb"
)

// DefaultBatchSize is the number of rows buffered per record batch.
const DefaultBatchSize = 10000

// Schema is the column layout of a changeset export.
var Schema = arrow.NewSchema([]arrow.Field{
	{Name: "osm_id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "osm_type", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "change_type", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "version", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "geom_wkb", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// TagsToJSON converts OSM tags to a JSON object string.
func TagsToJSON(tags osm.Tags) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags.Map())
	return string(b)
}

// Row is one exported change.
type Row struct {
	ID         int64
	Type       osm.Type
	ChangeType changeset.ChangeType
	Tags       osm.Tags
	Version    int
	Geometry   []byte
}

// ChangeWriter writes change rows to a zstd-compressed Parquet file.
type ChangeWriter struct {
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	rows      int64
}

// NewChangeWriter creates path and prepares a writer flushing every batchSize rows.
func NewChangeWriter(path string, batchSize int) (*ChangeWriter, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(Schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ChangeWriter{
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, Schema),
		batchSize: batchSize,
	}, nil
}

// Write buffers one row. A nil geometry is written as null.
func (w *ChangeWriter) Write(r Row) error {
	w.builder.Field(0).(*array.Int64Builder).Append(r.ID)
	w.builder.Field(1).(*array.StringBuilder).Append(string(r.Type))
	w.builder.Field(2).(*array.StringBuilder).Append(string(r.ChangeType))
	w.builder.Field(3).(*array.StringBuilder).Append(TagsToJSON(r.Tags))
	w.builder.Field(4).(*array.Int32Builder).Append(int32(r.Version))
	if r.Geometry == nil {
		w.builder.Field(5).(*array.BinaryBuilder).AppendNull()
	} else {
		w.builder.Field(5).(*array.BinaryBuilder).Append(r.Geometry)
	}

	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

// Rows returns the number of rows written so far.
func (w *ChangeWriter) Rows() int64 {
	return w.rows
}

func (w *ChangeWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file.
func (w *ChangeWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.writer.Close()
		return err
	}
	// pqarrow closes the underlying file.
	return w.writer.Close()
}

func tagsOf(o osm.Object) (osm.Tags, int) {
	switch v := o.(type) {
	case *osm.Node:
		return v.Tags, v.Version
	case *osm.Way:
		return v.Tags, v.Version
	case *osm.Relation:
		return v.Tags, v.Version
	}
	return nil, 0
}

// Options controls an export.
type Options struct {
	// PageSize is the number of changes read and written per batch.
	PageSize int
	// Projection reprojects geometries; nil keeps WGS84.
	Projection *proj.Transformer
}

// Export writes every pending change of cs to path, reading it page by
// page. Deletes carry the geometry being removed; other changes carry the
// geometry as seen through the changeset.
func Export(ctx context.Context, path string, cs *changeset.Changeset, opts Options) (int64, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultBatchSize
	}
	w, err := NewChangeWriter(path, pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}

	enc := wkb.NewEncoder(256)
	enc.SetSRID(opts.Projection.SRID())
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			w.Close()
			return w.Rows(), fmt.Errorf("%w: %v", osmerr.ErrCancelled, err)
		}
		p, err := cs.Page(changeset.PageQuery{Page: page, PageSize: pageSize})
		if err != nil {
			w.Close()
			return w.Rows(), err
		}
		for _, c := range p.Changes {
			geom := cs.Geometry(c.Entity)
			if c.ChangeType == changeset.Delete {
				geom = cs.BaseGeometry(c.Entity)
			}
			geom = opts.Projection.Geometry(geom)
			var b []byte
			if geom != nil {
				if b, err = enc.Encode(geom); err != nil {
					w.Close()
					return w.Rows(), err
				}
			}
			tags, version := tagsOf(c.Entity)
			row := Row{ID: c.ID(), Type: c.EntityType, ChangeType: c.ChangeType, Tags: tags, Version: version, Geometry: b}
			if err := w.Write(row); err != nil {
				w.Close()
				return w.Rows(), fmt.Errorf("failed to write parquet rows: %w", err)
			}
		}
		if page+1 >= p.TotalPages {
			break
		}
	}
	return w.Rows(), w.Close()
}
