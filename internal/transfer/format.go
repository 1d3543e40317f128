// Package transfer encodes a store layout as one self-describing byte
// container that can be handed to another process or mapped from disk.
//
// File layout:
//
//	magic      8 bytes  "OSMSTOR1"
//	dirLen     8 bytes  little-endian length of the directory
//	directory  JSON, padded to a multiple of 8
//	buffers    one per named array, each starting on an 8-byte boundary
package transfer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	gojson "github.com/goccy/go-json"

	"github.com/wegman-software/osmstore-go/internal/column"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
	"github.com/wegman-software/osmstore-go/internal/store"
)

// Magic identifies a transfer container.
const Magic = "OSMSTOR1"

// Version is the directory format version.
const Version = 1

const (
	alignment  = 8
	prefixSize = len(Magic) + 8
	// maxDirectory bounds the directory read from an untrusted prefix.
	maxDirectory = 64 << 20
)

// Element types of a buffer.
const (
	DTypeUint8   = "uint8"
	DTypeInt32   = "int32"
	DTypeInt64   = "int64"
	DTypeFloat64 = "float64"
)

// Buffer locates one named array inside the container.
type Buffer struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
	DType      string `json:"dtype"`
	Offset     int64  `json:"offset"`
	Length     int64  `json:"length"`
}

// Directory describes every buffer of a container.
type Directory struct {
	Version      int             `json:"version"`
	ID           string          `json:"id"`
	Header       store.Header    `json:"header"`
	IDsAreSorted map[string]bool `json:"ids_are_sorted"`
	Buffers      []Buffer        `json:"buffers"`
}

// dataEnd returns the end offset of the last buffer.
func (d *Directory) dataEnd() int64 {
	var end int64
	for _, b := range d.Buffers {
		if e := b.Offset + b.Length; e > end {
			end = e
		}
	}
	return end
}

type namedBytes struct {
	buf  Buffer
	data []byte
}

func pad(n int64) int64 {
	return (n + alignment - 1) / alignment * alignment
}

// collectionOrder fixes the buffer order independently of map iteration.
var collectionOrder = []string{"nodes", "ways", "relations"}

// plan lays out every buffer of l and returns the directory and the raw
// bytes in file order. Offsets are relative to the start of the container.
func plan(l store.Layout) (Directory, []namedBytes, error) {
	dir := Directory{
		Version:      Version,
		ID:           l.ID,
		Header:       l.Header,
		IDsAreSorted: make(map[string]bool, 3),
	}
	var parts []namedBytes
	add := func(collection, field, dtype string, data []byte) {
		parts = append(parts, namedBytes{
			buf:  Buffer{Collection: collection, Field: field, DType: dtype, Length: int64(len(data))},
			data: data,
		})
	}

	add("strings", "pool", DTypeUint8, l.Strings.Pool)
	add("strings", "starts", DTypeInt32, column.Of(l.Strings.Starts).Bytes())
	add("strings", "lengths", DTypeInt32, column.Of(l.Strings.Lengths).Bytes())

	cols := l.Collections()
	for _, name := range collectionOrder {
		c := cols[name]
		dir.IDsAreSorted[name] = c.IDsAreSorted
		for _, f := range c.Fields() {
			switch {
			case f.Int32 != nil:
				if *f.Int32 != nil {
					add(name, f.Name, DTypeInt32, column.Of(*f.Int32).Bytes())
				}
			case f.Int64 != nil:
				if *f.Int64 != nil {
					add(name, f.Name, DTypeInt64, column.Of(*f.Int64).Bytes())
				}
			case f.Float64 != nil:
				if *f.Float64 != nil {
					add(name, f.Name, DTypeFloat64, column.Of(*f.Float64).Bytes())
				}
			case f.Uint8 != nil:
				if *f.Uint8 != nil {
					add(name, f.Name, DTypeUint8, *f.Uint8)
				}
			default:
				return Directory{}, nil, fmt.Errorf("field %s.%s has no buffer", name, f.Name)
			}
		}
	}

	// The directory length depends on the offsets, which depend on the
	// directory length. Offsets are relative to the data section first and
	// shifted once the encoded directory size is known; widening the
	// numbers can change the size, so iterate until it is stable.
	var rel int64
	for i := range parts {
		parts[i].buf.Offset = rel
		rel = pad(rel + parts[i].buf.Length)
	}
	dir.Buffers = make([]Buffer, len(parts))
	base := int64(0)
	for {
		for i, p := range parts {
			dir.Buffers[i] = p.buf
			dir.Buffers[i].Offset += base
		}
		enc, err := gojson.Marshal(&dir)
		if err != nil {
			return Directory{}, nil, fmt.Errorf("encoding directory: %w", err)
		}
		next := pad(int64(prefixSize) + int64(len(enc)))
		if next == base {
			break
		}
		base = next
	}
	for i := range parts {
		parts[i].buf = dir.Buffers[i]
	}
	return dir, parts, nil
}

// Write streams the container for l to w.
func Write(w io.Writer, l store.Layout) error {
	dir, parts, err := plan(l)
	if err != nil {
		return err
	}
	enc, err := gojson.Marshal(&dir)
	if err != nil {
		return fmt.Errorf("encoding directory: %w", err)
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	var prefix [prefixSize]byte
	copy(prefix[:], Magic)
	binary.LittleEndian.PutUint64(prefix[len(Magic):], uint64(len(enc)))
	if _, err := bw.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing prefix: %w", err)
	}
	if _, err := bw.Write(enc); err != nil {
		return fmt.Errorf("writing directory: %w", err)
	}

	var zeros [alignment]byte
	pos := int64(prefixSize + len(enc))
	for _, p := range parts {
		if gap := p.buf.Offset - pos; gap > 0 {
			if _, err := bw.Write(zeros[:gap]); err != nil {
				return err
			}
			pos += gap
		}
		if _, err := bw.Write(p.data); err != nil {
			return fmt.Errorf("writing %s.%s: %w", p.buf.Collection, p.buf.Field, err)
		}
		pos += p.buf.Length
	}
	if gap := pad(pos) - pos; gap > 0 {
		if _, err := bw.Write(zeros[:gap]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Encode returns the container for l as one buffer.
func Encode(l store.Layout) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, l); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFile writes the container for l to path.
func WriteFile(path string, l store.Layout) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create transfer file: %w", err)
	}
	if err := Write(f, l); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func constructionErr(format string, args ...any) error {
	return fmt.Errorf("%w: transfer: %s", osmerr.ErrConstruction, fmt.Sprintf(format, args...))
}

// ReadDirectory parses the prefix and directory of a container.
func ReadDirectory(data []byte) (Directory, error) {
	var dir Directory
	if len(data) < prefixSize || string(data[:len(Magic)]) != Magic {
		return dir, constructionErr("missing magic")
	}
	n := binary.LittleEndian.Uint64(data[len(Magic):prefixSize])
	if n > maxDirectory || uint64(len(data)-prefixSize) < n {
		return dir, constructionErr("directory length %d exceeds container", n)
	}
	if err := gojson.Unmarshal(data[prefixSize:prefixSize+int(n)], &dir); err != nil {
		return dir, constructionErr("directory: %v", err)
	}
	if dir.Version != Version {
		return dir, constructionErr("unsupported version %d", dir.Version)
	}
	if dir.dataEnd() > int64(len(data)) {
		return dir, constructionErr("buffers end at %d beyond container of %d bytes", dir.dataEnd(), len(data))
	}
	return dir, nil
}

// Decode validates a container and wraps it as a store. Numeric columns
// alias data whenever it is suitably aligned, so data must outlive the store
// and must not be modified.
func Decode(data []byte) (*store.Store, error) {
	dir, err := ReadDirectory(data)
	if err != nil {
		return nil, err
	}
	return assemble(dir, func(b Buffer) ([]byte, error) {
		if b.Offset < 0 || b.Length < 0 || b.Offset%alignment != 0 {
			return nil, constructionErr("buffer %s.%s at %d+%d is misplaced", b.Collection, b.Field, b.Offset, b.Length)
		}
		return data[b.Offset : b.Offset+b.Length : b.Offset+b.Length], nil
	})
}

// Part is one buffer of a planned container with its bytes.
type Part struct {
	Buffer Buffer
	Data   []byte
}

// Parts plans the container for l without writing it, for storage backends
// that keep buffers apart. The data slices alias the layout.
func Parts(l store.Layout) (Directory, []Part, error) {
	dir, parts, err := plan(l)
	if err != nil {
		return Directory{}, nil, err
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = Part{Buffer: p.buf, Data: p.data}
	}
	return dir, out, nil
}

// Assemble is the inverse of Parts: data[i] holds the bytes of
// dir.Buffers[i].
func Assemble(dir Directory, data [][]byte) (*store.Store, error) {
	if dir.Version != Version {
		return nil, constructionErr("unsupported version %d", dir.Version)
	}
	if len(data) != len(dir.Buffers) {
		return nil, constructionErr("%d buffers for a directory of %d", len(data), len(dir.Buffers))
	}
	i := 0
	return assemble(dir, func(b Buffer) ([]byte, error) {
		raw := data[i]
		i++
		if int64(len(raw)) != b.Length {
			return nil, constructionErr("buffer %s.%s has %d bytes, want %d", b.Collection, b.Field, len(raw), b.Length)
		}
		return raw, nil
	})
}

func assemble(dir Directory, bytesOf func(Buffer) ([]byte, error)) (*store.Store, error) {
	l := store.Layout{ID: dir.ID, Header: dir.Header}
	cols := l.Collections()
	for name, c := range cols {
		c.IDsAreSorted = dir.IDsAreSorted[name]
	}

	for _, b := range dir.Buffers {
		raw, err := bytesOf(b)
		if err != nil {
			return nil, err
		}
		if b.Collection == "strings" {
			if err := decodeStrings(&l.Strings, b, raw); err != nil {
				return nil, err
			}
			continue
		}
		c, ok := cols[b.Collection]
		if !ok {
			return nil, constructionErr("unknown collection %q", b.Collection)
		}
		if err := decodeField(c, b, raw); err != nil {
			return nil, err
		}
	}
	return store.FromLayout(l)
}

func decodeStrings(s *store.StringColumns, b Buffer, raw []byte) error {
	switch b.Field {
	case "pool":
		s.Pool = raw
		return nil
	case "starts":
		c, err := column.FromBytes[int32](raw)
		s.Starts = c.Raw()
		return err
	case "lengths":
		c, err := column.FromBytes[int32](raw)
		s.Lengths = c.Raw()
		return err
	}
	return constructionErr("unknown strings field %q", b.Field)
}

func decodeField(c *store.CollectionColumns, b Buffer, raw []byte) error {
	for _, f := range c.Fields() {
		if f.Name != b.Field {
			continue
		}
		var err error
		switch {
		case f.Int32 != nil && b.DType == DTypeInt32:
			var col column.Column[int32]
			col, err = column.FromBytes[int32](raw)
			*f.Int32 = nonNil(col.Raw())
		case f.Int64 != nil && b.DType == DTypeInt64:
			var col column.Column[int64]
			col, err = column.FromBytes[int64](raw)
			*f.Int64 = nonNil(col.Raw())
		case f.Float64 != nil && b.DType == DTypeFloat64:
			var col column.Column[float64]
			col, err = column.FromBytes[float64](raw)
			*f.Float64 = nonNil(col.Raw())
		case f.Uint8 != nil && b.DType == DTypeUint8:
			*f.Uint8 = nonNil(raw)
		default:
			return constructionErr("%s.%s has dtype %s", b.Collection, b.Field, b.DType)
		}
		return err
	}
	return constructionErr("unknown field %s.%s", b.Collection, b.Field)
}

// nonNil keeps present-but-empty buffers distinguishable from absent ones,
// which FromLayout treats as "rebuild".
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Read decodes a container from r. The store owns the bytes read.
func Read(r io.Reader) (*store.Store, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading transfer container: %w", err)
	}
	return Decode(data)
}
