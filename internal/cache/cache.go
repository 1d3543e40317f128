// Package cache persists built stores keyed by the content hash of the
// source file they were loaded from, so repeated loads skip parsing.
package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/wegman-software/osmstore-go/internal/store"
	"github.com/wegman-software/osmstore-go/internal/transfer"
)

// Repository stores transfer layouts by content hash. Load returns an
// osmerr.ErrNotFound wrapped error on a miss.
type Repository interface {
	Save(ctx context.Context, hash string, l store.Layout) error
	Load(ctx context.Context, hash string) (*store.Store, error)
}

// ContentHash returns the hex xxhash of data.
func ContentHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// FileHash streams path through xxhash.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// compressBuffer returns the zstd frame of data.
func compressBuffer(data []byte) []byte {
	if len(data) == 0 {
		return []byte{}
	}
	enc := getZstdEncoder()
	defer zstdEncoderPool.Put(enc)
	return enc.EncodeAll(data, make([]byte, 0, len(data)/2+64))
}

// decompressBuffer inflates a buffer whose uncompressed size is known.
func decompressBuffer(data []byte, length int64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	dec := getZstdDecoder()
	defer zstdDecoderPool.Put(dec)
	out, err := dec.DecodeAll(data, make([]byte, 0, length))
	if err != nil {
		return nil, fmt.Errorf("decompressing buffer: %w", err)
	}
	return out, nil
}

// row is one persisted buffer.
type row struct {
	Seq        int
	Collection string
	Field      string
	Data       []byte
}

// encodeRows splits l into a directory and one compressed row per buffer.
func encodeRows(l store.Layout) (transfer.Directory, []row, error) {
	dir, parts, err := transfer.Parts(l)
	if err != nil {
		return transfer.Directory{}, nil, err
	}
	rows := make([]row, len(parts))
	for i, p := range parts {
		rows[i] = row{
			Seq:        i,
			Collection: p.Buffer.Collection,
			Field:      p.Buffer.Field,
			Data:       compressBuffer(p.Data),
		}
	}
	return dir, rows, nil
}

// decodeRows is the inverse of encodeRows. Rows must be ordered by Seq.
func decodeRows(dir transfer.Directory, rows []row) (*store.Store, error) {
	if len(rows) != len(dir.Buffers) {
		return nil, fmt.Errorf("cache holds %d buffers, directory lists %d", len(rows), len(dir.Buffers))
	}
	data := make([][]byte, len(rows))
	for i, r := range rows {
		b := dir.Buffers[i]
		if r.Seq != i || r.Collection != b.Collection || r.Field != b.Field {
			return nil, fmt.Errorf("cache row %d is %s.%s, directory expects %s.%s", r.Seq, r.Collection, r.Field, b.Collection, b.Field)
		}
		raw, err := decompressBuffer(r.Data, b.Length)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", b.Collection, b.Field, err)
		}
		data[i] = raw
	}
	return transfer.Assemble(dir, data)
}
