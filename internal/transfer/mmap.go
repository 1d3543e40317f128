package transfer

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"

	"github.com/wegman-software/osmstore-go/internal/store"
)

// Mapped is a store whose columns alias a read-only file mapping.
// The store must not be used after Close.
type Mapped struct {
	Store *store.Store
	file  *os.File
	data  mmap.MMap
}

// Open maps a transfer file read-only and decodes it without copying.
func Open(path string) (*Mapped, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open transfer file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat transfer file: %w", err)
	}
	if info.Size() < int64(prefixSize) {
		f.Close()
		return nil, constructionErr("%s is too small (%d bytes)", path, info.Size())
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap transfer file: %w", err)
	}

	st, err := Decode(data)
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &Mapped{Store: st, file: f, data: data}, nil
}

// SizeBytes returns the size of the mapping.
func (m *Mapped) SizeBytes() int64 {
	return int64(len(m.data))
}

// Close unmaps the file.
func (m *Mapped) Close() error {
	if err := m.data.Unmap(); err != nil {
		m.file.Close()
		return err
	}
	return m.file.Close()
}
