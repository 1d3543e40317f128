// Package column provides bounds-checked typed views over the flat arrays
// that make up a columnar entity store.
package column

import (
	"fmt"
	"unsafe"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

// Element is the set of primitive types a column may hold.
type Element interface {
	~uint8 | ~int32 | ~int64 | ~float64
}

// Column is an immutable typed view over a flat slice.
// Out-of-range access panics instead of silently reading a neighbouring record.
type Column[T Element] struct {
	data []T
}

// Of wraps data without copying.
func Of[T Element](data []T) Column[T] {
	return Column[T]{data: data}
}

// Len returns the number of elements.
func (c Column[T]) Len() int {
	return len(c.data)
}

// At returns element i.
func (c Column[T]) At(i int) T {
	return c.data[i]
}

// Range returns the sub-slice [start, start+count). The returned slice must not be modified.
func (c Column[T]) Range(start, count int32) []T {
	if start < 0 || count < 0 || int(start)+int(count) > len(c.data) {
		panic(fmt.Sprintf("column: range [%d,+%d) out of bounds for length %d", start, count, len(c.data)))
	}
	return c.data[start : start+count : start+count]
}

// Raw exposes the backing slice. Callers must treat it as read-only.
func (c Column[T]) Raw() []T {
	return c.data
}

// Bytes reinterprets the column as raw bytes without copying.
func (c Column[T]) Bytes() []byte {
	if len(c.data) == 0 {
		return nil
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	return unsafe.Slice((*byte)(unsafe.Pointer(&c.data[0])), len(c.data)*size)
}

// FromBytes reinterprets b as a column of T. The result aliases b when b is
// suitably aligned; otherwise it is copied once into an aligned buffer.
func FromBytes[T Element](b []byte) (Column[T], error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(b)%size != 0 {
		return Column[T]{}, fmt.Errorf("%w: buffer of %d bytes is not a multiple of element size %d", osmerr.ErrConstruction, len(b), size)
	}
	n := len(b) / size
	if n == 0 {
		return Column[T]{}, nil
	}
	if uintptr(unsafe.Pointer(&b[0]))%uintptr(unsafe.Alignof(zero)) != 0 {
		aligned := make([]T, n)
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&aligned[0])), len(b)), b)
		return Column[T]{data: aligned}, nil
	}
	return Column[T]{data: unsafe.Slice((*T)(unsafe.Pointer(&b[0])), n)}, nil
}

// CheckRanges validates a CSR layout: every [start[i], start[i]+count[i]) must lie within [0, flatLen).
func CheckRanges(name string, start, count Column[int32], flatLen int) error {
	if start.Len() != count.Len() {
		return fmt.Errorf("%w: %s start/count length mismatch (%d != %d)", osmerr.ErrConstruction, name, start.Len(), count.Len())
	}
	for i := 0; i < start.Len(); i++ {
		s, c := start.At(i), count.At(i)
		if s < 0 || c < 0 || int64(s)+int64(c) > int64(flatLen) {
			return fmt.Errorf("%w: %s range of record %d [%d,+%d) exceeds flat length %d", osmerr.ErrConstruction, name, i, s, c, flatLen)
		}
	}
	return nil
}

// CheckIndices validates that every value of c lies in [0, bound).
func CheckIndices(name string, c Column[int32], bound int) error {
	for i, v := range c.data {
		if v < 0 || int(v) >= bound {
			return fmt.Errorf("%w: %s[%d] = %d out of bounds [0,%d)", osmerr.ErrConstruction, name, i, v, bound)
		}
	}
	return nil
}
