package column

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

func TestRange(t *testing.T) {
	c := Of([]int64{10, 20, 30, 40})
	assert.Equal(t, []int64{20, 30}, c.Range(1, 2))
	assert.Empty(t, c.Range(4, 0))
	assert.Panics(t, func() { c.Range(3, 2) })
	assert.Panics(t, func() { c.Range(-1, 1) })
}

func TestBytesRoundTrip(t *testing.T) {
	c := Of([]float64{1.5, -2.25, 43.7})
	got, err := FromBytes[float64](c.Bytes())
	require.NoError(t, err)
	assert.Equal(t, c.Raw(), got.Raw())

	empty, err := FromBytes[int32](nil)
	require.NoError(t, err)
	assert.Zero(t, empty.Len())

	_, err = FromBytes[int32](make([]byte, 6))
	assert.ErrorIs(t, err, osmerr.ErrConstruction)
}

func TestFromBytesMisaligned(t *testing.T) {
	src := Of([]int64{7, 8}).Bytes()
	buf := make([]byte, len(src)+1)
	copy(buf[1:], src)

	got, err := FromBytes[int64](buf[1:])
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, got.Raw())
}

func TestCheckRanges(t *testing.T) {
	start := Of([]int32{0, 2, 2})
	count := Of([]int32{2, 0, 3})
	assert.NoError(t, CheckRanges("refs", start, count, 5))

	err := CheckRanges("refs", start, count, 4)
	assert.ErrorIs(t, err, osmerr.ErrConstruction)
	assert.Contains(t, err.Error(), "record 2")

	assert.Error(t, CheckRanges("refs", start, Of([]int32{1}), 5))
}

func TestCheckIndices(t *testing.T) {
	assert.NoError(t, CheckIndices("tags", Of([]int32{0, 1, 2}), 3))
	assert.ErrorIs(t, CheckIndices("tags", Of([]int32{0, 3}), 3), osmerr.ErrConstruction)
}
