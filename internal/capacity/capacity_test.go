package capacity

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

func TestSystemChecker(t *testing.T) {
	c := &SystemChecker{
		limitBytes: 1 << 20,
		available:  func() (uint64, error) { return 1 << 19, nil },
	}

	require.NoError(t, c.Reserve(0))
	require.NoError(t, c.Reserve(1024))

	err := c.Reserve(1 << 21)
	require.Error(t, err)
	assert.True(t, errors.Is(err, osmerr.ErrCapacity))

	err = c.Reserve(1<<19 + 1)
	require.Error(t, err)
	assert.Equal(t, "CapacityError", osmerr.Kind(err))
}

func TestSystemCheckerWithoutStats(t *testing.T) {
	c := &SystemChecker{
		available: func() (uint64, error) { return 0, errors.New("unsupported") },
	}
	assert.NoError(t, c.Reserve(1<<40))
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{2048, "2.0 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatBytes(tt.in))
	}
}
