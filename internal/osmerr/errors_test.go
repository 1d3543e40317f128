package osmerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fmt.Errorf("node 5: %w", ErrNotFound), "NotFound"},
		{fmt.Errorf("decode: %w", ErrConstruction), "ConstructionError"},
		{ErrReferentialIntegrity, "ReferentialIntegrityError"},
		{fmt.Errorf("open: %w", ErrConcurrentChangeset), "ConcurrentChangesetError"},
		{ErrCapacity, "CapacityError"},
		{ErrChangesetConsumed, "ChangesetConsumed"},
		{fmt.Errorf("dedup: %w: context canceled", ErrCancelled), "Cancelled"},
		{errors.New("disk full"), "Internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err))
	}
}
