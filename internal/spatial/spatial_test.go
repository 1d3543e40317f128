package spatial

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestPointIndex(t *testing.T) {
	points := []orb.Point{{0, 0}, {1, 0}, {2, 2}, {5, 5}, {1, 1}}
	idx := NewPointIndex(len(points), func(i int) orb.Point { return points[i] })

	assert.Equal(t, 5, idx.Len())
	assert.Equal(t, []int32{0, 1, 4}, idx.InBound(orb.Bound{Min: orb.Point{-0.5, -0.5}, Max: orb.Point{1.5, 1.5}}))
	assert.Equal(t, []int32{3}, idx.Nearest(orb.Point{4.9, 4.9}, 1))
	assert.Len(t, idx.Nearest(orb.Point{0, 0}, 3), 3)
}

func TestPointIndexEmpty(t *testing.T) {
	idx := NewPointIndex(0, nil)
	assert.Nil(t, idx.InBound(orb.Bound{Max: orb.Point{1, 1}}))
	assert.Nil(t, idx.Nearest(orb.Point{}, 3))
}

func TestPointIndexSinglePoint(t *testing.T) {
	idx := NewPointIndex(1, func(int) orb.Point { return orb.Point{3, 3} })
	assert.Equal(t, []int32{0}, idx.InBound(orb.Bound{Min: orb.Point{3, 3}, Max: orb.Point{3, 3}}))
}

func TestBoundIndexIntersecting(t *testing.T) {
	bounds := []orb.Bound{
		{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}},
		{Min: orb.Point{0.5, 0.5}, Max: orb.Point{3, 3}},
		{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}},
		{Min: orb.Point{1, -1}, Max: orb.Point{-1, 1}}, // empty, skipped
		{Min: orb.Point{2, 2}, Max: orb.Point{2, 2}},   // a single point
	}
	idx := NewBoundIndex(len(bounds), func(i int) orb.Bound { return bounds[i] })

	assert.Equal(t, 4, idx.Len())

	tests := []struct {
		name  string
		query orb.Bound
		want  []int32
	}{
		{"corner", orb.Bound{Min: orb.Point{-1, -1}, Max: orb.Point{0.2, 0.2}}, []int32{0}},
		{"overlap", orb.Bound{Min: orb.Point{0.8, 0.8}, Max: orb.Point{2, 2}}, []int32{0, 1, 4}},
		{"far", orb.Bound{Min: orb.Point{10.5, 10.5}, Max: orb.Point{12, 12}}, []int32{2}},
		{"outside", orb.Bound{Min: orb.Point{50, 50}, Max: orb.Point{60, 60}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := idx.Intersecting(tt.query)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoundIndexNearest(t *testing.T) {
	bounds := []orb.Bound{
		{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}},
		{Min: orb.Point{5, 5}, Max: orb.Point{6, 6}},
		{Min: orb.Point{9, 0}, Max: orb.Point{10, 1}},
	}
	idx := NewBoundIndex(len(bounds), func(i int) orb.Bound { return bounds[i] })

	assert.Equal(t, []int32{1}, idx.Nearest(orb.Point{5.5, 5.5}, 1))
	assert.Equal(t, []int32{2, 1}, idx.Nearest(orb.Point{9.5, 3}, 2))
	assert.Len(t, idx.Nearest(orb.Point{-100, -100}, 10), 3)
}
