package cloud

import (
	"testing"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func TestSummarize(t *testing.T) {
	pc := gridCloud(3, 1) // 3x3x3 lattice from 0 to 2

	s := Summarize(pc)
	assert.Equal(t, 27, s.Points)
	assert.False(t, s.HasNormals)
	assert.Equal(t, r3.Vector{X: 2, Y: 2, Z: 2}, s.Bounds.Max)
	assert.InDelta(t, 1.0, s.Centroid.X, 1e-12)
	assert.InDelta(t, 2*1.7320508075688772, s.Diameter, 1e-9)
	assert.InDelta(t, 4.0, s.FootprintArea, 1e-9)
	assert.Len(t, s.Footprint, 5)
	assert.Greater(t, s.AverageSpacing, 0.0)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(&PointCloud{})
	assert.Equal(t, Summary{}, s)
}

func TestFootprint(t *testing.T) {
	square := []r3.Vector{{}, {X: 1}, {X: 1, Y: 1}, {Y: 1}, {X: 0.5, Y: 0.5, Z: 3}, {X: 1, Z: 2}}
	assert.Equal(t, orb.Ring{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}, footprint(square))

	line := []r3.Vector{{}, {X: 1, Y: 1}, {X: 2, Y: 2, Z: 5}, {X: 2, Y: 2}}
	assert.Nil(t, footprint(line), "a vertical plane has no footprint")
	assert.Nil(t, footprint([]r3.Vector{{}, {X: 1}}))
}
