package register

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimatePointToPoint_KnownTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 20; i++ {
		truth := randomRotation(rng)
		src := blobCloud(40, rng).Points
		dst := truth.ApplyPoints(src)

		got, err := EstimatePointToPoint(src, dst, nil)
		require.NoError(t, err)
		assert.True(t, got.ApproxEqual(truth, 1e-9), "iteration %d: got %s want %s", i, got, truth)
		assert.InDelta(t, 1.0, got.Det(), 1e-12)
	}
}

func TestEstimatePointToPoint_ProperRotationOnNoise(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 50; i++ {
		src := make([]r3.Vector, 10)
		dst := make([]r3.Vector, 10)
		for k := range src {
			src[k] = r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
			// mirrored and noisy, which tempts a reflection
			dst[k] = r3.Vector{X: src[k].X, Y: src[k].Y, Z: -src[k].Z}.Add(r3.Vector{X: 0.1 * rng.NormFloat64()})
		}
		got, err := EstimatePointToPoint(src, dst, nil)
		require.NoError(t, err)
		assert.InDelta(t, 1.0, got.Det(), 1e-9)
	}
}

func TestEstimatePointToPoint_Weights(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	truth := RotationZDeg(20, r3.Vector{X: 0.5, Z: -1})
	src := blobCloud(30, rng).Points
	dst := truth.ApplyPoints(src)

	// a corrupted pair with zero weight must not matter
	src = append(src, r3.Vector{X: 100})
	dst = append(dst, r3.Vector{Y: -100})
	weights := make([]float64, len(src))
	for i := range weights {
		weights[i] = 1 + rng.Float64()
	}
	weights[len(weights)-1] = 0

	got, err := EstimatePointToPoint(src, dst, weights)
	require.NoError(t, err)
	assert.True(t, got.ApproxEqual(truth, 1e-9))
}

func TestEstimatePointToPoint_Degenerate(t *testing.T) {
	line := []r3.Vector{{X: 0}, {X: 1}, {X: 2}, {X: 3}}
	tests := []struct {
		name     string
		src, dst []r3.Vector
		weights  []float64
	}{
		{"too few", line[:2], line[:2], nil},
		{"collinear", line, line, nil},
		{"zero weight", line[:3], line[:3], []float64{0, 0, 0}},
		{"coincident", []r3.Vector{{}, {}, {}}, []r3.Vector{{}, {}, {}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EstimatePointToPoint(tt.src, tt.dst, tt.weights)
			assert.ErrorIs(t, err, ErrDegenerateInput)
			assert.True(t, got.ApproxEqual(Identity(), 0))
		})
	}
}

func TestEstimatePointToPoint_Mismatched(t *testing.T) {
	_, err := EstimatePointToPoint(make([]r3.Vector, 3), make([]r3.Vector, 4), nil)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestEstimatePointToPlane_ConvergesOnSurface(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	target := ellipsoidCloud(500, rng)
	truth := FromAxisAngle(r3.Vector{X: 1, Y: 1, Z: 0.5}, 0.05, r3.Vector{X: 0.05, Y: -0.02, Z: 0.03})
	// source is the target moved by truth⁻¹, with exact correspondences
	src := truth.Inverse().ApplyPoints(target.Points)

	current := Identity()
	for i := 0; i < 10; i++ {
		next, err := EstimatePointToPlane(current, src, target.Points, target.Normals, nil, 0)
		require.NoError(t, err)
		current = next
	}
	assert.True(t, current.ApproxEqual(truth, 1e-8), "got %s want %s", current, truth)
	assert.InDelta(t, 1.0, current.Det(), 1e-12)
}

func TestEstimatePointToPlane_IllConditioned(t *testing.T) {
	// every point on the plane z=0 with the same normal leaves in-plane
	// motion unconstrained
	n := 20
	src := make([]r3.Vector, n)
	normals := make([]r3.Vector, n)
	for i := range src {
		src[i] = r3.Vector{X: float64(i % 5), Y: float64(i / 5)}
		normals[i] = r3.Vector{Z: 1}
	}
	current := RotationZDeg(5, r3.Vector{X: 1})

	got, err := EstimatePointToPlane(current, src, src, normals, nil, 0)
	assert.ErrorIs(t, err, ErrDegenerateInput)
	assert.Equal(t, current, got)
}

func TestEstimatePointToPlane_TooFew(t *testing.T) {
	pts := make([]r3.Vector, 5)
	_, err := EstimatePointToPlane(Identity(), pts, pts, pts, nil, 0)
	assert.ErrorIs(t, err, ErrDegenerateInput)

	_, err = EstimatePointToPlane(Identity(), pts, pts, pts[:4], nil, 0)
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}
