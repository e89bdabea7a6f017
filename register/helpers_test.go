package register

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r3"

	"github.com/kwv/pointreg/cloud"
)

// ellipsoidCloud samples the surface of an ellipsoid with semi-axes (3,2,1)
// plus a bump on one side, with analytic normals. The bump breaks the
// ellipsoid's symmetries.
func ellipsoidCloud(n int, rng *rand.Rand) *cloud.PointCloud {
	a, b, c := 3.0, 2.0, 1.0
	pc := cloud.New(n)
	for pc.Len() < n {
		v := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
		if v.Norm() < 1e-9 {
			continue
		}
		u := v.Normalize()
		p := r3.Vector{X: a * u.X, Y: b * u.Y, Z: c * u.Z}
		if u.X > 0.6 && u.Y > 0.3 {
			p = p.Mul(1.2)
		}
		normal := r3.Vector{X: p.X / (a * a), Y: p.Y / (b * b), Z: p.Z / (c * c)}.Normalize()
		pc.InsertWithNormal(p, normal)
	}
	return pc
}

// blobCloud returns n points spread irregularly in a 4×2×1 box with a dense
// cluster near one corner.
func blobCloud(n int, rng *rand.Rand) *cloud.PointCloud {
	pc := cloud.New(n)
	for i := 0; i < n; i++ {
		if i%5 == 0 {
			pc.Insert(r3.Vector{X: 3.5 + 0.3*rng.Float64(), Y: 1.6 + 0.3*rng.Float64(), Z: 0.7 + 0.3*rng.Float64()})
			continue
		}
		pc.Insert(r3.Vector{X: 4 * rng.Float64(), Y: 2 * rng.Float64(), Z: rng.Float64()})
	}
	return pc
}

// unitCube returns the eight vertices of the unit cube.
func unitCube() *cloud.PointCloud {
	pc := cloud.New(8)
	for _, x := range []float64{0, 1} {
		for _, y := range []float64{0, 1} {
			for _, z := range []float64{0, 1} {
				pc.Insert(r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	return pc
}

func randomRotation(rng *rand.Rand) Transform {
	axis := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}
	return FromAxisAngle(axis, rng.Float64()*math.Pi, r3.Vector{
		X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64(),
	})
}

func deg(rad float64) float64 { return rad * 180 / math.Pi }
