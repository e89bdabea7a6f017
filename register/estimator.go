package register

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// DefaultMaxConditionNumber bounds the point-to-plane normal equations.
const DefaultMaxConditionNumber = 1e10

// collinearRatio is the smallest accepted ratio between the second and the
// first singular value of the cross-covariance.
const collinearRatio = 1e-9

// EstimatePointToPoint returns the rigid transform minimizing
// Σ wᵢ‖R·srcᵢ + t − dstᵢ‖². weights may be nil for uniform weighting.
// Fewer than 3 pairs, zero total weight or collinear points yield
// ErrDegenerateInput.
func EstimatePointToPoint(src, dst []r3.Vector, weights []float64) (Transform, error) {
	n := len(src)
	if n != len(dst) || (weights != nil && len(weights) != n) {
		return Identity(), fmt.Errorf("%w: mismatched correspondence lengths", ErrInvalidConfiguration)
	}
	if n < 3 {
		return Identity(), fmt.Errorf("%w: %d correspondences, need at least 3", ErrDegenerateInput, n)
	}

	w := func(i int) float64 {
		if weights == nil {
			return 1
		}
		return weights[i]
	}

	var total float64
	var cs, cd r3.Vector
	for i := range src {
		wi := w(i)
		total += wi
		cs = cs.Add(src[i].Mul(wi))
		cd = cd.Add(dst[i].Mul(wi))
	}
	if total <= 0 {
		return Identity(), fmt.Errorf("%w: zero total weight", ErrDegenerateInput)
	}
	cs = cs.Mul(1 / total)
	cd = cd.Mul(1 / total)

	// Cross-covariance H = Σ w (s−cs)(d−cd)ᵀ
	h := mat.NewDense(3, 3, nil)
	for i := range src {
		wi := w(i)
		s := src[i].Sub(cs)
		d := dst[i].Sub(cd)
		sv := [3]float64{s.X, s.Y, s.Z}
		dv := [3]float64{d.X, d.Y, d.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+wi*sv[r]*dv[c])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Identity(), fmt.Errorf("%w: svd did not converge", ErrDegenerateInput)
	}
	values := svd.Values(nil)
	if values[0] <= 0 || values[1] <= collinearRatio*values[0] {
		return Identity(), fmt.Errorf("%w: points are collinear", ErrDegenerateInput)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = r.At(i, j)
		}
	}
	out.T = cd.Sub(out.Rotate(cs))
	return out, nil
}

// EstimatePointToPlane performs one linearized point-to-plane step. Source
// points are moved by current, the 6×6 normal equations for the small
// rotation ω and translation t are solved by Cholesky, and the increment is
// composed onto current. On failure current is returned unchanged together
// with an ErrDegenerateInput error. maxCond ≤ 0 selects
// DefaultMaxConditionNumber.
func EstimatePointToPlane(current Transform, src, dst, normals []r3.Vector, weights []float64, maxCond float64) (Transform, error) {
	n := len(src)
	if n != len(dst) || n != len(normals) || (weights != nil && len(weights) != n) {
		return current, fmt.Errorf("%w: mismatched correspondence lengths", ErrInvalidConfiguration)
	}
	if n < 6 {
		return current, fmt.Errorf("%w: %d correspondences, need at least 6", ErrDegenerateInput, n)
	}
	if maxCond <= 0 {
		maxCond = DefaultMaxConditionNumber
	}

	ata := mat.NewSymDense(6, nil)
	atb := mat.NewVecDense(6, nil)
	var row [6]float64
	for i := range src {
		wi := 1.0
		if weights != nil {
			wi = weights[i]
		}
		if wi <= 0 {
			continue
		}
		s := current.Apply(src[i])
		nrm := normals[i]
		c := s.Cross(nrm)
		row = [6]float64{c.X, c.Y, c.Z, nrm.X, nrm.Y, nrm.Z}
		residual := s.Sub(dst[i]).Dot(nrm)
		for a := 0; a < 6; a++ {
			for b := a; b < 6; b++ {
				ata.SetSym(a, b, ata.At(a, b)+wi*row[a]*row[b])
			}
			atb.SetVec(a, atb.AtVec(a)-wi*row[a]*residual)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(ata); !ok {
		return current, fmt.Errorf("%w: normal equations are not positive definite", ErrDegenerateInput)
	}
	if cond := chol.Cond(); math.IsInf(cond, 0) || math.IsNaN(cond) || cond > maxCond {
		return current, fmt.Errorf("%w: condition number %.3g exceeds %.3g", ErrDegenerateInput, cond, maxCond)
	}

	var x mat.VecDense
	if err := chol.SolveVecTo(&x, atb); err != nil {
		return current, fmt.Errorf("%w: solving normal equations: %v", ErrDegenerateInput, err)
	}

	omega := r3.Vector{X: x.AtVec(0), Y: x.AtVec(1), Z: x.AtVec(2)}
	t := r3.Vector{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	step := FromAxisAngle(omega, omega.Norm(), t)
	return step.Compose(current), nil
}
