package register

import (
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/kwv/pointreg/cloud"
)

// Transform is a rigid motion: x' = R*x + T.
type Transform struct {
	R [3][3]float64 `json:"rotation" yaml:"rotation"`
	T r3.Vector     `json:"translation" yaml:"translation"`
}

// Identity returns the identity transform
func Identity() Transform {
	return Transform{R: [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// Translation creates a translation-only transform
func Translation(t r3.Vector) Transform {
	m := Identity()
	m.T = t
	return m
}

// FromAxisAngle creates a rotation of angle radians about axis (Rodrigues'
// formula) followed by translation t. A zero axis yields a pure translation.
func FromAxisAngle(axis r3.Vector, angle float64, t r3.Vector) Transform {
	if axis.Norm2() == 0 {
		return Translation(t)
	}
	a := axis.Normalize()
	c, s := math.Cos(angle), math.Sin(angle)
	v := 1 - c
	return Transform{
		R: [3][3]float64{
			{c + a.X*a.X*v, a.X*a.Y*v - a.Z*s, a.X*a.Z*v + a.Y*s},
			{a.Y*a.X*v + a.Z*s, c + a.Y*a.Y*v, a.Y*a.Z*v - a.X*s},
			{a.Z*a.X*v - a.Y*s, a.Z*a.Y*v + a.X*s, c + a.Z*a.Z*v},
		},
		T: t,
	}
}

// RotationZDeg creates a rotation about the z axis (degrees) followed by t.
func RotationZDeg(degrees float64, t r3.Vector) Transform {
	return FromAxisAngle(r3.Vector{Z: 1}, degrees*math.Pi/180, t)
}

// FromQuaternion builds a transform from a unit quaternion and translation.
// The quaternion is normalized first.
func FromQuaternion(q quat.Number, t r3.Vector) Transform {
	n := quat.Abs(q)
	if n == 0 {
		return Translation(t)
	}
	q = quat.Scale(1/n, q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return Transform{
		R: [3][3]float64{
			{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
			{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
			{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
		},
		T: t,
	}
}

// Apply transforms a point
func (m Transform) Apply(p r3.Vector) r3.Vector {
	return m.Rotate(p).Add(m.T)
}

// Rotate applies only the rotation, as for normals and directions.
func (m Transform) Rotate(v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.R[0][0]*v.X + m.R[0][1]*v.Y + m.R[0][2]*v.Z,
		Y: m.R[1][0]*v.X + m.R[1][1]*v.Y + m.R[1][2]*v.Z,
		Z: m.R[2][0]*v.X + m.R[2][1]*v.Y + m.R[2][2]*v.Z,
	}
}

// ApplyPoints transforms every point into a new slice
func (m Transform) ApplyPoints(points []r3.Vector) []r3.Vector {
	out := make([]r3.Vector, len(points))
	for i, p := range points {
		out[i] = m.Apply(p)
	}
	return out
}

// ApplyToCloud returns a transformed copy of pc; normals are rotated.
func (m Transform) ApplyToCloud(pc *cloud.PointCloud) *cloud.PointCloud {
	return pc.Transformed(m.Apply, m.Rotate)
}

// Compose returns m∘o: applying the result equals applying o first, then m.
// The rotation is re-orthonormalized so errors do not accumulate.
func (m Transform) Compose(o Transform) Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = m.R[i][0]*o.R[0][j] + m.R[i][1]*o.R[1][j] + m.R[i][2]*o.R[2][j]
		}
	}
	out.T = m.Rotate(o.T).Add(m.T)
	return out.Orthonormalize()
}

// Inverse returns the inverse rigid motion: Rᵀ and -Rᵀ·T.
func (m Transform) Inverse() Transform {
	var out Transform
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = m.R[j][i]
		}
	}
	out.T = out.Rotate(m.T).Mul(-1)
	return out
}

// Orthonormalize projects R onto the nearest rotation (U·Vᵀ from its SVD,
// with a reflection fix so det = +1).
func (m Transform) Orthonormalize() Transform {
	a := mat.NewDense(3, 3, []float64{
		m.R[0][0], m.R[0][1], m.R[0][2],
		m.R[1][0], m.R[1][1], m.R[1][2],
		m.R[2][0], m.R[2][1], m.R[2][2],
	})
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return m
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		// flip the singular vector of the smallest singular value
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}

	out := m
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.R[i][j] = r.At(i, j)
		}
	}
	return out
}

// Det returns the determinant of the rotation block.
func (m Transform) Det() float64 {
	r := m.R
	return r[0][0]*(r[1][1]*r[2][2]-r[1][2]*r[2][1]) -
		r[0][1]*(r[1][0]*r[2][2]-r[1][2]*r[2][0]) +
		r[0][2]*(r[1][0]*r[2][1]-r[1][1]*r[2][0])
}

// Angle returns the rotation angle in radians, in [0, π].
func (m Transform) Angle() float64 {
	c := (m.R[0][0] + m.R[1][1] + m.R[2][2] - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, c)))
}

// AngleDeg returns the rotation angle in degrees
func (m Transform) AngleDeg() float64 {
	return m.Angle() * 180 / math.Pi
}

// Quaternion returns the unit quaternion of the rotation with a
// non-negative real part.
func (m Transform) Quaternion() quat.Number {
	r := m.R
	var q quat.Number
	trace := r[0][0] + r[1][1] + r[2][2]
	switch {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (r[2][1] - r[1][2]) * s, Jmag: (r[0][2] - r[2][0]) * s, Kmag: (r[1][0] - r[0][1]) * s}
	case r[0][0] > r[1][1] && r[0][0] > r[2][2]:
		s := 2 * math.Sqrt(1+r[0][0]-r[1][1]-r[2][2])
		q = quat.Number{Real: (r[2][1] - r[1][2]) / s, Imag: 0.25 * s, Jmag: (r[0][1] + r[1][0]) / s, Kmag: (r[0][2] + r[2][0]) / s}
	case r[1][1] > r[2][2]:
		s := 2 * math.Sqrt(1+r[1][1]-r[0][0]-r[2][2])
		q = quat.Number{Real: (r[0][2] - r[2][0]) / s, Imag: (r[0][1] + r[1][0]) / s, Jmag: 0.25 * s, Kmag: (r[1][2] + r[2][1]) / s}
	default:
		s := 2 * math.Sqrt(1+r[2][2]-r[0][0]-r[1][1])
		q = quat.Number{Real: (r[1][0] - r[0][1]) / s, Imag: (r[0][2] + r[2][0]) / s, Jmag: (r[1][2] + r[2][1]) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	if n := quat.Abs(q); n > 0 {
		q = quat.Scale(1/n, q)
	}
	return q
}

// AxisAngle returns the unit rotation axis and angle in radians. The axis of
// the identity rotation is reported as +z.
func (m Transform) AxisAngle() (r3.Vector, float64) {
	q := m.Quaternion()
	axis := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sin := axis.Norm()
	if sin < 1e-12 {
		return r3.Vector{Z: 1}, 0
	}
	return axis.Mul(1 / sin), 2 * math.Atan2(sin, q.Real)
}

// Matrix4 returns the homogeneous 4×4 row-major form.
func (m Transform) Matrix4() [4][4]float64 {
	return [4][4]float64{
		{m.R[0][0], m.R[0][1], m.R[0][2], m.T.X},
		{m.R[1][0], m.R[1][1], m.R[1][2], m.T.Y},
		{m.R[2][0], m.R[2][1], m.R[2][2], m.T.Z},
		{0, 0, 0, 1},
	}
}

func (m Transform) String() string {
	axis, angle := m.AxisAngle()
	return fmt.Sprintf("rotate %.4f° about (%.4f, %.4f, %.4f), translate (%.6g, %.6g, %.6g)",
		angle*180/math.Pi, axis.X, axis.Y, axis.Z, m.T.X, m.T.Y, m.T.Z)
}

// ApproxEqual reports whether every rotation entry and translation component
// differ by at most tol.
func (m Transform) ApproxEqual(o Transform, tol float64) bool {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			if math.Abs(m.R[i][j]-o.R[i][j]) > tol {
				return false
			}
		}
	}
	return m.T.Sub(o.T).Norm() <= tol
}

// Delta returns the rotation angle (radians) and translation length of the
// relative motion from m to o.
func (m Transform) Delta(o Transform) (angle, translation float64) {
	rel := o.Compose(m.Inverse())
	return rel.Angle(), rel.T.Norm()
}
