package publish

import (
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"

	"github.com/kwv/pointreg/register"
)

// Pose is a rigid transform on the wire: a unit quaternion (w, x, y, z) and
// a translation. Published transforms carry one so a client can send it back
// as the starting pose of a later request.
type Pose struct {
	Rotation    [4]float64 `json:"rotation"`
	Translation [3]float64 `json:"translation"`
}

// PoseOf returns the pose of t.
func PoseOf(t register.Transform) Pose {
	q := t.Quaternion()
	return Pose{
		Rotation:    [4]float64{q.Real, q.Imag, q.Jmag, q.Kmag},
		Translation: [3]float64{t.T.X, t.T.Y, t.T.Z},
	}
}

// Transform converts p, normalizing the quaternion. A zero quaternion is an
// invalid configuration.
func (p Pose) Transform() (register.Transform, error) {
	q := quat.Number{Real: p.Rotation[0], Imag: p.Rotation[1], Jmag: p.Rotation[2], Kmag: p.Rotation[3]}
	if quat.Abs(q) < 1e-12 {
		return register.Identity(), fmt.Errorf("%w: initial rotation quaternion is zero", register.ErrInvalidConfiguration)
	}
	t := r3.Vector{X: p.Translation[0], Y: p.Translation[1], Z: p.Translation[2]}
	return register.FromQuaternion(q, t), nil
}
