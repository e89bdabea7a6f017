package cloud

import (
	"math"

	"github.com/golang/geo/r3"
)

// PointCloud is an ordered set of 3D positions with optional per-point normals.
// Normals is either nil or the same length as Points.
type PointCloud struct {
	Points  []r3.Vector `json:"points"`
	Normals []r3.Vector `json:"normals,omitempty"`
}

// New returns an empty point cloud with room for n points.
func New(n int) *PointCloud {
	return &PointCloud{Points: make([]r3.Vector, 0, n)}
}

// FromPoints wraps positions in a point cloud without normals.
func FromPoints(points []r3.Vector) *PointCloud {
	return &PointCloud{Points: points}
}

// Len returns the number of points
func (pc *PointCloud) Len() int {
	if pc == nil {
		return 0
	}
	return len(pc.Points)
}

// HasNormals reports whether every point carries a normal.
func (pc *PointCloud) HasNormals() bool {
	return pc != nil && len(pc.Points) > 0 && len(pc.Normals) == len(pc.Points)
}

// Insert appends a point without a normal. Inserting into a cloud that has
// normals drops the normal map, since it would no longer cover every point.
func (pc *PointCloud) Insert(p r3.Vector) {
	pc.Points = append(pc.Points, p)
	if pc.Normals != nil {
		pc.Normals = nil
	}
}

// InsertWithNormal appends a point and its normal.
func (pc *PointCloud) InsertWithNormal(p, n r3.Vector) {
	if len(pc.Normals) != len(pc.Points) {
		pc.Normals = make([]r3.Vector, len(pc.Points), cap(pc.Points))
	}
	pc.Points = append(pc.Points, p)
	pc.Normals = append(pc.Normals, n)
}

// Normal returns the normal at i, or the zero vector when the cloud has none.
func (pc *PointCloud) Normal(i int) r3.Vector {
	if !pc.HasNormals() {
		return r3.Vector{}
	}
	return pc.Normals[i]
}

// Clone returns a deep copy.
func (pc *PointCloud) Clone() *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(pc.Points))}
	copy(out.Points, pc.Points)
	if pc.Normals != nil {
		out.Normals = make([]r3.Vector, len(pc.Normals))
		copy(out.Normals, pc.Normals)
	}
	return out
}

// Subset returns a new cloud holding the points at the given indices.
func (pc *PointCloud) Subset(indices []int) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(indices))}
	hasNormals := pc.HasNormals()
	if hasNormals {
		out.Normals = make([]r3.Vector, len(indices))
	}
	for i, idx := range indices {
		out.Points[i] = pc.Points[idx]
		if hasNormals {
			out.Normals[i] = pc.Normals[idx]
		}
	}
	return out
}

// Centroid returns the mean position, or the origin for an empty cloud.
func (pc *PointCloud) Centroid() r3.Vector {
	return Centroid(pc.Points)
}

// Centroid calculates the mean of a set of points
func Centroid(points []r3.Vector) r3.Vector {
	if len(points) == 0 {
		return r3.Vector{}
	}
	var sum r3.Vector
	for _, p := range points {
		sum = sum.Add(p)
	}
	return sum.Mul(1 / float64(len(points)))
}

// Bounds is an axis-aligned bounding box.
type Bounds struct {
	Min r3.Vector `json:"min"`
	Max r3.Vector `json:"max"`
}

// Diagonal returns the length of the box diagonal.
func (b Bounds) Diagonal() float64 {
	return b.Max.Sub(b.Min).Norm()
}

// Bounds returns the axis-aligned bounding box of the cloud. An empty cloud
// yields a zero box.
func (pc *PointCloud) Bounds() Bounds {
	if pc.Len() == 0 {
		return Bounds{}
	}
	b := Bounds{
		Min: r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)},
		Max: r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)},
	}
	for _, p := range pc.Points {
		b.Min.X = math.Min(b.Min.X, p.X)
		b.Min.Y = math.Min(b.Min.Y, p.Y)
		b.Min.Z = math.Min(b.Min.Z, p.Z)
		b.Max.X = math.Max(b.Max.X, p.X)
		b.Max.Y = math.Max(b.Max.Y, p.Y)
		b.Max.Z = math.Max(b.Max.Z, p.Z)
	}
	return b
}

// Diameter is the bounding-box diagonal, the scale every distance tolerance
// in registration is expressed against.
func (pc *PointCloud) Diameter() float64 {
	return pc.Bounds().Diagonal()
}
