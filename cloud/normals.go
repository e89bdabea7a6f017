package cloud

import (
	"context"
	"fmt"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/kwv/pointreg/internal/parallel"
)

// EstimateNormals fills pc.Normals with unoriented PCA normals computed from
// each point's k nearest neighbours (the point itself included). Points whose
// neighbourhood is too small or degenerate get a zero normal.
func EstimateNormals(ctx context.Context, pc *PointCloud, k int) error {
	if pc == nil {
		return fmt.Errorf("estimating normals: nil point cloud")
	}
	if k < 3 {
		return fmt.Errorf("estimating normals: k must be at least 3, got %d", k)
	}

	ix := NewIndex(pc.Points)
	normals := make([]r3.Vector, len(pc.Points))

	err := parallel.For(ctx, len(pc.Points), 0, func(ctx context.Context, lo, hi int) error {
		neighborhood := make([]r3.Vector, 0, k)
		for i := lo; i < hi; i++ {
			neighborhood = neighborhood[:0]
			for _, nb := range ix.KNearest(pc.Points[i], k) {
				neighborhood = append(neighborhood, pc.Points[nb.Index])
			}
			normals[i] = PlaneNormal(neighborhood)
		}
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("estimating normals: %w", err)
	}

	pc.Normals = normals
	return nil
}

// PlaneNormal returns the unit normal of the least-squares plane through
// points: the eigenvector of the covariance matrix with the smallest
// eigenvalue. It returns the zero vector for fewer than 3 points or when the
// decomposition fails.
func PlaneNormal(points []r3.Vector) r3.Vector {
	if len(points) < 3 {
		return r3.Vector{}
	}

	c := Centroid(points)
	var cov [6]float64 // xx xy xz yy yz zz
	for _, p := range points {
		d := p.Sub(c)
		cov[0] += d.X * d.X
		cov[1] += d.X * d.Y
		cov[2] += d.X * d.Z
		cov[3] += d.Y * d.Y
		cov[4] += d.Y * d.Z
		cov[5] += d.Z * d.Z
	}
	n := float64(len(points))
	for i := range cov {
		cov[i] /= n
	}

	covMat := mat.NewSymDense(3, []float64{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	})

	var eigen mat.EigenSym
	if ok := eigen.Factorize(covMat, true); !ok {
		return r3.Vector{}
	}
	var vecs mat.Dense
	eigen.VectorsTo(&vecs)

	// Eigenvalues are ascending, so column 0 is the normal direction.
	normal := r3.Vector{X: vecs.At(0, 0), Y: vecs.At(1, 0), Z: vecs.At(2, 0)}
	if normal.Norm2() == 0 {
		return r3.Vector{}
	}
	return normal.Normalize()
}

// OrientNormalsOutward flips normals so they point away from the centroid.
func OrientNormalsOutward(pc *PointCloud) {
	if !pc.HasNormals() {
		return
	}
	c := pc.Centroid()
	for i, p := range pc.Points {
		if pc.Normals[i].Dot(p.Sub(c)) < 0 {
			pc.Normals[i] = pc.Normals[i].Mul(-1)
		}
	}
}

// OrientNormalsTowards flips normals so they face the viewpoint, the usual
// convention for clouds captured by a single scanner.
func OrientNormalsTowards(pc *PointCloud, viewpoint r3.Vector) {
	if !pc.HasNormals() {
		return
	}
	for i, p := range pc.Points {
		if pc.Normals[i].Dot(viewpoint.Sub(p)) < 0 {
			pc.Normals[i] = pc.Normals[i].Mul(-1)
		}
	}
}
