package cloud

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
)

// AverageSpacing returns the mean, over all points, of the average distance to
// each point's k nearest neighbours (the point itself excluded).
func AverageSpacing(pc *PointCloud, k int) (float64, error) {
	if pc.Len() < 2 {
		return 0, fmt.Errorf("average spacing needs at least 2 points, got %d", pc.Len())
	}
	if k < 1 {
		return 0, fmt.Errorf("average spacing: k must be positive, got %d", k)
	}

	ix := NewIndex(pc.Points)
	var total float64
	for _, p := range pc.Points {
		nbs := ix.KNearest(p, k+1)
		var sum float64
		var count int
		for _, nb := range nbs[1:] {
			sum += math.Sqrt(nb.SqDist)
			count++
		}
		total += sum / float64(count)
	}
	return total / float64(pc.Len()), nil
}

// GridSimplify keeps one point per cubic cell of size epsilon, the first one
// encountered in cloud order. Normals are carried along.
func GridSimplify(pc *PointCloud, epsilon float64) (*PointCloud, error) {
	if epsilon <= 0 {
		return nil, fmt.Errorf("grid simplify: epsilon must be positive, got %g", epsilon)
	}

	type cell struct{ x, y, z int64 }
	seen := make(map[cell]struct{}, pc.Len())
	keep := make([]int, 0, pc.Len())
	for i, p := range pc.Points {
		c := cell{
			x: int64(math.Floor(p.X / epsilon)),
			y: int64(math.Floor(p.Y / epsilon)),
			z: int64(math.Floor(p.Z / epsilon)),
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		keep = append(keep, i)
	}
	return pc.Subset(keep), nil
}

// RandomSimplify removes removedPercentage percent of the points, chosen at
// random. Surviving points keep their relative order.
func RandomSimplify(pc *PointCloud, removedPercentage float64, rng *rand.Rand) (*PointCloud, error) {
	if removedPercentage < 0 || removedPercentage > 100 {
		return nil, fmt.Errorf("random simplify: percentage must be in [0,100], got %g", removedPercentage)
	}
	n := pc.Len()
	remove := int(math.Round(float64(n) * removedPercentage / 100))
	perm := rng.Perm(n)
	keep := perm[remove:]
	sort.Ints(keep)
	return pc.Subset(keep), nil
}

// RemoveOutliers scores every point by its average squared distance to its k
// nearest neighbours and drops the worst-scoring ones. At most
// thresholdPercent percent of the points are removed, and only those whose
// score exceeds thresholdDistance squared; pass 0 to rely on the percentage
// alone.
func RemoveOutliers(pc *PointCloud, k int, thresholdPercent, thresholdDistance float64) (*PointCloud, error) {
	if k < 1 {
		return nil, fmt.Errorf("remove outliers: k must be positive, got %d", k)
	}
	if thresholdPercent < 0 || thresholdPercent > 100 {
		return nil, fmt.Errorf("remove outliers: percentage must be in [0,100], got %g", thresholdPercent)
	}
	n := pc.Len()
	if n == 0 {
		return pc.Clone(), nil
	}

	ix := NewIndex(pc.Points)
	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, n)
	for i, p := range pc.Points {
		nbs := ix.KNearest(p, k+1)
		var sum float64
		for _, nb := range nbs[1:] {
			sum += nb.SqDist
		}
		if len(nbs) > 1 {
			sum /= float64(len(nbs) - 1)
		}
		scores[i] = scored{idx: i, score: sum}
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].score > scores[j].score })

	limit := int(float64(n) * thresholdPercent / 100)
	minScore := thresholdDistance * thresholdDistance
	drop := make(map[int]bool, limit)
	for _, s := range scores[:limit] {
		if s.score <= minScore {
			break
		}
		drop[s.idx] = true
	}

	keep := make([]int, 0, n-len(drop))
	for i := 0; i < n; i++ {
		if !drop[i] {
			keep = append(keep, i)
		}
	}
	return pc.Subset(keep), nil
}

// Transformed returns a copy of pc with fn applied to every point and rot to
// every normal.
func (pc *PointCloud) Transformed(fn func(r3.Vector) r3.Vector, rot func(r3.Vector) r3.Vector) *PointCloud {
	out := &PointCloud{Points: make([]r3.Vector, len(pc.Points))}
	for i, p := range pc.Points {
		out.Points[i] = fn(p)
	}
	if pc.HasNormals() {
		out.Normals = make([]r3.Vector, len(pc.Normals))
		for i, n := range pc.Normals {
			out.Normals[i] = rot(n)
		}
	}
	return out
}
