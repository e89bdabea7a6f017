package cloud

import (
	"math"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/spatial/kdtree"
)

// Neighbor is a query hit: the point's index in the indexed slice and its
// squared distance to the query.
type Neighbor struct {
	Index  int
	SqDist float64
}

// Index answers nearest-neighbour queries over a fixed set of points.
// It is immutable once built and safe for concurrent queries; rebuild it if
// the underlying points change.
type Index struct {
	tree *kdtree.Tree
	n    int
}

// NewIndex builds a k-d tree over points. The input slice is not retained.
func NewIndex(points []r3.Vector) *Index {
	if len(points) == 0 {
		return &Index{}
	}
	items := make(indexedPoints, len(points))
	for i, p := range points {
		items[i] = indexedPoint{Vector: p, idx: i}
	}
	return &Index{tree: kdtree.New(items, false), n: len(points)}
}

// Len returns the number of indexed points
func (ix *Index) Len() int {
	return ix.n
}

// Nearest returns the closest indexed point to q. ok is false when the index
// is empty.
func (ix *Index) Nearest(q r3.Vector) (idx int, sqDist float64, ok bool) {
	if ix.n == 0 {
		return -1, math.Inf(1), false
	}
	c, d := ix.tree.Nearest(indexedPoint{Vector: q, idx: -1})
	if c == nil {
		return -1, math.Inf(1), false
	}
	return c.(indexedPoint).idx, d, true
}

// KNearest returns up to k neighbours of q ordered by ascending distance.
// Asking for more neighbours than there are points returns all of them.
func (ix *Index) KNearest(q r3.Vector, k int) []Neighbor {
	if ix.n == 0 || k <= 0 {
		return nil
	}
	if k > ix.n {
		k = ix.n
	}
	keep := kdtree.NewNKeeper(k)
	ix.tree.NearestSet(keep, indexedPoint{Vector: q, idx: -1})
	return collect(keep.Heap)
}

// Radius returns every indexed point within distance r of q, ordered by
// ascending distance.
func (ix *Index) Radius(q r3.Vector, r float64) []Neighbor {
	if ix.n == 0 || r < 0 {
		return nil
	}
	keep := kdtree.NewDistKeeper(r * r)
	ix.tree.NearestSet(keep, indexedPoint{Vector: q, idx: -1})
	return collect(keep.Heap)
}

// collect drops keeper sentinels and sorts hits nearest first, breaking ties
// by index so results are deterministic with duplicate points.
func collect(h kdtree.Heap) []Neighbor {
	out := make([]Neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, Neighbor{Index: cd.Comparable.(indexedPoint).idx, SqDist: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SqDist != out[j].SqDist {
			return out[i].SqDist < out[j].SqDist
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// indexedPoint is a kdtree.Comparable that remembers its position in the
// original slice.
type indexedPoint struct {
	r3.Vector
	idx int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	}
	panic("cloud: illegal dimension")
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return p.Sub(c.(indexedPoint).Vector).Norm2()
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{Dim: d, indexedPoints: p}.Pivot()
}

// plane sorts points along a single dimension for median selection.
type plane struct {
	kdtree.Dim
	indexedPoints
}

func (p plane) Less(i, j int) bool {
	return p.indexedPoints[i].Compare(p.indexedPoints[j], p.Dim) < 0
}
func (p plane) Swap(i, j int) {
	p.indexedPoints[i], p.indexedPoints[j] = p.indexedPoints[j], p.indexedPoints[i]
}
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{Dim: p.Dim, indexedPoints: p.indexedPoints[start:end]}
}
func (p plane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfMedians(p))
}
