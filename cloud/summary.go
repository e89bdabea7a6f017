package cloud

import (
	"cmp"
	"math"
	"slices"

	"github.com/golang/geo/r3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Summary describes a point cloud for the info mode and for reports.
type Summary struct {
	Points         int       `json:"points"`
	HasNormals     bool      `json:"hasNormals"`
	Bounds         Bounds    `json:"bounds"`
	Centroid       r3.Vector `json:"centroid"`
	Diameter       float64   `json:"diameter"`
	AverageSpacing float64   `json:"averageSpacing,omitempty"`
	// Footprint is the convex hull of the cloud projected onto the XY plane.
	Footprint     orb.Ring `json:"footprint,omitempty"`
	FootprintArea float64  `json:"footprintArea"`
}

// summarySpacingK is the neighbourhood size used for the spacing estimate.
const summarySpacingK = 6

// Summarize computes the descriptive statistics of pc.
func Summarize(pc *PointCloud) Summary {
	s := Summary{
		Points:     pc.Len(),
		HasNormals: pc.HasNormals(),
	}
	if pc.Len() == 0 {
		return s
	}
	s.Bounds = pc.Bounds()
	s.Centroid = pc.Centroid()
	s.Diameter = s.Bounds.Diagonal()
	if spacing, err := AverageSpacing(pc, summarySpacingK); err == nil {
		s.AverageSpacing = spacing
	}

	if ring := footprint(pc.Points); ring != nil {
		s.Footprint = ring
		s.FootprintArea = math.Abs(planar.Area(orb.Polygon{ring}))
	}
	return s
}

// footprint returns the closed, counter-clockwise XY convex hull of points,
// or nil when the projection has no area.
func footprint(points []r3.Vector) orb.Ring {
	flat := make([]orb.Point, len(points))
	for i, p := range points {
		flat[i] = orb.Point{p.X, p.Y}
	}
	slices.SortFunc(flat, func(a, b orb.Point) int {
		if c := cmp.Compare(a.X(), b.X()); c != 0 {
			return c
		}
		return cmp.Compare(a.Y(), b.Y())
	})
	flat = slices.Compact(flat)
	if len(flat) < 3 {
		return nil
	}

	lower := halfHull(flat)
	slices.Reverse(flat)
	upper := halfHull(flat)

	// each half ends where the other starts
	ring := make(orb.Ring, 0, len(lower)+len(upper)-1)
	ring = append(ring, lower[:len(lower)-1]...)
	ring = append(ring, upper...)
	if len(ring) < 4 {
		return nil
	}
	return ring
}

// halfHull walks sorted points keeping only left turns.
func halfHull(sorted []orb.Point) []orb.Point {
	var chain []orb.Point
	for _, p := range sorted {
		for len(chain) >= 2 && turn(chain[len(chain)-2], chain[len(chain)-1], p) <= 0 {
			chain = chain[:len(chain)-1]
		}
		chain = append(chain, p)
	}
	return chain
}

// turn is positive when o→a→b bends counter-clockwise.
func turn(o, a, b orb.Point) float64 {
	return (a.X()-o.X())*(b.Y()-o.Y()) - (a.Y()-o.Y())*(b.X()-o.X())
}
