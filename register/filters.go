package register

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kwv/pointreg/cloud"
)

// PointSetFilterKind selects a reading-cloud filter applied once before ICP.
type PointSetFilterKind string

const (
	RandomSamplingFilter PointSetFilterKind = "randomSampling"
	MaxPointCountFilter  PointSetFilterKind = "maxPointCount"
	MaxDistPointFilter   PointSetFilterKind = "maxDist"
	MinDistPointFilter   PointSetFilterKind = "minDist"
	VoxelGridFilter      PointSetFilterKind = "voxelGrid"
)

var pointSetFilterAliases = map[string]PointSetFilterKind{
	"randomsampling":                 RandomSamplingFilter,
	"randomsamplingdatapointsfilter": RandomSamplingFilter,
	"maxpointcount":                  MaxPointCountFilter,
	"maxpointcountdatapointsfilter":  MaxPointCountFilter,
	"maxdist":                        MaxDistPointFilter,
	"maxdistdatapointsfilter":        MaxDistPointFilter,
	"mindist":                        MinDistPointFilter,
	"mindistdatapointsfilter":        MinDistPointFilter,
	"voxelgrid":                      VoxelGridFilter,
	"voxelgriddatapointsfilter":      VoxelGridFilter,
}

// UnmarshalYAML accepts both short kinds and libpointmatcher filter names.
func (k *PointSetFilterKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind, ok := pointSetFilterAliases[strings.ToLower(s)]
	if !ok {
		return fmt.Errorf("unknown point set filter %q", s)
	}
	*k = kind
	return nil
}

// PointSetFilter is a tagged variant; only the fields of its Kind are used.
type PointSetFilter struct {
	Kind  PointSetFilterKind `yaml:"kind" json:"kind"`
	Prob  float64            `yaml:"prob,omitempty" json:"prob,omitempty"`
	Count int                `yaml:"count,omitempty" json:"count,omitempty"`
	Dist  float64            `yaml:"dist,omitempty" json:"dist,omitempty"`
	Size  float64            `yaml:"size,omitempty" json:"size,omitempty"`
}

func (f PointSetFilter) validate() error {
	switch f.Kind {
	case RandomSamplingFilter:
		if f.Prob <= 0 || f.Prob > 1 {
			return fmt.Errorf("%w: randomSampling prob must be in (0,1], got %g", ErrInvalidConfiguration, f.Prob)
		}
	case MaxPointCountFilter:
		if f.Count < 1 {
			return fmt.Errorf("%w: maxPointCount count must be positive, got %d", ErrInvalidConfiguration, f.Count)
		}
	case MaxDistPointFilter, MinDistPointFilter:
		if f.Dist < 0 {
			return fmt.Errorf("%w: %s dist must be non-negative, got %g", ErrInvalidConfiguration, f.Kind, f.Dist)
		}
	case VoxelGridFilter:
		if f.Size <= 0 {
			return fmt.Errorf("%w: voxelGrid size must be positive, got %g", ErrInvalidConfiguration, f.Size)
		}
	default:
		return fmt.Errorf("%w: unknown point set filter %q", ErrInvalidConfiguration, f.Kind)
	}
	return nil
}

// Apply returns the filtered cloud. Distances for maxDist/minDist are
// measured from the origin, the sensor position of a raw scan.
func (f PointSetFilter) Apply(pc *cloud.PointCloud, rng *rand.Rand) (*cloud.PointCloud, error) {
	switch f.Kind {
	case RandomSamplingFilter:
		keep := make([]int, 0, int(float64(pc.Len())*f.Prob)+1)
		for i := range pc.Points {
			if rng.Float64() < f.Prob {
				keep = append(keep, i)
			}
		}
		return pc.Subset(keep), nil
	case MaxPointCountFilter:
		if pc.Len() <= f.Count {
			return pc, nil
		}
		keep := rng.Perm(pc.Len())[:f.Count]
		sort.Ints(keep)
		return pc.Subset(keep), nil
	case MaxDistPointFilter, MinDistPointFilter:
		keep := make([]int, 0, pc.Len())
		for i, p := range pc.Points {
			d := p.Norm()
			if (f.Kind == MaxDistPointFilter && d <= f.Dist) || (f.Kind == MinDistPointFilter && d >= f.Dist) {
				keep = append(keep, i)
			}
		}
		return pc.Subset(keep), nil
	case VoxelGridFilter:
		return cloud.GridSimplify(pc, f.Size)
	}
	return nil, fmt.Errorf("%w: unknown point set filter %q", ErrInvalidConfiguration, f.Kind)
}

// OutlierFilterKind selects a per-iteration correspondence filter.
type OutlierFilterKind string

const (
	MaxDistOutlierFilter       OutlierFilterKind = "maxDist"
	TrimmedOutlierFilter       OutlierFilterKind = "trimmed"
	SurfaceNormalOutlierFilter OutlierFilterKind = "surfaceNormal"
)

var outlierFilterAliases = map[string]OutlierFilterKind{
	"maxdist":                    MaxDistOutlierFilter,
	"maxdistoutlierfilter":       MaxDistOutlierFilter,
	"trimmed":                    TrimmedOutlierFilter,
	"trimmeddistoutlierfilter":   TrimmedOutlierFilter,
	"surfacenormal":              SurfaceNormalOutlierFilter,
	"surfacenormaloutlierfilter": SurfaceNormalOutlierFilter,
}

// UnmarshalYAML accepts both short kinds and libpointmatcher filter names.
func (k *OutlierFilterKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind, ok := outlierFilterAliases[strings.ToLower(s)]
	if !ok {
		return fmt.Errorf("unknown outlier filter %q", s)
	}
	*k = kind
	return nil
}

// OutlierFilter is a tagged variant; only the fields of its Kind are used.
type OutlierFilter struct {
	Kind        OutlierFilterKind `yaml:"kind" json:"kind"`
	MaxDist     float64           `yaml:"maxDist,omitempty" json:"maxDist,omitempty"`
	Ratio       float64           `yaml:"ratio,omitempty" json:"ratio,omitempty"`
	MaxAngleDeg float64           `yaml:"maxAngle,omitempty" json:"maxAngle,omitempty"`
}

func (f OutlierFilter) validate() error {
	switch f.Kind {
	case MaxDistOutlierFilter:
		if f.MaxDist <= 0 {
			return fmt.Errorf("%w: maxDist outlier filter needs a positive distance, got %g", ErrInvalidConfiguration, f.MaxDist)
		}
	case TrimmedOutlierFilter:
		if f.Ratio <= 0 || f.Ratio > 1 {
			return fmt.Errorf("%w: trimmed ratio must be in (0,1], got %g", ErrInvalidConfiguration, f.Ratio)
		}
	case SurfaceNormalOutlierFilter:
		if f.MaxAngleDeg < 0 || f.MaxAngleDeg > 180 {
			return fmt.Errorf("%w: surfaceNormal maxAngle must be in [0,180], got %g", ErrInvalidConfiguration, f.MaxAngleDeg)
		}
	default:
		return fmt.Errorf("%w: unknown outlier filter %q", ErrInvalidConfiguration, f.Kind)
	}
	return nil
}

// Correspondence pairs a source point with a target point for one ICP
// iteration.
type Correspondence struct {
	Source int
	Target int
	SqDist float64
	Weight float64
}

// filter keeps the correspondences that pass f. Normals are looked up only
// for surfaceNormal and the filter is a no-op when either cloud lacks them.
func (f OutlierFilter) filter(matches []Correspondence, src, tgt *cloud.PointCloud, current Transform) []Correspondence {
	switch f.Kind {
	case MaxDistOutlierFilter:
		limit := f.MaxDist * f.MaxDist
		out := matches[:0]
		for _, m := range matches {
			if m.SqDist <= limit {
				out = append(out, m)
			}
		}
		return out
	case TrimmedOutlierFilter:
		keep := int(math.Ceil(float64(len(matches)) * f.Ratio))
		if keep >= len(matches) {
			return matches
		}
		sort.SliceStable(matches, func(i, j int) bool { return matches[i].SqDist < matches[j].SqDist })
		matches = matches[:keep]
		sort.SliceStable(matches, func(i, j int) bool {
			if matches[i].Source != matches[j].Source {
				return matches[i].Source < matches[j].Source
			}
			return matches[i].Target < matches[j].Target
		})
		return matches
	case SurfaceNormalOutlierFilter:
		if !src.HasNormals() || !tgt.HasNormals() {
			return matches
		}
		minCos := math.Cos(f.MaxAngleDeg * math.Pi / 180)
		out := matches[:0]
		for _, m := range matches {
			a := current.Rotate(src.Normals[m.Source])
			b := tgt.Normals[m.Target]
			na, nb := a.Norm(), b.Norm()
			if na == 0 || nb == 0 {
				continue
			}
			if math.Abs(a.Dot(b))/(na*nb) >= minCos {
				out = append(out, m)
			}
		}
		return out
	}
	return matches
}
