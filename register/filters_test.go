package register

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kwv/pointreg/cloud"
)

func lineCloud(n int) *cloud.PointCloud {
	pc := cloud.New(n)
	for i := 0; i < n; i++ {
		pc.Insert(r3.Vector{X: float64(i)})
	}
	return pc
}

func TestPointSetFilter_Apply(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	pc := lineCloud(100)

	out, err := PointSetFilter{Kind: MaxDistPointFilter, Dist: 9.5}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Len())

	out, err = PointSetFilter{Kind: MinDistPointFilter, Dist: 90}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Len())
	assert.Equal(t, 90.0, out.Points[0].X)

	out, err = PointSetFilter{Kind: MaxPointCountFilter, Count: 25}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 25, out.Len())
	for i := 1; i < out.Len(); i++ {
		assert.Less(t, out.Points[i-1].X, out.Points[i].X, "order is kept")
	}

	out, err = PointSetFilter{Kind: MaxPointCountFilter, Count: 500}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Len())

	out, err = PointSetFilter{Kind: RandomSamplingFilter, Prob: 1}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 100, out.Len())

	out, err = PointSetFilter{Kind: RandomSamplingFilter, Prob: 0.5}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Greater(t, out.Len(), 25)
	assert.Less(t, out.Len(), 75)

	out, err = PointSetFilter{Kind: VoxelGridFilter, Size: 10}.Apply(pc, rng)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Len())
}

func TestPointSetFilter_Validate(t *testing.T) {
	for _, f := range []PointSetFilter{
		{Kind: RandomSamplingFilter, Prob: 0},
		{Kind: RandomSamplingFilter, Prob: 1.5},
		{Kind: MaxPointCountFilter},
		{Kind: MaxDistPointFilter, Dist: -1},
		{Kind: VoxelGridFilter},
		{Kind: "bogus"},
	} {
		assert.ErrorIs(t, f.validate(), ErrInvalidConfiguration, "%+v", f)
	}
}

func TestPointSetFilter_UnmarshalYAML(t *testing.T) {
	var filters []PointSetFilter
	require.NoError(t, yaml.Unmarshal([]byte(`
- kind: RandomSamplingDataPointsFilter
  prob: 0.3
- kind: voxelGrid
  size: 0.05
`), &filters))
	assert.Equal(t, []PointSetFilter{
		{Kind: RandomSamplingFilter, Prob: 0.3},
		{Kind: VoxelGridFilter, Size: 0.05},
	}, filters)

	assert.Error(t, yaml.Unmarshal([]byte("- kind: SmoothingFilter\n"), &filters))
}

func TestOutlierFilter_UnmarshalYAML(t *testing.T) {
	var filters []OutlierFilter
	require.NoError(t, yaml.Unmarshal([]byte(`
- kind: TrimmedDistOutlierFilter
  ratio: 0.8
- kind: SurfaceNormalOutlierFilter
  maxAngle: 30
- kind: maxDist
  maxDist: 0.5
`), &filters))
	assert.Equal(t, []OutlierFilter{
		{Kind: TrimmedOutlierFilter, Ratio: 0.8},
		{Kind: SurfaceNormalOutlierFilter, MaxAngleDeg: 30},
		{Kind: MaxDistOutlierFilter, MaxDist: 0.5},
	}, filters)
}

func testMatches() []Correspondence {
	return []Correspondence{
		{Source: 0, Target: 0, SqDist: 0.25, Weight: 1},
		{Source: 1, Target: 1, SqDist: 4, Weight: 1},
		{Source: 2, Target: 2, SqDist: 0.01, Weight: 1},
		{Source: 3, Target: 3, SqDist: 1, Weight: 1},
	}
}

func TestOutlierFilter_MaxDist(t *testing.T) {
	got := OutlierFilter{Kind: MaxDistOutlierFilter, MaxDist: 1}.filter(testMatches(), nil, nil, Identity())
	require.Len(t, got, 3)
	for _, m := range got {
		assert.NotEqual(t, 1, m.Source)
	}
}

func TestOutlierFilter_Trimmed(t *testing.T) {
	got := OutlierFilter{Kind: TrimmedOutlierFilter, Ratio: 0.5}.filter(testMatches(), nil, nil, Identity())
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0].Source)
	assert.Equal(t, 2, got[1].Source)

	got = OutlierFilter{Kind: TrimmedOutlierFilter, Ratio: 1}.filter(testMatches(), nil, nil, Identity())
	assert.Len(t, got, 4)
}

func TestOutlierFilter_SurfaceNormal(t *testing.T) {
	src := cloud.New(2)
	src.InsertWithNormal(r3.Vector{}, r3.Vector{Z: 1})
	src.InsertWithNormal(r3.Vector{X: 1}, r3.Vector{Z: 1})
	tgt := cloud.New(2)
	tgt.InsertWithNormal(r3.Vector{}, r3.Vector{Z: -1})
	tgt.InsertWithNormal(r3.Vector{X: 1}, r3.Vector{X: 1})

	matches := []Correspondence{{Source: 0, Target: 0, Weight: 1}, {Source: 1, Target: 1, Weight: 1}}
	got := OutlierFilter{Kind: SurfaceNormalOutlierFilter, MaxAngleDeg: 30}.filter(matches, src, tgt, Identity())
	require.Len(t, got, 1, "flipped normals still agree")
	assert.Equal(t, 0, got[0].Source)

	// the current rotation is applied to source normals first
	matches = []Correspondence{{Source: 1, Target: 1, Weight: 1}}
	rot := FromAxisAngle(r3.Vector{Y: 1}, 1.5707963267948966, r3.Vector{})
	got = OutlierFilter{Kind: SurfaceNormalOutlierFilter, MaxAngleDeg: 30}.filter(matches, src, tgt, rot)
	assert.Len(t, got, 1)

	// no normals: nothing is filtered
	got = OutlierFilter{Kind: SurfaceNormalOutlierFilter, MaxAngleDeg: 1}.filter(testMatches(), lineCloud(4), lineCloud(4), Identity())
	assert.Len(t, got, 4)
}
