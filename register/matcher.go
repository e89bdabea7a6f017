package register

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/golang/geo/r3"

	"github.com/kwv/pointreg/cloud"
	"github.com/kwv/pointreg/internal/parallel"
)

// Accuracy outside [minAccuracyRatio, maxAccuracyRatio]·diameter is clamped.
const (
	minAccuracyRatio = 0.005
	maxAccuracyRatio = 0.05
)

const (
	baseTripleTries  = 64 // random triangles drawn per round
	minCandidateCap  = 256
	scoreEpsilon     = 1e-9
	minVerifyPoints  = 1000
	rmsTieBreakRatio = 0.01
)

// GlobalConfig holds configuration for congruent-set global registration.
type GlobalConfig struct {
	NumberOfSamples        int           `yaml:"numberOfSamples" json:"numberOfSamples"`
	Accuracy               float64       `yaml:"accuracy" json:"accuracy"`
	MaximumNormalDeviation float64       `yaml:"maximumNormalDeviation" json:"maximumNormalDeviation"` // degrees
	Overlap                float64       `yaml:"overlap" json:"overlap"`
	MaximumRunningTime     time.Duration `yaml:"maximumRunningTime" json:"maximumRunningTime"`
	MaxCandidatesPerRound  int           `yaml:"maxCandidatesPerRound" json:"maxCandidatesPerRound"`
	// SampleSize bounds the source and target subsets used for base
	// sampling and congruent-set search.
	SampleSize int   `yaml:"sampleSize" json:"sampleSize"`
	Seed       int64 `yaml:"seed" json:"seed"`
	Workers    int   `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// DefaultGlobalConfig returns the usual OpenGR defaults.
func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		NumberOfSamples:        200,
		Accuracy:               5,
		MaximumNormalDeviation: 90,
		Overlap:                0.2,
		MaximumRunningTime:     1000 * time.Second,
		MaxCandidatesPerRound:  2000,
		SampleSize:             200,
		Seed:                   1,
	}
}

// Validate reports the first out-of-range parameter.
func (c GlobalConfig) Validate() error {
	switch {
	case c.NumberOfSamples < 1:
		return fmt.Errorf("%w: numberOfSamples must be at least 1, got %d", ErrInvalidConfiguration, c.NumberOfSamples)
	case !(c.Accuracy > 0) || math.IsInf(c.Accuracy, 0):
		return fmt.Errorf("%w: accuracy must be positive, got %g", ErrInvalidConfiguration, c.Accuracy)
	case !(c.Overlap > 0 && c.Overlap <= 1):
		return fmt.Errorf("%w: overlap must be in (0,1], got %g", ErrInvalidConfiguration, c.Overlap)
	case c.MaximumRunningTime <= 0:
		return fmt.Errorf("%w: maximumRunningTime must be positive, got %s", ErrInvalidConfiguration, c.MaximumRunningTime)
	case c.MaximumNormalDeviation < 0 || c.MaximumNormalDeviation > 180:
		return fmt.Errorf("%w: maximumNormalDeviation must be in [0,180], got %g", ErrInvalidConfiguration, c.MaximumNormalDeviation)
	case c.MaxCandidatesPerRound < 1:
		return fmt.Errorf("%w: maxCandidatesPerRound must be positive, got %d", ErrInvalidConfiguration, c.MaxCandidatesPerRound)
	case c.SampleSize < 4:
		return fmt.Errorf("%w: sampleSize must be at least 4, got %d", ErrInvalidConfiguration, c.SampleSize)
	}
	return nil
}

// GlobalStatus tells how a global registration ended.
type GlobalStatus string

const (
	GlobalMatched     GlobalStatus = "matched"
	GlobalNoCandidate GlobalStatus = "no_candidate"
	GlobalTimedOut    GlobalStatus = "timed_out"
	GlobalCanceled    GlobalStatus = "canceled"
)

// GlobalResult contains the best alignment found by RegisterGlobal.
type GlobalResult struct {
	Transform         Transform     `json:"transform"`
	Score             float64       `json:"score"` // fraction of target points explained, in [0,1]
	RMS               float64       `json:"rms"`
	Status            GlobalStatus  `json:"status"`
	Rounds            int           `json:"rounds"`
	BestRound         int           `json:"bestRound"`
	Candidates        int           `json:"candidates"`
	EffectiveAccuracy float64       `json:"effectiveAccuracy"`
	Elapsed           time.Duration `json:"elapsed"`
}

// candidate is a verified transform from one round.
type candidate struct {
	transform Transform
	score     float64
	rms       float64
	angle     float64
	round     int
	valid     bool
}

// better reports whether a beats b: higher score, then lower RMS, then the
// smaller rotation, then the earlier round.
func better(a, b candidate, accuracy float64) bool {
	if !b.valid {
		return a.valid
	}
	if !a.valid {
		return false
	}
	if math.Abs(a.score-b.score) > scoreEpsilon {
		return a.score > b.score
	}
	if math.Abs(a.rms-b.rms) > rmsTieBreakRatio*accuracy {
		return a.rms < b.rms
	}
	if math.Abs(a.angle-b.angle) > 1e-9 {
		return a.angle < b.angle
	}
	return a.round < b.round
}

// RegisterGlobal searches for the rigid transform mapping source onto target
// with 4-point congruent sets. Rounds run in parallel batches; the deadline
// and ctx are checked between batches, so a result always reflects fully
// evaluated rounds. Finding nothing is reported through Status, not as an
// error. A canceled ctx returns the best result so far and ctx's error.
func RegisterGlobal(ctx context.Context, source, target *cloud.PointCloud, cfg GlobalConfig) (GlobalResult, error) {
	start := time.Now()
	result := GlobalResult{Transform: Identity(), Status: GlobalNoCandidate}

	if source == nil || target == nil {
		return result, ErrNilCloud
	}
	if err := cfg.Validate(); err != nil {
		return result, err
	}
	if source.Len() < 4 || target.Len() < 4 {
		return result, fmt.Errorf("%w: global registration needs at least 4 points per cloud (source %d, target %d)",
			ErrDegenerateInput, source.Len(), target.Len())
	}
	diameter := source.Diameter()
	if collinear(source.Points, 1e-9*diameter) {
		return result, fmt.Errorf("%w: source points are collinear", ErrDegenerateInput)
	}

	accuracy := clampAccuracy(cfg.Accuracy, diameter)
	result.EffectiveAccuracy = accuracy

	m := newCongruentMatcher(source, target, cfg, accuracy, diameter)
	workers := parallel.Workers(cfg.Workers)
	deadline := start.Add(cfg.MaximumRunningTime)

	best := candidate{}
	for first := 0; first < cfg.NumberOfSamples; first += workers {
		if err := ctx.Err(); err != nil {
			result.Status = GlobalCanceled
			m.fill(&result, best, start)
			return result, err
		}
		if time.Now().After(deadline) {
			log.Printf("Global registration hit the %s time budget after %d rounds", cfg.MaximumRunningTime, result.Rounds)
			result.Status = GlobalTimedOut
			m.fill(&result, best, start)
			return result, nil
		}

		n := workers
		if first+n > cfg.NumberOfSamples {
			n = cfg.NumberOfSamples - first
		}
		batch := make([]candidate, n)
		counts := make([]int, n)
		// In-flight rounds finish even if ctx is canceled meanwhile.
		err := parallel.Each(context.WithoutCancel(ctx), n, workers, func(_ context.Context, i int) error {
			batch[i], counts[i] = m.round(first + i)
			return nil
		})
		if err != nil {
			return result, err
		}

		for i := range batch {
			result.Rounds++
			result.Candidates += counts[i]
			if better(batch[i], best, accuracy) {
				best = batch[i]
			}
		}
		// Nothing beats a candidate that explains every target point.
		if best.valid && best.score >= 1-scoreEpsilon {
			break
		}
	}

	if best.valid {
		result.Status = GlobalMatched
	}
	m.fill(&result, best, start)
	return result, nil
}

// clampAccuracy keeps accuracy within a usable fraction of the diameter.
func clampAccuracy(accuracy, diameter float64) float64 {
	lo, hi := minAccuracyRatio*diameter, maxAccuracyRatio*diameter
	switch {
	case accuracy < lo:
		log.Printf("Warning: accuracy %g is below %.1f%% of the cloud diameter %g, using %g", accuracy, minAccuracyRatio*100, diameter, lo)
		return lo
	case accuracy > hi:
		log.Printf("Warning: accuracy %g is above %.0f%% of the cloud diameter %g, using %g", accuracy, maxAccuracyRatio*100, diameter, hi)
		return hi
	}
	return accuracy
}

// collinear reports whether every point lies within tol of one line.
func collinear(points []r3.Vector, tol float64) bool {
	if len(points) < 3 {
		return true
	}
	a := points[0]
	var b r3.Vector
	far := -1.0
	for _, p := range points {
		if d := p.Sub(a).Norm2(); d > far {
			far, b = d, p
		}
	}
	if far <= tol*tol {
		return true
	}
	dir := b.Sub(a).Normalize()
	for _, p := range points {
		if p.Sub(a).Cross(dir).Norm() > tol {
			return false
		}
	}
	return true
}

// congruentMatcher holds the immutable data shared by all rounds.
type congruentMatcher struct {
	cfg      GlobalConfig
	accuracy float64
	diameter float64

	base        *cloud.PointCloud // source subset bases are drawn from
	search      *cloud.PointCloud // target subset searched for congruent sets
	searchIndex *cloud.Index
	verify      []r3.Vector // target points used to score candidates
	sourceIndex *cloud.Index

	useNormals  bool
	minCosAngle float64
	cap         int
}

func newCongruentMatcher(source, target *cloud.PointCloud, cfg GlobalConfig, accuracy, diameter float64) *congruentMatcher {
	rng := rand.New(rand.NewSource(cfg.Seed))
	base := source.Subset(sampleIndices(source.Len(), cfg.SampleSize, rng))
	search := target.Subset(sampleIndices(target.Len(), cfg.SampleSize, rng))
	verifySize := cfg.SampleSize
	if verifySize < minVerifyPoints {
		verifySize = minVerifyPoints
	}
	verify := target.Subset(sampleIndices(target.Len(), verifySize, rng)).Points

	m := &congruentMatcher{
		cfg:         cfg,
		accuracy:    accuracy,
		diameter:    diameter,
		base:        base,
		search:      search,
		searchIndex: cloud.NewIndex(search.Points),
		verify:      verify,
		sourceIndex: cloud.NewIndex(source.Points),
		useNormals:  source.HasNormals() && target.HasNormals() && cfg.MaximumNormalDeviation < 180,
		minCosAngle: math.Cos(cfg.MaximumNormalDeviation * math.Pi / 180),
	}
	m.cap = candidateCap(search.Len(), accuracy, diameter, cfg.MaxCandidatesPerRound)
	return m
}

// candidateCap bounds per-round enumeration by the expected number of
// congruent sets for the cloud density, at most limit.
func candidateCap(n int, accuracy, diameter float64, limit int) int {
	expected := minCandidateCap
	if diameter > 0 {
		if e := 4 * float64(n) * float64(n) * accuracy / diameter; e > float64(expected) {
			expected = int(math.Min(e, math.MaxInt32))
		}
	}
	if expected > limit {
		return limit
	}
	return expected
}

// sampleIndices returns k sorted random indices from [0,n), or all of them.
func sampleIndices(n, k int, rng *rand.Rand) []int {
	if k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	out := rng.Perm(n)[:k]
	sort.Ints(out)
	return out
}

func (m *congruentMatcher) fill(result *GlobalResult, best candidate, start time.Time) {
	if best.valid {
		result.Transform = best.transform
		result.Score = best.score
		result.RMS = best.rms
		result.BestRound = best.round
	}
	result.Elapsed = time.Since(start)
}

// congruentBase is four coplanar source points split into two segments
// (p0,p1) and (p2,p3) whose lines intersect at p0+r1(p1−p0) ≈ p2+r2(p3−p2).
type congruentBase struct {
	points   [4]r3.Vector
	normals  [4]r3.Vector
	r1, r2   float64
	d1, d2   float64
	cosAngle float64
}

// round runs one sampling round and returns its best verified candidate and
// the number of candidates evaluated.
func (m *congruentMatcher) round(round int) (candidate, int) {
	rng := rand.New(rand.NewSource(m.cfg.Seed + int64(round)))
	base, ok := m.selectBase(rng)
	if !ok {
		return candidate{}, 0
	}
	return m.searchCongruent(base, round)
}

// selectBase draws random triangles whose sides fit in the expected overlap
// and, widest first, completes one with the most coplanar fourth point.
func (m *congruentMatcher) selectBase(rng *rand.Rand) (congruentBase, bool) {
	pts := m.base.Points
	n := len(pts)
	if n < 4 {
		return congruentBase{}, false
	}
	maxDist := m.cfg.Overlap * m.diameter
	if maxDist < 4*m.accuracy {
		maxDist = m.diameter
	}

	type triangle struct {
		idx  [3]int
		area float64
	}
	var tris []triangle
	for try := 0; try < baseTripleTries; try++ {
		i, j, k := rng.Intn(n), rng.Intn(n), rng.Intn(n)
		if i == j || j == k || i == k {
			continue
		}
		a, b, c := pts[i], pts[j], pts[k]
		// The second half of the tries drops the overlap constraint.
		if try < baseTripleTries/2 && (a.Distance(b) > maxDist || b.Distance(c) > maxDist || a.Distance(c) > maxDist) {
			continue
		}
		if area := b.Sub(a).Cross(c.Sub(a)).Norm() / 2; area > m.accuracy*m.accuracy {
			tris = append(tris, triangle{idx: [3]int{i, j, k}, area: area})
		}
	}
	sort.SliceStable(tris, func(i, j int) bool { return tris[i].area > tris[j].area })

	for _, tri := range tris {
		if fourth, ok := m.coplanarPoint(tri.idx); ok {
			if base, ok := m.pairBase([4]int{tri.idx[0], tri.idx[1], tri.idx[2], fourth}); ok {
				return base, true
			}
		}
	}
	return congruentBase{}, false
}

// coplanarPoint finds the point closest to the plane of tri that is not
// crowding any triangle corner. It fails when none lies within accuracy of
// the plane.
func (m *congruentMatcher) coplanarPoint(tri [3]int) (int, bool) {
	pts := m.base.Points
	a, b, c := pts[tri[0]], pts[tri[1]], pts[tri[2]]
	normal := b.Sub(a).Cross(c.Sub(a)).Normalize()
	minSpread := 2 * m.accuracy

	fourth, bestPlane := -1, math.Inf(1)
	for l, p := range pts {
		if l == tri[0] || l == tri[1] || l == tri[2] {
			continue
		}
		if p.Distance(a) < minSpread || p.Distance(b) < minSpread || p.Distance(c) < minSpread {
			continue
		}
		if d := math.Abs(normal.Dot(p.Sub(a))); d < bestPlane {
			fourth, bestPlane = l, d
		}
	}
	return fourth, fourth >= 0 && bestPlane <= m.accuracy
}

// pairBase orders the four points so the two segments intersect, preferring
// a pairing whose intersection lies inside both segments.
func (m *congruentMatcher) pairBase(idx [4]int) (congruentBase, bool) {
	pairings := [3][4]int{
		{idx[0], idx[1], idx[2], idx[3]},
		{idx[0], idx[2], idx[1], idx[3]},
		{idx[0], idx[3], idx[1], idx[2]},
	}
	pts := m.base.Points

	var out congruentBase
	bestOutside := math.Inf(1)
	for _, p := range pairings {
		a, b, c, d := pts[p[0]], pts[p[1]], pts[p[2]], pts[p[3]]
		r1, r2, ok := segmentIntersection(a, b, c, d)
		if !ok {
			continue
		}
		outside := outsideUnit(r1) + outsideUnit(r2)
		if outside >= bestOutside {
			continue
		}
		bestOutside = outside
		u, v := b.Sub(a), d.Sub(c)
		out = congruentBase{
			points:   [4]r3.Vector{a, b, c, d},
			r1:       r1,
			r2:       r2,
			d1:       u.Norm(),
			d2:       v.Norm(),
			cosAngle: u.Dot(v) / (u.Norm() * v.Norm()),
		}
		if m.base.HasNormals() {
			out.normals = [4]r3.Vector{m.base.Normals[p[0]], m.base.Normals[p[1]], m.base.Normals[p[2]], m.base.Normals[p[3]]}
		}
	}
	return out, !math.IsInf(bestOutside, 1)
}

func outsideUnit(r float64) float64 {
	switch {
	case r < 0:
		return -r
	case r > 1:
		return r - 1
	}
	return 0
}

// segmentIntersection returns the parameters of the closest points of lines
// a→b and c→d. ok is false for parallel lines.
func segmentIntersection(a, b, c, d r3.Vector) (r1, r2 float64, ok bool) {
	u, v, w := b.Sub(a), d.Sub(c), a.Sub(c)
	A, B, C := u.Dot(u), u.Dot(v), v.Dot(v)
	D, E := u.Dot(w), v.Dot(w)
	den := A*C - B*B
	if den <= 1e-12*A*C {
		return 0, 0, false
	}
	return (B*E - C*D) / den, (A*E - B*D) / den, true
}

// pair is an ordered pair of search-set indices.
type pair struct{ i, j int }

// findPairs lists ordered target pairs whose length is within accuracy of d.
func (m *congruentMatcher) findPairs(d float64) []pair {
	pts := m.search.Points
	lo := d - m.accuracy
	var out []pair
	for i, p := range pts {
		for _, nb := range m.searchIndex.Radius(p, d+m.accuracy) {
			if nb.Index == i || (lo > 0 && nb.SqDist < lo*lo) {
				continue
			}
			out = append(out, pair{i, nb.Index})
		}
	}
	return out
}

// searchCongruent enumerates target 4-point sets congruent to base, up to
// the candidate cap, and returns the best verified one.
func (m *congruentMatcher) searchCongruent(base congruentBase, round int) (candidate, int) {
	pts := m.search.Points
	pairs1 := m.findPairs(base.d1)
	pairs2 := m.findPairs(base.d2)
	if len(pairs1) == 0 || len(pairs2) == 0 {
		return candidate{}, 0
	}

	inter := make([]r3.Vector, len(pairs2))
	for k, p := range pairs2 {
		inter[k] = pts[p.i].Add(pts[p.j].Sub(pts[p.i]).Mul(base.r2))
	}
	interIndex := cloud.NewIndex(inter)

	angleTol := 2 * m.accuracy / math.Min(base.d1, base.d2)
	baseAngle := math.Acos(clampUnit(base.cosAngle))
	src := base.points[:]

	best := candidate{}
	count := 0
	for _, p1 := range pairs1 {
		e1 := pts[p1.i].Add(pts[p1.j].Sub(pts[p1.i]).Mul(base.r1))
		for _, nb := range interIndex.Radius(e1, m.accuracy) {
			p2 := pairs2[nb.Index]
			if p2.i == p1.i || p2.i == p1.j || p2.j == p1.i || p2.j == p1.j {
				continue
			}
			u, v := pts[p1.j].Sub(pts[p1.i]), pts[p2.j].Sub(pts[p2.i])
			angle := math.Acos(clampUnit(u.Dot(v) / (u.Norm() * v.Norm())))
			if math.Abs(angle-baseAngle) > angleTol {
				continue
			}

			count++
			dst := []r3.Vector{pts[p1.i], pts[p1.j], pts[p2.i], pts[p2.j]}
			if c, ok := m.evaluate(base, src, dst, [4]int{p1.i, p1.j, p2.i, p2.j}, round, best); ok && better(c, best, m.accuracy) {
				best = c
			}
			if count >= m.cap {
				return best, count
			}
		}
	}
	return best, count
}

// evaluate fits the base to a candidate set and scores the transform.
func (m *congruentMatcher) evaluate(base congruentBase, src, dst []r3.Vector, dstIdx [4]int, round int, best candidate) (candidate, bool) {
	t, err := EstimatePointToPoint(src, dst, nil)
	if err != nil {
		return candidate{}, false
	}
	for k := range src {
		if t.Apply(src[k]).Distance(dst[k]) > 2*m.accuracy {
			return candidate{}, false
		}
	}
	if m.useNormals {
		for k := range src {
			a := t.Rotate(base.normals[k])
			b := m.search.Normals[dstIdx[k]]
			na, nb := a.Norm(), b.Norm()
			if na == 0 || nb == 0 {
				continue
			}
			if math.Abs(a.Dot(b))/(na*nb) < m.minCosAngle {
				return candidate{}, false
			}
		}
	}

	score, rms, ok := m.lcp(t, best)
	if !ok {
		return candidate{}, false
	}
	return candidate{transform: t, score: score, rms: rms, angle: t.Angle(), round: round, valid: true}, true
}

// lcp scores t by the fraction of verification target points that have a
// source point within accuracy once mapped back through t⁻¹. It gives up
// early once the candidate can no longer reach best's score.
func (m *congruentMatcher) lcp(t Transform, best candidate) (score, rms float64, ok bool) {
	inv := t.Inverse()
	total := len(m.verify)
	need := 0
	if best.valid {
		need = int(math.Ceil((best.score - scoreEpsilon) * float64(total)))
	}
	limit := m.accuracy * m.accuracy

	matched := 0
	var sum float64
	for i, q := range m.verify {
		if _, d, found := m.sourceIndex.Nearest(inv.Apply(q)); found && d <= limit {
			matched++
			sum += d
		}
		if matched+(total-i-1) < need {
			return 0, 0, false
		}
	}
	if matched == 0 {
		return 0, 0, false
	}
	return float64(matched) / float64(total), math.Sqrt(sum / float64(matched)), true
}

func clampUnit(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}
