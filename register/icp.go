package register

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/golang/geo/r3"
	"gopkg.in/yaml.v3"

	"github.com/kwv/pointreg/cloud"
	"github.com/kwv/pointreg/internal/parallel"
)

// Minimizer selects the ICP error metric.
type Minimizer string

const (
	PointToPoint Minimizer = "point_to_point"
	PointToPlane Minimizer = "point_to_plane"
)

// ParseMinimizer maps a short name or a libpointmatcher minimizer name.
func ParseMinimizer(s string) (Minimizer, error) {
	switch s {
	case "point_to_point", "pointToPoint", "PointToPointErrorMinimizer":
		return PointToPoint, nil
	case "point_to_plane", "pointToPlane", "PointToPlaneErrorMinimizer":
		return PointToPlane, nil
	}
	return "", fmt.Errorf("%w: unknown error minimizer %q", ErrInvalidConfiguration, s)
}

// UnmarshalYAML accepts both short names and libpointmatcher minimizer names.
func (m *Minimizer) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMinimizer(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// State is a step of the ICP state machine. The last four are terminal.
type State string

const (
	StateInitialize           State = "initialize"
	StateAssociate            State = "associate"
	StateMinimize             State = "minimize"
	StateCheck                State = "check"
	StateConverged            State = "converged"
	StateMaxIterationsReached State = "max_iterations_reached"
	StateDiverged             State = "diverged"
	StateCanceled             State = "canceled"
)

// MatcherConfig controls data association.
type MatcherConfig struct {
	// Knn is the number of target neighbours matched per source point.
	Knn int `yaml:"knn" json:"knn"`
	// MaxDist discards matches farther than this; 0 disables the limit.
	MaxDist float64 `yaml:"maxDist,omitempty" json:"maxDist,omitempty"`
}

// ICPConfig holds configuration for the ICP refinement.
type ICPConfig struct {
	Matcher         MatcherConfig    `yaml:"matcher" json:"matcher"`
	Minimizer       Minimizer        `yaml:"minimizer" json:"minimizer"`
	PointSetFilters []PointSetFilter `yaml:"pointSetFilters,omitempty" json:"pointSetFilters,omitempty"`
	OutlierFilters  []OutlierFilter  `yaml:"outlierFilters,omitempty" json:"outlierFilters,omitempty"`
	Checkers        []Checker        `yaml:"checkers" json:"checkers"`

	MaxIterations       int     `yaml:"maxIterations" json:"maxIterations"`             // hard cap regardless of checkers
	DivergenceTolerance float64 `yaml:"divergenceTolerance" json:"divergenceTolerance"` // allowed residual growth per iteration
	DivergenceWindow    int     `yaml:"divergenceWindow" json:"divergenceWindow"`       // consecutive growing iterations before giving up
	MaxConditionNumber  float64 `yaml:"maxConditionNumber,omitempty" json:"maxConditionNumber,omitempty"`

	Seed    int64 `yaml:"seed" json:"seed"`
	Workers int   `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// DefaultICPConfig mirrors the usual libpointmatcher setup: one nearest
// neighbour, point-to-plane, stop once updates vanish or after 150
// iterations.
func DefaultICPConfig() ICPConfig {
	return ICPConfig{
		Matcher:             MatcherConfig{Knn: 1},
		Minimizer:           PointToPlane,
		Checkers:            []Checker{Differential(0.001, 1e-6), Counter(150)},
		MaxIterations:       150,
		DivergenceTolerance: 0,
		DivergenceWindow:    5,
		MaxConditionNumber:  DefaultMaxConditionNumber,
	}
}

// Validate reports the first out-of-range parameter.
func (c ICPConfig) Validate() error {
	if c.Matcher.Knn < 1 {
		return fmt.Errorf("%w: matcher knn must be positive, got %d", ErrInvalidConfiguration, c.Matcher.Knn)
	}
	if c.Matcher.MaxDist < 0 {
		return fmt.Errorf("%w: matcher maxDist must be non-negative, got %g", ErrInvalidConfiguration, c.Matcher.MaxDist)
	}
	if c.Minimizer != PointToPoint && c.Minimizer != PointToPlane {
		return fmt.Errorf("%w: unknown error minimizer %q", ErrInvalidConfiguration, c.Minimizer)
	}
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: maxIterations must be positive, got %d", ErrInvalidConfiguration, c.MaxIterations)
	}
	if c.DivergenceTolerance < 0 || c.DivergenceWindow < 0 {
		return fmt.Errorf("%w: divergence guard must be non-negative", ErrInvalidConfiguration)
	}
	for _, f := range c.PointSetFilters {
		if err := f.validate(); err != nil {
			return err
		}
	}
	for _, f := range c.OutlierFilters {
		if err := f.validate(); err != nil {
			return err
		}
	}
	for _, ch := range c.Checkers {
		if err := ch.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ICPResult contains the result of ICP refinement
type ICPResult struct {
	Transform            Transform `json:"transform"`
	Converged            bool      `json:"converged"`
	State                State     `json:"state"`
	Residual             float64   `json:"residual"` // RMS distance after the final update
	Iterations           int       `json:"iterations"`
	History              []float64 `json:"history"` // RMS at the start of each iteration
	DegenerateIterations int       `json:"degenerateIterations"`
	Correspondences      int       `json:"correspondences"`
	PointToPlane         bool      `json:"pointToPlane"`
}

// RunICP refines initial so that it maps source onto target. Non-convergence
// is reported through the result state, never as an error. A canceled
// context ends the loop at the next iteration boundary with StateCanceled
// and the context's error.
func RunICP(ctx context.Context, source, target *cloud.PointCloud, initial Transform, cfg ICPConfig) (ICPResult, error) {
	result := ICPResult{Transform: initial, State: StateInitialize}
	if source == nil || target == nil {
		return result, ErrNilCloud
	}
	if err := cfg.Validate(); err != nil {
		return result, err
	}
	if source.Len() == 0 || target.Len() == 0 {
		return result, fmt.Errorf("%w: icp needs non-empty clouds (source %d, target %d)", ErrDegenerateInput, source.Len(), target.Len())
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	reading := source
	for _, f := range cfg.PointSetFilters {
		filtered, err := f.Apply(reading, rng)
		if err != nil {
			return result, fmt.Errorf("applying %s filter: %w", f.Kind, err)
		}
		reading = filtered
	}
	if reading.Len() == 0 {
		return result, fmt.Errorf("%w: point set filters removed every source point", ErrDegenerateInput)
	}

	usePlane := cfg.Minimizer == PointToPlane && target.HasNormals()
	if cfg.Minimizer == PointToPlane && !usePlane {
		log.Printf("Target cloud has no normals, falling back to point-to-point ICP")
	}
	result.PointToPlane = usePlane

	e := &icpEngine{
		cfg:    cfg,
		source: reading,
		target: target,
		index:  cloud.NewIndex(target.Points),
	}

	current := initial
	prevResidual := math.NaN()
	growing := 0

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			result.State = StateCanceled
			e.finish(ctx, &result, current)
			return result, err
		}

		result.State = StateAssociate
		matches, raw, err := e.associate(ctx, current)
		if err != nil {
			result.State = StateCanceled
			e.finish(ctx, &result, current)
			return result, err
		}
		residual := rms(matches, raw)
		result.History = append(result.History, residual)
		result.Iterations = iter
		result.Correspondences = len(matches)

		result.State = StateMinimize
		next, minErr := e.minimize(current, matches, usePlane)
		minimized := minErr == nil
		if !minimized {
			result.DegenerateIterations++
			next = current
		}

		result.State = StateCheck
		stepRot, stepTrans := current.Delta(next)
		totalRot, totalTrans := initial.Delta(next)
		stats := iterationStats{
			iteration:    iter,
			minimized:    minimized,
			residual:     residual,
			prevResidual: prevResidual,
			stepRotDeg:   stepRot * 180 / math.Pi,
			stepTrans:    stepTrans,
			totalRotDeg:  totalRot * 180 / math.Pi,
			totalTrans:   totalTrans,
		}
		current = next

		if state, done := e.check(stats, &growing); done {
			result.State = state
			result.Converged = state == StateConverged
			e.finish(ctx, &result, current)
			return result, nil
		}
		prevResidual = residual
	}
}

// icpEngine holds the per-run state shared by the loop stages.
type icpEngine struct {
	cfg    ICPConfig
	source *cloud.PointCloud
	target *cloud.PointCloud
	index  *cloud.Index
}

// associate matches every source point (moved by current) to its nearest
// target neighbours in parallel, then runs the outlier filters. raw holds
// the squared nearest distance of every source point before filtering.
func (e *icpEngine) associate(ctx context.Context, current Transform) ([]Correspondence, []float64, error) {
	n := e.source.Len()
	knn := e.cfg.Matcher.Knn
	perPoint := make([][]cloud.Neighbor, n)
	raw := make([]float64, n)

	err := parallel.For(ctx, n, e.cfg.Workers, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			nbs := e.index.KNearest(current.Apply(e.source.Points[i]), knn)
			perPoint[i] = nbs
			if len(nbs) > 0 {
				raw[i] = nbs[0].SqDist
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	limit := math.Inf(1)
	if e.cfg.Matcher.MaxDist > 0 {
		limit = e.cfg.Matcher.MaxDist * e.cfg.Matcher.MaxDist
	}
	matches := make([]Correspondence, 0, n*knn)
	for i, nbs := range perPoint {
		for _, nb := range nbs {
			if nb.SqDist > limit {
				continue
			}
			matches = append(matches, Correspondence{Source: i, Target: nb.Index, SqDist: nb.SqDist, Weight: 1})
		}
	}
	for _, f := range e.cfg.OutlierFilters {
		matches = f.filter(matches, e.source, e.target, current)
	}
	return matches, raw, nil
}

// minimize estimates the next transform from the accepted matches.
func (e *icpEngine) minimize(current Transform, matches []Correspondence, usePlane bool) (Transform, error) {
	src := make([]r3.Vector, len(matches))
	dst := make([]r3.Vector, len(matches))
	weights := make([]float64, len(matches))
	for i, m := range matches {
		src[i] = e.source.Points[m.Source]
		dst[i] = e.target.Points[m.Target]
		weights[i] = m.Weight
	}

	if usePlane {
		normals := make([]r3.Vector, len(matches))
		for i, m := range matches {
			normals[i] = e.target.Normals[m.Target]
		}
		return EstimatePointToPlane(current, src, dst, normals, weights, e.cfg.MaxConditionNumber)
	}
	return EstimatePointToPoint(src, dst, weights)
}

// check runs the configured checkers in order, then the always-on guards.
func (e *icpEngine) check(s iterationStats, growing *int) (State, bool) {
	for _, c := range e.cfg.Checkers {
		if state, done := c.check(s); done {
			return state, true
		}
	}

	if !math.IsNaN(s.prevResidual) && s.residual > s.prevResidual+e.cfg.DivergenceTolerance {
		*growing++
	} else {
		*growing = 0
	}
	if e.cfg.DivergenceWindow > 0 && *growing >= e.cfg.DivergenceWindow {
		log.Printf("ICP residual grew for %d consecutive iterations, stopping", *growing)
		return StateDiverged, true
	}

	if s.iteration >= e.cfg.MaxIterations {
		return StateMaxIterationsReached, true
	}
	return "", false
}

// finish stores the final transform and its residual.
func (e *icpEngine) finish(ctx context.Context, result *ICPResult, current Transform) {
	result.Transform = current
	// Final association runs even when ctx is done so the residual is
	// always reported.
	matches, raw, err := e.associate(context.WithoutCancel(ctx), current)
	if err != nil {
		result.Residual = math.NaN()
		return
	}
	result.Residual = rms(matches, raw)
	result.Correspondences = len(matches)
}

// rms is the root mean square distance over the accepted matches, falling
// back to the raw nearest distances when nothing was accepted.
func rms(matches []Correspondence, raw []float64) float64 {
	if len(matches) > 0 {
		var sum, weight float64
		for _, m := range matches {
			sum += m.Weight * m.SqDist
			weight += m.Weight
		}
		if weight > 0 {
			return math.Sqrt(sum / weight)
		}
	}
	if len(raw) == 0 {
		return 0
	}
	var sum float64
	for _, d := range raw {
		sum += d
	}
	return math.Sqrt(sum / float64(len(raw)))
}
