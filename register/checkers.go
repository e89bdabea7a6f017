package register

import (
	"fmt"
	"math"
	"strings"

	"gopkg.in/yaml.v3"
)

// CheckerKind selects a transformation checker.
type CheckerKind string

const (
	CounterChecker      CheckerKind = "counter"
	ErrorDeltaChecker   CheckerKind = "errorDelta"
	DifferentialChecker CheckerKind = "differential"
	BoundChecker        CheckerKind = "bound"
)

var checkerAliases = map[string]CheckerKind{
	"counter":                           CounterChecker,
	"countertransformationchecker":      CounterChecker,
	"errordelta":                        ErrorDeltaChecker,
	"errordeltatransformationchecker":   ErrorDeltaChecker,
	"differential":                      DifferentialChecker,
	"differentialtransformationchecker": DifferentialChecker,
	"bound":                             BoundChecker,
	"boundtransformationchecker":        BoundChecker,
}

// ParseCheckerKind maps a short kind or a libpointmatcher checker name to
// its kind.
func ParseCheckerKind(s string) (CheckerKind, error) {
	kind, ok := checkerAliases[strings.ToLower(s)]
	if !ok {
		return "", fmt.Errorf("%w: unknown transformation checker %q", ErrInvalidConfiguration, s)
	}
	return kind, nil
}

// UnmarshalYAML accepts both short kinds and libpointmatcher checker names.
func (k *CheckerKind) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	kind, err := ParseCheckerKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// Checker is a tagged variant evaluated after every ICP update. Only the
// fields of its Kind are used:
//
//	counter:      MaxIterationCount   → MaxIterationsReached
//	errorDelta:   MinImprovement      → Converged
//	differential: MinRotationDeg, MinTranslation → Converged
//	bound:        MaxRotationDeg, MaxTranslation → Diverged
type Checker struct {
	Kind              CheckerKind `yaml:"kind" json:"kind"`
	MaxIterationCount int         `yaml:"maxIterationCount,omitempty" json:"maxIterationCount,omitempty"`
	MinImprovement    float64     `yaml:"minImprovement,omitempty" json:"minImprovement,omitempty"`
	MinRotationDeg    float64     `yaml:"minDiffRotErr,omitempty" json:"minDiffRotErr,omitempty"`
	MinTranslation    float64     `yaml:"minDiffTransErr,omitempty" json:"minDiffTransErr,omitempty"`
	MaxRotationDeg    float64     `yaml:"maxRotationNorm,omitempty" json:"maxRotationNorm,omitempty"`
	MaxTranslation    float64     `yaml:"maxTranslationNorm,omitempty" json:"maxTranslationNorm,omitempty"`
}

// Counter stops after n iterations.
func Counter(n int) Checker {
	return Checker{Kind: CounterChecker, MaxIterationCount: n}
}

// ErrorDelta converges once the residual improves by less than minImprovement.
func ErrorDelta(minImprovement float64) Checker {
	return Checker{Kind: ErrorDeltaChecker, MinImprovement: minImprovement}
}

// Differential converges once an update rotates by less than minRotationDeg
// and translates by less than minTranslation.
func Differential(minRotationDeg, minTranslation float64) Checker {
	return Checker{Kind: DifferentialChecker, MinRotationDeg: minRotationDeg, MinTranslation: minTranslation}
}

// Bound diverges once the accumulated motion from the initial transform
// exceeds either limit.
func Bound(maxRotationDeg, maxTranslation float64) Checker {
	return Checker{Kind: BoundChecker, MaxRotationDeg: maxRotationDeg, MaxTranslation: maxTranslation}
}

func (c Checker) validate() error {
	switch c.Kind {
	case CounterChecker:
		if c.MaxIterationCount < 1 {
			return fmt.Errorf("%w: counter maxIterationCount must be positive, got %d", ErrInvalidConfiguration, c.MaxIterationCount)
		}
	case ErrorDeltaChecker:
		if c.MinImprovement < 0 {
			return fmt.Errorf("%w: errorDelta minImprovement must be non-negative, got %g", ErrInvalidConfiguration, c.MinImprovement)
		}
	case DifferentialChecker:
		if c.MinRotationDeg < 0 || c.MinTranslation < 0 {
			return fmt.Errorf("%w: differential thresholds must be non-negative", ErrInvalidConfiguration)
		}
	case BoundChecker:
		if c.MaxRotationDeg <= 0 || c.MaxTranslation <= 0 {
			return fmt.Errorf("%w: bound limits must be positive", ErrInvalidConfiguration)
		}
	default:
		return fmt.Errorf("%w: unknown transformation checker %q", ErrInvalidConfiguration, c.Kind)
	}
	return nil
}

// iterationStats is what checkers see after an update.
type iterationStats struct {
	iteration    int
	minimized    bool
	residual     float64
	prevResidual float64 // NaN on the first iteration
	stepRotDeg   float64
	stepTrans    float64
	totalRotDeg  float64
	totalTrans   float64
}

// check reports the terminal state c decides for s, if any.
func (c Checker) check(s iterationStats) (State, bool) {
	switch c.Kind {
	case CounterChecker:
		if s.iteration >= c.MaxIterationCount {
			return StateMaxIterationsReached, true
		}
	case ErrorDeltaChecker:
		if s.minimized && !math.IsNaN(s.prevResidual) && math.Abs(s.prevResidual-s.residual) < c.MinImprovement {
			return StateConverged, true
		}
	case DifferentialChecker:
		if s.minimized && s.stepRotDeg < c.MinRotationDeg && s.stepTrans < c.MinTranslation {
			return StateConverged, true
		}
	case BoundChecker:
		if s.totalRotDeg > c.MaxRotationDeg || s.totalTrans > c.MaxTranslation {
			return StateDiverged, true
		}
	}
	return "", false
}
