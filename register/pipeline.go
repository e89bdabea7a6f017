package register

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/kwv/pointreg/cloud"
)

// Report is the outcome of a full registration run.
type Report struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"createdAt"`
	Source    cloud.Summary `json:"source"`
	Target    cloud.Summary `json:"target"`
	Global    *GlobalResult `json:"global,omitempty"` // nil when the global stage was skipped
	ICP       ICPResult     `json:"icp"`
	Transform Transform     `json:"transform"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Register aligns source onto target: normals are estimated when configured,
// the congruent-set search provides the initial guess and ICP refines it.
// The input clouds are never modified.
func Register(ctx context.Context, source, target *cloud.PointCloud, cfg *Config) (*Report, error) {
	return register(ctx, source, target, cfg, nil)
}

// RegisterFrom skips the global stage and refines initial with ICP only.
func RegisterFrom(ctx context.Context, source, target *cloud.PointCloud, initial Transform, cfg *Config) (*Report, error) {
	return register(ctx, source, target, cfg, &initial)
}

func register(ctx context.Context, source, target *cloud.PointCloud, cfg *Config, initial *Transform) (*Report, error) {
	start := time.Now()
	if source == nil || target == nil {
		return nil, ErrNilCloud
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	report := &Report{
		ID:        uuid.NewString(),
		CreatedAt: start,
		Transform: Identity(),
	}

	src, tgt, err := preprocessPair(source, target, cfg.Preprocess)
	if err != nil {
		return nil, err
	}
	src, tgt, err = prepareNormals(ctx, src, tgt, cfg.Normals)
	if err != nil {
		return nil, err
	}
	report.Source = cloud.Summarize(src)
	report.Target = cloud.Summarize(tgt)

	guess := Identity()
	switch {
	case initial != nil:
		guess = *initial
		log.Printf("Starting ICP from supplied transform (rotation %.2f°)", guess.AngleDeg())
	case cfg.SkipGlobal:
		log.Printf("Global registration disabled, starting ICP from identity")
	default:
		global, err := RegisterGlobal(ctx, src, tgt, cfg.Global)
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("global registration: %w", err)
		}
		report.Global = &global
		log.Printf("Global registration %s: score=%.3f rms=%.4f rounds=%d candidates=%d (%s)",
			global.Status, global.Score, global.RMS, global.Rounds, global.Candidates, global.Elapsed.Round(time.Millisecond))
		if err != nil {
			report.Transform = global.Transform
			report.Elapsed = time.Since(start)
			return report, err
		}
		if global.Status == GlobalNoCandidate {
			log.Printf("Warning: no global candidate found, starting ICP from identity")
		} else {
			guess = global.Transform
		}
	}

	result, err := RunICP(ctx, src, tgt, guess, cfg.ICP)
	report.ICP = result
	report.Transform = result.Transform
	report.Elapsed = time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return report, err
		}
		return nil, fmt.Errorf("icp: %w", err)
	}

	log.Printf("ICP %s after %d iterations: residual=%.6f correspondences=%d",
		result.State, result.Iterations, result.Residual, result.Correspondences)
	return report, nil
}

// preprocessPair applies the configured cleanup to both clouds. The target
// draws its random subset from Seed+1.
func preprocessPair(source, target *cloud.PointCloud, cfg PreprocessConfig) (*cloud.PointCloud, *cloud.PointCloud, error) {
	if !cfg.enabled() {
		return source, target, nil
	}
	src, err := preprocess(source, cfg, cfg.Seed)
	if err != nil {
		return nil, nil, fmt.Errorf("preprocessing source: %w", err)
	}
	tgt, err := preprocess(target, cfg, cfg.Seed+1)
	if err != nil {
		return nil, nil, fmt.Errorf("preprocessing target: %w", err)
	}
	log.Printf("Preprocessed clouds: source %d -> %d points, target %d -> %d points",
		source.Len(), src.Len(), target.Len(), tgt.Len())
	return src, tgt, nil
}

func preprocess(pc *cloud.PointCloud, cfg PreprocessConfig, seed int64) (*cloud.PointCloud, error) {
	var err error
	if cfg.OutlierK > 0 {
		if pc, err = cloud.RemoveOutliers(pc, cfg.OutlierK, cfg.OutlierPercent, cfg.OutlierDistance); err != nil {
			return nil, err
		}
	}
	if cfg.GridSize > 0 {
		if pc, err = cloud.GridSimplify(pc, cfg.GridSize); err != nil {
			return nil, err
		}
	}
	if cfg.RandomRemovePercent > 0 {
		if pc, err = cloud.RandomSimplify(pc, cfg.RandomRemovePercent, rand.New(rand.NewSource(seed))); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// prepareNormals returns the clouds to register, with estimated normals on
// copies when the configuration asks for them.
func prepareNormals(ctx context.Context, source, target *cloud.PointCloud, cfg NormalsConfig) (*cloud.PointCloud, *cloud.PointCloud, error) {
	if cfg.K == 0 {
		return source, target, nil
	}
	out := make([]*cloud.PointCloud, 2)
	for i, pc := range []*cloud.PointCloud{source, target} {
		if pc.HasNormals() && !cfg.Recompute {
			out[i] = pc
			continue
		}
		if pc.Len() < 3 {
			out[i] = pc
			continue
		}
		c := pc.Clone()
		if err := cloud.EstimateNormals(ctx, c, cfg.K); err != nil {
			return nil, nil, fmt.Errorf("estimating normals: %w", err)
		}
		switch cfg.Orientation {
		case OrientOutward:
			cloud.OrientNormalsOutward(c)
		case OrientViewpoint:
			cloud.OrientNormalsTowards(c, cfg.Viewpoint)
		}
		out[i] = c
	}
	return out[0], out[1], nil
}
