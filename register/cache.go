package register

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultCachePath is the default path for the registration result cache
const DefaultCachePath = ".registration-cache.json"

// CachedRun is the outcome of one registration, keyed by its input pair.
type CachedRun struct {
	RunID     string    `json:"runId"`
	Transform Transform `json:"transform"`
	Score     float64   `json:"score"`
	Residual  float64   `json:"residual"`
	Converged bool      `json:"converged"`
	CreatedAt int64     `json:"createdAt"`
}

// ResultCache stores final transforms so a repeated registration can skip
// the global search and start ICP from the cached alignment.
type ResultCache struct {
	Runs        map[string]CachedRun `json:"runs"`
	LastUpdated int64                `json:"lastUpdated"`
}

// CacheKey identifies a source/target pair.
func CacheKey(sourcePath, targetPath string) string {
	return filepath.Clean(sourcePath) + " -> " + filepath.Clean(targetPath)
}

// LoadCache loads the result cache from a JSON file. A missing file is not
// an error and yields an empty cache.
func LoadCache(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ResultCache{Runs: make(map[string]CachedRun)}, nil
		}
		return nil, fmt.Errorf("reading cache file: %w", err)
	}

	var cache ResultCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing cache file: %w", err)
	}
	if cache.Runs == nil {
		cache.Runs = make(map[string]CachedRun)
	}
	return &cache, nil
}

// SaveCache saves the result cache to a JSON file
func SaveCache(path string, cache *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	cache.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing cache file: %w", err)
	}

	return nil
}

// Lookup returns the cached transform for a pair. Runs whose ICP did not
// converge are ignored.
func (c *ResultCache) Lookup(key string) (Transform, bool) {
	if c == nil || c.Runs == nil {
		return Identity(), false
	}
	run, ok := c.Runs[key]
	if !ok || !run.Converged {
		return Identity(), false
	}
	return run.Transform, true
}

// Store records the outcome of report under key.
func (c *ResultCache) Store(key string, report *Report) {
	if c.Runs == nil {
		c.Runs = make(map[string]CachedRun)
	}
	run := CachedRun{
		RunID:     report.ID,
		Transform: report.Transform,
		Residual:  report.ICP.Residual,
		Converged: report.ICP.Converged,
		CreatedAt: report.CreatedAt.Unix(),
	}
	if report.Global != nil {
		run.Score = report.Global.Score
	}
	c.Runs[key] = run
}
