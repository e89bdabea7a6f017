package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportStore_AddGetLatest(t *testing.T) {
	rs := NewReportStore(0)
	_, ok := rs.Latest()
	assert.False(t, ok)
	assert.Equal(t, 0, rs.Len())

	rs.Add(sampleReport("a"))
	rs.Add(sampleReport("b"))
	rs.Add(nil)

	assert.Equal(t, 2, rs.Len())
	latest, ok := rs.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", latest.ID)

	a, ok := rs.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", a.ID)
	_, ok = rs.Get("zzz")
	assert.False(t, ok)
}

func TestReportStore_ReplaceKeepsOrder(t *testing.T) {
	rs := NewReportStore(0)
	rs.Add(sampleReport("a"))
	rs.Add(sampleReport("b"))

	updated := sampleReport("a")
	updated.ICP.Residual = 42
	rs.Add(updated)

	list := rs.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 42.0, list[0].ICP.Residual)
	latest, _ := rs.Latest()
	assert.Equal(t, "b", latest.ID)
}

func TestReportStore_EvictsOldest(t *testing.T) {
	rs := NewReportStore(2)
	for _, id := range []string{"a", "b", "c"} {
		rs.Add(sampleReport(id))
	}
	assert.Equal(t, 2, rs.Len())
	_, ok := rs.Get("a")
	assert.False(t, ok)

	ids := []string{}
	for _, r := range rs.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestReportStore_Persistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "reports.json")

	rs := NewReportStoreWithCache(path, 10)
	assert.Equal(t, 0, rs.Len())
	rs.Add(sampleReport("a"))
	rs.Add(sampleReport("b"))
	_, err := os.Stat(path)
	require.NoError(t, err)

	reloaded := NewReportStoreWithCache(path, 10)
	require.Equal(t, 2, reloaded.Len())
	latest, ok := reloaded.Latest()
	require.True(t, ok)
	assert.Equal(t, "b", latest.ID)
	assert.True(t, latest.Transform.ApproxEqual(sampleReport("b").Transform, 1e-12))

	// a smaller limit keeps only the newest persisted reports
	trimmed := NewReportStoreWithCache(path, 1)
	assert.Equal(t, 1, trimmed.Len())
	_, ok = trimmed.Get("b")
	assert.True(t, ok)
}

func TestReportStore_CorruptHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0644))

	rs := NewReportStoreWithCache(path, 10)
	assert.Equal(t, 0, rs.Len())

	// the next add overwrites the broken file
	rs.Add(sampleReport("a"))
	assert.Equal(t, 1, NewReportStoreWithCache(path, 10).Len())
}
