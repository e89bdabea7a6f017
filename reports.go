package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/kwv/pointreg/register"
)

// DefaultReportLimit is the number of reports kept in memory.
const DefaultReportLimit = 100

// ReportStore keeps the most recent registration reports for HTTP endpoints
type ReportStore struct {
	mu        sync.RWMutex
	reports   map[string]*register.Report
	order     []string // report IDs, oldest first
	limit     int
	cachePath string // path to the persisted history; empty disables persistence
}

// NewReportStore creates a report store holding at most limit reports.
func NewReportStore(limit int) *ReportStore {
	if limit <= 0 {
		limit = DefaultReportLimit
	}
	return &ReportStore{
		reports: make(map[string]*register.Report),
		limit:   limit,
	}
}

// NewReportStoreWithCache creates a report store that persists its history
// to cachePath. Reports already in the file are loaded on creation.
func NewReportStoreWithCache(cachePath string, limit int) *ReportStore {
	rs := NewReportStore(limit)
	rs.cachePath = cachePath
	if cachePath == "" {
		return rs
	}
	reports, err := loadReports(cachePath)
	if err != nil {
		log.Printf("Warning: could not load report history %s: %v", cachePath, err)
		return rs
	}
	for _, r := range reports {
		if r != nil {
			rs.add(r)
		}
	}
	return rs
}

// Add stores a report, evicting the oldest one when the store is full.
func (rs *ReportStore) Add(report *register.Report) {
	if report == nil {
		return
	}
	rs.mu.Lock()
	rs.add(report)
	snapshot := rs.list()
	cachePath := rs.cachePath
	rs.mu.Unlock()

	if cachePath != "" {
		if err := saveReports(cachePath, snapshot); err != nil {
			log.Printf("Warning: could not persist report history: %v", err)
		}
	}
}

func (rs *ReportStore) add(report *register.Report) {
	if _, exists := rs.reports[report.ID]; !exists {
		rs.order = append(rs.order, report.ID)
	}
	rs.reports[report.ID] = report
	for len(rs.order) > rs.limit {
		delete(rs.reports, rs.order[0])
		rs.order = rs.order[1:]
	}
}

// Get returns the report with the given ID.
func (rs *ReportStore) Get(id string) (*register.Report, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.reports[id]
	return r, ok
}

// Latest returns the most recently added report.
func (rs *ReportStore) Latest() (*register.Report, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if len(rs.order) == 0 {
		return nil, false
	}
	return rs.reports[rs.order[len(rs.order)-1]], true
}

// List returns all stored reports, oldest first
func (rs *ReportStore) List() []*register.Report {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.list()
}

func (rs *ReportStore) list() []*register.Report {
	result := make([]*register.Report, 0, len(rs.order))
	for _, id := range rs.order {
		result = append(result, rs.reports[id])
	}
	return result
}

// Len returns the number of stored reports
func (rs *ReportStore) Len() int {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return len(rs.order)
}

func loadReports(path string) ([]*register.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading report history: %w", err)
	}
	var reports []*register.Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("parsing report history: %w", err)
	}
	return reports, nil
}

func saveReports(path string, reports []*register.Report) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	data, err := json.MarshalIndent(reports, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling reports: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing report history: %w", err)
	}
	return nil
}
