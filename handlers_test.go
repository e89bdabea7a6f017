package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kwv/pointreg/publish"
	"github.com/kwv/pointreg/register"
)

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type stubRegistrar struct {
	report *register.Report
	err    error
	got    []publish.Request
}

func (s *stubRegistrar) Register(ctx context.Context, req publish.Request) (*register.Report, error) {
	s.got = append(s.got, req)
	return s.report, s.err
}

func sampleReport(id string) *register.Report {
	tr := register.RotationZDeg(10, r3.Vector{Y: 2})
	return &register.Report{
		ID:        id,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Global:    &register.GlobalResult{Transform: tr, Score: 0.9, Status: register.GlobalMatched},
		ICP:       register.ICPResult{Transform: tr, Converged: true, State: register.StateConverged, Residual: 0.001},
		Transform: tr,
	}
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// endpoints
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	reports := NewReportStore(0)
	reports.Add(sampleReport("a"))
	h := newHTTPServer(reports, &stubRegistrar{})

	rec := serve(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status struct {
		Status  string `json:"status"`
		Version string `json:"version"`
		Reports int    `json:"reports"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, Version, status.Version)
	assert.Equal(t, 1, status.Reports)
}

func TestReportsEndpoints_Empty(t *testing.T) {
	h := newHTTPServer(NewReportStore(0), &stubRegistrar{})

	rec := serve(t, h, http.MethodGet, "/reports/latest", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, h, http.MethodGet, "/reports/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, h, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestReportsEndpoints(t *testing.T) {
	reports := NewReportStore(0)
	reports.Add(sampleReport("first"))
	second := sampleReport("second")
	second.Global = nil
	second.ICP.Converged = false
	second.ICP.State = register.StateMaxIterationsReached
	reports.Add(second)
	h := newHTTPServer(reports, &stubRegistrar{})

	rec := serve(t, h, http.MethodGet, "/reports/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var latest register.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &latest))
	assert.Equal(t, "second", latest.ID)
	assert.Nil(t, latest.Global)

	rec = serve(t, h, http.MethodGet, "/reports/first", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var first register.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &first))
	assert.Equal(t, "first", first.ID)
	assert.True(t, first.Transform.ApproxEqual(sampleReport("x").Transform, 1e-12))

	rec = serve(t, h, http.MethodGet, "/reports", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []ReportSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, ReportSummary{
		ID:        "first",
		CreatedAt: time.Unix(1700000000, 0).UTC(),
		Converged: true,
		State:     register.StateConverged,
		Residual:  0.001,
		Global:    register.GlobalMatched,
		Score:     0.9,
	}, list[0])
	assert.Equal(t, register.StateMaxIterationsReached, list[1].State)
	assert.Empty(t, list[1].Global)
}

func TestReportsEndpoints_MethodNotAllowed(t *testing.T) {
	h := newHTTPServer(NewReportStore(0), &stubRegistrar{})
	rec := serve(t, h, http.MethodDelete, "/reports/latest", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = serve(t, h, http.MethodGet, "/register", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRegisterEndpoint(t *testing.T) {
	stub := &stubRegistrar{report: sampleReport("new")}
	h := newHTTPServer(NewReportStore(0), stub)

	rec := serve(t, h, http.MethodPost, "/register", `{"source":"a.ply","target":"b.ply","skipGlobal":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report register.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "new", report.ID)
	assert.Equal(t, []publish.Request{{Source: "a.ply", Target: "b.ply", SkipGlobal: true}}, stub.got)
}

func TestRegisterEndpoint_BadRequests(t *testing.T) {
	stub := &stubRegistrar{report: sampleReport("new")}
	h := newHTTPServer(NewReportStore(0), stub)

	for _, body := range []string{"", "{", `{"source":"a.ply"}`, `{"target":"b.ply"}`} {
		rec := serve(t, h, http.MethodPost, "/register", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
	}
	assert.Empty(t, stub.got)
}

func TestRegistrationStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("loading source: %w", fs.ErrNotExist), http.StatusNotFound},
		{fmt.Errorf("source: %w", fs.ErrPermission), http.StatusForbidden},
		{fmt.Errorf("global: %w", register.ErrInvalidConfiguration), http.StatusUnprocessableEntity},
		{fmt.Errorf("global registration: %w", register.ErrDegenerateInput), http.StatusUnprocessableEntity},
		{register.ErrNilCloud, http.StatusUnprocessableEntity},
		{context.Canceled, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, registrationStatus(tt.err))
		})
	}

	stub := &stubRegistrar{err: fmt.Errorf("loading target: %w", fs.ErrNotExist)}
	rec := serve(t, newHTTPServer(NewReportStore(0), stub), http.MethodPost, "/register", `{"source":"a","target":"b"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterEndpoint_WithApp(t *testing.T) {
	f := writeCubePair(t)
	app, _ := newTestApp(AppOptions{ConfigFile: f.config, NoCache: true})
	h := newHTTPServer(app.Reports, app)

	body := fmt.Sprintf(`{"source":%q,"target":%q}`, f.source, f.target)
	rec := serve(t, h, http.MethodPost, "/register", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report register.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Transform.ApproxEqual(cubeTruth(), 1e-6))

	rec = serve(t, h, http.MethodGet, "/reports/"+report.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
