package main

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/kwv/pointreg/publish"
	"github.com/kwv/pointreg/register"
)

// maxRequestBody bounds POST /register bodies.
const maxRequestBody = 1 << 20

// Registrar runs one registration request.
type Registrar interface {
	Register(ctx context.Context, req publish.Request) (*register.Report, error)
}

// ReportSummary is the compact listing entry served by GET /reports.
type ReportSummary struct {
	ID        string                `json:"id"`
	CreatedAt time.Time             `json:"createdAt"`
	Converged bool                  `json:"converged"`
	State     register.State        `json:"state"`
	Residual  float64               `json:"residual"`
	Global    register.GlobalStatus `json:"global,omitempty"`
	Score     float64               `json:"score,omitempty"`
}

func summarizeReport(r *register.Report) ReportSummary {
	s := ReportSummary{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Converged: r.ICP.Converged,
		State:     r.ICP.State,
		Residual:  r.ICP.Residual,
	}
	if r.Global != nil {
		s.Global = r.Global.Status
		s.Score = r.Global.Score
	}
	return s
}

// newHTTPServer creates an HTTP server with all endpoints
func newHTTPServer(reports *ReportStore, registrar Registrar) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		status := struct {
			Status    string    `json:"status"`
			Version   string    `json:"version"`
			Timestamp time.Time `json:"timestamp"`
			Reports   int       `json:"reports"`
		}{
			Status:    "ok",
			Version:   Version,
			Timestamp: time.Now(),
			Reports:   reports.Len(),
		}
		writeJSON(w, http.StatusOK, status)
	})

	mux.HandleFunc("GET /reports", func(w http.ResponseWriter, r *http.Request) {
		all := reports.List()
		summaries := make([]ReportSummary, 0, len(all))
		for _, rep := range all {
			summaries = append(summaries, summarizeReport(rep))
		}
		writeJSON(w, http.StatusOK, summaries)
	})

	mux.HandleFunc("GET /reports/latest", func(w http.ResponseWriter, r *http.Request) {
		report, ok := reports.Latest()
		if !ok {
			http.Error(w, "No reports available", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("GET /reports/{id}", func(w http.ResponseWriter, r *http.Request) {
		report, ok := reports.Get(r.PathValue("id"))
		if !ok {
			http.Error(w, "Report not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	mux.HandleFunc("POST /register", func(w http.ResponseWriter, r *http.Request) {
		var req publish.Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
			http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Source == "" || req.Target == "" {
			http.Error(w, "source and target are required", http.StatusBadRequest)
			return
		}

		report, err := registrar.Register(r.Context(), req)
		if err != nil {
			log.Printf("[HTTP] registration %s -> %s failed: %v", req.Source, req.Target, err)
			http.Error(w, err.Error(), registrationStatus(err))
			return
		}
		writeJSON(w, http.StatusOK, report)
	})

	// Wrap mux with logging middleware
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTP] %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
		mux.ServeHTTP(w, r)
	})
}

// registrationStatus maps a registration error to an HTTP status code.
func registrationStatus(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, fs.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, register.ErrInvalidConfiguration),
		errors.Is(err, register.ErrDegenerateInput),
		errors.Is(err, register.ErrNilCloud):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
