package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"strings"
	"testing"
)

type mockApp struct {
	opts   AppOptions
	called map[string]bool
	err    error
}

func newMockApp() *mockApp {
	return &mockApp{
		called: make(map[string]bool),
	}
}

func (m *mockApp) ApplyOptions(opts AppOptions) { m.opts = opts }
func (m *mockApp) RunInfo(context.Context) error {
	m.called["RunInfo"] = true
	return m.err
}
func (m *mockApp) RunNormals(context.Context) error {
	m.called["RunNormals"] = true
	return m.err
}
func (m *mockApp) RunRegister(context.Context) error {
	m.called["RunRegister"] = true
	return m.err
}
func (m *mockApp) RunService(context.Context) error {
	m.called["RunService"] = true
	return m.err
}

func TestRun_Flags(t *testing.T) {
	tests := []struct {
		name           string
		args           []string
		expectedCalled string
		verifyOpts     func(*testing.T, AppOptions)
	}{
		{
			name:           "Info",
			args:           []string{"--info", "-source", "scan.ply", "-target", "ref.ply"},
			expectedCalled: "RunInfo",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.SourceFile != "scan.ply" || opts.TargetFile != "ref.ply" {
					t.Errorf("unexpected files %q %q", opts.SourceFile, opts.TargetFile)
				}
				if !opts.InfoOnly {
					t.Error("expected InfoOnly true")
				}
			},
		},
		{
			name:           "Normals",
			args:           []string{"--normals", "-source", "scan.xyz", "-output", "scan.ply", "-k", "16"},
			expectedCalled: "RunNormals",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.K != 16 {
					t.Errorf("expected K 16, got %d", opts.K)
				}
				if opts.OutputFile != "scan.ply" {
					t.Errorf("expected OutputFile scan.ply, got %s", opts.OutputFile)
				}
			},
		},
		{
			name:           "Register",
			args:           []string{"--register", "-source", "a.pcd", "-target", "b.pcd", "-config", "reg.yaml", "-cache", "c.json", "-skip-global"},
			expectedCalled: "RunRegister",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if opts.ConfigFile != "reg.yaml" {
					t.Errorf("expected ConfigFile reg.yaml, got %s", opts.ConfigFile)
				}
				if opts.CachePath != "c.json" {
					t.Errorf("expected CachePath c.json, got %s", opts.CachePath)
				}
				if !opts.SkipGlobal {
					t.Error("expected SkipGlobal true")
				}
				if opts.NoCache {
					t.Error("expected NoCache false")
				}
			},
		},
		{
			name:           "MqttMode",
			args:           []string{"--mqtt", "--http-port", "9090", "--reports", "history.json", "--data-dir", "/srv/scans"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.MqttMode {
					t.Error("expected MqttMode true")
				}
				if opts.HttpPort != 9090 {
					t.Errorf("expected HttpPort 9090, got %d", opts.HttpPort)
				}
				if opts.ReportsPath != "history.json" {
					t.Errorf("expected ReportsPath history.json, got %s", opts.ReportsPath)
				}
				if opts.DataDir != "/srv/scans" {
					t.Errorf("expected DataDir /srv/scans, got %s", opts.DataDir)
				}
			},
		},
		{
			name:           "HttpMode",
			args:           []string{"--http", "--no-cache"},
			expectedCalled: "RunService",
			verifyOpts: func(t *testing.T, opts AppOptions) {
				if !opts.HttpMode || opts.MqttMode {
					t.Error("expected only HttpMode")
				}
				if opts.HttpPort != 8080 {
					t.Errorf("expected default HttpPort 8080, got %d", opts.HttpPort)
				}
				if !opts.NoCache {
					t.Error("expected NoCache true")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newMockApp()
			var out bytes.Buffer
			err := run(context.Background(), tt.args, &out, app)
			if err != nil {
				t.Fatalf("run failed: %v", err)
			}

			if !app.called[tt.expectedCalled] {
				t.Errorf("expected %s to be called", tt.expectedCalled)
			}
			if len(app.called) != 1 {
				t.Errorf("expected exactly one mode, got %v", app.called)
			}

			if tt.verifyOpts != nil {
				tt.verifyOpts(t, app.opts)
			}
		})
	}
}

func TestRun_PropagatesModeError(t *testing.T) {
	app := newMockApp()
	app.err = errors.New("boom")
	var out bytes.Buffer
	err := run(context.Background(), []string{"--register"}, &out, app)
	if err == nil || err.Error() != "boom" {
		t.Errorf("expected mode error, got %v", err)
	}
}

func TestRun_Help(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{"--help"}, &out, app)
	if !errors.Is(err, flag.ErrHelp) {
		t.Errorf("expected flag.ErrHelp from --help, got %v", err)
	}
	if !strings.Contains(out.String(), "Usage of pointreg") {
		t.Errorf("expected usage info in output, got: %s", out.String())
	}
}

func TestRun_UnknownFlag(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	if err := run(context.Background(), []string{"--render"}, &out, app); err == nil {
		t.Error("expected error for unknown flag")
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestRun_Default(t *testing.T) {
	app := newMockApp()
	var out bytes.Buffer
	err := run(context.Background(), []string{}, &out, app)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expectedPrefix := "pointreg version: " + Version
	if !strings.Contains(out.String(), expectedPrefix) {
		t.Errorf("expected output to contain version, got: %s", out.String())
	}
	if !strings.Contains(out.String(), "--register -source FILE -target FILE") {
		t.Errorf("expected usage hints, got: %s", out.String())
	}
	if len(app.called) != 0 {
		t.Errorf("no mode should run, got %v", app.called)
	}
}

func TestMain_Execute(t *testing.T) {
	// Smoke test to ensure version is set
	if Version == "" {
		t.Error("expected Version to be set")
	}
}
