package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kwv/pointreg/cloud"
	"github.com/kwv/pointreg/publish"
	"github.com/kwv/pointreg/register"
)

// requestQueueSize bounds the MQTT requests waiting for the worker.
const requestQueueSize = 16

// maxConcurrentRegistrations bounds service registrations across MQTT and
// HTTP. Each one already spreads over every CPU.
const maxConcurrentRegistrations = 1

// App encapsulates the application state and dependencies
type App struct {
	Config     *register.Config
	Cache      *register.ResultCache
	Reports    *ReportStore
	MQTTClient *publish.Client
	Publisher  *publish.Publisher
	Out        io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile  string
	SourceFile  string
	TargetFile  string
	OutputFile  string
	CachePath   string
	ReportsPath string
	DataDir     string
	K           int
	SkipGlobal  bool
	NoCache     bool
	HttpPort    int
	MqttMode    bool
	HttpMode    bool

	cacheMu  sync.Mutex
	requests chan publish.Request
	slots    chan struct{}
}

// NewApp creates a new App instance
func NewApp() *App {
	return &App{
		Reports: NewReportStore(DefaultReportLimit),
		Out:     os.Stdout,
		slots:   make(chan struct{}, maxConcurrentRegistrations),
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.SourceFile = opts.SourceFile
	a.TargetFile = opts.TargetFile
	a.OutputFile = opts.OutputFile
	a.CachePath = opts.CachePath
	a.ReportsPath = opts.ReportsPath
	a.DataDir = opts.DataDir
	a.K = opts.K
	a.SkipGlobal = opts.SkipGlobal
	a.NoCache = opts.NoCache
	a.HttpPort = opts.HttpPort
	a.MqttMode = opts.MqttMode
	a.HttpMode = opts.HttpMode
}

// loadConfig reads the configuration file once and applies flag overrides.
func (a *App) loadConfig() error {
	if a.Config != nil {
		return nil
	}
	config := register.DefaultConfig()
	if a.ConfigFile != "" {
		loaded, err := register.LoadConfig(a.ConfigFile)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		config = loaded
		log.Printf("Loaded config from %s", a.ConfigFile)
	}
	if a.K > 0 {
		config.Normals.K = a.K
	}
	if a.SkipGlobal {
		config.SkipGlobal = true
	}
	a.Config = config
	return nil
}

// loadCache reads the result cache unless caching is disabled. A broken
// cache file only costs the speedup, so it is logged and replaced.
func (a *App) loadCache() {
	if a.NoCache || a.CachePath == "" || a.Cache != nil {
		return
	}
	cache, err := register.LoadCache(a.CachePath)
	if err != nil {
		log.Printf("Warning: Failed to load result cache %s: %v", a.CachePath, err)
		cache = &register.ResultCache{}
	}
	a.Cache = cache
}

// RunInfo prints a summary of the source cloud and, when given, the target.
func (a *App) RunInfo(ctx context.Context) error {
	if a.SourceFile == "" {
		return fmt.Errorf("-source is required")
	}
	for _, path := range []string{a.SourceFile, a.TargetFile} {
		if path == "" {
			continue
		}
		pc, err := cloud.Open(ctx, path)
		if err != nil {
			return err
		}
		printSummary(a.Out, path, cloud.Summarize(pc))
	}
	return nil
}

func printSummary(out io.Writer, path string, s cloud.Summary) {
	_, _ = fmt.Fprintf(out, "=== %s ===\n", path)
	_, _ = fmt.Fprintf(out, "Points: %d (normals: %v)\n", s.Points, s.HasNormals)
	_, _ = fmt.Fprintf(out, "Bounds: (%.4f, %.4f, %.4f) - (%.4f, %.4f, %.4f)\n",
		s.Bounds.Min.X, s.Bounds.Min.Y, s.Bounds.Min.Z, s.Bounds.Max.X, s.Bounds.Max.Y, s.Bounds.Max.Z)
	_, _ = fmt.Fprintf(out, "Centroid: (%.4f, %.4f, %.4f)\n", s.Centroid.X, s.Centroid.Y, s.Centroid.Z)
	_, _ = fmt.Fprintf(out, "Diameter: %.4f\n", s.Diameter)
	_, _ = fmt.Fprintf(out, "Average spacing: %.4f\n", s.AverageSpacing)
	_, _ = fmt.Fprintf(out, "XY footprint: %d hull vertices, area %.4f\n", len(s.Footprint), s.FootprintArea)
	_, _ = fmt.Fprintln(out)
}

// RunNormals estimates normals for the source cloud and writes it to the
// output file.
func (a *App) RunNormals(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.SourceFile == "" || a.OutputFile == "" {
		return fmt.Errorf("-source and -output are required")
	}
	k := a.Config.Normals.K
	if k <= 0 {
		return fmt.Errorf("normal estimation needs -k or normals.k in the config")
	}

	pc, err := cloud.Open(ctx, a.SourceFile)
	if err != nil {
		return err
	}
	if err := cloud.EstimateNormals(ctx, pc, k); err != nil {
		return fmt.Errorf("estimating normals: %w", err)
	}
	switch a.Config.Normals.Orientation {
	case register.OrientOutward:
		cloud.OrientNormalsOutward(pc)
	case register.OrientViewpoint:
		cloud.OrientNormalsTowards(pc, a.Config.Normals.Viewpoint)
	}
	if err := cloud.Save(a.OutputFile, pc); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(a.Out, "Wrote %d points with normals (k=%d) to %s\n", pc.Len(), k, a.OutputFile)
	return nil
}

// RunRegister aligns the source cloud onto the target, prints the result and
// optionally writes the transformed source.
func (a *App) RunRegister(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.SourceFile == "" || a.TargetFile == "" {
		return fmt.Errorf("-source and -target are required")
	}
	a.loadCache()

	source, target, err := loadPair(ctx, a.SourceFile, a.TargetFile)
	if err != nil {
		return err
	}
	report, err := a.registerClouds(ctx, publish.Request{Source: a.SourceFile, Target: a.TargetFile}, source, target)
	if err != nil {
		return err
	}
	printReport(a.Out, report)

	if a.OutputFile != "" {
		if err := cloud.Save(a.OutputFile, report.Transform.ApplyToCloud(source)); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(a.Out, "Wrote aligned source to %s\n", a.OutputFile)
	}
	return nil
}

// loadPair reads both clouds from local files or http(s) URLs.
func loadPair(ctx context.Context, sourcePath, targetPath string) (*cloud.PointCloud, *cloud.PointCloud, error) {
	source, err := cloud.Open(ctx, sourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading source: %w", err)
	}
	target, err := cloud.Open(ctx, targetPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading target: %w", err)
	}
	return source, target, nil
}

// Register loads the requested pair and registers it. It serves both the
// HTTP endpoint and MQTT requests; calls beyond maxConcurrentRegistrations
// wait for a free slot or ctx.
func (a *App) Register(ctx context.Context, req publish.Request) (*register.Report, error) {
	select {
	case a.slots <- struct{}{}:
		defer func() { <-a.slots }()
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for a registration slot: %w", ctx.Err())
	}

	sourcePath, err := a.resolveLocation(req.Source)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	targetPath, err := a.resolveLocation(req.Target)
	if err != nil {
		return nil, fmt.Errorf("target: %w", err)
	}
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	source, target, err := loadPair(ctx, sourcePath, targetPath)
	if err != nil {
		return nil, err
	}
	return a.registerClouds(ctx, req, source, target)
}

// resolveLocation confines local request paths to DataDir when it is set.
// Relative paths are taken from DataDir; URLs pass through.
func (a *App) resolveLocation(location string) (string, error) {
	if a.DataDir == "" || cloud.IsURL(location) {
		return location, nil
	}
	root, err := filepath.Abs(a.DataDir)
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	rel, err := filepath.Rel(root, filepath.Clean(path))
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%q is outside the data directory: %w", location, fs.ErrPermission)
	}
	return filepath.Join(root, rel), nil
}

// registerClouds runs the pipeline, starting from the requested pose or a
// cached transform when the pair converged before, then records and
// publishes the report.
func (a *App) registerClouds(ctx context.Context, req publish.Request, source, target *cloud.PointCloud) (*register.Report, error) {
	cfg := *a.Config
	if req.SkipGlobal {
		cfg.SkipGlobal = true
	}

	key := register.CacheKey(req.Source, req.Target)
	var (
		report *register.Report
		err    error
	)
	switch guess, cached := a.cachedTransform(key); {
	case req.Initial != nil:
		initial, perr := req.Initial.Transform()
		if perr != nil {
			return nil, perr
		}
		log.Printf("Using requested initial pose for %s", key)
		report, err = register.RegisterFrom(ctx, source, target, initial, &cfg)
	case cached:
		log.Printf("Using cached transform for %s", key)
		report, err = register.RegisterFrom(ctx, source, target, guess, &cfg)
	default:
		report, err = register.Register(ctx, source, target, &cfg)
	}
	if err != nil {
		return report, err
	}

	a.storeResult(key, report)
	a.Reports.Add(report)
	if a.Publisher != nil {
		if err := a.Publisher.PublishReport(report); err != nil {
			log.Printf("Error publishing report %s: %v", report.ID, err)
		}
	}
	return report, nil
}

func (a *App) cachedTransform(key string) (register.Transform, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.NoCache {
		return register.Identity(), false
	}
	return a.Cache.Lookup(key)
}

func (a *App) storeResult(key string, report *register.Report) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.NoCache || a.Cache == nil || !report.ICP.Converged {
		return
	}
	a.Cache.Store(key, report)
	if err := register.SaveCache(a.CachePath, a.Cache); err != nil {
		log.Printf("Warning: Failed to save result cache: %v", err)
	}
}

func printReport(out io.Writer, report *register.Report) {
	_, _ = fmt.Fprintf(out, "\n=== Registration %s ===\n", report.ID)
	_, _ = fmt.Fprintf(out, "Source: %d points, Target: %d points\n", report.Source.Points, report.Target.Points)
	if g := report.Global; g != nil {
		_, _ = fmt.Fprintf(out, "Global: %s score=%.3f rms=%.4f rounds=%d candidates=%d accuracy=%.4f\n",
			g.Status, g.Score, g.RMS, g.Rounds, g.Candidates, g.EffectiveAccuracy)
	} else {
		_, _ = fmt.Fprintln(out, "Global: skipped")
	}
	icp := report.ICP
	_, _ = fmt.Fprintf(out, "ICP: %s after %d iterations, residual=%.6f (point-to-plane: %v)\n",
		icp.State, icp.Iterations, icp.Residual, icp.PointToPlane)
	axis, angle := report.Transform.AxisAngle()
	_, _ = fmt.Fprintf(out, "Rotation: %.3f° about (%.4f, %.4f, %.4f)\n", angle*180/math.Pi, axis.X, axis.Y, axis.Z)
	t := report.Transform.T
	_, _ = fmt.Fprintf(out, "Translation: (%.6f, %.6f, %.6f)\n", t.X, t.Y, t.Z)
	_, _ = fmt.Fprintln(out, "Matrix:")
	for _, row := range report.Transform.Matrix4() {
		_, _ = fmt.Fprintf(out, "  %12.6f %12.6f %12.6f %12.6f\n", row[0], row[1], row[2], row[3])
	}
	_, _ = fmt.Fprintf(out, "Elapsed: %s\n", report.Elapsed.Round(time.Millisecond))
}

// handleRequest queues decoded MQTT requests for the worker and reports
// undecodable ones on the error topic.
func (a *App) handleRequest(req publish.Request, err error) {
	if err != nil {
		log.Printf("Invalid registration request: %v", err)
		a.publishError(req, err)
		return
	}
	select {
	case a.requests <- req:
	default:
		a.publishError(req, fmt.Errorf("request queue full"))
	}
}

// processRequests registers queued requests one at a time until ctx is done.
func (a *App) processRequests(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-a.requests:
			a.processRequest(ctx, req)
		}
	}
}

func (a *App) processRequest(ctx context.Context, req publish.Request) {
	log.Printf("Registering %s -> %s", req.Source, req.Target)
	if _, err := a.Register(ctx, req); err != nil {
		log.Printf("Registration of %s -> %s failed: %v", req.Source, req.Target, err)
		a.publishError(req, err)
	}
}

func (a *App) publishError(req publish.Request, cause error) {
	if a.Publisher == nil {
		return
	}
	if err := a.Publisher.PublishError(req, cause); err != nil {
		log.Printf("Error publishing request error: %v", err)
	}
}

// RunService runs the MQTT request worker and/or the HTTP server until ctx
// is canceled.
func (a *App) RunService(ctx context.Context) error {
	_, _ = fmt.Fprintln(a.Out, "Starting pointreg service...")
	if err := a.loadConfig(); err != nil {
		return err
	}
	a.loadCache()
	if a.ReportsPath != "" {
		a.Reports = NewReportStoreWithCache(a.ReportsPath, DefaultReportLimit)
		log.Printf("Report history: %s (%d reports loaded)", a.ReportsPath, a.Reports.Len())
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.MqttMode {
		a.requests = make(chan publish.Request, requestQueueSize)
		client, err := publish.Connect(ctx, a.Config.MQTT, a.handleRequest)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if client == nil {
			return fmt.Errorf("MQTT broker not configured (set mqtt.broker or MQTT_BROKER)")
		}
		a.MQTTClient = client
		a.Publisher = publish.NewPublisher(client.MQTT(), client.Prefix())
		g.Go(func() error { return a.processRequests(gctx) })
	}

	if a.HttpMode {
		srv := &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HttpPort),
			Handler:           newHTTPServer(a.Reports, a),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Printf("[HTTP] Starting server on %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.printServiceInfo()

	err := g.Wait()
	_, _ = fmt.Fprintln(a.Out, "\nShutting down service...")
	if a.MQTTClient != nil {
		a.MQTTClient.Disconnect()
	}
	_, _ = fmt.Fprintln(a.Out, "Service stopped")
	return err
}

func (a *App) printServiceInfo() {
	out := a.Out
	_, _ = fmt.Fprintln(out, "\nService Running")
	_, _ = fmt.Fprintln(out, "===============")
	if a.MQTTClient != nil {
		prefix := a.MQTTClient.Prefix()
		_, _ = fmt.Fprintln(out, "\nMQTT:")
		_, _ = fmt.Fprintf(out, "  Requests: %s\n", a.MQTTClient.RequestTopic())
		_, _ = fmt.Fprintf(out, "  Reports: %s/reports/{id}\n", prefix)
		_, _ = fmt.Fprintf(out, "  Latest transform: %s/transform\n", prefix)
		_, _ = fmt.Fprintf(out, "  Errors: %s/errors\n", prefix)
	}
	if a.HttpMode {
		_, _ = fmt.Fprintf(out, "\nHTTP endpoints (port %d):\n", a.HttpPort)
		_, _ = fmt.Fprintln(out, "  GET  /health         - Health check")
		_, _ = fmt.Fprintln(out, "  GET  /reports        - Stored report summaries")
		_, _ = fmt.Fprintln(out, "  GET  /reports/latest - Most recent report")
		_, _ = fmt.Fprintln(out, "  GET  /reports/{id}   - Report by ID")
		_, _ = fmt.Fprintln(out, "  POST /register       - Register a source/target pair")
	}
	_, _ = fmt.Fprintln(out, "\nPress Ctrl+C to stop")
}
