package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwv/pointreg/register"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions carries the parsed command line.
type AppOptions struct {
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
	InfoOnly    bool
	NormalsOnly bool
	RegisterRun bool
	MqttMode    bool
	HttpMode    bool
	HttpPort    int
}

// Application is the set of modes the command line can dispatch to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunInfo(ctx context.Context) error
	RunNormals(ctx context.Context) error
	RunRegister(ctx context.Context) error
	RunService(ctx context.Context) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, NewApp()); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatalf("Error: %v", err)
	}
}

// run parses args and dispatches to the selected mode of app.
func run(ctx context.Context, args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("pointreg", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "", "Path to YAML configuration file (defaults are used when empty)")
	fs.StringVar(&opts.SourceFile, "source", "", "Source point cloud file or http(s) URL (.xyz, .ply, .off, .pcd)")
	fs.StringVar(&opts.TargetFile, "target", "", "Target point cloud the source is aligned onto")
	fs.StringVar(&opts.OutputFile, "output", "", "Write the transformed source (or the cloud with normals) to this file")
	fs.StringVar(&opts.CachePath, "cache", register.DefaultCachePath, "Registration result cache")
	fs.StringVar(&opts.ReportsPath, "reports", "", "Persist service report history to this JSON file")
	fs.StringVar(&opts.DataDir, "data-dir", "", "Restrict local paths in service requests to this directory")
	fs.IntVar(&opts.K, "k", 0, "Neighbourhood size for normal estimation (overrides config)")
	fs.BoolVar(&opts.SkipGlobal, "skip-global", false, "Skip the global stage and run ICP from identity")
	fs.BoolVar(&opts.NoCache, "no-cache", false, "Ignore and do not update the result cache")
	fs.BoolVar(&opts.InfoOnly, "info", false, "Print a summary of the source (and target) cloud and exit")
	fs.BoolVar(&opts.NormalsOnly, "normals", false, "Estimate normals for the source cloud and write them to -output")
	fs.BoolVar(&opts.RegisterRun, "register", false, "Register source onto target and exit")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Run service mode accepting registration requests over MQTT")
	fs.BoolVar(&opts.HttpMode, "http", false, "Enable HTTP server for reports and registration requests")
	fs.IntVar(&opts.HttpPort, "http-port", 8080, "HTTP server port (default 8080)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "pointreg version: %s\n", Version)

	app.ApplyOptions(opts)

	switch {
	case opts.InfoOnly:
		return app.RunInfo(ctx)
	case opts.NormalsOnly:
		return app.RunNormals(ctx)
	case opts.RegisterRun:
		return app.RunRegister(ctx)
	case opts.MqttMode || opts.HttpMode:
		return app.RunService(ctx)
	}

	_, _ = fmt.Fprintln(out, "Use --info -source FILE to summarize a point cloud")
	_, _ = fmt.Fprintln(out, "Use --normals -source FILE -output FILE to estimate normals")
	_, _ = fmt.Fprintln(out, "Use --register -source FILE -target FILE to align two clouds")
	_, _ = fmt.Fprintln(out, "Use --mqtt and/or --http to run service mode")
	_, _ = fmt.Fprintln(out, "\nConfiguration:")
	_, _ = fmt.Fprintln(out, "  config.yaml - global, icp, normals and mqtt settings")
	_, _ = fmt.Fprintf(out, "  %s - cached transforms of converged runs\n", register.DefaultCachePath)
	return nil
}
