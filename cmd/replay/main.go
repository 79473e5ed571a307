package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"routereplay/internal/config"
	"routereplay/internal/fetch"
	"routereplay/internal/logger"
	"routereplay/internal/metrics"
	"routereplay/internal/models"
	"routereplay/internal/replay"
	"routereplay/internal/route"
	"syscall"
	"time"
)

func main() {
	// 1. Parse command-line arguments
	dataDir := flag.String("d", "", "Local route data directory (remote lookup when empty)")
	startSec := flag.Float64("s", 0, "Start playback at this many seconds into the route")
	speed := flag.Float64("x", 1.0, "Playback speed multiplier (0 publishes as fast as possible)")
	dcam := flag.Bool("dcam", false, "Load driver camera streams")
	ecam := flag.Bool("ecam", false, "Load wide road camera streams")
	qcam := flag.Bool("qcam", false, "Load low-res qcamera streams instead of road camera")
	noCache := flag.Bool("no-cache", false, "Do not persist downloaded files to the local cache")
	noHTTP := flag.Bool("no-http", false, "Never touch the network, local data only")
	quiet := flag.Bool("q", false, "Do not print per-event lines")
	logLevel := flag.String("L", "", "Log level (error, warn, info, debug); overrides REPLAY_LOG_LEVEL")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <route>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}
	routeID := flag.Arg(0)

	// 2. Load configuration and initialize logger
	cfg := config.Load()
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	log := logger.NewLogger(cfg.LogLevel)
	log.Infof("Starting route replay...")
	log.Infof("Log level set to: %s", cfg.LogLevel)

	flags := models.FlagNone
	if *dcam {
		flags |= models.FlagDCam
	}
	if *ecam {
		flags |= models.FlagECam
	}
	if *qcam {
		flags |= models.FlagQCamera
	}
	if *noCache {
		flags |= models.FlagNoFileCache
	}
	if *noHTTP {
		flags |= models.FlagNoHTTP
	}

	// 3. Initialize services
	stats := metrics.New()
	fetcher := fetch.NewFetcher(nil, log, stats)
	fetcher.ChunkSize = cfg.ChunkSize
	fetcher.MaxRetries = cfg.MaxRetries
	fetcher.RetryDelay = cfg.RetryDelay
	files := fetch.NewFileReader(fetcher, cfg.CacheDir, !flags.Has(models.FlagNoFileCache), log, stats)
	resolver := route.NewResolver(cfg.APIBaseURL, fetcher, log)
	resolver.AllowNetwork = !flags.Has(models.FlagNoHTTP)

	var published int
	sink := func(ev replay.StreamEvent) {
		published++
		if *quiet {
			return
		}
		if ev.Frame != nil {
			fmt.Printf("%10.3f  %-20s %s %dx%d (%d bytes)\n",
				ev.RouteSeconds, ev.Kind, ev.Camera, ev.Width, ev.Height, len(ev.Frame))
			return
		}
		fmt.Printf("%10.3f  %-20s %d bytes\n", ev.RouteSeconds, ev.Kind, len(ev.Data))
	}

	opts := []replay.Option{
		replay.WithLogger(log),
		replay.WithMetrics(stats),
		replay.WithSpeed(*speed),
		replay.WithResolver(resolver),
		replay.WithFileReader(files),
	}
	if *startSec > 0 {
		// Hold playback until the seek below lands.
		opts = append(opts, replay.WithStartPaused())
	}
	rp := replay.New(routeID, *dataDir, flags, sink, opts...)

	// 4. Serve metrics when configured
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: stats.Handler(nil),
		}
		go func() {
			log.Infof("Metrics listening on %s", cfg.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorf("Could not listen on %s: %v", cfg.MetricsAddr, err)
			}
		}()
	}

	// 5. Load the route and start playback
	loadCtx, cancelLoad := context.WithTimeout(context.Background(), 5*time.Minute)
	if err := rp.Load(loadCtx); err != nil {
		cancelLoad()
		log.Errorf("Failed to load route %s: %v", routeID, err)
		os.Exit(1)
	}
	cancelLoad()
	log.Infof("Route %s loaded, %.0f seconds total", routeID, rp.TotalSeconds())

	if *startSec > 0 {
		seekCtx, cancelSeek := context.WithTimeout(context.Background(), 5*time.Minute)
		err := rp.Seek(seekCtx, *startSec)
		cancelSeek()
		if err != nil {
			log.Errorf("Failed to seek to %.1f s: %v", *startSec, err)
			os.Exit(1)
		}
		rp.Resume()
	}

	// 6. Wait for a shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Infof("Replay is shutting down...")

	rp.Close()

	if metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Errorf("Metrics server shutdown failed: %v", err)
		}
	}

	log.Infof("Published %d events, exited gracefully", published)
}
