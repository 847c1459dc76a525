// Command ambisync-extractor runs the catalog refresh and extraction
// scheduler (C7/C8) against a media server, producing LED-frame
// binaries for the player to consume.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ambisync/ambisync/internal/border"
	"github.com/ambisync/ambisync/internal/catalog"
	"github.com/ambisync/ambisync/internal/config"
	"github.com/ambisync/ambisync/internal/mediaclient"
	"github.com/ambisync/ambisync/internal/metrics"
	"github.com/ambisync/ambisync/internal/scheduler"
)

func main() {
	envFile := flag.String("env-file", "", "optional .env file to load before reading the environment")
	addr := flag.String("addr", ":9191", "HTTP listen address for /metrics")
	flag.Parse()

	if *envFile != "" {
		if err := config.LoadEnvFile(*envFile); err != nil {
			log.Fatalf("config_error: load env file: %v", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}

	cat, err := catalog.Open(cfg.ItemsDir())
	if err != nil {
		log.Fatalf("catalog: %v", err)
	}
	if err := scheduler.CleanupOrphans(cfg.BinariesDir()); err != nil {
		log.Printf("scheduler: cleanup orphans: %v", err)
	}

	window, err := scheduler.ParseWindow(cfg.ExtractionWindowStart, cfg.ExtractionWindowEnd)
	if err != nil {
		log.Fatalf("%v", err)
	}

	media := mediaclient.New(cfg.MediaServerURL, cfg.MediaServerToken)
	sched := scheduler.New(media, cat, scheduler.Config{
		ScanInterval: cfg.ScanInterval,
		BatchSize:    cfg.BatchSize,
		Policy:       cfg.QueuePolicy,
		MaxAge:       cfg.ExtractionMaxAge,
		Window:       window,
		BinariesDir:  cfg.BinariesDir(),
		Geometry: border.Geometry{
			Top: cfg.Geometry.Top, Right: cfg.Geometry.Right,
			Bottom: cfg.Geometry.Bottom, Left: cfg.Geometry.Left,
			Offset: cfg.Geometry.Offset,
		},
		Format:         cfg.LEDFormat,
		BorderFraction: cfg.BorderFraction,
		Tint: border.TintConfig{
			Enabled:         cfg.TintEnabled,
			DarkThreshold:   cfg.TintDarkThreshold,
			SaturationBoost: cfg.TintSaturationBoost,
		},
		FPS:    cfg.FPS,
		FPSMin: cfg.FPSMin,
		FPSMax: cfg.FPSMax,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	go func() {
		if err := http.ListenAndServe(*addr, mux); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("ambisync-extractor: metrics on %s", *addr)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("ambisync-extractor: shutting down")
		cancel()
	}()

	sched.Run(ctx)
}
