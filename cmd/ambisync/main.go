// Command ambisync runs the extraction scheduler and the session
// orchestrator together in one process, for single-host deployments
// that do not need the extractor and player split across hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/ambisync/ambisync/internal/border"
	"github.com/ambisync/ambisync/internal/catalog"
	"github.com/ambisync/ambisync/internal/clock"
	"github.com/ambisync/ambisync/internal/config"
	"github.com/ambisync/ambisync/internal/engine"
	"github.com/ambisync/ambisync/internal/eventlog"
	"github.com/ambisync/ambisync/internal/health"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/mediaclient"
	"github.com/ambisync/ambisync/internal/metrics"
	"github.com/ambisync/ambisync/internal/scheduler"
	"github.com/ambisync/ambisync/internal/session"
	"github.com/ambisync/ambisync/internal/udpsender"
)

func main() {
	envFile := flag.String("env-file", "", "optional .env file to load before reading the environment")
	addr := flag.String("addr", ":9190", "HTTP listen address for /metrics and /healthz")
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
	if len(cfg.Targets) == 0 {
		log.Fatalf("config_error: no WLED_TARGET_<IDENT> entries configured")
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

	sender, err := udpsender.New(udpsender.Config{DNSTTL: cfg.DNSTTL, DNSDisable: cfg.DNSDisable})
	if err != nil {
		log.Fatalf("udpsender: %v", err)
	}
	defer sender.Close()
	frameSink := udpsender.NewFixedFrameSink(sender, cfg.PhysicalLEDCount*3)

	var evlog *eventlog.Log
	if cfg.DataDir != "" {
		evlog, err = eventlog.Open(filepath.Join(cfg.DataDir, "events.db"))
		if err != nil {
			log.Printf("eventlog: disabled, open failed: %v", err)
			evlog = nil
		} else {
			defer evlog.Close()
		}
	}

	factory := func(itemID string, endpoint session.Endpoint) (session.EngineHandle, session.Closer, error) {
		binPath := filepath.Join(cfg.BinariesDir(), itemID+".bin")
		reader, err := ledframe.OpenReader(binPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open binary for %s: %w", itemID, err)
		}
		eng, err := engine.New(reader, frameSink, endpoint, clock.Real{}, engine.Config{
			SyncLead:       cfg.SyncLead,
			MaxCatchupLag:  cfg.MaxCatchupLag,
			CatchupMode:    cfg.CatchupMode,
			MaxBurstFrames: cfg.MaxBurstFrames,
		})
		if err != nil {
			reader.Close()
			return nil, nil, fmt.Errorf("start engine for %s: %w", itemID, err)
		}
		return eng, reader, nil
	}

	orch := session.New(media, factory, session.Config{
		PollInterval:     cfg.PollInterval,
		DeviceMatchField: cfg.DeviceMatchField,
		Targets:          cfg.Targets,
		BinariesDir:      cfg.BinariesDir(),
		SeekThreshold:    cfg.SeekThreshold,
		SeekDebounce:     cfg.SeekDebounce,
		EventLog:         evlog,
	})

	checker := health.NewChecker(cfg.MediaServerURL, cfg.MediaServerToken, cfg.Targets)
	ctx, cancel := context.WithCancel(context.Background())
	go checker.Run(ctx, cfg.PollInterval*10)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checker)
	go func() {
		if err := http.ListenAndServe(*addr, mux); err != nil {
			log.Fatalf("http: %v", err)
		}
	}()
	log.Printf("ambisync: metrics/health on %s", *addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Println("ambisync: shutting down")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sched.Run(ctx) }()
	go func() { defer wg.Done(); orch.Run(ctx) }()
	wg.Wait()
}
