// Package scheduler implements the extraction scheduler (C8): an outer
// loop that refreshes the catalog from the media server and drains the
// extraction queue in batches, gated by an optional time-of-day window.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ambisync/ambisync/internal/border"
	"github.com/ambisync/ambisync/internal/catalog"
	"github.com/ambisync/ambisync/internal/extractor"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/mediaclient"
	"github.com/ambisync/ambisync/internal/metrics"
)

// Config configures one scheduler pass.
type Config struct {
	ScanInterval   time.Duration
	BatchSize      int
	Policy         catalog.Policy
	MaxAge         time.Duration
	Window         Window
	BinariesDir    string
	Geometry       border.Geometry
	Format         ledframe.Format
	BorderFraction float64
	Tint           border.TintConfig
	FPS            float64
	FPSMin, FPSMax float64
	GateChunk      time.Duration // poll granularity while waiting for the window to open

	Decoder extractor.DecoderFactory // nil uses extractor.FFmpegDecoder
	Probe   func(ctx context.Context, sourcePath string) (float64, error)
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.Policy == "" {
		c.Policy = catalog.PolicyNewestFirst
	}
	if c.GateChunk <= 0 {
		c.GateChunk = 5 * time.Second
	}
	return c
}

// Scheduler owns one catalog and runs the outer extraction loop
// against it.
type Scheduler struct {
	media *mediaclient.Client
	cat   *catalog.Catalog
	cfg   Config
}

// New constructs a Scheduler. media may be offline at any time; catalog
// refresh degrades to stale data rather than failing the pass.
func New(media *mediaclient.Client, cat *catalog.Catalog, cfg Config) *Scheduler {
	return &Scheduler{media: media, cat: cat, cfg: cfg.withDefaults()}
}

// Run executes the outer loop described in spec.md §4.8 until ctx is
// cancelled. CleanupOrphans should be called once before Run, at
// process startup.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		if err := s.waitForWindow(ctx); err != nil {
			return // context cancelled
		}
		if err := s.RefreshCatalog(ctx); err != nil {
			log.Printf("scheduler: catalog refresh failed, continuing with stale catalog: %v", err)
		}
		if err := s.DrainBatch(ctx); err != nil {
			log.Printf("scheduler: batch drain error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ScanInterval):
		}
	}
}

// waitForWindow blocks in GateChunk-sized increments until the
// configured window opens, so shutdown is observed within seconds
// rather than at the end of a long sleep.
func (s *Scheduler) waitForWindow(ctx context.Context) error {
	for !s.cfg.Window.Open(time.Now()) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.GateChunk):
		}
	}
	return nil
}

// RefreshCatalog lists libraries and items from the media server and
// upserts a pending catalog entry for every item not already known.
// Best-effort: a media-server failure returns an error but leaves the
// existing catalog untouched.
func (s *Scheduler) RefreshCatalog(ctx context.Context) error {
	users, err := s.media.Users(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(users) == 0 {
		return fmt.Errorf("media server returned no users")
	}
	userID := users[0].ID

	views, err := s.media.Views(ctx, userID)
	if err != nil {
		return fmt.Errorf("list views: %w", err)
	}

	known, err := s.cat.List()
	if err != nil {
		return fmt.Errorf("list catalog: %w", err)
	}
	seen := make(map[string]catalog.Item, len(known))
	for _, it := range known {
		seen[it.ID] = it
	}

	for _, lib := range views {
		items, err := s.media.Items(ctx, userID, lib.ID)
		if err != nil {
			log.Printf("scheduler: list items for library %s: %v", lib.Name, err)
			continue
		}
		for _, mi := range items {
			path := mi.SourcePath()
			if path == "" {
				continue
			}
			existing, ok := seen[mi.ID]
			createdAt := parseJellyfinDate(mi.DateCreated)
			if ok && existing.FilePath == path {
				continue
			}
			item := catalog.Item{
				ID:                  mi.ID,
				LibraryID:           lib.ID,
				Name:                mi.Name,
				Type:                mi.Type,
				Kind:                deriveKind(mi.Type),
				Season:              mi.ParentIndexNumber,
				Episode:             mi.IndexNumber,
				FilePath:            path,
				CreatedAt:           time.Now(),
				JellyfinDateCreated: createdAt,
				ExtractionStatus:    catalog.StatusPending,
			}
			if ok {
				item.CreatedAt = existing.CreatedAt
				item.ExtractionStatus = existing.ExtractionStatus
				item.ExtractionAttempts = existing.ExtractionAttempts
			}
			if err := s.cat.Save(item); err != nil {
				log.Printf("scheduler: save item %s: %v", mi.ID, err)
			}
		}
	}
	return nil
}

// DrainBatch processes up to Config.BatchSize pending items: items with
// an up-to-date binary are marked completed without work; the rest are
// extracted via C3.
func (s *Scheduler) DrainBatch(ctx context.Context) error {
	items, err := s.cat.ItemsNeedingExtraction(s.cfg.Policy, 0, s.cfg.MaxAge)
	if err != nil {
		return fmt.Errorf("enumerate queue: %w", err)
	}
	metrics.CatalogQueueDepth.Set(float64(len(items)))
	if s.cfg.BatchSize > 0 && len(items) > s.cfg.BatchSize {
		items = items[:s.cfg.BatchSize]
	}
	for _, item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.processOne(ctx, item)
	}
	return nil
}

func (s *Scheduler) processOne(ctx context.Context, item catalog.Item) {
	binPath := extractor.BinaryPath(s.cfg.BinariesDir, item.ID)

	srcInfo, err := os.Stat(item.FilePath)
	if err != nil {
		log.Printf("scheduler: source missing for %s: %v", item.ID, err)
		return
	}
	if binInfo, err := os.Stat(binPath); err == nil && binInfo.ModTime().After(srcInfo.ModTime()) {
		if ok, _, _, err := ledframe.PeekHeader(binPath); err != nil || !ok {
			log.Printf("scheduler: %s has a newer-than-source binary but a bad header, re-extracting: %v", item.ID, err)
		} else {
			if err := s.cat.MarkCompleted(item.ID); err != nil {
				log.Printf("scheduler: mark completed %s: %v", item.ID, err)
			}
			metrics.ExtractionAttempts.WithLabelValues("completed").Inc()
			return
		}
	}

	opts := extractor.Options{
		SourcePath:     item.FilePath,
		ItemID:         item.ID,
		OutputDir:      s.cfg.BinariesDir,
		FPS:            s.cfg.FPS,
		FPSMin:         s.cfg.FPSMin,
		FPSMax:         s.cfg.FPSMax,
		Geometry:       s.cfg.Geometry,
		Format:         s.cfg.Format,
		BorderFraction: s.cfg.BorderFraction,
		Tint:           s.cfg.Tint,
		Decoder:        s.cfg.Decoder,
		Probe:          s.cfg.Probe,
	}
	if _, err := extractor.Run(ctx, opts); err != nil {
		log.Printf("scheduler: extraction failed for %s: %v", item.ID, err)
		if merr := s.cat.MarkFailed(item.ID, err.Error()); merr != nil {
			log.Printf("scheduler: mark failed %s: %v", item.ID, merr)
		}
		metrics.ExtractionAttempts.WithLabelValues("failed").Inc()
		return
	}
	if err := s.cat.MarkCompleted(item.ID); err != nil {
		log.Printf("scheduler: mark completed %s: %v", item.ID, err)
	}
	metrics.ExtractionAttempts.WithLabelValues("completed").Inc()
}

// CleanupOrphans deletes any {id}.bin in dir whose header magic is
// missing, the restart-time discard of partial files from interrupted
// extractions described in spec.md §5.
func CleanupOrphans(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read binaries dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".bin" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if !ledframe.HasValidMagic(path) {
			if err := os.Remove(path); err != nil {
				log.Printf("scheduler: remove orphan %s: %v", path, err)
			} else {
				log.Printf("scheduler: removed orphan binary %s", path)
			}
		}
	}
	return nil
}

// deriveKind maps a Jellyfin item type to the broader display category
// stored as Item.Kind, matching the original storage layer's rule:
// Episode/Series/Season collapse to "Serie", Movie stays "Movie",
// anything else falls back to the raw type or "Video".
func deriveKind(itemType string) string {
	switch strings.ToLower(itemType) {
	case "episode", "series", "season":
		return "Serie"
	case "movie":
		return "Movie"
	case "":
		return "Video"
	default:
		return itemType
	}
}

func parseJellyfinDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	return time.Time{}
}
