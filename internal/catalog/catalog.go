// Package catalog implements the item catalog (C7): a directory of one
// small JSON document per known video, its metadata and extraction
// status. See spec.md §4.7.
package catalog

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Status is an extraction status; see the transition rules in
// spec.md §4.7.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Policy orders items_needing_extraction, spec.md §4.7.
type Policy string

const (
	PolicyNewestFirst       Policy = "newest_first"
	PolicyOldestFirst       Policy = "oldest_first"
	PolicyAlphabetical      Policy = "alphabetical"
	PolicyMoviesNewestFirst Policy = "movies_newest_first"
)

// Item is one catalog document.
type Item struct {
	ID                  string    `json:"id"`
	LibraryID           string    `json:"library_id"`
	Name                string    `json:"name"`
	Type                string    `json:"type"` // Movie, Episode, Video
	Kind                string    `json:"kind,omitempty"`
	Season              int       `json:"season,omitempty"`
	Episode             int       `json:"episode,omitempty"`
	FilePath            string    `json:"filepath"`
	CreatedAt           time.Time `json:"created_at"`
	JellyfinDateCreated time.Time `json:"jellyfin_date_created"`
	UpdatedAt           time.Time `json:"updated_at"`
	ExtractionStatus    Status    `json:"extraction_status"`
	ExtractionError     string    `json:"extraction_error,omitempty"`
	ExtractionAttempts  int       `json:"extraction_attempts"`
}

// Catalog is a directory of per-item JSON documents under dir.
type Catalog struct {
	dir string
}

// Open returns a Catalog rooted at dir, creating it if absent.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("catalog: mkdir %s: %w", dir, err)
	}
	return &Catalog{dir: dir}, nil
}

func (c *Catalog) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// Save writes item atomically (temp file + rename), the same discipline
// the teacher's single-file catalog used for the whole document.
func (c *Catalog) Save(item Item) error {
	item.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return fmt.Errorf("catalog: marshal %s: %w", item.ID, err)
	}
	tmp, err := os.CreateTemp(c.dir, ".item-*.json.tmp")
	if err != nil {
		return fmt.Errorf("catalog: create temp: %w", err)
	}
	tmpName := tmp.Name()
	_, writeErr := tmp.Write(data)
	closeErr := tmp.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(tmpName)
		if writeErr != nil {
			return fmt.Errorf("catalog: write %s: %w", item.ID, writeErr)
		}
		return fmt.Errorf("catalog: close temp for %s: %w", item.ID, closeErr)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: chmod %s: %w", item.ID, err)
	}
	if err := os.Rename(tmpName, c.path(item.ID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("catalog: rename %s: %w", item.ID, err)
	}
	return nil
}

// Load reads one item by id.
func (c *Catalog) Load(id string) (Item, error) {
	data, err := os.ReadFile(c.path(id))
	if err != nil {
		return Item{}, fmt.Errorf("catalog: read %s: %w", id, err)
	}
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return Item{}, fmt.Errorf("catalog: decode %s: %w", id, err)
	}
	return item, nil
}

// List returns every item in the catalog. Malformed documents are
// skipped with a warning, not an error, per spec.md §4.7.
func (c *Catalog) List() ([]Item, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("catalog: read dir %s: %w", c.dir, err)
	}
	var items []Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			log.Printf("catalog: read %s: %v", e.Name(), err)
			continue
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			log.Printf("catalog: malformed document %s: %v", e.Name(), err)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkCompleted records a successful extraction and bumps attempts.
func (c *Catalog) MarkCompleted(id string) error {
	item, err := c.Load(id)
	if err != nil {
		return err
	}
	item.ExtractionStatus = StatusCompleted
	item.ExtractionError = ""
	item.ExtractionAttempts++
	return c.Save(item)
}

// MarkFailed records a failed extraction with reason and bumps attempts.
// A failed item stays failed until human intervention (no automatic
// transition back to pending).
func (c *Catalog) MarkFailed(id, reason string) error {
	item, err := c.Load(id)
	if err != nil {
		return err
	}
	item.ExtractionStatus = StatusFailed
	item.ExtractionError = reason
	item.ExtractionAttempts++
	return c.Save(item)
}

// InvalidateStale transitions completed -> pending when the source file
// is newer than the binary at binPath (the mtime rule).
func (c *Catalog) InvalidateStale(id, binPath string) error {
	item, err := c.Load(id)
	if err != nil {
		return err
	}
	if item.ExtractionStatus != StatusCompleted {
		return nil
	}
	srcInfo, err := os.Stat(item.FilePath)
	if err != nil {
		return nil // source gone; leave status alone, enumeration will skip it
	}
	binInfo, err := os.Stat(binPath)
	if err != nil || srcInfo.ModTime().After(binInfo.ModTime()) {
		item.ExtractionStatus = StatusPending
		return c.Save(item)
	}
	return nil
}

// ItemsNeedingExtraction enumerates pending items ordered by policy,
// skipping items whose filepath does not resolve, failed items, and
// (when maxAge > 0) items older than maxAge per JellyfinDateCreated.
func (c *Catalog) ItemsNeedingExtraction(policy Policy, limit int, maxAge time.Duration) ([]Item, error) {
	all, err := c.List()
	if err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	var candidates []Item
	for _, it := range all {
		if it.ExtractionStatus == StatusFailed || it.ExtractionStatus == StatusCompleted {
			continue
		}
		if _, err := os.Stat(it.FilePath); err != nil {
			continue
		}
		if !cutoff.IsZero() && it.JellyfinDateCreated.Before(cutoff) {
			continue
		}
		candidates = append(candidates, it)
	}

	sortByPolicy(candidates, policy)

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func sortByPolicy(items []Item, policy Policy) {
	switch policy {
	case PolicyOldestFirst:
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].JellyfinDateCreated.Before(items[j].JellyfinDateCreated)
		})
	case PolicyAlphabetical:
		sort.SliceStable(items, func(i, j int) bool {
			return strings.ToLower(items[i].Name) < strings.ToLower(items[j].Name)
		})
	case PolicyMoviesNewestFirst:
		sort.SliceStable(items, func(i, j int) bool {
			pi, pj := items[i].Type == "Movie", items[j].Type == "Movie"
			if pi != pj {
				return pi // movies sort before non-movies
			}
			return items[i].JellyfinDateCreated.After(items[j].JellyfinDateCreated)
		})
	default: // PolicyNewestFirst
		sort.SliceStable(items, func(i, j int) bool {
			return items[i].JellyfinDateCreated.After(items[j].JellyfinDateCreated)
		})
	}
}
