// Package session implements the session orchestrator (C6): polls the
// media server, matches playing items to a WLED target, and manages
// one playback engine instance per session. See spec.md §4.6.
package session

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ambisync/ambisync/internal/eventlog"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/mediaclient"
	"github.com/ambisync/ambisync/internal/metrics"
	"github.com/ambisync/ambisync/internal/udpsender"
)

// Endpoint is the WLED UDP destination type shared with C4.
type Endpoint = udpsender.Endpoint

// DeviceMatchField selects which session attribute is matched against
// the target map.
type DeviceMatchField string

const (
	MatchDeviceName DeviceMatchField = "DeviceName"
	MatchClient     DeviceMatchField = "Client"
	MatchDeviceID   DeviceMatchField = "DeviceId"
)

// EngineHandle is the control surface an orchestrator needs from a
// playback engine, satisfied by *engine.Engine.
type EngineHandle interface {
	Start(t0 float64, sourceWallTs *time.Time)
	Pause()
	Resume()
	SyncTo(t float64, sourceWallTs *time.Time)
	Stop()
}

// EngineFactory opens the binary for itemID and constructs a running
// engine targeting endpoint. The orchestrator owns the returned
// closer (typically the binary reader) and releases it on stop.
type EngineFactory func(itemID string, endpoint Endpoint) (EngineHandle, Closer, error)

// Closer is satisfied by *ledframe.Reader.
type Closer interface {
	Close() error
}

// Config configures one orchestrator instance.
type Config struct {
	PollInterval     time.Duration
	DeviceMatchField DeviceMatchField
	Targets          TargetMap
	BinariesDir      string
	SeekThreshold    time.Duration
	SeekDebounce     time.Duration

	// EventLog is optional; when set, every state transition below is
	// appended as a best-effort diagnostic event.
	EventLog *eventlog.Log
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.DeviceMatchField == "" {
		c.DeviceMatchField = MatchDeviceName
	}
	if c.SeekThreshold <= 0 {
		c.SeekThreshold = time.Second
	}
	if c.SeekDebounce <= 0 {
		c.SeekDebounce = time.Second
	}
	return c
}

type managedEngine struct {
	id       uuid.UUID
	handle   EngineHandle
	closer   Closer
	itemID   string
	endpoint Endpoint
	paused   bool
	position float64
	lastSeek time.Time
}

// Orchestrator runs the single poll loop described in spec.md §4.6.
type Orchestrator struct {
	media   *mediaclient.Client
	engines EngineFactory
	cfg     Config

	mu       sync.Mutex
	sessions map[string]*managedEngine

	logMu      sync.Mutex
	deviceLogs map[string]*rate.Limiter
	itemLogs   map[string]*rate.Limiter
}

// New constructs an Orchestrator. media resolves sessions; engines
// opens a binary and starts an engine for a given item/endpoint pair.
func New(media *mediaclient.Client, engines EngineFactory, cfg Config) *Orchestrator {
	return &Orchestrator{
		media:      media,
		engines:    engines,
		cfg:        cfg.withDefaults(),
		sessions:   make(map[string]*managedEngine),
		deviceLogs: make(map[string]*rate.Limiter),
		itemLogs:   make(map[string]*rate.Limiter),
	}
}

// Run polls forever at Config.PollInterval until ctx is cancelled,
// stopping every tracked engine on exit (spec.md §5's shutdown rule).
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if err := o.Poll(ctx); err != nil {
			log.Printf("session: poll error: %v", err)
		}
		select {
		case <-ctx.Done():
			o.stopAll()
			return
		case <-ticker.C:
		}
	}
}

// Poll runs exactly one reconciliation pass: the numbered steps in
// spec.md §4.6.
func (o *Orchestrator) Poll(ctx context.Context) error {
	sessions, err := o.media.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("session: list sessions: %w", err)
	}

	seen := make(map[string]struct{}, len(sessions))
	videoCount := 0
	for _, s := range sessions {
		if !s.IsVideoSession() {
			continue
		}
		videoCount++
		seen[s.ID] = struct{}{}
		o.reconcile(s)
	}

	o.forgetMissing(seen)
	if videoCount == 0 {
		o.stopAll()
	}

	o.mu.Lock()
	active := len(o.sessions)
	o.mu.Unlock()
	metrics.ActiveEngines.Set(float64(active))

	return nil
}

func (o *Orchestrator) deviceValue(s mediaclient.Session) string {
	switch o.cfg.DeviceMatchField {
	case MatchClient:
		return s.Client
	case MatchDeviceID:
		return s.DeviceID
	default:
		return s.DeviceName
	}
}

func (o *Orchestrator) reconcile(s mediaclient.Session) {
	device := o.deviceValue(s)
	endpoint, ok := o.cfg.Targets.Resolve(device)
	if !ok {
		o.logDeviceRateLimited(device)
		return
	}

	binPath := filepath.Join(o.cfg.BinariesDir, s.NowPlayingItem.ID+".bin")
	if !ledframe.HasValidMagic(binPath) {
		o.logItemRateLimited(s.NowPlayingItem.ID)
		return
	}

	position := s.PlayState.PositionSeconds()
	isPlaying := !s.PlayState.IsPaused
	now := time.Now()

	o.mu.Lock()
	me, exists := o.sessions[s.ID]
	o.mu.Unlock()

	switch {
	case exists && me.itemID != s.NowPlayingItem.ID:
		o.stopAndForget(s.ID)
		o.reconcile(s) // re-evaluate as a fresh session below
		return

	case !exists && isPlaying:
		handle, closer, err := o.engines(s.NowPlayingItem.ID, endpoint)
		if err != nil {
			log.Printf("session: start engine for item %s: %v", s.NowPlayingItem.ID, err)
			return
		}
		handle.Start(position, &now)
		me = &managedEngine{
			id:       uuid.New(),
			handle:   handle,
			closer:   closer,
			itemID:   s.NowPlayingItem.ID,
			endpoint: endpoint,
			paused:   false,
			position: position,
		}
		log.Printf("session[%s]: engine %s started item=%s endpoint=%s pos=%.2f", s.ID, me.id, me.itemID, endpoint, position)
		o.mu.Lock()
		o.sessions[s.ID] = me
		o.mu.Unlock()
		o.logEvent(s.ID, me.itemID, eventlog.KindStarted, position, "")

	case exists && me.paused && isPlaying:
		me.handle.Resume()
		me.paused = false
		me.position = position
		o.logEvent(s.ID, me.itemID, eventlog.KindResumed, position, "")

	case exists && !me.paused && !isPlaying:
		me.handle.Pause()
		me.paused = true
		me.position = position
		o.logEvent(s.ID, me.itemID, eventlog.KindPaused, position, "")

	case exists && !me.paused && isPlaying:
		if abs(position-me.position) > o.cfg.SeekThreshold.Seconds() && now.Sub(me.lastSeek) >= o.cfg.SeekDebounce {
			me.handle.SyncTo(position, &now)
			me.lastSeek = now
			o.logEvent(s.ID, me.itemID, eventlog.KindSynced, position, "")
		}
		me.position = position
	}
}

func (o *Orchestrator) logEvent(sessionID, itemID string, kind eventlog.Kind, position float64, detail string) {
	if o.cfg.EventLog == nil {
		return
	}
	o.cfg.EventLog.Append(eventlog.Event{SessionID: sessionID, ItemID: itemID, Kind: kind, Position: position, Detail: detail})
}

func (o *Orchestrator) forgetMissing(seen map[string]struct{}) {
	o.mu.Lock()
	var stale []string
	for id := range o.sessions {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	o.mu.Unlock()
	for _, id := range stale {
		o.stopAndForget(id)
	}
}

func (o *Orchestrator) stopAndForget(sessionID string) {
	o.mu.Lock()
	me, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	me.handle.Stop()
	if me.closer != nil {
		_ = me.closer.Close()
	}
	log.Printf("session[%s]: engine %s stopped", sessionID, me.id)
	o.logEvent(sessionID, me.itemID, eventlog.KindStopped, me.position, "")
}

func (o *Orchestrator) stopAll() {
	o.mu.Lock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.stopAndForget(id)
	}
}

// logRateLimit bounds how often a flapping session can repeat a
// mapping_error/missing-binary log line between polls.
const logRateLimit = time.Minute

func (o *Orchestrator) logDeviceRateLimited(device string) {
	o.logMu.Lock()
	lim, ok := o.deviceLogs[device]
	if !ok {
		lim = rate.NewLimiter(rate.Every(logRateLimit), 1)
		o.deviceLogs[device] = lim
	}
	o.logMu.Unlock()
	if lim.Allow() {
		log.Printf("session: no mapping for '%s'", device)
	}
}

func (o *Orchestrator) logItemRateLimited(itemID string) {
	o.logMu.Lock()
	lim, ok := o.itemLogs[itemID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(logRateLimit), 1)
		o.itemLogs[itemID] = lim
	}
	o.logMu.Unlock()
	if lim.Allow() {
		log.Printf("session: no binary for item '%s'", itemID)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
