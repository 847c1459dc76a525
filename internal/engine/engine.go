// Package engine implements the playback engine (C5): for one open
// binary, emits payloads on schedule against wall-clock time. See
// spec.md §4.5.
package engine

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ambisync/ambisync/internal/clock"
	"github.com/ambisync/ambisync/internal/ledframe"
	"github.com/ambisync/ambisync/internal/metrics"
	"github.com/ambisync/ambisync/internal/udpsender"
)

// ErrMalformedBinary is returned by New when reader is nil; per
// spec.md §4.5, "a malformed binary is a startup error (engine refuses
// to start)". A reader with no frames is accepted and simply idles.
// Callers that already validated the binary via ledframe.OpenReader
// will not see this in practice; it is defense against constructing an
// Engine directly around a nil reader.
var ErrMalformedBinary = errors.New("engine: malformed binary")

// CatchupMode selects behavior when virtual time has drifted ahead of
// the next scheduled frame by more than MaxCatchupLag.
type CatchupMode string

const (
	CatchupLastOnly CatchupMode = "last_only"
	CatchupBurst    CatchupMode = "burst"
)

// Sink is the minimal surface an engine needs from the UDP sender,
// satisfied by *udpsender.Sender.
type Sink interface {
	Send(payload []byte, ep udpsender.Endpoint)
}

// Reader is the minimal surface an engine needs from an open binary,
// satisfied by *ledframe.Reader.
type Reader interface {
	Len() int
	TimestampAt(i int) (microseconds uint64, ok bool)
	FindNearest(tMicros uint64) int
	ReadPayload(i int) ([]byte, error)
	Header() ledframe.Header
}

// Config controls timing and catch-up behavior, sourced from
// SYNC_LEAD_SECONDS, MAX_CATCHUP_LAG_SECONDS, CATCHUP_MODE,
// MAX_BURST_FRAMES.
type Config struct {
	SyncLead      time.Duration // signed; added to every start()/sync_to() base
	MaxCatchupLag time.Duration
	CatchupMode   CatchupMode
	MaxBurstFrames int
}

func (c Config) withDefaults() Config {
	if c.MaxCatchupLag <= 0 {
		c.MaxCatchupLag = 100 * time.Millisecond
	}
	if c.CatchupMode == "" {
		c.CatchupMode = CatchupLastOnly
	}
	return c
}

// Stats is a snapshot of cumulative engine counters.
type Stats struct {
	FramesSent    uint64
	FramesDropped uint64
	ReadErrors    uint64
}

// Engine owns one open binary reader and emits its frames on schedule.
type Engine struct {
	reader   Reader
	sink     Sink
	endpoint udpsender.Endpoint
	clk      clock.Clock
	cfg      Config
	tick     time.Duration

	mu           sync.Mutex
	videoBase    float64 // seconds
	wallStart    time.Time
	currentIndex int
	running      bool
	paused       bool
	loopStarted  bool
	done         chan struct{}

	framesSent    atomic.Uint64
	framesDropped atomic.Uint64
	readErrors    atomic.Uint64
}

// New constructs an Engine around reader, which must already be open (a
// truly malformed binary fails at ledframe.OpenReader, before this
// call). An empty reader is valid: the run loop emits nothing.
func New(reader Reader, sink Sink, endpoint udpsender.Endpoint, clk clock.Clock, cfg Config) (*Engine, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: nil reader", ErrMalformedBinary)
	}
	fps := reader.Header().FPS
	tickRate := math.Max(20, fps)
	return &Engine{
		reader:   reader,
		sink:     sink,
		endpoint: endpoint,
		clk:      clk,
		cfg:      cfg.withDefaults(),
		tick:     time.Duration(float64(time.Second) / tickRate),
		done:     make(chan struct{}),
	}, nil
}

func secondsToMicros(s float64) uint64 {
	if s < 0 {
		s = 0
	}
	return uint64(math.Round(s * 1e6))
}

func microsToSeconds(us uint64) float64 { return float64(us) / 1e6 }

// Start implements spec.md §4.5's start(t0, source_wall_ts?): sets
// video_base_seconds = max(0, t0 + age + lead), anchors wall_start to
// now, seeks current_index to the nearest frame, and launches the run
// loop if it is not already running.
func (e *Engine) Start(t0 float64, sourceWallTs *time.Time) {
	now := e.clk.Now()
	age := 0.0
	if sourceWallTs != nil {
		if d := now.Sub(*sourceWallTs).Seconds(); d > 0 {
			age = d
		}
	}
	base := t0 + age + e.cfg.SyncLead.Seconds()
	if base < 0 {
		base = 0
	}

	e.mu.Lock()
	e.videoBase = base
	e.wallStart = now
	e.currentIndex = e.reader.FindNearest(secondsToMicros(base))
	e.running = true
	e.paused = false
	needLoop := !e.loopStarted
	if needLoop {
		e.loopStarted = true
	}
	e.mu.Unlock()

	if needLoop {
		go e.loop()
	}
}

// Pause implements pause(): freezes virtual time into video_base_seconds.
func (e *Engine) Pause() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || e.paused {
		return
	}
	e.videoBase = e.virtualTimeLocked(now)
	e.paused = true
}

// Resume implements resume(): re-anchors wall_start_instant to now.
func (e *Engine) Resume() {
	now := e.clk.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || !e.paused {
		return
	}
	e.wallStart = now
	e.paused = false
}

// SyncTo implements sync_to(t, source_wall_ts?): same computation as
// Start but never (re)launches the run loop.
func (e *Engine) SyncTo(t float64, sourceWallTs *time.Time) {
	now := e.clk.Now()
	age := 0.0
	if sourceWallTs != nil {
		if d := now.Sub(*sourceWallTs).Seconds(); d > 0 {
			age = d
		}
	}
	base := t + age + e.cfg.SyncLead.Seconds()
	if base < 0 {
		base = 0
	}

	e.mu.Lock()
	e.videoBase = base
	e.wallStart = now
	e.currentIndex = e.reader.FindNearest(secondsToMicros(base))
	e.mu.Unlock()
}

// Stop implements stop(): the run loop exits within one tick. Reader
// and sink handles remain owned by the engine until it is garbage
// collected or the caller separately closes them.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Done returns a channel closed once the run loop has exited, useful
// for tests and graceful-shutdown waits.
func (e *Engine) Done() <-chan struct{} { return e.done }

func (e *Engine) virtualTimeLocked(now time.Time) float64 {
	if e.paused {
		return e.videoBase
	}
	return e.videoBase + now.Sub(e.wallStart).Seconds()
}

func (e *Engine) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		running := e.running
		e.mu.Unlock()
		if !running {
			return
		}

		e.mu.Lock()
		paused := e.paused
		e.mu.Unlock()
		if paused {
			e.clk.Sleep(e.tick)
			continue
		}

		e.emitDue()
		e.clk.Sleep(e.tick)
	}
}

// emitDue implements the run loop's per-tick emission logic in
// spec.md §4.5.
func (e *Engine) emitDue() {
	now := e.clk.Now()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	vt := e.virtualTimeLocked(now)
	n := e.reader.Len()
	idx := e.currentIndex

	nextTs := math.Inf(1)
	if idx < n {
		ts, _ := e.reader.TimestampAt(idx)
		nextTs = microsToSeconds(ts)
	}
	lag := vt - nextTs
	if lag < 0 {
		lag = 0
	}

	var toEmit []int
	if lag <= e.cfg.MaxCatchupLag.Seconds() || e.cfg.CatchupMode == CatchupBurst {
		count := 0
		for idx < n {
			ts, _ := e.reader.TimestampAt(idx)
			if microsToSeconds(ts) > vt {
				break
			}
			toEmit = append(toEmit, idx)
			idx++
			count++
			if e.cfg.CatchupMode == CatchupBurst && e.cfg.MaxBurstFrames > 0 && count >= e.cfg.MaxBurstFrames {
				break
			}
		}
	} else {
		nearest := e.reader.FindNearest(secondsToMicros(vt))
		if skipped := nearest - idx; skipped > 0 {
			e.framesDropped.Add(uint64(skipped))
			metrics.FramesDropped.Add(float64(skipped))
		}
		idx = nearest
		if idx < n {
			toEmit = append(toEmit, idx)
			idx++
		}
	}
	e.currentIndex = idx
	endpoint := e.endpoint
	e.mu.Unlock()

	for _, i := range toEmit {
		payload, err := e.reader.ReadPayload(i)
		if err != nil {
			e.readErrors.Add(1)
			e.framesDropped.Add(1)
			metrics.FramesDropped.Inc()
			continue
		}
		e.sink.Send(payload, endpoint)
		e.framesSent.Add(1)
		metrics.FramesSent.Inc()
	}
}

// Stats returns a snapshot of cumulative counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FramesSent:    e.framesSent.Load(),
		FramesDropped: e.framesDropped.Load(),
		ReadErrors:    e.readErrors.Load(),
	}
}
