package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Window is a time-of-day extraction gate, HH:MM-HH:MM. A window whose
// bounds are equal is degenerate and treated as disabled (always open).
type Window struct {
	startMin, endMin int
	configured       bool
}

// ParseWindow parses start/end HH:MM strings. Empty strings on either
// side disable gating (the window is always open).
func ParseWindow(start, end string) (Window, error) {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return Window{}, nil
	}
	s, err := toMinutes(start)
	if err != nil {
		return Window{}, fmt.Errorf("config_error: EXTRACTION_WINDOW_START: %w", err)
	}
	e, err := toMinutes(end)
	if err != nil {
		return Window{}, fmt.Errorf("config_error: EXTRACTION_WINDOW_END: %w", err)
	}
	return Window{startMin: s, endMin: e, configured: true}, nil
}

func toMinutes(s string) (int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// Open reports whether now falls inside the window. An unconfigured
// window is always open, and so is a degenerate (equal-bound) window.
func (w Window) Open(now time.Time) bool {
	if !w.configured {
		return true
	}
	if w.startMin == w.endMin {
		return true
	}
	nowMin := now.Hour()*60 + now.Minute()
	if w.startMin < w.endMin {
		return nowMin >= w.startMin && nowMin < w.endMin
	}
	return nowMin >= w.startMin || nowMin < w.endMin // crosses midnight
}

// UntilOpen returns how long until the window next opens, 0 if already
// open.
func (w Window) UntilOpen(now time.Time) time.Duration {
	if w.Open(now) {
		return 0
	}
	nowMin := now.Hour()*60 + now.Minute()
	delta := w.startMin - nowMin
	if delta <= 0 {
		delta += 24 * 60
	}
	target := now.Truncate(time.Minute).Add(time.Duration(delta) * time.Minute)
	return target.Sub(now)
}
