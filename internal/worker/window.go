package worker

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time-of-day range during which sending is allowed.
// A nil Window is always open.
type Window struct {
	start int // minutes after midnight
	end   int
	loc   *time.Location
}

// ParseWindow parses "HH:MM-HH:MM" evaluated in timezone tz. An empty string
// returns nil. Ranges whose end is before their start wrap past midnight.
func ParseWindow(raw, tz string) (*Window, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	loc := time.UTC
	if tz != "" {
		var err error
		if loc, err = time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid timezone %q: %w", tz, err)
		}
	}

	bounds := strings.Split(raw, "-")
	if len(bounds) != 2 {
		return nil, fmt.Errorf("invalid delivery window %q (want HH:MM-HH:MM)", raw)
	}

	start, err := parseClock(bounds[0])
	if err != nil {
		return nil, fmt.Errorf("invalid delivery window %q: %w", raw, err)
	}
	end, err := parseClock(bounds[1])
	if err != nil {
		return nil, fmt.Errorf("invalid delivery window %q: %w", raw, err)
	}

	return &Window{start: start, end: end, loc: loc}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window. Equal bounds mean all day.
func (w *Window) Contains(t time.Time) bool {
	if w == nil || w.start == w.end {
		return true
	}

	local := t.In(w.loc)
	m := local.Hour()*60 + local.Minute()

	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

func (w *Window) String() string {
	if w == nil {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d %s", w.start/60, w.start%60, w.end/60, w.end%60, w.loc)
}
