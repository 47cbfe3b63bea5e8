// Package history derives tray activation periods and utilization
// statistics from the append-only event log.
package history

import (
	"time"

	"tray-tracking-service/internal/store"
)

// Range is one of the fixed lookback windows offered to operators.
type Range struct {
	Key      string
	Label    string
	Lookback time.Duration
}

var ranges = []Range{
	{Key: "day", Label: "Past day", Lookback: 24 * time.Hour},
	{Key: "week", Label: "Past week", Lookback: 7 * 24 * time.Hour},
	{Key: "month", Label: "Past month", Lookback: 30 * 24 * time.Hour},
	{Key: "year", Label: "Past year", Lookback: 365 * 24 * time.Hour},
}

// Ranges returns the selectable windows in display order.
func Ranges() []Range { return ranges }

// Window resolves a range key, falling back to the past day for
// anything unrecognized.
func Window(key string) Range {
	for _, r := range ranges {
		if r.Key == key {
			return r
		}
	}
	return ranges[0]
}

// Period is one [activation, deactivation) span. An open period has no
// observed OFF yet; its End is clamped to the window edge or now.
type Period struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
	IsOpen   bool
}

// Periods folds an ascending event sequence into activation periods.
// A repeated ON replaces the pending start (still on, not a second
// activation); an OFF without a pending ON is dropped — a span whose
// start fell outside the window cannot be represented. A trailing
// pending ON yields one open period ending min(windowEnd, now).
func Periods(events []store.TrayEvent, windowEnd, now time.Time) []Period {
	var periods []Period
	var lastOn *store.TrayEvent

	for i := range events {
		ev := &events[i]
		switch ev.Status {
		case store.StatusOn:
			lastOn = ev
		case store.StatusOff:
			if lastOn == nil {
				continue
			}
			periods = append(periods, Period{
				Start:    lastOn.Timestamp,
				End:      ev.Timestamp,
				Duration: ev.Timestamp.Sub(lastOn.Timestamp),
			})
			lastOn = nil
		}
	}

	if lastOn != nil {
		end := windowEnd
		if now.Before(end) {
			end = now
		}
		periods = append(periods, Period{
			Start:    lastOn.Timestamp,
			End:      end,
			Duration: end.Sub(lastOn.Timestamp),
			IsOpen:   true,
		})
	}
	return periods
}

// Stats aggregates closed periods only; the open period contributes
// nothing to counts or utilization, its duration is reported apart.
type Stats struct {
	TotalActivations   int
	AvgDuration        time.Duration
	LongestDuration    time.Duration
	TotalActive        time.Duration
	OpenDuration       time.Duration
	UtilizationPercent float64
}

// Compute derives the stats over a window of the given length. The
// window length is the caller's chosen lookback, independent of how
// much data actually exists inside it.
func Compute(periods []Period, window time.Duration) Stats {
	var s Stats
	for _, p := range periods {
		if p.IsOpen {
			s.OpenDuration = p.Duration
			continue
		}
		s.TotalActivations++
		s.TotalActive += p.Duration
		if p.Duration > s.LongestDuration {
			s.LongestDuration = p.Duration
		}
	}
	if s.TotalActivations > 0 {
		s.AvgDuration = s.TotalActive / time.Duration(s.TotalActivations)
	}
	if window > 0 {
		s.UtilizationPercent = float64(s.TotalActive) / float64(window) * 100
	}
	return s
}
