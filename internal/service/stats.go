package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Random request results tracked by the stats window.
const (
	ResultOK      = "ok"
	ResultNoMatch = "no_match"
	ResultError   = "error"
)

const (
	statsTotalsKey     = "random.totals"
	statsFlushInterval = 30 * time.Second
)

// RandomStats keeps a sliding 60-second window of random request
// outcomes plus cumulative totals persisted across restarts.
type RandomStats struct {
	settings *SettingsService

	mu         sync.Mutex
	events     []statsEvent
	totals     map[string]int64
	loaded     bool
	lastFlush  time.Time
	flushEvery time.Duration
}

type statsEvent struct {
	at     time.Time
	result string
}

// NewRandomStats creates a RandomStats.
func NewRandomStats(settings *SettingsService) *RandomStats {
	return &RandomStats{
		settings:   settings,
		totals:     make(map[string]int64),
		flushEvery: statsFlushInterval,
	}
}

// Record counts one request outcome. Totals are written through to
// runtime settings at most once per flush interval; the in-memory
// counters stay authoritative between flushes.
func (s *RandomStats) Record(ctx context.Context, result string) {
	now := time.Now()

	s.mu.Lock()
	s.loadLocked(ctx)
	s.events = append(s.events, statsEvent{at: now, result: result})
	s.trimLocked(now)
	s.totals[result]++

	var totals map[string]int64
	if now.Sub(s.lastFlush) >= s.flushEvery {
		s.lastFlush = now
		totals = make(map[string]int64, len(s.totals))
		for k, v := range s.totals {
			totals[k] = v
		}
	}
	s.mu.Unlock()

	if totals == nil {
		return
	}
	if raw, err := json.Marshal(totals); err == nil {
		// persistence is best effort
		_ = s.settings.Set(ctx, statsTotalsKey, string(raw), "stats")
	}
}

// Snapshot returns the last-60s counts and the cumulative totals.
func (s *RandomStats) Snapshot(ctx context.Context) (window, totals map[string]int64) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked(ctx)
	s.trimLocked(now)

	window = make(map[string]int64)
	for _, e := range s.events {
		window[e.result]++
	}
	totals = make(map[string]int64, len(s.totals))
	for k, v := range s.totals {
		totals[k] = v
	}
	return window, totals
}

// loadLocked pulls persisted totals once per process.
func (s *RandomStats) loadLocked(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true
	raw := s.settings.raw(ctx, statsTotalsKey)
	if raw == "" {
		return
	}
	var persisted map[string]int64
	if json.Unmarshal([]byte(raw), &persisted) == nil {
		s.totals = persisted
	}
}

func (s *RandomStats) trimLocked(now time.Time) {
	cutoff := now.Add(-60 * time.Second)
	keep := s.events[:0]
	for _, e := range s.events {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	s.events = keep
}
