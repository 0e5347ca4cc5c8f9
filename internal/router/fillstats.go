package router

import (
	"sync"

	"crossflow/internal/model"
)

// FillStats keeps a rolling window of the most recent order outcomes per
// exchange. The executor records every terminal order; the router uses the
// resulting fill ratio as the last routing tie-break.
type FillStats struct {
	mu      sync.Mutex
	window  int
	samples map[model.Exchange][]bool
}

// NewFillStats creates stats keeping the last window outcomes per venue.
func NewFillStats(window int) *FillStats {
	if window <= 0 {
		window = 100
	}
	return &FillStats{
		window:  window,
		samples: make(map[model.Exchange][]bool),
	}
}

// Record adds one terminal order outcome for an exchange, evicting the
// oldest when the window is full.
func (f *FillStats) Record(exchange model.Exchange, filled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := append(f.samples[exchange], filled)
	if len(samples) > f.window {
		samples = samples[len(samples)-f.window:]
	}
	f.samples[exchange] = samples
}

// Ratio returns the share of recent orders filled. Exchanges with no
// history return 1 so a fresh venue is not penalized.
func (f *FillStats) Ratio(exchange model.Exchange) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	samples := f.samples[exchange]
	if len(samples) == 0 {
		return 1
	}
	filled := 0
	for _, ok := range samples {
		if ok {
			filled++
		}
	}
	return float64(filled) / float64(len(samples))
}
