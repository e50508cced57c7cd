// Package smooth reveals bursty streamed text at a steady, adaptive rate.
package smooth

import "time"

// DefaultFrameInterval is the wall-clock frame length (~60fps).
const DefaultFrameInterval = 16 * time.Millisecond

// Scheduler provides the "next frame" primitive of a drain loop.
// Start returns the frame channel and a func that stops it.
type Scheduler interface {
	Start() (frames <-chan time.Time, stop func())
}

// IntervalScheduler ticks on a fixed wall-clock interval.
type IntervalScheduler struct {
	interval time.Duration
}

// NewIntervalScheduler creates a scheduler ticking every d.
// A non-positive d falls back to DefaultFrameInterval.
func NewIntervalScheduler(d time.Duration) *IntervalScheduler {
	if d <= 0 {
		d = DefaultFrameInterval
	}
	return &IntervalScheduler{interval: d}
}

func (s *IntervalScheduler) Start() (<-chan time.Time, func()) {
	ticker := time.NewTicker(s.interval)
	return ticker.C, ticker.Stop
}
