package session

import (
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// progressTracker fires when the frame index reaches a multiple of every, or
// when more than interval has passed since the last emission.
type progressTracker struct {
	every    int
	interval time.Duration
	last     time.Time
}

func newProgressTracker(cfg config.StreamConfig, start time.Time) *progressTracker {
	return &progressTracker{
		every:    cfg.ProgressEvery,
		interval: time.Duration(cfg.ProgressIntervalMS) * time.Millisecond,
		last:     start,
	}
}

func (p *progressTracker) due(frameIndex int, now time.Time) bool {
	byCount := p.every > 0 && frameIndex%p.every == 0
	byTime := p.interval > 0 && now.Sub(p.last) > p.interval
	if !byCount && !byTime {
		return false
	}
	p.last = now
	return true
}
