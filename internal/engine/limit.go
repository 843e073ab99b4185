package engine

import (
	"context"
	"image"
	"time"

	"golang.org/x/sync/semaphore"
)

// Limited caps the number of in-flight Synthesize calls across every session
// sharing it. Callers over the ceiling wait in FIFO order.
type Limited struct {
	inner  Engine
	sem    *semaphore.Weighted
	onWait func(time.Duration)
}

// Limit wraps e so at most n batches run concurrently. onWait, when set,
// receives the time each call spent queued.
func Limit(e Engine, n int, onWait func(time.Duration)) *Limited {
	if n <= 0 {
		n = 1
	}
	return &Limited{inner: e, sem: semaphore.NewWeighted(int64(n)), onWait: onWait}
}

func (l *Limited) Synthesize(ctx context.Context, batch Batch) ([]image.Image, error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)
	if l.onWait != nil {
		l.onWait(time.Since(start))
	}
	return l.inner.Synthesize(ctx, batch)
}
