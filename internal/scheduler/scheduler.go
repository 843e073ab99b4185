// Package scheduler groups feature chunks into fixed-size synthesis batches and
// drives the engine one batch at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/engine"
	"github.com/loqalabs/loqa-avatar/internal/features"
)

// ErrInference reports a failed engine call. It is fatal for the session.
var ErrInference = errors.New("inference failed")

// DefaultBatchSize is used when a non-positive batch size is configured.
const DefaultBatchSize = 10

// Span is the half-open chunk index range [Start, End) of one batch.
type Span struct {
	Start, End int
}

func (s Span) Len() int { return s.End - s.Start }

// Plan splits total chunks into contiguous spans of at most batchSize, the
// last one truncated to the remainder.
func Plan(total, batchSize int) []Span {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if total <= 0 {
		return nil
	}
	spans := make([]Span, 0, (total+batchSize-1)/batchSize)
	for start := 0; start < total; start += batchSize {
		end := min(start+batchSize, total)
		spans = append(spans, Span{Start: start, End: end})
	}
	return spans
}

// Result is one synthesized batch. Frames[i] belongs to frame index
// Span.Start+i and may be nil when the engine produced an unusable patch.
type Result struct {
	Span     Span
	Frames   []image.Image
	Duration time.Duration
}

// Scheduler drives one engine with a fixed batch size.
type Scheduler struct {
	engine    engine.Engine
	batchSize int
}

func New(eng engine.Engine, batchSize int) *Scheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Scheduler{engine: eng, batchSize: batchSize}
}

func (s *Scheduler) BatchSize() int { return s.batchSize }

// Iterate returns a lazy batch sequence over chunks. Nothing is synthesized
// until Next is called.
func (s *Scheduler) Iterate(chunks []features.Chunk, loop *avatar.Loop) *Iterator {
	return &Iterator{
		engine: s.engine,
		chunks: chunks,
		loop:   loop,
		spans:  Plan(len(chunks), s.batchSize),
	}
}

// Iterator yields batches in chunk order. After Next returns false, Err
// reports why.
type Iterator struct {
	engine engine.Engine
	chunks []features.Chunk
	loop   *avatar.Loop
	spans  []Span

	next    int
	current Result
	err     error
}

// Total is the number of chunks, which is also the number of output frames.
func (it *Iterator) Total() int { return len(it.chunks) }

// Batches is the number of batches the sequence will yield.
func (it *Iterator) Batches() int { return len(it.spans) }

// Next synthesizes the next batch. It returns false when the sequence is
// exhausted or an error occurred.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.err != nil || it.next >= len(it.spans) {
		return false
	}
	span := it.spans[it.next]
	it.next++

	batch := engine.Batch{
		Start:    span.Start,
		Features: make([][]float32, 0, span.Len()),
		Latents:  make([][]float32, 0, span.Len()),
	}
	for i := span.Start; i < span.End; i++ {
		batch.Features = append(batch.Features, it.chunks[i].Values)
		batch.Latents = append(batch.Latents, it.loop.Latent(i))
	}

	start := time.Now()
	frames, err := it.engine.Synthesize(ctx, batch)
	if err != nil {
		if ctx.Err() != nil {
			it.err = ctx.Err()
		} else {
			it.err = fmt.Errorf("%w: batch [%d,%d): %v", ErrInference, span.Start, span.End, err)
		}
		return false
	}
	if len(frames) != span.Len() {
		it.err = fmt.Errorf("%w: batch [%d,%d) returned %d frames", ErrInference, span.Start, span.End, len(frames))
		return false
	}
	it.current = Result{Span: span, Frames: frames, Duration: time.Since(start)}
	return true
}

// Batch returns the batch produced by the last successful Next.
func (it *Iterator) Batch() Result { return it.current }

func (it *Iterator) Err() error { return it.err }
