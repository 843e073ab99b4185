package scheduler

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-avatar/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-avatar/internal/engine"
	"github.com/loqalabs/loqa-avatar/internal/features"
)

func TestPlanBoundaries(t *testing.T) {
	spans := Plan(25, 10)
	require.Equal(t, []Span{{0, 10}, {10, 20}, {20, 25}}, spans)
	assert.Equal(t, 5, spans[2].Len())
	assert.Nil(t, Plan(0, 10))
	assert.Len(t, Plan(7, 0), 1)
}

func TestPlanProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		total := rapid.IntRange(0, 500).Draw(rt, "total")
		size := rapid.IntRange(1, 64).Draw(rt, "size")
		spans := Plan(total, size)

		next := 0
		for i, s := range spans {
			if s.Start != next {
				rt.Fatalf("span %d starts at %d, want %d", i, s.Start, next)
			}
			if s.Len() <= 0 || s.Len() > size {
				rt.Fatalf("span %d has length %d", i, s.Len())
			}
			if i < len(spans)-1 && s.Len() != size {
				rt.Fatalf("non-final span %d has length %d", i, s.Len())
			}
			next = s.End
		}
		if next != total {
			rt.Fatalf("spans cover [0,%d), want [0,%d)", next, total)
		}
	})
}

type recordingEngine struct {
	batches []engine.Batch
	fail    int
	short   bool
}

func (r *recordingEngine) Synthesize(ctx context.Context, b engine.Batch) ([]image.Image, error) {
	r.batches = append(r.batches, b)
	if r.fail > 0 && len(r.batches) == r.fail {
		return nil, errors.New("cuda out of memory")
	}
	n := b.Len()
	if r.short {
		n--
	}
	out := make([]image.Image, n)
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	return out, nil
}

func chunks(n int) []features.Chunk {
	out := make([]features.Chunk, n)
	for i := range out {
		out[i] = features.Chunk{Index: i, Values: []float32{float32(i)}}
	}
	return out
}

func TestIteratorOrderAndLatentWrap(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 3)
	eng := &recordingEngine{}
	it := New(eng, 10).Iterate(chunks(25), loop)
	assert.Equal(t, 25, it.Total())
	assert.Equal(t, 3, it.Batches())
	assert.Empty(t, eng.batches, "iteration is lazy")

	var spans []Span
	for it.Next(context.Background()) {
		b := it.Batch()
		spans = append(spans, b.Span)
		assert.Len(t, b.Frames, b.Span.Len())
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []Span{{0, 10}, {10, 20}, {20, 25}}, spans)

	require.Len(t, eng.batches, 3)
	for _, b := range eng.batches {
		for j := range b.Features {
			idx := b.Start + j
			assert.Equal(t, []float32{float32(idx)}, b.Features[j])
			assert.Equal(t, []float32(avatartest.Latent(idx%3)), b.Latents[j])
		}
	}
}

func TestIteratorInferenceError(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 2)
	eng := &recordingEngine{fail: 2}
	it := New(eng, 4).Iterate(chunks(10), loop)

	require.True(t, it.Next(context.Background()))
	require.False(t, it.Next(context.Background()))
	require.ErrorIs(t, it.Err(), ErrInference)
	assert.False(t, it.Next(context.Background()))
	assert.Len(t, eng.batches, 2)
}

func TestIteratorFrameCountMismatch(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 2)
	it := New(&recordingEngine{short: true}, 4).Iterate(chunks(4), loop)
	require.False(t, it.Next(context.Background()))
	require.ErrorIs(t, it.Err(), ErrInference)
}

func TestIteratorCancelled(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it := New(engine.NewMockEngine(8), 4).Iterate(chunks(4), loop)
	require.False(t, it.Next(ctx))
	require.ErrorIs(t, it.Err(), context.Canceled)
	assert.NotErrorIs(t, it.Err(), ErrInference)
}
