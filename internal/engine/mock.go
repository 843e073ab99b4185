package engine

import (
	"context"
	"image"
	"image/color"
	"image/draw"
)

type mockEngine struct {
	size int
}

// NewMockEngine returns a deterministic engine producing solid square patches.
// The colour depends only on the frame index and the chunk's feature energy.
func NewMockEngine(patchSize int) Engine {
	if patchSize <= 0 {
		patchSize = 256
	}
	return &mockEngine{size: patchSize}
}

func (m *mockEngine) Synthesize(ctx context.Context, batch Batch) ([]image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]image.Image, batch.Len())
	for i, values := range batch.Features {
		patch := image.NewRGBA(image.Rect(0, 0, m.size, m.size))
		draw.Draw(patch, patch.Bounds(), &image.Uniform{C: MockColor(batch.Start+i, values)}, image.Point{}, draw.Src)
		out[i] = patch
	}
	return out, nil
}

// MockColor is the colour the mock engine paints for a frame.
func MockColor(frameIndex int, values []float32) color.RGBA {
	var sum float32
	for _, v := range values {
		if v > 0 {
			sum += v
		}
	}
	if sum > 1 {
		sum = 1
	}
	return color.RGBA{R: uint8(frameIndex * 37), G: uint8(sum * 255), B: 96, A: 255}
}
