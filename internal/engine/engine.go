// Package engine defines the frame synthesis capability and its backends.
package engine

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// Batch is one contiguous run of feature chunks paired 1:1 with latent codes.
// Start is the frame index of the first chunk.
type Batch struct {
	Start    int
	Features [][]float32
	Latents  [][]float32
}

// Len returns the number of frames the batch must produce.
func (b Batch) Len() int { return len(b.Features) }

// Engine synthesizes one raw face patch per chunk, in input order.
type Engine interface {
	Synthesize(ctx context.Context, batch Batch) ([]image.Image, error)
}

// FromConfig builds the engine selected by cfg.Mode. Concurrency limiting is
// applied separately with Limit.
func FromConfig(cfg config.EngineConfig) (Engine, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockEngine(cfg.PatchSize), nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("engine endpoint required for http mode")
		}
		return NewHTTPEngine(cfg.Endpoint, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}
