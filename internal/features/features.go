// Package features turns one audio file into the ordered, frame-aligned
// feature chunks consumed by the synthesis engine.
package features

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

// ErrAudioRead reports audio that cannot be opened or decoded.
var ErrAudioRead = errors.New("audio read failed")

// Chunk holds the features for exactly one output video frame.
type Chunk struct {
	Index  int
	Values []float32
}

// Params fixes the frame rate and the context padding around each frame.
type Params struct {
	FPS      int
	PadLeft  int
	PadRight int
}

// Window is the number of frame-sized sub-windows each chunk covers.
func (p Params) Window() int { return p.PadLeft + 1 + p.PadRight }

// Extractor produces the complete chunk sequence for one audio source. The
// sequence is returned eagerly so the total frame count is known up front.
type Extractor interface {
	Extract(ctx context.Context, audioPath string) ([]Chunk, error)
}

// FromConfig builds the extractor selected by cfg.Mode.
func FromConfig(cfg config.FeaturesConfig) (Extractor, error) {
	params := Params{FPS: cfg.FPS, PadLeft: cfg.PadLeft, PadRight: cfg.PadRight}
	switch cfg.Mode {
	case "wav", "":
		return NewNativeExtractor(params), nil
	case "exec":
		return NewExecExtractor(cfg.Command, params)
	default:
		return nil, fmt.Errorf("unsupported features mode %q", cfg.Mode)
	}
}
