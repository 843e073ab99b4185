// Package avatar holds the cyclic avatar assets that every streamed frame is
// composited onto. A Loop is immutable once built and safe for concurrent
// readers.
package avatar

import (
	"errors"
	"fmt"
	"image"
	"sort"
)

var (
	// ErrAssetMismatch reports inconsistent or empty avatar asset sets.
	ErrAssetMismatch = errors.New("avatar asset mismatch")
	// ErrNotFound reports an unknown avatar identifier.
	ErrNotFound = errors.New("avatar not found")
)

// Box is an (x1,y1,x2,y2) pixel bounding box.
type Box struct {
	X1, Y1, X2, Y2 int
}

func (b Box) Rect() image.Rectangle { return image.Rect(b.X1, b.Y1, b.X2, b.Y2) }
func (b Box) Width() int            { return b.X2 - b.X1 }
func (b Box) Height() int           { return b.Y2 - b.Y1 }

// Latent is one pre-encoded latent code for a loop position.
type Latent []float32

// Frame is one base frame of the loop with the face bounding box.
type Frame struct {
	Key   int
	Image *image.RGBA
	Box   Box
}

// Mask is the blending mask for one loop position and the crop box it covers.
type Mask struct {
	Key   int
	Alpha *image.Alpha
	Box   Box
}

// Loop is one avatar's idle-motion cycle. Frames, Masks and Latents are
// aligned by position and share the same length.
type Loop struct {
	Name    string
	frames  []Frame
	masks   []Mask
	latents []Latent
}

// NewLoop orders frames and masks by their sort key and checks that every
// asset sequence has the same non-zero length. Latents are taken to be in key
// order already, and frame and mask keys must pair up position by position.
func NewLoop(name string, frames []Frame, masks []Mask, latents []Latent) (*Loop, error) {
	n := len(frames)
	if n == 0 {
		return nil, fmt.Errorf("%w: %s has no frames", ErrAssetMismatch, name)
	}
	if len(masks) != n || len(latents) != n {
		return nil, fmt.Errorf("%w: %s has %d frames, %d masks, %d latents",
			ErrAssetMismatch, name, n, len(masks), len(latents))
	}

	frames = append([]Frame(nil), frames...)
	masks = append([]Mask(nil), masks...)
	sort.SliceStable(frames, func(i, j int) bool { return frames[i].Key < frames[j].Key })
	sort.SliceStable(masks, func(i, j int) bool { return masks[i].Key < masks[j].Key })

	for i := range frames {
		if i > 0 && frames[i].Key == frames[i-1].Key {
			return nil, fmt.Errorf("%w: %s has duplicate frame key %d", ErrAssetMismatch, name, frames[i].Key)
		}
		if i > 0 && masks[i].Key == masks[i-1].Key {
			return nil, fmt.Errorf("%w: %s has duplicate mask key %d", ErrAssetMismatch, name, masks[i].Key)
		}
		if frames[i].Key != masks[i].Key {
			return nil, fmt.Errorf("%w: %s frame key %d has no matching mask (found %d)",
				ErrAssetMismatch, name, frames[i].Key, masks[i].Key)
		}
		if frames[i].Image == nil || masks[i].Alpha == nil {
			return nil, fmt.Errorf("%w: %s position %d is missing image data", ErrAssetMismatch, name, i)
		}
		if masks[i].Alpha.Bounds().Dx() != masks[i].Box.Width() || masks[i].Alpha.Bounds().Dy() != masks[i].Box.Height() {
			return nil, fmt.Errorf("%w: %s mask %d is %v but its box is %dx%d", ErrAssetMismatch, name,
				masks[i].Key, masks[i].Alpha.Bounds().Size(), masks[i].Box.Width(), masks[i].Box.Height())
		}
	}

	return &Loop{
		Name:    name,
		frames:  frames,
		masks:   masks,
		latents: append([]Latent(nil), latents...),
	}, nil
}

// Len returns the cycle length N.
func (l *Loop) Len() int { return len(l.frames) }

// Position maps a global frame index onto the cycle.
func (l *Loop) Position(frameIndex int) int {
	n := len(l.frames)
	p := frameIndex % n
	if p < 0 {
		p += n
	}
	return p
}

// Frame returns the base frame for frameIndex mod N. The image is shared and
// must not be modified.
func (l *Loop) Frame(frameIndex int) Frame { return l.frames[l.Position(frameIndex)] }

// Mask returns the mask for frameIndex mod N.
func (l *Loop) Mask(frameIndex int) Mask { return l.masks[l.Position(frameIndex)] }

// Latent returns the latent code for frameIndex mod N.
func (l *Loop) Latent(frameIndex int) Latent { return l.latents[l.Position(frameIndex)] }

// Verify reports geometry problems that do not prevent loading but would
// produce clipped composites.
func (l *Loop) Verify() []error {
	var problems []error
	for i, f := range l.frames {
		bounds := f.Image.Bounds()
		if f.Box.Width() <= 0 || f.Box.Height() <= 0 {
			problems = append(problems, fmt.Errorf("frame %d: empty bbox %v", f.Key, f.Box))
		} else if !f.Box.Rect().In(bounds) {
			problems = append(problems, fmt.Errorf("frame %d: bbox %v outside frame %v", f.Key, f.Box, bounds))
		}
		m := l.masks[i]
		if !m.Box.Rect().In(bounds) {
			problems = append(problems, fmt.Errorf("mask %d: box %v outside frame %v", m.Key, m.Box, bounds))
		}
	}
	dim := len(l.latents[0])
	for i, lat := range l.latents {
		if len(lat) != dim {
			problems = append(problems, fmt.Errorf("latent %d: dimension %d, expected %d", i, len(lat), dim))
		}
	}
	return problems
}
