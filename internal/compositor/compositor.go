// Package compositor pastes synthesized face patches into the avatar loop's
// base frames and encodes the result as JPEG.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

// ErrSkip marks a frame that could not be resized, blended or encoded. The
// frame is dropped and the session continues.
var ErrSkip = errors.New("frame skipped")

const (
	// MinQuality is the floor of the size optimization pass.
	MinQuality = 10
	// QualityDecay is applied to the quality on each optimization step.
	QualityDecay = 0.9
)

// BlendFunc writes the resized patch into dst, a private copy of the base
// frame, using the face box and the mask.
type BlendFunc func(dst *image.RGBA, patch image.Image, face avatar.Box, mask avatar.Mask)

// Settings are the encoding parameters for one session. MaxBytes is the
// largest frame the transport accepts; zero means unlimited.
type Settings struct {
	Quality          int
	OptimizeBelow    int
	OptimizeMaxBytes int
	MaxBytes         int
}

// budget is the size the optimization pass aims for. Without an explicit
// OptimizeMaxBytes only frames that would not fit the transport are reduced.
func (s Settings) budget() int {
	if s.OptimizeMaxBytes > 0 {
		return s.OptimizeMaxBytes
	}
	return s.MaxBytes
}

// SettingsFor combines the server configuration with a request's quality.
func SettingsFor(cfg config.CompositorConfig, quality int) Settings {
	if quality <= 0 {
		quality = cfg.JPEGQuality
	}
	return Settings{Quality: quality, OptimizeBelow: cfg.OptimizeBelow, OptimizeMaxBytes: cfg.OptimizeMaxBytes}
}

// Compositor renders frames for one avatar loop.
type Compositor struct {
	loop     *avatar.Loop
	settings Settings
	blend    BlendFunc
}

type Option func(*Compositor)

// WithBlend replaces the default mask blend.
func WithBlend(fn BlendFunc) Option {
	return func(c *Compositor) {
		if fn != nil {
			c.blend = fn
		}
	}
}

func New(loop *avatar.Loop, settings Settings, opts ...Option) *Compositor {
	c := &Compositor{loop: loop, settings: settings, blend: MaskBlend}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Composite renders raw onto the loop position for frameIndex. Failures wrap
// ErrSkip.
func (c *Compositor) Composite(raw image.Image, frameIndex int) ([]byte, error) {
	base := c.loop.Frame(frameIndex)
	mask := c.loop.Mask(frameIndex)

	patch, err := Resize(raw, base.Box.Width(), base.Box.Height())
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrSkip, frameIndex, err)
	}

	dst := image.NewRGBA(base.Image.Bounds())
	draw.Draw(dst, dst.Bounds(), base.Image, base.Image.Bounds().Min, draw.Src)
	c.blend(dst, patch, base.Box, mask)

	data, err := Encode(dst, c.settings)
	if err != nil {
		return nil, fmt.Errorf("%w: frame %d: %v", ErrSkip, frameIndex, err)
	}
	if c.settings.MaxBytes > 0 && len(data) > c.settings.MaxBytes {
		return nil, fmt.Errorf("%w: frame %d: %d bytes exceeds max message size %d",
			ErrSkip, frameIndex, len(data), c.settings.MaxBytes)
	}
	return data, nil
}

// Resize scales src to width x height with bilinear filtering.
func Resize(src image.Image, width, height int) (*image.RGBA, error) {
	if src == nil {
		return nil, errors.New("no patch")
	}
	if src.Bounds().Empty() {
		return nil, errors.New("empty patch")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid target size %dx%d", width, height)
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// MaskBlend pastes the patch into the mask's crop region at the face offset,
// then draws that region back over dst through the mask.
func MaskBlend(dst *image.RGBA, patch image.Image, face avatar.Box, mask avatar.Mask) {
	region := image.NewRGBA(image.Rect(0, 0, mask.Box.Width(), mask.Box.Height()))
	draw.Draw(region, region.Bounds(), dst, mask.Box.Rect().Min, draw.Src)
	offset := image.Pt(face.X1-mask.Box.X1, face.Y1-mask.Box.Y1)
	draw.Draw(region, patch.Bounds().Add(offset), patch, patch.Bounds().Min, draw.Src)
	draw.DrawMask(dst, mask.Box.Rect(), region, image.Point{}, mask.Alpha, mask.Alpha.Bounds().Min, draw.Over)
}

// Encode writes img as JPEG at the requested quality. Below OptimizeBelow a
// frame larger than the byte budget is re-encoded at decaying quality until
// it fits or MinQuality is reached. Frames within budget keep their quality.
func Encode(img image.Image, s Settings) ([]byte, error) {
	quality := clampQuality(s.Quality)
	data, err := encodeJPEG(img, quality)
	if err != nil {
		return nil, err
	}
	budget := s.budget()
	if budget <= 0 || len(data) <= budget || quality >= s.OptimizeBelow {
		return data, nil
	}
	for quality > MinQuality && len(data) > budget {
		quality = max(int(float64(quality)*QualityDecay), MinQuality)
		if data, err = encodeJPEG(img, quality); err != nil {
			return nil, err
		}
	}
	return data, nil
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func clampQuality(q int) int {
	switch {
	case q < 1:
		return 1
	case q > 100:
		return 100
	default:
		return q
	}
}
