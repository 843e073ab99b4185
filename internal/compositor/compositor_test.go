package compositor

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-avatar/internal/config"
)

func solidPatch(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func near(t *testing.T, want color.RGBA, got color.Color) {
	t.Helper()
	r, g, b, _ := got.RGBA()
	diff := func(a uint8, b uint32) int {
		d := int(a) - int(b>>8)
		if d < 0 {
			d = -d
		}
		return d
	}
	if diff(want.R, r) > 12 || diff(want.G, g) > 12 || diff(want.B, b) > 12 {
		t.Fatalf("colour %v not near %v", got, want)
	}
}

func TestCompositeUsesModuloPosition(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 3)
	comp := New(loop, Settings{Quality: 95, OptimizeBelow: 50})
	red := color.RGBA{R: 250, A: 255}

	data, err := comp.Composite(solidPatch(16, red), 4)
	require.NoError(t, err)

	img, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, avatartest.Width, avatartest.Height), img.Bounds())

	face := avatartest.FaceBox
	near(t, red, img.At((face.X1+face.X2)/2, (face.Y1+face.Y2)/2))
	near(t, avatartest.BaseColor(1), img.At(2, 2))
}

func TestCompositeDoesNotMutateBase(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 2)
	before := append([]uint8(nil), loop.Frame(0).Image.Pix...)
	_, err := New(loop, Settings{Quality: 70}).Composite(solidPatch(8, color.RGBA{G: 255, A: 255}), 0)
	require.NoError(t, err)
	assert.Equal(t, before, loop.Frame(0).Image.Pix)
}

func TestCompositeSkips(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 2)
	comp := New(loop, Settings{Quality: 70})

	_, err := comp.Composite(nil, 0)
	require.ErrorIs(t, err, ErrSkip)

	_, err = comp.Composite(image.NewRGBA(image.Rectangle{}), 1)
	require.ErrorIs(t, err, ErrSkip)
}

func TestCompositeZeroSizeBox(t *testing.T) {
	base := image.NewRGBA(image.Rect(0, 0, 8, 8))
	alpha := image.NewAlpha(image.Rect(0, 0, 4, 4))
	loop, err := avatar.NewLoop("flat",
		[]avatar.Frame{{Key: 0, Image: base, Box: avatar.Box{X1: 2, Y1: 2, X2: 2, Y2: 6}}},
		[]avatar.Mask{{Key: 0, Alpha: alpha, Box: avatar.Box{X1: 0, Y1: 0, X2: 4, Y2: 4}}},
		[]avatar.Latent{{0}})
	require.NoError(t, err)

	_, err = New(loop, Settings{Quality: 70}).Composite(solidPatch(4, color.RGBA{A: 255}), 0)
	require.ErrorIs(t, err, ErrSkip)
}

func TestCustomBlend(t *testing.T) {
	loop := avatartest.NewLoop(t, "a", 1)
	called := 0
	blend := func(dst *image.RGBA, patch image.Image, face avatar.Box, mask avatar.Mask) {
		called++
		assert.Equal(t, image.Rect(0, 0, face.Width(), face.Height()), patch.Bounds())
		assert.Equal(t, avatartest.MaskBox, mask.Box)
	}
	_, err := New(loop, Settings{Quality: 70}, WithBlend(blend)).Composite(solidPatch(8, color.RGBA{A: 255}), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, called)
}

func TestEncodeOptimizePass(t *testing.T) {
	img := noise(128)

	plain, err := Encode(img, Settings{Quality: 40})
	require.NoError(t, err)
	direct, err := encodeJPEG(img, 40)
	require.NoError(t, err)
	assert.Equal(t, direct, plain, "no optimization without a byte budget")

	floor, err := Encode(img, Settings{Quality: 40, OptimizeBelow: 50, OptimizeMaxBytes: 1})
	require.NoError(t, err)
	minimum, err := encodeJPEG(img, MinQuality)
	require.NoError(t, err)
	assert.Equal(t, minimum, floor)

	high, err := Encode(img, Settings{Quality: 80, OptimizeBelow: 50, OptimizeMaxBytes: 1})
	require.NoError(t, err)
	assert.Greater(t, len(high), len(floor), "optimization only applies below the threshold")

	roomy, err := Encode(img, Settings{Quality: 40, OptimizeBelow: 50, OptimizeMaxBytes: 1 << 20})
	require.NoError(t, err)
	assert.Equal(t, direct, roomy)
}

func TestEncodeKeepsRequestedQualityUnderDefaults(t *testing.T) {
	img := noise(512)
	settings := SettingsFor(config.Default().Compositor, 40)
	settings.MaxBytes = int(config.Default().Server.MaxMessageBytes)

	got, err := Encode(img, settings)
	require.NoError(t, err)
	want, err := encodeJPEG(img, 40)
	require.NoError(t, err)
	assert.Equal(t, want, got, "a frame within the transport limit is not re-encoded")
}

func TestEncodeReducesOnlyToFitMessageLimit(t *testing.T) {
	img := noise(128)
	direct, err := encodeJPEG(img, 40)
	require.NoError(t, err)

	fitted, err := Encode(img, Settings{Quality: 40, OptimizeBelow: 50, MaxBytes: len(direct) - 1})
	require.NoError(t, err)
	assert.Less(t, len(fitted), len(direct))

	kept, err := Encode(img, Settings{Quality: 60, OptimizeBelow: 50, MaxBytes: len(direct) - 1})
	require.NoError(t, err)
	assert.Greater(t, len(kept), len(direct), "quality at or above the threshold is never reduced")
}

func TestCompositeSkipsFrameOverMessageLimit(t *testing.T) {
	loop := avatartest.NewLoop(t, "avatar", 3)
	comp := New(loop, Settings{Quality: 95, OptimizeBelow: 50, MaxBytes: 64})

	_, err := comp.Composite(noise(32), 0)
	require.ErrorIs(t, err, ErrSkip)
}

func TestSettingsFor(t *testing.T) {
	cfg := config.CompositorConfig{JPEGQuality: 70, OptimizeBelow: 50, OptimizeMaxBytes: 1000}
	assert.Equal(t, Settings{Quality: 70, OptimizeBelow: 50, OptimizeMaxBytes: 1000}, SettingsFor(cfg, 0))
	assert.Equal(t, 30, SettingsFor(cfg, 30).Quality)
}

func noise(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	seed := uint32(7)
	for i := range img.Pix {
		seed = seed*1664525 + 1013904223
		img.Pix[i] = uint8(seed >> 24)
	}
	return img
}
