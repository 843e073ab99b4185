// Package avatartest builds small synthetic avatar loops for tests.
package avatartest

import (
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
)

// Frame geometry shared by the generated loops.
const (
	Width  = 64
	Height = 48
)

// FaceBox is the face bounding box used for every generated frame.
var FaceBox = avatar.Box{X1: 16, Y1: 8, X2: 48, Y2: 40}

// MaskBox is the blend crop box used for every generated mask.
var MaskBox = avatar.Box{X1: 12, Y1: 4, X2: 52, Y2: 44}

// LatentDim is the dimension of generated latent codes.
const LatentDim = 4

// BaseColor is the solid colour of base frame position i.
func BaseColor(i int) color.RGBA {
	return color.RGBA{R: uint8(10 * (i + 1)), G: uint8(20 + i), B: 200, A: 255}
}

// Latent returns the generated latent code for position i.
func Latent(i int) avatar.Latent {
	lat := make(avatar.Latent, LatentDim)
	for j := range lat {
		lat[j] = float32(i*10 + j)
	}
	return lat
}

// NewLoop builds an in-memory loop of n positions with keys supplied in
// reverse order, so callers also exercise key sorting.
func NewLoop(t testing.TB, name string, n int) *avatar.Loop {
	t.Helper()
	frames := make([]avatar.Frame, 0, n)
	masks := make([]avatar.Mask, 0, n)
	latents := make([]avatar.Latent, 0, n)
	for i := n - 1; i >= 0; i-- {
		frames = append(frames, avatar.Frame{Key: i, Image: solid(BaseColor(i)), Box: FaceBox})
		masks = append(masks, avatar.Mask{Key: i, Alpha: fullMask(), Box: MaskBox})
	}
	for i := 0; i < n; i++ {
		latents = append(latents, Latent(i))
	}
	loop, err := avatar.NewLoop(name, frames, masks, latents)
	if err != nil {
		t.Fatalf("build loop: %v", err)
	}
	return loop
}

// WriteLayout writes n positions to dir using the manifest-less layout.
func WriteLayout(t testing.TB, dir string, n int) {
	t.Helper()
	for _, sub := range []string{avatar.FramesDir, avatar.MasksDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	coords := make([][]int, n)
	maskCoords := make([][]int, n)
	latents := make([]avatar.Latent, n)
	for i := 0; i < n; i++ {
		writePNG(t, filepath.Join(dir, avatar.FramesDir, fmt.Sprintf("%08d.png", i)), solid(BaseColor(i)))
		writePNG(t, filepath.Join(dir, avatar.MasksDir, fmt.Sprintf("%08d.png", i)), grayMask())
		coords[i] = []int{FaceBox.X1, FaceBox.Y1, FaceBox.X2, FaceBox.Y2}
		maskCoords[i] = []int{MaskBox.X1, MaskBox.Y1, MaskBox.X2, MaskBox.Y2}
		latents[i] = Latent(i)
	}
	writeJSON(t, filepath.Join(dir, avatar.CoordsFile), coords)
	writeJSON(t, filepath.Join(dir, avatar.MaskCoordsFile), maskCoords)
	if err := avatar.WriteLatents(filepath.Join(dir, avatar.LatentsFile), latents); err != nil {
		t.Fatal(err)
	}
}

func solid(c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, Width, Height))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func fullMask() *image.Alpha {
	a := image.NewAlpha(image.Rect(0, 0, MaskBox.Width(), MaskBox.Height()))
	for i := range a.Pix {
		a.Pix[i] = 0xff
	}
	return a
}

func grayMask() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, MaskBox.Width(), MaskBox.Height()))
	for i := range g.Pix {
		g.Pix[i] = 0xff
	}
	return g
}

func writePNG(t testing.TB, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func writeJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}
