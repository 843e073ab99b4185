package avatar

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"
)

// Layout file names used when a directory has no manifest.
const (
	FramesDir      = "full_imgs"
	MasksDir       = "mask"
	CoordsFile     = "coords.json"
	MaskCoordsFile = "mask_coords.json"
	LatentsFile    = "latents.bin"
)

// maxLatentValues bounds count*dim read from a latents file.
const maxLatentValues = 1 << 28

// Load reads one avatar directory into a Loop. Images are decoded with at
// most concurrency goroutines.
func Load(ctx context.Context, dir string, concurrency int) (*Loop, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return nil, fmt.Errorf("stat avatar dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, dir)
	}

	manifestPath := filepath.Join(dir, ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		m, err := LoadManifest(manifestPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		return loadManifest(ctx, dir, m, concurrency)
	}
	return loadLayout(ctx, dir, concurrency)
}

func loadManifest(ctx context.Context, dir string, m Manifest, concurrency int) (*Loop, error) {
	if err := Validate(m); err != nil {
		return nil, fmt.Errorf("%s: %w", m.Name, err)
	}
	frames := make([]Frame, len(m.Frames))
	masks := make([]Mask, len(m.Masks))
	for i, a := range m.Frames {
		box, _ := boxFrom(a.BBox)
		frames[i] = Frame{Key: a.Key, Box: box}
	}
	for i, a := range m.Masks {
		box, _ := boxFrom(a.BBox)
		masks[i] = Mask{Key: a.Key, Box: box}
	}

	latents, err := ReadLatents(filepath.Join(dir, m.Latents))
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := range frames {
		g.Go(func() error {
			img, err := decodeRGBA(gctx, filepath.Join(dir, m.Frames[i].Image))
			frames[i].Image = img
			return err
		})
	}
	for i := range masks {
		g.Go(func() error {
			alpha, err := decodeAlpha(gctx, filepath.Join(dir, m.Masks[i].Image))
			masks[i].Alpha = alpha
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewLoop(m.Name, frames, masks, latents)
}

type keyedPath struct {
	key  int
	path string
}

func loadLayout(ctx context.Context, dir string, concurrency int) (*Loop, error) {
	name := filepath.Base(dir)

	framePaths, err := listKeyed(filepath.Join(dir, FramesDir))
	if err != nil {
		return nil, err
	}
	maskPaths, err := listKeyed(filepath.Join(dir, MasksDir))
	if err != nil {
		return nil, err
	}
	coords, err := readBoxes(filepath.Join(dir, CoordsFile))
	if err != nil {
		return nil, err
	}
	maskCoords, err := readBoxes(filepath.Join(dir, MaskCoordsFile))
	if err != nil {
		return nil, err
	}
	if len(coords) != len(framePaths) {
		return nil, fmt.Errorf("%w: %s has %d frames but %d coords", ErrAssetMismatch, name, len(framePaths), len(coords))
	}
	if len(maskCoords) != len(maskPaths) {
		return nil, fmt.Errorf("%w: %s has %d masks but %d mask coords", ErrAssetMismatch, name, len(maskPaths), len(maskCoords))
	}
	latents, err := ReadLatents(filepath.Join(dir, LatentsFile))
	if err != nil {
		return nil, err
	}

	frames := make([]Frame, len(framePaths))
	masks := make([]Mask, len(maskPaths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, kp := range framePaths {
		g.Go(func() error {
			img, err := decodeRGBA(gctx, kp.path)
			frames[i] = Frame{Key: kp.key, Image: img, Box: coords[i]}
			return err
		})
	}
	for i, kp := range maskPaths {
		g.Go(func() error {
			alpha, err := decodeAlpha(gctx, kp.path)
			masks[i] = Mask{Key: kp.key, Alpha: alpha, Box: maskCoords[i]}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return NewLoop(name, frames, masks, latents)
}

// listKeyed returns the images in dir ordered by the integer in their file
// stem. Coordinates in the layout files are aligned with this order.
func listKeyed(dir string) ([]keyedPath, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrAssetMismatch, dir, err)
	}
	var out []keyedPath
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
			continue
		}
		key, err := strconv.Atoi(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		if err != nil {
			return nil, fmt.Errorf("%w: %s has no numeric key", ErrAssetMismatch, e.Name())
		}
		out = append(out, keyedPath{key: key, path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out, nil
}

func readBoxes(path string) ([]Box, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrAssetMismatch, filepath.Base(path), err)
	}
	var raw [][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrAssetMismatch, filepath.Base(path), err)
	}
	boxes := make([]Box, len(raw))
	for i, v := range raw {
		b, err := boxFrom(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrAssetMismatch, filepath.Base(path), i, err)
		}
		boxes[i] = b
	}
	return boxes, nil
}

// ReadLatents reads a latents file: little-endian uint32 count, uint32 dim,
// then count*dim float32 values.
func ReadLatents(path string) ([]Latent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open latents: %v", ErrAssetMismatch, err)
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header [2]uint32
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: latents header: %v", ErrAssetMismatch, err)
	}
	if header[1] == 0 || uint64(header[0])*uint64(header[1]) > maxLatentValues {
		return nil, fmt.Errorf("%w: latents shape %dx%d", ErrAssetMismatch, header[0], header[1])
	}
	count, dim := int(header[0]), int(header[1])
	latents := make([]Latent, count)
	buf := make([]byte, dim*4)
	for i := range latents {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("%w: latent %d: %v", ErrAssetMismatch, i, err)
		}
		lat := make(Latent, dim)
		for j := range lat {
			lat[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
		}
		latents[i] = lat
	}
	return latents, nil
}

// WriteLatents writes latents in the format ReadLatents expects.
func WriteLatents(path string, latents []Latent) error {
	if len(latents) == 0 {
		return fmt.Errorf("no latents to write")
	}
	dim := len(latents[0])
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	header := [2]uint32{uint32(len(latents)), uint32(dim)}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		f.Close()
		return err
	}
	for i, lat := range latents {
		if len(lat) != dim {
			f.Close()
			return fmt.Errorf("latent %d has dimension %d, expected %d", i, len(lat), dim)
		}
		if err := binary.Write(w, binary.LittleEndian, []float32(lat)); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func decodeImage(ctx context.Context, path string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open image: %v", ErrAssetMismatch, err)
	}
	defer f.Close()
	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrAssetMismatch, filepath.Base(path), err)
	}
	return img, nil
}

func decodeRGBA(ctx context.Context, path string) (*image.RGBA, error) {
	img, err := decodeImage(ctx, path)
	if err != nil {
		return nil, err
	}
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba, nil
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba, nil
}

// decodeAlpha turns a greyscale (or colour) mask image into blend weights.
func decodeAlpha(ctx context.Context, path string) (*image.Alpha, error) {
	img, err := decodeImage(ctx, path)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	alpha := image.NewAlpha(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
			alpha.Pix[y*alpha.Stride+x] = g.Y
		}
	}
	return alpha, nil
}
