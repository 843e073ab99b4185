package avatar

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the optional per-avatar manifest name.
const ManifestFile = "avatar.yaml"

// Manifest describes an avatar directory.
type Manifest struct {
	Name    string  `yaml:"name"`
	FPS     int     `yaml:"fps,omitempty"`
	Frames  []Asset `yaml:"frames"`
	Masks   []Asset `yaml:"masks"`
	Latents string  `yaml:"latents"` // one latent per key, in ascending key order
}

// Asset is one image of the loop together with its explicit sort key.
type Asset struct {
	Key   int    `yaml:"key"`
	Image string `yaml:"image"`
	BBox  []int  `yaml:"bbox"`
}

// LoadManifest reads a manifest from disk.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, err
	}
	return m, nil
}

// Validate ensures the manifest is internally consistent.
func Validate(m Manifest) error {
	if m.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(m.Frames) == 0 {
		return fmt.Errorf("%w: frames must not be empty", ErrAssetMismatch)
	}
	if len(m.Masks) != len(m.Frames) {
		return fmt.Errorf("%w: %d frames but %d masks", ErrAssetMismatch, len(m.Frames), len(m.Masks))
	}
	if m.Latents == "" {
		return fmt.Errorf("latents is required")
	}
	if m.FPS < 0 {
		return fmt.Errorf("fps must be >= 0")
	}
	frameKeys := make(map[int]bool, len(m.Frames))
	for _, a := range m.Frames {
		frameKeys[a.Key] = true
	}
	for i, a := range m.Masks {
		if !frameKeys[a.Key] {
			return fmt.Errorf("%w: masks[%d] key %d has no frame", ErrAssetMismatch, i, a.Key)
		}
	}
	for kind, assets := range map[string][]Asset{"frames": m.Frames, "masks": m.Masks} {
		seen := make(map[int]bool, len(assets))
		for i, a := range assets {
			if a.Image == "" {
				return fmt.Errorf("%s[%d].image is required", kind, i)
			}
			if _, err := boxFrom(a.BBox); err != nil {
				return fmt.Errorf("%s[%d].bbox: %w", kind, i, err)
			}
			if seen[a.Key] {
				return fmt.Errorf("%w: %s key %d repeated", ErrAssetMismatch, kind, a.Key)
			}
			seen[a.Key] = true
		}
	}
	return nil
}

func boxFrom(v []int) (Box, error) {
	if len(v) != 4 {
		return Box{}, fmt.Errorf("expected 4 values, got %d", len(v))
	}
	b := Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if b.X2 < b.X1 || b.Y2 < b.Y1 {
		return Box{}, fmt.Errorf("inverted box %v", v)
	}
	return b, nil
}
