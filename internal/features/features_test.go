package features

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/features/featurestest"
)

var defaultParams = Params{FPS: 25, PadLeft: 2, PadRight: 2}

func TestNativeExtractFrameCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	featurestest.WriteWAV(t, path, 4)

	chunks, err := NewNativeExtractor(defaultParams).Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 100)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.Len(t, c.Values, defaultParams.Window()*2)
	}
}

func TestNativeExtractPadding(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.wav")
	featurestest.WriteWAV(t, path, 1)

	chunks, err := NewNativeExtractor(defaultParams).Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, chunks, 25)

	// The first chunk's two left context windows lie before the audio.
	first := chunks[0].Values
	assert.Zero(t, first[0])
	assert.Zero(t, first[2])
	assert.Greater(t, first[4], float32(0))

	// The last chunk's two right context windows lie after the audio.
	last := chunks[24].Values
	assert.Greater(t, last[4], float32(0))
	assert.Zero(t, last[6])
	assert.Zero(t, last[8])

	// Interior chunks overlap: chunk i's centre is chunk i+1's left neighbour.
	assert.Equal(t, chunks[10].Values[4], chunks[11].Values[2])
}

func TestNativeExtractMissingFile(t *testing.T) {
	_, err := NewNativeExtractor(defaultParams).Extract(context.Background(), filepath.Join(t.TempDir(), "nope.wav"))
	require.ErrorIs(t, err, ErrAudioRead)
}

func TestNativeExtractCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not audio"), 0o644))
	_, err := NewNativeExtractor(defaultParams).Extract(context.Background(), path)
	require.ErrorIs(t, err, ErrAudioRead)

	mp3Path := filepath.Join(t.TempDir(), "bad.mp3")
	require.NoError(t, os.WriteFile(mp3Path, []byte{0, 1, 2, 3}, 0o644))
	_, err = NewNativeExtractor(defaultParams).Extract(context.Background(), mp3Path)
	require.ErrorIs(t, err, ErrAudioRead)
}

func TestNativeExtractTooShort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blip.wav")
	featurestest.WriteWAV(t, path, 0.01)
	_, err := NewNativeExtractor(defaultParams).Extract(context.Background(), path)
	require.ErrorIs(t, err, ErrAudioRead)
}

func TestChunkSamplesCount(t *testing.T) {
	samples := make([]float32, 16000*3/2)
	chunks := chunkSamples(samples, 16000, defaultParams)
	assert.Len(t, chunks, 37)
}

func TestExecExtractor(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "extract.sh")
	body := "#!/bin/sh\necho '{\"chunks\":[[0.1,0.2],[0.3,0.4],[0.5,0.6]]}'\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	ex, err := FromConfig(config.FeaturesConfig{Mode: "exec", Command: script, FPS: 25, PadLeft: 2, PadRight: 2})
	require.NoError(t, err)
	chunks, err := ex.Extract(context.Background(), "ignored.wav")
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, 2, chunks[2].Index)
	assert.Equal(t, []float32{0.5, 0.6}, chunks[2].Values)
}

func TestExecExtractorFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	script := filepath.Join(t.TempDir(), "fail.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho broken >&2\nexit 3\n"), 0o755))

	ex, err := NewExecExtractor(script, defaultParams)
	require.NoError(t, err)
	_, err = ex.Extract(context.Background(), "x.wav")
	require.ErrorIs(t, err, ErrAudioRead)
}

func TestFromConfigRejectsEmptyCommand(t *testing.T) {
	_, err := FromConfig(config.FeaturesConfig{Mode: "exec"})
	require.Error(t, err)
	_, err = FromConfig(config.FeaturesConfig{Mode: "whisper"})
	require.Error(t, err)
}
