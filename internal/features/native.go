package features

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
)

type nativeExtractor struct {
	params Params
}

// NewNativeExtractor decodes WAV or MP3 in-process and derives per-frame
// energy and zero-crossing features.
func NewNativeExtractor(params Params) Extractor {
	return &nativeExtractor{params: params}
}

func (n *nativeExtractor) Extract(ctx context.Context, audioPath string) ([]Chunk, error) {
	samples, sampleRate, err := decodeMono(audioPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrAudioRead, filepath.Base(audioPath), err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	chunks := chunkSamples(samples, sampleRate, n.params)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s is shorter than one frame", ErrAudioRead, filepath.Base(audioPath))
	}
	return chunks, nil
}

func decodeMono(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".mp3") {
		return decodeMP3(f)
	}
	return decodeWAV(f)
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, fmt.Errorf("wav has no format")
	}
	return downmix(buf, int(dec.BitDepth)), buf.Format.SampleRate, nil
}

func downmix(buf *audio.IntBuffer, bitDepth int) []float32 {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))
	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c])
		}
		out[i] = sum / float32(channels) / scale
	}
	return out
}

// decodeMP3 reads the whole stream; go-mp3 always yields 16-bit stereo.
func decodeMP3(r io.Reader) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	const frameBytes = 4
	out := make([]float32, len(pcm)/frameBytes)
	for i := range out {
		l := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes:]))
		r := int16(binary.LittleEndian.Uint16(pcm[i*frameBytes+2:]))
		out[i] = (float32(l) + float32(r)) / 2 / 32768
	}
	return out, dec.SampleRate(), nil
}

// chunkSamples emits floor(duration*fps) chunks. Chunk i covers frames
// i-PadLeft..i+PadRight; samples outside the audio count as silence.
func chunkSamples(samples []float32, sampleRate int, p Params) []Chunk {
	if sampleRate <= 0 || p.FPS <= 0 {
		return nil
	}
	total := int(math.Floor(float64(len(samples)) / float64(sampleRate) * float64(p.FPS)))
	perFrame := float64(sampleRate) / float64(p.FPS)

	frameStats := make([][2]float32, total+p.PadLeft+p.PadRight)
	stat := func(frame int) [2]float32 {
		if frame < 0 || frame >= total {
			return [2]float32{}
		}
		start := int(math.Round(float64(frame) * perFrame))
		end := int(math.Round(float64(frame+1) * perFrame))
		if end > len(samples) {
			end = len(samples)
		}
		return energy(samples[start:end])
	}
	for k := range frameStats {
		frameStats[k] = stat(k - p.PadLeft)
	}

	chunks := make([]Chunk, total)
	window := p.Window()
	for i := range chunks {
		values := make([]float32, 0, window*2)
		for w := 0; w < window; w++ {
			s := frameStats[i+w]
			values = append(values, s[0], s[1])
		}
		chunks[i] = Chunk{Index: i, Values: values}
	}
	return chunks
}

// energy returns RMS and zero-crossing rate of a window.
func energy(window []float32) [2]float32 {
	if len(window) == 0 {
		return [2]float32{}
	}
	var sum float64
	crossings := 0
	for i, s := range window {
		sum += float64(s) * float64(s)
		if i > 0 && (s >= 0) != (window[i-1] >= 0) {
			crossings++
		}
	}
	rms := math.Sqrt(sum / float64(len(window)))
	return [2]float32{float32(rms), float32(crossings) / float32(len(window))}
}
