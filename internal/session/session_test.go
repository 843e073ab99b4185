package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/avatar/avatartest"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/engine"
	"github.com/loqalabs/loqa-avatar/internal/features"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/scheduler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is an in-memory Transport that logs every message in order.
type recorder struct {
	mu        sync.Mutex
	log       []string
	json      []any
	frames    [][]byte
	failAfter int // fail the binary send after this many successes; 0 disables
}

func (r *recorder) SendJSON(_ context.Context, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.json = append(r.json, v)
	switch m := v.(type) {
	case protocol.Processing:
		r.log = append(r.log, "processing")
	case protocol.Progress:
		r.log = append(r.log, fmt.Sprintf("progress:%d", m.CurrentFrame))
	case protocol.Completed:
		r.log = append(r.log, "completed")
	case protocol.Error:
		r.log = append(r.log, "error")
	}
	return nil
}

func (r *recorder) SendBinary(_ context.Context, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.frames) >= r.failAfter {
		return errors.New("connection closed")
	}
	r.frames = append(r.frames, data)
	r.log = append(r.log, "frame")
	return nil
}

func (r *recorder) mark(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, l := range r.log {
		if l == kind {
			n++
		}
	}
	return n
}

func (r *recorder) progress() []protocol.Progress {
	var out []protocol.Progress
	for _, v := range r.json {
		if p, ok := v.(protocol.Progress); ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *recorder) completed() (protocol.Completed, bool) {
	for _, v := range r.json {
		if c, ok := v.(protocol.Completed); ok {
			return c, true
		}
	}
	return protocol.Completed{}, false
}

type fixedExtractor struct {
	frames int
	err    error
}

func (f fixedExtractor) Extract(ctx context.Context, _ string) ([]features.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	chunks := make([]features.Chunk, f.frames)
	for i := range chunks {
		chunks[i] = features.Chunk{Index: i, Values: []float32{0.1}}
	}
	return chunks, nil
}

type engineFunc func(context.Context, engine.Batch) ([]image.Image, error)

func (f engineFunc) Synthesize(ctx context.Context, b engine.Batch) ([]image.Image, error) {
	return f(ctx, b)
}

type fixture struct {
	audio     string
	cache     *avatar.Cache
	cfg       Config
	extractor features.Extractor
	engine    engine.Engine
	opts      []Option
}

func newFixture(t *testing.T, frames int) *fixture {
	t.Helper()
	dir := t.TempDir()
	audio := filepath.Join(dir, "speech.wav")
	require.NoError(t, os.WriteFile(audio, []byte("stub"), 0o644))

	cache := avatar.NewCache(t.TempDir(), 1, discardLogger())
	cache.Put("avatar_1", avatartest.NewLoop(t, "avatar_1", 3))

	return &fixture{
		audio: audio,
		cache: cache,
		cfg: Config{
			DefaultAvatar: "avatar_1",
			Stream:        streamDefaults(),
		},
		extractor: fixedExtractor{frames: frames},
		engine:    engine.NewMockEngine(8),
	}
}

func streamDefaults() config.StreamConfig {
	return config.StreamConfig{ProgressEvery: 50, ProgressIntervalMS: 2000}
}

func (f *fixture) runner() *Runner {
	f.cfg.Compositor.JPEGQuality = 70
	f.cfg.Compositor.OptimizeBelow = 50
	return NewRunner(f.cfg, f.cache, f.extractor, scheduler.New(f.engine, 10), discardLogger(), f.opts...)
}

func (f *fixture) request() protocol.Request {
	return protocol.Request{AudioPath: f.audio}
}

func TestMissingAudioSendsSingleError(t *testing.T) {
	f := newFixture(t, 100)
	var events []protocol.SessionEvent
	f.opts = append(f.opts, WithObserver(ObserverFunc(func(_ context.Context, ev protocol.SessionEvent) {
		events = append(events, ev)
	})))
	rec := &recorder{}

	res := f.runner().Run(context.Background(), rec, "test", protocol.Request{AudioPath: "/does/not/exist.wav"})

	require.ErrorIs(t, res.Err, ErrRequest)
	assert.Equal(t, Idle, res.State)
	assert.Equal(t, []string{"error"}, rec.log)
	assert.Empty(t, events)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t, 10)
	cases := map[string]protocol.Request{
		"empty path":     {},
		"unknown avatar": {AudioPath: f.audio, Avatar: "nobody"},
		"bad quality":    {AudioPath: f.audio, Options: map[string]json.RawMessage{"jpeg_quality": []byte("150")}},
		"bad batch_send": {AudioPath: f.audio, Options: map[string]json.RawMessage{"batch_send": []byte(`"yes"`)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			rec := &recorder{}
			res := f.runner().Run(context.Background(), rec, "test", req)
			require.ErrorIs(t, res.Err, ErrRequest)
			assert.Equal(t, []string{"error"}, rec.log)
		})
	}
}

func TestFullStreamDefaultOptions(t *testing.T) {
	f := newFixture(t, 100)
	var statuses []string
	f.opts = append(f.opts, WithObserver(ObserverFunc(func(_ context.Context, ev protocol.SessionEvent) {
		statuses = append(statuses, ev.Status)
	})))
	rec := &recorder{}

	res := f.runner().Run(context.Background(), rec, "test", f.request())

	require.NoError(t, res.Err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 100, res.Sent)
	assert.Equal(t, "processing", rec.log[0])
	assert.Equal(t, "completed", rec.log[len(rec.log)-1])
	assert.Equal(t, 100, rec.count("frame"))
	assert.Contains(t, rec.log, "progress:50")
	assert.Contains(t, rec.log, "progress:100")

	done, ok := rec.completed()
	require.True(t, ok)
	assert.Equal(t, 100, done.TotalFrames)
	assert.Equal(t, []string{protocol.SessionStarted, protocol.SessionCompleted}, statuses)

	proc := rec.json[0].(protocol.Processing)
	assert.Equal(t, f.audio, proc.AudioPath)
}

func TestDisconnectMidStreamAborts(t *testing.T) {
	f := newFixture(t, 100)
	var last protocol.SessionEvent
	f.opts = append(f.opts, WithObserver(ObserverFunc(func(_ context.Context, ev protocol.SessionEvent) {
		last = ev
	})))
	rec := &recorder{failAfter: 40}

	res := f.runner().Run(context.Background(), rec, "test", f.request())

	require.ErrorIs(t, res.Err, ErrTransport)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 40, res.Sent)
	_, ok := rec.completed()
	assert.False(t, ok)
	assert.Zero(t, rec.count("error"))
	assert.Equal(t, protocol.SessionFailed, last.Status)
}

func TestBatchSendDeliversBursts(t *testing.T) {
	f := newFixture(t, 25)
	rec := &recorder{}
	f.opts = append(f.opts, WithBlend(func(dst *image.RGBA, patch image.Image, face avatar.Box, mask avatar.Mask) {
		rec.mark("composite")
	}))
	req := f.request()
	req.Options = map[string]json.RawMessage{"batch_send": []byte("true")}

	res := f.runner().Run(context.Background(), rec, "test", req)
	require.NoError(t, res.Err)

	var bursts []int
	run := 0
	for _, l := range rec.log {
		switch l {
		case "frame":
			run++
		case "composite":
			if run > 0 {
				bursts = append(bursts, run)
				run = 0
			}
		}
	}
	bursts = append(bursts, run)
	assert.Equal(t, []int{10, 10, 5}, bursts)
}

func TestImmediateModeInterleaves(t *testing.T) {
	f := newFixture(t, 5)
	rec := &recorder{}
	f.opts = append(f.opts, WithBlend(func(*image.RGBA, image.Image, avatar.Box, avatar.Mask) {
		rec.mark("composite")
	}))
	res := f.runner().Run(context.Background(), rec, "test", f.request())
	require.NoError(t, res.Err)
	assert.Equal(t, []string{"processing",
		"composite", "frame", "composite", "frame", "composite", "frame",
		"composite", "frame", "composite", "frame", "completed"}, rec.log)
}

func TestSkippedFramesAdvanceIndex(t *testing.T) {
	f := newFixture(t, 60)
	f.engine = engineFunc(func(_ context.Context, b engine.Batch) ([]image.Image, error) {
		out := make([]image.Image, b.Len())
		for i := range out {
			if (b.Start+i)%7 != 3 {
				out[i] = image.NewRGBA(image.Rect(0, 0, 8, 8))
			}
		}
		return out, nil
	})
	rec := &recorder{}

	res := f.runner().Run(context.Background(), rec, "test", f.request())

	require.NoError(t, res.Err)
	assert.Equal(t, 9, res.Skipped)
	assert.Equal(t, 51, res.Sent)
	done, _ := rec.completed()
	assert.Equal(t, 51, done.TotalFrames)
	assert.Equal(t, 51, rec.count("frame"))
	assert.Contains(t, rec.log, "progress:50")
}

func TestInferenceErrorReported(t *testing.T) {
	f := newFixture(t, 30)
	f.engine = engineFunc(func(_ context.Context, b engine.Batch) ([]image.Image, error) {
		if b.Start >= 10 {
			return nil, errors.New("device lost")
		}
		return engine.NewMockEngine(8).Synthesize(context.Background(), b)
	})
	rec := &recorder{}

	res := f.runner().Run(context.Background(), rec, "test", f.request())

	require.ErrorIs(t, res.Err, scheduler.ErrInference)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 10, rec.count("frame"))
	assert.Equal(t, "error", rec.log[len(rec.log)-1])
	_, ok := rec.completed()
	assert.False(t, ok)
}

func TestAudioReadErrorReported(t *testing.T) {
	f := newFixture(t, 0)
	f.extractor = fixedExtractor{err: fmt.Errorf("%w: corrupt header", features.ErrAudioRead)}
	rec := &recorder{}

	res := f.runner().Run(context.Background(), rec, "test", f.request())

	require.ErrorIs(t, res.Err, features.ErrAudioRead)
	assert.Equal(t, []string{"processing", "error"}, rec.log)
}

func TestProgressByElapsedTime(t *testing.T) {
	f := newFixture(t, 5)
	r := f.runner()
	clock := time.Unix(0, 0)
	r.now = func() time.Time {
		clock = clock.Add(2500 * time.Millisecond)
		return clock
	}
	rec := &recorder{}

	res := r.Run(context.Background(), rec, "test", f.request())
	require.NoError(t, res.Err)
	assert.Len(t, rec.progress(), 5)
}

func TestProgressInvariant(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		frames := rapid.IntRange(1, 120).Draw(rt, "frames")
		every := rapid.IntRange(1, 60).Draw(rt, "every")

		f := newFixture(t, frames)
		f.cfg.Stream.ProgressEvery = every
		rec := &recorder{}
		res := f.runner().Run(context.Background(), rec, "test", f.request())
		if res.Err != nil {
			rt.Fatalf("run: %v", res.Err)
		}
		prev := 0
		for _, p := range rec.progress() {
			if p.TotalFrames != frames || p.CurrentFrame > p.TotalFrames || p.CurrentFrame <= prev {
				rt.Fatalf("bad progress %+v after %d", p, prev)
			}
			want := 100 * float64(p.CurrentFrame) / float64(p.TotalFrames)
			if diff := p.ProgressPercent - want; diff > 1e-9 || diff < -1e-9 {
				rt.Fatalf("percent %f, want %f", p.ProgressPercent, want)
			}
			prev = p.CurrentFrame
		}
		if got := len(rec.progress()); got < frames/every {
			rt.Fatalf("%d progress events, want at least %d", got, frames/every)
		}
	})
}

func TestContextCancelledIsTransportFailure(t *testing.T) {
	f := newFixture(t, 40)
	ctx, cancel := context.WithCancel(context.Background())
	f.engine = engineFunc(func(c context.Context, b engine.Batch) ([]image.Image, error) {
		if b.Start == 20 {
			cancel()
			return nil, c.Err()
		}
		return engine.NewMockEngine(8).Synthesize(c, b)
	})
	rec := &recorder{}

	res := f.runner().Run(ctx, rec, "test", f.request())

	require.ErrorIs(t, res.Err, ErrTransport)
	assert.Zero(t, rec.count("error"))
	assert.Equal(t, 20, rec.count("frame"))
}

func TestResolveAudioPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "clips"), 0o755))
	inside := filepath.Join(root, "clips", "a.wav")
	require.NoError(t, os.WriteFile(inside, []byte("x"), 0o644))
	outside := filepath.Join(t.TempDir(), "b.wav")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	got, err := ResolveAudioPath(root, "clips/a.wav")
	require.NoError(t, err)
	assert.Equal(t, inside, got)

	_, err = ResolveAudioPath(root, "../"+filepath.Base(filepath.Dir(outside))+"/b.wav")
	require.ErrorIs(t, err, ErrRequest)
	_, err = ResolveAudioPath(root, outside)
	require.ErrorIs(t, err, ErrRequest)
	_, err = ResolveAudioPath(root, "clips")
	require.ErrorIs(t, err, ErrRequest)

	got, err = ResolveAudioPath("", outside)
	require.NoError(t, err)
	assert.Equal(t, outside, got)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "failed", Failed.String())
}
