// Package session runs one audio-to-frames streaming job over a connection.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
	"github.com/loqalabs/loqa-avatar/internal/compositor"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/features"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/scheduler"
)

var (
	// ErrRequest reports a malformed or unresolvable request. The connection
	// stays usable.
	ErrRequest = errors.New("invalid request")
	// ErrTransport reports a failed send. Nothing further is sent for the job.
	ErrTransport = errors.New("transport failed")
)

// State is the lifecycle position of one job.
type State int

const (
	Idle State = iota
	Processing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Processing:
		return "processing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transport delivers messages to one client in call order.
type Transport interface {
	SendJSON(ctx context.Context, v any) error
	SendBinary(ctx context.Context, data []byte) error
}

// AvatarSource resolves avatar identifiers to loaded loops.
type AvatarSource interface {
	Get(ctx context.Context, id string) (*avatar.Loop, error)
}

// Observer receives lifecycle events for jobs that entered processing.
type Observer interface {
	Observe(ctx context.Context, ev protocol.SessionEvent)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev protocol.SessionEvent)

func (f ObserverFunc) Observe(ctx context.Context, ev protocol.SessionEvent) { f(ctx, ev) }

// Config carries the settings shared by every job a Runner executes.
type Config struct {
	DefaultAvatar string
	AudioRoot     string
	MaxFrameBytes int
	Stream        config.StreamConfig
	Compositor    config.CompositorConfig
}

// ConfigFrom extracts the session settings from the process configuration.
func ConfigFrom(cfg config.Config) Config {
	return Config{
		DefaultAvatar: cfg.Avatar.Default,
		AudioRoot:     cfg.Server.AudioRoot,
		MaxFrameBytes: int(cfg.Server.MaxMessageBytes),
		Stream:        cfg.Stream,
		Compositor:    cfg.Compositor,
	}
}

// Result summarises a finished job.
type Result struct {
	ID      string
	State   State
	Total   int
	Sent    int
	Skipped int
	Err     error
}

// Runner executes jobs. It is safe for concurrent use by many connections.
type Runner struct {
	cfg       Config
	avatars   AvatarSource
	extractor features.Extractor
	scheduler *scheduler.Scheduler
	observers []Observer
	metrics   *Metrics
	blend     compositor.BlendFunc
	tracer    trace.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

type Option func(*Runner)

func WithObserver(o Observer) Option {
	return func(r *Runner) { r.observers = append(r.observers, o) }
}

func WithMetrics(m *Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithBlend overrides the compositor's mask blend.
func WithBlend(fn compositor.BlendFunc) Option {
	return func(r *Runner) { r.blend = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

func NewRunner(cfg Config, avatars AvatarSource, extractor features.Extractor, sched *scheduler.Scheduler, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:       cfg,
		avatars:   avatars,
		extractor: extractor,
		scheduler: sched,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-avatar/internal/session"),
		logger:    logger.With(slog.String("component", "session")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type job struct {
	id        string
	remote    string
	state     State
	avatarID  string
	audioPath string
	opts      protocol.Options
	loop      *avatar.Loop

	started        time.Time
	inferenceStart time.Time
	frameIndex     int
	total          int
	sent           int
	skipped        int

	log *slog.Logger
}

func (j *job) result(err error) Result {
	return Result{ID: j.id, State: j.state, Total: j.total, Sent: j.sent, Skipped: j.skipped, Err: err}
}

// Run executes one request to a terminal state. Request problems are reported
// to the client and leave the job Idle. Send failures abort silently.
func (r *Runner) Run(ctx context.Context, t Transport, remote string, req protocol.Request) Result {
	j := &job{id: uuid.NewString(), remote: remote, state: Idle, started: r.now()}
	j.log = r.logger.With(slog.String("session_id", j.id), slog.String("remote", remote))

	ctx, span := r.tracer.Start(ctx, "avatar.session", trace.WithAttributes(
		attribute.String("session.id", j.id),
		attribute.String("audio.path", req.AudioPath),
	))
	defer span.End()

	if err := r.prepare(ctx, j, req); err != nil {
		j.log.Warn("request rejected", slogError(err))
		span.SetStatus(codes.Error, err.Error())
		if sendErr := t.SendJSON(ctx, protocol.Error{Error: err.Error()}); sendErr != nil {
			return j.result(fmt.Errorf("%w: %v", ErrTransport, sendErr))
		}
		r.metrics.session(ctx, "rejected")
		return j.result(err)
	}

	j.state = Processing
	span.SetAttributes(attribute.String("avatar", j.avatarID))
	j.log.Info("session started",
		slog.String("avatar", j.avatarID),
		slog.String("audio_path", j.audioPath),
		slog.Int("jpeg_quality", j.opts.JPEGQuality),
		slog.Bool("batch_send", j.opts.BatchSend))
	r.notify(ctx, j, protocol.SessionStarted, nil)

	err := r.send(ctx, t, protocol.NewProcessing(j.audioPath))
	if err == nil {
		err = r.stream(ctx, t, j)
	}
	if err == nil {
		elapsed := r.now().Sub(j.inferenceStart)
		err = r.send(ctx, t, protocol.NewCompleted(j.sent, elapsed))
	}
	if err != nil {
		return r.fail(ctx, t, j, span, err)
	}

	j.state = Completed
	span.SetAttributes(attribute.Int("frames.sent", j.sent), attribute.Int("frames.skipped", j.skipped))
	j.log.Info("session completed",
		slog.Int("frames", j.sent),
		slog.Int("skipped", j.skipped),
		slog.Duration("took", r.now().Sub(j.started)))
	r.metrics.session(ctx, "completed")
	r.notify(ctx, j, protocol.SessionCompleted, nil)
	return j.result(nil)
}

func (r *Runner) fail(ctx context.Context, t Transport, j *job, span trace.Span, err error) Result {
	j.state = Failed
	span.SetStatus(codes.Error, err.Error())
	if ctx.Err() != nil && !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %v", ErrTransport, ctx.Err())
	}
	if errors.Is(err, ErrTransport) {
		j.log.Warn("session aborted", slog.Int("frame_index", j.frameIndex), slogError(err))
		r.metrics.session(ctx, "aborted")
	} else {
		j.log.Error("session failed", slog.Int("frame_index", j.frameIndex), slogError(err))
		r.metrics.session(ctx, "failed")
		if sendErr := r.send(ctx, t, protocol.Error{Error: err.Error()}); sendErr != nil {
			err = errors.Join(err, sendErr)
		}
	}
	r.notify(context.WithoutCancel(ctx), j, protocol.SessionFailed, err)
	return j.result(err)
}

func (r *Runner) prepare(ctx context.Context, j *job, req protocol.Request) error {
	path, err := ResolveAudioPath(r.cfg.AudioRoot, req.AudioPath)
	if err != nil {
		return err
	}
	j.audioPath = path

	j.avatarID = strings.TrimSpace(req.Avatar)
	if j.avatarID == "" {
		j.avatarID = r.cfg.DefaultAvatar
	}
	loop, err := r.avatars.Get(ctx, j.avatarID)
	if errors.Is(err, avatar.ErrNotFound) {
		return fmt.Errorf("%w: unknown avatar %q", ErrRequest, j.avatarID)
	}
	if err != nil {
		return fmt.Errorf("avatar %q unavailable: %w", j.avatarID, err)
	}
	j.loop = loop

	opts, err := protocol.ParseOptions(req.Options, r.cfg.Compositor.JPEGQuality)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRequest, err)
	}
	j.opts = opts
	return nil
}

// stream runs feature extraction, batch inference, compositing and delivery.
func (r *Runner) stream(ctx context.Context, t Transport, j *job) error {
	extractStart := r.now()
	chunks, err := r.extractor.Extract(ctx, j.audioPath)
	if err != nil {
		return err
	}
	j.total = len(chunks)
	j.log.Info("features extracted", slog.Int("frames", j.total), slog.Duration("took", r.now().Sub(extractStart)))

	var compOpts []compositor.Option
	if r.blend != nil {
		compOpts = append(compOpts, compositor.WithBlend(r.blend))
	}
	settings := compositor.SettingsFor(r.cfg.Compositor, j.opts.JPEGQuality)
	settings.MaxBytes = r.cfg.MaxFrameBytes
	comp := compositor.New(j.loop, settings, compOpts...)
	it := r.scheduler.Iterate(chunks, j.loop)

	j.inferenceStart = r.now()
	progress := newProgressTracker(r.cfg.Stream, j.inferenceStart)
	var pending [][]byte

	for {
		batchCtx, batchSpan := r.tracer.Start(ctx, "avatar.batch")
		if !it.Next(batchCtx) {
			batchSpan.End()
			break
		}
		batch := it.Batch()
		batchSpan.SetAttributes(attribute.Int("batch.start", batch.Span.Start), attribute.Int("batch.size", batch.Span.Len()))
		batchSpan.End()
		r.metrics.batch(ctx, batch.Duration)

		for _, raw := range batch.Frames {
			if j.frameIndex >= j.total {
				break
			}
			data, err := comp.Composite(raw, j.frameIndex)
			if err != nil {
				j.skipped++
				j.frameIndex++
				r.metrics.frameSkipped(ctx)
				j.log.Debug("frame skipped", slogError(err))
				continue
			}

			if j.opts.BatchSend {
				pending = append(pending, data)
			} else if err := r.sendFrame(ctx, t, j, data); err != nil {
				return err
			}
			j.frameIndex++

			now := r.now()
			if progress.due(j.frameIndex, now) {
				msg := protocol.NewProgress(j.frameIndex, j.total, now.Sub(j.inferenceStart))
				if err := r.send(ctx, t, msg); err != nil {
					return err
				}
				if j.opts.Verbose {
					j.log.Info("progress", slog.Int("frame", j.frameIndex), slog.Int("total", j.total))
				}
				if err := yield(ctx, r.cfg.Stream.ProgressYieldMS); err != nil {
					return fmt.Errorf("%w: %v", ErrTransport, err)
				}
			}
		}

		if len(pending) > 0 {
			for _, data := range pending {
				if err := r.sendFrame(ctx, t, j, data); err != nil {
					return err
				}
			}
			if j.opts.Verbose {
				j.log.Info("batch sent", slog.Int("frames", len(pending)))
			}
			pending = pending[:0]
		}
	}
	return it.Err()
}

func (r *Runner) sendFrame(ctx context.Context, t Transport, j *job, data []byte) error {
	if err := t.SendBinary(ctx, data); err != nil {
		return fmt.Errorf("%w: frame: %v", ErrTransport, err)
	}
	j.sent++
	r.metrics.frameSent(ctx)
	if j.opts.Verbose {
		j.log.Info("frame sent", slog.Int("sent", j.sent), slog.Int("bytes", len(data)))
	}
	return nil
}

func (r *Runner) send(ctx context.Context, t Transport, v any) error {
	if err := t.SendJSON(ctx, v); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

func (r *Runner) notify(ctx context.Context, j *job, status string, err error) {
	if len(r.observers) == 0 {
		return
	}
	ev := protocol.SessionEvent{
		SessionID:   j.id,
		Remote:      j.remote,
		Status:      status,
		Avatar:      j.avatarID,
		AudioPath:   j.audioPath,
		TotalFrames: j.total,
		SentFrames:  j.sent,
		Skipped:     j.skipped,
		Timestamp:   r.now().UTC(),
	}
	if status != protocol.SessionStarted {
		ev.DurationMS = r.now().Sub(j.started).Milliseconds()
	}
	if err != nil {
		ev.Error = err.Error()
	}
	for _, o := range r.observers {
		o.Observe(ctx, ev)
	}
}

// ResolveAudioPath checks that p names a readable file. With a non-empty
// root, relative paths resolve under root and paths outside it are refused.
func ResolveAudioPath(root, p string) (string, error) {
	requested := strings.TrimSpace(p)
	if requested == "" {
		return "", fmt.Errorf("%w: audio_path is required", ErrRequest)
	}
	resolved := requested
	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return "", fmt.Errorf("resolve audio root: %w", err)
		}
		if !filepath.IsAbs(resolved) {
			resolved = filepath.Join(absRoot, resolved)
		}
		resolved = filepath.Clean(resolved)
		rel, err := filepath.Rel(absRoot, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: audio_path %q is outside the audio root", ErrRequest, requested)
		}
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%w: audio file not found: %s", ErrRequest, requested)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: audio_path %q is a directory", ErrRequest, requested)
	}
	return resolved, nil
}

func yield(ctx context.Context, ms int) error {
	if ms <= 0 {
		runtime.Gosched()
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
