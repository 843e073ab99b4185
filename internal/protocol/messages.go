package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Request is the single client message that starts a streaming job.
type Request struct {
	AudioPath string                     `json:"audio_path"`
	Avatar    string                     `json:"avatar,omitempty"`
	Options   map[string]json.RawMessage `json:"options,omitempty"`
}

// Options are the per-request delivery options after defaults are applied.
type Options struct {
	JPEGQuality int
	BatchSend   bool
	Verbose     bool
}

const (
	StatusProcessing = "processing"
	StatusProgress   = "progress"
	StatusCompleted  = "completed"
)

// Processing acknowledges an accepted job.
type Processing struct {
	Status    string `json:"status"`
	AudioPath string `json:"audio_path"`
}

// Progress reports how far inference has advanced through the frame sequence.
type Progress struct {
	Status          string  `json:"status"`
	CurrentFrame    int     `json:"current_frame"`
	TotalFrames     int     `json:"total_frames"`
	ProgressPercent float64 `json:"progress_percent"`
	ElapsedTime     float64 `json:"elapsed_time"`
}

// Completed is the terminal success event.
type Completed struct {
	Status         string  `json:"status"`
	TotalFrames    int     `json:"total_frames"`
	ProcessingTime float64 `json:"processing_time"`
	FPS            float64 `json:"fps"`
}

// Error is sent for malformed requests and failed jobs.
type Error struct {
	Error string `json:"error"`
}

func NewProcessing(audioPath string) Processing {
	return Processing{Status: StatusProcessing, AudioPath: audioPath}
}

func NewProgress(current, total int, elapsed time.Duration) Progress {
	percent := 0.0
	if total > 0 {
		percent = float64(current) / float64(total) * 100
	}
	return Progress{
		Status:          StatusProgress,
		CurrentFrame:    current,
		TotalFrames:     total,
		ProgressPercent: percent,
		ElapsedTime:     elapsed.Seconds(),
	}
}

func NewCompleted(sent int, elapsed time.Duration) Completed {
	fps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		fps = float64(sent) / secs
	}
	return Completed{
		Status:         StatusCompleted,
		TotalFrames:    sent,
		ProcessingTime: elapsed.Seconds(),
		FPS:            fps,
	}
}

// DecodeRequest parses one text message into a Request.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	return req, nil
}

// ParseOptions applies defaults and validates the recognised option keys.
// Unknown keys are ignored.
func ParseOptions(raw map[string]json.RawMessage, defaultQuality int) (Options, error) {
	opts := Options{JPEGQuality: defaultQuality}
	if v, ok := raw["jpeg_quality"]; ok {
		var q float64
		if err := json.Unmarshal(v, &q); err != nil {
			return opts, errors.New("options.jpeg_quality must be an integer")
		}
		if q != math.Trunc(q) || q < 1 || q > 100 {
			return opts, errors.New("options.jpeg_quality must be an integer between 1 and 100")
		}
		opts.JPEGQuality = int(q)
	}
	if v, ok := raw["batch_send"]; ok {
		if err := json.Unmarshal(v, &opts.BatchSend); err != nil {
			return opts, errors.New("options.batch_send must be a boolean")
		}
	}
	if v, ok := raw["verbose"]; ok {
		if err := json.Unmarshal(v, &opts.Verbose); err != nil {
			return opts, errors.New("options.verbose must be a boolean")
		}
	}
	return opts, nil
}

// SessionEvent is the lifecycle record written to the journal and the bus.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	Remote      string    `json:"remote,omitempty"`
	Status      string    `json:"status"`
	Avatar      string    `json:"avatar,omitempty"`
	AudioPath   string    `json:"audio_path,omitempty"`
	TotalFrames int       `json:"total_frames,omitempty"`
	SentFrames  int       `json:"sent_frames,omitempty"`
	Skipped     int       `json:"skipped_frames,omitempty"`
	DurationMS  int64     `json:"duration_ms,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SessionStarted   = "started"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// SessionSubject returns the bus subject for a lifecycle status.
func SessionSubject(prefix, status string) string {
	return prefix + ".session." + status
}
