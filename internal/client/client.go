// Package client consumes an avatar frame stream: it submits one request and
// collects the status events and binary frames that follow.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

// ErrServer wraps an {"error": ...} message returned for a request.
var ErrServer = errors.New("server error")

// DefaultMaxMessageBytes matches the server's default frame ceiling.
const DefaultMaxMessageBytes = 10_000_000

// Handler receives stream events as they arrive. Any field may be nil.
// Returning an error from Frame stops the stream and drops the connection.
type Handler struct {
	Processing func(protocol.Processing)
	Progress   func(protocol.Progress)
	Frame      func(n int, data []byte) error
}

// Result summarises one streamed job.
type Result struct {
	Processing *protocol.Processing
	Progress   []protocol.Progress
	Frames     int
	Completed  *protocol.Completed
	Bytes      int64
}

type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

type Options struct {
	MaxMessageBytes int64
	Compression     bool
	Logger          *slog.Logger
}

func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	dialOpts := &websocket.DialOptions{CompressionMode: websocket.CompressionDisabled}
	if opts.Compression {
		dialOpts.CompressionMode = websocket.CompressionContextTakeover
	}
	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	limit := opts.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	conn.SetReadLimit(limit)

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{conn: conn, logger: logger.With(slog.String("component", "client"))}, nil
}

// SendText writes a raw text message.
func (c *Client) SendText(ctx context.Context, text string) error {
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(text)); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Send writes one request without waiting for a reply.
func (c *Client) Send(ctx context.Context, req protocol.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.SendText(ctx, string(data))
}

// Stream sends req and reads until the job completes or fails.
func (c *Client) Stream(ctx context.Context, req protocol.Request, h Handler) (Result, error) {
	if err := c.Send(ctx, req); err != nil {
		return Result{}, err
	}
	return c.Collect(ctx, h)
}

// Collect reads one job's messages. It returns on the completion event, on a
// server error message, or on a transport failure.
func (c *Client) Collect(ctx context.Context, h Handler) (Result, error) {
	var res Result
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return res, fmt.Errorf("websocket read: %w", err)
		}

		if typ == websocket.MessageBinary {
			if h.Frame != nil {
				if err := h.Frame(res.Frames, data); err != nil {
					c.Abort()
					return res, err
				}
			}
			res.Frames++
			res.Bytes += int64(len(data))
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return res, fmt.Errorf("decode server message: %w", err)
		}
		switch {
		case env.Error != "":
			return res, fmt.Errorf("%w: %s", ErrServer, env.Error)
		case env.Status == protocol.StatusProcessing:
			p := protocol.Processing{Status: env.Status, AudioPath: env.AudioPath}
			res.Processing = &p
			if h.Processing != nil {
				h.Processing(p)
			}
		case env.Status == protocol.StatusProgress:
			p := protocol.Progress{
				Status:          env.Status,
				CurrentFrame:    env.CurrentFrame,
				TotalFrames:     env.TotalFrames,
				ProgressPercent: env.ProgressPercent,
				ElapsedTime:     env.ElapsedTime,
			}
			res.Progress = append(res.Progress, p)
			if h.Progress != nil {
				h.Progress(p)
			}
		case env.Status == protocol.StatusCompleted:
			res.Completed = &protocol.Completed{
				Status:         env.Status,
				TotalFrames:    env.TotalFrames,
				ProcessingTime: env.ProcessingTime,
				FPS:            env.FPS,
			}
			return res, nil
		default:
			c.logger.Warn("unknown server message", slog.String("status", env.Status))
		}
	}
}

// Close performs a normal close handshake.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "done")
}

// Abort drops the connection without a close handshake.
func (c *Client) Abort() {
	_ = c.conn.CloseNow()
}

type envelope struct {
	Status          string  `json:"status"`
	Error           string  `json:"error"`
	AudioPath       string  `json:"audio_path"`
	CurrentFrame    int     `json:"current_frame"`
	TotalFrames     int     `json:"total_frames"`
	ProgressPercent float64 `json:"progress_percent"`
	ElapsedTime     float64 `json:"elapsed_time"`
	ProcessingTime  float64 `json:"processing_time"`
	FPS             float64 `json:"fps"`
}
