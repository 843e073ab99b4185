package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/client"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
)

func main() {
	var (
		url       string
		audioPath string
		avatarID  string
		quality   int
		batchSend bool
		verbose   bool
		outDir    string
		timeout   time.Duration
	)

	flag.StringVar(&url, "url", "ws://localhost:8765/", "Avatar server websocket URL")
	flag.StringVar(&audioPath, "audio", "", "Audio file path as seen by the server")
	flag.StringVar(&avatarID, "avatar", "", "Avatar identifier (server default when empty)")
	flag.IntVar(&quality, "quality", 0, "JPEG quality 1-100 (server default when 0)")
	flag.BoolVar(&batchSend, "batch", false, "Ask the server to send frames per batch")
	flag.BoolVar(&verbose, "verbose", false, "Ask the server for per-frame logging")
	flag.StringVar(&outDir, "out", "", "Directory to write received frames into")
	flag.DurationVar(&timeout, "timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	if audioPath == "" {
		logger.Error("-audio is required")
		os.Exit(2)
	}

	req, err := buildRequest(audioPath, avatarID, quality, batchSend, verbose)
	if err != nil {
		logger.Error("failed to build request", slog.String("error", err.Error()))
		os.Exit(2)
	}
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			logger.Error("failed to create output directory", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c, err := client.Dial(ctx, url, client.Options{Logger: logger})
	if err != nil {
		logger.Error("failed to connect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer c.Close()

	start := time.Now()
	res, err := c.Stream(ctx, req, client.Handler{
		Processing: func(p protocol.Processing) {
			logger.Info("processing", slog.String("audio_path", p.AudioPath))
		},
		Progress: func(p protocol.Progress) {
			logger.Info("progress",
				slog.Int("current_frame", p.CurrentFrame),
				slog.Int("total_frames", p.TotalFrames),
				slog.String("percent", fmt.Sprintf("%.1f", p.ProgressPercent)))
		},
		Frame: func(n int, data []byte) error {
			if outDir == "" {
				return nil
			}
			return os.WriteFile(filepath.Join(outDir, fmt.Sprintf("frame_%06d.jpg", n)), data, 0o644)
		},
	})
	if err != nil {
		logger.Error("stream failed", slog.Int("frames", res.Frames), slog.String("error", err.Error()))
		os.Exit(1)
	}

	elapsed := time.Since(start)
	logger.Info("completed",
		slog.Int("frames", res.Frames),
		slog.Int64("bytes", res.Bytes),
		slog.Float64("server_fps", res.Completed.FPS),
		slog.Duration("elapsed", elapsed))
}

func buildRequest(audioPath, avatarID string, quality int, batchSend, verbose bool) (protocol.Request, error) {
	opts := map[string]any{"batch_send": batchSend, "verbose": verbose}
	if quality != 0 {
		opts["jpeg_quality"] = quality
	}
	req := protocol.Request{AudioPath: audioPath, Avatar: avatarID, Options: make(map[string]json.RawMessage, len(opts))}
	for k, v := range opts {
		raw, err := json.Marshal(v)
		if err != nil {
			return protocol.Request{}, err
		}
		req.Options[k] = raw
	}
	return req, nil
}
