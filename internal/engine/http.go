package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"
)

type httpEngine struct {
	endpoint string
	client   *http.Client
}

type synthesizeRequest struct {
	Start    int         `json:"start"`
	Features [][]float32 `json:"features"`
	Latents  [][]float32 `json:"latents"`
}

type synthesizeResponse struct {
	Frames []string `json:"frames"`
}

// NewHTTPEngine posts batches to a remote inference worker at
// <endpoint>/synthesize.
func NewHTTPEngine(endpoint string, timeout time.Duration) Engine {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &httpEngine{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (h *httpEngine) Synthesize(ctx context.Context, batch Batch) ([]image.Image, error) {
	body, err := json.Marshal(synthesizeRequest{Start: batch.Start, Features: batch.Features, Latents: batch.Latents})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint+"/synthesize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("engine returned status %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var decoded synthesizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode engine response: %w", err)
	}
	if len(decoded.Frames) != batch.Len() {
		return nil, fmt.Errorf("engine returned %d frames for %d chunks", len(decoded.Frames), batch.Len())
	}

	out := make([]image.Image, len(decoded.Frames))
	for i, encoded := range decoded.Frames {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", batch.Start+i, err)
		}
		img, _, err := image.Decode(bytes.NewReader(raw))
		if err != nil {
			// An undecodable patch is left nil; the compositor skips it.
			continue
		}
		out[i] = img
	}
	return out, nil
}
