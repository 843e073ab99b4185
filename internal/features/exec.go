package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/mattn/go-shellwords"
)

type execExtractor struct {
	cmd    []string
	params Params
}

type execResponse struct {
	Chunks [][]float32 `json:"chunks"`
}

// NewExecExtractor runs an external feature extractor, for example a Whisper
// encoder script, once per request.
func NewExecExtractor(command string, params Params) (Extractor, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse features command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("features command is empty")
	}
	return &execExtractor{cmd: args, params: params}, nil
}

func (e *execExtractor) Extract(ctx context.Context, audioPath string) ([]Chunk, error) {
	base := e.cmd[0]
	cmdArgs := append([]string{}, e.cmd[1:]...)
	cmdArgs = append(cmdArgs,
		"--audio", audioPath,
		"--fps", strconv.Itoa(e.params.FPS),
		"--pad-left", strconv.Itoa(e.params.PadLeft),
		"--pad-right", strconv.Itoa(e.params.PadRight),
	)

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: features command failed: %v: %s", ErrAudioRead, err, stderr.String())
	}

	var resp execResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("%w: decode features response: %v", ErrAudioRead, err)
	}
	if len(resp.Chunks) == 0 {
		return nil, fmt.Errorf("%w: features command returned no chunks", ErrAudioRead)
	}
	chunks := make([]Chunk, len(resp.Chunks))
	for i, values := range resp.Chunks {
		chunks[i] = Chunk{Index: i, Values: values}
	}
	return chunks, nil
}
