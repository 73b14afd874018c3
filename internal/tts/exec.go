package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/mattn/go-shellwords"
)

const maxExecLine = 16 << 20

// execLineLimit is a var so tests can exercise oversized output lines.
var execLineLimit = maxExecLine

type execSynth struct {
	cmd    []string
	format audio.Format
}

type execRequest struct {
	Text        string  `json:"text"`
	Voice       string  `json:"voice"`
	Speed       float64 `json:"speed"`
	SampleRate  int     `json:"sample_rate"`
	Channels    int     `json:"channels"`
	SampleWidth int     `json:"sample_width"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
}

// NewExecSynth runs command once per sentence. The command reads a JSON
// request on stdin and writes JSON lines carrying base64 PCM in format.
func NewExecSynth(command string, format audio.Format) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, format: format}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	data, err := json.Marshal(execRequest{
		Text:        req.Text,
		Voice:       req.Voice,
		Speed:       req.Speed,
		SampleRate:  e.format.FrameRate,
		Channels:    e.format.Channels,
		SampleWidth: e.format.SampleWidth,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start tts command: %w", err)
	}

	abort := func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}

	var pcm []byte
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, min(64*1024, execLineLimit)), execLineLimit)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			abort()
			return nil, fmt.Errorf("decode tts response: %w", err)
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			abort()
			return nil, fmt.Errorf("decode tts pcm: %w", err)
		}
		pcm = append(pcm, chunk...)
	}
	if err := scanner.Err(); err != nil {
		// The child may still be blocked writing to stdout.
		abort()
		return nil, fmt.Errorf("read tts output: %w", err)
	}
	if err := cmd.Wait(); err != nil {
		return nil, fmt.Errorf("tts command failed: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("tts command produced no audio")
	}
	return audio.Encode(e.format, audio.EncodingPCM, pcm), nil
}
