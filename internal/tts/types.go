package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned by synthesizers asked to speak nothing.
var ErrEmptyText = errors.New("tts: empty text")

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	Text  string
	Voice string
	Speed float64
}

// Synthesizer is the contract for producing audio. It returns one
// self-describing WAV container per call and must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) ([]byte, error)
}
