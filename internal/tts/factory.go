package tts

import (
	"fmt"
	"time"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/config"
)

// FormatFromConfig is the PCM layout adapters produce when they wrap raw samples.
func FormatFromConfig(cfg config.TTSConfig) audio.Format {
	return audio.Format{Channels: cfg.Channels, SampleWidth: cfg.SampleWidth, FrameRate: cfg.SampleRate}
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(FormatFromConfig(cfg), time.Duration(cfg.MockDelayMS)*time.Millisecond, cfg.FailPattern), nil
	case "exec":
		return NewExecSynth(cfg.Command, FormatFromConfig(cfg))
	case "http":
		return NewHTTPSynth(cfg.Endpoint, WithHTTPTimeout(time.Duration(cfg.TimeoutMS)*time.Millisecond))
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}
