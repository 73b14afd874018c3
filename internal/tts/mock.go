package tts

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

const mockRunesPerSecond = 50

type mockSynth struct {
	format      audio.Format
	delay       time.Duration
	failPattern string
}

// NewMockSynth returns a synthesizer that renders a short tone per rune of
// input. Text containing failPattern (when non-empty) fails synthesis.
func NewMockSynth(format audio.Format, delay time.Duration, failPattern string) Synthesizer {
	return &mockSynth{format: format, delay: delay, failPattern: failPattern}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, ErrEmptyText
	}
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.delay):
		}
	}
	if m.failPattern != "" && strings.Contains(req.Text, m.failPattern) {
		return nil, fmt.Errorf("mock synthesis refused %q", req.Text)
	}
	n := utf8.RuneCountInString(req.Text) * m.format.FrameRate / mockRunesPerSecond
	return audio.Encode(m.format, audio.EncodingPCM, tone(m.format, n)), nil
}

// tone renders n frames of a 440Hz sine for 16-bit formats and silence otherwise.
func tone(format audio.Format, n int) []byte {
	frames := make([]byte, n*format.FrameSize())
	if format.SampleWidth != 2 {
		return frames
	}
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(format.FrameRate)))
		for ch := 0; ch < format.Channels; ch++ {
			binary.LittleEndian.PutUint16(frames[(i*format.Channels+ch)*2:], uint16(v))
		}
	}
	return frames
}
