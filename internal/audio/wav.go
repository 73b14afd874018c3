// Package audio holds the PCM container types shared by the synthesis
// pipeline and merges per-sentence containers into one payload.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/go-audio/wav"
)

// ErrCorruptContainer is returned when a payload is not a readable WAV container.
var ErrCorruptContainer = errors.New("audio: corrupt container")

const (
	EncodingPCM   uint16 = 1
	EncodingFloat uint16 = 3

	headerSize = 44
)

// Format describes the PCM layout of a container's frames.
type Format struct {
	Channels    int
	SampleWidth int // bytes per sample
	FrameRate   int
}

// Compatible reports whether frames of f and other can be concatenated.
func (f Format) Compatible(other Format) bool {
	return f.Channels == other.Channels &&
		f.SampleWidth == other.SampleWidth &&
		f.FrameRate == other.FrameRate
}

// FrameSize is the byte length of one frame (one sample for every channel).
func (f Format) FrameSize() int {
	return f.Channels * f.SampleWidth
}

func (f Format) Valid() bool {
	return f.Channels > 0 && f.SampleWidth > 0 && f.FrameRate > 0
}

func (f Format) String() string {
	return fmt.Sprintf("%dch/%dbit/%dHz", f.Channels, f.SampleWidth*8, f.FrameRate)
}

// Chunk is the synthesized container for one sentence unit.
type Chunk struct {
	Index   int
	Payload []byte
}

// Decode parses the chunk's container.
func (c Chunk) Decode() (Clip, error) {
	return Decode(c.Payload)
}

// Clip is a decoded container: its format, sample encoding tag and raw frames.
type Clip struct {
	Format   Format
	Encoding uint16
	Frames   []byte
}

// Decode reads a WAV container. Frames are truncated to a whole number of frames.
func Decode(payload []byte) (Clip, error) {
	header, data, err := scanChunks(payload)
	if err != nil {
		return Clip{}, err
	}
	d := wav.NewDecoder(bytes.NewReader(header))
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrCorruptContainer, err)
	}
	format := Format{
		Channels:    int(d.NumChans),
		SampleWidth: (int(d.BitDepth) + 7) / 8,
		FrameRate:   int(d.SampleRate),
	}
	if !format.Valid() {
		return Clip{}, fmt.Errorf("%w: invalid fmt chunk %s", ErrCorruptContainer, format)
	}
	frames := data[:len(data)-len(data)%format.FrameSize()]
	return Clip{Format: format, Encoding: d.WavAudioFormat, Frames: frames}, nil
}

// scanChunks walks the chunk list with every size checked against payload.
// It returns a minimal container holding only the RIFF header and the fmt
// chunk, which is all the decoder gets to see, and the body of the data
// chunk. A data size that runs past the end, including the 0xFFFFFFFF written
// by streaming encoders, is clamped to the bytes present.
func scanChunks(payload []byte) (header, data []byte, err error) {
	if len(payload) < 12 || string(payload[0:4]) != "RIFF" || string(payload[8:12]) != "WAVE" {
		return nil, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrCorruptContainer)
	}
	offset := 12
	for offset+8 <= len(payload) {
		id := string(payload[offset : offset+4])
		size := int64(binary.LittleEndian.Uint32(payload[offset+4 : offset+8]))
		body := offset + 8
		remaining := int64(len(payload) - body)

		if id == "data" {
			if header == nil {
				return nil, nil, fmt.Errorf("%w: data chunk precedes fmt chunk", ErrCorruptContainer)
			}
			size = min(size, remaining)
			return header, payload[body : body+int(size)], nil
		}
		if size > remaining {
			return nil, nil, fmt.Errorf("%w: %q chunk of %d bytes exceeds container", ErrCorruptContainer, id, size)
		}
		end := body + int(size)
		if id == "fmt " && header == nil {
			if size < 16 {
				return nil, nil, fmt.Errorf("%w: fmt chunk of %d bytes", ErrCorruptContainer, size)
			}
			// Keep the word-align pad the decoder expects after an odd chunk.
			header = slices.Concat(payload[:12], payload[offset:end], make([]byte, size%2))
		}
		offset = end + int(size%2)
	}
	return nil, nil, fmt.Errorf("%w: missing data chunk", ErrCorruptContainer)
}

// Encode writes frames into a canonical RIFF/WAVE container.
func Encode(format Format, encoding uint16, frames []byte) []byte {
	if encoding != EncodingFloat {
		encoding = EncodingPCM
	}
	pad := len(frames) % 2
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(frames)+pad))

	put16 := func(v uint16) { _ = binary.Write(buf, binary.LittleEndian, v) }
	put32 := func(v uint32) { _ = binary.Write(buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	put32(uint32(headerSize - 8 + len(frames) + pad))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	put32(16)
	put16(encoding)
	put16(uint16(format.Channels))
	put32(uint32(format.FrameRate))
	put32(uint32(format.FrameRate * format.FrameSize()))
	put16(uint16(format.FrameSize()))
	put16(uint16(format.SampleWidth * 8))
	buf.WriteString("data")
	put32(uint32(len(frames)))
	buf.Write(frames)
	if pad == 1 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}
