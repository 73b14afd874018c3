package audio

import (
	"log/slog"

	"github.com/dustin/go-humanize"
)

// DropReason explains why a chunk was left out of a merge.
type DropReason string

const (
	DropIncompatible     DropReason = "format_mismatch"
	DropCorrupt          DropReason = "corrupt_container"
	DropReferenceCorrupt DropReason = "reference_corrupt"
)

type Dropped struct {
	Index  int
	Reason DropReason
}

// Merged is the result of concatenating chunk frames. When Raw is set the
// payload is passed through verbatim and Frames is informational only.
type Merged struct {
	Format   Format
	Encoding uint16
	Frames   []byte
	Raw      []byte
	Included []int
	Dropped  []Dropped
}

// Count is the number of chunks present in the output.
func (m Merged) Count() int { return len(m.Included) }

// Bytes renders the merged container. An empty merge renders as a zero-length payload.
func (m Merged) Bytes() []byte {
	if m.Raw != nil {
		return m.Raw
	}
	if len(m.Included) == 0 {
		return []byte{}
	}
	return Encode(m.Format, m.Encoding, m.Frames)
}

// Merger concatenates the frames of compatible containers.
type Merger struct {
	log *slog.Logger
}

func NewMerger(log *slog.Logger) *Merger {
	return &Merger{log: log.With(slog.String("component", "merger"))}
}

// Merge concatenates chunks in the given order. The first chunk fixes the
// output format; later chunks that are unreadable or incompatible are dropped.
// A single chunk is returned unchanged, and an unreadable first chunk makes the
// merge fall back to that chunk's raw payload.
func (m *Merger) Merge(chunks []Chunk) Merged {
	switch len(chunks) {
	case 0:
		return Merged{}
	case 1:
		out := Merged{Raw: chunks[0].Payload, Included: []int{chunks[0].Index}}
		if clip, err := chunks[0].Decode(); err == nil {
			out.Format, out.Encoding, out.Frames = clip.Format, clip.Encoding, clip.Frames
		}
		return out
	}

	first := chunks[0]
	ref, err := first.Decode()
	if err != nil {
		m.log.Warn("reference chunk unreadable, passing it through unmerged",
			slog.Int("index", first.Index), slogError(err))
		out := Merged{Raw: first.Payload, Included: []int{first.Index}}
		for _, c := range chunks[1:] {
			out.Dropped = append(out.Dropped, Dropped{Index: c.Index, Reason: DropReferenceCorrupt})
		}
		return out
	}

	size := len(ref.Frames)
	clips := make([]Clip, 0, len(chunks))
	clips = append(clips, ref)
	out := Merged{Format: ref.Format, Encoding: ref.Encoding, Included: []int{first.Index}}
	for _, c := range chunks[1:] {
		clip, err := c.Decode()
		if err != nil {
			m.log.Warn("dropping unreadable chunk", slog.Int("index", c.Index), slogError(err))
			out.Dropped = append(out.Dropped, Dropped{Index: c.Index, Reason: DropCorrupt})
			continue
		}
		if !clip.Format.Compatible(ref.Format) {
			m.log.Warn("dropping chunk with incompatible format",
				slog.Int("index", c.Index),
				slog.String("format", clip.Format.String()),
				slog.String("expected", ref.Format.String()))
			out.Dropped = append(out.Dropped, Dropped{Index: c.Index, Reason: DropIncompatible})
			continue
		}
		clips = append(clips, clip)
		out.Included = append(out.Included, c.Index)
		size += len(clip.Frames)
	}

	out.Frames = make([]byte, 0, size)
	for _, clip := range clips {
		out.Frames = append(out.Frames, clip.Frames...)
	}
	m.log.Debug("merged chunks",
		slog.Int("included", len(out.Included)),
		slog.Int("dropped", len(out.Dropped)),
		slog.String("size", humanize.Bytes(uint64(len(out.Frames)))))
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
