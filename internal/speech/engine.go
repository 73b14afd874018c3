// Package speech turns a block of text into audio: it segments the text,
// synthesizes every sentence through the shared pool and either merges the
// results into one container or streams them as they complete.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/segment"
)

var (
	// ErrEmptyText is returned when the text contains no sentences.
	ErrEmptyText = errors.New("speech: text contains no sentences")
	// ErrSynthesisUnavailable is returned when no sentence produced audio.
	ErrSynthesisUnavailable = errors.New("speech: synthesis unavailable")
)

const ReasonSynthesisFailed = "synthesis_failed"

const journalTimeout = 5 * time.Second

// Request is one piece of text to speak. Voice and Speed are passed to the
// synthesizer untouched; zero values fall back to the engine defaults.
type Request struct {
	Text  string
	Voice string
	Speed float64
}

// Skip names a sentence that is missing from the output and why.
type Skip struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is a merged rendering of a request.
type Result struct {
	JobID   string
	Audio   []byte
	Format  audio.Format
	Merged  int
	Units   int
	Skipped []Skip
}

// Recorder persists job metadata. *journal.Store implements it.
type Recorder interface {
	RecordJob(ctx context.Context, job journal.Job) error
	AppendEvent(ctx context.Context, evt journal.Event) error
}

type Option func(*Engine)

func WithJournal(r Recorder) Option {
	return func(e *Engine) { e.journal = r }
}

// WithDefaults sets the voice and speed used when a request leaves them empty.
func WithDefaults(voice string, speed float64) Option {
	return func(e *Engine) {
		e.voice = voice
		e.speed = speed
	}
}

// WithStreamOrder sets the order used by Stream when the caller passes "".
func WithStreamOrder(o pipeline.Order) Option {
	return func(e *Engine) { e.order = o }
}

// Engine wires segmentation, dispatch, assembly and merging together.
type Engine struct {
	seg     *segment.Segmenter
	disp    *pipeline.Dispatcher
	merger  *audio.Merger
	journal Recorder
	log     *slog.Logger
	tracer  trace.Tracer
	voice   string
	speed   float64
	order   pipeline.Order
}

func NewEngine(seg *segment.Segmenter, disp *pipeline.Dispatcher, log *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		seg:    seg,
		disp:   disp,
		merger: audio.NewMerger(log),
		log:    log.With(slog.String("component", "speech")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-tts/internal/speech"),
		order:  pipeline.OrderCompletion,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) params(req Request) pipeline.Params {
	p := pipeline.Params{Voice: req.Voice, Speed: req.Speed}
	if p.Voice == "" {
		p.Voice = e.voice
	}
	if p.Speed <= 0 {
		p.Speed = e.speed
	}
	return p
}

// Render synthesizes every sentence of req and merges the audio in sentence
// order. Sentences that fail or cannot be merged are listed in Result.Skipped.
func (e *Engine) Render(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res := Result{JobID: uuid.NewString()}
	ctx, span := e.tracer.Start(ctx, "tts.render", trace.WithAttributes(attribute.String("job.id", res.JobID)))
	defer span.End()

	units := e.seg.Split(req.Text)
	res.Units = len(units)
	if len(units) == 0 {
		return res, ErrEmptyText
	}
	params := e.params(req)
	log := e.log.With(slog.String("job_id", res.JobID))
	log.Debug("rendering", slog.Int("units", len(units)), slog.String("voice", params.Voice))

	collected, err := pipeline.Collect(ctx, e.disp.Dispatch(ctx, units, params))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		e.record(ctx, journal.Job{ID: res.JobID, Mode: "buffered", Voice: params.Voice, Units: len(units),
			Status: "cancelled", Error: err.Error(), Duration: time.Since(start)}, nil)
		return res, fmt.Errorf("render job %s: %w", res.JobID, err)
	}
	for _, f := range collected.Failed {
		res.Skipped = append(res.Skipped, Skip{Index: f.Index, Reason: ReasonSynthesisFailed})
	}
	if len(collected.Chunks) == 0 {
		span.SetStatus(codes.Error, ErrSynthesisUnavailable.Error())
		log.Error("no sentence could be synthesized", slog.Int("units", len(units)))
		e.record(ctx, journal.Job{ID: res.JobID, Mode: "buffered", Voice: params.Voice, Units: len(units),
			Skipped: len(res.Skipped), Status: "failed", Error: ErrSynthesisUnavailable.Error(),
			Duration: time.Since(start)}, res.Skipped)
		return res, ErrSynthesisUnavailable
	}

	merged := e.merger.Merge(collected.Chunks)
	for _, d := range merged.Dropped {
		res.Skipped = append(res.Skipped, Skip{Index: d.Index, Reason: string(d.Reason)})
	}
	slices.SortFunc(res.Skipped, func(a, b Skip) int { return a.Index - b.Index })
	res.Audio = merged.Bytes()
	res.Format = merged.Format
	res.Merged = merged.Count()

	span.SetAttributes(attribute.Int("job.units", res.Units), attribute.Int("job.merged", res.Merged))
	elapsed := time.Since(start)
	log.Info("speech rendered",
		slog.Int("units", res.Units),
		slog.Int("merged", res.Merged),
		slog.Int("skipped", len(res.Skipped)),
		slog.String("size", humanize.Bytes(uint64(len(res.Audio)))),
		slog.Duration("elapsed", elapsed))
	e.record(ctx, journal.Job{ID: res.JobID, Mode: "buffered", Voice: params.Voice, Units: res.Units,
		Merged: res.Merged, Skipped: len(res.Skipped), Bytes: int64(len(res.Audio)), Status: "ok",
		Duration: elapsed}, res.Skipped)
	return res, nil
}

// record writes the job to the journal. It outlives ctx so cancelled jobs are
// still recorded.
func (e *Engine) record(ctx context.Context, job journal.Job, skipped []Skip) {
	if e.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.journal.RecordJob(ctx, job); err != nil {
		e.log.Warn("failed to record job", slog.String("job_id", job.ID), slogError(err))
		return
	}
	for _, s := range skipped {
		evt := journal.Event{JobID: job.ID, Type: "unit_skipped", UnitIndex: s.Index, Detail: s.Reason}
		if err := e.journal.AppendEvent(ctx, evt); err != nil {
			e.log.Warn("failed to record skipped unit", slog.String("job_id", job.ID), slogError(err))
			return
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
