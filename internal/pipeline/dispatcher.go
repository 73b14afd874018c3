package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

var errNoAudio = errors.New("synthesizer returned no audio")

// Params are passed through to every synthesis call of a job.
type Params struct {
	Voice string
	Speed float64
}

// Outcome is the result of synthesizing one unit. Err is set when the unit
// produced no chunk.
type Outcome struct {
	Index   int
	Chunk   audio.Chunk
	Err     error
	Elapsed time.Duration
}

type Option func(*Dispatcher)

// WithUnitTimeout bounds each synthesis call. Zero disables the bound.
func WithUnitTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.unitTimeout = d }
}

func WithMetrics(m *Metrics) Option {
	return func(disp *Dispatcher) { disp.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(disp *Dispatcher) { disp.tracer = t }
}

// Dispatcher runs synthesis calls for units through a shared Pool.
type Dispatcher struct {
	pool        *Pool
	synth       tts.Synthesizer
	log         *slog.Logger
	metrics     *Metrics
	tracer      trace.Tracer
	unitTimeout time.Duration
}

func NewDispatcher(pool *Pool, synth tts.Synthesizer, log *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:   pool,
		synth:  synth,
		log:    log.With(slog.String("component", "dispatcher")),
		tracer: otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Pool() *Pool { return d.pool }

// Dispatch admits units in index order, each once a pool slot is free, and
// reports one Outcome per admitted unit in completion order. Once ctx is done
// no further unit is admitted. The channel is closed after every admitted
// unit has resolved; it is buffered for all units so abandoned results never
// block a worker.
func (d *Dispatcher) Dispatch(ctx context.Context, units []segment.Unit, params Params) <-chan Outcome {
	out := make(chan Outcome, len(units))
	go func() {
		var wg sync.WaitGroup
		defer func() {
			wg.Wait()
			close(out)
		}()
		for i, u := range units {
			if err := d.pool.Acquire(ctx); err != nil {
				d.log.Debug("dispatch stopped", slog.Int("admitted", i), slog.Int("remaining", len(units)-i), slogError(err))
				return
			}
			wg.Add(1)
			go func(u segment.Unit) {
				defer wg.Done()
				defer d.pool.Release()
				out <- d.synthesize(ctx, u, params)
			}(u)
		}
	}()
	return out
}

func (d *Dispatcher) synthesize(ctx context.Context, u segment.Unit, params Params) Outcome {
	ctx, span := d.tracer.Start(ctx, "tts.unit", trace.WithAttributes(
		attribute.Int("unit.index", u.Index),
		attribute.Int("unit.runes", len([]rune(u.Text))),
	))
	defer span.End()
	if d.unitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.unitTimeout)
		defer cancel()
	}

	d.metrics.started(ctx)
	start := time.Now()
	payload, err := d.synth.Synthesize(ctx, tts.SynthRequest{Text: u.Text, Voice: params.Voice, Speed: params.Speed})
	if err == nil && len(payload) == 0 {
		err = errNoAudio
	}
	elapsed := time.Since(start)

	outcome := Outcome{Index: u.Index, Elapsed: elapsed}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.metrics.finished(ctx, "failed", elapsed)
		d.log.Warn("sentence synthesis failed",
			slog.Int("index", u.Index),
			slog.Duration("elapsed", elapsed),
			slogError(err))
		outcome.Err = err
		return outcome
	}
	d.metrics.finished(ctx, "ok", elapsed)
	d.log.Debug("sentence synthesized", slog.Int("index", u.Index), slog.Duration("elapsed", elapsed))
	outcome.Chunk = audio.Chunk{Index: u.Index, Payload: payload}
	return outcome
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
