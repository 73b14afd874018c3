package speech

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/journal"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
)

// Summary describes a finished stream.
type Summary struct {
	JobID     string `json:"job_id"`
	Units     int    `json:"units"`
	Delivered []int  `json:"delivered"`
	Skipped   []Skip `json:"skipped"`
}

// Stream delivers one container per sentence as sentences complete. The
// consumer must either read Chunks until it is closed or call Close.
type Stream struct {
	JobID string
	Units int
	Order pipeline.Order

	out     chan audio.Chunk
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	summary Summary
	err     error
}

// Stream starts synthesizing req and returns immediately. An empty order
// uses the engine's configured order.
func (e *Engine) Stream(ctx context.Context, req Request, order pipeline.Order) (*Stream, error) {
	units := e.seg.Split(req.Text)
	if len(units) == 0 {
		return nil, ErrEmptyText
	}
	if order == "" {
		order = e.order
	}
	start := time.Now()
	s := &Stream{
		JobID: uuid.NewString(),
		Units: len(units),
		Order: order,
		out:   make(chan audio.Chunk),
		done:  make(chan struct{}),
	}
	ctx, s.cancel = context.WithCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "tts.stream", trace.WithAttributes(
		attribute.String("job.id", s.JobID),
		attribute.Int("job.units", len(units)),
		attribute.String("job.order", string(order)),
	))
	params := e.params(req)
	log := e.log.With(slog.String("job_id", s.JobID))
	log.Debug("streaming", slog.Int("units", len(units)), slog.String("order", string(order)))

	chunks, tally := pipeline.Stream(ctx, e.disp.Dispatch(ctx, units, params), order)
	go func() {
		defer span.End()
		defer close(s.done)
		defer close(s.out)
		var bytes int64
		var delivered []int
		for c := range chunks {
			select {
			case s.out <- c:
				bytes += int64(len(c.Payload))
				delivered = append(delivered, c.Index)
			case <-ctx.Done():
			}
		}

		s.summary = Summary{JobID: s.JobID, Units: len(units), Delivered: delivered}
		for _, f := range tally.Failed() {
			s.summary.Skipped = append(s.summary.Skipped, Skip{Index: f.Index, Reason: ReasonSynthesisFailed})
		}
		job := journal.Job{ID: s.JobID, Mode: "stream", Voice: params.Voice, Units: len(units),
			Merged: len(s.summary.Delivered), Skipped: len(s.summary.Skipped), Bytes: bytes,
			Status: "ok", Duration: time.Since(start)}
		cause := tally.Err()
		if cause == nil && len(delivered)+len(s.summary.Skipped) < len(units) {
			cause = ctx.Err()
		}
		switch {
		case cause != nil:
			s.err = cause
			job.Status, job.Error = "cancelled", s.err.Error()
		case len(s.summary.Delivered) == 0:
			s.err = ErrSynthesisUnavailable
			job.Status, job.Error = "failed", s.err.Error()
		}
		if s.err != nil {
			span.SetStatus(codes.Error, s.err.Error())
		}
		log.Info("speech streamed",
			slog.Int("units", len(units)),
			slog.Int("delivered", len(s.summary.Delivered)),
			slog.Int("skipped", len(s.summary.Skipped)),
			slog.String("status", job.Status),
			slog.Duration("elapsed", job.Duration))
		e.record(ctx, job, s.summary.Skipped)
	}()
	return s, nil
}

// Chunks yields containers in the stream's order. It is closed when the
// stream ends.
func (s *Stream) Chunks() <-chan audio.Chunk { return s.out }

// All ranges over the chunks. Breaking out of the loop cancels the stream.
func (s *Stream) All() iter.Seq[audio.Chunk] {
	return func(yield func(audio.Chunk) bool) {
		for c := range s.out {
			if !yield(c) {
				s.Close()
				return
			}
		}
	}
}

// Close cancels the stream. Queued sentences are not started and results of
// in-flight sentences are discarded.
func (s *Stream) Close() {
	s.once.Do(s.cancel)
}

// Wait discards any unread chunks, waits for the stream to end and reports
// what was delivered. The error is the cancellation cause, or
// ErrSynthesisUnavailable when no sentence produced audio.
func (s *Stream) Wait() (Summary, error) {
	for range s.out {
	}
	<-s.done
	s.Close()
	return s.summary, s.err
}

// Canceled reports whether err ended a stream early.
func Canceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
