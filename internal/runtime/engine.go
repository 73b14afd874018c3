package runtime

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/pipeline"
	"github.com/loqalabs/loqa-tts/internal/segment"
	"github.com/loqalabs/loqa-tts/internal/speech"
	"github.com/loqalabs/loqa-tts/internal/tts"
)

// BuildEngine assembles the speech engine described by cfg: the configured
// synthesizer behind one process-wide pool.
func BuildEngine(cfg config.Config, logger *slog.Logger, opts ...speech.Option) (*speech.Engine, error) {
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return nil, fmt.Errorf("create synthesizer: %w", err)
	}
	order, err := pipeline.ParseOrder(cfg.Pipeline.StreamOrder)
	if err != nil {
		return nil, err
	}

	dispatchOpts := []pipeline.Option{
		pipeline.WithUnitTimeout(time.Duration(cfg.Pipeline.UnitTimeoutMS) * time.Millisecond),
	}
	if metrics, err := pipeline.NewMetrics(otel.GetMeterProvider()); err != nil {
		logger.Warn("pipeline metrics unavailable", slogError(err))
	} else {
		dispatchOpts = append(dispatchOpts, pipeline.WithMetrics(metrics))
	}
	disp := pipeline.NewDispatcher(pipeline.NewPool(cfg.Pipeline.MaxConcurrency), synth, logger, dispatchOpts...)

	seg := segment.Default()
	if len(cfg.Pipeline.Abbreviations) > 0 {
		seg = segment.New(slices.Concat(segment.DefaultAbbreviations, cfg.Pipeline.Abbreviations)...)
	}

	engineOpts := append([]speech.Option{
		speech.WithDefaults(cfg.TTS.Voice, cfg.TTS.Speed),
		speech.WithStreamOrder(order),
	}, opts...)
	logger.Info("speech engine ready",
		slog.String("synthesizer", cfg.TTS.Mode),
		slog.Int("max_concurrency", disp.Pool().Limit()),
		slog.String("stream_order", string(order)))
	return speech.NewEngine(seg, disp, logger, engineOpts...), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
