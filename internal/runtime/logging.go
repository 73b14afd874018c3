package runtime

import (
	"io"
	"log/slog"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"

	"github.com/loqalabs/loqa-tts/internal/config"
)

// NewLogger builds the process logger: JSON for machines, or charm's
// coloured text handler for terminals.
func NewLogger(cfg config.TelemetryConfig, w io.Writer) *slog.Logger {
	level := strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogFormat == "text" {
		charmLevel, err := charmlog.ParseLevel(level)
		if err != nil {
			charmLevel = charmlog.InfoLevel
		}
		return slog.New(charmlog.NewWithOptions(w, charmlog.Options{
			ReportTimestamp: true,
			TimeFormat:      time.TimeOnly,
			Level:           charmLevel,
		}))
	}

	var slogLevel slog.Level
	if err := slogLevel.UnmarshalText([]byte(level)); err != nil {
		slogLevel = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slogLevel}))
}
