package observability

import (
	"log/slog"
	"os"

	"github.com/churnguard/churnguard/internal/config"
)

// NewLogger builds the process-wide slog logger. Every line carries the
// service attribute so the flow's logs stay attributable once aggregated
// with the upstream app's. Debug level additionally records source
// positions.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	lvl := slog.LevelInfo
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == config.LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", "churnguard")
}
