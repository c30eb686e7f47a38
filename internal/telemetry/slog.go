package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// SetupLogger configures the global slog default logger based on the format,
// level, and output strings read from application configuration.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
//
// level: "debug", "info", "warn", "error" (case-insensitive); defaults to "info".
//
// output: "stdout" (default), "stderr", or a file path opened in append mode.
// An unopenable file falls back to stdout with a warning rather than failing
// startup — a broken log destination must not take the service down with it.
//
// The configured logger is installed as the default so all slog.Info/Warn/Error calls elsewhere
// in the application automatically use it without needing to carry a *slog.Logger in context.
func SetupLogger(format, level, output string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var dest io.Writer
	var fallback string
	switch strings.ToLower(output) {
	case "", "stdout":
		dest = os.Stdout
	case "stderr":
		dest = os.Stderr
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G703 -- path is operator-supplied config
		if err != nil {
			dest = os.Stdout
			fallback = err.Error()
		} else {
			dest = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(dest, opts)
	} else {
		handler = slog.NewTextHandler(dest, opts)
	}

	slog.SetDefault(slog.New(handler))
	if fallback != "" {
		slog.Warn("log output unavailable, falling back to stdout", "output", output, "error", fallback)
	}
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
