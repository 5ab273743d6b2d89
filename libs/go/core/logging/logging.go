package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
)

// Init configures the global slog logger. JSON if CARVER_JSON_LOG=1/true/json else text.
func Init(service string) *slog.Logger {
	return InitWriter(service, os.Stdout)
}

// InitWriter is Init with an explicit destination (stderr for CLI runs that print JSON to stdout).
func InitWriter(service string, w io.Writer) *slog.Logger {
	json := jsonFromEnv()
	opts := &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Debug("logging initialized", "json", json)
	return logger
}

func jsonFromEnv() bool {
	mode := strings.ToLower(os.Getenv("CARVER_JSON_LOG"))
	return mode == "1" || mode == "true" || mode == "json"
}

func levelFromEnv() slog.Leveler {
	switch strings.ToLower(os.Getenv("CARVER_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Bytes renders a byte count for log lines in binary units (1536 -> "1.5 KiB").
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}
