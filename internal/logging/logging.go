// Package logging builds the gateway's structured logger and provides the
// rotating file writer backing file output.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/meshgate/meshgate/internal/config"
)

// New builds a JSON slog logger from cfg. Output goes to stdout, stderr, or
// a rotating file depending on cfg.Output. The returned closer is non-nil
// only for file output; close it on shutdown to flush the log file.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer
	var closer io.Closer

	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		rw, err := NewRotatingWriter(cfg.Output, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log output: %w", err)
		}
		w = rw
		closer = rw
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: Level(cfg.Level)})
	return slog.New(handler), closer, nil
}

// Level maps a configured level string onto slog. Unknown strings fall back
// to Info; config validation rejects them before they reach here.
func Level(s string) slog.Level {
	switch strings.ToLower(s) {
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
