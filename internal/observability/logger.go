// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry spans for the service.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"geneatlas/internal/config"
)

// NewLogger builds the service logger from cfg, writing to w (stderr when
// nil).
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With(slog.String("service", "atlas-server"))
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
