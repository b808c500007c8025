// cmd/gateway/logger.go
package main

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"waternet-gateway/internal/config"
)

// newLogger builds the process logger from cfg. With a log file configured,
// output goes to both stdout and the file. The returned closer is never nil.
func newLogger(cfg config.LogConfig) (*slog.Logger, func() error) {
	var out io.Writer = os.Stdout
	closer := func() error { return nil }

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Error("failed to open log file; falling back to stdout only", "file", cfg.File, "error", err)
		} else {
			out = io.MultiWriter(os.Stdout, f)
			closer = f.Close
		}
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}

	// chi's request logger writes through the standard logger
	log.SetOutput(out)
	return slog.New(h), closer
}

func parseLevel(s string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
