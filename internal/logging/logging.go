// Package logging constructs the process-wide structured logger.
//
// Built once in cmd/runner/main.go and threaded down by reference; no
// package-level logger singleton beyond what slog.SetDefault needs for
// third-party code that cannot take an injected *slog.Logger.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Config controls handler selection.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
}

// New builds a *slog.Logger per Config and also installs it as the slog
// default so library code that logs through the package-level functions
// still gets structured output.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		var out io.Writer = os.Stdout
		if isatty.IsTerminal(os.Stdout.Fd()) {
			out = colorable.NewColorable(os.Stdout)
		}
		handler = tint.NewHandler(out, &tint.Options{Level: level, TimeFormat: "15:04:05"})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(s string) slog.Level {
	switch s {
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
