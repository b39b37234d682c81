package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger initializes the global logger based on the configured level and returns an slog
// logger that writes to it, for the library.
func InitLogger(levelStr string) *slog.Logger {
	level := zerolog.InfoLevel

	switch strings.ToLower(levelStr) {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "warn", "warning":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// The demo talks to the user on stdout, so logs go to stderr.
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	log.Logger = log.Output(output).With().Timestamp().Logger()

	log.Info().Str("level", level.String()).Msg("Logger initialized")

	return slog.New(&zerologHandler{logger: log.Logger})
}

// zerologHandler is a slog.Handler that writes records through a zerolog.Logger.
type zerologHandler struct {
	logger zerolog.Logger
	prefix string
}

func (h *zerologHandler) Enabled(_ context.Context, level slog.Level) bool {
	return zerologLevel(level) >= zerolog.GlobalLevel()
}

func (h *zerologHandler) Handle(_ context.Context, r slog.Record) error {
	ev := h.logger.WithLevel(zerologLevel(r.Level))
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(ev, h.prefix, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *zerologHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	ctx := h.logger.With()
	for _, a := range attrs {
		a.Value = a.Value.Resolve()
		ctx = ctx.Interface(h.prefix+a.Key, a.Value.Any())
	}
	return &zerologHandler{logger: ctx.Logger(), prefix: h.prefix}
}

func (h *zerologHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &zerologHandler{logger: h.logger, prefix: h.prefix + name + "."}
}

func (h *zerologHandler) appendAttr(ev *zerolog.Event, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(ev, prefix+a.Key+".", ga)
		}
		return
	}
	ev.Interface(prefix+a.Key, a.Value.Any())
}

func zerologLevel(level slog.Level) zerolog.Level {
	switch {
	case level >= slog.LevelError:
		return zerolog.ErrorLevel
	case level >= slog.LevelWarn:
		return zerolog.WarnLevel
	case level >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
