// Package log provides the module's default structured loggers.
package log

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang-cz/devslog"
	"github.com/phsym/console-slog"
	slogformatter "github.com/samber/slog-formatter"
)

var newHandler = slogformatter.NewFormatterHandler(
	slogformatter.ErrorFormatter("error"),
)

// Def is the default logger writing condensed console output.
var Def = slog.New(newHandler(
	console.NewHandler(os.Stdout, &console.HandlerOptions{
		AddSource:  true,
		Level:      slog.LevelInfo,
		TimeFormat: time.RFC3339Nano,
	}),
))

// Dev is a verbose developer logger.
var Dev = slog.New(newHandler(
	devslog.NewHandler(os.Stdout, &devslog.Options{
		HandlerOptions: &slog.HandlerOptions{
			AddSource: true,
			Level:     slog.LevelDebug,
		},
		SortKeys:   true,
		TimeFormat: time.RFC3339Nano,
	}),
))

type noopHandler struct{}

func (noopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (noopHandler) Handle(context.Context, slog.Record) error { return nil }

func (h noopHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h noopHandler) WithGroup(string) slog.Handler { return h }

// Noop is a logger that discards all records.
var Noop = slog.New(noopHandler{})

var def atomic.Pointer[slog.Logger]

func init() { def.Store(Def) }

// Default returns the logger used when no logger is configured explicitly.
func Default() *slog.Logger { return def.Load() }

// SetDefault replaces the logger returned by [Default].
func SetDefault(l *slog.Logger) {
	if l != nil {
		def.Store(l)
	}
}
