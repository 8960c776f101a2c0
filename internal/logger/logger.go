// Package logger is the process-wide logging facade. Everything in the
// daemon logs through the printf-style helpers here so the output sink
// and level can be swapped at startup without threading a logger value
// through every component.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"log/slog"
)

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]
)

func init() {
	level.Set(slog.LevelInfo)
	current.Store(build(os.Stdout))
}

func build(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// SetOutput redirects all subsequent log lines to w.
func SetOutput(w io.Writer) {
	current.Store(build(w))
}

// SetLevel accepts debug, info, warn or error. Anything else keeps the
// info default so a typo in the config never silences the log.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

func parseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debugf(format string, v ...any) {
	current.Load().Debug(fmt.Sprintf(format, v...))
}

func Infof(format string, v ...any) {
	current.Load().Info(fmt.Sprintf(format, v...))
}

func Warnf(format string, v ...any) {
	current.Load().Warn(fmt.Sprintf(format, v...))
}

func Errorf(format string, v ...any) {
	current.Load().Error(fmt.Sprintf(format, v...))
}
