// Package mlog is a small wrapper around log/slog matching the logging
// idiom used throughout _examples/mjl--mox: a Log value carrying a
// *slog.Logger, with Debugx/Infox/Errorx helpers that only emit a
// record when the passed error is non-nil, saving call sites the
// "if err != nil { log... }" boilerplate for the common case of logging
// an incidental failure without aborting the caller.
package mlog

import (
	"log/slog"
	"os"
)

// Log wraps a *slog.Logger, adding the log-if-err helpers.
type Log struct {
	Logger *slog.Logger
}

// New returns a Log for pkg, adding pkg as a fixed "pkg" attribute on
// every record. With no explicit base logger, it logs text lines to stderr at
// Info level, matching a typical library-embedded-in-a-CLI default.
func New(pkg string, base *slog.Logger) Log {
	if base == nil {
		base = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return Log{Logger: base.With("pkg", pkg)}
}

// With returns a Log with additional fixed attributes.
func (l Log) With(args ...any) Log {
	return Log{Logger: l.Logger.With(args...)}
}

// Debug logs at debug level.
func (l Log) Debug(msg string, args ...any) { l.Logger.Debug(msg, args...) }

// Info logs at info level.
func (l Log) Info(msg string, args ...any) { l.Logger.Info(msg, args...) }

// Error logs at error level.
func (l Log) Error(msg string, args ...any) { l.Logger.Error(msg, args...) }

// Debugx logs msg at debug level with an "err" attribute, but only if
// err is non-nil.
func (l Log) Debugx(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	l.Logger.Debug(msg, append(args, slog.Any("err", err))...)
}

// Infox logs msg at info level with an "err" attribute, but only if err
// is non-nil.
func (l Log) Infox(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	l.Logger.Info(msg, append(args, slog.Any("err", err))...)
}

// Errorx logs msg at error level with an "err" attribute, but only if
// err is non-nil.
func (l Log) Errorx(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	l.Logger.Error(msg, append(args, slog.Any("err", err))...)
}
