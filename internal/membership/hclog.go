package membership

import (
	"context"
	"io"
	"log"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// hclogAdapter adapts slog.Logger to hashicorp/go-hclog.Logger for Raft.
type hclogAdapter struct {
	base   *slog.Logger
	logger *slog.Logger
	name   string
	args   []any
}

func newHCLogAdapter(logger *slog.Logger, name string) *hclogAdapter {
	return &hclogAdapter{base: logger, logger: logger.With("subsystem", name), name: name}
}

func (l *hclogAdapter) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.logger.Debug(msg, args...)
	case hclog.Warn:
		l.logger.Warn(msg, args...)
	case hclog.Error:
		l.logger.Error(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *hclogAdapter) Trace(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *hclogAdapter) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *hclogAdapter) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *hclogAdapter) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *hclogAdapter) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *hclogAdapter) enabled(level slog.Level) bool {
	return l.logger.Enabled(context.Background(), level)
}

func (l *hclogAdapter) IsTrace() bool { return false }
func (l *hclogAdapter) IsDebug() bool { return l.enabled(slog.LevelDebug) }
func (l *hclogAdapter) IsInfo() bool  { return l.enabled(slog.LevelInfo) }
func (l *hclogAdapter) IsWarn() bool  { return l.enabled(slog.LevelWarn) }
func (l *hclogAdapter) IsError() bool { return l.enabled(slog.LevelError) }

func (l *hclogAdapter) ImpliedArgs() []any { return l.args }

func (l *hclogAdapter) With(args ...any) hclog.Logger {
	return &hclogAdapter{
		base:   l.base.With(args...),
		logger: l.logger.With(args...),
		name:   l.name,
		args:   append(append([]any(nil), l.args...), args...),
	}
}

func (l *hclogAdapter) Name() string { return l.name }

func (l *hclogAdapter) Named(name string) hclog.Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return l.ResetNamed(name)
}

func (l *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{
		base:   l.base,
		logger: l.base.With("subsystem", name),
		name:   name,
		args:   l.args,
	}
}

// SetLevel is a no-op; the level follows the slog handler.
func (l *hclogAdapter) SetLevel(hclog.Level) {}

func (l *hclogAdapter) GetLevel() hclog.Level {
	switch {
	case l.IsDebug():
		return hclog.Debug
	case l.IsInfo():
		return hclog.Info
	case l.IsWarn():
		return hclog.Warn
	default:
		return hclog.Error
	}
}

func (l *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return slog.NewLogLogger(l.logger.Handler(), slog.LevelInfo)
}

func (l *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return l.StandardLogger(opts).Writer()
}
