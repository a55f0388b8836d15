package logging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below debug so pion's trace output can be filtered
// independently.
const LevelTrace = slog.LevelDebug - 4

var _ logging.LoggerFactory = (*PionFactory)(nil)

// PionFactory routes pion's scoped loggers into a slog.Logger.
type PionFactory struct {
	logger *slog.Logger
	level  slog.Level
}

// NewPionFactory returns a factory whose loggers write to logger. Messages
// below minLevel are dropped before reaching slog.
func NewPionFactory(logger *slog.Logger, minLevel slog.Level) *PionFactory {
	if logger == nil {
		logger = Discard()
	}
	return &PionFactory{logger: logger, level: minLevel}
}

// PionLevelForVerbosity maps a relay debug verbosity (0 = errors only,
// 3 = everything) to the minimum level forwarded from pion.
func PionLevelForVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelError
	case verbosity == 1:
		return slog.LevelWarn
	case verbosity == 2:
		return slog.LevelInfo
	default:
		return LevelTrace
	}
}

// NewLogger implements logging.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{
		logger: f.logger.With(slog.String("pion", scope)),
		level:  f.level,
	}
}

type pionLogger struct {
	logger *slog.Logger
	level  slog.Level
}

func (l *pionLogger) log(level slog.Level, msg string) {
	if level < l.level {
		return
	}
	l.logger.Log(context.Background(), level, msg)
}

func (l *pionLogger) Trace(msg string) { l.log(LevelTrace, msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.log(LevelTrace, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.log(slog.LevelInfo, msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.log(slog.LevelWarn, msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.log(slog.LevelError, msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...))
}
