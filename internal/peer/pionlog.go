package peer

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapLoggerFactory routes pion's internal logging into zap.
type zapLoggerFactory struct {
	base *zap.Logger
}

func NewLoggerFactory(base *zap.Logger) logging.LoggerFactory {
	if base == nil {
		base = zap.NewNop()
	}
	return zapLoggerFactory{base: base}
}

func (f zapLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return zapLeveledLogger{s: f.base.Named("pion." + scope).Sugar()}
}

type zapLeveledLogger struct {
	s *zap.SugaredLogger
}

// pion's trace output is per-packet; it goes to debug along with debug.
func (l zapLeveledLogger) Trace(msg string)                          { l.s.Debug(msg) }
func (l zapLeveledLogger) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Debug(msg string)                          { l.s.Debug(msg) }
func (l zapLeveledLogger) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l zapLeveledLogger) Info(msg string)                           { l.s.Info(msg) }
func (l zapLeveledLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l zapLeveledLogger) Warn(msg string)                           { l.s.Warn(msg) }
func (l zapLeveledLogger) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l zapLeveledLogger) Error(msg string)                          { l.s.Error(msg) }
func (l zapLeveledLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
