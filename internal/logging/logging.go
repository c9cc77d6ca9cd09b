// Package logging defines the engine's ambient logging seam: a small
// leveled-format interface with a Zap-backed default and a Logrus adapter.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal structured-logging seam the engine, WAL writer and
// background worker log through. Nothing in this module calls fmt.Println
// or the stdlib log package directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warningf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	// V reports whether verbose logging at the given level is enabled,
	// mirroring glog/klog-style leveled verbosity gates.
	V(level int) bool
}

// NewZap returns a Logger backed by z. Passing nil uses zap's production
// default config.
func NewZap(z *zap.Logger) Logger {
	if z == nil {
		z, _ = zap.NewProduction()
	}
	return &zapLogger{s: z.Sugar()}
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }

// V reports whether level is enabled, gated by the underlying zap core's
// level: any level > 0 requires debug logging to be enabled, matching the
// glog/klog convention that V(n) for n>=1 is verbose chatter suppressed in
// production configs.
func (l *zapLogger) V(level int) bool {
	if level <= 0 {
		return true
	}
	return l.s.Desugar().Core().Enabled(zapcore.DebugLevel)
}

// Nop returns a Logger that discards everything, for tests and callers
// that don't want engine chatter.
func Nop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}
