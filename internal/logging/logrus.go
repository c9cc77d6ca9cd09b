package logging

import "github.com/sirupsen/logrus"

// NewLogrus returns a Logger backed by l, for deployments that standardize
// on logrus instead of zap. Passing nil uses logrus.StandardLogger().
func NewLogrus(l *logrus.Logger, verbose bool) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{l: l, verbose: verbose}
}

type logrusLogger struct {
	l       *logrus.Logger
	verbose bool
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.l.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.l.Infof(format, args...) }
func (l *logrusLogger) Warningf(format string, args ...interface{}) {
	l.l.Warnf(format, args...)
}
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.l.Errorf(format, args...) }
func (l *logrusLogger) V(int) bool                                { return l.verbose }
