// Package logger provides a thin, structured logging wrapper over
// logrus so the rest of the client depends on a small interface
// instead of the logging library directly.
package logger

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface used throughout the client.
type Logger interface {
	Debugln(args ...interface{})
	Debugf(format string, args ...interface{})
	Infoln(args ...interface{})
	Infof(format string, args ...interface{})
	Warningln(args ...interface{})
	Warningf(format string, args ...interface{})
	Errorln(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(err error)
	With(fields map[string]interface{}) Logger
}

var (
	once sync.Once
	base *logrus.Logger
)

func rootLogger() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.Out = os.Stderr
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetVerbose raises the root logger to debug level; the launcher's
// verbosity flag is the only caller of this function.
func SetVerbose(verbose bool) {
	if verbose {
		rootLogger().SetLevel(logrus.DebugLevel)
	} else {
		rootLogger().SetLevel(logrus.InfoLevel)
	}
}

type entryLogger struct {
	e *logrus.Entry
}

// New returns a Logger tagged with a "component" field.
func New(component string) Logger {
	return &entryLogger{e: rootLogger().WithField("component", component)}
}

func (l *entryLogger) With(fields map[string]interface{}) Logger {
	return &entryLogger{e: l.e.WithFields(fields)}
}

func (l *entryLogger) Debugln(args ...interface{})                 { l.e.Debugln(args...) }
func (l *entryLogger) Debugf(format string, args ...interface{})   { l.e.Debugf(format, args...) }
func (l *entryLogger) Infoln(args ...interface{})                  { l.e.Infoln(args...) }
func (l *entryLogger) Infof(format string, args ...interface{})    { l.e.Infof(format, args...) }
func (l *entryLogger) Warningln(args ...interface{})               { l.e.Warnln(args...) }
func (l *entryLogger) Warningf(format string, args ...interface{}) { l.e.Warnf(format, args...) }
func (l *entryLogger) Errorln(args ...interface{})                 { l.e.Errorln(args...) }
func (l *entryLogger) Errorf(format string, args ...interface{})   { l.e.Errorf(format, args...) }
func (l *entryLogger) Error(err error)                             { l.e.Errorln(err) }
