package devtools

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Log categories.
const (
	catSend     = "cdp:send"
	catRecv     = "cdp:recv"
	catSession  = "session"
	catDispatch = "dispatch"
	catTarget   = "target"
)

// Logger is a category logger backed by logrus.
//
// Sessions log protocol traffic under the cdp:send and cdp:recv categories
// at debug level, and lifecycle and failure information under session,
// dispatch and target.
type Logger struct {
	Log *logrus.Logger

	fields logrus.Fields

	// overrides installed via WithLogf, WithErrorf and WithDebugf.
	logf, errf, debugf func(string, ...interface{})
}

// NewLogger creates a logger writing to l.
func NewLogger(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{Log: l}
}

// NewNullLogger creates a logger that discards everything.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewLogger(l)
}

// With returns a copy of the logger with the given field added to every
// entry.
func (l *Logger) With(key string, value interface{}) *Logger {
	fields := make(logrus.Fields, len(l.fields)+1)
	for k, v := range l.fields {
		fields[k] = v
	}
	fields[key] = value
	c := *l
	c.fields = fields
	return &c
}

func (l *Logger) Debugf(category, msg string, args ...interface{}) {
	if l.debugf != nil {
		l.debugf(category+": "+msg, args...)
		return
	}
	l.Logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category, msg string, args ...interface{}) {
	if l.logf != nil {
		l.logf(category+": "+msg, args...)
		return
	}
	l.Logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category, msg string, args ...interface{}) {
	if l.logf != nil {
		l.logf(category+": "+msg, args...)
		return
	}
	l.Logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category, msg string, args ...interface{}) {
	if l.errf != nil {
		l.errf(category+": "+msg, args...)
		return
	}
	l.Logf(logrus.ErrorLevel, category, msg, args...)
}

// Logf logs msg at level under category.
func (l *Logger) Logf(level logrus.Level, category, msg string, args ...interface{}) {
	if l == nil || l.Log == nil {
		return
	}
	// don't format anything the current level would discard.
	if !l.Log.IsLevelEnabled(level) {
		return
	}
	entry := l.Log.WithField("category", category)
	if len(l.fields) != 0 {
		entry = entry.WithFields(l.fields)
	}
	entry.Log(level, fmt.Sprintf(msg, args...))
}

// SetLevel sets the logger level from a level string.
func (l *Logger) SetLevel(level string) error {
	pl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	if l.Log != nil {
		l.Log.SetLevel(pl)
	}
	return nil
}

// DebugMode returns true if the logger level is set to Debug or higher.
func (l *Logger) DebugMode() bool {
	return l.Log != nil && l.Log.IsLevelEnabled(logrus.DebugLevel)
}
