// Package util provides low-level helpers shared by all other packages.
package util

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// LogLevel controls output verbosity.
type LogLevel int

const (
	LogQuiet   LogLevel = 0
	LogNormal  LogLevel = 1
	LogVerbose LogLevel = 2
	LogDebug   LogLevel = 3
)

// Logger writes levelled messages to stderr.  It is a thin printf-style
// facade over a logrus logger; child loggers created with [Logger.With]
// share the parent's output, level, and formatter.
type Logger struct {
	level LogLevel
	base  *logrus.Logger
	entry *logrus.Entry
	tags  *tagFormatter
}

// NewLogger returns a Logger that prints messages at or below the given
// verbosity (0 = quiet, 1 = normal, 2 = verbose, 3 = debug).
func NewLogger(verbosity int) *Logger {
	if verbosity < 0 {
		verbosity = 0
	}
	tags := &tagFormatter{}
	tags.timestamps.Store(verbosity >= 3)

	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(tags)
	base.SetLevel(logrusLevel(LogLevel(verbosity)))

	return &Logger{
		level: LogLevel(verbosity),
		base:  base,
		entry: logrus.NewEntry(base),
		tags:  tags,
	}
}

// logrusLevel maps verbosity onto logrus levels.  Verbose output is
// logrus' debug level and Debug output is its trace level.
func logrusLevel(l LogLevel) logrus.Level {
	switch {
	case l <= LogQuiet:
		return logrus.ErrorLevel
	case l == LogNormal:
		return logrus.InfoLevel
	case l == LogVerbose:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

// SetTimestamps enables or disables timestamp prefixes.
func (l *Logger) SetTimestamps(on bool) { l.tags.timestamps.Store(on) }

// SetOutput overrides the output writer (default: os.Stderr).
func (l *Logger) SetOutput(w io.Writer) { l.base.SetOutput(w) }

// SetJSON switches to logrus' JSON formatter.
func (l *Logger) SetJSON(on bool) {
	if on {
		l.base.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	l.base.SetFormatter(l.tags)
}

// Level returns the current log level.
func (l *Logger) Level() LogLevel { return l.level }

// With returns a child logger that attaches key=value to every line.
func (l *Logger) With(key string, value interface{}) *Logger {
	child := *l
	child.entry = l.entry.WithField(key, value)
	return &child
}

// Info prints when verbosity ≥ 1.  Prefixed with [INF].
func (l *Logger) Info(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Warn prints when verbosity ≥ 1.  Prefixed with [WRN].
func (l *Logger) Warn(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

// Verbose prints when verbosity ≥ 2.  Prefixed with [VRB].
func (l *Logger) Verbose(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Debug prints when verbosity ≥ 3.  Prefixed with [DBG].
func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

// Error always prints regardless of verbosity.  Prefixed with [ERR].
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// ── formatter ────────────────────────────────────────────────────────

// tagFormatter renders "[INF] message key=value" lines.
// It is shared by every child logger, so timestamps may be toggled while
// other goroutines are logging.
type tagFormatter struct {
	timestamps atomic.Bool
}

var levelTags = map[logrus.Level]string{ //nolint:gochecknoglobals
	logrus.PanicLevel: "ERR",
	logrus.FatalLevel: "ERR",
	logrus.ErrorLevel: "ERR",
	logrus.WarnLevel:  "WRN",
	logrus.InfoLevel:  "INF",
	logrus.DebugLevel: "VRB",
	logrus.TraceLevel: "DBG",
}

func (f *tagFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var b bytes.Buffer
	if f.timestamps.Load() {
		b.WriteString(e.Time.Format("15:04:05.000"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "[%s] %s", levelTags[e.Level], e.Message)

	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}
