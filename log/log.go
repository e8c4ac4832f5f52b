// Package log provides a small leveled logger in the style of the
// structured loggers used across the kratos ecosystem. It exists because
// this module's directory parsers log non-fatal failures (a malformed
// import descriptor, an unreadable TLS callback) without aborting the
// overall parse, and callers need a way to plug in their own sink or
// silence the noise below a chosen level.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level is the log severity.
type Level int

// Log levels, lowest to highest severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// String returns the human readable name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Logger is the minimal structured logging sink. keyvals is an alternating
// list of key, value pairs, mirroring the convention of go-kratos/kratos's
// log.Logger.
type Logger interface {
	Log(level Level, keyvals ...interface{}) error
}

// stdLogger writes formatted log lines to an io.Writer using the standard
// library's log.Logger as a backend.
type stdLogger struct {
	log *log.Logger
}

// NewStdLogger returns a Logger that writes to w.
func NewStdLogger(w io.Writer) Logger {
	return &stdLogger{log: log.New(w, "", log.LstdFlags)}
}

func (l *stdLogger) Log(level Level, keyvals ...interface{}) error {
	if len(keyvals) == 0 {
		return nil
	}
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "KEYVALS UNPAIRED")
	}

	buf := fmt.Sprintf("level=%s", level.String())
	for i := 0; i < len(keyvals); i += 2 {
		buf += fmt.Sprintf(" %v=%v", keyvals[i], keyvals[i+1])
	}
	l.log.Println(buf)
	return nil
}

// FilterOption configures a Filter.
type FilterOption func(*Filter)

// FilterLevel sets the minimum level a Filter lets through.
func FilterLevel(level Level) FilterOption {
	return func(f *Filter) {
		f.level = level
	}
}

// Filter wraps a Logger and drops entries below a configured level.
type Filter struct {
	logger Logger
	level  Level
}

// NewFilter returns a Logger that forwards to logger only the entries at or
// above the configured level.
func NewFilter(logger Logger, opts ...FilterOption) Logger {
	f := &Filter{logger: logger, level: LevelDebug}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Filter) Log(level Level, keyvals ...interface{}) error {
	if level < f.level {
		return nil
	}
	return f.logger.Log(level, keyvals...)
}

// Helper wraps a Logger with printf-style convenience methods, matching the
// call sites used throughout the directory parsers.
type Helper struct {
	logger Logger
}

// NewHelper returns a Helper backed by logger. A nil logger yields a Helper
// whose methods are silent no-ops, so callers never need a nil check.
func NewHelper(logger Logger) *Helper {
	return &Helper{logger: logger}
}

func (h *Helper) log(level Level, msg string) {
	if h == nil || h.logger == nil {
		return
	}
	_ = h.logger.Log(level, "msg", msg)
}

// Debugf logs at debug level.
func (h *Helper) Debugf(format string, args ...interface{}) {
	h.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func (h *Helper) Infof(format string, args ...interface{}) {
	h.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func (h *Helper) Warnf(format string, args ...interface{}) {
	h.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func (h *Helper) Errorf(format string, args ...interface{}) {
	h.log(LevelError, fmt.Sprintf(format, args...))
}

// Debug logs a single message at debug level.
func (h *Helper) Debug(args ...interface{}) {
	h.log(LevelDebug, fmt.Sprint(args...))
}

// Warn logs a single message at warn level.
func (h *Helper) Warn(args ...interface{}) {
	h.log(LevelWarn, fmt.Sprint(args...))
}

// Error logs a single message at error level.
func (h *Helper) Error(args ...interface{}) {
	h.log(LevelError, fmt.Sprint(args...))
}

// Fatalf logs at fatal level and terminates the process, matching the
// kratos Helper contract.
func (h *Helper) Fatalf(format string, args ...interface{}) {
	h.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}
