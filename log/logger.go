// Package log provides logging for cdpmux.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Logger wraps logrus and adds category-based filtering. Every log line
// carries a category (the emitting subsystem, e.g. "Connection:recvLoop")
// and the elapsed time since the previous line, which makes protocol
// traces readable.
type Logger struct {
	*logrus.Logger

	mu             sync.Mutex
	lastLogCall    time.Time
	categoryFilter *regexp.Regexp
}

// Null is a logger that discards everything it is given.
var Null = NewNullLogger()

// New creates a Logger wrapping the given logrus instance.
func New(logger *logrus.Logger) *Logger {
	return &Logger{Logger: logger}
}

// NewNullLogger returns a logger that emits nothing. Useful as a default
// and in tests.
func NewNullLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(l)
}

// NewFromEnv builds a logger configured from the process environment:
// CDPMUX_LOG_LEVEL sets the level (logrus level names) and
// CDPMUX_LOG_CATEGORY_FILTER sets a category regexp.
func NewFromEnv() (*Logger, error) {
	ll := logrus.New()
	ll.SetOutput(os.Stderr)
	l := New(ll)
	if v := os.Getenv("CDPMUX_LOG_LEVEL"); v != "" {
		lvl, err := logrus.ParseLevel(v)
		if err != nil {
			return nil, fmt.Errorf("parsing CDPMUX_LOG_LEVEL: %w", err)
		}
		ll.SetLevel(lvl)
	}
	if v := os.Getenv("CDPMUX_LOG_CATEGORY_FILTER"); v != "" {
		if err := l.SetCategoryFilter(v); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// SetCategoryFilter enables filtering log lines by category. Only lines
// whose category matches the given regexp are emitted.
func (l *Logger) SetCategoryFilter(category string) error {
	filter, err := regexp.Compile(category)
	if err != nil {
		return fmt.Errorf("invalid category filter %q: %w", category, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.categoryFilter = filter
	return nil
}

// SetLevel sets the log level by its logrus name.
func (l *Logger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	l.Logger.SetLevel(lvl)
	return nil
}

// DebugMode reports whether debug logging is enabled.
func (l *Logger) DebugMode() bool {
	return l.Logger.IsLevelEnabled(logrus.DebugLevel)
}

func (l *Logger) Tracef(category string, msg string, args ...any) {
	l.logf(logrus.TraceLevel, category, msg, args...)
}

func (l *Logger) Debugf(category string, msg string, args ...any) {
	l.logf(logrus.DebugLevel, category, msg, args...)
}

func (l *Logger) Infof(category string, msg string, args ...any) {
	l.logf(logrus.InfoLevel, category, msg, args...)
}

func (l *Logger) Warnf(category string, msg string, args ...any) {
	l.logf(logrus.WarnLevel, category, msg, args...)
}

func (l *Logger) Errorf(category string, msg string, args ...any) {
	l.logf(logrus.ErrorLevel, category, msg, args...)
}

func (l *Logger) logf(level logrus.Level, category string, msg string, args ...any) {
	if l == nil || l.Logger == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := time.Duration(0)
	if !l.lastLogCall.IsZero() {
		elapsed = now.Sub(l.lastLogCall)
	}
	defer func() {
		l.lastLogCall = now
	}()

	if l.categoryFilter != nil && !l.categoryFilter.MatchString(category) {
		return
	}
	entry := l.WithFields(logrus.Fields{
		"category": category,
		"elapsed":  fmt.Sprintf("%d ms", elapsed.Milliseconds()),
	})
	entry.Logf(level, msg, args...)
}

// WithContext is a convenience passthrough so callers can correlate lines
// with a request-scoped context.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	return l.Logger.WithContext(ctx)
}
