package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Logger provides leveled logging with redaction support. All output goes
// to stderr so secret material piped through stdout is never mixed with
// diagnostics.
type Logger struct {
	debug     bool
	noColor   bool
	component string
	mu        sync.Mutex
	out       *os.File
}

// New creates a new logger instance.
func New(debug, noColor bool) *Logger {
	return &Logger{
		debug:   debug,
		noColor: noColor,
		out:     os.Stderr,
	}
}

// WithComponent returns a logger that prefixes every message with the
// component name. The parent logger is unchanged.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		debug:     l.debug,
		noColor:   l.noColor,
		component: name,
		out:       l.out,
	}
}

func (l *Logger) write(color, prefix, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		msg = l.component + ": " + msg
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.noColor || color == "" {
		fmt.Fprintf(l.out, "%s %s\n", prefix, msg)
	} else {
		fmt.Fprintf(l.out, "%s%s\033[0m %s\n", color, prefix, msg)
	}
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.write("\033[32m", "✓", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.write("\033[33m", "⚠", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.write("\033[31m", "✗", format, args...)
}

// Debug logs a debug message if debug mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.debug {
		return
	}
	l.write("\033[36m", "[DEBUG]", format, args...)
}

// Secret represents a value that must be redacted in logs.
type Secret string

// String implements Stringer, always returning a redacted value.
func (s Secret) String() string {
	return "[REDACTED]"
}

// GoString implements GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// Redact replaces sensitive values in a string with [REDACTED].
func Redact(s string, secrets []string) string {
	result := s
	for _, secret := range secrets {
		// Only redact non-trivial values; short fragments would mangle
		// unrelated text.
		if len(secret) > 3 {
			result = strings.ReplaceAll(result, secret, "[REDACTED]")
		}
	}
	return result
}
