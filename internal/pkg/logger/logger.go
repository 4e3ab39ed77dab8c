// Package logger emits structured JSON log lines with address redaction
// for events that carry recipient mail addresses. Workers use it for the
// send/reply/bounce audit lines; plain log.Printf covers everything else.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

// Logger writes JSON entries tagged with a component name.
type Logger struct {
	component string
	level     Level
	redact    bool

	mu  sync.Mutex
	out io.Writer
}

// New returns a logger for one component. Redaction is on by default;
// address-bearing fields are masked before they hit the log stream.
func New(component string) *Logger {
	return &Logger{component: component, level: INFO, redact: true, out: os.Stderr}
}

// SetLevel sets the minimum level this logger emits.
func (l *Logger) SetLevel(level Level) { l.level = level }

// SetRedact toggles address masking.
func (l *Logger) SetRedact(r bool) { l.redact = r }

// SetOutput redirects entries, for tests.
func (l *Logger) SetOutput(w io.Writer) { l.out = w }

// Debug emits a DEBUG entry.
func (l *Logger) Debug(msg string, fields ...any) { l.log(DEBUG, msg, fields...) }

// Info emits an INFO entry.
func (l *Logger) Info(msg string, fields ...any) { l.log(INFO, msg, fields...) }

// Warn emits a WARN entry.
func (l *Logger) Warn(msg string, fields ...any) { l.log(WARN, msg, fields...) }

// Error emits an ERROR entry.
func (l *Logger) Error(msg string, fields ...any) { l.log(ERROR, msg, fields...) }

func (l *Logger) log(level Level, msg string, fields ...any) {
	if level < l.level {
		return
	}

	entry := map[string]any{
		"time":      time.Now().UTC().Format(time.RFC3339),
		"level":     levelNames[level],
		"component": l.component,
		"msg":       msg,
	}
	for i := 0; i+1 < len(fields); i += 2 {
		key := fmt.Sprintf("%v", fields[i])
		val := fmt.Sprintf("%v", fields[i+1])
		if l.redact && addressField(key) {
			val = redactList(val)
		}
		entry[key] = val
	}

	data, _ := json.Marshal(entry)
	l.mu.Lock()
	fmt.Fprintln(l.out, string(data))
	l.mu.Unlock()
}

// addressField reports whether a field key carries mail addresses.
func addressField(key string) bool {
	key = strings.ToLower(key)
	for _, marker := range []string{"email", "recipient", "sender", "address", "cc", "from", "to"} {
		if key == marker || strings.Contains(key, marker) {
			return true
		}
	}
	return false
}

// redactList masks each address in a comma-separated list.
func redactList(val string) string {
	parts := strings.Split(val, ",")
	for i, p := range parts {
		parts[i] = RedactEmail(strings.TrimSpace(p))
	}
	return strings.Join(parts, ",")
}
