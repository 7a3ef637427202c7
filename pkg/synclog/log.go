// Package synclog is the Sync Bridge's structured logger. Unlike a plain
// named logger, every Logger can carry a set of key/value fields — most
// commonly a connection or task id (spec.md's Connection/Task identifiers)
// — attached via With, so call sites stop hand-formatting those ids into
// every message and every line for a given connection is greppable by
// connId= instead of by a free-form substring.
package synclog

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
)

// Level names used in the level=<name> field of every emitted line.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
	LevelDebug = "debug"
)

type field struct {
	key string
	val any
}

// Logger is a named logger that may carry fields inherited from With.
// A Logger returned directly by ForService carries no fields; derive a
// per-connection or per-task child with With before logging about it.
type Logger struct {
	service string
	fields  []field
	std     *log.Logger
}

type writerHolder struct{ w io.Writer }

var (
	globalDebug  atomic.Bool
	serviceDebug sync.Map // map[string]*atomic.Bool
	loggers      sync.Map // map[string]*Logger
	outputWriter atomic.Value
)

func init() {
	outputWriter.Store(writerHolder{w: os.Stderr})
}

// ForService returns (and memoizes) the base logger for a component name
// such as "connserver" or "aibridge".
func ForService(name string) *Logger {
	if name == "" {
		name = "unknown"
	}
	if l, ok := loggers.Load(name); ok {
		return l.(*Logger)
	}
	current := outputWriter.Load().(writerHolder).w
	logger := &Logger{service: name, std: log.New(current, "", log.LstdFlags|log.Lmicroseconds)}
	actual, _ := loggers.LoadOrStore(name, logger)
	return actual.(*Logger)
}

// With returns a derived Logger carrying the given key/value pairs in
// addition to any fields l already carries, e.g.
// log.With("connId", c.ID).Warnf("protocol error: %v", err). kv must
// alternate string keys and values; a trailing unpaired key is dropped.
func (l *Logger) With(kv ...any) *Logger {
	if len(kv) < 2 {
		return l
	}
	next := make([]field, 0, len(l.fields)+len(kv)/2)
	next = append(next, l.fields...)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok || key == "" {
			continue
		}
		next = append(next, field{key: key, val: kv[i+1]})
	}
	return &Logger{service: l.service, fields: next, std: l.std}
}

// SetGlobalDebug enables or disables debug logging globally.
func SetGlobalDebug(enabled bool) { globalDebug.Store(enabled) }

// GlobalDebug returns whether global debug logging is enabled.
func GlobalDebug() bool { return globalDebug.Load() }

// EnableDebugFor enables debug logging for a single named component.
func EnableDebugFor(name string) {
	if name == "" {
		return
	}
	val, _ := serviceDebug.LoadOrStore(name, &atomic.Bool{})
	val.(*atomic.Bool).Store(true)
}

// DisableDebugFor disables debug logging for a single named component.
func DisableDebugFor(name string) {
	if name == "" {
		return
	}
	if val, ok := serviceDebug.Load(name); ok {
		val.(*atomic.Bool).Store(false)
	}
}

// DebugEnabledFor reports whether debug is active for name, globally or
// specifically.
func DebugEnabledFor(name string) bool {
	if globalDebug.Load() {
		return true
	}
	if val, ok := serviceDebug.Load(name); ok {
		return val.(*atomic.Bool).Load()
	}
	return false
}

// SetOutput redirects all loggers (existing and future) to w.
func SetOutput(w io.Writer) {
	if w == nil {
		return
	}
	outputWriter.Store(writerHolder{w: w})
	loggers.Range(func(_, v any) bool {
		v.(*Logger).std.SetOutput(w)
		return true
	})
}

// render builds a single key=value line: level, service, every carried
// field in attachment order, then a quoted msg last.
func (l *Logger) render(level, msg string) string {
	out := "level=" + level + " service=" + l.service
	for _, f := range l.fields {
		out += " " + f.key + "=" + fmt.Sprint(f.val)
	}
	return out + " msg=" + strconv.Quote(msg)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, args ...any) {
	l.std.Println(l.render(LevelInfo, fmt.Sprintf(format, args...)))
}

// Warnf logs at warn level.
func (l *Logger) Warnf(format string, args ...any) {
	l.std.Println(l.render(LevelWarn, fmt.Sprintf(format, args...)))
}

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...any) {
	l.std.Println(l.render(LevelError, fmt.Sprintf(format, args...)))
}

// Debugf logs at debug level if enabled for this logger's service.
func (l *Logger) Debugf(format string, args ...any) {
	if !DebugEnabledFor(l.service) {
		return
	}
	l.std.Println(l.render(LevelDebug, fmt.Sprintf(format, args...)))
}
