package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/notify_hook/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time      `json:"time"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"msg"`
	Service   string         `json:"service,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	DedupKey  string         `json:"dedup_key,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`

	out *output
}

// output serialises writes from concurrent requests
type output struct {
	mu sync.Mutex
	w  io.Writer
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	out     *output
}

// New creates a new structured logger for the given service, writing to stdout
func New(service string) *Logger {
	return NewWithWriter(service, os.Stdout)
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: &output{w: w}}
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		out:     l.out,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	e := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		e.TraceID = traceID
	}
	return e
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// WithDedupKey sets the idempotency key being processed
func (e *LogEntry) WithDedupKey(key string) *LogEntry {
	e.DedupKey = key
	return e
}

// WithEventType sets the canonical event type
func (e *LogEntry) WithEventType(eventType string) *LogEntry {
	e.EventType = eventType
	return e
}

// WithChannel sets the delivery channel
func (e *LogEntry) WithChannel(channel string) *LogEntry {
	e.Channel = channel
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		return e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.log(LevelDebug, message) }
func (e *LogEntry) Info(message string)  { e.log(LevelInfo, message) }
func (e *LogEntry) Warn(message string)  { e.log(LevelWarn, message) }
func (e *LogEntry) Error(message string) { e.log(LevelError, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.write()
}

// write emits the entry as one JSON line
func (e *LogEntry) write() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}
	out := e.out
	if out == nil {
		out = defaultLogger.out
	}

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		data = []byte(fmt.Sprintf("%s [%s] %s", e.Time.Format(time.RFC3339), e.Level, e.Message))
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	_, _ = out.w.Write(append(data, '\n'))
}

var defaultLogger = New("notifier")

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
