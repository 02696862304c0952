package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cofretracker/cofre_tracker/internal/tracing"
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

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// ParseLevel maps a config string to a LogLevel, defaulting to info.
func ParseLevel(s string) LogLevel {
	lvl := LogLevel(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := levelRank[lvl]; ok {
		return lvl
	}
	return LevelInfo
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Time       time.Time      `json:"time"`
	Level      LogLevel       `json:"level"`
	Message    string         `json:"msg"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	OperatorID string         `json:"operator_id,omitempty"`
	BatchID    string         `json:"batch_id,omitempty"`
	ItemID     string         `json:"item_id,omitempty"`
	Transport  string         `json:"transport,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	mu      sync.Mutex
	out     io.Writer
	min     LogLevel
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     os.Stdout,
		min:     LevelDebug,
	}
}

// SetOutput redirects the logger. Used by tests and the daemon's --log-file.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetLevel drops entries below lvl.
func (l *Logger) SetLevel(lvl LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = lvl
}

func (l *Logger) entry(fields map[string]any) *LogEntry {
	if fields == nil {
		fields = make(map[string]any)
	}
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  fields,
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry(nil)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.entry(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry(nil)
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithOperator sets the operator (seller) that produced the entry
func (e *LogEntry) WithOperator(operatorID string) *LogEntry {
	e.OperatorID = operatorID
	return e
}

// WithBatch sets the batch (audit) ID for the log entry
func (e *LogEntry) WithBatch(batchID string) *LogEntry {
	e.BatchID = batchID
	return e
}

// WithItem sets the queued item ID for the log entry
func (e *LogEntry) WithItem(itemID string) *LogEntry {
	e.ItemID = itemID
	return e
}

// WithTransport sets the delivery transport name
func (e *LogEntry) WithTransport(transport string) *LogEntry {
	e.Transport = transport
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
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.log(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.log(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.log(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.log(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.log(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.log(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.log(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.log(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.log(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) log(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as one JSON line
func (e *LogEntry) output() {
	l := e.logger
	if l == nil {
		l = defaultLogger
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if levelRank[e.Level] < levelRank[l.min] {
		return
	}
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	data, err := json.Marshal(e)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(l.out, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}
	fmt.Fprintln(l.out, string(data))
}

// Global convenience functions

var defaultLogger = New("cofre")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.service = service
}
