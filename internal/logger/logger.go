package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel int32

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = map[LogLevel]string{
	TraceLevel: "TRACE",
	DebugLevel: "DEBUG",
	InfoLevel:  "INFO",
	WarnLevel:  "WARN",
	ErrorLevel: "ERROR",
	FatalLevel: "FATAL",
}

var levelColors = map[LogLevel]string{
	TraceLevel: "\033[36m",
	DebugLevel: "\033[35m",
	InfoLevel:  "\033[32m",
	WarnLevel:  "\033[33m",
	ErrorLevel: "\033[31m",
	FatalLevel: "\033[91m",
}

const colorReset = "\033[0m"

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int32(l))
}

// LogFormat represents the output format for logs
type LogFormat int

const (
	ConsoleFormat LogFormat = iota
	JSONFormat
)

// Field is a single structured key/value attached to an entry.
type Field struct {
	Key   string
	Value any
}

// Config holds logger configuration
type Config struct {
	Level      LogLevel
	Format     LogFormat
	Output     io.Writer
	UseColors  bool
	TimeFormat string
}

// sink is shared by a logger and every child derived from it, so that
// level changes and output serialization apply to the whole tree.
type sink struct {
	mu         sync.Mutex
	w          io.Writer
	format     LogFormat
	colors     bool
	timeFormat string
	level      atomic.Int32
	exit       func(int)
}

// Logger writes leveled, structured entries. Children created with With
// and WithName share the parent's output and level.
type Logger struct {
	sink   *sink
	name   string
	fields []Field
}

// New creates a new logger instance
func New(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.TimeFormat == "" {
		config.TimeFormat = "2006-01-02 15:04:05.000"
	}

	s := &sink{
		w:          config.Output,
		format:     config.Format,
		colors:     config.UseColors,
		timeFormat: config.TimeFormat,
		exit:       os.Exit,
	}
	s.level.Store(int32(config.Level))
	return &Logger{sink: s}
}

// NewConsoleLogger creates a colored console logger on stdout.
func NewConsoleLogger(level LogLevel) *Logger {
	return New(Config{Level: level, Format: ConsoleFormat, UseColors: true})
}

// NewJSONLogger creates a JSON logger on stdout.
func NewJSONLogger(level LogLevel) *Logger {
	return New(Config{Level: level, Format: JSONFormat})
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return New(Config{Level: FatalLevel + 1, Output: io.Discard})
}

// With returns a child logger carrying additional fields.
func (l *Logger) With(fields ...Field) *Logger {
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{sink: l.sink, name: l.name, fields: merged}
}

// WithName returns a child logger with the given component name. Names
// nest with a dot: server.central.
func (l *Logger) WithName(name string) *Logger {
	full := name
	if l.name != "" && name != "" {
		full = l.name + "." + name
	}
	return &Logger{sink: l.sink, name: full, fields: l.fields}
}

// Name returns the component name of the logger.
func (l *Logger) Name() string {
	return l.name
}

// SetLevel sets the minimum log level for this logger and its relatives.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.sink.level.Load())
}

// IsEnabled returns true if the given level would be logged
func (l *Logger) IsEnabled(level LogLevel) bool {
	return level >= l.GetLevel()
}

// Log outputs a log entry at the specified level
func (l *Logger) Log(level LogLevel, msg string, fields ...Field) {
	l.log(2, level, msg, fields)
}

func (l *Logger) log(skip int, level LogLevel, msg string, fields []Field) {
	if !l.IsEnabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   msg,
		Logger:    l.name,
		Fields:    make([]Field, 0, len(l.fields)+len(fields)),
	}
	entry.Fields = append(entry.Fields, l.fields...)
	entry.Fields = append(entry.Fields, fields...)

	if level >= ErrorLevel {
		if pc, file, line, ok := runtime.Caller(skip); ok {
			entry.Caller = &CallerInfo{
				File:     file,
				Line:     line,
				Function: runtime.FuncForPC(pc).Name(),
			}
		}
	}

	l.sink.write(entry)

	if level == FatalLevel {
		l.sink.exit(1)
	}
}

func (l *Logger) Trace(msg string, fields ...Field) { l.log(2, TraceLevel, msg, fields) }
func (l *Logger) Debug(msg string, fields ...Field) { l.log(2, DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(2, InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(2, WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(2, ErrorLevel, msg, fields) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...Field) { l.log(2, FatalLevel, msg, fields) }

func (l *Logger) Debugf(format string, args ...any) {
	if l.IsEnabled(DebugLevel) {
		l.log(2, DebugLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *Logger) Infof(format string, args ...any) {
	if l.IsEnabled(InfoLevel) {
		l.log(2, InfoLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *Logger) Warnf(format string, args ...any) {
	if l.IsEnabled(WarnLevel) {
		l.log(2, WarnLevel, fmt.Sprintf(format, args...), nil)
	}
}

func (l *Logger) Errorf(format string, args ...any) {
	if l.IsEnabled(ErrorLevel) {
		l.log(2, ErrorLevel, fmt.Sprintf(format, args...), nil)
	}
}

// LogEntry represents a single log entry
type LogEntry struct {
	Timestamp time.Time
	Level     LogLevel
	Message   string
	Logger    string
	Fields    []Field
	Caller    *CallerInfo
}

// CallerInfo holds information about the calling code
type CallerInfo struct {
	File     string
	Line     int
	Function string
}

func (s *sink) write(entry LogEntry) {
	var buf bytes.Buffer
	switch s.format {
	case JSONFormat:
		s.encodeJSON(&buf, entry)
	default:
		s.encodeConsole(&buf, entry)
	}
	buf.WriteByte('\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.w.Write(buf.Bytes())
}

func (s *sink) encodeConsole(b *bytes.Buffer, entry LogEntry) {
	b.WriteString(entry.Timestamp.Format(s.timeFormat))
	b.WriteByte(' ')

	level := fmt.Sprintf("%-5s", entry.Level)
	if s.colors {
		b.WriteString(levelColors[entry.Level])
		b.WriteString(level)
		b.WriteString(colorReset)
	} else {
		b.WriteString(level)
	}
	b.WriteByte(' ')

	if entry.Logger != "" {
		fmt.Fprintf(b, "[%s] ", entry.Logger)
	}
	b.WriteString(entry.Message)

	if len(entry.Fields) > 0 {
		b.WriteString(" {")
		for i, f := range entry.Fields {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(b, "%s=%v", f.Key, consoleValue(f.Value))
		}
		b.WriteByte('}')
	}

	if entry.Caller != nil {
		fmt.Fprintf(b, " (%s:%d)", filepath.Base(entry.Caller.File), entry.Caller.Line)
	}
}

func consoleValue(v any) any {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case []byte:
		return fmt.Sprintf("%x", val)
	case string:
		if strings.ContainsAny(val, " \t\n") {
			return fmt.Sprintf("%q", val)
		}
		return val
	default:
		return val
	}
}

func (s *sink) encodeJSON(b *bytes.Buffer, entry LogEntry) {
	b.WriteByte('{')
	writeJSONPair(b, "timestamp", entry.Timestamp.Format(time.RFC3339Nano), false)
	writeJSONPair(b, "level", entry.Level.String(), true)
	if entry.Logger != "" {
		writeJSONPair(b, "logger", entry.Logger, true)
	}
	writeJSONPair(b, "message", entry.Message, true)
	for _, f := range entry.Fields {
		writeJSONPair(b, f.Key, jsonValue(f.Value), true)
	}
	if entry.Caller != nil {
		writeJSONPair(b, "caller", entry.Caller, true)
	}
	b.WriteByte('}')
}

func writeJSONPair(b *bytes.Buffer, key string, value any, comma bool) {
	if comma {
		b.WriteByte(',')
	}
	k, _ := json.Marshal(key)
	b.Write(k)
	b.WriteByte(':')
	v, err := json.Marshal(value)
	if err != nil {
		v, _ = json.Marshal(fmt.Sprint(value))
	}
	b.Write(v)
}

// jsonValue keeps JSON-native values and stringifies the rest, so an
// entry never fails to encode because of an exotic field value.
func jsonValue(v any) any {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []string:
		return val
	case error:
		return val.Error()
	case json.Marshaler:
		return val
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}

func (c *CallerInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		File     string `json:"file"`
		Line     int    `json:"line"`
		Function string `json:"function"`
	}{c.File, c.Line, c.Function})
}

func String(key, value string) Field             { return Field{Key: key, Value: value} }
func Int(key string, value int) Field            { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field        { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field      { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field    { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field          { return Field{Key: key, Value: value} }
func Strings(key string, value []string) Field   { return Field{Key: key, Value: value} }
func Any(key string, value any) Field            { return Field{Key: key, Value: value} }
func Duration(key string, d time.Duration) Field { return Field{Key: key, Value: d.String()} }

// Stringer defers formatting to the value's String method.
func Stringer(key string, value fmt.Stringer) Field {
	if value == nil {
		return Field{Key: key, Value: nil}
	}
	return Field{Key: key, Value: value.String()}
}

// ErrorField attaches err under the "error" key.
func ErrorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel, nil
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("invalid log level: %q", level)
	}
}

// ParseLogFormat parses "console" or "json".
func ParseLogFormat(format string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text", "":
		return ConsoleFormat, nil
	case "json":
		return JSONFormat, nil
	default:
		return ConsoleFormat, fmt.Errorf("invalid log format: %q", format)
	}
}
