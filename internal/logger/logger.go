package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel is the severity of a log line
type LogLevel int

// Format selects how a line is rendered
type Format int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const (
	ConsoleFormat Format = iota
	JSONFormat
)

const consoleTimeLayout = "2006/01/02 15:04:05.000"

var (
	levelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m",
		INFO:  "\033[32m",
		WARN:  "\033[33m",
		ERROR: "\033[31m",
		FATAL: "\033[35m",
	}

	resetColor = "\033[0m"
)

// Logger writes leveled, printf-style lines for one component.
//
// Loggers obtained from WithComponent carry no settings of their own: level,
// format and output are read from the default logger on every call, so a
// single SetLogLevel at startup applies to every component.
type Logger struct {
	mu        sync.Mutex
	level     LogLevel
	format    Format
	output    io.Writer
	component string
	useColor  bool
	inherit   bool
}

var (
	defaultLogger *Logger
	once          sync.Once
)

func initDefaultLogger() {
	defaultLogger = NewLogger(os.Stdout, INFO, ConsoleFormat, "", true)
}

// NewLogger creates a standalone logger with its own settings
func NewLogger(output io.Writer, level LogLevel, format Format, component string, useColor bool) *Logger {
	return &Logger{
		level:     level,
		format:    format,
		output:    output,
		component: component,
		useColor:  useColor,
	}
}

// WithComponent returns a logger tagged with component that follows the
// default logger's configuration.
func WithComponent(component string) *Logger {
	once.Do(initDefaultLogger)
	return &Logger{component: component, inherit: true}
}

// ParseLevel maps a level name to a LogLevel. Unknown names yield INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO
	}
}

// SetLogLevel sets the minimum level of the default logger
func SetLogLevel(level string) {
	once.Do(initDefaultLogger)
	defaultLogger.mu.Lock()
	defaultLogger.level = ParseLevel(level)
	defaultLogger.mu.Unlock()
}

// SetFormat switches the default logger between "console" and "json"
func SetFormat(format string) {
	once.Do(initDefaultLogger)
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	switch strings.ToLower(format) {
	case "json":
		defaultLogger.format = JSONFormat
		defaultLogger.useColor = false
	default:
		defaultLogger.format = ConsoleFormat
	}
}

// SetOutput redirects the default logger. Colour is disabled for anything
// other than stdout/stderr.
func SetOutput(w io.Writer) {
	once.Do(initDefaultLogger)
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.output = w
	if w != os.Stdout && w != os.Stderr {
		defaultLogger.useColor = false
	}
}

// target returns the logger whose settings and lock govern this write
func (l *Logger) target() *Logger {
	if l.inherit {
		once.Do(initDefaultLogger)
		return defaultLogger
	}
	return l
}

func (l *Logger) enabled(level LogLevel) bool {
	t := l.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	return level >= t.level
}

func (l *Logger) renderConsole(useColor bool, level LogLevel, msg string, fields map[string]interface{}) string {
	var b strings.Builder
	b.WriteString(time.Now().Format(consoleTimeLayout))
	b.WriteByte(' ')
	if useColor {
		b.WriteString(levelColors[level])
		fmt.Fprintf(&b, "%4s", levelNames[level])
		b.WriteString(resetColor)
	} else {
		fmt.Fprintf(&b, "%4s", levelNames[level])
	}
	b.WriteByte(' ')
	if l.component != "" {
		b.WriteString("[" + l.component + "] ")
	}
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, fmt.Sprintf("%s=%v", k, fields[k]))
		}
		b.WriteString(" [" + strings.Join(pairs, " ") + "]")
	}
	return b.String()
}

func (l *Logger) renderJSON(level LogLevel, msg string, fields map[string]interface{}) string {
	entry := make(map[string]interface{}, len(fields)+4)
	for k, v := range fields {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		entry[k] = v
	}
	entry["ts"] = time.Now().Format(time.RFC3339Nano)
	entry["level"] = strings.ToLower(levelNames[level])
	entry["msg"] = msg
	if l.component != "" {
		entry["component"] = l.component
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return l.renderConsole(false, level, fmt.Sprintf("JSON marshal error: %v, original message: %s", err, msg), nil)
	}
	return string(data)
}

func (l *Logger) write(level LogLevel, fields map[string]interface{}, format string, v ...interface{}) {
	t := l.target()
	t.mu.Lock()
	defer t.mu.Unlock()
	if level < t.level {
		return
	}

	msg := fmt.Sprintf(format, v...)
	var line string
	if t.format == JSONFormat {
		line = l.renderJSON(level, msg, fields)
	} else {
		line = l.renderConsole(t.useColor, level, msg, fields)
	}
	fmt.Fprintln(t.output, line)
}

// Debug logs a debug message
func Debug(format string, v ...interface{}) {
	once.Do(initDefaultLogger)
	defaultLogger.write(DEBUG, nil, format, v...)
}

// Info logs an info message
func Info(format string, v ...interface{}) {
	once.Do(initDefaultLogger)
	defaultLogger.write(INFO, nil, format, v...)
}

// Warn logs a warning message
func Warn(format string, v ...interface{}) {
	once.Do(initDefaultLogger)
	defaultLogger.write(WARN, nil, format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	once.Do(initDefaultLogger)
	defaultLogger.write(ERROR, nil, format, v...)
}

// Fatal logs and exits the process
func Fatal(format string, v ...interface{}) {
	once.Do(initDefaultLogger)
	defaultLogger.write(FATAL, nil, format, v...)
	os.Exit(1)
}

func (l *Logger) Debug(format string, v ...interface{}) { l.write(DEBUG, nil, format, v...) }
func (l *Logger) Info(format string, v ...interface{})  { l.write(INFO, nil, format, v...) }
func (l *Logger) Warn(format string, v ...interface{})  { l.write(WARN, nil, format, v...) }
func (l *Logger) Error(format string, v ...interface{}) { l.write(ERROR, nil, format, v...) }

// Fatal logs and exits the process
func (l *Logger) Fatal(format string, v ...interface{}) {
	l.write(FATAL, nil, format, v...)
	os.Exit(1)
}

// DebugWithFields logs a debug message with structured fields
func (l *Logger) DebugWithFields(fields map[string]interface{}, format string, v ...interface{}) {
	l.write(DEBUG, fields, format, v...)
}

// InfoWithFields logs an info message with structured fields
func (l *Logger) InfoWithFields(fields map[string]interface{}, format string, v ...interface{}) {
	l.write(INFO, fields, format, v...)
}

// WarnWithFields logs a warning with structured fields
func (l *Logger) WarnWithFields(fields map[string]interface{}, format string, v ...interface{}) {
	l.write(WARN, fields, format, v...)
}

// ErrorWithFields logs an error with structured fields
func (l *Logger) ErrorWithFields(fields map[string]interface{}, format string, v ...interface{}) {
	l.write(ERROR, fields, format, v...)
}

// IsDebug reports whether debug lines would be written. Used to skip
// building expensive debug payloads such as wire dumps.
func (l *Logger) IsDebug() bool {
	return l.enabled(DEBUG)
}
