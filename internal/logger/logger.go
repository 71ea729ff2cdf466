// Package logger provides structured logging with file rotation support.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/earthdata-download/edd/internal/config"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

const filePrefix = "edd-"

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the main logger structure
type Logger struct {
	mu          sync.Mutex
	level       LogLevel
	formatJSON  bool
	outputs     []io.Writer
	fileWriter  *os.File
	logDir      string
	maxSize     int64 // MB
	maxBackups  int
	maxAge      int // days
	currentSize int64
	currentDate string
	stop        chan struct{}
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// InitLogger initializes the global logger with the given configuration
func InitLogger(cfg *config.LogConfig) (*Logger, error) {
	l, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	defaultLogger = l
	return l, nil
}

// NewLogger creates a new logger instance
func NewLogger(cfg *config.LogConfig) (*Logger, error) {
	l := &Logger{
		level:       parseLevel(cfg.Level),
		formatJSON:  cfg.Format == "json",
		logDir:      cfg.Directory,
		maxSize:     int64(cfg.MaxSize),
		maxBackups:  cfg.MaxBackups,
		maxAge:      cfg.MaxAge,
		currentDate: time.Now().Format("2006-01-02"),
	}

	switch strings.ToLower(cfg.Output) {
	case "file":
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	case "both":
		l.outputs = append(l.outputs, os.Stdout)
		if err := l.setupFileWriter(); err != nil {
			return nil, err
		}
	default:
		l.outputs = append(l.outputs, os.Stdout)
	}

	return l, nil
}

// NewWriterLogger creates a logger writing only to w, mostly for tests
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{
		level:   parseLevel(level),
		outputs: []io.Writer{w},
	}
}

// Discard returns a logger that drops everything
func Discard() *Logger {
	return NewWriterLogger(io.Discard, "fatal")
}

func (l *Logger) fileName(date string) string {
	return filepath.Join(l.logDir, filePrefix+date+".log")
}

func (l *Logger) setupFileWriter() error {
	if err := os.MkdirAll(l.logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := l.fileName(l.currentDate)
	if info, err := os.Stat(logFile); err == nil {
		l.currentSize = info.Size()
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.fileWriter = f
	l.outputs = append(l.outputs, f)
	l.stop = make(chan struct{})

	go l.rotationChecker()

	return nil
}

// rotationChecker periodically checks if log rotation is needed
func (l *Logger) rotationChecker() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.checkRotation(time.Now())
		}
	}
}

func (l *Logger) checkRotation(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	date := now.Format("2006-01-02")
	if date != l.currentDate {
		l.rotateLog(now, "date")
		l.currentDate = date
		l.reopen()
		return
	}

	if l.maxSize > 0 && l.currentSize >= l.maxSize*1024*1024 {
		l.rotateLog(now, "size")
		l.reopen()
	}
}

// rotateLog renames the current file to edd-<date>-<timestamp>-<reason>.log
func (l *Logger) rotateLog(now time.Time, reason string) {
	if l.fileWriter == nil {
		return
	}
	l.fileWriter.Close()

	current := l.fileName(l.currentDate)
	backup := filepath.Join(l.logDir, fmt.Sprintf("%s%s-%s-%s.log", filePrefix, l.currentDate, now.Format("150405"), reason))
	os.Rename(current, backup)

	l.cleanOldBackups(now)
}

func (l *Logger) reopen() {
	f, err := os.OpenFile(l.fileName(l.currentDate), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[ERROR] failed to reopen log file: %v\n", err)
		return
	}

	outputs := make([]io.Writer, 0, len(l.outputs))
	for _, w := range l.outputs {
		if w != io.Writer(l.fileWriter) {
			outputs = append(outputs, w)
		}
	}
	l.fileWriter = f
	l.currentSize = 0
	l.outputs = append(outputs, f)
}

// cleanOldBackups drops rotated files older than maxAge days and keeps
// at most maxBackups of the rest.
func (l *Logger) cleanOldBackups(now time.Time) {
	entries, err := os.ReadDir(l.logDir)
	if err != nil {
		return
	}

	var backups []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		// rotated files carry a timestamp after the date
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".log")
		if len(trimmed) <= len("2006-01-02") {
			continue
		}
		date, err := time.Parse("2006-01-02", trimmed[:10])
		if err != nil {
			continue
		}
		if l.maxAge > 0 && date.Before(now.AddDate(0, 0, -l.maxAge)) {
			os.Remove(filepath.Join(l.logDir, name))
			continue
		}
		backups = append(backups, name)
	}

	if l.maxBackups > 0 && len(backups) > l.maxBackups {
		sort.Strings(backups)
		for _, name := range backups[:len(backups)-l.maxBackups] {
			os.Remove(filepath.Join(l.logDir, name))
		}
	}
}

// parseLevel converts string level to LogLevel
func parseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
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

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	if defaultLogger == nil {
		once.Do(func() {
			defaultLogger, _ = NewLogger(&config.LogConfig{
				Level:  "info",
				Format: "text",
				Output: "stdout",
			})
		})
	}
	return defaultLogger
}

func (l *Logger) format(level LogLevel, msg string, fields []Field) string {
	now := time.Now()
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	if l.formatJSON {
		record := make(map[string]interface{}, len(sorted)+3)
		for _, f := range sorted {
			record[f.Key] = f.Value
		}
		record["time"] = now.Format(time.RFC3339)
		record["level"] = level.String()
		record["msg"] = msg
		data, err := json.Marshal(record)
		if err != nil {
			return fmt.Sprintf(`{"time":%q,"level":%q,"msg":%q}`+"\n", now.Format(time.RFC3339), level, msg)
		}
		return string(data) + "\n"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s", now.Format("2006-01-02 15:04:05"), level, msg)
	for _, f := range sorted {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	b.WriteByte('\n')
	return b.String()
}

// log is the internal logging method
func (l *Logger) log(level LogLevel, msg string, fields []Field) {
	if l == nil || level < l.level {
		return
	}

	line := l.format(level, msg, fields)

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, w := range l.outputs {
		n, err := io.WriteString(w, line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[ERROR] failed to write log: %v\n", err)
			continue
		}
		if w == io.Writer(l.fileWriter) {
			l.currentSize += int64(n)
		}
	}
}

// WithField creates a log entry with a single field
func (l *Logger) WithField(key string, value interface{}) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{{Key: key, Value: value}}}
}

// WithFields creates a log entry with multiple fields
func (l *Logger) WithFields(fields map[string]interface{}) *LogEntry {
	fieldList := make([]Field, 0, len(fields))
	for k, v := range fields {
		fieldList = append(fieldList, Field{Key: k, Value: v})
	}
	return &LogEntry{logger: l, fields: fieldList}
}

// WithError creates a log entry with an error field
func (l *Logger) WithError(err error) *LogEntry {
	return &LogEntry{logger: l, fields: []Field{errorField(err)}}
}

func errorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: "<nil>"}
	}
	return Field{Key: "error", Value: err.Error()}
}

// LogEntry represents a log entry with fields
type LogEntry struct {
	logger *Logger
	fields []Field
}

// WithField adds a field to the log entry
func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	e.fields = append(e.fields, Field{Key: key, Value: value})
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]interface{}) *LogEntry {
	for k, v := range fields {
		e.fields = append(e.fields, Field{Key: k, Value: v})
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	e.fields = append(e.fields, errorField(err))
	return e
}

func (e *LogEntry) Debug(args ...interface{}) { e.logger.log(DEBUG, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Debugf(format string, args ...interface{}) {
	e.logger.log(DEBUG, fmt.Sprintf(format, args...), e.fields)
}
func (e *LogEntry) Info(args ...interface{}) { e.logger.log(INFO, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Infof(format string, args ...interface{}) {
	e.logger.log(INFO, fmt.Sprintf(format, args...), e.fields)
}
func (e *LogEntry) Warn(args ...interface{}) { e.logger.log(WARN, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Warnf(format string, args ...interface{}) {
	e.logger.log(WARN, fmt.Sprintf(format, args...), e.fields)
}
func (e *LogEntry) Error(args ...interface{}) { e.logger.log(ERROR, fmt.Sprint(args...), e.fields) }
func (e *LogEntry) Errorf(format string, args ...interface{}) {
	e.logger.log(ERROR, fmt.Sprintf(format, args...), e.fields)
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(args ...interface{}) {
	e.logger.log(FATAL, fmt.Sprint(args...), e.fields)
	os.Exit(1)
}

// Global convenience functions

// WithField creates a logger entry with a single field
func WithField(key string, value interface{}) *LogEntry {
	return GetLogger().WithField(key, value)
}

// WithFields creates a logger entry with multiple fields
func WithFields(fields map[string]interface{}) *LogEntry {
	return GetLogger().WithFields(fields)
}

// WithError creates a logger entry with an error field
func WithError(err error) *LogEntry {
	return GetLogger().WithError(err)
}

func Info(args ...interface{})                  { GetLogger().log(INFO, fmt.Sprint(args...), nil) }
func Infof(format string, args ...interface{})  { GetLogger().log(INFO, fmt.Sprintf(format, args...), nil) }
func Warnf(format string, args ...interface{})  { GetLogger().log(WARN, fmt.Sprintf(format, args...), nil) }
func Errorf(format string, args ...interface{}) { GetLogger().log(ERROR, fmt.Sprintf(format, args...), nil) }

// Fatalf logs a formatted message at fatal level and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().log(FATAL, fmt.Sprintf(format, args...), nil)
	os.Exit(1)
}

// Close stops rotation and closes the log file
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	if l.fileWriter != nil {
		err := l.fileWriter.Close()
		l.fileWriter = nil
		return err
	}
	return nil
}

func (l *Logger) Debug(args ...interface{}) { l.log(DEBUG, fmt.Sprint(args...), nil) }
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Info(args ...interface{}) { l.log(INFO, fmt.Sprint(args...), nil) }
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Warn(args ...interface{}) { l.log(WARN, fmt.Sprint(args...), nil) }
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Error(args ...interface{}) { l.log(ERROR, fmt.Sprint(args...), nil) }
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}
