package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var logLevelNames = map[LogLevel]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel accepts debug, info, warn/warning, error and fatal in any case.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "", "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "fatal":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", s)
}

type Logger struct {
	mu           sync.Mutex
	level        LogLevel
	console      *log.Logger
	file         *os.File
	filePath     string
	maxSizeBytes int64
	maxAgeDays   int
	currentSize  int64
	openedDay    int
	exit         func(int)
}

type LogEntry struct {
	Level     string         `json:"level"`
	Timestamp string         `json:"timestamp"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Caller    string         `json:"caller,omitempty"`
}

var std = &Logger{
	level:   INFO,
	console: log.New(os.Stderr, "", log.LstdFlags),
	exit:    os.Exit,
}

func SetLevel(level LogLevel) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

func GetLevel() LogLevel {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// SetOutput redirects console output. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.console.SetOutput(w)
}

func EnableFileLogging(filePath string) error {
	return EnableFileLoggingWithRotation(filePath, 0, 0)
}

// EnableFileLoggingWithRotation writes JSON lines to filePath. A positive
// maxSizeMB rotates on size, a positive maxAgeDays rotates daily and prunes
// rotated files older than that.
func EnableFileLoggingWithRotation(filePath string, maxSizeMB int, maxAgeDays int) error {
	if strings.HasPrefix(filePath, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	var size int64
	if stat, err := file.Stat(); err == nil {
		size = stat.Size()
	}

	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
	}
	std.file = file
	std.filePath = filePath
	std.maxSizeBytes = int64(maxSizeMB) * 1024 * 1024
	std.maxAgeDays = maxAgeDays
	std.currentSize = size
	std.openedDay = time.Now().YearDay()
	return nil
}

func DisableFileLogging() {
	std.mu.Lock()
	defer std.mu.Unlock()

	if std.file != nil {
		std.file.Close()
		std.file = nil
	}
}

func (l *Logger) shouldRotateLocked(now time.Time) bool {
	if l.maxSizeBytes > 0 && l.currentSize >= l.maxSizeBytes {
		return true
	}
	return l.maxAgeDays > 0 && now.YearDay() != l.openedDay
}

func (l *Logger) rotateLocked(now time.Time) error {
	l.file.Close()
	l.file = nil

	rotated := fmt.Sprintf("%s.%s", l.filePath, now.Format("20060102-150405"))
	renameErr := os.Rename(l.filePath, rotated)

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to reopen log file: %w", err)
	}
	l.file = file
	if renameErr != nil {
		return fmt.Errorf("failed to rotate log file: %w", renameErr)
	}

	l.currentSize = 0
	l.openedDay = now.YearDay()
	go pruneRotated(l.filePath, l.maxAgeDays)
	return nil
}

func pruneRotated(path string, maxAgeDays int) {
	if maxAgeDays <= 0 {
		return
	}

	dir := filepath.Dir(path)
	prefix := filepath.Base(path) + "."
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
}

func logMessage(level LogLevel, component string, message string, fields map[string]any) {
	std.mu.Lock()
	defer std.mu.Unlock()

	if level < std.level {
		return
	}

	now := time.Now().UTC()
	entry := LogEntry{
		Level:     level.String(),
		Timestamp: now.Format(time.RFC3339),
		Component: component,
		Message:   message,
		Fields:    fields,
	}

	if std.file != nil {
		if pc, file, line, ok := runtime.Caller(2); ok {
			if fn := runtime.FuncForPC(pc); fn != nil {
				entry.Caller = fmt.Sprintf("%s:%d (%s)", filepath.Base(file), line, fn.Name())
			}
		}

		if std.shouldRotateLocked(now) {
			if err := std.rotateLocked(now); err != nil {
				std.console.Printf("Failed to rotate log file: %v", err)
			}
		}

		if std.file != nil {
			if data, err := json.Marshal(entry); err == nil {
				n, _ := std.file.Write(append(data, '\n'))
				std.currentSize += int64(n)
			}
		}
	}

	var fieldStr string
	if len(fields) > 0 {
		fieldStr = " " + formatFields(fields)
	}

	std.console.Printf("[%s] [%s]%s %s%s",
		entry.Timestamp,
		entry.Level,
		formatComponent(component),
		message,
		fieldStr,
	)

	if level == FATAL {
		std.exit(1)
	}
}

func formatComponent(component string) string {
	if component == "" {
		return ""
	}
	return " " + component + ":"
}

// formatFields sorts keys so lines are stable across runs.
func formatFields(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]any) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]any) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, fields map[string]any) {
	logMessage(WARN, "", message, fields)
}

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, fields map[string]any) {
	logMessage(ERROR, "", message, fields)
}

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) {
	logMessage(FATAL, "", message, nil)
}

func FatalC(component string, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalCF(component string, message string, fields map[string]any) {
	logMessage(FATAL, component, message, fields)
}
