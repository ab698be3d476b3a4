// Package logging owns the process-wide logger: an slog handler writing to
// stdout and optionally a size-rotated file, text in debug and JSON
// otherwise. Initialize installs it as slog's default, so the per-component
// loggers built with slog.Default().With(...) all route through it.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel is the minimum severity a configured logger emits.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR, FATAL:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config selects level, output file, rotation bounds, and format.
type Config struct {
	Level      LogLevel
	OutputFile string // empty for stdout only
	MaxSize    int64  // bytes before the file rotates
	MaxBackups int    // rotated files kept
	JSONFormat bool
	AddSource  bool
}

// Logger wraps an slog.Logger together with the file handle it may own.
type Logger struct {
	slog  *slog.Logger
	file  *os.File
	mu    sync.Mutex
	level LogLevel
}

var (
	globalLogger *Logger
	once         sync.Once
)

// Initialize configures the global logger and installs its handler as the
// slog default. Subsequent calls are no-ops; the first configuration wins.
func Initialize(config Config) error {
	var initErr error
	once.Do(func() {
		logger, err := NewLogger(config)
		if err != nil {
			initErr = fmt.Errorf("failed to initialize logger: %w", err)
			return
		}
		globalLogger = logger
		slog.SetDefault(logger.slog)
	})
	return initErr
}

// NewLogger builds a logger from the config without touching global state.
func NewLogger(config Config) (*Logger, error) {
	if config.MaxSize == 0 {
		config.MaxSize = 10 * 1024 * 1024
	}
	if config.MaxBackups == 0 {
		config.MaxBackups = 3
	}

	logger := &Logger{level: config.Level}
	writers := []io.Writer{os.Stdout}

	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		if err := rotate(config.OutputFile, config.MaxSize, config.MaxBackups); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(config.OutputFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.OutputFile, err)
		}
		logger.file = file
		writers = append(writers, file)
	}

	opts := &slog.HandlerOptions{
		Level:     config.Level.slogLevel(),
		AddSource: config.AddSource,
	}
	out := io.MultiWriter(writers...)
	if config.JSONFormat {
		logger.slog = slog.New(slog.NewJSONHandler(out, opts))
	} else {
		logger.slog = slog.New(slog.NewTextHandler(out, opts))
	}
	return logger, nil
}

// rotate shifts path to path.1 (and path.N up to maxBackups) once it has
// grown past maxSize, dropping the oldest backup.
func rotate(path string, maxSize int64, maxBackups int) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	if info.Size() < maxSize {
		return nil
	}

	for i := maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(fmt.Sprintf("%s.%d", path, i), fmt.Sprintf("%s.%d", path, i+1))
	}
	if err := os.Rename(path, path+".1"); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}
	return nil
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Fatal logs at error level, flushes the file, and exits.
func (l *Logger) Fatal(msg string, args ...any) {
	l.slog.Error(msg, args...)
	l.Close()
	os.Exit(1)
}

// With returns a child logger carrying extra attributes.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level}
}

// Close releases the log file, if one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// With returns a contextual logger from the global one, falling back to the
// process-default slog handler before Initialize runs.
func With(args ...any) *Logger {
	if globalLogger != nil {
		return globalLogger.With(args...)
	}
	return &Logger{slog: slog.Default().With(args...)}
}

// Close closes the global logger's file.
func Close() error {
	if globalLogger == nil {
		return nil
	}
	return globalLogger.Close()
}

// ParseLevel maps a --log-level flag value ("DEBUG", "info", ...) to a
// LogLevel. Unrecognized values fall back to INFO. CRITICAL is accepted as
// an alias for FATAL to match the flag's documented vocabulary.
func ParseLevel(name string) LogLevel {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL", "CRITICAL":
		return FATAL
	default:
		return INFO
	}
}

// DefaultConfig writes to a timestamped file under logs/, human-readable
// with source locations in debug mode and JSON otherwise.
func DefaultConfig(debugMode bool) Config {
	level := INFO
	if debugMode {
		level = DEBUG
	}
	name := fmt.Sprintf("ces-compact_%s.log", time.Now().Format("2006-01-02_15-04-05"))
	return Config{
		Level:      level,
		OutputFile: filepath.Join("logs", name),
		JSONFormat: !debugMode,
		AddSource:  debugMode,
	}
}

// DebugConfig logs everything to stdout only.
func DebugConfig() Config {
	return Config{Level: DEBUG, AddSource: true}
}
